package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/pipewright/pkg/schema"
)

// LibSQLStore persists blobs and sealed secrets in libSQL (embedded SQLite
// fork). Run state never touches it.
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path.
// The path should be a file URI, e.g. "file:/path/to/pipewright.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Blobs ---

// PutBlob stores data under id. Ids are content addresses, so writing an
// existing id is a no-op. kind groups blobs for PruneBlobs.
func (s *LibSQLStore) PutBlob(ctx context.Context, id, kind string, data []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO blobs (id, kind, size, data) VALUES (?, ?, ?, ?) ON CONFLICT(id) DO NOTHING`,
		id, kind, len(data), data,
	)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "put blob").WithCause(err)
	}
	return nil
}

// GetBlob returns the bytes stored under id.
func (s *LibSQLStore) GetBlob(ctx context.Context, id string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM blobs WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("blob", id)
	}
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "get blob").WithCause(err)
	}
	_, _ = s.db.ExecContext(ctx, `UPDATE blobs SET accessed_at = CURRENT_TIMESTAMP WHERE id = ?`, id)
	return data, nil
}

// HasBlob reports whether id is stored.
func (s *LibSQLStore) HasBlob(ctx context.Context, id string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM blobs WHERE id = ?`, id).Scan(&n)
	if err != nil {
		return false, schema.NewError(schema.ErrCodeStore, "has blob").WithCause(err)
	}
	return n > 0, nil
}

// DeleteBlob removes id.
func (s *LibSQLStore) DeleteBlob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM blobs WHERE id = ?`, id)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "delete blob").WithCause(err)
	}
	return checkRowsAffected(res, "blob", id)
}

// PruneBlobs deletes blobs of kind that were created before cutoff and not
// read since. It returns the number of blobs removed.
func (s *LibSQLStore) PruneBlobs(ctx context.Context, kind string, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM blobs WHERE kind = ? AND created_at < ? AND (accessed_at IS NULL OR accessed_at < ?)`,
		kind, sqliteTime(cutoff), sqliteTime(cutoff),
	)
	if err != nil {
		return 0, schema.NewError(schema.ErrCodeStore, "prune blobs").WithCause(err)
	}
	return res.RowsAffected()
}

// --- Secrets ---

func (s *LibSQLStore) StoreSecret(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO secrets (key, value, created_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, rotated_at=CURRENT_TIMESTAMP`,
		key, value,
	)
	return err
}

func (s *LibSQLStore) GetSecret(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM secrets WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("secret", key)
	}
	return value, err
}

func (s *LibSQLStore) DeleteSecret(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE key = ?`, key)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "secret", key)
}

func (s *LibSQLStore) ListSecrets(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM secrets ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeStore, "%s %q not found", resource, id).
		WithDetails(map[string]any{"not_found": true})
}

// IsNotFound reports whether err is a store lookup miss.
func IsNotFound(err error) bool {
	var sErr *schema.Error
	if !errors.As(err, &sErr) {
		return false
	}
	missing, _ := sErr.Details["not_found"].(bool)
	return missing
}

// sqliteTime formats t like CURRENT_TIMESTAMP so text comparison holds.
func sqliteTime(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04:05")
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}
