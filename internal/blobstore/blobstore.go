// Package blobstore persists run logs and artifacts as compressed,
// content-addressed blobs on a pluggable Backend.
package blobstore

import (
	"context"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/zeebo/blake3"

	"github.com/rendis/pipewright/pkg/schema"
)

// Blob kinds recorded by the backend.
const (
	KindLog      = "log"
	KindArtifact = "artifact"
)

// Backend is the raw blob persistence contract. Ids are content addresses:
// writing an existing id must be a no-op. Satisfied by store.LibSQLStore
// and MemoryBackend.
type Backend interface {
	PutBlob(ctx context.Context, id, kind string, data []byte) error
	GetBlob(ctx context.Context, id string) ([]byte, error)
	HasBlob(ctx context.Context, id string) (bool, error)
	DeleteBlob(ctx context.Context, id string) error
}

// contentKey is the BLAKE3 keyed-hash key for blob ids, the ASCII domain
// name zero-padded to 32 bytes.
var contentKey = [32]byte{
	'p', 'i', 'p', 'e', 'w', 'r', 'i', 'g', 'h', 't', '.', 'b', 'l', 'o', 'b',
}

// ContentID returns the content address of data: the hex BLAKE3 keyed hash
// of the uncompressed bytes.
func ContentID(data []byte) string {
	h, err := blake3.NewKeyed(contentKey[:])
	if err != nil {
		// Only fails for a key that is not 32 bytes.
		panic("blobstore: " + err.Error())
	}
	_, _ = h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Config configures a Store.
type Config struct {
	// Attempts bounds backend writes (default 3).
	Attempts   uint
	RetryDelay time.Duration // default 50ms, doubled per attempt
	Logger     *slog.Logger
}

// Store compresses and addresses blobs before handing them to a Backend.
// Logs are zstd-compressed; artifacts use lz4.
type Store struct {
	backend  Backend
	attempts uint
	delay    time.Duration
	logger   *slog.Logger
}

// New creates a Store over backend.
func New(backend Backend, cfg Config) *Store {
	if cfg.Attempts == 0 {
		cfg.Attempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 50 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Store{backend: backend, attempts: cfg.Attempts, delay: cfg.RetryDelay, logger: cfg.Logger}
}

// PutLog stores an NDJSON log stream and returns its content id.
func (s *Store) PutLog(ctx context.Context, data []byte) (string, error) {
	return s.put(ctx, KindLog, CompressionZstd, data)
}

// PutArtifact stores an artifact and returns its record.
func (s *Store) PutArtifact(ctx context.Context, name string, data []byte) (schema.Artifact, error) {
	id, err := s.put(ctx, KindArtifact, CompressionLZ4, data)
	if err != nil {
		return schema.Artifact{}, err
	}
	return schema.Artifact{
		Name:      name,
		ContentID: id,
		Size:      int64(len(data)),
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Get returns the uncompressed bytes of id, verifying the content address.
func (s *Store) Get(ctx context.Context, id string) ([]byte, error) {
	framed, err := s.backend.GetBlob(ctx, id)
	if err != nil {
		return nil, err
	}
	data, err := decode(framed)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "blob %s: corrupt frame", id).WithCause(err)
	}
	if got := ContentID(data); got != id {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "blob %s: content hashes to %s", id, got)
	}
	return data, nil
}

// Has reports whether id is stored.
func (s *Store) Has(ctx context.Context, id string) (bool, error) {
	return s.backend.HasBlob(ctx, id)
}

// Delete removes id.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.backend.DeleteBlob(ctx, id)
}

func (s *Store) put(ctx context.Context, kind string, tag CompressionTag, data []byte) (string, error) {
	id := ContentID(data)
	framed, err := encode(data, tag)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeStore, "encode %s blob", kind).WithCause(err)
	}

	err = retry.Do(func() error {
		return s.backend.PutBlob(ctx, id, kind, framed)
	},
		retry.Attempts(s.attempts),
		retry.DelayType(retry.BackOffDelay),
		retry.Delay(s.delay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Warn("retrying blob write",
				slog.String("kind", kind),
				slog.String("content_id", id),
				slog.Uint64("attempt", uint64(n+1)),
				slog.Any("error", err),
			)
		}),
	)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeStore, "write %s blob", kind).WithCause(err)
	}
	return id, nil
}
