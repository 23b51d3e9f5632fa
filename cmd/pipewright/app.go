package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/rendis/pipewright/internal/actions"
	"github.com/rendis/pipewright/internal/blobstore"
	"github.com/rendis/pipewright/internal/engine"
	"github.com/rendis/pipewright/internal/expressions"
	"github.com/rendis/pipewright/internal/logging"
	"github.com/rendis/pipewright/internal/scheduler"
	"github.com/rendis/pipewright/internal/secrets"
	"github.com/rendis/pipewright/internal/store"
	"github.com/rendis/pipewright/internal/streaming"
	"github.com/rendis/pipewright/internal/trigger"
	"github.com/rendis/pipewright/internal/validation"
	"github.com/rendis/pipewright/internal/workflowdef"
)

// vaultSalt is mixed into the passphrase-derived vault key.
var vaultSalt = []byte("pipewright-vault-v1")

// app is the wired process: definitions, storage, executor and router.
type app struct {
	cfg    Config
	logger *slog.Logger

	catalog *actions.Registry
	repos   *workflowdef.DirRepository
	loader  *workflowdef.Loader
	db      *store.LibSQLStore // nil when running in memory
	runs    *store.MemoryStore
	blobs   *blobstore.Store
	vault   secrets.Vault
	hub     *streaming.MemoryHub
	exec    *engine.Executor
	router  *trigger.Router
	sched   *scheduler.Scheduler
}

// setup resolves the configuration of cmd and builds the process logger.
func setup(ctx context.Context, cmd *cli.Command) (Config, *slog.Logger, error) {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return cfg, nil, err
	}
	applyFlags(&cfg, cmd)

	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return cfg, nil, err
	}
	handler, err := logging.NewHandler(cmd.Root().ErrWriter, level, cfg.LogFormat)
	if err != nil {
		return cfg, nil, err
	}
	return cfg, slog.New(handler), nil
}

// newApp wires every component. Call close when done.
func newApp(ctx context.Context, cfg Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	mode, err := expressions.ParseMode(cfg.ExpressionMode)
	if err != nil {
		return nil, err
	}

	a.catalog = actions.NewBuiltinRegistry()
	validator, err := validation.NewWorkflowValidator(a.catalog)
	if err != nil {
		return nil, fmt.Errorf("build validator: %w", err)
	}
	a.repos = workflowdef.NewDirRepository()
	a.loader, err = workflowdef.NewLoader(a.repos, validator, logger)
	if err != nil {
		return nil, err
	}

	var backend blobstore.Backend = blobstore.NewMemoryBackend()
	var secretStore secrets.SecretStore = secrets.NewMemoryStore()
	if cfg.DBPath != "" {
		if a.db, err = openDB(ctx, cfg.DBPath); err != nil {
			return nil, err
		}
		backend, secretStore = a.db, a.db
	}
	a.blobs = blobstore.New(backend, blobstore.Config{Logger: logger})
	if cfg.VaultPassphrase != "" {
		a.vault, err = secrets.NewAESVault(secretStore, secrets.VaultConfig{Passphrase: cfg.VaultPassphrase, Salt: vaultSalt})
		if err != nil {
			a.close()
			return nil, err
		}
	}

	a.runs, err = store.NewMemoryStore(store.MemoryConfig{RetainRuns: cfg.RetainRuns, Logger: logger})
	if err != nil {
		a.close()
		return nil, err
	}
	a.hub = streaming.NewMemoryHub(1024)
	a.exec = engine.NewExecutor(a.loader, a.runs, a.catalog, engine.Config{
		MaxConcurrentRuns: cfg.MaxConcurrentRuns,
		MaxParallelJobs:   cfg.MaxParallelJobs,
		ExpressionMode:    mode,
		WorkDir:           cfg.WorkDir,
		Workspace:         a.workspace,
		Hub:               a.hub,
		Blobs:             a.blobs,
		Vault:             a.vault,
		Logger:            logger,
	})
	a.router = trigger.NewRouter(a.loader, a.exec, trigger.RouterConfig{
		HistorySize: cfg.HistorySize,
		Inputs:      validator,
		Logger:      logger,
	})
	a.sched = scheduler.NewScheduler(a.loader, a.router, scheduler.Config{Logger: logger})
	return a, nil
}

func openDB(ctx context.Context, path string) (*store.LibSQLStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := path
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + path
	}
	db, err := store.NewLibSQLStore(dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate %s: %w", path, err)
	}
	return db, nil
}

// workspace runs jobs in the registered checkout of the repository.
func (a *app) workspace(repoID string) string {
	return a.repos.Root(repoID)
}

// addRepos registers repository checkouts and returns their ids. A dir
// may carry an explicit id as "id=dir".
func (a *app) addRepos(dirs []string) ([]string, error) {
	ids := make([]string, 0, len(dirs))
	for _, d := range dirs {
		id, dir := "", d
		if k, v, ok := strings.Cut(d, "="); ok {
			id, dir = k, v
		}
		repoID, err := a.repos.Add(id, dir)
		if err != nil {
			return nil, err
		}
		ids = append(ids, repoID)
	}
	return ids, nil
}

// reposFromDir lists the subdirectories of ReposDir.
func (a *app) reposFromDir() ([]string, error) {
	if a.cfg.ReposDir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(a.cfg.ReposDir)
	if err != nil {
		return nil, fmt.Errorf("read repos dir: %w", err)
	}
	var dirs []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			dirs = append(dirs, filepath.Join(a.cfg.ReposDir, e.Name()))
		}
	}
	return dirs, nil
}

func (a *app) start(ctx context.Context) {
	a.exec.Start(ctx)
}

func (a *app) close() {
	if a.sched != nil {
		a.sched.Stop()
	}
	if a.exec != nil {
		a.exec.Stop()
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("close database", slog.String("error", err.Error()))
		}
	}
}

// errRunsFailed makes the process exit non-zero after printing summaries.
var errRunsFailed = errors.New("one or more runs did not succeed")
