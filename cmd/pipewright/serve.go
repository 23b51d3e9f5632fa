package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/rendis/pipewright/internal/streaming"
	"github.com/rendis/pipewright/pkg/schema"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run scheduled workflows until interrupted",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{Name: "repo", Usage: "repository checkout (optionally id=dir, repeatable; default: every directory under repos_dir)"},
			&cli.BoolFlag{Name: "events", Usage: "print run lifecycle events"},
			&cli.BoolFlag{Name: "logs", Usage: "print job output"},
		},
		Description: `
Fires the schedule triggers of every active workflow. SIGHUP reloads the
definitions and their schedules; SIGINT or SIGTERM stops after in-flight
runs finish.

Environment variables:
	PIPEWRIGHT_REPOS_DIR         directory whose subdirectories are repositories
	PIPEWRIGHT_DB_PATH           libSQL file for logs, artifacts and secrets
	PIPEWRIGHT_VAULT_PASSPHRASE  unlocks stored secrets
`,
		Action: runServe,
	}
}

func runServe(ctx context.Context, cmd *cli.Command) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, logger, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	dirs := cmd.StringSlice("repo")
	if len(dirs) == 0 {
		if dirs, err = a.reposFromDir(); err != nil {
			return err
		}
	}
	if len(dirs) == 0 {
		return cli.Exit("no repositories: pass --repo or set repos_dir", 2)
	}
	ids, err := a.addRepos(dirs)
	if err != nil {
		return err
	}

	var types []string
	if !cmd.Bool("events") {
		types = []string{schema.EventLogLine}
	}
	if cmd.Bool("events") || cmd.Bool("logs") {
		stopPrint, err := followLogs(ctx, a.hub, cmd.Root().Writer, streaming.Filter{Types: types})
		if err != nil {
			return err
		}
		defer stopPrint()
	}

	a.start(ctx)
	if _, err := a.sched.LoadScheduledWorkflows(ctx, ids); err != nil {
		logger.Warn("some schedules were not registered", slog.String("error", err.Error()))
	}
	a.sched.Start(ctx)

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			if err := context.Cause(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("serve: %w", err)
			}
			return nil
		case <-hup:
			logger.Info("reloading workflow definitions")
			for _, id := range ids {
				if _, result, err := a.loader.Load(ctx, id); err != nil {
					logger.Error("reload failed", slog.String("repo_id", id), slog.String("error", err.Error()))
				} else if !result.Valid() {
					logger.Warn("reloaded with validation errors", slog.String("repo_id", id), slog.Int("errors", len(result.Errors)))
				}
			}
			if _, err := a.sched.LoadScheduledWorkflows(ctx, ids); err != nil {
				logger.Warn("some schedules were not registered", slog.String("error", err.Error()))
			}
		}
	}
}
