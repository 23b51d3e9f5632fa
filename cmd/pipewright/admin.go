package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/rendis/pipewright/internal/blobstore"
	"github.com/rendis/pipewright/internal/secrets"
)

func secretCommand() *cli.Command {
	repoFlag := func() cli.Flag {
		return &cli.StringFlag{Name: "repo", Usage: "repository id the secret is scoped to (empty: global)"}
	}
	return &cli.Command{
		Name:  "secret",
		Usage: "manage secrets exposed to workflows as secrets.<NAME>",
		Description: `
Secrets are sealed with a key derived from PIPEWRIGHT_VAULT_PASSPHRASE and
stored in the database at db_path.
`,
		Commands: []*cli.Command{
			{
				Name:      "set",
				Usage:     "store a secret; the value is read from stdin when omitted or -",
				ArgsUsage: "<NAME> [value]",
				Flags:     []cli.Flag{repoFlag()},
				Action:    runSecretSet,
			},
			{
				Name:   "list",
				Usage:  "list stored secret names",
				Action: runSecretList,
			},
			{
				Name:      "delete",
				Usage:     "remove a secret",
				ArgsUsage: "<NAME>",
				Flags:     []cli.Flag{repoFlag()},
				Action:    runSecretDelete,
			},
		},
	}
}

// openVault wires the app and fails unless secrets are persistent.
func openVault(ctx context.Context, cmd *cli.Command) (*app, error) {
	cfg, logger, err := setup(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if cfg.DBPath == "" {
		return nil, cli.Exit("secrets need a database: set db_path or --db-path", 2)
	}
	if cfg.VaultPassphrase == "" {
		return nil, cli.Exit("secrets need "+envPrefix+"VAULT_PASSPHRASE", 2)
	}
	return newApp(ctx, cfg, logger)
}

func runSecretSet(ctx context.Context, cmd *cli.Command) error {
	args := cmd.Args()
	if args.Len() < 1 || args.Len() > 2 {
		return cli.Exit("secret set needs a name and an optional value", 2)
	}
	name := args.Get(0)
	value := []byte(args.Get(1))
	if args.Len() == 1 || args.Get(1) == "-" {
		data, err := io.ReadAll(cmd.Root().Reader)
		if err != nil {
			return fmt.Errorf("read secret value: %w", err)
		}
		value = []byte(strings.TrimRight(string(data), "\r\n"))
	}

	a, err := openVault(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.close()
	key := secrets.ScopedKey(cmd.String("repo"), name)
	if err := a.vault.Store(ctx, key, value); err != nil {
		return err
	}
	fmt.Fprintf(cmd.Root().Writer, "stored %s\n", key)
	return nil
}

func runSecretList(ctx context.Context, cmd *cli.Command) error {
	a, err := openVault(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.close()
	keys, err := a.vault.List(ctx)
	if err != nil {
		return err
	}
	for _, k := range keys {
		fmt.Fprintln(cmd.Root().Writer, k)
	}
	return nil
}

func runSecretDelete(ctx context.Context, cmd *cli.Command) error {
	if cmd.Args().Len() != 1 {
		return cli.Exit("secret delete needs a name", 2)
	}
	a, err := openVault(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.close()
	return a.vault.Delete(ctx, secrets.ScopedKey(cmd.String("repo"), cmd.Args().First()))
}

func pruneCommand() *cli.Command {
	return &cli.Command{
		Name:  "prune",
		Usage: "delete old logs and artifacts from the database",
		Flags: []cli.Flag{
			&cli.DurationFlag{Name: "older-than", Usage: "age after which unread blobs are removed", Value: 30 * 24 * time.Hour},
			&cli.StringSliceFlag{Name: "kind", Usage: "blob kind to prune: log, artifact (default: both)"},
		},
		Action: runPrune,
	}
}

func runPrune(ctx context.Context, cmd *cli.Command) error {
	cfg, logger, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	if cfg.DBPath == "" {
		return cli.Exit("prune needs a database: set db_path or --db-path", 2)
	}
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	kinds := cmd.StringSlice("kind")
	if len(kinds) == 0 {
		kinds = []string{blobstore.KindLog, blobstore.KindArtifact}
	}
	cutoff := time.Now().Add(-cmd.Duration("older-than"))
	w := cmd.Root().Writer
	for _, kind := range kinds {
		if kind != blobstore.KindLog && kind != blobstore.KindArtifact {
			return cli.Exit(fmt.Sprintf("unknown blob kind %q", kind), 2)
		}
		n, err := a.db.PruneBlobs(ctx, kind, cutoff)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "pruned %d %s blob(s)\n", n, kind)
	}
	return a.db.Vacuum(ctx)
}

func initCommand() *cli.Command {
	return &cli.Command{
		Name:  "init",
		Usage: "write the effective configuration to ~/.pipewright/settings.json",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "repos-dir", Usage: "directory whose subdirectories are repositories"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(ctx)
			if err != nil {
				return err
			}
			applyFlags(&cfg, cmd)
			if cmd.IsSet("repos-dir") {
				cfg.ReposDir = cmd.String("repos-dir")
			}
			path, err := writeSettings(cfg)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.Root().Writer, "wrote %s\n", path)
			return nil
		},
	}
}
