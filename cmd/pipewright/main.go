package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"
)

func newRootCommand() *cli.Command {
	return &cli.Command{
		Name:    "pipewright",
		Usage:   "run GitHub Actions compatible workflows from local repositories",
		Version: version,
		Flags:   configFlags(),
		Commands: []*cli.Command{
			validateCommand(),
			emitCommand(),
			dispatchCommand(),
			matrixCommand(),
			graphCommand(),
			serveCommand(),
			secretCommand(),
			pruneCommand(),
			initCommand(),
			versionCommand(),
		},
	}
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Run(context.Background(), os.Args); err != nil {
		if !errors.Is(err, errRunsFailed) {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
		os.Exit(1)
	}
}
