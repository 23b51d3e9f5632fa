package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/rendis/pipewright/internal/diagram"
	"github.com/rendis/pipewright/internal/workflowdef"
	"github.com/rendis/pipewright/pkg/schema"
)

func graphCommand() *cli.Command {
	return &cli.Command{
		Name:      "graph",
		Usage:     "draw the job graph of a workflow",
		ArgsUsage: "<workflow-file>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "format", Usage: "ascii, mermaid, png or svg", Value: "ascii"},
			&cli.BoolFlag{Name: "steps", Usage: "nest the steps of every job"},
			&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "write to a file instead of stdout"},
		},
		Action: runGraph,
	}
}

func runGraph(ctx context.Context, cmd *cli.Command) error {
	if cmd.Args().Len() != 1 {
		return cli.Exit("graph needs a workflow file", 2)
	}
	path := cmd.Args().First()
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	doc, err := workflowdef.Decode(path, data)
	if err != nil {
		return err
	}
	wf, _, err := doc.Workflow()
	if err != nil {
		return err
	}
	model, err := diagram.Build(wf, nil, diagram.Options{Steps: cmd.Bool("steps")})
	if err != nil {
		return err
	}

	w := cmd.Root().Writer
	if out := cmd.String("output"); out != "" {
		f, err := os.Create(out)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	return renderGraph(ctx, w, model, cmd.String("format"))
}

func renderGraph(ctx context.Context, w io.Writer, model *diagram.DiagramModel, format string) error {
	switch format {
	case "ascii":
		_, err := io.WriteString(w, diagram.RenderASCII(model))
		return err
	case "mermaid":
		_, err := io.WriteString(w, diagram.RenderMermaid(model))
		return err
	case "png", "svg":
		img, err := diagram.RenderImage(ctx, model, diagram.ImageFormat(format))
		if err != nil {
			return err
		}
		_, err = w.Write(img)
		return err
	default:
		return cli.Exit(fmt.Sprintf("unknown graph format %q", format), 2)
	}
}

// printRunGraph draws a finished run over its workflow's job graph.
func (a *app) printRunGraph(ctx context.Context, w io.Writer, run *schema.Run) error {
	wf, err := a.loader.Workflow(ctx, run.RepoID, run.WorkflowID)
	if err != nil {
		return err
	}
	model, err := diagram.Build(wf, run, diagram.Options{})
	if err != nil {
		return err
	}
	return renderGraph(ctx, w, model, "ascii")
}
