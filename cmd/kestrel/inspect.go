package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	json "github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/kestrelml/kestrel/artifact"
	"github.com/kestrelml/kestrel/checkpoints"
)

func inspectCmd() *cli.Command {
	return &cli.Command{
		Name:      "inspect",
		Usage:     "Print a JSON summary of an artifact or checkpoint",
		ArgsUsage: "<file>",
		Action: func(ctx context.Context, c *cli.Command) error {
			path := c.Args().First()
			if path == "" {
				return cli.Exit("usage: kestrel inspect <file>", 1)
			}

			a, err := artifact.ReadFile(path)
			if err == nil {
				return printJSON(artifactSummary(a))
			}
			if !errors.Is(err, artifact.ErrInvalidMagic) {
				return cli.Exit(err.Error(), 1)
			}

			ckpt, err := checkpoints.Load(path)
			if err != nil {
				return cli.Exit(fmt.Sprintf("not an artifact or checkpoint: %v", err), 1)
			}
			return printJSON(checkpointSummary(ckpt))
		},
	}
}

func artifactSummary(a *artifact.Artifact) interface{} {
	type tensorSummary struct {
		Name  string      `json:"name"`
		DType string      `json:"dtype"`
		Shape []int       `json:"shape"`
		Bytes int         `json:"bytes"`
		Quant interface{} `json:"quant,omitempty"`
	}
	tensors := make([]tensorSummary, 0, len(a.Tensors))
	for _, rec := range a.Tensors {
		ts := tensorSummary{Name: rec.Name, DType: rec.DType, Shape: rec.Shape, Bytes: len(rec.Data)}
		if rec.Quant != nil {
			ts.Quant = rec.Quant
		}
		tensors = append(tensors, ts)
	}
	return map[string]interface{}{
		"kind":          "artifact",
		"model":         a.Info,
		"tensors":       tensors,
		"payload_bytes": a.PayloadBytes(),
		"metadata":      a.Metadata,
	}
}

func checkpointSummary(c *checkpoints.Checkpoint) interface{} {
	type weightSummary struct {
		Name  string `json:"name"`
		Shape []int  `json:"shape"`
		Elems int    `json:"elements"`
	}
	weights := make([]weightSummary, 0, len(c.Weights))
	for _, w := range c.Weights {
		weights = append(weights, weightSummary{Name: w.Name, Shape: w.Shape, Elems: len(w.Data)})
	}
	return map[string]interface{}{
		"kind":           "checkpoint",
		"model":          c.ModelSpec.Summary(),
		"weights":        weights,
		"training_state": c.TrainingState,
		"metadata":       c.Metadata,
	}
}

func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	fmt.Fprintln(os.Stdout, string(out))
	return nil
}
