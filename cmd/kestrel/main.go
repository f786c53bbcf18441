// Command kestrel trains a small convolutional digit classifier, fine-tunes
// it with simulated quantization, converts it to an int8 artifact, and
// evaluates the variants against each other.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"
)

func main() {
	app := &cli.Command{
		Name:  "kestrel",
		Usage: "Quantization-aware training pipeline CLI",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			trainCmd(),
			finetuneCmd(),
			convertCmd(),
			evaluateCmd(),
			inspectCmd(),
			pipelineCmd(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
