package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/kestrelml/kestrel/artifact"
	"github.com/kestrelml/kestrel/checkpoints"
	"github.com/kestrelml/kestrel/logger"
)

func evaluateCmd() *cli.Command {
	var (
		ckptPath     string
		artifactPath string
	)

	flags := append(commonFlags(),
		&cli.StringFlag{
			Name:        "checkpoint",
			Aliases:     []string{"ckpt"},
			Usage:       "float checkpoint to evaluate",
			Destination: &ckptPath,
		},
		&cli.StringFlag{
			Name:        "artifact",
			Usage:       "int8 artifact to evaluate",
			Destination: &artifactPath,
		},
	)

	return &cli.Command{
		Name:  "evaluate",
		Usage: "Measure test accuracy and file sizes of model variants",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, err := resolveConfig(c)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			if ckptPath == "" && artifactPath == "" {
				return cli.Exit("nothing to evaluate: pass --checkpoint and/or --artifact", 1)
			}

			var (
				ckptAcc, artAcc   float64
				ckptSize, artSize int64
			)

			if ckptPath != "" {
				ckpt, err := checkpoints.Load(ckptPath)
				if err != nil {
					return cli.Exit(err.Error(), 1)
				}
				model, err := ckpt.RestoreModel()
				if err != nil {
					return cli.Exit(err.Error(), 1)
				}
				ckptAcc, err = testAccuracy(model, cfg)
				if err != nil {
					return cli.Exit(err.Error(), 1)
				}
				ckptSize, err = fileSize(ckptPath)
				if err != nil {
					return cli.Exit(err.Error(), 1)
				}
				logger.Log.Info("checkpoint evaluated",
					"path", ckptPath,
					"accuracy", ckptAcc,
					"file_bytes", ckptSize,
				)
			}

			if artifactPath != "" {
				a, err := artifact.ReadFile(artifactPath)
				if err != nil {
					return cli.Exit(err.Error(), 1)
				}
				interp, err := artifact.NewInterpreter(a)
				if err != nil {
					return cli.Exit(err.Error(), 1)
				}
				artAcc, err = testAccuracy(interp, cfg)
				if err != nil {
					return cli.Exit(err.Error(), 1)
				}
				artSize, err = fileSize(artifactPath)
				if err != nil {
					return cli.Exit(err.Error(), 1)
				}
				logger.Log.Info("artifact evaluated",
					"path", artifactPath,
					"accuracy", artAcc,
					"file_bytes", artSize,
				)
			}

			if ckptPath != "" && artifactPath != "" {
				fmt.Printf("checkpoint: accuracy %.4f, %d bytes\n", ckptAcc, ckptSize)
				fmt.Printf("artifact:   accuracy %.4f, %d bytes\n", artAcc, artSize)
				fmt.Printf("size ratio: %.3f, accuracy delta: %+.4f\n",
					float64(artSize)/float64(ckptSize), artAcc-ckptAcc)
			}
			return nil
		},
	}
}

func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}
