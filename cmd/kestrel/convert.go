package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/kestrelml/kestrel/artifact"
	"github.com/kestrelml/kestrel/checkpoints"
	"github.com/kestrelml/kestrel/logger"
	"github.com/kestrelml/kestrel/quant"
)

func convertCmd() *cli.Command {
	var (
		ckptPath string
		outPath  string
	)

	flags := append(commonFlags(),
		&cli.Int64Flag{Name: "bit-width", Usage: "quantization bit width"},
		&cli.Float64Flag{Name: "ema-decay", Usage: "observer EMA decay"},
		&cli.Int64Flag{
			Name:  "calibration-batches",
			Usage: "training batches to run for range calibration",
			Value: 8,
		},
		&cli.StringFlag{
			Name:        "checkpoint",
			Aliases:     []string{"ckpt"},
			Usage:       "checkpoint to convert",
			Value:       "qat.json",
			Destination: &ckptPath,
		},
		&cli.StringFlag{
			Name:        "out",
			Aliases:     []string{"o"},
			Usage:       "output artifact path",
			Value:       "model.kqa",
			Destination: &outPath,
		},
	)

	return &cli.Command{
		Name:  "convert",
		Usage: "Calibrate a checkpoint and convert it to an int8 artifact",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, err := resolveConfig(c)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}

			ckpt, err := checkpoints.Load(ckptPath)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			model, err := ckpt.RestoreModel()
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}

			qat, err := quant.Wrap(model, quant.Config{
				BitWidth: cfg.BitWidth,
				EMADecay: float32(cfg.EMADecay),
			})
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}

			batches := int(c.Int("calibration-batches"))
			if err := calibrate(qat, cfg, batches); err != nil {
				return cli.Exit(fmt.Sprintf("calibrating: %v", err), 1)
			}

			a, err := artifact.Convert(qat, map[string]interface{}{
				"source_checkpoint": ckptPath,
				"source_run_id":     ckpt.Metadata.RunID,
			})
			if err != nil {
				return cli.Exit(fmt.Sprintf("converting: %v", err), 1)
			}
			if err := a.WriteFile(outPath); err != nil {
				return cli.Exit(err.Error(), 1)
			}

			info, err := os.Stat(outPath)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			logger.Log.Info("artifact written",
				"path", outPath,
				"file_bytes", info.Size(),
				"payload_bytes", a.PayloadBytes(),
				"tensors", len(a.Tensors),
			)
			return nil
		},
	}
}

// calibrate runs training-mode forward passes so every observer collects
// range statistics. No gradients and no weight updates.
func calibrate(qat *quant.QATModel, cfg Config, batches int) error {
	if batches <= 0 {
		return fmt.Errorf("calibration batches must be positive, got %d", batches)
	}
	trainSet, err := cfg.trainData()
	if err != nil {
		return err
	}
	loader, err := newLoader(trainSet, cfg, true)
	if err != nil {
		return err
	}
	loader.Reset()
	for i := 0; i < batches; i++ {
		batch, err := loader.Next()
		if err != nil {
			return err
		}
		if batch == nil {
			break
		}
		if _, err := qat.Forward(batch.Data, true); err != nil {
			return err
		}
	}
	return nil
}
