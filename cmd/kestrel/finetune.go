package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/kestrelml/kestrel/artifact"
	"github.com/kestrelml/kestrel/checkpoints"
	"github.com/kestrelml/kestrel/layers"
	"github.com/kestrelml/kestrel/logger"
	"github.com/kestrelml/kestrel/quant"
)

func finetuneCmd() *cli.Command {
	var (
		ckptPath     string
		outPath      string
		artifactPath string
	)

	flags := append(commonFlags(),
		&cli.Int64Flag{Name: "finetune-epochs", Aliases: []string{"e"}, Usage: "fine-tuning epochs"},
		&cli.Float64Flag{Name: "finetune-lr", Usage: "fine-tuning learning rate"},
		&cli.StringFlag{Name: "optimizer", Usage: "sgd or adam"},
		&cli.Float64Flag{Name: "momentum", Usage: "SGD momentum"},
		&cli.Float64Flag{Name: "weight-decay", Usage: "L2 weight decay"},
		&cli.Int64Flag{Name: "bit-width", Usage: "simulated quantization bit width"},
		&cli.Float64Flag{Name: "ema-decay", Usage: "observer EMA decay"},
		&cli.StringFlag{
			Name:        "checkpoint",
			Aliases:     []string{"ckpt"},
			Usage:       "baseline checkpoint to fine-tune",
			Value:       "baseline.json",
			Destination: &ckptPath,
		},
		&cli.StringFlag{
			Name:        "out",
			Aliases:     []string{"o"},
			Usage:       "output checkpoint path for the fine-tuned weights",
			Value:       "qat.json",
			Destination: &outPath,
		},
		&cli.StringFlag{
			Name:        "artifact",
			Usage:       "also convert and write the int8 artifact to this path",
			Destination: &artifactPath,
		},
	)

	return &cli.Command{
		Name:  "finetune",
		Usage: "Fine-tune a baseline checkpoint with simulated quantization",
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
			logger.Log.Info("model wrapped for quantization-aware fine-tuning",
				"bit_width", cfg.BitWidth,
				"ema_decay", cfg.EMADecay,
			)

			results, acc, err := trainAndEvaluate(qat, cfg, cfg.FinetuneEpochs, cfg.FinetuneLR)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			logger.Log.Info("fine-tuning complete",
				"epochs", cfg.FinetuneEpochs,
				"test_accuracy", acc,
			)

			state := checkpoints.TrainingState{
				Epoch:        cfg.FinetuneEpochs,
				LearningRate: float32(cfg.FinetuneLR),
				Accuracy:     acc,
			}
			if len(results) > 0 {
				state.FinalLoss = results[len(results)-1].AvgLoss
			}
			tuned := unwrapped(qat)
			tunedCkpt, err := checkpoints.FromModel(tuned, state, checkpoints.NewMetadata("quantization-aware fine-tuning"))
			if err != nil {
				return cli.Exit(fmt.Sprintf("building checkpoint: %v", err), 1)
			}
			if err := tunedCkpt.Save(outPath); err != nil {
				return cli.Exit(err.Error(), 1)
			}
			logger.Log.Info("checkpoint saved", "path", outPath)

			if artifactPath != "" {
				a, err := artifact.Convert(qat, nil)
				if err != nil {
					return cli.Exit(fmt.Sprintf("converting: %v", err), 1)
				}
				if err := a.WriteFile(artifactPath); err != nil {
					return cli.Exit(err.Error(), 1)
				}
				logger.Log.Info("artifact written",
					"path", artifactPath,
					"payload_bytes", a.PayloadBytes(),
				)
			}
			return nil
		},
	}
}

// unwrapped views the fine-tuned weights as a plain floating model so they
// can be checkpointed. Weights are shared with the wrapper, not copied.
func unwrapped(qat *quant.QATModel) *layers.Model {
	qat.RestoreWeights()
	seq := make([]layers.Layer, 0, len(qat.Layers()))
	for _, l := range qat.Layers() {
		if fl, ok := l.(*quant.FakeQuantLayer); ok {
			seq = append(seq, fl.Inner())
		} else {
			seq = append(seq, l)
		}
	}
	return &layers.Model{Spec: qat.Spec(), Layers: seq}
}
