package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/urfave/cli/v3"

	"github.com/kestrelml/kestrel/artifact"
	"github.com/kestrelml/kestrel/checkpoints"
	"github.com/kestrelml/kestrel/logger"
	"github.com/kestrelml/kestrel/quant"
)

func pipelineCmd() *cli.Command {
	var outDir string

	flags := append(commonFlags(),
		&cli.Int64Flag{Name: "epochs", Usage: "baseline training epochs"},
		&cli.Int64Flag{Name: "finetune-epochs", Usage: "fine-tuning epochs"},
		&cli.Float64Flag{Name: "lr", Usage: "baseline learning rate"},
		&cli.Float64Flag{Name: "finetune-lr", Usage: "fine-tuning learning rate"},
		&cli.StringFlag{Name: "optimizer", Usage: "sgd or adam"},
		&cli.Float64Flag{Name: "momentum", Usage: "SGD momentum"},
		&cli.Float64Flag{Name: "weight-decay", Usage: "L2 weight decay"},
		&cli.Int64Flag{Name: "bit-width", Usage: "quantization bit width"},
		&cli.Float64Flag{Name: "ema-decay", Usage: "observer EMA decay"},
		&cli.StringFlag{
			Name:        "dir",
			Usage:       "output directory for checkpoints and the artifact",
			Value:       ".",
			Destination: &outDir,
		},
	)

	return &cli.Command{
		Name:  "pipeline",
		Usage: "Run the full train, fine-tune, convert, evaluate sequence",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, err := resolveConfig(c)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}

			baselinePath := filepath.Join(outDir, "baseline.json")
			tunedPath := filepath.Join(outDir, "qat.json")
			artifactPath := filepath.Join(outDir, "model.kqa")

			// Baseline.
			model, err := newModel(cfg)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			logger.Log.Info("training baseline", "epochs", cfg.Epochs, "parameters", model.Spec.TotalParameters)
			baseResults, baseAcc, err := trainAndEvaluate(model, cfg, cfg.Epochs, cfg.LearningRate)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			baseState := checkpoints.TrainingState{
				Epoch:        cfg.Epochs,
				LearningRate: float32(cfg.LearningRate),
				Accuracy:     baseAcc,
			}
			if len(baseResults) > 0 {
				baseState.FinalLoss = baseResults[len(baseResults)-1].AvgLoss
			}
			baseCkpt, err := checkpoints.FromModel(model, baseState, checkpoints.NewMetadata("pipeline baseline"))
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			if err := baseCkpt.Save(baselinePath); err != nil {
				return cli.Exit(err.Error(), 1)
			}

			// Quantization-aware fine-tuning.
			qat, err := quant.Wrap(model, quant.Config{
				BitWidth: cfg.BitWidth,
				EMADecay: float32(cfg.EMADecay),
			})
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			logger.Log.Info("fine-tuning with simulated quantization", "epochs", cfg.FinetuneEpochs)
			_, qatAcc, err := trainAndEvaluate(qat, cfg, cfg.FinetuneEpochs, cfg.FinetuneLR)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			tunedCkpt, err := checkpoints.FromModel(unwrapped(qat), checkpoints.TrainingState{
				Epoch:        cfg.FinetuneEpochs,
				LearningRate: float32(cfg.FinetuneLR),
				Accuracy:     qatAcc,
			}, checkpoints.NewMetadata("pipeline fine-tuning"))
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			if err := tunedCkpt.Save(tunedPath); err != nil {
				return cli.Exit(err.Error(), 1)
			}

			// Conversion.
			a, err := artifact.Convert(qat, nil)
			if err != nil {
				return cli.Exit(fmt.Sprintf("converting: %v", err), 1)
			}
			if err := a.WriteFile(artifactPath); err != nil {
				return cli.Exit(err.Error(), 1)
			}

			// Evaluation of the artifact through the interpreter.
			loaded, err := artifact.ReadFile(artifactPath)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			interp, err := artifact.NewInterpreter(loaded)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			artAcc, err := testAccuracy(interp, cfg)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}

			baseSize, err := fileSize(baselinePath)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			artSize, err := fileSize(artifactPath)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}

			fmt.Printf("baseline:  accuracy %.4f, %d bytes (%s)\n", baseAcc, baseSize, baselinePath)
			fmt.Printf("qat:       accuracy %.4f (%s)\n", qatAcc, tunedPath)
			fmt.Printf("artifact:  accuracy %.4f, %d bytes (%s)\n", artAcc, artSize, artifactPath)
			fmt.Printf("size ratio %.3f, accuracy delta %+.4f vs baseline\n",
				float64(artSize)/float64(baseSize), artAcc-baseAcc)
			return nil
		},
	}
}
