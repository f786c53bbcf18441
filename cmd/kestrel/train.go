package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/kestrelml/kestrel/checkpoints"
	"github.com/kestrelml/kestrel/logger"
	"github.com/kestrelml/kestrel/training"
)

func trainCmd() *cli.Command {
	var outPath string

	flags := append(commonFlags(),
		&cli.Int64Flag{Name: "epochs", Aliases: []string{"e"}, Usage: "training epochs"},
		&cli.Float64Flag{Name: "lr", Usage: "learning rate"},
		&cli.StringFlag{Name: "optimizer", Usage: "sgd or adam"},
		&cli.Float64Flag{Name: "momentum", Usage: "SGD momentum"},
		&cli.Float64Flag{Name: "weight-decay", Usage: "L2 weight decay"},
		&cli.StringFlag{
			Name:        "out",
			Aliases:     []string{"o"},
			Usage:       "output checkpoint path",
			Value:       "baseline.json",
			Destination: &outPath,
		},
	)

	return &cli.Command{
		Name:  "train",
		Usage: "Train the floating-point baseline classifier",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, err := resolveConfig(c)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}

			model, err := newModel(cfg)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			logger.Log.Info("model compiled",
				"parameters", model.Spec.TotalParameters,
				"layers", len(model.Spec.Layers),
			)

			results, acc, err := trainAndEvaluate(model, cfg, cfg.Epochs, cfg.LearningRate)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}

			state := checkpoints.TrainingState{
				Epoch:        cfg.Epochs,
				LearningRate: float32(cfg.LearningRate),
				Accuracy:     acc,
			}
			if len(results) > 0 {
				state.FinalLoss = results[len(results)-1].AvgLoss
			}
			ckpt, err := checkpoints.FromModel(model, state, checkpoints.NewMetadata("baseline training"))
			if err != nil {
				return cli.Exit(fmt.Sprintf("building checkpoint: %v", err), 1)
			}
			if err := ckpt.Save(outPath); err != nil {
				return cli.Exit(err.Error(), 1)
			}
			logger.Log.Info("checkpoint saved", "path", outPath, "test_accuracy", acc)
			return nil
		},
	}
}

// trainAndEvaluate runs the training loop and then measures test accuracy.
// It works for both the floating model and the quantization-aware wrapper.
func trainAndEvaluate(model training.Model, cfg Config, epochs int, lr float64) ([]*training.EpochResult, float64, error) {
	trainSet, err := cfg.trainData()
	if err != nil {
		return nil, 0, err
	}
	trainLoader, err := newLoader(trainSet, cfg, true)
	if err != nil {
		return nil, 0, err
	}

	opt, err := newOptimizer(cfg, lr)
	if err != nil {
		return nil, 0, err
	}
	trainer, err := training.NewTrainer(model, opt, training.NewCrossEntropyLoss())
	if err != nil {
		return nil, 0, err
	}

	results, err := trainer.Train(trainLoader, epochs)
	if err != nil {
		return nil, 0, err
	}

	acc, err := testAccuracy(model, cfg)
	if err != nil {
		return nil, 0, err
	}
	return results, acc, nil
}

func testAccuracy(model training.Inferencer, cfg Config) (float64, error) {
	testSet, err := cfg.testData()
	if err != nil {
		return 0, err
	}
	testLoader, err := newLoader(testSet, cfg, false)
	if err != nil {
		return 0, err
	}
	acc, _, err := training.Evaluate(model, testLoader, numClasses)
	return acc, err
}
