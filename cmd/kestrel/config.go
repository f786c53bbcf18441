package main

import (
	"fmt"
	"math/rand"
	"os"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/kestrelml/kestrel/layers"
	"github.com/kestrelml/kestrel/logger"
	"github.com/kestrelml/kestrel/optimizer"
	"github.com/kestrelml/kestrel/training"
	"github.com/kestrelml/kestrel/vision/dataset"
)

// Config collects every pipeline setting. Values come from defaults, then an
// optional YAML config file, then explicit flags, each layer overriding the
// previous one.
type Config struct {
	Seed      int64 `yaml:"seed"`
	BatchSize int   `yaml:"batch_size"`

	Epochs         int     `yaml:"epochs"`
	FinetuneEpochs int     `yaml:"finetune_epochs"`
	LearningRate   float64 `yaml:"learning_rate"`
	FinetuneLR     float64 `yaml:"finetune_learning_rate"`
	Optimizer      string  `yaml:"optimizer"`
	Momentum       float64 `yaml:"momentum"`
	WeightDecay    float64 `yaml:"weight_decay"`

	BitWidth int     `yaml:"bit_width"`
	EMADecay float64 `yaml:"ema_decay"`

	Data DataConfig `yaml:"data"`
	Log  LogConfig  `yaml:"log"`
}

// DataConfig selects the data source: IDX file paths when set, otherwise the
// deterministic synthetic set.
type DataConfig struct {
	TrainImages string `yaml:"train_images"`
	TrainLabels string `yaml:"train_labels"`
	TestImages  string `yaml:"test_images"`
	TestLabels  string `yaml:"test_labels"`

	SyntheticTrain int `yaml:"synthetic_train"`
	SyntheticTest  int `yaml:"synthetic_test"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func defaultConfig() Config {
	return Config{
		Seed:           42,
		BatchSize:      64,
		Epochs:         3,
		FinetuneEpochs: 2,
		LearningRate:   0.001,
		FinetuneLR:     0.0002,
		Optimizer:      "adam",
		Momentum:       0.9,
		BitWidth:       8,
		EMADecay:       0.01,
		Data: DataConfig{
			SyntheticTrain: 2000,
			SyntheticTest:  500,
		},
		Log: LogConfig{Level: "info", Format: "console"},
	}
}

func loadConfigFile(path string) (Config, error) {
	cfg := defaultConfig()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

// commonFlags are shared by every subcommand.
func commonFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "path to YAML config file"},
		&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn, or error"},
		&cli.StringFlag{Name: "log-format", Usage: "console or json"},
		&cli.Int64Flag{Name: "seed", Usage: "RNG seed for init, shuffling, and synthetic data"},
		&cli.Int64Flag{Name: "batch-size", Usage: "minibatch size"},
		&cli.StringFlag{Name: "train-images", Usage: "IDX training images file (.gz ok)"},
		&cli.StringFlag{Name: "train-labels", Usage: "IDX training labels file"},
		&cli.StringFlag{Name: "test-images", Usage: "IDX test images file"},
		&cli.StringFlag{Name: "test-labels", Usage: "IDX test labels file"},
		&cli.Int64Flag{Name: "synthetic-train", Usage: "synthetic training set size when no IDX files given"},
		&cli.Int64Flag{Name: "synthetic-test", Usage: "synthetic test set size"},
	}
}

// resolveConfig merges the config file and flags and configures logging.
func resolveConfig(c *cli.Command) (Config, error) {
	cfg := defaultConfig()
	if path := c.String("config"); path != "" {
		loaded, err := loadConfigFile(path)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}

	if c.IsSet("seed") {
		cfg.Seed = int64(c.Int("seed"))
	}
	if c.IsSet("batch-size") {
		cfg.BatchSize = int(c.Int("batch-size"))
	}
	if c.IsSet("epochs") {
		cfg.Epochs = int(c.Int("epochs"))
	}
	if c.IsSet("finetune-epochs") {
		cfg.FinetuneEpochs = int(c.Int("finetune-epochs"))
	}
	if c.IsSet("lr") {
		cfg.LearningRate = c.Float("lr")
	}
	if c.IsSet("finetune-lr") {
		cfg.FinetuneLR = c.Float("finetune-lr")
	}
	if c.IsSet("optimizer") {
		cfg.Optimizer = c.String("optimizer")
	}
	if c.IsSet("momentum") {
		cfg.Momentum = c.Float("momentum")
	}
	if c.IsSet("weight-decay") {
		cfg.WeightDecay = c.Float("weight-decay")
	}
	if c.IsSet("bit-width") {
		cfg.BitWidth = int(c.Int("bit-width"))
	}
	if c.IsSet("ema-decay") {
		cfg.EMADecay = c.Float("ema-decay")
	}
	if c.IsSet("train-images") {
		cfg.Data.TrainImages = c.String("train-images")
	}
	if c.IsSet("train-labels") {
		cfg.Data.TrainLabels = c.String("train-labels")
	}
	if c.IsSet("test-images") {
		cfg.Data.TestImages = c.String("test-images")
	}
	if c.IsSet("test-labels") {
		cfg.Data.TestLabels = c.String("test-labels")
	}
	if c.IsSet("synthetic-train") {
		cfg.Data.SyntheticTrain = int(c.Int("synthetic-train"))
	}
	if c.IsSet("synthetic-test") {
		cfg.Data.SyntheticTest = int(c.Int("synthetic-test"))
	}
	if c.IsSet("log-level") {
		cfg.Log.Level = c.String("log-level")
	}
	if c.IsSet("log-format") {
		cfg.Log.Format = c.String("log-format")
	}

	logger.Setup(cfg.Log.Level, cfg.Log.Format)
	return cfg, nil
}

// trainData returns the training dataset: IDX files when configured, the
// synthetic set otherwise.
func (cfg Config) trainData() (training.Dataset, error) {
	if cfg.Data.TrainImages != "" {
		return dataset.LoadIDX(cfg.Data.TrainImages, cfg.Data.TrainLabels)
	}
	return dataset.NewSynthetic(cfg.Data.SyntheticTrain, cfg.Seed)
}

func (cfg Config) testData() (training.Dataset, error) {
	if cfg.Data.TestImages != "" {
		return dataset.LoadIDX(cfg.Data.TestImages, cfg.Data.TestLabels)
	}
	// Shift the seed so test samples never coincide with training samples.
	return dataset.NewSynthetic(cfg.Data.SyntheticTest, cfg.Seed+1)
}

const numClasses = 10

// buildCNN compiles the digit classifier topology: two conv/pool stages
// followed by two dense layers.
func buildCNN(cfg Config) (*layers.ModelSpec, error) {
	return layers.NewModelBuilder([]int{cfg.BatchSize, 1, 28, 28}).
		AddConv2D(8, 3, 1, 1, true, "conv1").
		AddReLU("relu1").
		AddMaxPool2D(2, 2, "pool1").
		AddConv2D(16, 3, 1, 1, true, "conv2").
		AddReLU("relu2").
		AddMaxPool2D(2, 2, "pool2").
		AddFlatten("flatten").
		AddDense(64, true, "fc1").
		AddReLU("relu3").
		AddDense(numClasses, true, "fc2").
		Compile()
}

func newModel(cfg Config) (*layers.Model, error) {
	spec, err := buildCNN(cfg)
	if err != nil {
		return nil, fmt.Errorf("compiling model: %w", err)
	}
	return layers.NewModel(spec, rand.New(rand.NewSource(cfg.Seed)))
}

func newOptimizer(cfg Config, lr float64) (optimizer.Optimizer, error) {
	switch cfg.Optimizer {
	case "sgd":
		return optimizer.NewSGD(optimizer.SGDConfig{
			LearningRate: float32(lr),
			Momentum:     float32(cfg.Momentum),
			WeightDecay:  float32(cfg.WeightDecay),
		})
	case "adam", "":
		adamCfg := optimizer.DefaultAdamConfig()
		adamCfg.LearningRate = float32(lr)
		adamCfg.WeightDecay = float32(cfg.WeightDecay)
		return optimizer.NewAdam(adamCfg)
	default:
		return nil, fmt.Errorf("unknown optimizer %q (want sgd or adam)", cfg.Optimizer)
	}
}

func newLoader(ds training.Dataset, cfg Config, shuffle bool) (*training.DataLoader, error) {
	return training.NewDataLoader(ds, cfg.BatchSize, shuffle, cfg.Seed)
}
