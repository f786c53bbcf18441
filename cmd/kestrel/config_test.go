package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigFileMergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
epochs: 7
optimizer: sgd
data:
  synthetic_train: 128
log:
  level: debug
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg, err := loadConfigFile(path)
	if err != nil {
		t.Fatalf("loadConfigFile failed: %v", err)
	}
	if cfg.Epochs != 7 {
		t.Errorf("epochs = %d, want 7", cfg.Epochs)
	}
	if cfg.Optimizer != "sgd" {
		t.Errorf("optimizer = %q, want sgd", cfg.Optimizer)
	}
	if cfg.Data.SyntheticTrain != 128 {
		t.Errorf("synthetic_train = %d, want 128", cfg.Data.SyntheticTrain)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log level = %q, want debug", cfg.Log.Level)
	}

	// Untouched keys keep their defaults.
	def := defaultConfig()
	if cfg.BatchSize != def.BatchSize || cfg.BitWidth != def.BitWidth {
		t.Errorf("defaults not preserved: batch %d, bits %d", cfg.BatchSize, cfg.BitWidth)
	}

	if _, err := loadConfigFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestBuildCNNCompiles(t *testing.T) {
	cfg := defaultConfig()
	spec, err := buildCNN(cfg)
	if err != nil {
		t.Fatalf("buildCNN failed: %v", err)
	}
	if !spec.Compiled {
		t.Fatal("spec not compiled")
	}
	out := spec.OutputShape
	if len(out) != 2 || out[1] != numClasses {
		t.Errorf("output shape = %v, want [_, %d]", out, numClasses)
	}
	if spec.TotalParameters == 0 {
		t.Error("model has no parameters")
	}
}

func TestNewOptimizerSelection(t *testing.T) {
	cfg := defaultConfig()

	cfg.Optimizer = "sgd"
	if _, err := newOptimizer(cfg, 0.01); err != nil {
		t.Errorf("sgd: %v", err)
	}
	cfg.Optimizer = "adam"
	if _, err := newOptimizer(cfg, 0.001); err != nil {
		t.Errorf("adam: %v", err)
	}
	cfg.Optimizer = "rmsprop"
	if _, err := newOptimizer(cfg, 0.01); err == nil {
		t.Error("expected error for unknown optimizer")
	}
}
