// Package checkpoints persists floating-point model state as JSON: topology,
// weight tensors, training progress, and optional optimizer state.
package checkpoints

import (
	"fmt"
	"math/rand"
	"os"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/kestrelml/kestrel/layers"
	"github.com/kestrelml/kestrel/optimizer"
)

const formatVersion = "1.0"

// Checkpoint is a complete model snapshot.
type Checkpoint struct {
	ModelSpec *layers.ModelSpec `json:"model_spec"`
	Weights   []WeightTensor    `json:"weights"`

	TrainingState  TrainingState    `json:"training_state"`
	OptimizerState *optimizer.State `json:"optimizer_state,omitempty"`

	Metadata Metadata `json:"metadata"`
}

// WeightTensor is one parameter tensor with its data.
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
	Layer string    `json:"layer"`
	Type  string    `json:"type"` // "weight" or "bias"
}

// TrainingState captures training progress at save time.
type TrainingState struct {
	Epoch        int     `json:"epoch"`
	Step         uint64  `json:"step"`
	LearningRate float32 `json:"learning_rate"`
	FinalLoss    float64 `json:"final_loss"`
	Accuracy     float64 `json:"accuracy,omitempty"`
}

// Metadata identifies the run that produced the checkpoint.
type Metadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	RunID       string    `json:"run_id"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
}

// NewMetadata creates metadata with a fresh run ID.
func NewMetadata(description string) Metadata {
	return Metadata{
		Version:     formatVersion,
		Framework:   "kestrel",
		RunID:       uuid.NewString(),
		CreatedAt:   time.Now().UTC(),
		Description: description,
	}
}

// FromModel snapshots a model's spec and parameters into a checkpoint.
func FromModel(m *layers.Model, state TrainingState, meta Metadata) (*Checkpoint, error) {
	if m == nil || m.Spec == nil {
		return nil, fmt.Errorf("nil model")
	}
	ckpt := &Checkpoint{
		ModelSpec:     m.Spec,
		TrainingState: state,
		Metadata:      meta,
	}
	for _, p := range m.Parameters() {
		layerName, kind := splitParamName(p.Name)
		data := make([]float32, p.Data.NumElems)
		copy(data, p.Data.Float32s())
		ckpt.Weights = append(ckpt.Weights, WeightTensor{
			Name:  p.Name,
			Shape: p.Data.Shape,
			Data:  data,
			Layer: layerName,
			Type:  kind,
		})
	}
	return ckpt, nil
}

func splitParamName(name string) (layer, kind string) {
	if idx := strings.LastIndex(name, "."); idx >= 0 {
		return name[:idx], name[idx+1:]
	}
	return name, "weight"
}

// Save writes the checkpoint as indented JSON.
func (c *Checkpoint) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling checkpoint: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing checkpoint: %w", err)
	}
	return nil
}

// Load reads a checkpoint from disk.
func Load(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading checkpoint: %w", err)
	}
	var ckpt Checkpoint
	if err := json.Unmarshal(data, &ckpt); err != nil {
		return nil, fmt.Errorf("parsing checkpoint: %w", err)
	}
	if ckpt.ModelSpec == nil || !ckpt.ModelSpec.Compiled {
		return nil, fmt.Errorf("checkpoint has no compiled model spec")
	}
	return &ckpt, nil
}

// RestoreModel instantiates a model from the checkpoint's spec and loads the
// saved weights into it.
func (c *Checkpoint) RestoreModel() (*layers.Model, error) {
	// Initialization values are immediately overwritten by saved weights.
	model, err := layers.NewModel(c.ModelSpec, rand.New(rand.NewSource(0)))
	if err != nil {
		return nil, fmt.Errorf("instantiating model: %w", err)
	}
	for _, w := range c.Weights {
		p, ok := model.ParameterByName(w.Name)
		if !ok {
			return nil, fmt.Errorf("checkpoint weight %q has no matching parameter", w.Name)
		}
		if p.Data.NumElems != len(w.Data) {
			return nil, fmt.Errorf("weight %q has %d elements, model expects %d", w.Name, len(w.Data), p.Data.NumElems)
		}
		copy(p.Data.Float32s(), w.Data)
	}
	return model, nil
}
