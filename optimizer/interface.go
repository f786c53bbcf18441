// Package optimizer provides gradient-descent parameter update rules with
// exportable state for checkpointing.
package optimizer

import (
	"fmt"

	"github.com/kestrelml/kestrel/layers"
)

// Optimizer is the common contract for all update rules. Step consumes the
// gradients accumulated on the parameters and mutates parameter data in place.
type Optimizer interface {
	// Step performs one optimization step over the given parameters.
	Step(params []*layers.Parameter) error

	// StepCount returns the number of optimization steps taken.
	StepCount() uint64

	// SetLearningRate updates the learning rate mid-training.
	SetLearningRate(lr float32)

	// LearningRate returns the current learning rate.
	LearningRate() float32

	// GetState extracts optimizer state for checkpointing.
	GetState() (*State, error)

	// LoadState restores optimizer state from a checkpoint.
	LoadState(state *State) error
}

// State is the serializable snapshot of an optimizer.
type State struct {
	Type       string             `json:"type"`
	StepCount  uint64             `json:"step_count"`
	Parameters map[string]float64 `json:"parameters"`
	Tensors    []StateTensor      `json:"tensors,omitempty"`
}

// StateTensor is one optimizer state buffer, keyed by the parameter it
// belongs to and the kind of state ("momentum", "m", "v").
type StateTensor struct {
	Param string    `json:"param"`
	Kind  string    `json:"kind"`
	Data  []float32 `json:"data"`
}

func validateStateType(want string, state *State) error {
	if state == nil {
		return fmt.Errorf("nil optimizer state")
	}
	if state.Type != want {
		return fmt.Errorf("state type %q does not match optimizer %q", state.Type, want)
	}
	return nil
}
