package quant

import (
	"fmt"

	"github.com/kestrelml/kestrel/tensor"
)

// ObserverState tracks the lifecycle of a tensor's running statistics.
type ObserverState int

const (
	// Uninitialized: no data observed yet.
	Uninitialized ObserverState = iota
	// Observing: statistics update on each training-mode forward pass.
	Observing
	// Frozen: statistics are fixed and ready for conversion.
	Frozen
)

func (s ObserverState) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Observing:
		return "observing"
	case Frozen:
		return "frozen"
	default:
		return "unknown"
	}
}

// Observer tracks the running range of a tensor via exponential moving
// average. The first observation seeds the range directly; later ones blend
// with decay d: min = (1-d)*min + d*batchMin.
type Observer struct {
	name  string
	state ObserverState
	decay float32
	min   float32
	max   float32
}

// NewObserver creates an observer with the given EMA decay in (0, 1].
func NewObserver(name string, decay float32) (*Observer, error) {
	if decay <= 0 || decay > 1 {
		return nil, fmt.Errorf("observer %q: decay must be in (0, 1], got %v", name, decay)
	}
	return &Observer{name: name, decay: decay}, nil
}

// Name returns the observer's identifier, the tensor it watches.
func (o *Observer) Name() string { return o.name }

// State returns the current lifecycle state.
func (o *Observer) State() ObserverState { return o.state }

// Range returns the tracked (min, max). Only meaningful once observed.
func (o *Observer) Range() (float32, float32) { return o.min, o.max }

// Observe folds a tensor's range into the running statistics. Frozen
// observers ignore further observations.
func (o *Observer) Observe(t *tensor.Tensor) error {
	if o.state == Frozen {
		return nil
	}
	min, max, err := tensor.MinMax(t)
	if err != nil {
		return fmt.Errorf("observer %q: %w", o.name, err)
	}

	if o.state == Uninitialized {
		o.min = min
		o.max = max
		o.state = Observing
		return nil
	}

	o.min = (1-o.decay)*o.min + o.decay*min
	o.max = (1-o.decay)*o.max + o.decay*max
	return nil
}

// Freeze fixes the statistics for conversion. Freezing an observer that
// never saw data is a calibration error.
func (o *Observer) Freeze() error {
	switch o.state {
	case Uninitialized:
		return fmt.Errorf("observer %q: statistics never observed", o.name)
	case Frozen:
		return nil
	}
	o.state = Frozen
	return nil
}

// Params derives quantization parameters from the tracked range. Fails when
// no data was observed or the range collapsed to a point.
func (o *Observer) Params(bitWidth int) (Params, error) {
	if o.state == Uninitialized {
		return Params{}, fmt.Errorf("observer %q: statistics never observed", o.name)
	}
	p, err := FromMinMax(o.min, o.max, bitWidth)
	if err != nil {
		return Params{}, fmt.Errorf("observer %q: %w", o.name, err)
	}
	return p, nil
}
