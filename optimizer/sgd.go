package optimizer

import (
	"fmt"

	"github.com/kestrelml/kestrel/layers"
)

// SGDConfig holds configuration for the SGD optimizer.
type SGDConfig struct {
	LearningRate float32
	Momentum     float32
	WeightDecay  float32
	Nesterov     bool
}

// DefaultSGDConfig returns the default SGD configuration.
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{LearningRate: 0.01}
}

// SGD implements stochastic gradient descent with optional momentum,
// weight decay, and Nesterov acceleration.
type SGD struct {
	config    SGDConfig
	stepCount uint64
	momentum  map[string][]float32
}

// NewSGD creates an SGD optimizer.
func NewSGD(config SGDConfig) (*SGD, error) {
	if config.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %f", config.LearningRate)
	}
	if config.Momentum < 0 || config.Momentum >= 1 {
		return nil, fmt.Errorf("momentum must be in [0, 1), got %f", config.Momentum)
	}
	if config.Nesterov && config.Momentum == 0 {
		return nil, fmt.Errorf("nesterov acceleration requires momentum > 0")
	}
	return &SGD{
		config:   config,
		momentum: make(map[string][]float32),
	}, nil
}

func (s *SGD) Step(params []*layers.Parameter) error {
	for _, p := range params {
		w := p.Data.Float32s()
		g := p.Grad.Float32s()
		if len(w) != len(g) {
			return fmt.Errorf("parameter %q: gradient size %d does not match data size %d", p.Name, len(g), len(w))
		}

		if s.config.Momentum > 0 {
			buf, ok := s.momentum[p.Name]
			if !ok {
				buf = make([]float32, len(w))
				s.momentum[p.Name] = buf
			}
			for i := range w {
				grad := g[i] + s.config.WeightDecay*w[i]
				buf[i] = s.config.Momentum*buf[i] + grad
				if s.config.Nesterov {
					grad += s.config.Momentum * buf[i]
				} else {
					grad = buf[i]
				}
				w[i] -= s.config.LearningRate * grad
			}
		} else {
			for i := range w {
				grad := g[i] + s.config.WeightDecay*w[i]
				w[i] -= s.config.LearningRate * grad
			}
		}
	}
	s.stepCount++
	return nil
}

func (s *SGD) StepCount() uint64          { return s.stepCount }
func (s *SGD) LearningRate() float32      { return s.config.LearningRate }
func (s *SGD) SetLearningRate(lr float32) { s.config.LearningRate = lr }

func (s *SGD) GetState() (*State, error) {
	state := &State{
		Type:      "SGD",
		StepCount: s.stepCount,
		Parameters: map[string]float64{
			"learning_rate": float64(s.config.LearningRate),
			"momentum":      float64(s.config.Momentum),
			"weight_decay":  float64(s.config.WeightDecay),
		},
	}
	for name, buf := range s.momentum {
		data := make([]float32, len(buf))
		copy(data, buf)
		state.Tensors = append(state.Tensors, StateTensor{Param: name, Kind: "momentum", Data: data})
	}
	return state, nil
}

func (s *SGD) LoadState(state *State) error {
	if err := validateStateType("SGD", state); err != nil {
		return err
	}
	s.stepCount = state.StepCount
	s.momentum = make(map[string][]float32, len(state.Tensors))
	for _, st := range state.Tensors {
		if st.Kind != "momentum" {
			return fmt.Errorf("unexpected SGD state tensor kind %q", st.Kind)
		}
		buf := make([]float32, len(st.Data))
		copy(buf, st.Data)
		s.momentum[st.Param] = buf
	}
	return nil
}
