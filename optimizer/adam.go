package optimizer

import (
	"fmt"
	"math"

	"github.com/kestrelml/kestrel/layers"
)

// AdamConfig holds configuration for the Adam optimizer.
type AdamConfig struct {
	LearningRate float32
	Beta1        float32
	Beta2        float32
	Epsilon      float32
	WeightDecay  float32
}

// DefaultAdamConfig returns the standard Adam hyperparameters.
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
	}
}

// Adam implements the Adam update rule with bias correction.
type Adam struct {
	config    AdamConfig
	stepCount uint64
	m         map[string][]float32
	v         map[string][]float32
}

// NewAdam creates an Adam optimizer.
func NewAdam(config AdamConfig) (*Adam, error) {
	if config.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %f", config.LearningRate)
	}
	if config.Beta1 < 0 || config.Beta1 >= 1 {
		return nil, fmt.Errorf("beta1 must be in [0, 1), got %f", config.Beta1)
	}
	if config.Beta2 < 0 || config.Beta2 >= 1 {
		return nil, fmt.Errorf("beta2 must be in [0, 1), got %f", config.Beta2)
	}
	if config.Epsilon <= 0 {
		return nil, fmt.Errorf("epsilon must be positive, got %g", config.Epsilon)
	}
	return &Adam{
		config: config,
		m:      make(map[string][]float32),
		v:      make(map[string][]float32),
	}, nil
}

func (a *Adam) Step(params []*layers.Parameter) error {
	a.stepCount++
	t := float64(a.stepCount)
	bc1 := 1 - math.Pow(float64(a.config.Beta1), t)
	bc2 := 1 - math.Pow(float64(a.config.Beta2), t)

	for _, p := range params {
		w := p.Data.Float32s()
		g := p.Grad.Float32s()
		if len(w) != len(g) {
			return fmt.Errorf("parameter %q: gradient size %d does not match data size %d", p.Name, len(g), len(w))
		}

		m, ok := a.m[p.Name]
		if !ok {
			m = make([]float32, len(w))
			a.m[p.Name] = m
		}
		v, ok := a.v[p.Name]
		if !ok {
			v = make([]float32, len(w))
			a.v[p.Name] = v
		}

		for i := range w {
			grad := g[i] + a.config.WeightDecay*w[i]
			m[i] = a.config.Beta1*m[i] + (1-a.config.Beta1)*grad
			v[i] = a.config.Beta2*v[i] + (1-a.config.Beta2)*grad*grad

			mHat := float64(m[i]) / bc1
			vHat := float64(v[i]) / bc2
			w[i] -= float32(float64(a.config.LearningRate) * mHat / (math.Sqrt(vHat) + float64(a.config.Epsilon)))
		}
	}
	return nil
}

func (a *Adam) StepCount() uint64          { return a.stepCount }
func (a *Adam) LearningRate() float32      { return a.config.LearningRate }
func (a *Adam) SetLearningRate(lr float32) { a.config.LearningRate = lr }

func (a *Adam) GetState() (*State, error) {
	state := &State{
		Type:      "Adam",
		StepCount: a.stepCount,
		Parameters: map[string]float64{
			"learning_rate": float64(a.config.LearningRate),
			"beta1":         float64(a.config.Beta1),
			"beta2":         float64(a.config.Beta2),
			"epsilon":       float64(a.config.Epsilon),
			"weight_decay":  float64(a.config.WeightDecay),
		},
	}
	for name, buf := range a.m {
		data := make([]float32, len(buf))
		copy(data, buf)
		state.Tensors = append(state.Tensors, StateTensor{Param: name, Kind: "m", Data: data})
	}
	for name, buf := range a.v {
		data := make([]float32, len(buf))
		copy(data, buf)
		state.Tensors = append(state.Tensors, StateTensor{Param: name, Kind: "v", Data: data})
	}
	return state, nil
}

func (a *Adam) LoadState(state *State) error {
	if err := validateStateType("Adam", state); err != nil {
		return err
	}
	a.stepCount = state.StepCount
	a.m = make(map[string][]float32)
	a.v = make(map[string][]float32)
	for _, st := range state.Tensors {
		buf := make([]float32, len(st.Data))
		copy(buf, st.Data)
		switch st.Kind {
		case "m":
			a.m[st.Param] = buf
		case "v":
			a.v[st.Param] = buf
		default:
			return fmt.Errorf("unexpected Adam state tensor kind %q", st.Kind)
		}
	}
	return nil
}
