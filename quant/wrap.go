package quant

import (
	"fmt"
	"strings"

	"github.com/kestrelml/kestrel/layers"
	"github.com/kestrelml/kestrel/tensor"
)

// Config controls the simulated quantization inserted by Wrap.
type Config struct {
	// BitWidth of the simulated integer representation, 2 to 8.
	BitWidth int
	// EMADecay is the exponential moving average decay for range observers.
	EMADecay float32
}

// DefaultConfig returns 8-bit quantization with a 0.01 observer decay.
func DefaultConfig() Config {
	return Config{BitWidth: 8, EMADecay: 0.01}
}

func (c Config) validate() error {
	if c.BitWidth < 2 || c.BitWidth > 8 {
		return fmt.Errorf("bit width must be in [2, 8], got %d", c.BitWidth)
	}
	if c.EMADecay <= 0 || c.EMADecay > 1 {
		return fmt.Errorf("ema decay must be in (0, 1], got %v", c.EMADecay)
	}
	return nil
}

// FakeQuantLayer decorates a parameterized layer with simulated quantization:
// weights are rounded through the integer grid before the wrapped forward
// pass, and the layer output is rounded through its observed activation
// range. Gradients use the straight-through estimator. Biases stay floating,
// matching the converter's float bias handling.
type FakeQuantLayer struct {
	cfg       Config
	inner     layers.Layer
	weightObs map[string]*Observer
	actObs    *Observer

	saved map[string][]float32
	mask  []bool
}

func newFakeQuantLayer(inner layers.Layer, cfg Config) (*FakeQuantLayer, error) {
	name := inner.Spec().Name
	actObs, err := NewObserver(name+".act", cfg.EMADecay)
	if err != nil {
		return nil, err
	}
	fl := &FakeQuantLayer{
		cfg:       cfg,
		inner:     inner,
		weightObs: make(map[string]*Observer),
		actObs:    actObs,
		saved:     make(map[string][]float32),
	}
	for _, p := range inner.Parameters() {
		if !isWeight(p) {
			continue
		}
		obs, err := NewObserver(p.Name, cfg.EMADecay)
		if err != nil {
			return nil, err
		}
		fl.weightObs[p.Name] = obs
	}
	if len(fl.weightObs) == 0 {
		return nil, fmt.Errorf("layer %q has no weight tensors to quantize", name)
	}
	return fl, nil
}

func isWeight(p *layers.Parameter) bool {
	return strings.HasSuffix(p.Name, ".weight")
}

// Inner returns the wrapped layer.
func (fl *FakeQuantLayer) Inner() layers.Layer { return fl.inner }

// WeightObserver returns the observer for the named weight parameter.
func (fl *FakeQuantLayer) WeightObserver(name string) (*Observer, bool) {
	obs, ok := fl.weightObs[name]
	return obs, ok
}

// ActivationObserver returns the observer tracking the layer's output range.
func (fl *FakeQuantLayer) ActivationObserver() *Observer { return fl.actObs }

func (fl *FakeQuantLayer) Spec() layers.LayerSpec          { return fl.inner.Spec() }
func (fl *FakeQuantLayer) Parameters() []*layers.Parameter { return fl.inner.Parameters() }

// Forward quantizes weights in place, runs the wrapped layer, then fake
// quantizes the output. In training mode the weights stay quantized until
// Backward restores them, so the backward pass differentiates through the
// same values the forward pass used.
func (fl *FakeQuantLayer) Forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	// A forward without a matching backward leaves weights quantized;
	// recover the originals before quantizing again.
	fl.RestoreWeights()

	for _, p := range fl.inner.Parameters() {
		if !isWeight(p) {
			continue
		}
		obs := fl.weightObs[p.Name]
		if training {
			if err := obs.Observe(p.Data); err != nil {
				return nil, err
			}
		}
		params, err := obs.Params(fl.cfg.BitWidth)
		if err != nil {
			return nil, err
		}
		saved := make([]float32, p.Data.NumElems)
		copy(saved, p.Data.Float32s())
		fl.saved[p.Name] = saved
		if err := fakeQuantInPlace(p.Data, params); err != nil {
			return nil, err
		}
	}

	y, err := fl.inner.Forward(x, training)
	if err != nil {
		fl.RestoreWeights()
		return nil, err
	}
	if !training {
		fl.RestoreWeights()
	}

	if training {
		if err := fl.actObs.Observe(y); err != nil {
			return nil, err
		}
	}
	params, err := fl.actObs.Params(fl.cfg.BitWidth)
	if err != nil {
		return nil, err
	}
	min, max := fl.actObs.Range()
	out, mask, err := FakeQuantSTE(y, params, min, max)
	if err != nil {
		return nil, err
	}
	if training {
		fl.mask = mask
	}
	return out, nil
}

// Backward applies the straight-through mask, propagates through the wrapped
// layer, and restores the floating weights so the optimizer updates them.
func (fl *FakeQuantLayer) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if fl.mask == nil {
		return nil, fmt.Errorf("backward called before forward")
	}
	masked, err := ApplySTEMask(gradOut, fl.mask)
	if err != nil {
		return nil, err
	}
	gradIn, err := fl.inner.Backward(masked)
	fl.RestoreWeights()
	if err != nil {
		return nil, err
	}
	return gradIn, nil
}

// RestoreWeights returns the layer's weights to their floating values,
// undoing an unpaired training-mode forward. A no-op when nothing is saved.
func (fl *FakeQuantLayer) RestoreWeights() {
	if len(fl.saved) == 0 {
		return
	}
	for _, p := range fl.inner.Parameters() {
		if saved, ok := fl.saved[p.Name]; ok {
			copy(p.Data.Float32s(), saved)
			delete(fl.saved, p.Name)
		}
	}
}

func (fl *FakeQuantLayer) freeze() error {
	for _, obs := range fl.weightObs {
		if err := obs.Freeze(); err != nil {
			return err
		}
	}
	return fl.actObs.Freeze()
}

// QATModel is a quantization-aware view of a model: identical topology, with
// every parameterized layer decorated by a FakeQuantLayer and the model input
// range observed for the converter's input descriptor.
type QATModel struct {
	cfg      Config
	spec     *layers.ModelSpec
	layerSeq []layers.Layer
	inputObs *Observer
}

// Wrap clones the model and decorates its parameterized layers with
// simulated quantization. The original model is left untouched.
func Wrap(m *layers.Model, cfg Config) (*QATModel, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	clone, err := m.Clone()
	if err != nil {
		return nil, fmt.Errorf("cloning model: %w", err)
	}

	inputObs, err := NewObserver("input", cfg.EMADecay)
	if err != nil {
		return nil, err
	}
	q := &QATModel{cfg: cfg, spec: clone.Spec, inputObs: inputObs}

	for _, l := range clone.Layers {
		if len(l.Parameters()) > 0 {
			fl, err := newFakeQuantLayer(l, cfg)
			if err != nil {
				return nil, err
			}
			q.layerSeq = append(q.layerSeq, fl)
		} else {
			q.layerSeq = append(q.layerSeq, l)
		}
	}
	return q, nil
}

// Spec returns the model specification (same topology as the wrapped model).
func (q *QATModel) Spec() *layers.ModelSpec { return q.spec }

// Config returns the quantization configuration.
func (q *QATModel) Config() Config { return q.cfg }

// Layers returns the layer sequence; parameterized entries are
// *FakeQuantLayer values.
func (q *QATModel) Layers() []layers.Layer { return q.layerSeq }

// InputObserver returns the observer tracking the model input range.
func (q *QATModel) InputObserver() *Observer { return q.inputObs }

// Forward runs the quantization-aware forward pass. Training mode updates
// range observers; inference mode uses the current statistics as-is.
func (q *QATModel) Forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	if err := q.checkInputShape(x); err != nil {
		return nil, err
	}
	if training {
		if err := q.inputObs.Observe(x); err != nil {
			return nil, err
		}
	}
	var err error
	for _, l := range q.layerSeq {
		x, err = l.Forward(x, training)
		if err != nil {
			return nil, fmt.Errorf("layer %q forward: %w", l.Spec().Name, err)
		}
	}
	return x, nil
}

func (q *QATModel) checkInputShape(x *tensor.Tensor) error {
	want := q.spec.InputShape
	if len(x.Shape) != len(want) {
		return fmt.Errorf("input rank %d does not match model input shape %v", len(x.Shape), want)
	}
	for i := 1; i < len(want); i++ {
		if x.Shape[i] != want[i] {
			return fmt.Errorf("input shape %v does not match model input shape %v", x.Shape, want)
		}
	}
	return nil
}

// Backward propagates gradients through the quantization-aware stack.
func (q *QATModel) Backward(gradOut *tensor.Tensor) error {
	var err error
	for i := len(q.layerSeq) - 1; i >= 0; i-- {
		gradOut, err = q.layerSeq[i].Backward(gradOut)
		if err != nil {
			return fmt.Errorf("layer %q backward: %w", q.layerSeq[i].Spec().Name, err)
		}
	}
	return nil
}

// Parameters returns the trainable parameters of the wrapped layers.
func (q *QATModel) Parameters() []*layers.Parameter {
	var params []*layers.Parameter
	for _, l := range q.layerSeq {
		params = append(params, l.Parameters()...)
	}
	return params
}

// ZeroGrad clears gradients on all parameters.
func (q *QATModel) ZeroGrad() {
	for _, p := range q.Parameters() {
		p.ZeroGrad()
	}
}

// RestoreWeights returns every wrapped layer's weights to their floating
// values. Needed before reading parameters directly after a training-mode
// forward that had no matching backward.
func (q *QATModel) RestoreWeights() {
	for _, l := range q.layerSeq {
		if fl, ok := l.(*FakeQuantLayer); ok {
			fl.RestoreWeights()
		}
	}
}

// Freeze transitions every observer to the frozen state, fixing the
// statistics the converter will use. Fails if any observer never saw data.
func (q *QATModel) Freeze() error {
	if err := q.inputObs.Freeze(); err != nil {
		return err
	}
	for _, l := range q.layerSeq {
		if fl, ok := l.(*FakeQuantLayer); ok {
			if err := fl.freeze(); err != nil {
				return err
			}
		}
	}
	return nil
}
