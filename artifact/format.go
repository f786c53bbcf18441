// Package artifact defines the quantized model container: a sectioned binary
// file holding the model topology, int8 weight payloads with their affine
// quantization parameters, and run metadata. It also provides the converter
// that produces the container from a quantization-aware model and an
// interpreter that executes it.
package artifact

import (
	"errors"

	"github.com/kestrelml/kestrel/layers"
	"github.com/kestrelml/kestrel/quant"
)

const (
	// Magic identifies a kestrel quantized artifact file.
	Magic = "KQA\x00"

	// CurrentMajor changes only on breaking format revisions.
	CurrentMajor uint16 = 1
	// CurrentMinor tracks additive revisions.
	CurrentMinor uint16 = 0

	headerSize   = 32
	sectionAlign = 64
	entrySize    = 24
)

var (
	ErrInvalidMagic       = errors.New("artifact: invalid magic")
	ErrUnsupportedVersion = errors.New("artifact: unsupported major version")
	ErrCorruptFile        = errors.New("artifact: corrupt file")
)

// SectionType identifies a container section.
type SectionType uint32

const (
	SectionModelInfo   SectionType = 0x0001
	SectionTensorIndex SectionType = 0x0002
	SectionTensorData  SectionType = 0x0003
	SectionMetadata    SectionType = 0x0004
)

type header struct {
	Magic            [4]byte
	Major            uint16
	Minor            uint16
	SectionCount     uint32
	Flags            uint32
	SectionDirOffset uint64
	FileSize         uint64
}

type section struct {
	Type    uint32
	Version uint32
	Offset  uint64
	Size    uint64
}

// Tensor dtype tags used in the index.
const (
	DTypeInt8    = "int8"
	DTypeFloat32 = "float32"
)

// TensorRecord describes one tensor payload in the container.
type TensorRecord struct {
	Name  string        `json:"name"`
	DType string        `json:"dtype"`
	Shape []int         `json:"shape"`
	Quant *quant.Params `json:"quant,omitempty"`

	// Offset and Size locate the payload inside the TensorData section.
	Offset uint64 `json:"offset"`
	Size   uint64 `json:"size"`

	Data []byte `json:"-"`
}

// TensorDescriptor declares the shape, dtype, and quantization parameters of
// a model boundary tensor. The leading batch dimension is free.
type TensorDescriptor struct {
	Shape []int         `json:"shape"`
	DType string        `json:"dtype"`
	Quant *quant.Params `json:"quant,omitempty"`
}

// LayerInfo couples a layer's configuration with the names of its tensor
// payloads and its frozen activation quantization, when quantized.
type LayerInfo struct {
	Spec       layers.LayerSpec `json:"spec"`
	Weight     string           `json:"weight,omitempty"`
	Bias       string           `json:"bias,omitempty"`
	Activation *quant.Params    `json:"activation,omitempty"`
}

// ModelInfo is the topology section of the container.
type ModelInfo struct {
	Layers   []LayerInfo      `json:"layers"`
	Input    TensorDescriptor `json:"input"`
	Output   TensorDescriptor `json:"output"`
	BitWidth int              `json:"bit_width"`
}

// Artifact is the in-memory form of a quantized model container. It is
// immutable once produced by Convert or ReadFile.
type Artifact struct {
	Info     ModelInfo
	Tensors  []TensorRecord
	Metadata map[string]interface{}
}

// Tensor looks up a tensor record by name.
func (a *Artifact) Tensor(name string) (*TensorRecord, bool) {
	for i := range a.Tensors {
		if a.Tensors[i].Name == name {
			return &a.Tensors[i], true
		}
	}
	return nil, false
}

// PayloadBytes returns the total tensor payload size.
func (a *Artifact) PayloadBytes() int {
	var total int
	for i := range a.Tensors {
		total += len(a.Tensors[i].Data)
	}
	return total
}
