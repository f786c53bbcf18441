package training

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/kestrelml/kestrel/tensor"
)

// Dataset is the contract all data sources implement. Sample returns one
// input tensor without the batch dimension plus its integer class label.
type Dataset interface {
	Len() int
	Sample(idx int) (*tensor.Tensor, int, error)
}

// Batch is one minibatch of stacked inputs and their labels.
type Batch struct {
	Data   *tensor.Tensor
	Labels []int
}

// DataLoader provides batching and shuffling over a Dataset. It is meant for
// the single-threaded training loop; the mutex only guards epoch bookkeeping.
type DataLoader struct {
	dataset   Dataset
	batchSize int
	shuffle   bool
	rng       *rand.Rand
	indices   []int
	position  int
	mutex     sync.Mutex
}

// NewDataLoader creates a DataLoader. The seed fixes the shuffle order so
// runs are reproducible.
func NewDataLoader(dataset Dataset, batchSize int, shuffle bool, seed int64) (*DataLoader, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}
	if dataset.Len() == 0 {
		return nil, fmt.Errorf("dataset is empty")
	}
	indices := make([]int, dataset.Len())
	for i := range indices {
		indices[i] = i
	}
	return &DataLoader{
		dataset:   dataset,
		batchSize: batchSize,
		shuffle:   shuffle,
		rng:       rand.New(rand.NewSource(seed)),
		indices:   indices,
	}, nil
}

// Len returns the number of batches per epoch.
func (dl *DataLoader) Len() int {
	return (dl.dataset.Len() + dl.batchSize - 1) / dl.batchSize
}

// Reset rewinds the loader for a new epoch, reshuffling when enabled.
func (dl *DataLoader) Reset() {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	dl.position = 0
	if dl.shuffle {
		for i := len(dl.indices) - 1; i > 0; i-- {
			j := dl.rng.Intn(i + 1)
			dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
		}
	}
}

// Next returns the next batch, or (nil, nil) once the epoch is exhausted.
// The final batch of an epoch may be smaller than the configured batch size.
func (dl *DataLoader) Next() (*Batch, error) {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	if dl.position >= len(dl.indices) {
		return nil, nil
	}

	end := dl.position + dl.batchSize
	if end > len(dl.indices) {
		end = len(dl.indices)
	}
	idxs := dl.indices[dl.position:end]
	dl.position = end

	first, label, err := dl.dataset.Sample(idxs[0])
	if err != nil {
		return nil, fmt.Errorf("sample %d: %w", idxs[0], err)
	}

	batchShape := append([]int{len(idxs)}, first.Shape...)
	data, err := tensor.Zeros(batchShape, tensor.Float32)
	if err != nil {
		return nil, err
	}
	out := data.Float32s()
	stride := first.NumElems

	copy(out[:stride], first.Float32s())
	labels := make([]int, len(idxs))
	labels[0] = label

	for i, idx := range idxs[1:] {
		x, y, err := dl.dataset.Sample(idx)
		if err != nil {
			return nil, fmt.Errorf("sample %d: %w", idx, err)
		}
		if !tensor.ShapesEqual(x.Shape, first.Shape) {
			return nil, fmt.Errorf("sample %d shape %v does not match batch shape %v", idx, x.Shape, first.Shape)
		}
		copy(out[(i+1)*stride:(i+2)*stride], x.Float32s())
		labels[i+1] = y
	}

	return &Batch{Data: data, Labels: labels}, nil
}
