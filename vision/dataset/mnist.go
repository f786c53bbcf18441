// Package dataset loads digit-image data for training and evaluation: the
// MNIST IDX file format and a deterministic synthetic set for offline runs.
package dataset

import (
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/kestrelml/kestrel/tensor"
)

const (
	idxImageMagic = 2051
	idxLabelMagic = 2049
)

// MNIST is an in-memory image classification dataset in IDX layout. Pixels
// are normalized to [0, 1] and samples have shape [1, rows, cols].
type MNIST struct {
	images []float32
	labels []int
	rows   int
	cols   int
}

// LoadIDX reads paired IDX image and label files. Files ending in .gz are
// decompressed transparently.
func LoadIDX(imagesPath, labelsPath string) (*MNIST, error) {
	images, rows, cols, err := readImages(imagesPath)
	if err != nil {
		return nil, fmt.Errorf("loading images: %w", err)
	}
	labels, err := readLabels(labelsPath)
	if err != nil {
		return nil, fmt.Errorf("loading labels: %w", err)
	}
	if len(images)/(rows*cols) != len(labels) {
		return nil, fmt.Errorf("image count %d does not match label count %d",
			len(images)/(rows*cols), len(labels))
	}
	return &MNIST{images: images, labels: labels, rows: rows, cols: cols}, nil
}

func openIDX(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(path, ".gz") {
		return f, nil
	}
	gz, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &gzipFile{gz: gz, f: f}, nil
}

type gzipFile struct {
	gz *gzip.Reader
	f  *os.File
}

func (g *gzipFile) Read(p []byte) (int, error) { return g.gz.Read(p) }

func (g *gzipFile) Close() error {
	gzErr := g.gz.Close()
	if err := g.f.Close(); err != nil {
		return err
	}
	return gzErr
}

func readImages(path string) ([]float32, int, int, error) {
	r, err := openIDX(path)
	if err != nil {
		return nil, 0, 0, err
	}
	defer r.Close()

	var hdr [4]uint32
	if err := binary.Read(r, binary.BigEndian, &hdr); err != nil {
		return nil, 0, 0, fmt.Errorf("reading header: %w", err)
	}
	if hdr[0] != idxImageMagic {
		return nil, 0, 0, fmt.Errorf("bad image magic %d, want %d", hdr[0], idxImageMagic)
	}
	count, rows, cols := int(hdr[1]), int(hdr[2]), int(hdr[3])
	if count <= 0 || rows <= 0 || cols <= 0 {
		return nil, 0, 0, fmt.Errorf("invalid dimensions %dx%dx%d", count, rows, cols)
	}

	raw := make([]byte, count*rows*cols)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, 0, 0, fmt.Errorf("reading %d pixels: %w", len(raw), err)
	}
	pixels := make([]float32, len(raw))
	for i, b := range raw {
		pixels[i] = float32(b) / 255.0
	}
	return pixels, rows, cols, nil
}

func readLabels(path string) ([]int, error) {
	r, err := openIDX(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var hdr [2]uint32
	if err := binary.Read(r, binary.BigEndian, &hdr); err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	if hdr[0] != idxLabelMagic {
		return nil, fmt.Errorf("bad label magic %d, want %d", hdr[0], idxLabelMagic)
	}
	count := int(hdr[1])
	if count <= 0 {
		return nil, fmt.Errorf("invalid label count %d", count)
	}

	raw := make([]byte, count)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("reading %d labels: %w", count, err)
	}
	labels := make([]int, count)
	for i, b := range raw {
		labels[i] = int(b)
	}
	return labels, nil
}

// Len returns the number of samples.
func (d *MNIST) Len() int { return len(d.labels) }

// Shape returns the per-sample tensor shape.
func (d *MNIST) Shape() []int { return []int{1, d.rows, d.cols} }

// NumClasses returns the label cardinality.
func (d *MNIST) NumClasses() int { return 10 }

// Sample returns the idx-th image and its label.
func (d *MNIST) Sample(idx int) (*tensor.Tensor, int, error) {
	if idx < 0 || idx >= len(d.labels) {
		return nil, 0, fmt.Errorf("sample index %d out of range [0, %d)", idx, len(d.labels))
	}
	size := d.rows * d.cols
	data := make([]float32, size)
	copy(data, d.images[idx*size:(idx+1)*size])
	t, err := tensor.NewTensor([]int{1, d.rows, d.cols}, tensor.Float32, data)
	if err != nil {
		return nil, 0, err
	}
	return t, d.labels[idx], nil
}
