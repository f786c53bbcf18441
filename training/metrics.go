package training

import (
	"fmt"
	"strings"
)

// ConfusionMatrix accumulates classification outcomes across batches.
type ConfusionMatrix struct {
	numClasses int
	matrix     [][]int
	total      int
	correct    int
}

// NewConfusionMatrix creates a confusion matrix for the given class count.
func NewConfusionMatrix(numClasses int) *ConfusionMatrix {
	matrix := make([][]int, numClasses)
	for i := range matrix {
		matrix[i] = make([]int, numClasses)
	}
	return &ConfusionMatrix{numClasses: numClasses, matrix: matrix}
}

// Update records a batch of predictions against ground-truth labels.
func (cm *ConfusionMatrix) Update(predictions, labels []int) error {
	if len(predictions) != len(labels) {
		return fmt.Errorf("prediction count %d does not match label count %d", len(predictions), len(labels))
	}
	for i := range predictions {
		p, l := predictions[i], labels[i]
		if p < 0 || p >= cm.numClasses || l < 0 || l >= cm.numClasses {
			return fmt.Errorf("class out of range: prediction %d, label %d, classes %d", p, l, cm.numClasses)
		}
		cm.matrix[l][p]++
		cm.total++
		if p == l {
			cm.correct++
		}
	}
	return nil
}

// Accuracy returns the fraction of correct predictions seen so far.
func (cm *ConfusionMatrix) Accuracy() float64 {
	if cm.total == 0 {
		return 0
	}
	return float64(cm.correct) / float64(cm.total)
}

// Total returns the number of samples recorded.
func (cm *ConfusionMatrix) Total() int {
	return cm.total
}

// Reset clears all recorded outcomes.
func (cm *ConfusionMatrix) Reset() {
	for i := range cm.matrix {
		for j := range cm.matrix[i] {
			cm.matrix[i][j] = 0
		}
	}
	cm.total = 0
	cm.correct = 0
}

// String renders the matrix with true classes as rows.
func (cm *ConfusionMatrix) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "accuracy %.4f over %d samples\n", cm.Accuracy(), cm.total)
	for i, row := range cm.matrix {
		fmt.Fprintf(&sb, "  true %d: %v\n", i, row)
	}
	return sb.String()
}
