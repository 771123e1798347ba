package saliency

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/born-ml/saliency/internal/tensor"
)

// Prediction is one class score.
type Prediction struct {
	Index int
	Label string // empty without a labels file
	Score float32
}

// LoadLabels reads one class name per line (synset_words.txt style).
// Blank lines are kept so line numbers stay class indices.
func LoadLabels(path string) ([]string, error) {
	//nolint:gosec // G304: File path comes from user input
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open labels: %w", err)
	}
	defer func() {
		_ = f.Close() // Read-only file
	}()

	var labels []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		labels = append(labels, strings.TrimSpace(sc.Text()))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read labels %s: %w", path, err)
	}
	return labels, nil
}

// TopK returns the k highest scores of the first row of a [N, K] tensor,
// best first. Ties keep index order.
func TopK(scores *tensor.Tensor, k int, labels []string) []Prediction {
	s := scores.Shape()
	width := s[len(s)-1]
	row := scores.Data()[:width]

	idx := make([]int, width)
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return row[idx[a]] > row[idx[b]] })

	k = min(k, width)
	top := make([]Prediction, 0, max(k, 0))
	for _, i := range idx[:max(k, 0)] {
		p := Prediction{Index: i, Score: row[i]}
		if i < len(labels) {
			p.Label = labels[i]
		}
		top = append(top, p)
	}
	return top
}
