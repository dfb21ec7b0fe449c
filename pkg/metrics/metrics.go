// Package metrics computes binary classification metrics.
package metrics

import (
	"errors"
	"sort"
)

// ErrLengthMismatch is returned when labels and predictions differ in size.
var ErrLengthMismatch = errors.New("labels and predictions differ in length")

// ConfusionMatrix counts binary outcomes.
type ConfusionMatrix struct {
	TP int `json:"true_positives" yaml:"true_positives"`
	FP int `json:"false_positives" yaml:"false_positives"`
	TN int `json:"true_negatives" yaml:"true_negatives"`
	FN int `json:"false_negatives" yaml:"false_negatives"`
}

// Confusion counts yPred against yTrue.
func Confusion(yTrue, yPred []bool) (*ConfusionMatrix, error) {
	if len(yTrue) != len(yPred) {
		return nil, ErrLengthMismatch
	}
	m := &ConfusionMatrix{}
	for i, t := range yTrue {
		switch p := yPred[i]; {
		case t && p:
			m.TP++
		case !t && p:
			m.FP++
		case !t && !p:
			m.TN++
		default:
			m.FN++
		}
	}
	return m, nil
}

// Total is the number of counted samples.
func (m *ConfusionMatrix) Total() int {
	return m.TP + m.FP + m.TN + m.FN
}

// Accuracy is (TP+TN)/total.
func (m *ConfusionMatrix) Accuracy() float64 {
	return ratio(m.TP+m.TN, m.Total())
}

// Precision is TP/(TP+FP).
func (m *ConfusionMatrix) Precision() float64 {
	return ratio(m.TP, m.TP+m.FP)
}

// Recall is TP/(TP+FN).
func (m *ConfusionMatrix) Recall() float64 {
	return ratio(m.TP, m.TP+m.FN)
}

// F1 is the harmonic mean of precision and recall.
func (m *ConfusionMatrix) F1() float64 {
	p, r := m.Precision(), m.Recall()
	if p+r == 0 {
		return 0
	}
	return 2 * p * r / (p + r)
}

func ratio(n, d int) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}

// Report is the summary of a labelled evaluation.
type Report struct {
	Accuracy  float64 `json:"accuracy" yaml:"accuracy"`
	Precision float64 `json:"precision" yaml:"precision"`
	Recall    float64 `json:"recall" yaml:"recall"`
	F1        float64 `json:"f1_score" yaml:"f1_score"`
}

// Report returns all ratio metrics of m.
func (m *ConfusionMatrix) Report() *Report {
	return &Report{
		Accuracy:  m.Accuracy(),
		Precision: m.Precision(),
		Recall:    m.Recall(),
		F1:        m.F1(),
	}
}

// ROCAUC is the area under the ROC curve by the rank-sum method. Tied
// scores share their average rank. It is 0.5 when one class is absent.
func ROCAUC(labels []bool, scores []float64) (float64, error) {
	if len(labels) != len(scores) {
		return 0, ErrLengthMismatch
	}

	idx := make([]int, len(scores))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return scores[idx[a]] < scores[idx[b]] })

	ranks := make([]float64, len(scores))
	for i := 0; i < len(idx); {
		j := i
		for j+1 < len(idx) && scores[idx[j+1]] == scores[idx[i]] {
			j++
		}
		// ranks are 1-based
		avg := float64(i+j)/2 + 1
		for k := i; k <= j; k++ {
			ranks[idx[k]] = avg
		}
		i = j + 1
	}

	pos, neg := 0, 0
	sum := 0.0
	for i, l := range labels {
		if l {
			pos++
			sum += ranks[i]
		} else {
			neg++
		}
	}
	if pos == 0 || neg == 0 {
		return 0.5, nil
	}

	u := sum - float64(pos*(pos+1))/2
	return u / float64(pos*neg), nil
}
