// Package modeltest renders small LightGBM text models for tests.
package modeltest

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/mchmarny/cardscore/pkg/model"
)

// Stump is a depth-one tree: x[Feature] <= Threshold goes Left. A negative
// Feature renders a constant tree with value Left.
type Stump struct {
	Feature   int
	Threshold float64
	Left      float64
	Right     float64
}

// Const returns a tree that always adds margin.
func Const(margin float64) Stump {
	return Stump{Feature: -1, Left: margin}
}

// Logit returns the raw margin whose sigmoid is p.
func Logit(p float64) float64 {
	p = math.Max(1e-12, math.Min(1-1e-12, p))
	return math.Log(p / (1 - p))
}

// LightGBM renders a binary classifier over features in the LightGBM text
// model format. Predictions are sigmoid of the sum of the tree outputs.
func LightGBM(features []string, trees ...Stump) []byte {
	return render("binary sigmoid:1", "binary", features, trees)
}

// Regression renders a regression model whose prediction is the exact sum
// of the tree outputs.
func Regression(features []string, trees ...Stump) []byte {
	return render("regression", "regression", features, trees)
}

func render(objective, paramObjective string, features []string, trees []Stump) []byte {
	blocks := make([]string, len(trees))
	sizes := make([]string, len(trees))
	for i, s := range trees {
		blocks[i] = renderTree(i, s)
		sizes[i] = strconv.Itoa(len(blocks[i]) + 1)
	}

	infos := make([]string, len(features))
	for i := range infos {
		infos[i] = "none"
	}

	var b strings.Builder
	b.WriteString("tree\n")
	b.WriteString("version=v3\n")
	b.WriteString("num_class=1\n")
	b.WriteString("num_tree_per_iteration=1\n")
	b.WriteString("label_index=0\n")
	fmt.Fprintf(&b, "max_feature_idx=%d\n", len(features)-1)
	fmt.Fprintf(&b, "objective=%s\n", objective)
	fmt.Fprintf(&b, "feature_names=%s\n", strings.Join(features, " "))
	fmt.Fprintf(&b, "feature_infos=%s\n", strings.Join(infos, " "))
	fmt.Fprintf(&b, "tree_sizes=%s\n\n", strings.Join(sizes, " "))
	for _, blk := range blocks {
		b.WriteString(blk)
		b.WriteString("\n")
	}
	b.WriteString("end of trees\n\n")
	b.WriteString("parameters:\n")
	b.WriteString("[boosting: gbdt]\n")
	fmt.Fprintf(&b, "[objective: %s]\n", paramObjective)
	fmt.Fprintf(&b, "[num_iterations: %d]\n", len(trees))
	b.WriteString("end of parameters\n")
	return []byte(b.String())
}

func renderTree(i int, s Stump) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Tree=%d\n", i)
	if s.Feature < 0 {
		b.WriteString("num_leaves=1\n")
		b.WriteString("num_cat=0\n")
		fmt.Fprintf(&b, "leaf_value=%s\n", ftoa(s.Left))
		b.WriteString("shrinkage=1\n")
		return b.String()
	}
	b.WriteString("num_leaves=2\n")
	b.WriteString("num_cat=0\n")
	fmt.Fprintf(&b, "split_feature=%d\n", s.Feature)
	b.WriteString("split_gain=1\n")
	fmt.Fprintf(&b, "threshold=%s\n", ftoa(s.Threshold))
	b.WriteString("decision_type=2\n")
	b.WriteString("left_child=-1\n")
	b.WriteString("right_child=-2\n")
	fmt.Fprintf(&b, "leaf_value=%s %s\n", ftoa(s.Left), ftoa(s.Right))
	b.WriteString("leaf_count=1 1\n")
	b.WriteString("internal_value=0\n")
	b.WriteString("internal_count=2\n")
	b.WriteString("shrinkage=1\n")
	return b.String()
}

func ftoa(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// Ensemble loads the rendered classifier.
func Ensemble(t testing.TB, features []string, trees ...Stump) *model.Ensemble {
	t.Helper()
	return load(t, LightGBM(features, trees...))
}

// Sum loads a model that predicts the plain sum of the tree outputs, for
// tests that compare scores against exact thresholds.
func Sum(t testing.TB, features []string, trees ...Stump) *model.Ensemble {
	t.Helper()
	return load(t, Regression(features, trees...))
}

func load(t testing.TB, b []byte) *model.Ensemble {
	t.Helper()
	e, err := model.ReadEnsemble(b)
	if err != nil {
		t.Fatalf("loading test model: %v", err)
	}
	return e
}

// WriteFile writes the rendered model to dir and returns its path.
func WriteFile(t testing.TB, dir string, features []string, trees ...Stump) string {
	t.Helper()
	path := filepath.Join(dir, "model.txt")
	if err := os.WriteFile(path, LightGBM(features, trees...), 0o600); err != nil {
		t.Fatalf("writing test model: %v", err)
	}
	return path
}
