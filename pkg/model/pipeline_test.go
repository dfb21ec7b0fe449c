package model

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLabelEncoder(t *testing.T) {
	e := NewLabelEncoder([]string{"travel", "food", "electronics", "food"})
	assert.Equal(t, []string{"electronics", "food", "travel"}, e.Classes)

	i, ok := e.Transform("food")
	assert.True(t, ok)
	assert.Equal(t, 1, i)

	_, ok = e.Transform("jewelry")
	assert.False(t, ok)
}

func TestLabelEncoderExtend(t *testing.T) {
	e := NewLabelEncoder([]string{"b", "d"})

	same := e.Extend([]string{"b"})
	assert.Same(t, e, same)

	ext := e.Extend([]string{"a", "c"})
	assert.Equal(t, []string{"a", "b", "c", "d"}, ext.Classes)
	i, ok := ext.Transform("b")
	assert.True(t, ok)
	assert.Equal(t, 1, i)

	// receiver unchanged
	assert.Equal(t, []string{"b", "d"}, e.Classes)
}

func TestScaler(t *testing.T) {
	s := &Scaler{Mean: []float64{10, 0}, Scale: []float64{2, 0}}
	x := []float64{14, 3}
	require.NoError(t, s.Transform(x))
	assert.Equal(t, []float64{2, 3}, x)

	assert.ErrorIs(t, s.Transform([]float64{1}), ErrFeatureMismatch)
}

func TestPipelineVector(t *testing.T) {
	p, err := ReadPipeline(strings.NewReader(`{
		"feature_names": ["a", "b", "c"],
		"scaler": {"mean": [1, 1, 1], "scale": [1, 2, 1]}
	}`))
	require.NoError(t, err)

	x, err := p.Vector(map[string]float64{"a": 3, "b": 5, "z": 100})
	require.NoError(t, err)
	assert.Equal(t, []float64{2, 2, -1}, x)
	assert.NotNil(t, p.LabelEncoders)
}

func TestReadPipelineErrors(t *testing.T) {
	tests := []struct {
		name string
		json string
	}{
		{"bad json", `{`},
		{"no features", `{"feature_names": []}`},
		{"scaler size", `{"feature_names": ["a"], "scaler": {"mean": [1, 2], "scale": [1, 1]}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadPipeline(strings.NewReader(tt.json))
			assert.Error(t, err)
		})
	}
}

func TestWatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model.json")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0600))

	ctx, cancel := context.WithCancel(context.Background())
	changed := make(chan string, 10)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, []string{path}, func(p string) { changed <- p })
	}()

	// give the watcher time to register
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.json"), []byte("{}"), 0600))
	require.NoError(t, os.WriteFile(path, []byte(`{"a":1}`), 0600))

	select {
	case p := <-changed:
		want, _ := filepath.Abs(path)
		assert.Equal(t, want, p)
	case <-time.After(5 * time.Second):
		t.Fatal("no change event")
	}

	cancel()
	assert.NoError(t, <-done)
}

func TestPipelineLabelEncoders(t *testing.T) {
	p, err := ReadPipeline(strings.NewReader(`{
		"feature_names": ["card_type"],
		"categorical_features": ["card_type"],
		"label_encoders": {"card_type": {"classes": ["Amazon_ICICI", "Standard_Card"]}}
	}`))
	require.NoError(t, err)

	enc := p.Encoder("card_type")
	require.NotNil(t, enc)
	i, ok := enc.Transform("Standard_Card")
	assert.True(t, ok)
	assert.Equal(t, 1, i)
	assert.Nil(t, p.Encoder("geographic_location"))

	_, err = ReadPipeline(strings.NewReader(`{
		"feature_names": ["card_type"],
		"label_encoders": {"card_type": {"classes": ["b", "a"]}}
	}`))
	assert.Error(t, err)
}

func TestLabelEncoderLiteral(t *testing.T) {
	e := &LabelEncoder{Classes: []string{"a", "c"}}
	i, ok := e.Transform("c")
	assert.True(t, ok)
	assert.Equal(t, 1, i)
	_, ok = e.Transform("b")
	assert.False(t, ok)
}
