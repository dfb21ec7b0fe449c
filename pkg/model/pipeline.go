package model

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
)

// LabelEncoder maps category strings to their index in a sorted class list.
type LabelEncoder struct {
	Classes []string `json:"classes"`

	index map[string]int
}

// NewLabelEncoder builds an encoder over the distinct, sorted values.
func NewLabelEncoder(values []string) *LabelEncoder {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	classes := make([]string, 0, len(set))
	for v := range set {
		classes = append(classes, v)
	}
	sort.Strings(classes)

	e := &LabelEncoder{Classes: classes}
	e.buildIndex()
	return e
}

// UnmarshalJSON decodes the classes and indexes them. Encoders are read
// concurrently once loaded so the index is never built lazily.
func (e *LabelEncoder) UnmarshalJSON(b []byte) error {
	var raw struct {
		Classes []string `json:"classes"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if !sort.StringsAreSorted(raw.Classes) {
		return fmt.Errorf("label encoder classes must be sorted")
	}
	e.Classes = raw.Classes
	e.buildIndex()
	return nil
}

// Transform returns the index of v and whether v is a known class.
func (e *LabelEncoder) Transform(v string) (int, bool) {
	if e.index == nil {
		i := sort.SearchStrings(e.Classes, v)
		return i, i < len(e.Classes) && e.Classes[i] == v
	}
	i, ok := e.index[v]
	return i, ok
}

// Extend returns a new encoder over the union of the known classes and
// values. Indices of existing classes shift when new values sort before
// them, the same as refitting on the union.
func (e *LabelEncoder) Extend(values []string) *LabelEncoder {
	unseen := false
	for _, v := range values {
		if _, ok := e.Transform(v); !ok {
			unseen = true
			break
		}
	}
	if !unseen {
		return e
	}
	all := make([]string, 0, len(e.Classes)+len(values))
	all = append(all, e.Classes...)
	all = append(all, values...)
	return NewLabelEncoder(all)
}

func (e *LabelEncoder) buildIndex() {
	e.index = make(map[string]int, len(e.Classes))
	for i, c := range e.Classes {
		e.index[c] = i
	}
}

// Scaler standardizes features: (x - mean) / scale.
type Scaler struct {
	Mean  []float64 `json:"mean"`
	Scale []float64 `json:"scale"`
}

// Transform scales x in place.
func (s *Scaler) Transform(x []float64) error {
	if len(s.Mean) != len(x) || len(s.Scale) != len(x) {
		return fmt.Errorf("%w: scaler has %d features, got %d", ErrFeatureMismatch, len(s.Mean), len(x))
	}
	for i := range x {
		scale := s.Scale[i]
		if scale == 0 {
			scale = 1
		}
		x[i] = (x[i] - s.Mean[i]) / scale
	}
	return nil
}

// Pipeline holds the preprocessing state fitted at training time.
type Pipeline struct {
	FeatureNames        []string                 `json:"feature_names"`
	CategoricalFeatures []string                 `json:"categorical_features,omitempty"`
	NumericalFeatures   []string                 `json:"numerical_features,omitempty"`
	LabelEncoders       map[string]*LabelEncoder `json:"label_encoders,omitempty"`
	Scaler              *Scaler                  `json:"scaler,omitempty"`
}

// LoadPipeline reads a pipeline from a JSON file.
func LoadPipeline(path string) (*Pipeline, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening pipeline file %s: %w", path, err)
	}
	defer f.Close()

	p, err := ReadPipeline(f)
	if err != nil {
		return nil, fmt.Errorf("reading pipeline file %s: %w", path, err)
	}
	return p, nil
}

// ReadPipeline decodes a pipeline.
func ReadPipeline(r io.Reader) (*Pipeline, error) {
	var p Pipeline
	if err := json.NewDecoder(r).Decode(&p); err != nil {
		return nil, fmt.Errorf("decoding pipeline: %w", err)
	}
	if len(p.FeatureNames) == 0 {
		return nil, fmt.Errorf("pipeline has no feature names")
	}
	if p.Scaler != nil && (len(p.Scaler.Mean) != len(p.FeatureNames) || len(p.Scaler.Scale) != len(p.FeatureNames)) {
		return nil, fmt.Errorf("%w: scaler size does not match %d features", ErrFeatureMismatch, len(p.FeatureNames))
	}
	if p.LabelEncoders == nil {
		p.LabelEncoders = map[string]*LabelEncoder{}
	}
	return &p, nil
}

// Encoder returns the label encoder for a categorical feature, or nil.
func (p *Pipeline) Encoder(feature string) *LabelEncoder {
	return p.LabelEncoders[feature]
}

// Vector orders features by the pipeline's feature names, fills missing
// names with 0 and applies the scaler when one is present.
func (p *Pipeline) Vector(features map[string]float64) ([]float64, error) {
	x := make([]float64, len(p.FeatureNames))
	for i, name := range p.FeatureNames {
		x[i] = features[name]
	}
	if p.Scaler != nil {
		if err := p.Scaler.Transform(x); err != nil {
			return nil, err
		}
	}
	return x, nil
}

// Bundle pairs a classifier with its pipeline.
type Bundle struct {
	Model    *Ensemble
	Pipeline *Pipeline
}

// LoadBundle loads a model and, when pipelinePath is set, its pipeline.
// Without a pipeline the model's own feature names order the vector, which
// only LightGBM text models provide.
func LoadBundle(modelPath, pipelinePath string) (*Bundle, error) {
	m, err := LoadEnsemble(modelPath)
	if err != nil {
		return nil, err
	}

	var p *Pipeline
	if pipelinePath != "" {
		if p, err = LoadPipeline(pipelinePath); err != nil {
			return nil, err
		}
	} else {
		if len(m.FeatureNames) == 0 {
			return nil, fmt.Errorf("%s model %s carries no feature names, a pipeline is required", m.Format, modelPath)
		}
		p = &Pipeline{FeatureNames: m.FeatureNames, LabelEncoders: map[string]*LabelEncoder{}}
	}

	if n := m.NumFeatures(); n > 0 && len(p.FeatureNames) != n {
		return nil, fmt.Errorf("%w: pipeline has %d features, model has %d",
			ErrFeatureMismatch, len(p.FeatureNames), m.NumFeatures())
	}
	return &Bundle{Model: m, Pipeline: p}, nil
}

// Predict vectorizes features and returns the model probability.
func (b *Bundle) Predict(features map[string]float64) (float64, error) {
	x, err := b.Pipeline.Vector(features)
	if err != nil {
		return 0, err
	}
	return b.Model.PredictProba(x)
}
