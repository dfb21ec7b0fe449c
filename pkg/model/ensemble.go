// Package model loads exported gradient-boosted classifiers and the
// preprocessing pipelines that feed them. Models are trained elsewhere;
// LightGBM text models and XGBoost binary models are evaluated through
// github.com/dmitryikh/leaves.
package model

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/dmitryikh/leaves"
)

const (
	// FormatLightGBM is the text format written by Booster.save_model.
	FormatLightGBM = "lightgbm"
	// FormatXGBoost is the binary format written by Booster.save_model
	// with a .bin or .model file name.
	FormatXGBoost = "xgboost"

	lightGBMMagic    = "tree"
	infoFeatureLimit = 10
)

var (
	// ErrFeatureMismatch is returned when the input vector length does not
	// match the number of features the model was trained on.
	ErrFeatureMismatch = errors.New("feature vector length does not match model")

	// ErrUnsupportedModel is returned for models that are not binary
	// classifiers.
	ErrUnsupportedModel = errors.New("unsupported model")
)

// Ensemble is a loaded binary tree-ensemble classifier. FeatureNames is
// empty for XGBoost binary models, which do not carry them.
type Ensemble struct {
	Format       string
	Objective    string
	FeatureNames []string
	Params       map[string]string

	model *leaves.Ensemble
	size  int64
}

// LoadEnsemble reads a LightGBM or XGBoost model file.
func LoadEnsemble(path string) (*Ensemble, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading model file %s: %w", path, err)
	}

	e, err := ReadEnsemble(b)
	if err != nil {
		return nil, fmt.Errorf("loading model file %s: %w", path, err)
	}
	return e, nil
}

// ReadEnsemble decodes a model. The format is detected from the content:
// LightGBM text models start with a "tree" line, anything else is read as
// XGBoost binary.
func ReadEnsemble(b []byte) (*Ensemble, error) {
	e := &Ensemble{size: int64(len(b)), Params: map[string]string{}}

	var err error
	if DetectFormat(b) == FormatLightGBM {
		e.Format = FormatLightGBM
		e.readLightGBMHeader(b)
		e.model, err = leaves.LGEnsembleFromReader(bufio.NewReader(bytes.NewReader(b)), true)
	} else {
		e.Format = FormatXGBoost
		e.model, err = leaves.XGEnsembleFromReader(bufio.NewReader(bytes.NewReader(b)), true)
	}
	if err != nil {
		return nil, fmt.Errorf("decoding %s model: %w", e.Format, err)
	}

	if n := e.model.NOutputGroups(); n != 1 {
		return nil, fmt.Errorf("%w: %d output groups, want a binary classifier", ErrUnsupportedModel, n)
	}
	if nf := e.model.NFeatures(); nf > 0 && len(e.FeatureNames) > 0 && nf != len(e.FeatureNames) {
		return nil, fmt.Errorf("%w: %d feature names for %d features", ErrFeatureMismatch, len(e.FeatureNames), nf)
	}
	if e.Objective == "" {
		e.Objective = e.model.Transformation().Name()
	}
	return e, nil
}

// DetectFormat returns FormatLightGBM or FormatXGBoost for model content.
func DetectFormat(b []byte) string {
	line, _, _ := bytes.Cut(bytes.TrimLeft(b, " \t\r\n"), []byte("\n"))
	if string(bytes.TrimSpace(line)) == lightGBMMagic {
		return FormatLightGBM
	}
	return FormatXGBoost
}

// readLightGBMHeader picks the objective and feature names from the
// header block and the training parameters from the trailing
// "parameters:" section.
func (e *Ensemble) readLightGBMHeader(b []byte) {
	s := bufio.NewScanner(bytes.NewReader(b))
	s.Buffer(make([]byte, 0, 64*1024), len(b)+1)

	header, params := true, false
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		switch {
		case header && line == "":
			header = false
		case header:
			k, v, ok := strings.Cut(line, "=")
			if !ok {
				continue
			}
			switch k {
			case "objective":
				e.Objective = v
			case "feature_names":
				e.FeatureNames = strings.Fields(v)
			}
		case line == "parameters:":
			params = true
		case line == "end of parameters":
			params = false
		case params && strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]"):
			k, v, ok := strings.Cut(strings.Trim(line, "[]"), ":")
			if ok {
				e.Params[strings.TrimSpace(k)] = strings.TrimSpace(v)
			}
		}
	}
}

// NumFeatures returns the number of input features.
func (e *Ensemble) NumFeatures() int {
	if n := e.model.NFeatures(); n > 0 {
		return n
	}
	// leaves reports 0 for single-feature LightGBM models
	return len(e.FeatureNames)
}

// PredictProba returns the positive-class probability for x.
func (e *Ensemble) PredictProba(x []float64) (float64, error) {
	if nf := e.NumFeatures(); nf > 0 && len(x) != nf {
		return 0, fmt.Errorf("%w: got %d, want %d", ErrFeatureMismatch, len(x), nf)
	}
	p := e.model.PredictSingle(x, 0)
	if math.IsNaN(p) {
		return 0, errors.New("model returned NaN")
	}
	return clip(p), nil
}

// Info describes a loaded model.
type Info struct {
	ModelType    string            `json:"model_type" yaml:"model_type"`
	Format       string            `json:"format" yaml:"format"`
	Objective    string            `json:"objective" yaml:"objective"`
	Params       map[string]string `json:"model_params" yaml:"model_params"`
	Trees        int               `json:"tree_count" yaml:"tree_count"`
	FeatureCount int               `json:"feature_count" yaml:"feature_count"`
	FeatureNames []string          `json:"feature_names" yaml:"feature_names"`
	SizeMB       float64           `json:"model_size_mb" yaml:"model_size_mb"`
}

// Info returns a summary of the ensemble. Only the first ten feature names
// are listed.
func (e *Ensemble) Info() *Info {
	names := e.FeatureNames
	if len(names) > infoFeatureLimit {
		names = names[:infoFeatureLimit]
	}
	if names == nil {
		names = []string{}
	}

	return &Info{
		ModelType:    e.model.Name(),
		Format:       e.Format,
		Objective:    e.Objective,
		Params:       e.Params,
		Trees:        e.model.NEstimators(),
		FeatureCount: e.NumFeatures(),
		FeatureNames: names,
		SizeMB:       math.Round(float64(e.size)/(1024*1024)*100) / 100,
	}
}

func clip(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
