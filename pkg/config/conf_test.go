package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig(t *testing.T) {
	dir := t.TempDir()

	c1, err := ReadOrCreate(dir)
	require.NoError(t, err)
	require.NotNil(t, c1)
	assert.Equal(t, 8000, c1.Server.RankPort)
	assert.FileExists(t, filepath.Join(dir, configFileName))

	c1.Server.RankPort = 9000
	c1.Fraud.Policy = PolicyTiered
	c1.Storage.DSN = "history.db"

	err = Save(dir, c1)
	require.NoError(t, err)

	c2, err := ReadOrCreate(dir)
	require.NoError(t, err)
	require.NotNil(t, c2)
	assert.Equal(t, c1.Server.RankPort, c2.Server.RankPort)
	assert.Equal(t, c1.Fraud.Policy, c2.Fraud.Policy)
	assert.Equal(t, c1.Storage.DSN, c2.Storage.DSN)
	assert.Equal(t, c1.Fraud.Rules, c2.Fraud.Rules)
}

func TestLoadPartialKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  fraud_port: 5050\nlog:\n  format: json\n"), fileMode))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5050, c.Server.FraudPort)
	assert.Equal(t, 8000, c.Server.RankPort)
	assert.Equal(t, LogFormatJSON, c.Log.Format)
	assert.Equal(t, 0.7, c.Fraud.MLWeight)
	assert.Len(t, c.Ranking.Weights, 8)
}

func TestLoadWeightsReplaceDefaults(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		want    map[string]float64
		wantErr bool
	}{
		{
			name: "replaced",
			yaml: "ranking:\n  weights:\n    credit_limit: 0.6\n    user_rating: 0.4\n",
			want: map[string]float64{"credit_limit": 0.6, "user_rating": 0.4},
		},
		{
			name:    "partial set does not sum to one",
			yaml:    "ranking:\n  weights:\n    credit_limit: 0.5\n",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "weights.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.yaml), fileMode))

			c, err := Load(path)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, c.Ranking.Weights)
		})
	}

	// defaults are untouched for the next caller
	assert.Len(t, Default().Ranking.Weights, 8)
}

func TestLoadInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("fraud:\n  policy: lenient\n"), fileMode))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestDefaultIsValid(t *testing.T) {
	assert.NoError(t, Default().Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"port zero", func(c *Config) { c.Server.RankPort = 0 }},
		{"port too high", func(c *Config) { c.Server.FraudPort = 70000 }},
		{"fraud weights", func(c *Config) { c.Fraud.MLWeight = 0.9 }},
		{"ranking weights", func(c *Config) { c.Ranking.Weights["credit_limit"] = 0.5 }},
		{"threshold above one", func(c *Config) { c.Fraud.Thresholds.Block = 1.2 }},
		{"threshold negative", func(c *Config) { c.Fraud.Tiered.Medium = -0.1 }},
		{"policy", func(c *Config) { c.Fraud.Policy = "other" }},
		{"log format", func(c *Config) { c.Log.Format = "xml" }},
		{"rule score", func(c *Config) {
			r := c.Fraud.Rules[RuleAmountSpike]
			r.RiskScore = 2
			c.Fraud.Rules[RuleAmountSpike] = r
		}},
		{"max batch", func(c *Config) { c.Server.MaxBatch = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestRangeNormalize(t *testing.T) {
	r := Range{Min: 10, Max: 20}
	assert.Equal(t, 0.0, r.Normalize(5))
	assert.Equal(t, 0.5, r.Normalize(15))
	assert.Equal(t, 1.0, r.Normalize(25))
	assert.Equal(t, 0.5, Range{Min: 3, Max: 3}.Normalize(100))
}

func TestSaveErrors(t *testing.T) {
	assert.Error(t, Save("", Default()))
	assert.Error(t, Save(t.TempDir(), nil))
	_, err := ReadOrCreate("")
	assert.Error(t, err)
}
