package config

import (
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	configFileName = "config.yaml"
	dirMode        = 0700
	fileMode       = 0600

	PolicyAggressive = "aggressive"
	PolicyTiered     = "tiered"

	LogFormatText = "text"
	LogFormatJSON = "json"

	weightTolerance = 1e-6
)

// Config represents app config object.
type Config struct {
	Log     LogConfig     `yaml:"log" json:"log"`
	Server  ServerConfig  `yaml:"server" json:"server"`
	Storage StorageConfig `yaml:"storage" json:"storage"`
	Ranking RankingConfig `yaml:"ranking" json:"ranking"`
	Fraud   FraudConfig   `yaml:"fraud" json:"fraud"`
}

type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

type ServerConfig struct {
	Host                string   `yaml:"host" json:"host"`
	RankPort            int      `yaml:"rank_port" json:"rank_port"`
	FraudPort           int      `yaml:"fraud_port" json:"fraud_port"`
	ReadTimeoutSeconds  int      `yaml:"read_timeout_seconds" json:"read_timeout_seconds"`
	WriteTimeoutSeconds int      `yaml:"write_timeout_seconds" json:"write_timeout_seconds"`
	RateLimit           float64  `yaml:"rate_limit" json:"rate_limit"`
	RateBurst           int      `yaml:"rate_burst" json:"rate_burst"`
	MaxBatch            int      `yaml:"max_batch" json:"max_batch"`
	CORSOrigins         []string `yaml:"cors_origins" json:"cors_origins"`
	APIKeys             []string `yaml:"api_keys,omitempty" json:"-"`
}

type StorageConfig struct {
	// DSN is a sqlite file path or a postgres:// URL. Empty keeps history in memory.
	DSN        string `yaml:"dsn" json:"dsn"`
	MaxHistory int    `yaml:"max_history" json:"max_history"`
}

// Range is an inclusive [min, max] normalization range.
type Range struct {
	Min float64 `yaml:"min" json:"min"`
	Max float64 `yaml:"max" json:"max"`
}

// Normalize clips v into the range and scales it to [0,1].
func (r Range) Normalize(v float64) float64 {
	if r.Max == r.Min {
		return 0.5
	}
	n := (v - r.Min) / (r.Max - r.Min)
	return math.Max(0, math.Min(1, n))
}

type CardholderDefaults struct {
	CardType            string  `yaml:"card_type" json:"card_type"`
	UsageFrequency      int     `yaml:"usage_frequency_last_30_days" json:"usage_frequency_last_30_days"`
	AccountTenureMonths int     `yaml:"account_tenure_months" json:"account_tenure_months"`
	CashbackPotential   float64 `yaml:"cashback_earning_potential" json:"cashback_earning_potential"`
	Location            string  `yaml:"geographic_location" json:"geographic_location"`
}

type RankingConfig struct {
	ModelPath          string              `yaml:"model_path" json:"model_path"`
	PipelinePath       string              `yaml:"pipeline_path" json:"pipeline_path"`
	Fallback           bool                `yaml:"fallback" json:"fallback"`
	Weights            map[string]float64  `yaml:"weights" json:"weights"`
	FeatureRanges      map[string]Range    `yaml:"feature_ranges" json:"feature_ranges"`
	CardTypes          map[string]float64  `yaml:"card_types" json:"card_types"`
	PremiumCards       []string            `yaml:"premium_cards" json:"premium_cards"`
	MerchantCategories map[string][]string `yaml:"merchant_categories" json:"merchant_categories"`
	Defaults           CardholderDefaults  `yaml:"defaults" json:"defaults"`
}

type Thresholds struct {
	LowRisk    float64 `yaml:"low_risk" json:"low_risk"`
	HighRisk   float64 `yaml:"high_risk" json:"high_risk"`
	Block      float64 `yaml:"block" json:"block"`
	ForceBlock float64 `yaml:"force_block" json:"force_block"`
}

// Rule configures one threshold rule. Zero fields are unused by the rule.
type Rule struct {
	Enabled     bool    `yaml:"enabled" json:"enabled"`
	Description string  `yaml:"description" json:"description"`
	Amount      float64 `yaml:"amount,omitempty" json:"amount,omitempty"`
	HourFrom    int     `yaml:"hour_from,omitempty" json:"hour_from,omitempty"`
	HourTo      int     `yaml:"hour_to,omitempty" json:"hour_to,omitempty"`
	Multiplier  float64 `yaml:"multiplier,omitempty" json:"multiplier,omitempty"`
	RiskScore   float64 `yaml:"risk_score" json:"risk_score"`
}

type AggressivePolicy struct {
	ML     float64 `yaml:"ml" json:"ml"`
	Rule   float64 `yaml:"rule" json:"rule"`
	Hybrid float64 `yaml:"hybrid" json:"hybrid"`
}

type TieredPolicy struct {
	Block  float64 `yaml:"block" json:"block"`
	High   float64 `yaml:"high" json:"high"`
	Medium float64 `yaml:"medium" json:"medium"`
}

type FraudConfig struct {
	ModelPath          string           `yaml:"model_path" json:"model_path"`
	PipelinePath       string           `yaml:"pipeline_path" json:"pipeline_path"`
	MLWeight           float64          `yaml:"ml_weight" json:"ml_weight"`
	RuleWeight         float64          `yaml:"rule_weight" json:"rule_weight"`
	Policy             string           `yaml:"policy" json:"policy"`
	Aggressive         AggressivePolicy `yaml:"aggressive" json:"aggressive"`
	Tiered             TieredPolicy     `yaml:"tiered" json:"tiered"`
	ReasonThreshold    float64          `yaml:"reason_threshold" json:"reason_threshold"`
	HighAmount         float64          `yaml:"high_amount" json:"high_amount"`
	VeryHighAmount     float64          `yaml:"very_high_amount" json:"very_high_amount"`
	MinHistory         int              `yaml:"min_history" json:"min_history"`
	Thresholds         Thresholds       `yaml:"thresholds" json:"thresholds"`
	Rules              map[string]Rule  `yaml:"rules" json:"rules"`
	HighRiskCategories []string         `yaml:"high_risk_categories" json:"high_risk_categories"`
	HighRiskCities     []string         `yaml:"high_risk_cities" json:"high_risk_cities"`
}

// Rule names.
const (
	RuleHighAmountNight    = "high_amount_night"
	RuleVeryHighAmountCity = "very_high_amount_different_city"
	RuleHighAmountDevice   = "high_amount_different_device"
	RuleUnusualTimePattern = "unusual_time_pattern"
	RuleAmountSpike        = "amount_spike"
)

// Default returns the configuration with all defaults set.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: LogFormatText,
		},
		Server: ServerConfig{
			Host:                "127.0.0.1",
			RankPort:            8000,
			FraudPort:           5000,
			ReadTimeoutSeconds:  30,
			WriteTimeoutSeconds: 30,
			RateLimit:           100,
			RateBurst:           200,
			MaxBatch:            100,
			CORSOrigins:         []string{"*"},
		},
		Storage: StorageConfig{
			MaxHistory: 1000,
		},
		Ranking: RankingConfig{
			Fallback: true,
			Weights: map[string]float64{
				"credit_limit":             0.20,
				"avg_repayment_days":       0.20,
				"transaction_success_rate": 0.20,
				"response_time_sec":        0.10,
				"discount_hit_rate":        0.10,
				"commission_acceptance":    0.05,
				"user_rating":              0.10,
				"default_count":            0.05,
			},
			FeatureRanges: map[string]Range{
				"credit_limit":                 {Min: 10000, Max: 200000},
				"avg_repayment_days":           {Min: 1, Max: 30},
				"transaction_success_rate":     {Min: 0, Max: 1},
				"response_time_sec":            {Min: 30, Max: 1800},
				"discount_hit_rate":            {Min: 0, Max: 1},
				"commission_acceptance":        {Min: 0, Max: 1},
				"user_rating":                  {Min: 1, Max: 5},
				"default_count":                {Min: 0, Max: 10},
				"usage_frequency_last_30_days": {Min: 0, Max: 50},
				"account_tenure_months":        {Min: 1, Max: 120},
				"cashback_earning_potential":   {Min: 0, Max: 5000},
			},
			CardTypes: map[string]float64{
				"Amazon_ICICI":  1.2,
				"Axis_Flipkart": 1.15,
				"HDFC_Regalia":  1.1,
				"SBI_Cashback":  1.05,
				"Standard_Card": 1.0,
			},
			PremiumCards: []string{"Amazon_ICICI", "Axis_Flipkart", "HDFC_Regalia"},
			MerchantCategories: map[string][]string{
				"ecommerce": {"Amazon_ICICI", "Axis_Flipkart"},
				"travel":    {"HDFC_Regalia", "Standard_Card"},
				"dining":    {"SBI_Cashback", "Standard_Card"},
				"fuel":      {"Standard_Card"},
				"grocery":   {"Standard_Card"},
			},
			Defaults: CardholderDefaults{
				CardType:            "Standard_Card",
				UsageFrequency:      10,
				AccountTenureMonths: 12,
				CashbackPotential:   0,
				Location:            "Unknown",
			},
		},
		Fraud: FraudConfig{
			MLWeight:        0.7,
			RuleWeight:      0.3,
			Policy:          PolicyAggressive,
			Aggressive:      AggressivePolicy{ML: 0.3, Rule: 0.3, Hybrid: 0.4},
			Tiered:          TieredPolicy{Block: 0.8, High: 0.6, Medium: 0.4},
			ReasonThreshold: 0.3,
			HighAmount:      50000,
			VeryHighAmount:  100000,
			MinHistory:      3,
			Thresholds: Thresholds{
				LowRisk:    0.2,
				HighRisk:   0.5,
				Block:      0.8,
				ForceBlock: 0.9,
			},
			Rules: map[string]Rule{
				RuleHighAmountNight: {
					Enabled:     true,
					Description: "High amount transaction during unusual hours (2-5 AM)",
					Amount:      15000,
					HourFrom:    2,
					HourTo:      5,
					RiskScore:   0.85,
				},
				RuleVeryHighAmountCity: {
					Enabled:     true,
					Description: "Very high amount transaction in different city",
					Amount:      30000,
					RiskScore:   0.90,
				},
				RuleHighAmountDevice: {
					Enabled:     true,
					Description: "High amount transaction on unusual device",
					Amount:      20000,
					RiskScore:   0.80,
				},
				RuleUnusualTimePattern: {
					Enabled:     true,
					Description: "Transaction at unusual time for user",
					RiskScore:   0.40,
				},
				RuleAmountSpike: {
					Enabled:     true,
					Description: "Unusual amount spike compared to user history",
					Multiplier:  5.0,
					RiskScore:   0.40,
				},
			},
			HighRiskCategories: []string{"Electronics", "Jewelry", "Travel Agency", "Insurance"},
			HighRiskCities:     []string{"New York", "Los Angeles", "Chicago", "Miami", "Las Vegas"},
		},
	}
}

// Validate checks weights, thresholds, ports and policy.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config required")
	}

	for name, p := range map[string]int{"rank_port": c.Server.RankPort, "fraud_port": c.Server.FraudPort} {
		if p < 1 || p > 65535 {
			return errors.Errorf("server.%s out of range: %d", name, p)
		}
	}
	if c.Server.MaxBatch < 1 {
		return errors.Errorf("server.max_batch must be positive: %d", c.Server.MaxBatch)
	}
	if c.Server.RateLimit < 0 {
		return errors.Errorf("server.rate_limit must not be negative: %v", c.Server.RateLimit)
	}

	switch c.Log.Format {
	case "", LogFormatText, LogFormatJSON:
	default:
		return errors.Errorf("invalid log.format: %s", c.Log.Format)
	}

	if len(c.Ranking.Weights) > 0 {
		sum := 0.0
		for _, w := range c.Ranking.Weights {
			sum += w
		}
		if math.Abs(sum-1) > weightTolerance {
			return errors.Errorf("ranking.weights must sum to 1, got %.4f", sum)
		}
	}
	for name, r := range c.Ranking.FeatureRanges {
		if r.Max < r.Min {
			return errors.Errorf("ranking.feature_ranges.%s: max below min", name)
		}
	}

	f := c.Fraud
	if math.Abs(f.MLWeight+f.RuleWeight-1) > weightTolerance {
		return errors.Errorf("fraud.ml_weight and fraud.rule_weight must sum to 1, got %.4f", f.MLWeight+f.RuleWeight)
	}

	switch f.Policy {
	case PolicyAggressive, PolicyTiered:
	default:
		return errors.Errorf("invalid fraud.policy: %s", f.Policy)
	}

	thresholds := map[string]float64{
		"fraud.thresholds.low_risk":    f.Thresholds.LowRisk,
		"fraud.thresholds.high_risk":   f.Thresholds.HighRisk,
		"fraud.thresholds.block":       f.Thresholds.Block,
		"fraud.thresholds.force_block": f.Thresholds.ForceBlock,
		"fraud.aggressive.ml":          f.Aggressive.ML,
		"fraud.aggressive.rule":        f.Aggressive.Rule,
		"fraud.aggressive.hybrid":      f.Aggressive.Hybrid,
		"fraud.tiered.block":           f.Tiered.Block,
		"fraud.tiered.high":            f.Tiered.High,
		"fraud.tiered.medium":          f.Tiered.Medium,
		"fraud.reason_threshold":       f.ReasonThreshold,
	}
	for name, v := range thresholds {
		if v < 0 || v > 1 {
			return errors.Errorf("%s must be within [0,1]: %v", name, v)
		}
	}
	for name, r := range f.Rules {
		if r.RiskScore < 0 || r.RiskScore > 1 {
			return errors.Errorf("fraud.rules.%s.risk_score must be within [0,1]: %v", name, r.RiskScore)
		}
	}
	return nil
}

// Save writes the config into dirPath.
func Save(dirPath string, c *Config) error {
	if dirPath == "" {
		return errors.New("config directory required")
	}
	if c == nil {
		return errors.New("config required")
	}
	b, err := yaml.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "failed to marshal config")
	}
	path := filepath.Join(dirPath, configFileName)
	if err := os.WriteFile(path, b, fileMode); err != nil {
		return errors.Wrapf(err, "failed to write config file: %s", configFileName)
	}
	return nil
}

// ReadOrCreate reads app config from directory or creates a new one.
func ReadOrCreate(dirPath string) (*Config, error) {
	if dirPath == "" {
		return nil, errors.New("config directory required")
	}

	if _, err := os.Stat(dirPath); errors.Is(err, os.ErrNotExist) {
		err := os.MkdirAll(dirPath, dirMode)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to create dir: %s", dirPath)
		}
	}

	path := filepath.Join(dirPath, configFileName)

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		slog.Debug("creating default config", "path", path)
		if err := Save(dirPath, Default()); err != nil {
			return nil, errors.Wrap(err, "failed to create default config")
		}
	}

	return Load(path)
}

// Load reads the config file at path. Values missing from the file keep
// their defaults.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "error opening config file: %s", path)
	}
	defer f.Close()

	b, err := io.ReadAll(f)
	if err != nil {
		return nil, errors.Wrapf(err, "error reading config file: %s", path)
	}

	c := Default()

	// yaml merges into existing maps, a configured weight set replaces the
	// defaults instead
	var set struct {
		Ranking struct {
			Weights map[string]float64 `yaml:"weights"`
		} `yaml:"ranking"`
	}
	if err := yaml.Unmarshal(b, &set); err != nil {
		return nil, errors.Wrapf(err, "error unmarshalling config file: %s", path)
	}
	if set.Ranking.Weights != nil {
		c.Ranking.Weights = map[string]float64{}
	}

	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, errors.Wrapf(err, "error unmarshalling config file: %s", path)
	}

	if err := c.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid config file: %s", path)
	}
	return c, nil
}

// GetOrCreateHomeDir returns the home directory for the current user.
// The create flag is set to true if the directory was created.
func GetOrCreateHomeDir(name string) (path string, created bool, err error) {
	if name == "" {
		return "", false, errors.New("name cannot be empty")
	}

	if !strings.HasPrefix(name, ".") {
		name = "." + name
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", false, errors.Wrap(err, "failed to get user home dir")
	}

	dir := filepath.Join(home, name)
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		slog.Debug("creating dir", "path", dir)
		err := os.Mkdir(dir, dirMode)
		if err != nil {
			return "", false, errors.Wrapf(err, "failed to create dir: %s", dir)
		}
		created = true
	}
	return dir, created, nil
}
