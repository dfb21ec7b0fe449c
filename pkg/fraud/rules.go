package fraud

import (
	"sort"

	"github.com/mchmarny/cardscore/pkg/config"
)

const (
	RiskLow    = "LOW"
	RiskMedium = "MEDIUM"
	RiskHigh   = "HIGH"

	// newUserRuleScore is the rule score of users without enough history.
	newUserRuleScore    = 0.1
	insufficientHistory = "Insufficient transaction history"
	minRulesForBlock    = 2
)

// evaluation order of the rules
var ruleOrder = []string{
	config.RuleHighAmountNight,
	config.RuleVeryHighAmountCity,
	config.RuleHighAmountDevice,
	config.RuleUnusualTimePattern,
	config.RuleAmountSpike,
}

// UserStats is the behaviour profile the rules compare against.
type UserStats struct {
	AvgAmount        float64  `json:"avg_amount" yaml:"avg_amount"`
	MaxAmount        float64  `json:"max_amount" yaml:"max_amount"`
	CommonHours      []int    `json:"common_hours" yaml:"common_hours"`
	CommonCities     []string `json:"common_cities" yaml:"common_cities"`
	CommonDevices    []string `json:"common_devices" yaml:"common_devices"`
	TransactionCount int      `json:"transaction_count" yaml:"transaction_count"`

	hours   map[int]bool
	cities  map[string]bool
	devices map[string]bool
}

// NewUserStats profiles history. It returns nil when the history holds
// fewer than minHistory transactions.
func NewUserStats(history []*Transaction, minHistory int) *UserStats {
	if len(history) == 0 || len(history) < minHistory {
		return nil
	}

	s := &UserStats{
		TransactionCount: len(history),
		hours:            make(map[int]bool),
		cities:           make(map[string]bool),
		devices:          make(map[string]bool),
	}

	total := 0.0
	for i, tx := range history {
		total += tx.Amount
		if i == 0 || tx.Amount > s.MaxAmount {
			s.MaxAmount = tx.Amount
		}
		s.hours[tx.HourOfDay] = true
		s.cities[tx.City] = true
		s.devices[tx.DeviceType] = true
	}
	s.AvgAmount = total / float64(len(history))

	for h := range s.hours {
		s.CommonHours = append(s.CommonHours, h)
	}
	sort.Ints(s.CommonHours)
	s.CommonCities = sortedKeys(s.cities)
	s.CommonDevices = sortedKeys(s.devices)
	return s
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// RuleResult is one triggered rule.
type RuleResult struct {
	Rule        string  `json:"rule" yaml:"rule"`
	Description string  `json:"description" yaml:"description"`
	RiskScore   float64 `json:"risk_score" yaml:"risk_score"`
	Triggered   bool    `json:"triggered" yaml:"triggered"`
}

// RuleAnalysis is the outcome of evaluating every rule on a transaction.
type RuleAnalysis struct {
	RiskScore            float64      `json:"risk_score" yaml:"risk_score"`
	RiskLevel            string       `json:"risk_level" yaml:"risk_level"`
	RequiresVerification bool         `json:"requires_verification" yaml:"requires_verification"`
	BlockTransaction     bool         `json:"block_transaction" yaml:"block_transaction"`
	Message              string       `json:"message,omitempty" yaml:"message,omitempty"`
	Rules                []RuleResult `json:"rule_analysis" yaml:"rule_analysis"`
	UserStats            *UserStats   `json:"user_stats,omitempty" yaml:"user_stats,omitempty"`
}

// RuleEngine scores transactions with configurable threshold rules.
type RuleEngine struct {
	rules      map[string]config.Rule
	thresholds config.Thresholds
	minHistory int
}

// NewRuleEngine creates a rule engine from the fraud config.
func NewRuleEngine(cfg config.FraudConfig) *RuleEngine {
	return &RuleEngine{rules: cfg.Rules, thresholds: cfg.Thresholds, minHistory: cfg.MinHistory}
}

// Evaluate scores tx against the user's past transactions. The score is
// the highest score of the triggered rules.
func (e *RuleEngine) Evaluate(history []*Transaction, tx *Transaction) *RuleAnalysis {
	stats := NewUserStats(history, e.minHistory)
	if stats == nil {
		return &RuleAnalysis{
			RiskScore: newUserRuleScore,
			RiskLevel: RiskLow,
			Message:   insufficientHistory,
			Rules:     []RuleResult{},
		}
	}

	a := &RuleAnalysis{Rules: []RuleResult{}, UserStats: stats}
	for _, name := range ruleOrder {
		r, ok := e.rules[name]
		if !ok || !r.Enabled || !triggered(name, r, stats, tx) {
			continue
		}
		a.Rules = append(a.Rules, RuleResult{
			Rule:        name,
			Description: r.Description,
			RiskScore:   r.RiskScore,
			Triggered:   true,
		})
		if r.RiskScore > a.RiskScore {
			a.RiskScore = r.RiskScore
		}
	}

	t := e.thresholds
	if a.RiskScore >= t.Block && (len(a.Rules) >= minRulesForBlock || a.RiskScore >= t.ForceBlock) {
		a.BlockTransaction = true
	}

	switch {
	case a.RiskScore == 0:
		a.RiskLevel = RiskLow
	case a.RiskScore >= t.Block, a.RiskScore >= t.HighRisk:
		a.RiskLevel = RiskHigh
	default:
		a.RiskLevel = RiskMedium
	}
	a.RequiresVerification = a.RiskScore > t.LowRisk
	return a
}

func triggered(name string, r config.Rule, s *UserStats, tx *Transaction) bool {
	switch name {
	case config.RuleHighAmountNight:
		return tx.Amount >= r.Amount && tx.HourOfDay >= r.HourFrom && tx.HourOfDay <= r.HourTo
	case config.RuleVeryHighAmountCity:
		return tx.Amount >= r.Amount && !s.cities[tx.City]
	case config.RuleHighAmountDevice:
		return tx.Amount >= r.Amount && !s.devices[tx.DeviceType]
	case config.RuleUnusualTimePattern:
		return !s.hours[tx.HourOfDay]
	case config.RuleAmountSpike:
		return tx.Amount > s.AvgAmount*r.Multiplier
	default:
		return false
	}
}
