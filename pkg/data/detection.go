package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/mchmarny/cardscore/pkg/fraud"
	"github.com/pkg/errors"
)

const (
	insertDetectionSQL = `INSERT INTO detection (
			id, user_id, transaction_id, amount, decision, risk_score, risk_level,
			ml_score, rule_score, detection_method, reasons, recorded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	selectDetectionSummarySQL = `SELECT decision, COUNT(*), COALESCE(AVG(risk_score), 0)
		FROM detection
		GROUP BY decision
		ORDER BY decision`
)

// DetectionStore is a fraud.DetectionRecorder backed by a sql database.
type DetectionStore struct {
	db     *sql.DB
	driver string
}

// NewDetectionStore returns a recorder over db.
func NewDetectionStore(db *sql.DB, driver string) (*DetectionStore, error) {
	if db == nil {
		return nil, ErrDBNotInitialized
	}
	return &DetectionStore{db: db, driver: driver}, nil
}

// Record saves the outcome d of scoring tx.
func (s *DetectionStore) Record(ctx context.Context, tx *fraud.Transaction, d *fraud.Detection) error {
	if tx == nil || d == nil {
		return errors.New("transaction and detection required")
	}

	id, err := uuid.NewV7()
	if err != nil {
		return errors.Wrap(err, "failed to create detection id")
	}

	reasons := d.Reasons
	if reasons == nil {
		reasons = []string{}
	}
	b, err := json.Marshal(reasons)
	if err != nil {
		return errors.Wrap(err, "failed to marshal reasons")
	}

	stmt, err := s.db.PrepareContext(ctx, rebind(s.driver, insertDetectionSQL))
	if err != nil {
		return errors.Wrap(err, "failed to prepare detection insert statement")
	}
	defer stmt.Close()

	if _, err := stmt.ExecContext(ctx,
		id.String(), tx.UserID, tx.TransactionID, tx.Amount, d.Decision(), d.RiskScore, d.RiskLevel,
		d.MLScore, d.RuleScore, d.DetectionMethod, string(b), time.Now().UTC().UnixNano(),
	); err != nil {
		return errors.Wrapf(err, "failed to insert detection for user: %s", tx.UserID)
	}

	return nil
}

// DecisionSummary aggregates recorded detections with one decision.
type DecisionSummary struct {
	Decision     string  `json:"decision" yaml:"decision"`
	Count        int64   `json:"count" yaml:"count"`
	AvgRiskScore float64 `json:"avg_risk_score" yaml:"avg_risk_score"`
}

// GetDetectionSummary returns recorded detections grouped by decision.
func GetDetectionSummary(db *sql.DB) ([]*DecisionSummary, error) {
	if db == nil {
		return nil, ErrDBNotInitialized
	}

	rows, err := db.Query(selectDetectionSummarySQL)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query detection summary")
	}
	defer rows.Close()

	list := make([]*DecisionSummary, 0)
	for rows.Next() {
		s := &DecisionSummary{}
		if err := rows.Scan(&s.Decision, &s.Count, &s.AvgRiskScore); err != nil {
			return nil, errors.Wrap(err, "failed to scan detection summary row")
		}
		list = append(list, s)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read detection summary rows")
	}

	return list, nil
}
