package data

import (
	"context"
	"database/sql"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/mchmarny/cardscore/pkg/fraud"
	"github.com/pkg/errors"
)

const (
	insertHistorySQL = `INSERT INTO history (
			id, user_id, transaction_id, amount, merchant_category, city,
			device_type, payment_method, hour_of_day, day_of_week, ts, is_fraud, recorded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	selectHistorySQL = `SELECT transaction_id, user_id, amount, merchant_category, city,
			device_type, payment_method, hour_of_day, day_of_week, ts, is_fraud
		FROM (
			SELECT * FROM history
			WHERE user_id = ?
			ORDER BY recorded_at DESC, id DESC
			LIMIT ?
		) h
		ORDER BY recorded_at, id`

	pruneHistorySQL = `DELETE FROM history
		WHERE user_id = ? AND id NOT IN (
			SELECT id FROM (
				SELECT id FROM history
				WHERE user_id = ?
				ORDER BY recorded_at DESC, id DESC
				LIMIT ?
			) keep
		)`

	selectHistoryStatsSQL = `SELECT COUNT(DISTINCT user_id), COUNT(*) FROM history`

	// unbounded history reads
	maxHistoryRows = math.MaxInt32
)

// HistoryStore is a fraud.HistoryStore backed by a sql database.
type HistoryStore struct {
	db     *sql.DB
	driver string
	limit  int
}

// NewHistoryStore returns a store over db. Each user keeps at most limit
// of the newest rows, older ones are deleted on append. A limit below 1
// keeps everything.
func NewHistoryStore(db *sql.DB, driver string, limit int) (*HistoryStore, error) {
	if db == nil {
		return nil, ErrDBNotInitialized
	}
	return &HistoryStore{db: db, driver: driver, limit: limit}, nil
}

// Append saves tx at the end of its user's history.
func (s *HistoryStore) Append(ctx context.Context, tx *fraud.Transaction) error {
	if tx == nil {
		return errors.New("transaction required")
	}

	id, err := uuid.NewV7()
	if err != nil {
		return errors.Wrap(err, "failed to create history id")
	}

	var day, label sql.NullInt64
	if tx.DayOfWeek != nil {
		day = sql.NullInt64{Int64: int64(*tx.DayOfWeek), Valid: true}
	}
	if tx.IsFraud != nil {
		label = sql.NullInt64{Int64: boolInt(*tx.IsFraud), Valid: true}
	}

	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin history transaction")
	}

	if _, err := dbTx.ExecContext(ctx, rebind(s.driver, insertHistorySQL),
		id.String(), tx.UserID, tx.TransactionID, tx.Amount, tx.MerchantCategory, tx.City,
		tx.DeviceType, tx.PaymentMethod, tx.HourOfDay, day, tx.Timestamp, label,
		time.Now().UTC().UnixNano(),
	); err != nil {
		rollbackTransaction(dbTx)
		return errors.Wrapf(err, "failed to insert history for user: %s", tx.UserID)
	}

	if s.limit > 0 {
		if _, err := dbTx.ExecContext(ctx, rebind(s.driver, pruneHistorySQL), tx.UserID, tx.UserID, s.limit); err != nil {
			rollbackTransaction(dbTx)
			return errors.Wrapf(err, "failed to prune history for user: %s", tx.UserID)
		}
	}

	if err := dbTx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit history transaction")
	}
	return nil
}

func rollbackTransaction(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil {
		slog.Error("error rolling back transaction", "error", err)
	}
}

// History returns the user's transactions, oldest first.
func (s *HistoryStore) History(ctx context.Context, userID string) ([]*fraud.Transaction, error) {
	limit := s.limit
	if limit < 1 {
		limit = maxHistoryRows
	}

	stmt, err := s.db.PrepareContext(ctx, rebind(s.driver, selectHistorySQL))
	if err != nil {
		return nil, errors.Wrap(err, "failed to prepare history select statement")
	}
	defer stmt.Close()

	rows, err := stmt.QueryContext(ctx, userID, limit)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to query history for user: %s", userID)
	}
	defer rows.Close()

	list := make([]*fraud.Transaction, 0)
	for rows.Next() {
		var (
			tx         fraud.Transaction
			day, label sql.NullInt64
		)
		if err := rows.Scan(&tx.TransactionID, &tx.UserID, &tx.Amount, &tx.MerchantCategory, &tx.City,
			&tx.DeviceType, &tx.PaymentMethod, &tx.HourOfDay, &day, &tx.Timestamp, &label); err != nil {
			return nil, errors.Wrap(err, "failed to scan history row")
		}
		if day.Valid {
			d := int(day.Int64)
			tx.DayOfWeek = &d
		}
		if label.Valid {
			f := label.Int64 != 0
			tx.IsFraud = &f
		}
		list = append(list, &tx)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read history rows")
	}

	return list, nil
}

// Stats counts users and stored transactions. With a limit set the count
// matches what History can return.
func (s *HistoryStore) Stats(ctx context.Context) (*fraud.HistoryStats, error) {
	var users, txs int
	if err := s.db.QueryRowContext(ctx, selectHistoryStatsSQL).Scan(&users, &txs); err != nil {
		return nil, errors.Wrap(err, "failed to query history stats")
	}

	st := &fraud.HistoryStats{Users: users, Transactions: txs}
	if users > 0 {
		st.AvgTransactionsPerUser = float64(txs) / float64(users)
	}
	return st, nil
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
