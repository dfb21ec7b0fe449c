package fraud

import (
	"context"
	"errors"
	"sync"
)

// HistoryStore keeps the ordered transactions of each user.
type HistoryStore interface {
	// Append adds tx to the end of its user's history.
	Append(ctx context.Context, tx *Transaction) error
	// History returns the user's transactions, oldest first.
	History(ctx context.Context, userID string) ([]*Transaction, error)
	// Stats summarizes the whole store.
	Stats(ctx context.Context) (*HistoryStats, error)
}

// DetectionRecorder persists detection outcomes.
type DetectionRecorder interface {
	Record(ctx context.Context, tx *Transaction, d *Detection) error
}

// HistoryStats describes the size of a history store.
type HistoryStats struct {
	Users                  int     `json:"users" yaml:"users"`
	Transactions           int     `json:"transactions" yaml:"transactions"`
	AvgTransactionsPerUser float64 `json:"avg_transactions_per_user" yaml:"avg_transactions_per_user"`
}

func newHistoryStats(users, txs int) *HistoryStats {
	s := &HistoryStats{Users: users, Transactions: txs}
	if users > 0 {
		s.AvgTransactionsPerUser = float64(txs) / float64(users)
	}
	return s
}

// MemoryHistory is an in-process HistoryStore. Each user keeps at most
// limit transactions; older ones are dropped first.
type MemoryHistory struct {
	mu    sync.RWMutex
	limit int
	users map[string][]*Transaction
}

// NewMemoryHistory creates an empty store. A limit below 1 means unbounded.
func NewMemoryHistory(limit int) *MemoryHistory {
	return &MemoryHistory{limit: limit, users: make(map[string][]*Transaction)}
}

func (h *MemoryHistory) Append(_ context.Context, tx *Transaction) error {
	if tx == nil {
		return errors.New("transaction required")
	}

	c := *tx
	h.mu.Lock()
	defer h.mu.Unlock()

	list := append(h.users[tx.UserID], &c)
	if h.limit > 0 && len(list) > h.limit {
		list = append([]*Transaction(nil), list[len(list)-h.limit:]...)
	}
	h.users[tx.UserID] = list
	return nil
}

func (h *MemoryHistory) History(_ context.Context, userID string) ([]*Transaction, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	list := h.users[userID]
	out := make([]*Transaction, len(list))
	copy(out, list)
	return out, nil
}

func (h *MemoryHistory) Stats(_ context.Context) (*HistoryStats, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for _, list := range h.users {
		n += len(list)
	}
	return newHistoryStats(len(h.users), n), nil
}
