/*
memory.go - In-memory Store implementation (for testing/dev)

Rows are held in a slice; position is the index at append time. Returned
slices are deep enough copies that callers cannot corrupt stored state.
*/
package ledger

import (
	"context"
	"sync"

	"github.com/warp/ledger-sync/engine"
)

// Memory is an in-memory Store.
type Memory struct {
	mu   sync.RWMutex
	rows []engine.LedgerRow
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) ReadAll(_ context.Context) ([]engine.LedgerRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]engine.LedgerRow, len(m.rows))
	for i, row := range m.rows {
		out[i] = copyRow(row)
	}
	return out, nil
}

func (m *Memory) Append(_ context.Context, row engine.LedgerRow) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	row.Position = len(m.rows)
	m.rows = append(m.rows, copyRow(row))
	return row.Position, nil
}

func (m *Memory) Update(_ context.Context, position int, fields engine.RowFields) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if position < 0 || position >= len(m.rows) {
		return engine.ErrRowNotFound
	}

	row := &m.rows[position]
	if fields.TotalAmount != nil {
		row.TotalAmount = *fields.TotalAmount
	}
	if fields.PaymentCount != nil {
		row.PaymentCount = *fields.PaymentCount
	}
	if fields.PaymentIDs != nil {
		row.PaymentIDs = append([]engine.PaymentID(nil), fields.PaymentIDs...)
	}
	if fields.Email != nil {
		row.Email = *fields.Email
	}
	if fields.PurchaseID != nil {
		row.PurchaseID = *fields.PurchaseID
	}
	return nil
}

func copyRow(row engine.LedgerRow) engine.LedgerRow {
	row.PaymentIDs = append([]engine.PaymentID(nil), row.PaymentIDs...)
	return row
}
