/*
memory.go - In-memory PaymentSource (for testing/dev)

Holds payments and customers in maps; supports the same queries the engine
issues against the real source. Optional error injection per method lets
tests exercise the retry path.
*/
package source

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/warp/ledger-sync/engine"
)

// ErrNotFound is returned for unknown customers.
var ErrNotFound = errors.New("not found in source")

// Memory is an in-memory PaymentSource.
type Memory struct {
	mu        sync.RWMutex
	payments  []engine.PaymentRecord
	customers map[engine.CustomerID]engine.Customer

	// FailListPayments makes the next n ListPayments calls fail.
	FailListPayments int
	// ListErr is the error returned while FailListPayments > 0.
	ListErr error
	// FailCustomerPayments makes ListCustomerPayments fail for given ids.
	FailCustomerPayments map[engine.CustomerID]error

	calls int
}

// NewMemory returns an empty fake source.
func NewMemory() *Memory {
	return &Memory{customers: make(map[engine.CustomerID]engine.Customer)}
}

// AddPayment registers a payment.
func (m *Memory) AddPayment(p engine.PaymentRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payments = append(m.payments, p)
}

// AddCustomer registers a customer.
func (m *Memory) AddCustomer(c engine.Customer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.customers[c.ID] = c
}

// ListCalls returns how many ListPayments calls were made.
func (m *Memory) ListCalls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls
}

func (m *Memory) ListPayments(_ context.Context, status engine.PaymentStatus, from, to time.Time) ([]engine.PaymentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls++
	if m.FailListPayments > 0 {
		m.FailListPayments--
		return nil, m.ListErr
	}

	var out []engine.PaymentRecord
	for _, p := range m.payments {
		if p.Status != status {
			continue
		}
		if p.CreatedAt.Before(from) || p.CreatedAt.After(to) {
			continue
		}
		out = append(out, p)
	}
	sortByCreated(out)
	return out, nil
}

func (m *Memory) GetCustomer(_ context.Context, id engine.CustomerID) (engine.Customer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.customers[id]
	if !ok {
		return engine.Customer{}, ErrNotFound
	}
	return c, nil
}

func (m *Memory) ListCustomerPayments(_ context.Context, id engine.CustomerID) ([]engine.PaymentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err, ok := m.FailCustomerPayments[id]; ok {
		return nil, err
	}

	var out []engine.PaymentRecord
	for _, p := range m.payments {
		if p.CustomerID == id {
			out = append(out, p)
		}
	}
	sortByCreated(out)
	return out, nil
}

func sortByCreated(ps []engine.PaymentRecord) {
	sort.Slice(ps, func(i, j int) bool {
		return ps[i].CreatedAt.Before(ps[j].CreatedAt)
	})
}
