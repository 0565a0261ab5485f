/*
Package ledger adapts the external row store behind the engine's Ledger
interface: TTL-cached reads, rate-limited appends, and the lock-protected
read-verify-write insert.

The Store interface below is the raw persistence boundary. The external
ledger offers no transactional guarantees of its own, which is why the
Adapter re-reads immediately before every write.

IMPLEMENTATIONS:
  - store/sqlite: production store
  - ledger.Memory: in-memory, for tests and dev
*/
package ledger

import (
	"context"

	"github.com/warp/ledger-sync/engine"
)

// Store is the raw row store. Positions are assigned by the store on
// append and are stable for the life of a row.
type Store interface {
	// ReadAll returns every row, ordered by position.
	ReadAll(ctx context.Context) ([]engine.LedgerRow, error)

	// Append persists a new row and returns its position.
	Append(ctx context.Context, row engine.LedgerRow) (int, error)

	// Update applies fields to the row at position. Nil members of fields
	// are left untouched. Returns engine.ErrRowNotFound for a bad position.
	Update(ctx context.Context, position int, fields engine.RowFields) error
}
