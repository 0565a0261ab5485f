/*
Package sqlite provides the SQLite-backed implementation of ledger.Store.

PURPOSE:
  Persists ledger rows in a single table. In production deployments backed
  by an actual spreadsheet API the same Store interface applies; this
  implementation exists so the engine can run self-contained and so tests
  exercise a real SQL path.

KEY TABLE:
  ledger_rows: one row per purchase. position (the rowid) is the row's
  identity for updates; purchase_id and the payment-id list are the dedup
  keys the engine cares about.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety on top of database/sql's pooling.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  adapter := ledger.NewAdapter(store, locks, cfg)

SEE ALSO:
  - ledger/store.go: Interface definition
  - ledger/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/warp/ledger-sync/engine"
)

// Store implements ledger.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS ledger_rows (
		position INTEGER PRIMARY KEY,
		purchase_id TEXT NOT NULL,
		customer_id TEXT NOT NULL,
		email TEXT,
		total_amount INTEGER NOT NULL,
		currency TEXT NOT NULL DEFAULT 'usd',
		payment_count INTEGER NOT NULL,
		payment_ids_json TEXT NOT NULL,
		country TEXT,
		utm_source TEXT,
		utm_medium TEXT,
		utm_campaign TEXT,
		source_created_at TEXT NOT NULL,
		local_created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_rows_customer
		ON ledger_rows(customer_id);
	CREATE INDEX IF NOT EXISTS idx_ledger_rows_purchase
		ON ledger_rows(purchase_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// ReadAll returns every row ordered by position.
func (s *Store) ReadAll(ctx context.Context) ([]engine.LedgerRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT position, purchase_id, customer_id, email, total_amount,
		       currency, payment_count, payment_ids_json, country,
		       utm_source, utm_medium, utm_campaign,
		       source_created_at, local_created_at
		FROM ledger_rows
		ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger: %w", err)
	}
	defer rows.Close()

	var out []engine.LedgerRow
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// Append persists a new row and returns its position.
func (s *Store) Append(ctx context.Context, row engine.LedgerRow) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idsJSON, err := json.Marshal(row.PaymentIDs)
	if err != nil {
		return 0, fmt.Errorf("failed to encode payment ids: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO ledger_rows (
			purchase_id, customer_id, email, total_amount, currency,
			payment_count, payment_ids_json, country,
			utm_source, utm_medium, utm_campaign,
			source_created_at, local_created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(row.PurchaseID), string(row.CustomerID), row.Email,
		row.TotalAmount, row.Currency, row.PaymentCount, string(idsJSON),
		row.Country, row.UTMSource, row.UTMMedium, row.UTMCampaign,
		row.SourceCreatedAt.UTC().Format(time.RFC3339),
		row.LocalCreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to append row: %w", err)
	}

	pos, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return int(pos), nil
}

// Update applies fields to the row at position.
func (s *Store) Update(ctx context.Context, position int, fields engine.RowFields) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	set := ""
	var args []any
	add := func(col string, v any) {
		if set != "" {
			set += ", "
		}
		set += col + " = ?"
		args = append(args, v)
	}

	if fields.TotalAmount != nil {
		add("total_amount", *fields.TotalAmount)
	}
	if fields.PaymentCount != nil {
		add("payment_count", *fields.PaymentCount)
	}
	if fields.PaymentIDs != nil {
		idsJSON, err := json.Marshal(fields.PaymentIDs)
		if err != nil {
			return fmt.Errorf("failed to encode payment ids: %w", err)
		}
		add("payment_ids_json", string(idsJSON))
	}
	if fields.Email != nil {
		add("email", *fields.Email)
	}
	if fields.PurchaseID != nil {
		add("purchase_id", string(*fields.PurchaseID))
	}

	if set == "" {
		return nil
	}

	args = append(args, position)
	res, err := s.db.ExecContext(ctx, "UPDATE ledger_rows SET "+set+" WHERE position = ?", args...)
	if err != nil {
		return fmt.Errorf("failed to update row %d: %w", position, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return engine.ErrRowNotFound
	}
	return nil
}

// scanRow decodes one result row.
func scanRow(rows *sql.Rows) (engine.LedgerRow, error) {
	var (
		row                        engine.LedgerRow
		purchaseID, customerID     string
		email, country             sql.NullString
		utmSource, utmMedium       sql.NullString
		utmCampaign                sql.NullString
		idsJSON, sourceAt, localAt string
	)

	err := rows.Scan(&row.Position, &purchaseID, &customerID, &email,
		&row.TotalAmount, &row.Currency, &row.PaymentCount, &idsJSON,
		&country, &utmSource, &utmMedium, &utmCampaign, &sourceAt, &localAt)
	if err != nil {
		return row, fmt.Errorf("failed to scan row: %w", err)
	}

	row.PurchaseID = engine.PurchaseID(purchaseID)
	row.CustomerID = engine.CustomerID(customerID)
	row.Email = email.String
	row.Country = country.String
	row.UTMSource = utmSource.String
	row.UTMMedium = utmMedium.String
	row.UTMCampaign = utmCampaign.String

	if err := json.Unmarshal([]byte(idsJSON), &row.PaymentIDs); err != nil {
		return row, fmt.Errorf("failed to decode payment ids: %w", err)
	}
	if row.SourceCreatedAt, err = time.Parse(time.RFC3339, sourceAt); err != nil {
		return row, fmt.Errorf("failed to parse source_created_at: %w", err)
	}
	if row.LocalCreatedAt, err = time.Parse(time.RFC3339, localAt); err != nil {
		return row, fmt.Errorf("failed to parse local_created_at: %w", err)
	}
	return row, nil
}
