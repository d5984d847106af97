/*
Package sqlite provides a SQLite-backed implementation of accounting.TxStore.

PURPOSE:
  Durable single-node storage for allocations, wallets and the transaction
  ledger. store/postgres implements the same interface for multi-instance
  deployments; the schema and queries are kept parallel.

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE statements on transactions / transaction_entries
  - Allocations are updated (balances, quota, window) but never deleted

KEY TABLES:
  wallets:             (owner, category) identity and selection policy
  allocations:         quota, balances, window, cached ancestor path
  transactions:        immutable ledger, keyed by caller-supplied ID
  transaction_entries: per-allocation deltas of each transaction

PATH PREFIX QUERIES:
  An allocation's path is stored as "/root/mid/leaf/". Every descendant of X
  has X's stored path as a prefix, so "find all descendants" is a single
  indexed prefix comparison and needs no recursive query.

ENCODING:
  Amounts are TEXT (decimal strings, never floats). Times are TEXT in a
  fixed-width UTC layout so lexical order equals chronological order.

CONCURRENCY:
  One connection (SetMaxOpenConns(1)) keeps ":memory:" databases shared and
  writers serialized. WithTx additionally holds the store mutex.

USAGE:
  store, err := sqlite.New("./data/accounting.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc := accounting.NewService(store, catalog, accounting.Options{})

SEE ALSO:
  - accounting/store.go: Interface definitions
  - accounting/store/memory.go: In-memory implementation for testing
  - store/postgres: PostgreSQL implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/accounting-engine/accounting"
)

// timeLayout is fixed-width so that TEXT comparison orders chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements accounting.TxStore using SQLite.
type Store struct {
	queries
	db *sql.DB
	mu sync.Mutex
}

var _ accounting.TxStore = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{queries: queries{q: db}, db: db}
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

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS wallets (
		id TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		category_name TEXT NOT NULL,
		category_provider TEXT NOT NULL,
		policy TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_wallets_owner
		ON wallets(owner);
	CREATE INDEX IF NOT EXISTS idx_wallets_category
		ON wallets(category_name, category_provider);

	CREATE TABLE IF NOT EXISTS allocations (
		id TEXT PRIMARY KEY,
		parent_id TEXT REFERENCES allocations(id),
		path TEXT NOT NULL,
		depth INTEGER NOT NULL,
		wallet_id TEXT NOT NULL REFERENCES wallets(id),
		owner TEXT NOT NULL,
		category_name TEXT NOT NULL,
		category_provider TEXT NOT NULL,
		quota TEXT NOT NULL,
		local_balance TEXT NOT NULL,
		tree_balance TEXT NOT NULL,
		differential_usage TEXT NOT NULL,
		start_date TEXT NOT NULL,
		end_date TEXT,
		can_allocate INTEGER NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_allocations_wallet
		ON allocations(wallet_id);
	CREATE INDEX IF NOT EXISTS idx_allocations_owner
		ON allocations(owner);
	CREATE INDEX IF NOT EXISTS idx_allocations_path
		ON allocations(path);
	CREATE INDEX IF NOT EXISTS idx_allocations_end_date
		ON allocations(end_date) WHERE end_date IS NOT NULL;

	-- Transactions (append-only ledger)
	CREATE TABLE IF NOT EXISTS transactions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		kind TEXT NOT NULL,
		wallet_id TEXT NOT NULL,
		owner TEXT NOT NULL,
		category_name TEXT NOT NULL,
		category_provider TEXT NOT NULL,
		delta TEXT NOT NULL,
		success INTEGER NOT NULL,
		fingerprint TEXT NOT NULL,
		allocation_id TEXT,
		description TEXT,
		initiated_by TEXT,
		items_json TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_wallet
		ON transactions(wallet_id, seq DESC);

	CREATE TABLE IF NOT EXISTS transaction_entries (
		transaction_id TEXT NOT NULL REFERENCES transactions(id),
		position INTEGER NOT NULL,
		allocation_id TEXT NOT NULL,
		wallet_id TEXT NOT NULL,
		local_delta TEXT NOT NULL,
		tree_delta TEXT NOT NULL,
		PRIMARY KEY (transaction_id, position)
	);

	CREATE INDEX IF NOT EXISTS idx_entries_wallet
		ON transaction_entries(wallet_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (accounting.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store accounting.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", mapError(err))
	}
	defer sqlTx.Rollback()

	if err := fn(&queries{q: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", mapError(err))
	}
	return nil
}

// =============================================================================
// QUERIES - Shared by the store and its transactional view
// =============================================================================

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type queries struct {
	q querier
}

const allocationColumns = `id, parent_id, path, wallet_id, owner, category_name, category_provider,
	quota, local_balance, tree_balance, differential_usage, start_date, end_date, can_allocate, created_at`

func (s *queries) GetAllocation(ctx context.Context, id accounting.AllocationID) (accounting.Allocation, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+allocationColumns+` FROM allocations WHERE id = ?`, id)
	a, err := scanAllocation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return accounting.Allocation{}, accounting.ErrAllocationNotFound
	}
	return a, err
}

func (s *queries) InsertAllocation(ctx context.Context, a accounting.Allocation) error {
	var parentID sql.NullString
	if a.ParentID != nil {
		parentID = nullString(string(*a.ParentID))
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO allocations
		(id, parent_id, path, depth, wallet_id, owner, category_name, category_provider,
		 quota, local_balance, tree_balance, differential_usage, start_date, end_date, can_allocate, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, parentID, encodePath(a.Path), a.Depth(), a.WalletID, a.Owner.Key(),
		a.Category.Name, a.Category.Provider,
		a.Quota.String(), a.LocalBalance.String(), a.TreeBalance.String(), a.DifferentialUsage.String(),
		formatTime(a.Window.Start), formatTimePtr(a.Window.End), a.CanAllocate, formatTime(a.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert allocation: %w", mapError(err))
	}
	return nil
}

func (s *queries) UpdateAllocation(ctx context.Context, a accounting.Allocation) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE allocations
		SET quota = ?, local_balance = ?, tree_balance = ?, differential_usage = ?, start_date = ?, end_date = ?
		WHERE id = ?`,
		a.Quota.String(), a.LocalBalance.String(), a.TreeBalance.String(), a.DifferentialUsage.String(),
		formatTime(a.Window.Start), formatTimePtr(a.Window.End), a.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update allocation: %w", mapError(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return accounting.ErrAllocationNotFound
	}
	return nil
}

func (s *queries) AllocationsByWallet(ctx context.Context, id accounting.WalletID) ([]accounting.Allocation, error) {
	return s.queryAllocations(ctx, `SELECT `+allocationColumns+` FROM allocations WHERE wallet_id = ? ORDER BY created_at, id`, id)
}

func (s *queries) AllocationsByOwner(ctx context.Context, owner accounting.Owner) ([]accounting.Allocation, error) {
	return s.queryAllocations(ctx, `SELECT `+allocationColumns+` FROM allocations WHERE owner = ? ORDER BY wallet_id, created_at, id`, owner.Key())
}

func (s *queries) Descendants(ctx context.Context, id accounting.AllocationID) ([]accounting.Allocation, error) {
	root, err := s.GetAllocation(ctx, id)
	if err != nil {
		return nil, err
	}
	prefix := encodePath(root.Path)
	return s.queryAllocations(ctx, `
		SELECT `+allocationColumns+` FROM allocations
		WHERE substr(path, 1, length(?)) = ? AND id <> ?
		ORDER BY depth, id`, prefix, prefix, id)
}

func (s *queries) AllocationsEndingBetween(ctx context.Context, from, to time.Time) ([]accounting.Allocation, error) {
	return s.queryAllocations(ctx, `
		SELECT `+allocationColumns+` FROM allocations
		WHERE end_date IS NOT NULL AND end_date > ? AND end_date <= ?
		ORDER BY id`, formatTime(from), formatTime(to))
}

func (s *queries) queryAllocations(ctx context.Context, query string, args ...any) ([]accounting.Allocation, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query allocations: %w", mapError(err))
	}
	defer rows.Close()

	var allocations []accounting.Allocation
	for rows.Next() {
		a, err := scanAllocation(rows)
		if err != nil {
			return nil, err
		}
		allocations = append(allocations, a)
	}
	return allocations, rows.Err()
}

// =============================================================================
// WALLETS
// =============================================================================

func (s *queries) SaveWallet(ctx context.Context, w accounting.WalletRecord) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO wallets (id, owner, category_name, category_provider, policy, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		w.ID, w.Owner.Key(), w.Category.Name, w.Category.Provider, w.Policy, formatTime(w.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save wallet: %w", mapError(err))
	}
	return nil
}

func (s *queries) GetWallet(ctx context.Context, id accounting.WalletID) (accounting.WalletRecord, error) {
	row := s.q.QueryRowContext(ctx, `SELECT id, owner, category_name, category_provider, policy, created_at FROM wallets WHERE id = ?`, id)
	w, err := scanWallet(row)
	if errors.Is(err, sql.ErrNoRows) {
		return accounting.WalletRecord{}, accounting.ErrWalletNotFound
	}
	return w, err
}

func (s *queries) WalletsByOwner(ctx context.Context, owner accounting.Owner) ([]accounting.WalletRecord, error) {
	return s.queryWallets(ctx, `SELECT id, owner, category_name, category_provider, policy, created_at
		FROM wallets WHERE owner = ? ORDER BY created_at, id`, owner.Key())
}

func (s *queries) WalletsByCategory(ctx context.Context, category accounting.CategoryID) ([]accounting.WalletRecord, error) {
	return s.queryWallets(ctx, `SELECT id, owner, category_name, category_provider, policy, created_at
		FROM wallets WHERE category_name = ? AND category_provider = ? ORDER BY created_at, id`,
		category.Name, category.Provider)
}

func (s *queries) queryWallets(ctx context.Context, query string, args ...any) ([]accounting.WalletRecord, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query wallets: %w", mapError(err))
	}
	defer rows.Close()

	var wallets []accounting.WalletRecord
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, err
		}
		wallets = append(wallets, w)
	}
	return wallets, rows.Err()
}

// =============================================================================
// TRANSACTIONS (append-only)
// =============================================================================

func (s *queries) AppendTransaction(ctx context.Context, tx accounting.Transaction) error {
	itemsJSON, err := json.Marshal(tx.Items)
	if err != nil {
		return fmt.Errorf("failed to encode items: %w", err)
	}
	var allocationID sql.NullString
	if tx.AllocationID != nil {
		allocationID = nullString(string(*tx.AllocationID))
	}

	_, err = s.q.ExecContext(ctx, `
		INSERT INTO transactions
		(id, kind, wallet_id, owner, category_name, category_provider, delta, success,
		 fingerprint, allocation_id, description, initiated_by, items_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID, tx.Kind, tx.WalletID, tx.Owner.Key(), tx.Category.Name, tx.Category.Provider,
		tx.Delta.String(), tx.Success, tx.Fingerprint, allocationID,
		nullString(tx.Description), nullString(tx.InitiatedBy), string(itemsJSON), formatTime(tx.CreatedAt),
	)
	if err != nil {
		err = mapError(err)
		if errors.Is(err, errUniqueViolation) {
			return accounting.ErrDuplicateTransaction
		}
		return fmt.Errorf("failed to append transaction: %w", err)
	}

	for i, e := range tx.Entries {
		_, err := s.q.ExecContext(ctx, `
			INSERT INTO transaction_entries (transaction_id, position, allocation_id, wallet_id, local_delta, tree_delta)
			VALUES (?, ?, ?, ?, ?, ?)`,
			tx.ID, i, e.AllocationID, e.WalletID, e.LocalDelta.String(), e.TreeDelta.String(),
		)
		if err != nil {
			return fmt.Errorf("failed to append transaction entry: %w", mapError(err))
		}
	}
	return nil
}

const transactionColumns = `id, kind, wallet_id, owner, category_name, category_provider, delta, success,
	fingerprint, allocation_id, description, initiated_by, items_json, created_at`

func (s *queries) GetTransaction(ctx context.Context, id accounting.TransactionID) (accounting.Transaction, error) {
	txs, err := s.queryTransactions(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = ?`, id)
	if err != nil {
		return accounting.Transaction{}, err
	}
	if len(txs) == 0 {
		return accounting.Transaction{}, accounting.ErrTransactionNotFound
	}
	return txs[0], nil
}

func (s *queries) TransactionsByWallet(ctx context.Context, id accounting.WalletID, limit int) ([]accounting.Transaction, error) {
	query := `
		SELECT ` + transactionColumns + ` FROM transactions
		WHERE wallet_id = ?
		   OR id IN (SELECT transaction_id FROM transaction_entries WHERE wallet_id = ?)
		ORDER BY seq DESC`
	args := []any{id, id}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryTransactions(ctx, query, args...)
}

func (s *queries) queryTransactions(ctx context.Context, query string, args ...any) ([]accounting.Transaction, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", mapError(err))
	}

	var transactions []accounting.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		transactions = append(transactions, tx)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	// Entries are loaded after the outer cursor is closed: the single
	// connection cannot serve a second query while rows are open.
	for i := range transactions {
		entries, err := s.entries(ctx, transactions[i].ID)
		if err != nil {
			return nil, err
		}
		transactions[i].Entries = entries
	}
	return transactions, nil
}

func (s *queries) entries(ctx context.Context, id accounting.TransactionID) ([]accounting.Entry, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT allocation_id, wallet_id, local_delta, tree_delta
		FROM transaction_entries WHERE transaction_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", mapError(err))
	}
	defer rows.Close()

	var entries []accounting.Entry
	for rows.Next() {
		var (
			e           accounting.Entry
			local, tree string
		)
		if err := rows.Scan(&e.AllocationID, &e.WalletID, &local, &tree); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		if e.LocalDelta, err = decimal.NewFromString(local); err != nil {
			return nil, fmt.Errorf("entry local delta: %w", err)
		}
		if e.TreeDelta, err = decimal.NewFromString(tree); err != nil {
			return nil, fmt.Errorf("entry tree delta: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// SCANNING
// =============================================================================

type scanner interface {
	Scan(dest ...any) error
}

func scanAllocation(row scanner) (accounting.Allocation, error) {
	var (
		a                           accounting.Allocation
		parentID, endDate           sql.NullString
		path, owner, name, provider string
		quota, local, tree, usage   string
		startDate, createdAt        string
	)
	err := row.Scan(&a.ID, &parentID, &path, &a.WalletID, &owner, &name, &provider,
		&quota, &local, &tree, &usage, &startDate, &endDate, &a.CanAllocate, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return a, err
		}
		return a, fmt.Errorf("failed to scan allocation: %w", err)
	}

	if parentID.Valid {
		p := accounting.AllocationID(parentID.String)
		a.ParentID = &p
	}
	a.Path = decodePath(path)
	a.Category = accounting.CategoryID{Name: name, Provider: provider}
	if a.Owner, err = accounting.ParseOwner(owner); err != nil {
		return a, err
	}
	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{{&a.Quota, quota}, {&a.LocalBalance, local}, {&a.TreeBalance, tree}, {&a.DifferentialUsage, usage}} {
		if *f.dst, err = decimal.NewFromString(f.src); err != nil {
			return a, fmt.Errorf("allocation %s: %w", a.ID, err)
		}
	}

	start, err := parseTime(startDate)
	if err != nil {
		return a, err
	}
	var end *time.Time
	if endDate.Valid {
		e, err := parseTime(endDate.String)
		if err != nil {
			return a, err
		}
		end = &e
	}
	a.Window = accounting.NewWindow(start, end)
	a.CreatedAt, err = parseTime(createdAt)
	return a, err
}

func scanWallet(row scanner) (accounting.WalletRecord, error) {
	var (
		w                     accounting.WalletRecord
		owner, name, provider string
		createdAt             string
	)
	if err := row.Scan(&w.ID, &owner, &name, &provider, &w.Policy, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return w, err
		}
		return w, fmt.Errorf("failed to scan wallet: %w", err)
	}
	var err error
	if w.Owner, err = accounting.ParseOwner(owner); err != nil {
		return w, err
	}
	w.Category = accounting.CategoryID{Name: name, Provider: provider}
	w.CreatedAt, err = parseTime(createdAt)
	return w, err
}

func scanTransaction(row scanner) (accounting.Transaction, error) {
	var (
		tx                        accounting.Transaction
		owner, name, provider     string
		delta, createdAt          string
		allocationID, description sql.NullString
		initiatedBy, itemsJSON    sql.NullString
	)
	err := row.Scan(&tx.ID, &tx.Kind, &tx.WalletID, &owner, &name, &provider, &delta, &tx.Success,
		&tx.Fingerprint, &allocationID, &description, &initiatedBy, &itemsJSON, &createdAt)
	if err != nil {
		return tx, fmt.Errorf("failed to scan transaction: %w", err)
	}

	if tx.Owner, err = accounting.ParseOwner(owner); err != nil {
		return tx, err
	}
	tx.Category = accounting.CategoryID{Name: name, Provider: provider}
	if tx.Delta, err = decimal.NewFromString(delta); err != nil {
		return tx, fmt.Errorf("transaction %s delta: %w", tx.ID, err)
	}
	if allocationID.Valid {
		id := accounting.AllocationID(allocationID.String)
		tx.AllocationID = &id
	}
	tx.Description = description.String
	tx.InitiatedBy = initiatedBy.String
	if itemsJSON.Valid && itemsJSON.String != "" && itemsJSON.String != "null" {
		if err := json.Unmarshal([]byte(itemsJSON.String), &tx.Items); err != nil {
			return tx, fmt.Errorf("transaction %s items: %w", tx.ID, err)
		}
	}
	tx.CreatedAt, err = parseTime(createdAt)
	return tx, err
}

// =============================================================================
// HELPERS
// =============================================================================

func encodePath(path []accounting.AllocationID) string {
	var b strings.Builder
	b.WriteByte('/')
	for _, id := range path {
		b.WriteString(string(id))
		b.WriteByte('/')
	}
	return b.String()
}

func decodePath(s string) []accounting.AllocationID {
	parts := strings.Split(strings.Trim(s, "/"), "/")
	path := make([]accounting.AllocationID, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			path = append(path, accounting.AllocationID(p))
		}
	}
	return path
}

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return nullString(formatTime(*t))
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse time %q: %w", s, err)
	}
	return t, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

var errUniqueViolation = errors.New("unique constraint violation")

// mapError translates SQLite result codes into store sentinels.
func mapError(err error) error {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return err
	}
	switch {
	case sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique,
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey:
		return fmt.Errorf("%w: %w", errUniqueViolation, err)
	case sqliteErr.Code == sqlite3.ErrBusy, sqliteErr.Code == sqlite3.ErrLocked:
		return fmt.Errorf("%w: %w", accounting.ErrConcurrentModification, err)
	}
	return err
}
