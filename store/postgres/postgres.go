/*
Package postgres provides a PostgreSQL implementation of accounting.TxStore.

PURPOSE:
  Multi-instance storage. Several engine processes may charge the same tree
  concurrently; the in-process lock manager only serializes one process, so
  this store provides isolation across processes.

ISOLATION:
  WithTx runs SERIALIZABLE and reads allocations with SELECT ... FOR UPDATE.
  Serialization failures (40001) and deadlocks (40P01) are reported as
  accounting.ErrConcurrentModification; the engine retries them with backoff.

IDEMPOTENT APPEND:
  Transactions are inserted with ON CONFLICT (id) DO NOTHING. A duplicate ID
  does not abort the surrounding transaction, so the ledger can re-read the
  committed record in the same transaction.

ENCODING:
  Amounts are NUMERIC, read back as ::text and parsed into decimal.Decimal.
  Paths are TEXT "/root/mid/leaf/" and descendants are found by prefix.

SCHEMA:
  Managed by goose; migrations are embedded (migrations/*.sql). See
  RunMigrations.
*/
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/warp/accounting-engine/accounting"
)

// Store implements accounting.TxStore on a pgx pool.
type Store struct {
	queries
	pool *pgxpool.Pool
}

var _ accounting.TxStore = (*Store)(nil)

// Connect opens a pool and verifies it with a ping.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}
	return pool, nil
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{queries: queries{q: pool}, pool: pool}
}

func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// WithTx executes fn within a SERIALIZABLE transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store accounting.Store) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", mapError(err))
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&queries{q: tx, forUpdate: true}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit: %w", mapError(err))
	}
	return nil
}

// =============================================================================
// QUERIES - Shared by the pool and a transaction
// =============================================================================

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type queries struct {
	q querier
	// forUpdate row-locks allocations read inside a transaction.
	forUpdate bool
}

const allocationColumns = `id, parent_id, path, wallet_id, owner, category_name, category_provider,
	quota::text, local_balance::text, tree_balance::text, differential_usage::text,
	start_date, end_date, can_allocate, created_at`

func (s *queries) GetAllocation(ctx context.Context, id accounting.AllocationID) (accounting.Allocation, error) {
	query := `SELECT ` + allocationColumns + ` FROM allocations WHERE id = $1`
	if s.forUpdate {
		query += ` FOR UPDATE`
	}
	a, err := scanAllocation(s.q.QueryRow(ctx, query, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return accounting.Allocation{}, accounting.ErrAllocationNotFound
	}
	return a, err
}

func (s *queries) InsertAllocation(ctx context.Context, a accounting.Allocation) error {
	var parentID *string
	if a.ParentID != nil {
		p := string(*a.ParentID)
		parentID = &p
	}
	_, err := s.q.Exec(ctx, `
		INSERT INTO allocations
		(id, parent_id, path, depth, wallet_id, owner, category_name, category_provider,
		 quota, local_balance, tree_balance, differential_usage, start_date, end_date, can_allocate, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::numeric, $10::numeric, $11::numeric, $12::numeric, $13, $14, $15, $16)`,
		string(a.ID), parentID, encodePath(a.Path), a.Depth(), string(a.WalletID), a.Owner.Key(),
		a.Category.Name, a.Category.Provider,
		a.Quota.String(), a.LocalBalance.String(), a.TreeBalance.String(), a.DifferentialUsage.String(),
		a.Window.Start.UTC(), utcPtr(a.Window.End), a.CanAllocate, a.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert allocation: %w", mapError(err))
	}
	return nil
}

func (s *queries) UpdateAllocation(ctx context.Context, a accounting.Allocation) error {
	tag, err := s.q.Exec(ctx, `
		UPDATE allocations
		SET quota = $1::numeric, local_balance = $2::numeric, tree_balance = $3::numeric,
		    differential_usage = $4::numeric, start_date = $5, end_date = $6
		WHERE id = $7`,
		a.Quota.String(), a.LocalBalance.String(), a.TreeBalance.String(), a.DifferentialUsage.String(),
		a.Window.Start.UTC(), utcPtr(a.Window.End), string(a.ID),
	)
	if err != nil {
		return fmt.Errorf("failed to update allocation: %w", mapError(err))
	}
	if tag.RowsAffected() == 0 {
		return accounting.ErrAllocationNotFound
	}
	return nil
}

func (s *queries) AllocationsByWallet(ctx context.Context, id accounting.WalletID) ([]accounting.Allocation, error) {
	return s.queryAllocations(ctx, `SELECT `+allocationColumns+` FROM allocations WHERE wallet_id = $1 ORDER BY created_at, id`, string(id))
}

func (s *queries) AllocationsByOwner(ctx context.Context, owner accounting.Owner) ([]accounting.Allocation, error) {
	return s.queryAllocations(ctx, `SELECT `+allocationColumns+` FROM allocations WHERE owner = $1 ORDER BY wallet_id, created_at, id`, owner.Key())
}

func (s *queries) Descendants(ctx context.Context, id accounting.AllocationID) ([]accounting.Allocation, error) {
	root, err := s.GetAllocation(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.queryAllocations(ctx, `
		SELECT `+allocationColumns+` FROM allocations
		WHERE left(path, length($1)) = $1 AND id <> $2
		ORDER BY depth, id`, encodePath(root.Path), string(id))
}

func (s *queries) AllocationsEndingBetween(ctx context.Context, from, to time.Time) ([]accounting.Allocation, error) {
	return s.queryAllocations(ctx, `
		SELECT `+allocationColumns+` FROM allocations
		WHERE end_date > $1 AND end_date <= $2
		ORDER BY id`, from.UTC(), to.UTC())
}

func (s *queries) queryAllocations(ctx context.Context, query string, args ...any) ([]accounting.Allocation, error) {
	rows, err := s.q.Query(ctx, query, args...)
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
	return allocations, mapError(rows.Err())
}

// =============================================================================
// WALLETS
// =============================================================================

const walletColumns = `id, owner, category_name, category_provider, policy, created_at`

func (s *queries) SaveWallet(ctx context.Context, w accounting.WalletRecord) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO wallets (id, owner, category_name, category_provider, policy, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`,
		string(w.ID), w.Owner.Key(), w.Category.Name, w.Category.Provider, string(w.Policy), w.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save wallet: %w", mapError(err))
	}
	return nil
}

func (s *queries) GetWallet(ctx context.Context, id accounting.WalletID) (accounting.WalletRecord, error) {
	w, err := scanWallet(s.q.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE id = $1`, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return accounting.WalletRecord{}, accounting.ErrWalletNotFound
	}
	return w, err
}

func (s *queries) WalletsByOwner(ctx context.Context, owner accounting.Owner) ([]accounting.WalletRecord, error) {
	return s.queryWallets(ctx, `SELECT `+walletColumns+` FROM wallets WHERE owner = $1 ORDER BY created_at, id`, owner.Key())
}

func (s *queries) WalletsByCategory(ctx context.Context, category accounting.CategoryID) ([]accounting.WalletRecord, error) {
	return s.queryWallets(ctx, `SELECT `+walletColumns+` FROM wallets
		WHERE category_name = $1 AND category_provider = $2 ORDER BY created_at, id`,
		category.Name, category.Provider)
}

func (s *queries) queryWallets(ctx context.Context, query string, args ...any) ([]accounting.WalletRecord, error) {
	rows, err := s.q.Query(ctx, query, args...)
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
	return wallets, mapError(rows.Err())
}

// =============================================================================
// TRANSACTIONS (append-only)
// =============================================================================

func (s *queries) AppendTransaction(ctx context.Context, tx accounting.Transaction) error {
	items := tx.Items
	if items == nil {
		items = []accounting.Item{}
	}
	itemsJSON, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("failed to encode items: %w", err)
	}
	var allocationID *string
	if tx.AllocationID != nil {
		id := string(*tx.AllocationID)
		allocationID = &id
	}

	tag, err := s.q.Exec(ctx, `
		INSERT INTO transactions
		(id, kind, wallet_id, owner, category_name, category_provider, delta, success,
		 fingerprint, allocation_id, description, initiated_by, items, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8, $9, $10, $11, $12, $13::jsonb, $14)
		ON CONFLICT (id) DO NOTHING`,
		string(tx.ID), string(tx.Kind), string(tx.WalletID), tx.Owner.Key(), tx.Category.Name, tx.Category.Provider,
		tx.Delta.String(), tx.Success, tx.Fingerprint, allocationID,
		tx.Description, tx.InitiatedBy, string(itemsJSON), tx.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to append transaction: %w", mapError(err))
	}
	if tag.RowsAffected() == 0 {
		return accounting.ErrDuplicateTransaction
	}

	for i, e := range tx.Entries {
		_, err := s.q.Exec(ctx, `
			INSERT INTO transaction_entries (transaction_id, position, allocation_id, wallet_id, local_delta, tree_delta)
			VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric)`,
			string(tx.ID), i, string(e.AllocationID), string(e.WalletID), e.LocalDelta.String(), e.TreeDelta.String(),
		)
		if err != nil {
			return fmt.Errorf("failed to append transaction entry: %w", mapError(err))
		}
	}
	return nil
}

const transactionColumns = `id, kind, wallet_id, owner, category_name, category_provider, delta::text, success,
	fingerprint, allocation_id, description, initiated_by, items::text, created_at`

func (s *queries) GetTransaction(ctx context.Context, id accounting.TransactionID) (accounting.Transaction, error) {
	txs, err := s.queryTransactions(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, string(id))
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
		WHERE wallet_id = $1
		   OR id IN (SELECT transaction_id FROM transaction_entries WHERE wallet_id = $1)
		ORDER BY seq DESC`
	args := []any{string(id)}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	return s.queryTransactions(ctx, query, args...)
}

func (s *queries) queryTransactions(ctx context.Context, query string, args ...any) ([]accounting.Transaction, error) {
	rows, err := s.q.Query(ctx, query, args...)
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
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, mapError(err)
	}

	// A connection serves one result set at a time; entries are read after
	// the outer rows are closed.
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
	rows, err := s.q.Query(ctx, `
		SELECT allocation_id, wallet_id, local_delta::text, tree_delta::text
		FROM transaction_entries WHERE transaction_id = $1 ORDER BY position`, string(id))
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", mapError(err))
	}
	defer rows.Close()

	var entries []accounting.Entry
	for rows.Next() {
		var allocationID, walletID, local, tree string
		if err := rows.Scan(&allocationID, &walletID, &local, &tree); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		e := accounting.Entry{
			AllocationID: accounting.AllocationID(allocationID),
			WalletID:     accounting.WalletID(walletID),
		}
		if e.LocalDelta, err = decimal.NewFromString(local); err != nil {
			return nil, fmt.Errorf("entry local delta: %w", err)
		}
		if e.TreeDelta, err = decimal.NewFromString(tree); err != nil {
			return nil, fmt.Errorf("entry tree delta: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, mapError(rows.Err())
}

// =============================================================================
// SCANNING
// =============================================================================

func scanAllocation(row pgx.Row) (accounting.Allocation, error) {
	var (
		a                         accounting.Allocation
		id, path, walletID, owner string
		name, provider            string
		parentID                  *string
		quota, local, tree, usage string
		start, createdAt          time.Time
		end                       *time.Time
	)
	err := row.Scan(&id, &parentID, &path, &walletID, &owner, &name, &provider,
		&quota, &local, &tree, &usage, &start, &end, &a.CanAllocate, &createdAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return a, err
		}
		return a, fmt.Errorf("failed to scan allocation: %w", err)
	}

	a.ID = accounting.AllocationID(id)
	if parentID != nil {
		p := accounting.AllocationID(*parentID)
		a.ParentID = &p
	}
	a.Path = decodePath(path)
	a.WalletID = accounting.WalletID(walletID)
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
	a.Window = accounting.NewWindow(start, end)
	a.CreatedAt = createdAt.UTC()
	return a, nil
}

func scanWallet(row pgx.Row) (accounting.WalletRecord, error) {
	var (
		w                                 accounting.WalletRecord
		id, owner, name, provider, policy string
		createdAt                         time.Time
	)
	if err := row.Scan(&id, &owner, &name, &provider, &policy, &createdAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return w, err
		}
		return w, fmt.Errorf("failed to scan wallet: %w", err)
	}
	var err error
	if w.Owner, err = accounting.ParseOwner(owner); err != nil {
		return w, err
	}
	w.ID = accounting.WalletID(id)
	w.Category = accounting.CategoryID{Name: name, Provider: provider}
	w.Policy = accounting.SelectionPolicyName(policy)
	w.CreatedAt = createdAt.UTC()
	return w, nil
}

func scanTransaction(row pgx.Row) (accounting.Transaction, error) {
	var (
		tx                                 accounting.Transaction
		id, kind, walletID, owner          string
		name, provider, delta, fingerprint string
		allocationID                       *string
		description, initiatedBy, items    string
		createdAt                          time.Time
	)
	err := row.Scan(&id, &kind, &walletID, &owner, &name, &provider, &delta, &tx.Success,
		&fingerprint, &allocationID, &description, &initiatedBy, &items, &createdAt)
	if err != nil {
		return tx, fmt.Errorf("failed to scan transaction: %w", err)
	}

	tx.ID = accounting.TransactionID(id)
	tx.Kind = accounting.TransactionKind(kind)
	tx.WalletID = accounting.WalletID(walletID)
	if tx.Owner, err = accounting.ParseOwner(owner); err != nil {
		return tx, err
	}
	tx.Category = accounting.CategoryID{Name: name, Provider: provider}
	if tx.Delta, err = decimal.NewFromString(delta); err != nil {
		return tx, fmt.Errorf("transaction %s delta: %w", id, err)
	}
	tx.Fingerprint = fingerprint
	if allocationID != nil {
		a := accounting.AllocationID(*allocationID)
		tx.AllocationID = &a
	}
	tx.Description = description
	tx.InitiatedBy = initiatedBy
	if err := json.Unmarshal([]byte(items), &tx.Items); err != nil {
		return tx, fmt.Errorf("transaction %s items: %w", id, err)
	}
	if len(tx.Items) == 0 {
		tx.Items = nil
	}
	tx.CreatedAt = createdAt.UTC()
	return tx, nil
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

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// mapError translates PostgreSQL error codes into store sentinels.
func mapError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "40001", "40P01":
		return fmt.Errorf("%w: %w", accounting.ErrConcurrentModification, err)
	case "23505":
		return fmt.Errorf("%w: %w", accounting.ErrDuplicateTransaction, err)
	}
	return err
}
