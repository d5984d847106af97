/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures of the admin HTTP surface. These types
  decouple the engine's model from the wire contract:
  - snake_case field names
  - owners as "user:<name>" / "project:<id>", categories as "name@provider"
  - amounts as decimal strings (never floats)

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Charges:
    ChargeBatchRequest, ChargeItemRequest, ChargeResultDTO

  Allocations:
    SubAllocationRequest, RootAllocationRequest, AllocationUpdateRequest,
    AllocationDTO, CreatedAllocationDTO

  Wallets:
    WalletDTO

  Ledger:
    TransactionDTO, EntryDTO, ItemDTO

  Admin:
    ResetRequest, SweepRequest, SweepResultDTO

VALIDATION:
  Owner and category strings are parsed in the handlers; every other rule
  is enforced by the engine. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - accounting/types.go: Domain model
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/accounting-engine/accounting"
)

// =============================================================================
// CHARGES
// =============================================================================

type ChargeBatchRequest struct {
	Items []ChargeItemRequest `json:"items"`
}

type ChargeItemRequest struct {
	TransactionID string          `json:"transaction_id,omitempty"`
	Owner         string          `json:"owner"`
	Category      string          `json:"category"`
	Units         decimal.Decimal `json:"units"`
	Periods       *int64          `json:"periods,omitempty"` // absent means 1
	PricePerUnit  decimal.Decimal `json:"price_per_unit"`
	Kind          string          `json:"kind,omitempty"` // absolute | differential
	Description   string          `json:"description,omitempty"`
	Items         []ItemDTO       `json:"line_items,omitempty"`
}

type ChargeResultDTO struct {
	TransactionID string          `json:"transaction_id"`
	Success       bool            `json:"success"`
	Replayed      bool            `json:"replayed,omitempty"`
	Delta         decimal.Decimal `json:"delta"`
	Entries       []EntryDTO      `json:"entries,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// =============================================================================
// ALLOCATIONS
// =============================================================================

type SubAllocationRequest struct {
	TransactionID string          `json:"transaction_id,omitempty"`
	ParentID      string          `json:"parent_id"`
	Owner         string          `json:"owner"`
	Quota         decimal.Decimal `json:"quota"`
	Start         *time.Time      `json:"start,omitempty"`
	End           *time.Time      `json:"end,omitempty"`
	InheritEnd    bool            `json:"inherit_end,omitempty"`
	CanAllocate   bool            `json:"can_allocate"`
	Description   string          `json:"description,omitempty"`
}

type RootAllocationRequest struct {
	TransactionID string          `json:"transaction_id,omitempty"`
	Owner         string          `json:"owner"`
	Category      string          `json:"category"`
	Quota         decimal.Decimal `json:"quota"`
	Start         *time.Time      `json:"start,omitempty"`
	End           *time.Time      `json:"end,omitempty"`
	CanAllocate   bool            `json:"can_allocate"`
	Description   string          `json:"description,omitempty"`
}

type AllocationUpdateRequest struct {
	TransactionID string           `json:"transaction_id,omitempty"`
	Quota         *decimal.Decimal `json:"quota,omitempty"`
	Start         *time.Time       `json:"start,omitempty"`
	End           *time.Time       `json:"end,omitempty"`
	ClearEnd      bool             `json:"clear_end,omitempty"`
	Reason        string           `json:"reason"`
}

type CreatedAllocationDTO struct {
	AllocationID string `json:"allocation_id"`
}

type AllocationDTO struct {
	ID                string          `json:"id"`
	ParentID          *string         `json:"parent_id,omitempty"`
	Path              []string        `json:"path"`
	WalletID          string          `json:"wallet_id"`
	Owner             string          `json:"owner"`
	Category          string          `json:"category"`
	Quota             decimal.Decimal `json:"quota"`
	LocalBalance      decimal.Decimal `json:"local_balance"`
	TreeBalance       decimal.Decimal `json:"tree_balance"`
	DifferentialUsage decimal.Decimal `json:"differential_usage"`
	Start             time.Time       `json:"start"`
	End               *time.Time      `json:"end,omitempty"`
	CanAllocate       bool            `json:"can_allocate"`
	CreatedAt         time.Time       `json:"created_at"`
}

// =============================================================================
// WALLETS
// =============================================================================

type WalletDTO struct {
	ID               string          `json:"id"`
	Owner            string          `json:"owner"`
	Category         string          `json:"category"`
	Policy           string          `json:"policy"`
	TotalTreeBalance decimal.Decimal `json:"total_tree_balance"`
	Locked           bool            `json:"locked"`
	Allocations      []AllocationDTO `json:"allocations"`
}

// =============================================================================
// LEDGER
// =============================================================================

type TransactionDTO struct {
	ID           string          `json:"id"`
	Kind         string          `json:"kind"`
	WalletID     string          `json:"wallet_id"`
	Owner        string          `json:"owner"`
	Category     string          `json:"category"`
	Delta        decimal.Decimal `json:"delta"`
	Success      bool            `json:"success"`
	AllocationID *string         `json:"allocation_id,omitempty"`
	Entries      []EntryDTO      `json:"entries"`
	Items        []ItemDTO       `json:"line_items,omitempty"`
	Description  string          `json:"description,omitempty"`
	InitiatedBy  string          `json:"initiated_by,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

type EntryDTO struct {
	AllocationID string          `json:"allocation_id"`
	WalletID     string          `json:"wallet_id"`
	LocalDelta   decimal.Decimal `json:"local_delta"`
	TreeDelta    decimal.Decimal `json:"tree_delta"`
}

type ItemDTO struct {
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
}

// =============================================================================
// ADMIN
// =============================================================================

type ResetRequest struct {
	Category          string `json:"category"`
	TransactionPrefix string `json:"transaction_prefix,omitempty"`
}

type ResetResultDTO struct {
	Category string            `json:"category"`
	Results  []ChargeResultDTO `json:"results"`
}

type SweepRequest struct {
	From time.Time  `json:"from"`
	To   *time.Time `json:"to,omitempty"`
}

type SweepResultDTO struct {
	Wallets int `json:"wallets"`
}

type CategoryDTO struct {
	Name        string `json:"name"`
	Provider    string `json:"provider"`
	ChargeModel string `json:"charge_model"`
	Frequency   string `json:"frequency"`
	Unit        string `json:"unit,omitempty"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toAllocationDTO(a accounting.Allocation) AllocationDTO {
	dto := AllocationDTO{
		ID:                string(a.ID),
		Path:              make([]string, len(a.Path)),
		WalletID:          string(a.WalletID),
		Owner:             a.Owner.Key(),
		Category:          a.Category.String(),
		Quota:             a.Quota,
		LocalBalance:      a.LocalBalance,
		TreeBalance:       a.TreeBalance,
		DifferentialUsage: a.DifferentialUsage,
		Start:             a.Window.Start,
		End:               a.Window.End,
		CanAllocate:       a.CanAllocate,
		CreatedAt:         a.CreatedAt,
	}
	if a.ParentID != nil {
		p := string(*a.ParentID)
		dto.ParentID = &p
	}
	for i, id := range a.Path {
		dto.Path[i] = string(id)
	}
	return dto
}

func toAllocationDTOs(allocs []accounting.Allocation) []AllocationDTO {
	dtos := make([]AllocationDTO, len(allocs))
	for i, a := range allocs {
		dtos[i] = toAllocationDTO(a)
	}
	return dtos
}

func toWalletDTO(w accounting.Wallet) WalletDTO {
	return WalletDTO{
		ID:               string(w.ID),
		Owner:            w.Owner.Key(),
		Category:         w.Category.String(),
		Policy:           string(w.Policy),
		TotalTreeBalance: w.TotalTreeBalance(),
		Locked:           w.Locked(),
		Allocations:      toAllocationDTOs(w.Allocations),
	}
}

func toEntryDTOs(entries []accounting.Entry) []EntryDTO {
	dtos := make([]EntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = EntryDTO{
			AllocationID: string(e.AllocationID),
			WalletID:     string(e.WalletID),
			LocalDelta:   e.LocalDelta,
			TreeDelta:    e.TreeDelta,
		}
	}
	return dtos
}

func toTransactionDTO(tx accounting.Transaction) TransactionDTO {
	dto := TransactionDTO{
		ID:          string(tx.ID),
		Kind:        string(tx.Kind),
		WalletID:    string(tx.WalletID),
		Owner:       tx.Owner.Key(),
		Category:    tx.Category.String(),
		Delta:       tx.Delta,
		Success:     tx.Success,
		Entries:     toEntryDTOs(tx.Entries),
		Description: tx.Description,
		InitiatedBy: tx.InitiatedBy,
		CreatedAt:   tx.CreatedAt,
	}
	if tx.AllocationID != nil {
		id := string(*tx.AllocationID)
		dto.AllocationID = &id
	}
	for _, it := range tx.Items {
		dto.Items = append(dto.Items, ItemDTO{Description: it.Description, Amount: it.Amount})
	}
	return dto
}

func toTransactionDTOs(txs []accounting.Transaction) []TransactionDTO {
	dtos := make([]TransactionDTO, len(txs))
	for i, tx := range txs {
		dtos[i] = toTransactionDTO(tx)
	}
	return dtos
}

func toChargeResultDTOs(results []accounting.ChargeResult) []ChargeResultDTO {
	dtos := make([]ChargeResultDTO, len(results))
	for i, r := range results {
		dtos[i] = ChargeResultDTO{
			TransactionID: string(r.TransactionID),
			Success:       r.Success,
			Replayed:      r.Replayed,
			Delta:         r.Delta,
			Entries:       toEntryDTOs(r.Entries),
		}
		if r.Err != nil {
			dtos[i].Error = r.Err.Error()
		}
	}
	return dtos
}

func toCategoryDTO(p accounting.ProductCategory) CategoryDTO {
	return CategoryDTO{
		Name:        p.ID.Name,
		Provider:    p.ID.Provider,
		ChargeModel: string(p.Model),
		Frequency:   string(p.Frequency),
		Unit:        p.Unit,
	}
}
