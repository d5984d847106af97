/*
handlers.go - HTTP API handlers for the accounting engine

PURPOSE:
  Exposes the accounting service via a thin REST surface. Handles HTTP
  request/response and JSON serialization, and delegates every rule to the
  engine.

ENDPOINTS:
  Catalog:
    GET    /api/categories                          List product categories

  Wallets:
    GET    /api/wallets?owner=<owner>               Wallets of an owner
    GET    /api/wallets/{owner}/{category}          One wallet
    GET    /api/wallets/{owner}/{category}/transactions  Wallet history

  Allocations:
    POST   /api/allocations                         Sub-allocate
    GET    /api/allocations/{id}                    Get allocation
    PATCH  /api/allocations/{id}                    Update quota / window
    GET    /api/allocations/{id}/ancestors          Root..parent
    GET    /api/allocations/{id}/descendants        Whole subtree

  Charges:
    POST   /api/charges                             Report usage (batch)

  Ledger:
    GET    /api/transactions/{id}                   Get transaction

  Admin (bearer token):
    POST   /api/admin/root-allocations              Privileged root deposit
    POST   /api/admin/charges                       Debug charge
    POST   /api/admin/reset                         Differential reset
    POST   /api/admin/sweep                         Run the lapse sweep now
    POST   /api/admin/scenarios/load                Seed a demo scenario

  Scenarios:
    GET    /api/scenarios                           List demo scenarios

QUERY PARAMETERS:
  include_inactive=true  also return allocations outside their window
  limit=N                history length (default 50)

CALLER IDENTITY:
  The upstream authorization layer forwards the acting user in the
  X-Initiated-By header; it is recorded on every transaction.

ERROR HANDLING:
  Errors are returned as JSON with a status derived from the error class:
  - 400: Validation errors, invalid input, transaction id reuse
  - 403: Missing administrative capability
  - 404: Allocation, wallet or transaction not found
  - 409: Conflict after bounded retries (safe to retry)
  - 503: Store unavailable
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - accounting/service.go: The operations called here
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/warp/accounting-engine/accounting"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// CategoryLister lists the product catalog.
type CategoryLister interface {
	Categories() []accounting.ProductCategory
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service *accounting.Service
	Catalog CategoryLister
	Sweeper *LapseSweeper
	Log     zerolog.Logger
}

func NewHandler(svc *accounting.Service, catalog CategoryLister, sweeper *LapseSweeper, log zerolog.Logger) *Handler {
	return &Handler{
		Service: svc,
		Catalog: catalog,
		Sweeper: sweeper,
		Log:     log.With().Str("component", "api").Logger(),
	}
}

const (
	headerInitiatedBy = "X-Initiated-By"
	defaultHistory    = 50
	maxHistory        = 1000
)

// =============================================================================
// CATALOG
// =============================================================================

// ListCategories returns the product catalog.
// GET /api/categories
func (h *Handler) ListCategories(w http.ResponseWriter, r *http.Request) {
	cats := h.Catalog.Categories()
	dtos := make([]CategoryDTO, len(cats))
	for i, c := range cats {
		dtos[i] = toCategoryDTO(c)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// WALLET HANDLERS
// =============================================================================

// ListWallets returns every wallet of the owner named in ?owner=.
// GET /api/wallets
func (h *Handler) ListWallets(w http.ResponseWriter, r *http.Request) {
	owner, err := accounting.ParseOwner(r.URL.Query().Get("owner"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid owner", err)
		return
	}

	wallets, err := h.Service.WalletsByOwner(r.Context(), owner, findOptions(r))
	if err != nil {
		h.writeServiceError(w, "Failed to list wallets", err)
		return
	}

	dtos := make([]WalletDTO, len(wallets))
	for i, wallet := range wallets {
		dtos[i] = toWalletDTO(wallet)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetWallet returns one wallet with its allocations.
// GET /api/wallets/{owner}/{category}
func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	owner, category, ok := walletParams(w, r)
	if !ok {
		return
	}

	wallet, err := h.Service.FindWallet(r.Context(), owner, category, findOptions(r))
	if err != nil {
		h.writeServiceError(w, "Failed to get wallet", err)
		return
	}
	writeJSON(w, http.StatusOK, toWalletDTO(*wallet))
}

// GetWalletTransactions returns the wallet's ledger, newest first.
// GET /api/wallets/{owner}/{category}/transactions
func (h *Handler) GetWalletTransactions(w http.ResponseWriter, r *http.Request) {
	owner, category, ok := walletParams(w, r)
	if !ok {
		return
	}

	limit := defaultHistory
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		limit = min(n, maxHistory)
	}

	txs, err := h.Service.History(r.Context(), owner, category, limit)
	if err != nil {
		h.writeServiceError(w, "Failed to get transactions", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTOs(txs))
}

// =============================================================================
// ALLOCATION HANDLERS
// =============================================================================

// SubAllocate creates a child allocation under an allocatable parent.
// POST /api/allocations
func (h *Handler) SubAllocate(w http.ResponseWriter, r *http.Request) {
	var req SubAllocationRequest
	if !decode(w, r, &req) {
		return
	}
	owner, err := accounting.ParseOwner(req.Owner)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid owner", err)
		return
	}

	sub := accounting.SubAllocation{
		TransactionID: accounting.TransactionID(req.TransactionID),
		ParentID:      accounting.AllocationID(req.ParentID),
		Owner:         owner,
		Quota:         req.Quota,
		End:           req.End,
		InheritEnd:    req.InheritEnd,
		CanAllocate:   req.CanAllocate,
		Description:   req.Description,
		InitiatedBy:   r.Header.Get(headerInitiatedBy),
	}
	if req.Start != nil {
		sub.Start = *req.Start
	}

	id, err := h.Service.SubAllocate(r.Context(), sub)
	if err != nil {
		h.writeServiceError(w, "Failed to create allocation", err)
		return
	}
	writeJSON(w, http.StatusCreated, CreatedAllocationDTO{AllocationID: string(id)})
}

// GetAllocation returns a single allocation.
// GET /api/allocations/{id}
func (h *Handler) GetAllocation(w http.ResponseWriter, r *http.Request) {
	id := accounting.AllocationID(chi.URLParam(r, "id"))

	a, err := h.Service.GetAllocation(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, "Failed to get allocation", err)
		return
	}
	writeJSON(w, http.StatusOK, toAllocationDTO(a))
}

// UpdateAllocation changes an allocation's quota or validity window.
// PATCH /api/allocations/{id}
func (h *Handler) UpdateAllocation(w http.ResponseWriter, r *http.Request) {
	var req AllocationUpdateRequest
	if !decode(w, r, &req) {
		return
	}
	id := accounting.AllocationID(chi.URLParam(r, "id"))

	err := h.Service.UpdateAllocation(r.Context(), accounting.AllocationUpdate{
		TransactionID: accounting.TransactionID(req.TransactionID),
		AllocationID:  id,
		Quota:         req.Quota,
		Start:         req.Start,
		End:           req.End,
		ClearEnd:      req.ClearEnd,
		Reason:        req.Reason,
		InitiatedBy:   r.Header.Get(headerInitiatedBy),
	})
	if err != nil {
		h.writeServiceError(w, "Failed to update allocation", err)
		return
	}

	a, err := h.Service.GetAllocation(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, "Failed to get allocation", err)
		return
	}
	writeJSON(w, http.StatusOK, toAllocationDTO(a))
}

// GetAncestors returns the allocation's ancestors, root first.
// GET /api/allocations/{id}/ancestors
func (h *Handler) GetAncestors(w http.ResponseWriter, r *http.Request) {
	allocs, err := h.Service.Ancestors(r.Context(), accounting.AllocationID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeServiceError(w, "Failed to get ancestors", err)
		return
	}
	writeJSON(w, http.StatusOK, toAllocationDTOs(allocs))
}

// GetDescendants returns every allocation below the given one.
// GET /api/allocations/{id}/descendants
func (h *Handler) GetDescendants(w http.ResponseWriter, r *http.Request) {
	allocs, err := h.Service.Descendants(r.Context(), accounting.AllocationID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeServiceError(w, "Failed to get descendants", err)
		return
	}
	writeJSON(w, http.StatusOK, toAllocationDTOs(allocs))
}

// =============================================================================
// CHARGE HANDLERS
// =============================================================================

// Charge applies a batch of usage reports. The response carries one result
// per item, in order; a failed item does not fail the request.
// POST /api/charges
func (h *Handler) Charge(w http.ResponseWriter, r *http.Request) {
	h.charge(w, r, false)
}

// AdminCharge is Charge with the administrative flag set.
// POST /api/admin/charges
func (h *Handler) AdminCharge(w http.ResponseWriter, r *http.Request) {
	h.charge(w, r, true)
}

func (h *Handler) charge(w http.ResponseWriter, r *http.Request, admin bool) {
	var req ChargeBatchRequest
	if !decode(w, r, &req) {
		return
	}
	if len(req.Items) == 0 {
		writeError(w, http.StatusBadRequest, "Batch has no items", nil)
		return
	}

	initiatedBy := r.Header.Get(headerInitiatedBy)
	requests := make([]accounting.ChargeRequest, len(req.Items))
	for i, item := range req.Items {
		cr, err := toChargeRequest(item)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid item %d", i), err)
			return
		}
		cr.Admin = admin
		cr.InitiatedBy = initiatedBy
		requests[i] = cr
	}

	results, err := h.Service.Charge(r.Context(), requests)
	if err != nil {
		h.writeServiceError(w, "Failed to apply charges", err)
		return
	}
	writeJSON(w, http.StatusOK, toChargeResultDTOs(results))
}

func toChargeRequest(item ChargeItemRequest) (accounting.ChargeRequest, error) {
	owner, err := accounting.ParseOwner(item.Owner)
	if err != nil {
		return accounting.ChargeRequest{}, err
	}
	category, err := accounting.ParseCategoryID(item.Category)
	if err != nil {
		return accounting.ChargeRequest{}, err
	}
	cr := accounting.ChargeRequest{
		TransactionID: accounting.TransactionID(item.TransactionID),
		Owner:         owner,
		Category:      category,
		Units:         item.Units,
		Periods:       1,
		PricePerUnit:  item.PricePerUnit,
		Kind:          accounting.ChargeModel(item.Kind),
		Description:   item.Description,
	}
	if item.Periods != nil {
		cr.Periods = *item.Periods
	}
	if err := cr.ValidateAmounts(); err != nil {
		return accounting.ChargeRequest{}, err
	}
	for _, it := range item.Items {
		cr.Items = append(cr.Items, accounting.Item{Description: it.Description, Amount: it.Amount})
	}
	return cr, nil
}

// =============================================================================
// LEDGER HANDLERS
// =============================================================================

// GetTransaction returns a recorded transaction.
// GET /api/transactions/{id}
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := h.Service.Transaction(r.Context(), accounting.TransactionID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeServiceError(w, "Failed to get transaction", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTO(tx))
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// RootAllocate creates a root allocation.
// POST /api/admin/root-allocations
func (h *Handler) RootAllocate(w http.ResponseWriter, r *http.Request) {
	var req RootAllocationRequest
	if !decode(w, r, &req) {
		return
	}
	owner, err := accounting.ParseOwner(req.Owner)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid owner", err)
		return
	}
	category, err := accounting.ParseCategoryID(req.Category)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid category", err)
		return
	}

	root := accounting.RootAllocation{
		TransactionID: accounting.TransactionID(req.TransactionID),
		Owner:         owner,
		Category:      category,
		Quota:         req.Quota,
		End:           req.End,
		CanAllocate:   req.CanAllocate,
		Privileged:    true,
		Description:   req.Description,
		InitiatedBy:   r.Header.Get(headerInitiatedBy),
	}
	if req.Start != nil {
		root.Start = *req.Start
	}

	id, err := h.Service.RootAllocate(r.Context(), root)
	if err != nil {
		h.writeServiceError(w, "Failed to create root allocation", err)
		return
	}
	writeJSON(w, http.StatusCreated, CreatedAllocationDTO{AllocationID: string(id)})
}

// Reset zeroes the differential usage of every wallet in a category.
// POST /api/admin/reset
func (h *Handler) Reset(w http.ResponseWriter, r *http.Request) {
	var req ResetRequest
	if !decode(w, r, &req) {
		return
	}
	category, err := accounting.ParseCategoryID(req.Category)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid category", err)
		return
	}

	results, err := h.Service.Reset(r.Context(), category, accounting.ResetOptions{
		Admin:             true,
		TransactionPrefix: req.TransactionPrefix,
		InitiatedBy:       r.Header.Get(headerInitiatedBy),
	})
	if err != nil {
		h.writeServiceError(w, "Failed to reset category", err)
		return
	}
	writeJSON(w, http.StatusOK, ResetResultDTO{
		Category: category.String(),
		Results:  toChargeResultDTOs(results),
	})
}

// Sweep notifies wallets whose allocations lapsed in (from, to]. Without a
// body it runs the background sweeper's next pass immediately.
// POST /api/admin/sweep
func (h *Handler) Sweep(w http.ResponseWriter, r *http.Request) {
	if r.ContentLength == 0 {
		if h.Sweeper == nil {
			writeError(w, http.StatusBadRequest, "No sweeper configured; pass from/to", nil)
			return
		}
		n, err := h.Sweeper.RunNow(r.Context())
		if err != nil {
			h.writeServiceError(w, "Sweep failed", err)
			return
		}
		writeJSON(w, http.StatusOK, SweepResultDTO{Wallets: n})
		return
	}

	var req SweepRequest
	if !decode(w, r, &req) {
		return
	}
	to := time.Now().UTC()
	if req.To != nil {
		to = *req.To
	}
	if !req.From.Before(to) {
		writeError(w, http.StatusBadRequest, "from must be before to", nil)
		return
	}

	n, err := h.Service.SweepLapsed(r.Context(), req.From, to)
	if err != nil {
		h.writeServiceError(w, "Sweep failed", err)
		return
	}
	writeJSON(w, http.StatusOK, SweepResultDTO{Wallets: n})
}

// =============================================================================
// HELPERS
// =============================================================================

func walletParams(w http.ResponseWriter, r *http.Request) (accounting.Owner, accounting.CategoryID, bool) {
	owner, err := accounting.ParseOwner(chi.URLParam(r, "owner"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid owner", err)
		return accounting.Owner{}, accounting.CategoryID{}, false
	}
	category, err := accounting.ParseCategoryID(chi.URLParam(r, "category"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid category", err)
		return accounting.Owner{}, accounting.CategoryID{}, false
	}
	return owner, category, true
}

func findOptions(r *http.Request) accounting.FindOptions {
	include, _ := strconv.ParseBool(r.URL.Query().Get("include_inactive"))
	return accounting.FindOptions{IncludeInactive: include}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

// statusFor maps engine errors to HTTP statuses.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, accounting.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case accounting.IsNotFound(err):
		return http.StatusNotFound, "not_found"
	case accounting.IsClientError(err):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, accounting.ErrUnavailable):
		return http.StatusServiceUnavailable, "unavailable"
	case errors.Is(err, accounting.ErrConflict), accounting.IsRetryable(err):
		return http.StatusConflict, "conflict"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (h *Handler) writeServiceError(w http.ResponseWriter, message string, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.Log.Error().Err(err).Msg(message)
	}
	writeJSON(w, status, ErrorResponse{Error: message, Code: code, Details: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
