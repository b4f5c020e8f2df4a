/*
handlers.go - HTTP API handlers for the field cash runtime

PURPOSE:
  Exposes the offline queue, the sync engine and the ledger of one runtime
  session via REST. Handles HTTP request/response and JSON, and delegates
  to the runtime.

ENDPOINTS:
  Queue:
    GET    /api/queue                       Pending-items view
    POST   /api/queue                       Enqueue {kind, payload}
    GET    /api/queue/{id}                  One item
    POST   /api/queue/{id}/retry            Reset and process now
    DELETE /api/queue/{id}                  Drop an item

  Sync:
    POST   /api/sync/flush                  Run one batch now
    POST   /api/sync/signals/connectivity   {online}
    POST   /api/sync/signals/foreground

  Ledger (owner scoped):
    GET    /api/ledger/{owner}/kpis?date=   Day KPIs and closing balance
    GET    /api/ledger/{owner}/entries?date=
    GET    /api/ledger/{owner}/balance      Cash-state cache
    POST   /api/ledger/{owner}/movements    Manual movement (session owner only)
    POST   /api/ledger/{owner}/rollover     Close missing days, open today (session owner only)

  Loans:
    GET    /api/loans/{id}                  Loan with payment history

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 403: Write for an owner other than the session owner
  - 404: Resource not found
  - 409: Duplicate pending item, item busy, store conflict
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/fieldcash/app"
	"github.com/warp/fieldcash/cash"
	"github.com/warp/fieldcash/events"
	"github.com/warp/fieldcash/queue"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler serves one runtime.
type Handler struct {
	Runtime *app.Runtime
	Logger  *zap.Logger
}

func NewHandler(rt *app.Runtime, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{Runtime: rt, Logger: logger.Named("api")}
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"owner":  string(h.Runtime.Session.OwnerID),
	})
}

// =============================================================================
// QUEUE HANDLERS
// =============================================================================

// ListQueue returns every queued item in order.
func (h *Handler) ListQueue(w http.ResponseWriter, r *http.Request) {
	items, err := h.Runtime.Queue.List(r.Context())
	if err != nil {
		h.fail(w, "Failed to list queue", err)
		return
	}

	dto := QueueListDTO{Items: items, Total: len(items)}
	if dto.Items == nil {
		dto.Items = []queue.Item{}
	}
	for _, it := range items {
		if it.Frozen() {
			dto.Frozen++
		}
	}
	writeJSON(w, http.StatusOK, dto)
}

// Enqueue validates and queues one operation.
func (h *Handler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	payload, err := queue.DecodePayload(req.Kind, req.Payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid payload", err)
		return
	}
	if payload.Kind() == queue.KindOther {
		writeError(w, http.StatusBadRequest, "Unsupported kind", fmt.Errorf("%w: %q", cash.ErrUnsupportedKind, req.Kind))
		return
	}

	item, err := h.Runtime.Enqueue(r.Context(), payload)
	if err != nil {
		h.fail(w, "Failed to enqueue", err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

// GetQueueItem returns one item.
func (h *Handler) GetQueueItem(w http.ResponseWriter, r *http.Request) {
	item, err := h.Runtime.Queue.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "Failed to get item", err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// RetryQueueItem resets an item and processes it immediately.
func (h *Handler) RetryQueueItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	if _, err := h.Runtime.Queue.Retry(ctx, id); err != nil {
		h.fail(w, "Failed to retry item", err)
		return
	}

	item, err := h.Runtime.Engine.ProcessOne(ctx, id)
	if err != nil {
		h.fail(w, "Failed to process item", err)
		return
	}
	if item.ID == "" {
		writeJSON(w, http.StatusOK, RetryDTO{Flushed: true})
		return
	}
	writeJSON(w, http.StatusOK, RetryDTO{Item: &item})
}

// DeleteQueueItem drops an item without applying it.
func (h *Handler) DeleteQueueItem(w http.ResponseWriter, r *http.Request) {
	if err := h.Runtime.Queue.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.fail(w, "Failed to delete item", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// SYNC HANDLERS
// =============================================================================

// Flush runs one batch synchronously.
func (h *Handler) Flush(w http.ResponseWriter, r *http.Request) {
	res, err := h.Runtime.Engine.ProcessBatch(r.Context(), h.Runtime.Scheduler.BatchSize)
	if err != nil {
		h.fail(w, "Flush failed", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// SignalConnectivity forwards a connectivity change to the bus.
func (h *Handler) SignalConnectivity(w http.ResponseWriter, r *http.Request) {
	var req ConnectivityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	msg := "online"
	if !req.Online {
		msg = "offline"
	}
	h.Runtime.Bus.Publish(r.Context(), events.Event{
		Topic:   events.TopicConnectivity,
		OwnerID: string(h.Runtime.Session.OwnerID),
		Message: msg,
		Origin:  "api",
	})
	w.WriteHeader(http.StatusAccepted)
}

// SignalForeground forwards an app-foreground signal to the bus.
func (h *Handler) SignalForeground(w http.ResponseWriter, r *http.Request) {
	h.Runtime.Bus.Publish(r.Context(), events.Event{
		Topic:   events.TopicForeground,
		OwnerID: string(h.Runtime.Session.OwnerID),
		Origin:  "api",
	})
	w.WriteHeader(http.StatusAccepted)
}

// =============================================================================
// LEDGER HANDLERS
// =============================================================================

// GetKPIs returns the KPIs of one owner-day. Without an opening entry the
// opening base is derived the same way a close would.
func (h *Handler) GetKPIs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	owner := cash.OwnerID(chi.URLParam(r, "owner"))
	date, ok := h.dateParam(w, r)
	if !ok {
		return
	}

	k, err := h.Runtime.Aggregator.KPIsForDay(ctx, owner, date)
	if err != nil {
		h.fail(w, "Failed to compute KPIs", err)
		return
	}
	if !k.HasOpening {
		base, err := h.Runtime.Reconciler.OpeningBase(ctx, owner, date)
		if err != nil {
			h.fail(w, "Failed to compute opening base", err)
			return
		}
		k.Opening = base.Amount
	}
	writeJSON(w, http.StatusOK, KPIsDTO{DayKPIs: k, Closing: k.ClosingBalance()})
}

// ListEntries returns one owner-day of ledger entries.
func (h *Handler) ListEntries(w http.ResponseWriter, r *http.Request) {
	owner := cash.OwnerID(chi.URLParam(r, "owner"))
	date, ok := h.dateParam(w, r)
	if !ok {
		return
	}

	entries, err := h.Runtime.Remote.EntriesForDay(r.Context(), owner, date)
	if err != nil {
		h.fail(w, "Failed to list entries", err)
		return
	}
	if entries == nil {
		entries = []cash.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, EntriesDTO{Date: date, Entries: entries})
}

// GetBalance returns the cached balances.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	owner := cash.OwnerID(chi.URLParam(r, "owner"))

	state, err := h.Runtime.CashState.GetCashState(r.Context(), owner)
	if err != nil {
		h.fail(w, "Failed to read balance", err)
		return
	}
	if state == nil {
		writeError(w, http.StatusNotFound, "No balance recorded", fmt.Errorf("owner %s", owner))
		return
	}
	writeJSON(w, http.StatusOK, BalanceDTO{
		OwnerID:        state.OwnerID,
		RunningBalance: state.RunningBalance,
		LastCloseDate:  state.LastCloseDate,
		LiveBalance:    state.LiveBalance,
		LiveDate:       state.LiveDate,
	})
}

// CreateMovement records a manual movement for the session owner.
func (h *Handler) CreateMovement(w http.ResponseWriter, r *http.Request) {
	if !h.sessionOwner(w, r) {
		return
	}

	var req MovementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	typ, ok := cash.CanonicalType(req.Type)
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown movement type", cash.Invalid("type", fmt.Sprintf("unknown movement type %q", req.Type)))
		return
	}

	entry, created, err := h.Runtime.RecordMovement(r.Context(), typ, req.ClientKey, req.Amount, req.Concept, r.Header.Get("X-User-ID"))
	if err != nil {
		h.fail(w, "Failed to record movement", err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, MovementDTO{Entry: entry, Created: created})
}

// TriggerRollover closes missing days and ensures today's opening.
func (h *Handler) TriggerRollover(w http.ResponseWriter, r *http.Request) {
	if !h.sessionOwner(w, r) {
		return
	}

	summary, err := h.Runtime.Rollover(r.Context())
	if err != nil {
		h.fail(w, "Rollover failed", err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// =============================================================================
// LOAN HANDLERS
// =============================================================================

// GetLoan returns a loan and its payments.
func (h *Handler) GetLoan(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	loan, err := h.Runtime.Remote.GetLoan(ctx, id)
	if err != nil {
		h.fail(w, "Failed to get loan", err)
		return
	}
	if loan == nil {
		writeError(w, http.StatusNotFound, "Loan not found", fmt.Errorf("%w: %s", cash.ErrLoanNotFound, id))
		return
	}

	payments, err := h.Runtime.Remote.PaymentsForLoan(ctx, id)
	if err != nil {
		h.fail(w, "Failed to list payments", err)
		return
	}
	if payments == nil {
		payments = []cash.Payment{}
	}
	writeJSON(w, http.StatusOK, LoanDTO{Loan: *loan, Payments: payments})
}

// =============================================================================
// HELPERS
// =============================================================================

// dateParam reads ?date=, defaulting to today in the session zone.
func (h *Handler) dateParam(w http.ResponseWriter, r *http.Request) (cash.Date, bool) {
	raw := r.URL.Query().Get("date")
	if raw == "" {
		_, today := h.Runtime.Today()
		return today, true
	}
	date, err := cash.ParseDate(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date", err)
		return "", false
	}
	return date, true
}

func (h *Handler) sessionOwner(w http.ResponseWriter, r *http.Request) bool {
	owner := cash.OwnerID(chi.URLParam(r, "owner"))
	if owner != h.Runtime.Session.OwnerID {
		writeError(w, http.StatusForbidden, "Owner is not the session owner", fmt.Errorf("owner %s", owner))
		return false
	}
	return true
}

// fail maps domain errors to HTTP statuses.
func (h *Handler) fail(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.Logger.Error(message, zap.Error(err))
	}
	writeError(w, status, message, err)
}

func statusFor(err error) int {
	switch {
	case cash.IsPermanent(err):
		return http.StatusBadRequest
	case errors.Is(err, queue.ErrItemNotFound), cash.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, queue.ErrDuplicate),
		errors.Is(err, queue.ErrItemBusy),
		errors.Is(err, cash.ErrConcurrentModification):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
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
