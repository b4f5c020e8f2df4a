/*
dto.go - Data Transfer Objects for API requests and responses

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

Queue items are returned in their stored wire form (camelCase, epoch
milliseconds), so the pending-items view and the device record match.

VALIDATION:
  Validation is done in handlers and in queue.Validate. DTOs are pure data
  carriers.
*/
package api

import (
	"encoding/json"

	"github.com/shopspring/decimal"

	"github.com/warp/fieldcash/cash"
	"github.com/warp/fieldcash/queue"
)

// =============================================================================
// QUEUE
// =============================================================================

// EnqueueRequest carries one offline operation.
type EnqueueRequest struct {
	Kind    queue.Kind      `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// QueueListDTO is the pending-items view.
type QueueListDTO struct {
	Items  []queue.Item `json:"items"`
	Total  int          `json:"total"`
	Frozen int          `json:"frozen"`
}

// RetryDTO reports a manual retry. Item is absent when it flushed.
type RetryDTO struct {
	Flushed bool        `json:"flushed"`
	Item    *queue.Item `json:"item,omitempty"`
}

// =============================================================================
// SYNC
// =============================================================================

type ConnectivityRequest struct {
	Online bool `json:"online"`
}

// =============================================================================
// LEDGER
// =============================================================================

// KPIsDTO is a day's KPIs plus the derived closing balance.
type KPIsDTO struct {
	cash.DayKPIs
	Closing decimal.Decimal `json:"closing"`
}

// MovementRequest is a manual online movement. Type accepts aliases.
type MovementRequest struct {
	Type      string          `json:"type"`
	Amount    decimal.Decimal `json:"amount"`
	Concept   string          `json:"concept,omitempty"`
	ClientKey string          `json:"client_key"`
}

type MovementDTO struct {
	Entry   cash.LedgerEntry `json:"entry"`
	Created bool             `json:"created"`
}

type EntriesDTO struct {
	Date    cash.Date          `json:"date"`
	Entries []cash.LedgerEntry `json:"entries"`
}

// BalanceDTO exposes the cash-state cache.
type BalanceDTO struct {
	OwnerID        cash.OwnerID    `json:"owner_id"`
	RunningBalance decimal.Decimal `json:"running_balance"`
	LastCloseDate  cash.Date       `json:"last_close_date,omitempty"`
	LiveBalance    decimal.Decimal `json:"live_balance"`
	LiveDate       cash.Date       `json:"live_date,omitempty"`
}

// =============================================================================
// LOANS
// =============================================================================

type LoanDTO struct {
	cash.Loan
	Payments []cash.Payment `json:"payments"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is returned for all errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
