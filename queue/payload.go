package queue

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/warp/fieldcash/arrears"
	"github.com/warp/fieldcash/cash"
)

// =============================================================================
// KIND
// =============================================================================

// Kind is the closed set of intents the queue carries.
type Kind string

const (
	KindPayment  Kind = "payment"
	KindSale     Kind = "sale"
	KindAbsence  Kind = "absence"
	KindMovement Kind = "movement"
	KindOther    Kind = "other"
)

// =============================================================================
// PAYLOAD - closed sum type, one variant per kind
// =============================================================================

// Payload is implemented only by the variants in this file.
type Payload interface {
	Kind() Kind

	// Subject identifies what the intent targets. Two items of the same kind
	// and the same non-empty subject cannot be queued together.
	Subject() string

	isPayload()
}

// PaymentPayload collects an installment against a loan.
type PaymentPayload struct {
	LoanID          string          `json:"loanId" validate:"required"`
	OwnerID         cash.OwnerID    `json:"ownerId" validate:"required"`
	TenantID        string          `json:"tenantId,omitempty"`
	Amount          decimal.Decimal `json:"amount" validate:"gt=0"`
	OperationalDate cash.Date       `json:"operationalDate" validate:"required,datetime=2006-01-02"`
	Timezone        string          `json:"timezone,omitempty"`
	Note            string          `json:"note,omitempty" validate:"max=280"`
}

// SalePayload originates a new loan and disburses its principal.
type SalePayload struct {
	ClientID          string          `json:"clientId" validate:"required"`
	OwnerID           cash.OwnerID    `json:"ownerId" validate:"required"`
	TenantID          string          `json:"tenantId,omitempty"`
	Principal         decimal.Decimal `json:"principal" validate:"gt=0"`
	InstallmentAmount decimal.Decimal `json:"installmentAmount" validate:"gt=0"`
	InstallmentCount  int             `json:"installmentCount" validate:"min=1,max=1000"`
	StartDate         cash.Date       `json:"startDate" validate:"required,datetime=2006-01-02"`
	OperationalDate   cash.Date       `json:"operationalDate" validate:"required,datetime=2006-01-02"`
	Timezone          string          `json:"timezone,omitempty"`
	Arrears           arrears.Config  `json:"arrears"`
}

// AbsencePayload reports that the client was not found on a visit.
type AbsencePayload struct {
	LoanID          string       `json:"loanId" validate:"required"`
	OwnerID         cash.OwnerID `json:"ownerId" validate:"required"`
	OperationalDate cash.Date    `json:"operationalDate" validate:"required,datetime=2006-01-02"`
	Timezone        string       `json:"timezone,omitempty"`
	Reason          string       `json:"reason,omitempty" validate:"max=280"`
}

// MovementPayload is a free-standing cash movement.
type MovementPayload struct {
	Subkind         cash.EntryType  `json:"subkind" validate:"required,oneof=inflow outflow admin_expense collector_expense"`
	OwnerID         cash.OwnerID    `json:"ownerId" validate:"required"`
	TenantID        string          `json:"tenantId,omitempty"`
	Amount          decimal.Decimal `json:"amount" validate:"gt=0"`
	OperationalDate cash.Date       `json:"operationalDate" validate:"required,datetime=2006-01-02"`
	Timezone        string          `json:"timezone,omitempty"`
	Concept         string          `json:"concept,omitempty" validate:"max=280"`
}

// OtherPayload carries intents this build has no applier for. They are kept
// so the pending-items view can show them.
type OtherPayload struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

func (PaymentPayload) Kind() Kind  { return KindPayment }
func (SalePayload) Kind() Kind     { return KindSale }
func (AbsencePayload) Kind() Kind  { return KindAbsence }
func (MovementPayload) Kind() Kind { return KindMovement }
func (OtherPayload) Kind() Kind    { return KindOther }

func (p PaymentPayload) Subject() string { return "loan:" + p.LoanID }
func (p SalePayload) Subject() string    { return "client:" + p.ClientID }
func (p AbsencePayload) Subject() string {
	return "loan:" + p.LoanID + "@" + string(p.OperationalDate)
}
func (MovementPayload) Subject() string { return "" }
func (OtherPayload) Subject() string    { return "" }

func (PaymentPayload) isPayload()  {}
func (SalePayload) isPayload()     {}
func (AbsencePayload) isPayload()  {}
func (MovementPayload) isPayload() {}
func (OtherPayload) isPayload()    {}

// DecodePayload decodes raw according to kind. Kinds this build does not
// know decode as OtherPayload.
func DecodePayload(kind Kind, raw json.RawMessage) (Payload, error) {
	switch kind {
	case KindPayment:
		var p PaymentPayload
		err := decodeInto(kind, raw, &p)
		return p, err
	case KindSale:
		var p SalePayload
		err := decodeInto(kind, raw, &p)
		return p, err
	case KindAbsence:
		var p AbsencePayload
		err := decodeInto(kind, raw, &p)
		return p, err
	case KindMovement:
		var p MovementPayload
		err := decodeInto(kind, raw, &p)
		return p, err
	default:
		var p OtherPayload
		if len(raw) > 0 && json.Unmarshal(raw, &p) == nil && p.Type != "" {
			return p, nil
		}
		return OtherPayload{Type: string(kind), Data: append(json.RawMessage(nil), raw...)}, nil
	}
}

func decodeInto(kind Kind, raw json.RawMessage, dst any) error {
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", kind, cash.Invalid("payload", err.Error()))
	}
	return nil
}
