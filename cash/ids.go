package cash

import "strings"

// =============================================================================
// DETERMINISTIC IDS
// =============================================================================
//
// Day boundary entries:   <prefix>_<ownerId>_<date>     (open_, close_)
// Queue-applied records:  ox_<itemId>                  payment record + ledger entry
//                         oxsale_<itemId>              loan + disbursement entry
//                         oxabs_<itemId>               absence record
//                         oxmov_<subkind>_<itemId>     generic movement entry
// Manual online entries:  mov_<subkind>_<clientKey>

const (
	PrefixOpen           = "open"
	PrefixClose          = "close"
	PrefixPayment        = "ox"
	PrefixSale           = "oxsale"
	PrefixAbsence        = "oxabs"
	PrefixMovement       = "oxmov"
	PrefixManualMovement = "mov"
)

// DayEntryID is the id of the deterministic open/close entry for owner+date.
func DayEntryID(prefix string, owner OwnerID, date Date) string {
	return prefix + "_" + string(owner) + "_" + string(date)
}

func PaymentID(localID string) string  { return PrefixPayment + "_" + localID }
func SaleLoanID(localID string) string { return PrefixSale + "_" + localID }
func AbsenceID(localID string) string  { return PrefixAbsence + "_" + localID }

func MovementID(subkind EntryType, localID string) string {
	return PrefixMovement + "_" + string(subkind) + "_" + localID
}

func ManualMovementID(subkind EntryType, clientKey string) string {
	return PrefixManualMovement + "_" + string(subkind) + "_" + clientKey
}

// IsDeterministicClose reports whether e is the deterministic close entry
// for its own owner and date.
func IsDeterministicClose(e LedgerEntry) bool {
	return e.ID == DayEntryID(PrefixClose, e.OwnerID, e.OperationalDate)
}

// IsDeterministicOpen reports whether e is the deterministic open entry for
// its own owner and date.
func IsDeterministicOpen(e LedgerEntry) bool {
	return e.ID == DayEntryID(PrefixOpen, e.OwnerID, e.OperationalDate)
}

// IsQueueApplied reports whether id was produced by a queue applier.
func IsQueueApplied(id string) bool {
	return strings.HasPrefix(id, PrefixPayment+"_") ||
		strings.HasPrefix(id, PrefixSale+"_") ||
		strings.HasPrefix(id, PrefixAbsence+"_") ||
		strings.HasPrefix(id, PrefixMovement+"_")
}
