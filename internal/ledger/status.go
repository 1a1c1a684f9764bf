package ledger

import "github.com/lumix/dmrv-engine/internal/db"

// canAutoVerify reports whether automatic verification may run from the
// given status. Re-verification is allowed from VERIFIED (idempotent) and
// from FLAGGED (a corrected data feed can clear a flag); SUBMITTED credits
// are frozen.
func canAutoVerify(from db.CreditStatus) bool {
	return from != db.StatusSubmitted
}

// manualTransitions is the closed set of transitions an explicit status
// override may perform. Nothing leaves SUBMITTED.
var manualTransitions = map[db.CreditStatus][]db.CreditStatus{
	db.StatusPending:  {db.StatusVerified, db.StatusFlagged},
	db.StatusVerified: {db.StatusSubmitted},
	db.StatusFlagged:  {db.StatusPending},
}

// canManual reports whether a manual override from -> to is permitted.
func canManual(from, to db.CreditStatus) bool {
	for _, allowed := range manualTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
