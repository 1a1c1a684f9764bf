package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/lumix/dmrv-engine/internal/db"
)

// GenesisHash is the fixed prev_hash of the first chain entry.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Audit actions produced by the credit ledger and ingestion path.
const (
	ActionInverterCreated  = "inverter_created"
	ActionReadingsIngested = "readings_ingested"
	ActionCreditCreated    = "credit_created"
	ActionCreditVerified   = "credit_verified"
	ActionCreditFlagged    = "credit_flagged"
	ActionCreditPending    = "credit_pending"
	ActionStatusOverridden = "credit_status_overridden"
)

// ErrChainTampered reports an audit chain integrity failure.
var ErrChainTampered = errors.New("audit chain tampered")

// TamperError carries the first sequence number at which recomputation
// diverged from the stored chain.
type TamperError struct {
	Seq    int64
	Detail string
}

func (e *TamperError) Error() string {
	return fmt.Sprintf("audit chain tampered at seq %d: %s", e.Seq, e.Detail)
}

func (e *TamperError) Unwrap() error { return ErrChainTampered }

// Event is a credit-affecting occurrence to be appended to the trail.
type Event struct {
	EntityRef string
	Action    string
	Payload   map[string]any
}

// Build materializes the next chain entry from the previous entry's hash.
// The timestamp is truncated to microseconds so the hash survives a round
// trip through timestamptz storage.
func Build(prevHash string, seq int64, evt Event, ts time.Time) (*db.AuditEntry, error) {
	payload, err := Canonicalize(evt.Payload)
	if err != nil {
		return nil, err
	}

	ts = ts.UTC().Truncate(time.Microsecond)
	payloadHash := sha256.Sum256(payload)

	return &db.AuditEntry{
		Seq:         seq,
		Timestamp:   ts,
		EntityRef:   evt.EntityRef,
		Action:      evt.Action,
		Payload:     payload,
		PayloadHash: hex.EncodeToString(payloadHash[:]),
		PrevHash:    prevHash,
		ThisHash:    EntryHash(prevHash, payload, ts, seq),
	}, nil
}

// EntryHash computes this_hash = SHA-256(prev_hash || payload || ts || seq).
func EntryHash(prevHash string, payload []byte, ts time.Time, seq int64) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write(payload)
	h.Write([]byte(ts.UTC().Format(time.RFC3339Nano)))
	h.Write([]byte(strconv.FormatInt(seq, 10)))
	return hex.EncodeToString(h.Sum(nil))
}
