package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"go.uber.org/zap"

	"github.com/lumix/dmrv-engine/internal/db"
)

// Store provides read access to the stored chain. Appends happen inside the
// same transaction as the ledger mutation they describe and live in the
// repository; the trail itself only ever reads.
type Store interface {
	// ListAuditEntries returns entries with seq >= fromSeq in ascending
	// order, at most limit at a time.
	ListAuditEntries(ctx context.Context, fromSeq int64, limit int) ([]db.AuditEntry, error)
}

const verifyBatchSize = 500

// Trail verifies the integrity of the append-only audit chain.
type Trail struct {
	store  Store
	logger *zap.Logger
}

// NewTrail creates a trail backed by the given store.
func NewTrail(store Store, logger *zap.Logger) *Trail {
	return &Trail{store: store, logger: logger}
}

// VerifyChain recomputes every hash from the genesis entry forward and
// returns the number of verified entries. The first mismatch fails with a
// TamperError carrying the offending sequence number.
func (t *Trail) VerifyChain(ctx context.Context) (int64, error) {
	prevHash := GenesisHash
	nextSeq := int64(0)

	for {
		entries, err := t.store.ListAuditEntries(ctx, nextSeq, verifyBatchSize)
		if err != nil {
			return nextSeq, fmt.Errorf("failed to list audit entries: %w", err)
		}
		if len(entries) == 0 {
			break
		}

		for _, entry := range entries {
			if entry.Seq != nextSeq {
				return nextSeq, &TamperError{Seq: entry.Seq, Detail: fmt.Sprintf("sequence gap, expected %d", nextSeq)}
			}
			if entry.PrevHash != prevHash {
				return nextSeq, &TamperError{Seq: entry.Seq, Detail: "prev_hash does not match preceding entry"}
			}

			payloadHash := sha256.Sum256(entry.Payload)
			if hex.EncodeToString(payloadHash[:]) != entry.PayloadHash {
				return nextSeq, &TamperError{Seq: entry.Seq, Detail: "payload hash mismatch"}
			}

			if got := EntryHash(entry.PrevHash, entry.Payload, entry.Timestamp, entry.Seq); got != entry.ThisHash {
				return nextSeq, &TamperError{Seq: entry.Seq, Detail: "entry hash mismatch"}
			}

			prevHash = entry.ThisHash
			nextSeq++
		}

		if len(entries) < verifyBatchSize {
			break
		}
	}

	t.logger.Info("audit chain verified", zap.Int64("entries", nextSeq))
	return nextSeq, nil
}
