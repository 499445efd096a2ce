package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/machinenativeops/axm/pkg/contracts"
)

// GenesisHash is the chain head of an empty ledger.
const GenesisHash = "genesis"

// EntryHash computes the chain hash of an audit entry. It covers every
// recorded field plus PrevHash, so mutating or reordering any committed
// entry breaks verification from that point on.
func EntryHash(e *contracts.AuditEntry) (string, error) {
	hashInput := struct {
		GlobalSeq     uint64                    `json:"global_seq"`
		IncidentSeq   uint64                    `json:"incident_seq"`
		TraceID       string                    `json:"trace_id"`
		MessageType   contracts.MessageType     `json:"message_type"`
		PriorState    contracts.IncidentState   `json:"prior_state"`
		NewState      contracts.IncidentState   `json:"new_state"`
		Steps         []contracts.IncidentState `json:"steps"`
		SourceAgent   string                    `json:"source_agent"`
		RetryDelta    int                       `json:"retry_delta"`
		PayloadDigest string                    `json:"payload_digest"`
		Timestamp     string                    `json:"timestamp"`
		PrevHash      string                    `json:"prev"`
	}{
		GlobalSeq:     e.GlobalSeq,
		IncidentSeq:   e.IncidentSeq,
		TraceID:       e.TraceID,
		MessageType:   e.MessageType,
		PriorState:    e.PriorState,
		NewState:      e.NewState,
		Steps:         e.Steps,
		SourceAgent:   e.SourceAgent,
		RetryDelta:    e.RetryDelta,
		PayloadDigest: e.PayloadDigest,
		Timestamp:     e.Timestamp.UTC().Format(time.RFC3339Nano),
		PrevHash:      e.PrevHash,
	}

	raw, err := json.Marshal(hashInput)
	if err != nil {
		return "", fmt.Errorf("marshal entry for hashing: %w", err)
	}
	h := sha256.Sum256(raw)
	return "sha256:" + hex.EncodeToString(h[:]), nil
}

// VerifyEntries walks entries in order, checking sequence gaplessness and
// the hash chain against the given head. Shared by both backends.
func VerifyEntries(entries []contracts.AuditEntry) error {
	prevHash := GenesisHash
	for i, e := range entries {
		if e.GlobalSeq != uint64(i)+1 {
			return fmt.Errorf("ledger gap at position %d: global_seq %d", i, e.GlobalSeq)
		}
		if e.PrevHash != prevHash {
			return fmt.Errorf("chain broken at global_seq %d: expected prev %s, got %s",
				e.GlobalSeq, prevHash, e.PrevHash)
		}
		computed, err := EntryHash(&e)
		if err != nil {
			return err
		}
		if computed != e.EntryHash {
			return fmt.Errorf("hash mismatch at global_seq %d", e.GlobalSeq)
		}
		prevHash = e.EntryHash
	}
	return nil
}
