package envelope

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
	"github.com/machinenativeops/axm/pkg/contracts"
)

// PayloadDigest computes the deduplication digest of an envelope: the
// SHA-256 of the RFC 8785 canonical form of its identity triple. Two
// submissions with the same trace_id, message_type, and semantically
// equal payload always produce the same digest, regardless of key
// ordering or whitespace in the payload JSON.
func PayloadDigest(env *contracts.Envelope) (string, error) {
	triple := struct {
		TraceID     string          `json:"trace_id"`
		MessageType string          `json:"message_type"`
		Payload     json.RawMessage `json:"payload"`
	}{
		TraceID:     env.Meta.TraceID,
		MessageType: string(env.Meta.MessageType),
		Payload:     env.Payload,
	}

	raw, err := json.Marshal(triple)
	if err != nil {
		return "", fmt.Errorf("marshal digest input: %w", err)
	}

	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize digest input: %w", err)
	}

	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}
