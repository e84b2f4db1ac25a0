package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed identity.
// Version suffix enables future algorithm migration.
const (
	DomainBatch       = "playsync/batch/v1"
	DomainFingerprint = "playsync/fingerprint/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
// The null separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// IdempotencyKey derives the batch key from the session and its seq bounds.
// Re-sending the same range of a session always yields the same key.
func IdempotencyKey(sessionID string, minSeq, maxSeq int64) (string, error) {
	if sessionID == "" {
		return "", fmt.Errorf("IdempotencyKey: session id is required")
	}
	if minSeq <= 0 || maxSeq < minSeq {
		return "", fmt.Errorf("IdempotencyKey: invalid seq range [%d, %d]", minSeq, maxSeq)
	}
	canonical, err := MarshalCanonical(map[string]any{
		"session_id": sessionID,
		"min_seq":    minSeq,
		"max_seq":    maxSeq,
	})
	if err != nil {
		return "", fmt.Errorf("IdempotencyKey: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainBatch, canonical), nil
}

// MustIdempotencyKey is like IdempotencyKey but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustIdempotencyKey(sessionID string, minSeq, maxSeq int64) string {
	key, err := IdempotencyKey(sessionID, minSeq, maxSeq)
	if err != nil {
		panic(err)
	}
	return key
}

// Fingerprint hashes the identity-bearing content of a batch's events.
// CreatedAt is excluded: it is advisory and may be re-stamped by a client.
func Fingerprint(events []Event) (string, error) {
	items := make([]any, len(events))
	for i, ev := range events {
		payload, err := decodeRaw(ev.Payload)
		if err != nil {
			return "", fmt.Errorf("Fingerprint: event %s: %w", ev.EventID, err)
		}
		items[i] = map[string]any{
			"event_id":   ev.EventID,
			"client_seq": ev.ClientSeq,
			"type":       string(ev.Type),
			"payload":    payload,
		}
	}
	canonical, err := MarshalCanonical(items)
	if err != nil {
		return "", fmt.Errorf("Fingerprint: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainFingerprint, canonical), nil
}
