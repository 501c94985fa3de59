// Package idempotency derives dedupe keys for notification events and keeps a
// redis-backed seen-set for at-least-once message sources.
package idempotency

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

const keyPrefix = "ntf_"

// Key is deterministic for the same logical notification. The recipient is
// case-folded and trimmed so address spelling variants collapse to one key.
func Key(orderID, eventType, recipient, templateKey string) string {
	return derive(orderID, eventType, recipient, templateKey, "")
}

// KeyWithSalt opts out of deduplication: two calls with different salts never
// collide. Callers must log that they did this.
func KeyWithSalt(orderID, eventType, recipient, templateKey, salt string) string {
	return derive(orderID, eventType, recipient, templateKey, salt)
}

func NewSalt() string {
	return uuid.NewString()
}

func NormalizeRecipient(recipient string) string {
	return strings.ToLower(strings.TrimSpace(recipient))
}

func derive(orderID, eventType, recipient, templateKey, salt string) string {
	h := sha256.New()
	parts := []string{
		strings.TrimSpace(orderID),
		strings.TrimSpace(eventType),
		NormalizeRecipient(recipient),
		strings.TrimSpace(templateKey),
		salt,
	}
	// length-prefixed so ("ab","c") and ("a","bc") differ
	var n [4]byte
	for _, p := range parts {
		binary.BigEndian.PutUint32(n[:], uint32(len(p)))
		h.Write(n[:])
		h.Write([]byte(p))
	}
	return keyPrefix + hex.EncodeToString(h.Sum(nil))
}
