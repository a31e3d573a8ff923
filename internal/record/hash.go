package record

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed keys. The version suffix allows the
// key layout to change without colliding with stored keys.
const (
	DomainActionKey = "formsync/action/v1"
	DomainPayload   = "formsync/payload/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
// The null separator keeps the domain/data boundary unambiguous.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// ActionKey computes the idempotency key of one action of one rule within a
// sync lineage. originSyncID is the sync that first attempted the action;
// retries of that sync produce the same key.
func ActionKey(originSyncID, ruleID string, actionIndex int) (string, error) {
	obj := New(
		P("origin_sync_id", String(originSyncID)),
		P("rule_id", String(ruleID)),
		P("action_index", Int(actionIndex)),
	)
	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("ActionKey: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainActionKey, canonical), nil
}

// PayloadHash fingerprints a record independent of key order and Unicode
// normalization.
func PayloadHash(r *Record) (string, error) {
	canonical, err := MarshalCanonical(r)
	if err != nil {
		return "", fmt.Errorf("PayloadHash: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainPayload, canonical), nil
}

// MustActionKey is like ActionKey but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustActionKey(originSyncID, ruleID string, actionIndex int) string {
	key, err := ActionKey(originSyncID, ruleID, actionIndex)
	if err != nil {
		panic(err)
	}
	return key
}
