package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed hashing. The version suffix allows
// a future algorithm migration without ambiguity between old and new hashes.
const (
	DomainPayload = "hrledger/payload/v1"
	DomainChange  = "hrledger/change/v1"
)

// hashWithDomain computes SHA-256 over domain + 0x00 + data. The null
// separator prevents boundary ambiguity between domain and data.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// ContentHash computes the content-addressed hash of a payload document.
// Identical documents always hash identically regardless of key order or
// string normalization form, because hashing goes through MarshalCanonical.
func ContentHash(doc Document) (string, error) {
	canonical, err := MarshalCanonical(doc)
	if err != nil {
		return "", fmt.Errorf("ContentHash: %w", err)
	}
	return hashWithDomain(DomainPayload, canonical), nil
}

// ChangeIdentity computes the dedup identity of a change: the hash of
// (field_path, old_value, new_value). Two changes with the same identity
// for the same employee describe the same logical delta.
func ChangeIdentity(fieldPath, oldValue, newValue string) string {
	obj := map[string]any{
		"field_path": fieldPath,
		"old_value":  oldValue,
		"new_value":  newValue,
	}
	canonical, err := MarshalCanonical(obj)
	if err != nil {
		// The three inputs are plain strings; canonical marshaling of a
		// string-valued object cannot fail.
		panic(err)
	}
	return hashWithDomain(DomainChange, canonical)
}

// MustContentHash is like ContentHash but panics on error.
// Use only in tests with inputs known to be valid.
func MustContentHash(doc Document) string {
	h, err := ContentHash(doc)
	if err != nil {
		panic(err)
	}
	return h
}
