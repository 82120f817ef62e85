// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// compliant serialization for producing deterministic, byte-for-byte
// comparable hashes of JSON payloads (§3, §8 P-lock-determinism). No
// other package in this module imports it: pkg/audit hashes the output
// of encoding/json directly.
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// JCS returns the RFC 8785 canonical JSON representation of v: standard
// marshal followed by jcs.Transform, which sorts object keys by UTF-16
// code unit, disables HTML escaping, and normalizes number formatting
// per the spec.
func JCS(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("jcs: marshal failed: %w", err)
	}

	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("jcs: transform failed: %w", err)
	}
	return canonical, nil
}

// CanonicalHash returns the sha256: prefixed hex digest of the canonical
// JSON representation of v.
func CanonicalHash(v interface{}) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return "sha256:" + HashBytes(b), nil
}

// HashBytes computes the SHA-256 hash of raw bytes and returns hex string.
func HashBytes(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
