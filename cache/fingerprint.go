// Package cache provides the TTL cache for generated templates, embeddings
// and model responses, keyed by a deterministic content fingerprint.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Fingerprint derives the deterministic identity key for one generation
// request from the task kind, normalized input text, profile name and
// language. The key is stable across process restarts and insensitive to
// whitespace and casing in the input. The task kind prefixes the key so all
// entries of one kind share an invalidation prefix.
func Fingerprint(taskKind, input, profileName, language string) string {
	norm := Normalize(input)
	h := sha256.New()
	h.Write([]byte(taskKind))
	h.Write([]byte{0})
	h.Write([]byte(norm))
	h.Write([]byte{0})
	h.Write([]byte(profileName))
	h.Write([]byte{0})
	h.Write([]byte(language))
	sum := hex.EncodeToString(h.Sum(nil))

	return fmt.Sprintf("%s:%s", taskKind, sum[:32])
}

// Normalize lowercases the input and collapses runs of whitespace to single
// spaces so trivially reformatted requests share a fingerprint.
func Normalize(input string) string {
	return strings.Join(strings.Fields(strings.ToLower(input)), " ")
}
