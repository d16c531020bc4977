// Package identity derives stable identities for prompts and rule-sets.
// A scope key partitions learned corrections and attestations by
// (location, agent, prompt-version); the prompt-version component is a
// truncated content hash, so byte-identical prompts always land in the same
// scope and any textual edit moves them to a new one.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"

	"promptproof/internal/logging"
)

// HashLength is the number of hex characters kept from the SHA-256 digest.
const HashLength = 16

// ScopePrefix is the leading component of every scope key.
const ScopePrefix = "scope"

// ErrInvalidIdentity is returned when key derivation receives an empty
// component. This is a caller error, not recoverable locally.
var ErrInvalidIdentity = errors.New("invalid identity")

// Hasher computes deterministic short hashes of text.
// The standard hasher uses SHA-256; a weak rolling-hash mode exists for
// environments without a crypto primitive, and must never be treated as
// collision-resistant - its shorter output is flagged downstream via the
// WEAK_PROMPT_HASH diagnostic.
type Hasher struct {
	weak bool
}

// NewHasher returns the standard SHA-256 hasher.
func NewHasher() *Hasher {
	return &Hasher{}
}

// NewWeakHasher returns the FNV-32a fallback hasher.
func NewWeakHasher() *Hasher {
	logging.Get(logging.CategoryIdentity).Warn(
		"weak rolling-hash mode active; collision resistance is degraded")
	return &Hasher{weak: true}
}

// Weak reports whether this hasher is in the degraded fallback mode.
func (h *Hasher) Weak() bool {
	return h.weak
}

// HashText returns a deterministic short hex hash of the given text.
// Standard mode: first 16 hex characters of SHA-256 over the UTF-8 bytes.
// Weak mode: FNV-32a rendered as 8 hex characters.
func (h *Hasher) HashText(text string) string {
	if h.weak {
		f := fnv.New32a()
		// fnv Write never returns an error
		_, _ = f.Write([]byte(text))
		return fmt.Sprintf("%08x", f.Sum32())
	}

	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])[:HashLength]
}

// HashText hashes with the standard SHA-256 hasher.
func HashText(text string) string {
	return NewHasher().HashText(text)
}

// ScopeParts are the components of a parsed scope key.
type ScopeParts struct {
	LocationID string
	AgentID    string
	PromptHash string
}

// DeriveScopeKey formats a scope key from its components.
// All three components must be non-empty.
func DeriveScopeKey(locationID, agentID, promptHash string) (string, error) {
	if locationID == "" {
		return "", fmt.Errorf("%w: empty location id", ErrInvalidIdentity)
	}
	if agentID == "" {
		return "", fmt.Errorf("%w: empty agent id", ErrInvalidIdentity)
	}
	if promptHash == "" {
		return "", fmt.Errorf("%w: empty prompt hash", ErrInvalidIdentity)
	}

	key := fmt.Sprintf("%s:%s:%s:%s", ScopePrefix, locationID, agentID, promptHash)
	logging.Get(logging.CategoryIdentity).Debug("derived scope key %s", key)
	return key, nil
}

// ParseScopeKey splits a scope key back into its components.
// Returns (parts, true) on success and (zero, false) on malformed input;
// parsing is a query, not a contract violation, so it never errors.
func ParseScopeKey(key string) (ScopeParts, bool) {
	parts := strings.Split(key, ":")
	if len(parts) != 4 || parts[0] != ScopePrefix {
		return ScopeParts{}, false
	}
	if parts[1] == "" || parts[2] == "" || parts[3] == "" {
		return ScopeParts{}, false
	}

	return ScopeParts{
		LocationID: parts[1],
		AgentID:    parts[2],
		PromptHash: parts[3],
	}, true
}
