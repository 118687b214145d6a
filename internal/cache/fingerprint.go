package cache

import (
	"encoding/binary"
	"encoding/hex"
	"strings"

	"github.com/phrazzld/conjure-api/internal/domain"
	"golang.org/x/crypto/blake2b"
)

// NormalizePrompt trims the prompt and collapses inner whitespace so that
// trivially different spellings share a fingerprint. Case is kept: prompts
// often ask for exact text to be rendered.
func NormalizePrompt(prompt string) string {
	return strings.Join(strings.Fields(prompt), " ")
}

// Fingerprint returns the hex encoded BLAKE2b-256 digest of the task identity.
// Each field is length-prefixed so that field boundaries cannot be forged by
// shifting characters between adjacent fields.
func Fingerprint(kind domain.TaskKind, provider, model, prompt string) string {
	return FingerprintWithSource(kind, provider, model, prompt, "")
}

// FingerprintWithSource is Fingerprint for tasks generated from a source
// artifact, such as image-to-video. A non-empty source is hashed as a fifth
// field; an empty one yields the same key as Fingerprint.
func FingerprintWithSource(kind domain.TaskKind, provider, model, prompt, source string) string {
	fields := []string{
		string(kind),
		strings.ToLower(strings.TrimSpace(provider)),
		strings.TrimSpace(model),
		NormalizePrompt(prompt),
	}
	if source = strings.TrimSpace(source); source != "" {
		fields = append(fields, source)
	}

	h, _ := blake2b.New256(nil)
	var lenBuf [binary.MaxVarintLen64]byte
	for _, field := range fields {
		n := binary.PutUvarint(lenBuf[:], uint64(len(field)))
		_, _ = h.Write(lenBuf[:n])
		_, _ = h.Write([]byte(field))
	}

	return hex.EncodeToString(h.Sum(nil))
}

// TaskFingerprint is the fingerprint of a task's fields, including its
// auxiliary reference.
func TaskFingerprint(t *domain.Task) string {
	return FingerprintWithSource(t.Kind, t.Provider, t.Model, t.Prompt, t.AuxiliaryRef)
}
