package cache

import (
	"crypto/sha256"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// TextHash computes the §4.3 content address:
// stableHash(normalized(text) || modelId || modelVersion). Normalization is
// NFC plus trailing-whitespace trim; case is preserved because embeddings
// are case-sensitive (§4.3). SHA-256 resolves the open question in §9
// ("pick a collision-resistant 256-bit hash and document the choice") in
// favor of a standard cryptographic hash over a non-cryptographic one,
// since the cache's correctness depends on the hash never colliding in
// practice across unrelated inputs.
func TextHash(text, modelID, modelVersion string) [32]byte {
	normalized := normalize(text)
	h := sha256.New()
	_, _ = h.Write([]byte(normalized))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(modelID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(modelVersion))
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func normalize(text string) string {
	text = strings.TrimRight(text, " \t\r\n")
	return norm.NFC.String(text)
}
