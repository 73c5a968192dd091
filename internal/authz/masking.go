package authz

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// Masking algorithm names accepted in "field::algo" masked-field
// entries. The empty algorithm selects the default.
const (
	MaskAlgoDefault = ""
	MaskAlgoSHA256  = "sha256"
	MaskAlgoSHA512  = "sha512"
)

// Masker applies field masks: it replaces a field value with a salted
// hash so that equal values stay correlatable without being readable.
// The salt is a system-wide secret; without it, masked values of
// low-entropy fields could be brute-forced offline.
type Masker struct {
	salt []byte
}

// NewMasker creates a Masker with the given salt.
func NewMasker(salt []byte) *Masker {
	return &Masker{salt: salt}
}

// Apply returns the masked replacement for value under the given mask.
// Unknown algorithm names fall back to the default hash rather than
// failing open with the cleartext.
func (m *Masker) Apply(mask FieldMask, value []byte) string {
	salted := make([]byte, 0, len(m.salt)+len(value))
	salted = append(salted, m.salt...)
	salted = append(salted, value...)

	switch mask.Algo {
	case MaskAlgoSHA256:
		sum := sha256.Sum256(salted)
		return hex.EncodeToString(sum[:])
	case MaskAlgoSHA512:
		sum := sha512.Sum512(salted)
		return hex.EncodeToString(sum[:])
	default:
		sum := blake3.Sum256(salted)
		return hex.EncodeToString(sum[:])
	}
}
