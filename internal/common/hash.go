package common

import (
	"crypto/sha256"
	"encoding/hex"
)

// Digest hashes parts into a lowercase hex SHA-256. Parts are separated by a
// NUL byte so ("ab", "c") and ("a", "bc") differ.
func Digest(parts ...[]byte) string {
	h := sha256.New()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{0})
		}
		h.Write(p)
	}
	return hex.EncodeToString(h.Sum(nil))
}
