// Package crypto derives short stable digests used in cache keys.
package crypto

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

// DigestLen is the number of hex characters HashParts returns.
const DigestLen = 16

// HashParts digests an ordered list of strings into DigestLen hex
// characters. Parts are length-prefixed, so ("ab", "c") and ("a", "bc")
// differ.
func HashParts(parts ...string) string {
	h := sha256.New()
	var n [8]byte
	for _, p := range parts {
		binary.BigEndian.PutUint64(n[:], uint64(len(p)))
		h.Write(n[:])
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))[:DigestLen]
}
