package action

import (
	"encoding/hex"
	"strconv"

	"golang.org/x/crypto/sha3"
)

// HashOf computes the SHA3-256 digest over the given fields joined with a
// separator that cannot occur inside a field boundary ambiguity. Field order
// is fixed per message type and is load-bearing: reordering changes the hash.
func HashOf(fields ...string) string {
	h := sha3.New256()
	for i, f := range fields {
		if i > 0 {
			h.Write([]byte{0x00})
		}
		h.Write([]byte(f))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func i64(v int64) string {
	return strconv.FormatInt(v, 10)
}

func itoa(v int) string {
	return strconv.Itoa(v)
}
