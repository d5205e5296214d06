package ids

import (
	"crypto/rand"
	"encoding/hex"
)

// New returns a 32-char hex identifier for turns and tool-call batches.
func New() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}
