package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
)

// SumReader returns the hex-encoded SHA-256 digest of everything read
// from r, and the number of bytes read.
func SumReader(r io.Reader) (string, int64, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
