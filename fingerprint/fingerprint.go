// Content fingerprints: a SHA-256 digest of raw content bytes, used as the cache key and the deduplication key for in-flight computations.
package fingerprint

import (
	"encoding/hex"
	"fmt"

	"github.com/minio/sha256-simd"
)

const Size = sha256.Size

type Fingerprint [Size]byte

// Computes the fingerprint of content. Empty (or nil) input is valid, and returns the digest of zero bytes.
func Sum(content []byte) Fingerprint {
	return Fingerprint(sha256.Sum256(content))
}

func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

func (f Fingerprint) IsZero() bool {
	return f == Fingerprint{}
}

func Parse(raw string) (Fingerprint, error) {
	var f Fingerprint
	b, err := hex.DecodeString(raw)
	if err != nil {
		return f, fmt.Errorf("invalid fingerprint: %w", err)
	}
	if len(b) != Size {
		return f, fmt.Errorf("invalid fingerprint length: %d", len(b))
	}
	copy(f[:], b)
	return f, nil
}
