package loan

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
)

const preimageLen = 32

// NewPreimage draws a fresh 32-byte secret and returns it with its sha256
// commitment. The secret stays with its owner, only the commitment goes into
// the leaf scripts.
func NewPreimage() (preimage, hash []byte, err error) {
	preimage = make([]byte, preimageLen)
	if _, err := rand.Read(preimage); err != nil {
		return nil, nil, fmt.Errorf("failed to generate preimage: %w", err)
	}

	digest := sha256.Sum256(preimage)
	return preimage, digest[:], nil
}
