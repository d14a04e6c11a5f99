package serialization

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// metadataChecksum is the metadata key holding the hex SHA-256 of the data section.
const metadataChecksum = "sha256"

// ComputeChecksum computes the hex SHA-256 checksum of the concatenated chunks.
func ComputeChecksum(chunks ...[]byte) string {
	h := sha256.New()
	for _, c := range chunks {
		h.Write(c)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ValidateChecksum compares the checksum of data against stored.
// Returns ErrChecksumMismatch if they don't match.
func ValidateChecksum(data []byte, stored string) error {
	if computed := ComputeChecksum(data); computed != stored {
		return &ValidationError{Err: ErrChecksumMismatch, Details: fmt.Sprintf("computed %s, stored %s", computed, stored)}
	}
	return nil
}
