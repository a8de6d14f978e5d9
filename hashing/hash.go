package hashing

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// Algorithm identifies the content hash used for piece digests.
type Algorithm string

const (
	// SHA256 is the default algorithm and the one every conforming
	// implementation must support.
	SHA256 Algorithm = "sha256"
	// BLAKE2b256 is an optional faster alternative for links where both
	// endpoints agree on it out of band.
	BLAKE2b256 Algorithm = "blake2b-256"
)

// DigestSize is the byte length of every digest produced by this package.
// Both supported algorithms emit 256-bit digests.
const DigestSize = 32

// ErrMalformedHash indicates a hash string that is not hex-encoded digest
// bytes of the expected length.
var ErrMalformedHash = errors.New("malformed hash: not hex-encoded digest bytes")

// ErrUnknownAlgorithm indicates an algorithm name this package does not implement.
var ErrUnknownAlgorithm = errors.New("unknown hash algorithm")

// CalculateHash returns the hex-encoded SHA-256 digest of data.
// The same input always yields the same output.
func CalculateHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// CalculateHashWith returns the hex-encoded digest of data using the given
// algorithm. An empty algorithm selects SHA256.
func CalculateHashWith(algo Algorithm, data []byte) (string, error) {
	switch algo {
	case "", SHA256:
		return CalculateHash(data), nil
	case BLAKE2b256:
		sum := blake2b.Sum256(data)
		return hex.EncodeToString(sum[:]), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownAlgorithm, algo)
	}
}

// DecodeHash converts a hex-encoded hash string back to raw digest bytes.
// Input that is not valid hex, or that decodes to the wrong length, returns
// ErrMalformedHash.
func DecodeHash(h string) ([]byte, error) {
	raw, err := hex.DecodeString(h)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedHash, err)
	}
	if len(raw) != DigestSize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrMalformedHash, len(raw), DigestSize)
	}
	return raw, nil
}
