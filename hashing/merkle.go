package hashing

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/sirupsen/logrus"
)

// MerkleRoot computes the canonical root digest over an ordered list of
// hex-encoded piece hashes.
//
// The tree shape is fixed by the protocol: consecutive leaves are paired and
// their raw digest bytes concatenated and hashed with SHA-256 into a parent;
// a level with an odd node count duplicates its last node rather than
// promoting it. The pair combination is always SHA-256 regardless of the
// leaf algorithm, so both endpoints derive the same tree.
//
// An empty input returns the hash of empty bytes as a defined sentinel.
// A single leaf is its own root. Any leaf that fails to decode makes the
// whole computation fail closed with ErrMalformedHash so callers can treat
// the result as "integrity unknown".
func MerkleRoot(hashes []string) (string, error) {
	if len(hashes) == 0 {
		return CalculateHash(nil), nil
	}

	level := make([][]byte, 0, len(hashes))
	for i, h := range hashes {
		raw, err := DecodeHash(h)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "MerkleRoot",
				"index":    i,
				"error":    err.Error(),
			}).Warn("Cannot compute Merkle root over malformed hash")
			return "", err
		}
		level = append(level, raw)
	}

	for len(level) > 1 {
		next := make([][]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			left := level[i]
			right := left
			if i+1 < len(level) {
				right = level[i+1]
			}
			combined := make([]byte, 0, len(left)+len(right))
			combined = append(combined, left...)
			combined = append(combined, right...)
			parent := sha256.Sum256(combined)
			next = append(next, parent[:])
		}
		level = next
	}

	return hex.EncodeToString(level[0]), nil
}
