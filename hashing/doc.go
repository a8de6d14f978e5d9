// Package hashing provides the content hashes and Merkle roots used to
// verify piece integrity during a transfer.
//
// Piece digests are hex-encoded 256-bit hashes (SHA-256 by default, BLAKE2b
// optionally). A whole piece set is summarized by a Merkle root computed
// over the ordered piece hashes:
//
//	hashes := []string{hashing.CalculateHash(p0), hashing.CalculateHash(p1)}
//	root, err := hashing.MerkleRoot(hashes)
//
// The tree shape is part of the wire protocol: pairs are combined with
// SHA-256 and odd levels duplicate their last node. Implementations that
// deviate from this shape cannot interoperate.
package hashing
