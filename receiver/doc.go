// Package receiver implements the receiving side of the file transfer
// protocol: one state machine per incoming transfer, keyed by origin and
// broadcast flag.
//
// A transfer is created by a FileStart announcement and collects PieceData
// messages in any order. Once every piece is held the receiver verifies
// integrity (Merkle root, advertised per-piece hashes, or piece count
// alone), assembles the file, and hands it to the save capability. Loss is
// recovered through resume requests listing missing and held indices,
// emitted by a periodic tick the caller drives via CheckTransfers.
//
// Transfers fail, and are removed, on retry exhaustion, inactivity, or a
// final size mismatch after verification. No partial file is ever saved.
//
// An optional TransferStore persists descriptors and accepted pieces so an
// interrupted receiver can Restore its live transfers after a restart.
package receiver
