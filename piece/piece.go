// Package piece splits byte streams into fixed-size, index-addressed pieces
// and reassembles received piece maps back into the original bytes.
package piece

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

// ErrInvalidPieceSize indicates a zero piece size for a non-empty source.
var ErrInvalidPieceSize = errors.New("piece size must be greater than zero")

// ErrMissingPiece indicates that assembly was attempted without every index present.
var ErrMissingPiece = errors.New("missing piece")

// ErrSizeMismatch indicates that the assembled bytes do not match the
// expected total size exactly.
var ErrSizeMismatch = errors.New("assembled size does not match expected total size")

// Piece is one contiguous slice of the source, addressed by index.
// A Piece is immutable once created; only the final piece may be shorter
// than the configured piece size.
type Piece struct {
	Index uint32
	Data  []byte
}

// Count returns the number of pieces a source of totalSize bytes splits
// into at the given piece size. A zero totalSize yields zero pieces.
func Count(totalSize uint64, pieceSize uint32) uint32 {
	if totalSize == 0 || pieceSize == 0 {
		return 0
	}
	return uint32((totalSize + uint64(pieceSize) - 1) / uint64(pieceSize))
}

// Split reads src into sequential, non-overlapping pieces of pieceSize
// bytes. The source is consumed incrementally, so callers can stream large
// files without holding a second full copy in memory. The last piece holds
// whatever remainder the source ends with. An empty source yields no pieces.
func Split(src io.Reader, pieceSize uint32) ([]Piece, error) {
	if pieceSize == 0 {
		return nil, ErrInvalidPieceSize
	}

	var pieces []Piece
	var index uint32
	buf := make([]byte, pieceSize)

	for {
		n, err := io.ReadFull(src, buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			pieces = append(pieces, Piece{Index: index, Data: data})
			index++
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return pieces, nil
		}
		if err != nil {
			return nil, fmt.Errorf("reading source at piece %d: %w", index, err)
		}
	}
}

// SplitBytes splits an in-memory buffer. See Split.
func SplitBytes(data []byte, pieceSize uint32) ([]Piece, error) {
	return Split(bytes.NewReader(data), pieceSize)
}

// Assemble concatenates pieces in index order and verifies the result.
// Every index in [0, numPieces) must be present and the concatenation must
// equal expectedTotalSize exactly; the result is never silently truncated
// or padded.
func Assemble(pieces map[uint32][]byte, numPieces uint32, expectedTotalSize uint64) ([]byte, error) {
	out := make([]byte, 0, expectedTotalSize)
	for i := uint32(0); i < numPieces; i++ {
		data, ok := pieces[i]
		if !ok {
			return nil, fmt.Errorf("%w: index %d", ErrMissingPiece, i)
		}
		out = append(out, data...)
	}
	if uint64(len(out)) != expectedTotalSize {
		return nil, fmt.Errorf("%w: assembled %d bytes, expected %d", ErrSizeMismatch, len(out), expectedTotalSize)
	}
	return out, nil
}
