// Package limits provides centralized size limits for the transfer protocol.
// This ensures consistent validation across different components of the system.
package limits

import (
	"errors"
	"fmt"
)

const (
	// MinPieceSize is the smallest allowed piece size (64 bytes).
	// Anything smaller wastes the narrow radio link on per-piece overhead.
	MinPieceSize = 64

	// MaxPieceSize is the largest allowed piece size (1 MiB).
	// Real radio transports cap payloads far below this; the bound exists
	// to reject absurd descriptors before any buffer is allocated.
	MaxPieceSize = 1024 * 1024

	// DefaultPieceSize is the piece size used when the caller does not
	// choose one (1024 bytes, small enough for low-bandwidth links).
	DefaultPieceSize = 1024

	// MaxFileSize is the absolute maximum transferable file size (10 GiB).
	// This prevents memory and disk exhaustion from hostile descriptors.
	MaxFileSize = 10 * 1024 * 1024 * 1024
)

var (
	// ErrPieceSizeOutOfRange indicates a piece size outside [MinPieceSize, MaxPieceSize].
	ErrPieceSizeOutOfRange = errors.New("piece size out of range")

	// ErrZeroPieceSize indicates a zero piece size for a non-empty file.
	ErrZeroPieceSize = errors.New("piece size is zero for non-empty file")

	// ErrFileTooLarge indicates a file exceeding MaxFileSize.
	ErrFileTooLarge = errors.New("file too large")
)

// ClampPieceSize forces pieceSize into [MinPieceSize, MaxPieceSize] and then
// down to totalSize when the piece would be larger than the whole file.
// A zero totalSize returns pieceSize clamped to the range only, since an
// empty file carries no pieces at all.
func ClampPieceSize(pieceSize uint32, totalSize uint64) uint32 {
	if pieceSize < MinPieceSize {
		pieceSize = MinPieceSize
	}
	if pieceSize > MaxPieceSize {
		pieceSize = MaxPieceSize
	}
	if totalSize > 0 && uint64(pieceSize) > totalSize {
		pieceSize = uint32(totalSize)
	}
	return pieceSize
}

// ValidatePieceSize validates a piece size for a file of totalSize bytes.
// Empty files are exempt: they carry no pieces, so any piece size passes.
// A piece covering the whole file is valid even below MinPieceSize, since
// senders clamp the piece size down to the file size for small files.
func ValidatePieceSize(pieceSize uint32, totalSize uint64) error {
	if totalSize == 0 {
		return nil
	}
	if pieceSize == 0 {
		return ErrZeroPieceSize
	}
	if pieceSize > MaxPieceSize {
		return fmt.Errorf("%w: %d not in [%d, %d]", ErrPieceSizeOutOfRange, pieceSize, MinPieceSize, MaxPieceSize)
	}
	if pieceSize < MinPieceSize && uint64(pieceSize) < totalSize {
		return fmt.Errorf("%w: %d not in [%d, %d]", ErrPieceSizeOutOfRange, pieceSize, MinPieceSize, MaxPieceSize)
	}
	return nil
}

// ValidateFileSize validates a total file size against MaxFileSize.
func ValidateFileSize(totalSize uint64) error {
	if totalSize > MaxFileSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrFileTooLarge, totalSize, uint64(MaxFileSize))
	}
	return nil
}
