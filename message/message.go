package message

import "github.com/opd-ai/akita/piece"

// Type identifies one of the protocol's message variants on the wire.
type Type uint8

const (
	// TypeFileStart announces a new transfer and its integrity metadata.
	TypeFileStart Type = iota + 1
	// TypePieceData carries one indexed piece of the file.
	TypePieceData
	// TypeResumeRequest reports missing and held pieces back to the sender.
	TypeResumeRequest
	// TypeAcknowledgement confirms a single piece. Reserved: the state
	// machines do not consume it, but the codec round-trips it so future
	// versions can.
	TypeAcknowledgement
)

// FileStart describes the file about to be transferred. Exactly one of
// MerkleRoot and PieceHashes is the verification source; both empty means
// the receiver accepts on piece count alone.
type FileStart struct {
	Filename    string
	TotalSize   uint64
	PieceSize   uint32
	MerkleRoot  string
	PieceHashes []string
}

// NumPieces returns how many pieces the descriptor implies.
func (fs *FileStart) NumPieces() uint32 {
	return piece.Count(fs.TotalSize, fs.PieceSize)
}

// PieceData carries the bytes of one piece.
type PieceData struct {
	PieceIndex uint32
	Data       []byte
}

// ResumeRequest reports which piece indices the receiver still needs and
// which it already holds. Acknowledged indices are cumulative possession,
// not a delta, so the sender's bitmap stays monotonic.
type ResumeRequest struct {
	MissingIndices      []uint32
	AcknowledgedIndices []uint32
}

// Acknowledgement confirms receipt of a single piece. Reserved.
type Acknowledgement struct {
	PieceIndex uint32
}
