package message

import (
	"bytes"
	"errors"
	"fmt"
	"math"

	bencode "github.com/jackpal/bencode-go"
)

// ErrEmptyPayload indicates a payload with no room for the type marker.
var ErrEmptyPayload = errors.New("empty payload")

// ErrUnknownType indicates a payload whose type marker is not a known variant.
var ErrUnknownType = errors.New("unknown message type")

// ErrMalformedPayload indicates a payload body that failed to decode.
var ErrMalformedPayload = errors.New("malformed payload")

// Wire layout: one type byte followed by the bencoded body. The wire structs
// below keep the bencode field set explicit and use signed integers, which
// is all bencode natively carries.

type fileStartWire struct {
	Filename    string   `bencode:"fn"`
	TotalSize   int64    `bencode:"ts"`
	PieceSize   int64    `bencode:"ps"`
	MerkleRoot  string   `bencode:"mr"`
	PieceHashes []string `bencode:"ph"`
}

type pieceDataWire struct {
	PieceIndex int64  `bencode:"pi"`
	Data       string `bencode:"d"`
}

type resumeRequestWire struct {
	MissingIndices      []int64 `bencode:"mi"`
	AcknowledgedIndices []int64 `bencode:"ai"`
}

type acknowledgementWire struct {
	PieceIndex int64 `bencode:"pi"`
}

func toWireIndices(indices []uint32) []int64 {
	out := make([]int64, len(indices))
	for i, v := range indices {
		out[i] = int64(v)
	}
	return out
}

func fromWireIndices(indices []int64) ([]uint32, error) {
	out := make([]uint32, len(indices))
	for i, v := range indices {
		if v < 0 || v > math.MaxUint32 {
			return nil, fmt.Errorf("%w: index %d out of range", ErrMalformedPayload, v)
		}
		out[i] = uint32(v)
	}
	return out, nil
}

// Encode serializes a message variant into a transport payload.
// msg must be one of FileStart, PieceData, ResumeRequest, or Acknowledgement.
func Encode(msg interface{}) ([]byte, error) {
	var (
		t    Type
		body interface{}
	)

	switch m := msg.(type) {
	case FileStart:
		hashes := m.PieceHashes
		if hashes == nil {
			hashes = []string{}
		}
		t = TypeFileStart
		body = fileStartWire{
			Filename:    m.Filename,
			TotalSize:   int64(m.TotalSize),
			PieceSize:   int64(m.PieceSize),
			MerkleRoot:  m.MerkleRoot,
			PieceHashes: hashes,
		}
	case PieceData:
		t = TypePieceData
		body = pieceDataWire{PieceIndex: int64(m.PieceIndex), Data: string(m.Data)}
	case ResumeRequest:
		t = TypeResumeRequest
		body = resumeRequestWire{
			MissingIndices:      toWireIndices(m.MissingIndices),
			AcknowledgedIndices: toWireIndices(m.AcknowledgedIndices),
		}
	case Acknowledgement:
		t = TypeAcknowledgement
		body = acknowledgementWire{PieceIndex: int64(m.PieceIndex)}
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, msg)
	}

	var buf bytes.Buffer
	buf.WriteByte(byte(t))
	if err := bencode.Marshal(&buf, body); err != nil {
		return nil, fmt.Errorf("encoding %T: %w", msg, err)
	}
	return buf.Bytes(), nil
}

// Decode parses a transport payload into one of the message variants.
// The returned value is a FileStart, PieceData, ResumeRequest, or
// Acknowledgement by value.
func Decode(payload []byte) (interface{}, error) {
	if len(payload) == 0 {
		return nil, ErrEmptyPayload
	}

	body := bytes.NewReader(payload[1:])

	switch Type(payload[0]) {
	case TypeFileStart:
		var w fileStartWire
		if err := bencode.Unmarshal(body, &w); err != nil {
			return nil, fmt.Errorf("%w: file start: %v", ErrMalformedPayload, err)
		}
		if w.TotalSize < 0 || w.PieceSize < 0 {
			return nil, fmt.Errorf("%w: negative size fields", ErrMalformedPayload)
		}
		if w.PieceSize > math.MaxUint32 {
			return nil, fmt.Errorf("%w: piece size %d out of range", ErrMalformedPayload, w.PieceSize)
		}
		return FileStart{
			Filename:    w.Filename,
			TotalSize:   uint64(w.TotalSize),
			PieceSize:   uint32(w.PieceSize),
			MerkleRoot:  w.MerkleRoot,
			PieceHashes: w.PieceHashes,
		}, nil
	case TypePieceData:
		var w pieceDataWire
		if err := bencode.Unmarshal(body, &w); err != nil {
			return nil, fmt.Errorf("%w: piece data: %v", ErrMalformedPayload, err)
		}
		if w.PieceIndex < 0 || w.PieceIndex > math.MaxUint32 {
			return nil, fmt.Errorf("%w: piece index %d out of range", ErrMalformedPayload, w.PieceIndex)
		}
		return PieceData{PieceIndex: uint32(w.PieceIndex), Data: []byte(w.Data)}, nil
	case TypeResumeRequest:
		var w resumeRequestWire
		if err := bencode.Unmarshal(body, &w); err != nil {
			return nil, fmt.Errorf("%w: resume request: %v", ErrMalformedPayload, err)
		}
		missing, err := fromWireIndices(w.MissingIndices)
		if err != nil {
			return nil, err
		}
		acked, err := fromWireIndices(w.AcknowledgedIndices)
		if err != nil {
			return nil, err
		}
		return ResumeRequest{
			MissingIndices:      missing,
			AcknowledgedIndices: acked,
		}, nil
	case TypeAcknowledgement:
		var w acknowledgementWire
		if err := bencode.Unmarshal(body, &w); err != nil {
			return nil, fmt.Errorf("%w: acknowledgement: %v", ErrMalformedPayload, err)
		}
		if w.PieceIndex < 0 || w.PieceIndex > math.MaxUint32 {
			return nil, fmt.Errorf("%w: piece index %d out of range", ErrMalformedPayload, w.PieceIndex)
		}
		return Acknowledgement{PieceIndex: uint32(w.PieceIndex)}, nil
	default:
		return nil, fmt.Errorf("%w: marker %d", ErrUnknownType, payload[0])
	}
}
