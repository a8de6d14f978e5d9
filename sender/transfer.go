package sender

import "time"

// Status represents the lifecycle state of one outgoing transfer.
type Status uint8

const (
	// StatusSending indicates pieces are still being transmitted or awaited.
	StatusSending Status = iota
	// StatusComplete indicates the receiver acknowledged every piece.
	StatusComplete
	// StatusAbandoned indicates the sender gave up after repeated transport
	// failures on a single piece. Distinct from StatusComplete so callers
	// can tell success from give-up.
	StatusAbandoned
)

// String returns a human-readable status name.
func (s Status) String() string {
	switch s {
	case StatusSending:
		return "sending"
	case StatusComplete:
		return "complete"
	case StatusAbandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

// maxConsecutiveSendFailures is the per-piece cap on back-to-back transport
// failures before the whole transfer is abandoned. Looping forever on an
// unreachable peer would starve every other transfer of the link.
const maxConsecutiveSendFailures = 5

// transfer is the sender-side state for one recipient. All fields are
// guarded by the owning Sender's mutex; nothing outside the Sender ever
// holds a reference to a transfer.
type transfer struct {
	traceID   string
	filename  string
	totalSize uint64
	pieceSize uint32
	numPieces uint32

	pieces      [][]byte
	pieceHashes []string
	merkleRoot  string

	acknowledged []bool
	sendFailures []uint32

	delay      time.Duration
	retryCount int
	status     Status
}

// ackedCount returns how many pieces the receiver has confirmed so far.
func (t *transfer) ackedCount() uint32 {
	var n uint32
	for _, ok := range t.acknowledged {
		if ok {
			n++
		}
	}
	return n
}

// allAcknowledged reports whether every piece has been confirmed.
func (t *transfer) allAcknowledged() bool {
	return t.ackedCount() == t.numPieces
}
