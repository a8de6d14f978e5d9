package receiver

import "time"

// State represents the lifecycle state of one incoming transfer.
type State uint8

const (
	// StateCollecting indicates pieces are still being gathered.
	StateCollecting State = iota
	// StateComplete indicates the file verified, assembled, and was handed
	// to the save capability.
	StateComplete
	// StateFailed indicates retry exhaustion, inactivity, or a fatal
	// integrity failure. No partial file is ever delivered.
	StateFailed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateCollecting:
		return "collecting"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// TimeProvider abstracts the clock so timeout behavior is testable
// without real waiting.
type TimeProvider interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

type realTimeProvider struct{}

func (realTimeProvider) Now() time.Time                  { return time.Now() }
func (realTimeProvider) Since(t time.Time) time.Duration { return time.Since(t) }

// transfer is the receiver-side state for one incoming file. All fields
// are guarded by the owning Receiver's mutex; nothing outside the Receiver
// ever holds a reference to a transfer.
type transfer struct {
	traceID     string
	origin      string
	isBroadcast bool

	filename  string
	totalSize uint64
	pieceSize uint32
	numPieces uint32

	// Exactly one of merkleRoot and pieceHashes is the verification
	// source; both empty means acceptance on piece count alone.
	merkleRoot  string
	pieceHashes []string

	received       map[uint32][]byte
	receivedHashes map[uint32]string
	requested      map[uint32]struct{}
	retries        map[uint32]int

	state State

	startTime    time.Time
	lastActivity time.Time
	lastRequest  time.Time
}

// missingLocked returns the sorted indices not yet received. Caller holds
// the registry lock.
func (t *transfer) missingLocked() []uint32 {
	var out []uint32
	for i := uint32(0); i < t.numPieces; i++ {
		if _, ok := t.received[i]; !ok {
			out = append(out, i)
		}
	}
	return out
}

// heldLocked returns the sorted indices currently held. The receiver
// reports cumulative possession, not a delta, so the sender's bitmap stays
// monotonic across repeated requests. Caller holds the registry lock.
func (t *transfer) heldLocked() []uint32 {
	out := make([]uint32, 0, len(t.received))
	for i := uint32(0); i < t.numPieces; i++ {
		if _, ok := t.received[i]; ok {
			out = append(out, i)
		}
	}
	return out
}

// resetLocked discards every received piece and all per-piece bookkeeping,
// marking the full index range missing again. Caller holds the registry lock.
func (t *transfer) resetLocked() {
	t.received = make(map[uint32][]byte)
	t.receivedHashes = make(map[uint32]string)
	t.requested = make(map[uint32]struct{})
	t.retries = make(map[uint32]int)
}
