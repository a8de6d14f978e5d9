package receiver

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/akita/hashing"
	"github.com/opd-ai/akita/limits"
	"github.com/opd-ai/akita/message"
	"github.com/opd-ai/akita/piece"
	"github.com/opd-ai/akita/storage"
	"github.com/opd-ai/akita/transport"
)

// ErrNilTransport indicates construction without a transport capability.
var ErrNilTransport = errors.New("transport must not be nil")

// ErrNilSaver indicates construction without a save capability.
var ErrNilSaver = errors.New("saver must not be nil")

// ErrTransferNotFound indicates a query for an unknown transfer id.
var ErrTransferNotFound = errors.New("transfer not found")

// broadcastPrefix distinguishes broadcast transfers from directed ones
// arriving from the same origin.
const broadcastPrefix = "broadcast_"

// TransferID derives the registry key for a transfer from its origin and
// broadcast flag.
func TransferID(origin string, isBroadcast bool) string {
	if isBroadcast {
		return broadcastPrefix + origin
	}
	return origin
}

// Saver is the save capability: it persists a completed file. Filenames
// arrive from untrusted peers, so implementations must sanitize before any
// filesystem interaction.
type Saver interface {
	Save(filename string, data []byte) error
}

// TransferStore is the optional resume-persistence capability. A nil store
// disables persistence entirely; store errors are logged and never fail a
// transfer.
type TransferStore interface {
	SaveDescriptor(rec *storage.TransferRecord) error
	SavePiece(id string, index uint32, data []byte) error
	DeletePiece(id string, index uint32) error
	DeleteTransfer(id string) error
	LoadAll() ([]storage.StoredTransfer, error)
}

// Config carries the receiver's tunables.
type Config struct {
	// MaxRetries is how many resume requests may be sent for a single
	// piece before the whole transfer fails.
	MaxRetries int

	// RequestInterval is the minimum gap between resume requests for one
	// transfer.
	RequestInterval time.Duration

	// InactivityTimeout fails a transfer that has received nothing for
	// this long.
	InactivityTimeout time.Duration

	// Channel is the logical transport channel for outbound resume requests.
	Channel uint32

	// Hash selects the content-hash algorithm for received piece digests.
	// It must match the sender's choice.
	Hash hashing.Algorithm

	// Store enables resume persistence when non-nil.
	Store TransferStore

	// Logger receives structured log output; nil selects the standard logger.
	Logger *logrus.Logger
}

// DefaultConfig returns the receiver defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:        3,
		RequestInterval:   10 * time.Second,
		InactivityTimeout: 300 * time.Second,
		Channel:           transport.DefaultChannel,
		Hash:              hashing.SHA256,
	}
}

// Receiver manages the receiving side of file transfers: one state machine
// per (origin, broadcast-flag), driven by inbound messages and a periodic
// tick.
type Receiver struct {
	transport transport.Transport
	saver     Saver
	config    Config
	logger    *logrus.Logger
	clock     TimeProvider

	mu        sync.Mutex
	transfers map[string]*transfer
}

// New creates a Receiver. Both capabilities are mandatory and checked
// here, before any transfer begins.
func New(t transport.Transport, saver Saver, cfg Config) (*Receiver, error) {
	if t == nil {
		return nil, ErrNilTransport
	}
	if saver == nil {
		return nil, ErrNilSaver
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RequestInterval == 0 {
		cfg.RequestInterval = 10 * time.Second
	}
	if cfg.InactivityTimeout == 0 {
		cfg.InactivityTimeout = 300 * time.Second
	}
	if cfg.Channel == 0 {
		cfg.Channel = transport.DefaultChannel
	}

	logger.WithFields(logrus.Fields{
		"function":           "New",
		"max_retries":        cfg.MaxRetries,
		"request_interval":   cfg.RequestInterval,
		"inactivity_timeout": cfg.InactivityTimeout,
		"resume_store":       cfg.Store != nil,
	}).Info("Receiver initialized")

	return &Receiver{
		transport: t,
		saver:     saver,
		config:    cfg,
		logger:    logger,
		clock:     realTimeProvider{},
		transfers: make(map[string]*transfer),
	}, nil
}

// SetTimeProvider replaces the clock. Intended for deterministic tests.
func (r *Receiver) SetTimeProvider(tp TimeProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clock = tp
}

// HandleFileStart processes a transfer announcement. An invalid descriptor
// aborts creation with a logged error and nothing stored; a duplicate
// announcement discards the old state and re-initializes. An empty file is
// assembled and saved immediately, with no transfer state created.
func (r *Receiver) HandleFileStart(origin string, fs message.FileStart, isBroadcast bool) {
	id := TransferID(origin, isBroadcast)

	if err := limits.ValidateFileSize(fs.TotalSize); err != nil {
		r.logger.WithFields(logrus.Fields{
			"function":    "HandleFileStart",
			"transfer_id": id,
			"total_size":  fs.TotalSize,
			"error":       err.Error(),
		}).Error("Rejecting transfer announcement")
		return
	}

	pieceSize := fs.PieceSize
	if fs.TotalSize > 0 {
		if err := limits.ValidatePieceSize(pieceSize, fs.TotalSize); err != nil {
			r.logger.WithFields(logrus.Fields{
				"function":    "HandleFileStart",
				"transfer_id": id,
				"piece_size":  pieceSize,
				"error":       err.Error(),
			}).Error("Rejecting transfer announcement")
			return
		}
		if uint64(pieceSize) > fs.TotalSize {
			r.logger.WithFields(logrus.Fields{
				"function":    "HandleFileStart",
				"transfer_id": id,
				"piece_size":  pieceSize,
				"total_size":  fs.TotalSize,
			}).Warn("Piece size exceeds file size, correcting down")
			pieceSize = uint32(fs.TotalSize)
		}
	}

	if fs.TotalSize == 0 {
		r.mu.Lock()
		_, existed := r.transfers[id]
		delete(r.transfers, id)
		r.mu.Unlock()
		if existed {
			r.deleteStored(id)
		}

		if err := r.saver.Save(fs.Filename, []byte{}); err != nil {
			r.logger.WithFields(logrus.Fields{
				"function":    "HandleFileStart",
				"transfer_id": id,
				"file_name":   fs.Filename,
				"error":       err.Error(),
			}).Error("Failed to save empty file")
			return
		}
		r.logger.WithFields(logrus.Fields{
			"function":    "HandleFileStart",
			"transfer_id": id,
			"file_name":   fs.Filename,
		}).Info("Empty file transfer complete")
		return
	}

	now := r.clock.Now()
	tr := &transfer{
		traceID:      uuid.NewString(),
		origin:       origin,
		isBroadcast:  isBroadcast,
		filename:     fs.Filename,
		totalSize:    fs.TotalSize,
		pieceSize:    pieceSize,
		numPieces:    piece.Count(fs.TotalSize, pieceSize),
		merkleRoot:   fs.MerkleRoot,
		pieceHashes:  fs.PieceHashes,
		state:        StateCollecting,
		startTime:    now,
		lastActivity: now,
		lastRequest:  now,
	}
	tr.resetLocked()

	r.mu.Lock()
	_, replaced := r.transfers[id]
	r.transfers[id] = tr
	r.mu.Unlock()

	if replaced {
		r.logger.WithFields(logrus.Fields{
			"function":    "HandleFileStart",
			"transfer_id": id,
		}).Debug("Duplicate announcement, re-initializing transfer")
	}
	r.saveDescriptor(id, tr)

	r.logger.WithFields(logrus.Fields{
		"function":    "HandleFileStart",
		"transfer_id": id,
		"trace_id":    tr.traceID,
		"file_name":   fs.Filename,
		"total_size":  fs.TotalSize,
		"num_pieces":  tr.numPieces,
		"merkle":      fs.MerkleRoot != "",
		"broadcast":   isBroadcast,
	}).Info("Transfer announced")
}

// HandlePieceData processes one received piece. Unknown transfers,
// out-of-range indices, and duplicates are ignored; an accepted piece is
// stored, hashed, and may trigger the completion check.
func (r *Receiver) HandlePieceData(origin string, pd message.PieceData, isBroadcast bool) {
	id := TransferID(origin, isBroadcast)

	r.mu.Lock()
	tr, ok := r.transfers[id]
	if !ok || tr.state != StateCollecting {
		r.mu.Unlock()
		r.logger.WithFields(logrus.Fields{
			"function":    "HandlePieceData",
			"transfer_id": id,
			"piece_index": pd.PieceIndex,
		}).Debug("Ignoring piece for unknown or finished transfer")
		return
	}
	if pd.PieceIndex >= tr.numPieces {
		numPieces := tr.numPieces
		r.mu.Unlock()
		r.logger.WithFields(logrus.Fields{
			"function":    "HandlePieceData",
			"transfer_id": id,
			"piece_index": pd.PieceIndex,
			"num_pieces":  numPieces,
		}).Error("Ignoring out-of-range piece index")
		return
	}
	if _, dup := tr.received[pd.PieceIndex]; dup {
		r.mu.Unlock()
		r.logger.WithFields(logrus.Fields{
			"function":    "HandlePieceData",
			"transfer_id": id,
			"piece_index": pd.PieceIndex,
		}).Debug("Ignoring duplicate piece")
		return
	}

	hash, err := hashing.CalculateHashWith(r.config.Hash, pd.Data)
	if err != nil {
		r.mu.Unlock()
		r.logger.WithFields(logrus.Fields{
			"function":    "HandlePieceData",
			"transfer_id": id,
			"error":       err.Error(),
		}).Error("Cannot hash piece")
		return
	}

	tr.received[pd.PieceIndex] = pd.Data
	tr.receivedHashes[pd.PieceIndex] = hash
	delete(tr.requested, pd.PieceIndex)
	delete(tr.retries, pd.PieceIndex)
	tr.lastActivity = r.clock.Now()
	complete := uint32(len(tr.received)) == tr.numPieces
	r.mu.Unlock()

	r.savePiece(id, pd.PieceIndex, pd.Data)

	r.logger.WithFields(logrus.Fields{
		"function":    "HandlePieceData",
		"transfer_id": id,
		"piece_index": pd.PieceIndex,
		"bytes":       len(pd.Data),
	}).Debug("Piece received")

	// Reception drives verification, not only the timer: a late
	// out-of-order arrival completes the set right here.
	if complete {
		r.checkCompletion(id)
	}
}

// Progress returns received and total piece counts for a transfer.
func (r *Receiver) Progress(id string) (received, total uint32, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tr, ok := r.transfers[id]
	if !ok {
		return 0, 0, fmt.Errorf("%w: %s", ErrTransferNotFound, id)
	}
	return uint32(len(tr.received)), tr.numPieces, nil
}

// CleanupTransfer removes all state for a transfer id, including any
// persisted resume data.
func (r *Receiver) CleanupTransfer(id string) {
	r.mu.Lock()
	tr, ok := r.transfers[id]
	if ok {
		delete(r.transfers, id)
	}
	r.mu.Unlock()

	if ok {
		r.deleteStored(id)
		r.logger.WithFields(logrus.Fields{
			"function":    "CleanupTransfer",
			"transfer_id": id,
			"trace_id":    tr.traceID,
		}).Info("Transfer state removed")
	}
}

// ActiveTransfers lists live transfer ids, in no particular order.
func (r *Receiver) ActiveTransfers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.transfers))
	for id := range r.transfers {
		out = append(out, id)
	}
	return out
}

// saveDescriptor persists the transfer descriptor when a store is
// configured. Re-saving an existing id resets its persisted pieces.
func (r *Receiver) saveDescriptor(id string, tr *transfer) {
	if r.config.Store == nil {
		return
	}
	rec := &storage.TransferRecord{
		ID:          id,
		SourceNode:  tr.origin,
		IsBroadcast: tr.isBroadcast,
		Filename:    tr.filename,
		TotalSize:   tr.totalSize,
		PieceSize:   tr.pieceSize,
		MerkleRoot:  tr.merkleRoot,
		PieceHashes: tr.pieceHashes,
	}
	if err := r.config.Store.SaveDescriptor(rec); err != nil {
		r.logger.WithFields(logrus.Fields{
			"function":    "saveDescriptor",
			"transfer_id": id,
			"error":       err.Error(),
		}).Warn("Resume store write failed")
	}
}

func (r *Receiver) savePiece(id string, index uint32, data []byte) {
	if r.config.Store == nil {
		return
	}
	if err := r.config.Store.SavePiece(id, index, data); err != nil {
		r.logger.WithFields(logrus.Fields{
			"function":    "savePiece",
			"transfer_id": id,
			"piece_index": index,
			"error":       err.Error(),
		}).Warn("Resume store write failed")
	}
}

func (r *Receiver) deletePieceStored(id string, index uint32) {
	if r.config.Store == nil {
		return
	}
	if err := r.config.Store.DeletePiece(id, index); err != nil {
		r.logger.WithFields(logrus.Fields{
			"function":    "deletePieceStored",
			"transfer_id": id,
			"piece_index": index,
			"error":       err.Error(),
		}).Warn("Resume store delete failed")
	}
}

func (r *Receiver) deleteStored(id string) {
	if r.config.Store == nil {
		return
	}
	if err := r.config.Store.DeleteTransfer(id); err != nil {
		r.logger.WithFields(logrus.Fields{
			"function":    "deleteStored",
			"transfer_id": id,
			"error":       err.Error(),
		}).Warn("Resume store delete failed")
	}
}
