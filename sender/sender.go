package sender

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/akita/hashing"
	"github.com/opd-ai/akita/limits"
	"github.com/opd-ai/akita/message"
	"github.com/opd-ai/akita/piece"
	"github.com/opd-ai/akita/transport"
)

// ErrNilTransport indicates construction without a transport capability.
var ErrNilTransport = errors.New("transport must not be nil")

// ErrEmptyPath indicates a transfer start with an empty file path.
var ErrEmptyPath = errors.New("file path must not be empty")

// ErrTransferNotFound indicates a query for a recipient with no transfer state.
var ErrTransferNotFound = errors.New("transfer not found")

// Config carries the sender's tunables.
type Config struct {
	// PieceSize is the requested piece size; it is clamped to the protocol
	// bounds and to the file size before use.
	PieceSize uint32

	// UseMerkleRoot selects Merkle-root integrity metadata in the FileStart.
	// When false, or when root computation fails, the explicit per-piece
	// hash list is sent instead.
	UseMerkleRoot bool

	// Hash selects the content-hash algorithm for piece digests.
	Hash hashing.Algorithm

	// Channel is the logical transport channel for outbound messages.
	Channel uint32

	// Pacing is the per-recipient send-delay policy.
	Pacing PacingPolicy

	// Logger receives structured log output; nil selects the standard logger.
	Logger *logrus.Logger
}

// DefaultConfig returns the sender defaults.
func DefaultConfig() Config {
	return Config{
		PieceSize:     limits.DefaultPieceSize,
		UseMerkleRoot: true,
		Hash:          hashing.SHA256,
		Channel:       transport.DefaultChannel,
		Pacing:        DefaultPacingPolicy(),
	}
}

// Sender manages the sending side of file transfers: one state machine per
// recipient, plus the pacing that keeps a narrow transport from being
// flooded.
type Sender struct {
	transport transport.Transport
	config    Config
	logger    *logrus.Logger

	mu        sync.Mutex
	transfers map[string]*transfer
}

// New creates a Sender. The transport capability is mandatory and checked
// here, before any transfer begins.
func New(t transport.Transport, cfg Config) (*Sender, error) {
	if t == nil {
		return nil, ErrNilTransport
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if cfg.Pacing == (PacingPolicy{}) {
		cfg.Pacing = DefaultPacingPolicy()
	}
	if cfg.PieceSize == 0 {
		cfg.PieceSize = limits.DefaultPieceSize
	}
	if cfg.Channel == 0 {
		cfg.Channel = transport.DefaultChannel
	}

	logger.WithFields(logrus.Fields{
		"function":   "New",
		"piece_size": cfg.PieceSize,
		"merkle":     cfg.UseMerkleRoot,
	}).Info("Sender initialized")

	return &Sender{
		transport: t,
		config:    cfg,
		logger:    logger,
		transfers: make(map[string]*transfer),
	}, nil
}

// StartTransfer begins sending the file at path to the recipient. The file
// is split into pieces streamed from disk, a FileStart is transmitted, and
// every piece is sent once as an initial burst. An already running transfer
// to the same recipient is replaced.
func (s *Sender) StartTransfer(recipientID, path string) error {
	if path == "" {
		return ErrEmptyPath
	}

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("source unreadable: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("source is a directory: %s", path)
	}
	if err := limits.ValidateFileSize(uint64(info.Size())); err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("source unreadable: %w", err)
	}
	defer f.Close()

	pieceSize := limits.ClampPieceSize(s.config.PieceSize, uint64(info.Size()))
	pieces, err := piece.Split(f, pieceSize)
	if err != nil {
		return fmt.Errorf("splitting source: %w", err)
	}

	return s.startTransfer(recipientID, filepath.Base(path), uint64(info.Size()), pieceSize, pieces)
}

// StartTransferData begins sending an in-memory buffer under the given
// filename. Used by callers that already hold the bytes.
func (s *Sender) StartTransferData(recipientID, filename string, data []byte) error {
	if err := limits.ValidateFileSize(uint64(len(data))); err != nil {
		return err
	}

	pieceSize := limits.ClampPieceSize(s.config.PieceSize, uint64(len(data)))
	pieces, err := piece.SplitBytes(data, pieceSize)
	if err != nil {
		return fmt.Errorf("splitting source: %w", err)
	}
	return s.startTransfer(recipientID, filename, uint64(len(data)), pieceSize, pieces)
}

func (s *Sender) startTransfer(recipientID, filename string, totalSize uint64, pieceSize uint32, pieces []piece.Piece) error {
	numPieces := piece.Count(totalSize, pieceSize)

	pieceData := make([][]byte, numPieces)
	pieceHashes := make([]string, numPieces)
	for _, p := range pieces {
		h, err := hashing.CalculateHashWith(s.config.Hash, p.Data)
		if err != nil {
			return fmt.Errorf("hashing piece %d: %w", p.Index, err)
		}
		pieceData[p.Index] = p.Data
		pieceHashes[p.Index] = h
	}

	fs := message.FileStart{
		Filename:  filename,
		TotalSize: totalSize,
		PieceSize: pieceSize,
	}

	var merkleRoot string
	if s.config.UseMerkleRoot && numPieces > 0 {
		root, err := hashing.MerkleRoot(pieceHashes)
		if err != nil {
			s.logger.WithFields(logrus.Fields{
				"function":  "startTransfer",
				"recipient": recipientID,
				"error":     err.Error(),
			}).Warn("Merkle root unavailable, falling back to per-piece hashes")
			fs.PieceHashes = pieceHashes
		} else {
			merkleRoot = root
			fs.MerkleRoot = root
		}
	} else if numPieces > 0 {
		fs.PieceHashes = pieceHashes
	}

	payload, err := message.Encode(fs)
	if err != nil {
		return fmt.Errorf("encoding file start: %w", err)
	}
	if err := s.transport.Send(recipientID, payload, s.config.Channel); err != nil {
		return fmt.Errorf("sending file start: %w", err)
	}

	tr := &transfer{
		traceID:      uuid.NewString(),
		filename:     filename,
		totalSize:    totalSize,
		pieceSize:    pieceSize,
		numPieces:    numPieces,
		pieces:       pieceData,
		pieceHashes:  pieceHashes,
		merkleRoot:   merkleRoot,
		acknowledged: make([]bool, numPieces),
		sendFailures: make([]uint32, numPieces),
		delay:        s.config.Pacing.Initial,
		status:       StatusSending,
	}
	if numPieces == 0 {
		tr.status = StatusComplete
	}

	s.mu.Lock()
	if _, exists := s.transfers[recipientID]; exists {
		s.logger.WithFields(logrus.Fields{
			"function":  "startTransfer",
			"recipient": recipientID,
		}).Debug("Replacing existing transfer to recipient")
	}
	s.transfers[recipientID] = tr
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"function":   "startTransfer",
		"recipient":  recipientID,
		"trace_id":   tr.traceID,
		"file_name":  filename,
		"total_size": totalSize,
		"num_pieces": numPieces,
		"merkle":     merkleRoot != "",
	}).Info("Transfer started")

	if numPieces > 0 {
		all := make([]uint32, numPieces)
		for i := range all {
			all[i] = uint32(i)
		}
		s.sendPieces(recipientID, all)
	}
	return nil
}

// sendPieces transmits the given piece indices to the recipient, sleeping
// for the transfer's current pacing delay after each piece. The registry
// lock is never held across a send or a sleep; the transfer's liveness is
// re-checked before every piece so a concurrent completion or cleanup makes
// the remainder a no-op.
func (s *Sender) sendPieces(recipientID string, indices []uint32) {
	for _, idx := range indices {
		s.mu.Lock()
		tr, ok := s.transfers[recipientID]
		if !ok || tr.status != StatusSending {
			s.mu.Unlock()
			return
		}
		if idx >= tr.numPieces {
			s.mu.Unlock()
			s.logger.WithFields(logrus.Fields{
				"function":    "sendPieces",
				"recipient":   recipientID,
				"piece_index": idx,
			}).Warn("Skipping out-of-range piece index")
			continue
		}
		data := tr.pieces[idx]
		delay := tr.delay
		traceID := tr.traceID
		s.mu.Unlock()

		payload, err := message.Encode(message.PieceData{PieceIndex: idx, Data: data})
		if err != nil {
			s.logger.WithFields(logrus.Fields{
				"function":    "sendPieces",
				"recipient":   recipientID,
				"piece_index": idx,
				"error":       err.Error(),
			}).Error("Failed to encode piece")
			continue
		}

		sendErr := s.transport.Send(recipientID, payload, s.config.Channel)

		s.mu.Lock()
		tr, ok = s.transfers[recipientID]
		if !ok || tr.status != StatusSending || idx >= tr.numPieces {
			s.mu.Unlock()
			return
		}
		if sendErr != nil {
			tr.sendFailures[idx]++
			failures := tr.sendFailures[idx]
			if failures >= maxConsecutiveSendFailures {
				tr.status = StatusAbandoned
				s.mu.Unlock()
				s.logger.WithFields(logrus.Fields{
					"function":    "sendPieces",
					"recipient":   recipientID,
					"trace_id":    traceID,
					"piece_index": idx,
					"failures":    failures,
				}).Error("Abandoning transfer after repeated send failures")
				return
			}
			s.mu.Unlock()
			s.logger.WithFields(logrus.Fields{
				"function":    "sendPieces",
				"recipient":   recipientID,
				"piece_index": idx,
				"failures":    failures,
				"error":       sendErr.Error(),
			}).Warn("Piece send failed")
		} else {
			tr.sendFailures[idx] = 0
			s.mu.Unlock()
			s.logger.WithFields(logrus.Fields{
				"function":    "sendPieces",
				"recipient":   recipientID,
				"piece_index": idx,
				"bytes":       len(data),
			}).Debug("Piece sent")
		}

		if delay > 0 {
			time.Sleep(delay)
		}
	}
}

// HandleResumeRequest processes a receiver's report of held and missing
// pieces. Acknowledgements are cumulative: once a piece is confirmed it
// stays confirmed. A fully acknowledged transfer with nothing missing
// completes; otherwise sustained loss escalates the pacing delay and the
// valid missing pieces are resent.
func (s *Sender) HandleResumeRequest(originID string, req message.ResumeRequest) {
	s.mu.Lock()
	tr, ok := s.transfers[originID]
	if !ok {
		s.mu.Unlock()
		s.logger.WithFields(logrus.Fields{
			"function": "HandleResumeRequest",
			"origin":   originID,
		}).Warn("Resume request for unknown transfer")
		return
	}
	if tr.status != StatusSending {
		s.mu.Unlock()
		s.logger.WithFields(logrus.Fields{
			"function": "HandleResumeRequest",
			"origin":   originID,
			"status":   tr.status.String(),
		}).Debug("Resume request for finished transfer")
		return
	}

	for _, idx := range req.AcknowledgedIndices {
		if idx < tr.numPieces {
			tr.acknowledged[idx] = true
		}
	}

	missing := dedupeSorted(req.MissingIndices)

	if tr.allAcknowledged() && len(missing) == 0 {
		tr.status = StatusComplete
		traceID := tr.traceID
		acked := tr.ackedCount()
		s.mu.Unlock()
		s.logger.WithFields(logrus.Fields{
			"function": "HandleResumeRequest",
			"origin":   originID,
			"trace_id": traceID,
			"pieces":   acked,
		}).Info("Transfer acknowledged complete")
		return
	}

	if len(missing) > 0 {
		tr.retryCount++
		if s.config.Pacing.ShouldEscalate(tr.retryCount) {
			next := s.config.Pacing.NextDelay(tr.delay)
			if next > tr.delay {
				s.logger.WithFields(logrus.Fields{
					"function":  "HandleResumeRequest",
					"origin":    originID,
					"old_delay": tr.delay,
					"new_delay": next,
				}).Info("Sustained loss, increasing send delay")
			}
			tr.delay = next
			tr.retryCount = 0
		}
	} else {
		tr.retryCount = 0
	}

	valid := missing[:0]
	for _, idx := range missing {
		if idx < tr.numPieces {
			valid = append(valid, idx)
		} else {
			s.logger.WithFields(logrus.Fields{
				"function":    "HandleResumeRequest",
				"origin":      originID,
				"piece_index": idx,
				"num_pieces":  tr.numPieces,
			}).Warn("Dropping out-of-range missing index")
		}
	}
	s.mu.Unlock()

	if len(valid) > 0 {
		s.logger.WithFields(logrus.Fields{
			"function": "HandleResumeRequest",
			"origin":   originID,
			"count":    len(valid),
		}).Info("Resending missing pieces")
		s.sendPieces(originID, valid)
	}
}

// Status returns the lifecycle status of the transfer to a recipient.
func (s *Sender) Status(recipientID string) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tr, ok := s.transfers[recipientID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrTransferNotFound, recipientID)
	}
	return tr.status, nil
}

// Progress returns acknowledged and total piece counts for a recipient.
func (s *Sender) Progress(recipientID string) (acked, total uint32, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tr, ok := s.transfers[recipientID]
	if !ok {
		return 0, 0, fmt.Errorf("%w: %s", ErrTransferNotFound, recipientID)
	}
	return tr.ackedCount(), tr.numPieces, nil
}

// Delay returns the current pacing delay for a recipient.
func (s *Sender) Delay(recipientID string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tr, ok := s.transfers[recipientID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrTransferNotFound, recipientID)
	}
	return tr.delay, nil
}

// CleanupTransfer removes all state for a recipient. The sender never
// expires its own state; completion or abandonment leaves the record in
// place until the caller cleans it up.
func (s *Sender) CleanupTransfer(recipientID string) {
	s.mu.Lock()
	tr, ok := s.transfers[recipientID]
	if ok {
		delete(s.transfers, recipientID)
	}
	s.mu.Unlock()

	if ok {
		s.logger.WithFields(logrus.Fields{
			"function":  "CleanupTransfer",
			"recipient": recipientID,
			"trace_id":  tr.traceID,
			"status":    tr.status.String(),
		}).Info("Transfer state removed")
	}
}

// ActiveRecipients lists recipients with transfer state, in no particular order.
func (s *Sender) ActiveRecipients() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.transfers))
	for id := range s.transfers {
		out = append(out, id)
	}
	return out
}

func dedupeSorted(indices []uint32) []uint32 {
	if len(indices) == 0 {
		return nil
	}
	seen := make(map[uint32]struct{}, len(indices))
	out := make([]uint32, 0, len(indices))
	for _, idx := range indices {
		if _, ok := seen[idx]; ok {
			continue
		}
		seen[idx] = struct{}{}
		out = append(out, idx)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
