package sender

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opd-ai/akita/hashing"
	"github.com/opd-ai/akita/message"
)

func TestNewNilTransport(t *testing.T) {
	_, err := New(nil, DefaultConfig())
	if !errors.Is(err, ErrNilTransport) {
		t.Errorf("Expected ErrNilTransport, got %v", err)
	}
}

func TestStartTransferDataSendsFileStartAndBurst(t *testing.T) {
	trans := newMockTransport()
	cfg := fastConfig()
	cfg.PieceSize = 64
	s, err := New(trans, cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	data := make([]byte, 150) // 3 pieces at size 64
	for i := range data {
		data[i] = byte(i)
	}
	if err := s.StartTransferData("peer", "data.bin", data); err != nil {
		t.Fatalf("StartTransferData failed: %v", err)
	}

	msgs := trans.messages()
	if len(msgs) != 4 {
		t.Fatalf("Expected FileStart + 3 pieces, got %d messages", len(msgs))
	}

	fs, ok := msgs[0].(message.FileStart)
	if !ok {
		t.Fatalf("First message should be FileStart, got %T", msgs[0])
	}
	if fs.Filename != "data.bin" || fs.TotalSize != 150 || fs.PieceSize != 64 {
		t.Errorf("Unexpected descriptor: %+v", fs)
	}
	if fs.MerkleRoot == "" {
		t.Error("Merkle mode should advertise a root")
	}
	if len(fs.PieceHashes) != 0 {
		t.Error("Merkle mode should not advertise the hash list")
	}

	var assembled []byte
	for i, m := range msgs[1:] {
		pd, ok := m.(message.PieceData)
		if !ok {
			t.Fatalf("Message %d should be PieceData, got %T", i+1, m)
		}
		if pd.PieceIndex != uint32(i) {
			t.Errorf("Burst out of order: expected index %d, got %d", i, pd.PieceIndex)
		}
		assembled = append(assembled, pd.Data...)
	}
	if !bytes.Equal(assembled, data) {
		t.Error("Burst pieces do not reassemble to the source")
	}

	status, err := s.Status("peer")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status != StatusSending {
		t.Errorf("Expected StatusSending, got %v", status)
	}
}

func TestStartTransferHashListMode(t *testing.T) {
	trans := newMockTransport()
	cfg := fastConfig()
	cfg.UseMerkleRoot = false
	cfg.PieceSize = 64
	s, _ := New(trans, cfg)

	data := make([]byte, 130)
	if err := s.StartTransferData("peer", "f", data); err != nil {
		t.Fatalf("StartTransferData failed: %v", err)
	}

	fs := trans.messages()[0].(message.FileStart)
	if fs.MerkleRoot != "" {
		t.Error("Hash-list mode should not advertise a Merkle root")
	}
	if len(fs.PieceHashes) != 3 {
		t.Fatalf("Expected 3 piece hashes, got %d", len(fs.PieceHashes))
	}
	if fs.PieceHashes[0] != hashing.CalculateHash(data[:64]) {
		t.Error("Advertised hash does not match piece content")
	}
}

func TestStartTransferFromFile(t *testing.T) {
	trans := newMockTransport()
	cfg := fastConfig()
	cfg.PieceSize = 1024
	s, _ := New(trans, cfg)

	dir := t.TempDir()
	path := filepath.Join(dir, "file.bin")
	data := make([]byte, 2500)
	for i := range data {
		data[i] = byte(i % 251)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("Writing fixture: %v", err)
	}

	if err := s.StartTransfer("peer", path); err != nil {
		t.Fatalf("StartTransfer failed: %v", err)
	}

	fs := trans.messages()[0].(message.FileStart)
	if fs.Filename != "file.bin" {
		t.Errorf("Filename should be the base name, got %q", fs.Filename)
	}
	if fs.NumPieces() != 3 {
		t.Errorf("Expected 3 pieces, got %d", fs.NumPieces())
	}
	if got := trans.pieceIndices(); len(got) != 3 {
		t.Errorf("Expected 3 burst pieces, got %v", got)
	}
}

func TestStartTransferBadSource(t *testing.T) {
	trans := newMockTransport()
	s, _ := New(trans, fastConfig())

	if err := s.StartTransfer("peer", ""); !errors.Is(err, ErrEmptyPath) {
		t.Errorf("Expected ErrEmptyPath, got %v", err)
	}
	if err := s.StartTransfer("peer", filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("Missing file should fail")
	}
	if err := s.StartTransfer("peer", t.TempDir()); err == nil {
		t.Error("Directory source should fail")
	}
}

func TestStartTransferFileStartSendFailure(t *testing.T) {
	trans := newMockTransport()
	trans.failFn = func(dest string, msg interface{}) error {
		if _, ok := msg.(message.FileStart); ok {
			return errors.New("radio offline")
		}
		return nil
	}
	s, _ := New(trans, fastConfig())

	if err := s.StartTransferData("peer", "f", []byte("abc")); err == nil {
		t.Fatal("FileStart transmission failure should fail the start")
	}
	if _, err := s.Status("peer"); !errors.Is(err, ErrTransferNotFound) {
		t.Error("Failed start should leave no transfer state")
	}
}

func TestStartTransferEmptyFile(t *testing.T) {
	trans := newMockTransport()
	s, _ := New(trans, fastConfig())

	if err := s.StartTransferData("peer", "empty.bin", nil); err != nil {
		t.Fatalf("Empty transfer failed: %v", err)
	}

	msgs := trans.messages()
	if len(msgs) != 1 {
		t.Fatalf("Empty file should send only FileStart, got %d messages", len(msgs))
	}
	fs := msgs[0].(message.FileStart)
	if fs.TotalSize != 0 || fs.NumPieces() != 0 {
		t.Errorf("Unexpected empty descriptor: %+v", fs)
	}

	status, _ := s.Status("peer")
	if status != StatusComplete {
		t.Errorf("Empty transfer should be complete immediately, got %v", status)
	}
}

func TestStartTransferReplacesExisting(t *testing.T) {
	trans := newMockTransport()
	cfg := fastConfig()
	cfg.PieceSize = 64
	s, _ := New(trans, cfg)

	if err := s.StartTransferData("peer", "a", make([]byte, 200)); err != nil {
		t.Fatalf("First start failed: %v", err)
	}
	if err := s.StartTransferData("peer", "b", make([]byte, 64)); err != nil {
		t.Fatalf("Second start failed: %v", err)
	}

	_, total, err := s.Progress("peer")
	if err != nil {
		t.Fatalf("Progress failed: %v", err)
	}
	if total != 1 {
		t.Errorf("Last start should win: expected 1 piece, got %d", total)
	}
}

func TestHandleResumeRequestAcksAreMonotonic(t *testing.T) {
	trans := newMockTransport()
	cfg := fastConfig()
	cfg.PieceSize = 64
	s, _ := New(trans, cfg)

	if err := s.StartTransferData("peer", "f", make([]byte, 200)); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	trans.clear()

	s.HandleResumeRequest("peer", message.ResumeRequest{
		AcknowledgedIndices: []uint32{0, 2},
		MissingIndices:      []uint32{1, 3},
	})
	acked, total, _ := s.Progress("peer")
	if acked != 2 || total != 4 {
		t.Errorf("Expected 2/4 acknowledged, got %d/%d", acked, total)
	}

	// A later request that omits earlier acks must not revert them.
	s.HandleResumeRequest("peer", message.ResumeRequest{
		AcknowledgedIndices: []uint32{1},
		MissingIndices:      []uint32{3},
	})
	acked, _, _ = s.Progress("peer")
	if acked != 3 {
		t.Errorf("Acks must be cumulative, got %d", acked)
	}
}

func TestHandleResumeRequestResendsExactlyMissing(t *testing.T) {
	trans := newMockTransport()
	cfg := fastConfig()
	cfg.PieceSize = 64
	s, _ := New(trans, cfg)

	if err := s.StartTransferData("peer", "f", make([]byte, 300)); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	trans.clear()

	s.HandleResumeRequest("peer", message.ResumeRequest{
		AcknowledgedIndices: []uint32{0, 2, 4},
		MissingIndices:      []uint32{3, 1, 3}, // duplicates and disorder tolerated
	})

	got := trans.pieceIndices()
	if len(got) != 2 || got[0] != 1 || got[1] != 3 {
		t.Errorf("Expected resend of exactly [1 3], got %v", got)
	}
}

func TestHandleResumeRequestDropsOutOfRange(t *testing.T) {
	trans := newMockTransport()
	cfg := fastConfig()
	cfg.PieceSize = 64
	s, _ := New(trans, cfg)

	if err := s.StartTransferData("peer", "f", make([]byte, 100)); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	trans.clear()

	s.HandleResumeRequest("peer", message.ResumeRequest{
		MissingIndices: []uint32{0, 99},
	})

	got := trans.pieceIndices()
	if len(got) != 1 || got[0] != 0 {
		t.Errorf("Out-of-range index should be dropped, resent %v", got)
	}
}

func TestHandleResumeRequestCompletion(t *testing.T) {
	trans := newMockTransport()
	cfg := fastConfig()
	cfg.PieceSize = 64
	s, _ := New(trans, cfg)

	if err := s.StartTransferData("peer", "f", make([]byte, 128)); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	trans.clear()

	s.HandleResumeRequest("peer", message.ResumeRequest{
		AcknowledgedIndices: []uint32{0, 1},
	})

	status, _ := s.Status("peer")
	if status != StatusComplete {
		t.Errorf("Fully acknowledged transfer should complete, got %v", status)
	}
	if len(trans.messages()) != 0 {
		t.Error("Completed transfer should not resend anything")
	}

	// Further requests against the finished transfer are ignored.
	s.HandleResumeRequest("peer", message.ResumeRequest{MissingIndices: []uint32{0}})
	if len(trans.messages()) != 0 {
		t.Error("Finished transfer must ignore resume requests")
	}
}

func TestDelayEscalationAfterThreshold(t *testing.T) {
	trans := newMockTransport()
	cfg := fastConfig()
	cfg.PieceSize = 64
	cfg.Pacing = PacingPolicy{
		Initial:        time.Millisecond,
		Min:            time.Millisecond,
		Max:            10 * time.Millisecond,
		RetryThreshold: 2,
	}
	s, _ := New(trans, cfg)

	if err := s.StartTransferData("peer", "f", make([]byte, 128)); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	lossReport := message.ResumeRequest{MissingIndices: []uint32{1}}

	s.HandleResumeRequest("peer", lossReport)
	d, _ := s.Delay("peer")
	if d != time.Millisecond {
		t.Errorf("Delay should not change below threshold, got %v", d)
	}

	s.HandleResumeRequest("peer", lossReport)
	d, _ = s.Delay("peer")
	want := time.Millisecond + time.Millisecond/2
	if d != want {
		t.Errorf("Expected escalated delay %v, got %v", want, d)
	}

	// Counter reset after escalation: one more loss report does not escalate.
	s.HandleResumeRequest("peer", lossReport)
	if after, _ := s.Delay("peer"); after != want {
		t.Errorf("Counter should reset after escalation, delay %v", after)
	}

	// A clean report resets the counter without touching the delay.
	s.HandleResumeRequest("peer", message.ResumeRequest{AcknowledgedIndices: []uint32{0}})
	s.HandleResumeRequest("peer", lossReport)
	s.HandleResumeRequest("peer", lossReport)
	if after, _ := s.Delay("peer"); after != want+want/2 {
		t.Errorf("Expected second escalation to %v, got %v", want+want/2, after)
	}
}

func TestAbandonAfterConsecutiveSendFailures(t *testing.T) {
	trans := newMockTransport()
	trans.failFn = func(dest string, msg interface{}) error {
		if pd, ok := msg.(message.PieceData); ok && pd.PieceIndex == 0 {
			return errors.New("no route")
		}
		return nil
	}
	cfg := fastConfig()
	cfg.PieceSize = 64
	s, _ := New(trans, cfg)

	// Burst counts as the first failure for piece 0.
	if err := s.StartTransferData("peer", "f", make([]byte, 64)); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		s.HandleResumeRequest("peer", message.ResumeRequest{MissingIndices: []uint32{0}})
	}
	status, _ := s.Status("peer")
	if status != StatusSending {
		t.Fatalf("Transfer should survive four consecutive failures, got %v", status)
	}

	s.HandleResumeRequest("peer", message.ResumeRequest{MissingIndices: []uint32{0}})
	status, _ = s.Status("peer")
	if status != StatusAbandoned {
		t.Errorf("Fifth consecutive failure should abandon the transfer, got %v", status)
	}
}

func TestCleanupTransfer(t *testing.T) {
	trans := newMockTransport()
	s, _ := New(trans, fastConfig())

	if err := s.StartTransferData("peer", "f", []byte("data")); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if got := s.ActiveRecipients(); len(got) != 1 {
		t.Fatalf("Expected one active recipient, got %v", got)
	}

	s.CleanupTransfer("peer")
	if _, err := s.Status("peer"); !errors.Is(err, ErrTransferNotFound) {
		t.Errorf("Expected ErrTransferNotFound after cleanup, got %v", err)
	}
	if got := s.ActiveRecipients(); len(got) != 0 {
		t.Errorf("Expected no active recipients, got %v", got)
	}
}
