package receiver

import (
	"errors"
	"sync"
	"time"

	"github.com/opd-ai/akita/hashing"
	"github.com/opd-ai/akita/message"
	"github.com/opd-ai/akita/piece"
	"github.com/opd-ai/akita/storage"
	"github.com/opd-ai/akita/transport"
)

// mockTransport records outbound payloads and can inject send failures.
type mockTransport struct {
	mu      sync.Mutex
	sent    []sentPayload
	failErr error
}

type sentPayload struct {
	dest    string
	channel uint32
	msg     interface{}
}

func newMockTransport() *mockTransport {
	return &mockTransport{}
}

func (m *mockTransport) Send(destination string, payload []byte, channel uint32) error {
	msg, err := message.Decode(payload)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return m.failErr
	}
	m.sent = append(m.sent, sentPayload{dest: destination, channel: channel, msg: msg})
	return nil
}

func (m *mockTransport) Broadcast(payload []byte, channel uint32) error {
	return m.Send("*", payload, channel)
}

func (m *mockTransport) RegisterHandler(channel uint32, handler transport.Handler) {}

func (m *mockTransport) Close() error { return nil }

func (m *mockTransport) resumeRequests() []message.ResumeRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []message.ResumeRequest
	for _, s := range m.sent {
		if rr, ok := s.msg.(message.ResumeRequest); ok {
			out = append(out, rr)
		}
	}
	return out
}

func (m *mockTransport) clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = nil
}

// mockSaver records every completed file handed to the save capability.
type mockSaver struct {
	mu      sync.Mutex
	saves   []savedFile
	failErr error
}

type savedFile struct {
	filename string
	data     []byte
}

func newMockSaver() *mockSaver {
	return &mockSaver{}
}

func (m *mockSaver) Save(filename string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return m.failErr
	}
	m.saves = append(m.saves, savedFile{filename: filename, data: data})
	return nil
}

func (m *mockSaver) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.saves)
}

func (m *mockSaver) last() savedFile {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves[len(m.saves)-1]
}

// mockTimeProvider provides deterministic time for testing.
type mockTimeProvider struct {
	mu  sync.Mutex
	now time.Time
}

func newMockTimeProvider() *mockTimeProvider {
	return &mockTimeProvider{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (m *mockTimeProvider) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *mockTimeProvider) Since(t time.Time) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now.Sub(t)
}

func (m *mockTimeProvider) advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// mockStore is an in-memory TransferStore.
type mockStore struct {
	mu      sync.Mutex
	records map[string]storage.TransferRecord
	pieces  map[string]map[uint32][]byte
}

func newMockStore() *mockStore {
	return &mockStore{
		records: make(map[string]storage.TransferRecord),
		pieces:  make(map[string]map[uint32][]byte),
	}
}

func (m *mockStore) SaveDescriptor(rec *storage.TransferRecord) error {
	if rec == nil {
		return errors.New("nil record")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.ID] = *rec
	m.pieces[rec.ID] = make(map[uint32][]byte)
	return nil
}

func (m *mockStore) SavePiece(id string, index uint32, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pieces[id]; !ok {
		return errors.New("unknown transfer")
	}
	m.pieces[id][index] = data
	return nil
}

func (m *mockStore) DeletePiece(id string, index uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if held, ok := m.pieces[id]; ok {
		delete(held, index)
	}
	return nil
}

func (m *mockStore) DeleteTransfer(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, id)
	delete(m.pieces, id)
	return nil
}

func (m *mockStore) LoadAll() ([]storage.StoredTransfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.StoredTransfer
	for id, rec := range m.records {
		st := storage.StoredTransfer{Record: rec, Pieces: make(map[uint32][]byte)}
		for idx, data := range m.pieces[id] {
			st.Pieces[idx] = data
		}
		out = append(out, st)
	}
	return out, nil
}

func (m *mockStore) transferCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func (m *mockStore) pieceCount(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pieces[id])
}

// fileStartFor splits data, hashes the pieces, and builds the matching
// announcement. merkle selects the integrity metadata variant; false with
// withHashes false yields a count-only descriptor.
func fileStartFor(t testingT, filename string, data []byte, pieceSize uint32, merkle, withHashes bool) (message.FileStart, []piece.Piece) {
	pieces, err := piece.SplitBytes(data, pieceSize)
	if err != nil {
		t.Fatalf("SplitBytes failed: %v", err)
	}
	hashes := make([]string, len(pieces))
	for i, p := range pieces {
		hashes[i] = hashing.CalculateHash(p.Data)
	}

	fs := message.FileStart{
		Filename:  filename,
		TotalSize: uint64(len(data)),
		PieceSize: pieceSize,
	}
	switch {
	case merkle:
		root, err := hashing.MerkleRoot(hashes)
		if err != nil {
			t.Fatalf("MerkleRoot failed: %v", err)
		}
		fs.MerkleRoot = root
	case withHashes:
		fs.PieceHashes = hashes
	}
	return fs, pieces
}

// testingT is the slice of *testing.T the helpers need.
type testingT interface {
	Fatalf(format string, args ...interface{})
}

// newTestReceiver wires a receiver with mocks and a deterministic clock.
func newTestReceiver(t testingT, cfg Config) (*Receiver, *mockTransport, *mockSaver, *mockTimeProvider) {
	trans := newMockTransport()
	saver := newMockSaver()
	r, err := New(trans, saver, cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	tp := newMockTimeProvider()
	r.SetTimeProvider(tp)
	return r, trans, saver, tp
}
