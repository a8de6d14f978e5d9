package sender

import (
	"sync"

	"github.com/opd-ai/akita/message"
	"github.com/opd-ai/akita/transport"
)

// mockTransport records outbound payloads and can inject send failures.
type mockTransport struct {
	mu   sync.Mutex
	sent []sentPayload

	// failFn, when set, is consulted with the decoded message before each
	// send; a non-nil error simulates a transport failure.
	failFn func(dest string, msg interface{}) error
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
	failFn := m.failFn
	m.mu.Unlock()

	if failFn != nil {
		if err := failFn(destination, msg); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentPayload{dest: destination, channel: channel, msg: msg})
	return nil
}

func (m *mockTransport) Broadcast(payload []byte, channel uint32) error {
	return m.Send("*", payload, channel)
}

func (m *mockTransport) RegisterHandler(channel uint32, handler transport.Handler) {}

func (m *mockTransport) Close() error { return nil }

func (m *mockTransport) messages() []interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]interface{}, len(m.sent))
	for i, s := range m.sent {
		out[i] = s.msg
	}
	return out
}

func (m *mockTransport) pieceIndices() []uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []uint32
	for _, s := range m.sent {
		if pd, ok := s.msg.(message.PieceData); ok {
			out = append(out, pd.PieceIndex)
		}
	}
	return out
}

func (m *mockTransport) clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = nil
}

// fastConfig returns a config with no pacing sleep so tests run instantly.
func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.Pacing = PacingPolicy{
		Initial:        0,
		Min:            0,
		Max:            4,
		RetryThreshold: 3,
	}
	return cfg
}
