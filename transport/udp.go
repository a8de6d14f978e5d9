package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
)

// Frame layout on the wire:
//
//	[4 bytes channel][1 byte flags][2 bytes id length][origin id][payload]
//
// flags bit 0 marks a broadcast frame.
const (
	frameHeaderLen     = 7
	frameFlagBroadcast = 0x01
)

// ErrFrameTooShort indicates a datagram smaller than the frame header.
var ErrFrameTooShort = errors.New("frame too short")

// UDPTransport carries protocol payloads over UDP datagrams, mapping node
// IDs to socket addresses. It stands in for a real radio link during
// development and testing across machines; like a radio, it guarantees
// neither delivery nor ordering.
type UDPTransport struct {
	localID string
	conn    net.PacketConn

	mu       sync.RWMutex
	handlers map[uint32]Handler
	peers    map[string]net.Addr

	ctx    context.Context
	cancel context.CancelFunc
	logger *logrus.Logger
}

// NewUDPTransport opens a UDP socket on listenAddr and starts the receive
// loop. localID is the node identity stamped on outbound frames.
func NewUDPTransport(localID, listenAddr string, logger *logrus.Logger) (*UDPTransport, error) {
	if localID == "" {
		return nil, errors.New("local node ID must not be empty")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	conn, err := net.ListenPacket("udp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", listenAddr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &UDPTransport{
		localID:  localID,
		conn:     conn,
		handlers: make(map[uint32]Handler),
		peers:    make(map[string]net.Addr),
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger,
	}

	go t.readLoop()

	logger.WithFields(logrus.Fields{
		"function": "NewUDPTransport",
		"local_id": localID,
		"addr":     conn.LocalAddr().String(),
	}).Info("UDP transport listening")

	return t, nil
}

// LocalAddr returns the bound socket address.
func (t *UDPTransport) LocalAddr() net.Addr { return t.conn.LocalAddr() }

// AddPeer maps a node ID to a socket address. Frames arriving from a node
// also refresh this mapping, so static configuration is only needed for the
// first contact.
func (t *UDPTransport) AddPeer(id string, addr net.Addr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers[id] = addr
}

// RegisterHandler installs the handler for a channel.
func (t *UDPTransport) RegisterHandler(channel uint32, handler Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[channel] = handler
}

// Send transmits payload to the named peer.
func (t *UDPTransport) Send(destination string, payload []byte, channel uint32) error {
	t.mu.RLock()
	addr, ok := t.peers[destination]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDestination, destination)
	}
	return t.write(addr, payload, channel, false)
}

// Broadcast transmits payload to every known peer with the broadcast flag set.
func (t *UDPTransport) Broadcast(payload []byte, channel uint32) error {
	t.mu.RLock()
	addrs := make([]net.Addr, 0, len(t.peers))
	for _, addr := range t.peers {
		addrs = append(addrs, addr)
	}
	t.mu.RUnlock()

	for _, addr := range addrs {
		if err := t.write(addr, payload, channel, true); err != nil {
			return err
		}
	}
	return nil
}

func (t *UDPTransport) write(addr net.Addr, payload []byte, channel uint32, isBroadcast bool) error {
	id := []byte(t.localID)
	frame := make([]byte, frameHeaderLen+len(id)+len(payload))
	binary.BigEndian.PutUint32(frame[0:4], channel)
	if isBroadcast {
		frame[4] = frameFlagBroadcast
	}
	binary.BigEndian.PutUint16(frame[5:7], uint16(len(id)))
	copy(frame[frameHeaderLen:], id)
	copy(frame[frameHeaderLen+len(id):], payload)

	if _, err := t.conn.WriteTo(frame, addr); err != nil {
		return fmt.Errorf("writing frame to %s: %w", addr, err)
	}
	return nil
}

func (t *UDPTransport) readLoop() {
	buf := make([]byte, 65536)
	for {
		n, addr, err := t.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-t.ctx.Done():
				return
			default:
				t.logger.WithFields(logrus.Fields{
					"function": "readLoop",
					"error":    err.Error(),
				}).Warn("UDP read failed")
				continue
			}
		}

		frame := make([]byte, n)
		copy(frame, buf[:n])
		if err := t.dispatch(frame, addr); err != nil {
			t.logger.WithFields(logrus.Fields{
				"function": "readLoop",
				"from":     addr.String(),
				"error":    err.Error(),
			}).Warn("Dropping malformed frame")
		}
	}
}

func (t *UDPTransport) dispatch(frame []byte, addr net.Addr) error {
	if len(frame) < frameHeaderLen {
		return ErrFrameTooShort
	}
	channel := binary.BigEndian.Uint32(frame[0:4])
	isBroadcast := frame[4]&frameFlagBroadcast != 0
	idLen := int(binary.BigEndian.Uint16(frame[5:7]))
	if len(frame) < frameHeaderLen+idLen {
		return fmt.Errorf("%w: id length %d exceeds frame", ErrFrameTooShort, idLen)
	}
	origin := string(frame[frameHeaderLen : frameHeaderLen+idLen])
	payload := frame[frameHeaderLen+idLen:]

	t.mu.Lock()
	t.peers[origin] = addr
	handler := t.handlers[channel]
	t.mu.Unlock()

	if handler == nil {
		return nil
	}
	handler(origin, payload, isBroadcast)
	return nil
}

// Close stops the receive loop and releases the socket.
func (t *UDPTransport) Close() error {
	t.cancel()
	return t.conn.Close()
}
