package akita

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/opd-ai/akita/message"
	"github.com/opd-ai/akita/receiver"
	"github.com/opd-ai/akita/sender"
	"github.com/opd-ai/akita/storage"
	"github.com/opd-ai/akita/transport"
)

// DefaultTickInterval is how often Run drives the receiver's periodic check.
const DefaultTickInterval = 5 * time.Second

// Options configures a Node. The zero value is usable: files land in
// "./received", resume persistence is off, and both roles run their defaults.
type Options struct {
	// OutputDir is where completed incoming files are written.
	OutputDir string

	// ResumeDBPath, when non-empty, enables the bbolt resume store at that
	// path so partial incoming transfers survive a restart.
	ResumeDBPath string

	// TickInterval is the cadence of the receiver's periodic check in Run.
	TickInterval time.Duration

	// Sender overrides the sending-side defaults.
	Sender sender.Config

	// Receiver overrides the receiving-side defaults. Its Store field is
	// managed by the Node when ResumeDBPath is set.
	Receiver receiver.Config

	// Logger receives structured log output; nil selects the standard logger.
	Logger *logrus.Logger
}

// Node bundles both protocol roles over one transport: it decodes inbound
// payloads, dispatches them to the sender or receiver, and drives the
// receiver's periodic housekeeping.
type Node struct {
	transport transport.Transport
	sender    *sender.Sender
	receiver  *receiver.Receiver
	store     *storage.BoltStore
	logger    *logrus.Logger
	tick      time.Duration
}

// New wires a Node onto the transport and registers its inbound handler on
// the protocol channel.
func New(t transport.Transport, opts Options) (*Node, error) {
	if t == nil {
		return nil, sender.ErrNilTransport
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	outputDir := opts.OutputDir
	if outputDir == "" {
		outputDir = "received"
	}
	saver, err := storage.NewDiskSaver(outputDir, logger)
	if err != nil {
		return nil, err
	}

	var store *storage.BoltStore
	recvCfg := opts.Receiver
	if recvCfg.Logger == nil {
		recvCfg.Logger = logger
	}
	if opts.ResumeDBPath != "" {
		store, err = storage.OpenBoltStore(opts.ResumeDBPath)
		if err != nil {
			return nil, err
		}
		recvCfg.Store = store
	}

	sendCfg := opts.Sender
	if sendCfg.Logger == nil {
		sendCfg.Logger = logger
	}

	snd, err := sender.New(t, sendCfg)
	if err != nil {
		if store != nil {
			store.Close()
		}
		return nil, err
	}
	rcv, err := receiver.New(t, saver, recvCfg)
	if err != nil {
		if store != nil {
			store.Close()
		}
		return nil, err
	}

	tick := opts.TickInterval
	if tick == 0 {
		tick = DefaultTickInterval
	}

	n := &Node{
		transport: t,
		sender:    snd,
		receiver:  rcv,
		store:     store,
		logger:    logger,
		tick:      tick,
	}

	channel := recvCfg.Channel
	if channel == 0 {
		channel = transport.DefaultChannel
	}
	t.RegisterHandler(channel, n.handleInbound)

	logger.WithFields(logrus.Fields{
		"function":   "New",
		"output_dir": outputDir,
		"resume_db":  opts.ResumeDBPath != "",
		"channel":    channel,
	}).Info("Node initialized")
	return n, nil
}

// handleInbound decodes one transport payload and dispatches it to the
// owning role. Malformed payloads are dropped with a log entry; a radio
// link delivers garbage from time to time.
func (n *Node) handleInbound(origin string, payload []byte, isBroadcast bool) {
	msg, err := message.Decode(payload)
	if err != nil {
		n.logger.WithFields(logrus.Fields{
			"function": "handleInbound",
			"origin":   origin,
			"bytes":    len(payload),
			"error":    err.Error(),
		}).Warn("Dropping undecodable payload")
		return
	}

	switch m := msg.(type) {
	case message.FileStart:
		n.receiver.HandleFileStart(origin, m, isBroadcast)
	case message.PieceData:
		n.receiver.HandlePieceData(origin, m, isBroadcast)
	case message.ResumeRequest:
		n.sender.HandleResumeRequest(origin, m)
	case message.Acknowledgement:
		// Reserved variant; round-tripped but not consumed.
		n.logger.WithFields(logrus.Fields{
			"function":    "handleInbound",
			"origin":      origin,
			"piece_index": m.PieceIndex,
		}).Debug("Ignoring acknowledgement")
	}
}

// SendFile starts sending the file at path to the recipient.
func (n *Node) SendFile(recipientID, path string) error {
	return n.sender.StartTransfer(recipientID, path)
}

// SendData starts sending an in-memory buffer to the recipient under the
// given filename.
func (n *Node) SendData(recipientID, filename string, data []byte) error {
	return n.sender.StartTransferData(recipientID, filename, data)
}

// Restore reloads partial incoming transfers from the resume store.
// Call it after New and before Run.
func (n *Node) Restore() (int, error) {
	return n.receiver.Restore()
}

// Sender exposes the sending-side state machine for status queries and
// cleanup.
func (n *Node) Sender() *sender.Sender { return n.sender }

// Receiver exposes the receiving-side state machine for introspection.
func (n *Node) Receiver() *receiver.Receiver { return n.receiver }

// Run drives the receiver's periodic check until ctx is cancelled.
// Cancellation is a clean shutdown, not an error.
func (n *Node) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ticker := time.NewTicker(n.tick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				n.receiver.CheckTransfers()
			}
		}
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close releases the resume store and the transport.
func (n *Node) Close() error {
	var first error
	if n.store != nil {
		if err := n.store.Close(); err != nil {
			first = err
		}
	}
	if err := n.transport.Close(); err != nil && first == nil {
		first = err
	}
	return first
}
