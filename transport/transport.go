package transport

// DefaultChannel is the logical channel the transfer protocol claims on the
// radio link. It sits in the private application range of typical mesh
// transports.
const DefaultChannel uint32 = 123

// Handler processes one inbound payload delivered on a registered channel.
// origin identifies the sending node; isBroadcast marks payloads that were
// addressed to every node rather than this one specifically.
type Handler func(origin string, payload []byte, isBroadcast bool)

// Transport is the capability the protocol engine requires from a radio
// link: best-effort datagram delivery with no ordering or delivery
// guarantee. Payload size limits are the transport's concern and are
// assumed compatible with the configured piece size.
type Transport interface {
	// Send transmits payload to the named destination node on the given
	// logical channel. A nil error means the payload was handed to the
	// link, not that it arrived.
	Send(destination string, payload []byte, channel uint32) error

	// Broadcast transmits payload to every reachable node on the channel.
	Broadcast(payload []byte, channel uint32) error

	// RegisterHandler installs the handler invoked for inbound payloads on
	// a channel, replacing any previous handler for that channel.
	RegisterHandler(channel uint32, handler Handler)

	// Close releases the underlying link.
	Close() error
}
