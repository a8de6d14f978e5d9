// Package transport defines the radio-link boundary of the transfer
// protocol and two reference implementations.
//
// The protocol engine only needs best-effort datagram delivery: a Send
// capability addressed by node ID and logical channel, and a per-channel
// inbound handler. Device discovery, serial management, and payload
// confidentiality all live behind this interface.
//
//	t.RegisterHandler(transport.DefaultChannel, func(origin string, payload []byte, isBroadcast bool) {
//	    // decode and dispatch
//	})
//	t.Send("node-7", payload, transport.DefaultChannel)
//
// Loopback wires nodes together in-process with synchronous delivery and
// optional loss injection; UDPTransport carries frames between machines.
// Neither guarantees delivery or ordering, which is exactly what the
// protocol is built to tolerate.
package transport
