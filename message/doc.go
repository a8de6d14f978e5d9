// Package message defines the four protocol message variants and a default
// wire codec for them.
//
// The protocol exchanges exactly four messages: FileStart announces a
// transfer and its integrity metadata, PieceData carries indexed file
// pieces, ResumeRequest drives retransmission, and Acknowledgement is
// reserved for future per-piece confirmation.
//
// The codec frames each message as a single type byte followed by a
// bencoded body, keeping payloads compact for narrow radio links. The
// encoding is a boundary, not a commitment: state machines only consume
// the typed values returned by Decode, so a deployment can substitute its
// own serialization at the transport edge without touching them.
package message
