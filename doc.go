// Package akita implements a reliable, integrity-verified file transfer
// protocol for unreliable, low-bandwidth, message-oriented radio links.
//
// The transport guarantees neither delivery nor ordering, so the protocol
// splits files into bounded pieces, hashes each one, and summarizes the
// set with a Merkle root. The receiver reports missing or corrupt pieces
// through resume requests; the sender retransmits under an adaptive pacing
// delay that grows while the receiver keeps reporting loss.
//
// The Node type bundles both roles over one Transport:
//
//	link := transport.NewLoopback()
//	node, err := akita.New(link.Node("alice"), akita.Options{OutputDir: "received"})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer node.Close()
//
//	go node.Run(ctx)                     // periodic timeout / resume checks
//	node.SendFile("bob", "photo.jpg")    // chunk, hash, announce, burst
//
// Individual layers are available as their own packages for callers that
// need only part of the stack: hashing (content hashes, Merkle root),
// piece (split/assemble), message (wire codec), transport (link
// abstraction, UDP adapter, in-memory loopback), sender and receiver (the
// two state machines), and storage (sanitizing disk saver, bbolt resume
// store).
package akita
