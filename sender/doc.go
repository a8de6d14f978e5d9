// Package sender implements the sending side of the transfer protocol.
//
// A Sender keeps one state machine per recipient: the piece set, the
// receiver's cumulative acknowledgement bitmap, per-piece transport failure
// counters, and the adaptive pacing delay. Starting a transfer emits a
// FileStart followed by an initial burst of every piece; after that the
// sender is purely reactive, resending whatever the receiver's resume
// requests report missing.
//
//	s, err := sender.New(radio, sender.DefaultConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := s.StartTransfer("node-7", "/tmp/firmware.bin"); err != nil {
//	    log.Fatal(err)
//	}
//
// Pacing is the only congestion control: each resume request that reports
// loss counts toward a threshold, and crossing it grows the inter-piece
// delay by half, capped at the policy maximum. Sender state never expires
// on its own; call CleanupTransfer once a transfer is complete or written
// off.
package sender
