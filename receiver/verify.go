package receiver

import (
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/akita/hashing"
	"github.com/opd-ai/akita/message"
	"github.com/opd-ai/akita/piece"
)

// resumePlan is a decision to send one resume request, computed under the
// registry lock and acted on after release.
type resumePlan struct {
	id      string
	origin  string
	missing []uint32
	held    []uint32
}

// checkCompletion verifies and assembles a transfer once every piece is
// held. Verification runs in priority order: Merkle root, then advertised
// per-piece hashes, then piece count alone. The verdict is computed under
// the lock; network sends and the save callback happen after release.
func (r *Receiver) checkCompletion(id string) {
	r.mu.Lock()
	tr, ok := r.transfers[id]
	if !ok || tr.state != StateCollecting || uint32(len(tr.received)) != tr.numPieces {
		r.mu.Unlock()
		return
	}

	if tr.merkleRoot != "" {
		hashes := make([]string, tr.numPieces)
		for i := uint32(0); i < tr.numPieces; i++ {
			hashes[i] = tr.receivedHashes[i]
		}
		root, err := hashing.MerkleRoot(hashes)
		if err != nil || root != tr.merkleRoot {
			// A Merkle mismatch cannot localize the corrupt piece(s), so
			// every piece is discarded and re-fetched.
			tr.resetLocked()
			var plan *resumePlan
			if !tr.isBroadcast {
				plan = &resumePlan{id: id, origin: tr.origin, missing: tr.missingLocked()}
			}
			traceID := tr.traceID
			expected := tr.merkleRoot
			r.mu.Unlock()

			r.logger.WithFields(logrus.Fields{
				"function":    "checkCompletion",
				"transfer_id": id,
				"trace_id":    traceID,
				"expected":    expected,
				"computed":    root,
			}).Warn("Merkle root mismatch, discarding all pieces")
			r.saveDescriptor(id, tr)
			if plan != nil {
				r.sendResumeRequest(*plan)
			}
			return
		}
	} else if len(tr.pieceHashes) > 0 {
		// Verification covers the overlap only; a short advertised list is
		// accepted as a partial pass when every overlapping hash matches.
		overlap := tr.numPieces
		if uint32(len(tr.pieceHashes)) < overlap {
			overlap = uint32(len(tr.pieceHashes))
		}
		var bad []uint32
		for i := uint32(0); i < overlap; i++ {
			if tr.receivedHashes[i] != tr.pieceHashes[i] {
				bad = append(bad, i)
			}
		}
		if len(bad) > 0 {
			for _, i := range bad {
				delete(tr.received, i)
				delete(tr.receivedHashes, i)
				delete(tr.requested, i)
			}
			var plan *resumePlan
			if !tr.isBroadcast {
				plan = &resumePlan{id: id, origin: tr.origin, missing: bad, held: tr.heldLocked()}
			}
			traceID := tr.traceID
			r.mu.Unlock()

			r.logger.WithFields(logrus.Fields{
				"function":    "checkCompletion",
				"transfer_id": id,
				"trace_id":    traceID,
				"bad_pieces":  len(bad),
			}).Warn("Piece hash mismatch, evicting corrupt pieces")
			for _, i := range bad {
				r.deletePieceStored(id, i)
			}
			if plan != nil {
				r.sendResumeRequest(*plan)
			}
			return
		}
	}

	data, err := piece.Assemble(tr.received, tr.numPieces, tr.totalSize)
	if err != nil {
		// Every piece matched its hash yet the total is wrong: a framing
		// error re-requesting cannot fix. Fatal.
		tr.state = StateFailed
		delete(r.transfers, id)
		traceID := tr.traceID
		r.mu.Unlock()

		r.logger.WithFields(logrus.Fields{
			"function":    "checkCompletion",
			"transfer_id": id,
			"trace_id":    traceID,
			"error":       err.Error(),
		}).Error("Assembled size mismatch, transfer failed")
		r.deleteStored(id)
		return
	}

	tr.state = StateComplete
	delete(r.transfers, id)
	filename := tr.filename
	traceID := tr.traceID
	r.mu.Unlock()

	if err := r.saver.Save(filename, data); err != nil {
		r.logger.WithFields(logrus.Fields{
			"function":    "checkCompletion",
			"transfer_id": id,
			"trace_id":    traceID,
			"file_name":   filename,
			"error":       err.Error(),
		}).Error("Failed to save completed file")
	} else {
		r.logger.WithFields(logrus.Fields{
			"function":    "checkCompletion",
			"transfer_id": id,
			"trace_id":    traceID,
			"file_name":   filename,
			"bytes":       len(data),
		}).Info("Transfer complete")
	}
	r.deleteStored(id)
}

// sendResumeRequest transmits one resume request. On success the retry
// counter of every requested index increments and the interval clock
// resets; a failed send is logged and simply retried on the next tick.
// The transfer's liveness is re-checked before the bookkeeping because a
// concurrent handler may have concluded it mid-send.
func (r *Receiver) sendResumeRequest(plan resumePlan) {
	payload, err := message.Encode(message.ResumeRequest{
		MissingIndices:      plan.missing,
		AcknowledgedIndices: plan.held,
	})
	if err != nil {
		r.logger.WithFields(logrus.Fields{
			"function":    "sendResumeRequest",
			"transfer_id": plan.id,
			"error":       err.Error(),
		}).Error("Failed to encode resume request")
		return
	}
	if err := r.transport.Send(plan.origin, payload, r.config.Channel); err != nil {
		r.logger.WithFields(logrus.Fields{
			"function":    "sendResumeRequest",
			"transfer_id": plan.id,
			"error":       err.Error(),
		}).Warn("Resume request send failed")
		return
	}

	r.mu.Lock()
	tr, ok := r.transfers[plan.id]
	if ok && tr.state == StateCollecting {
		for _, idx := range plan.missing {
			tr.retries[idx]++
			tr.requested[idx] = struct{}{}
		}
		tr.lastRequest = r.clock.Now()
	}
	r.mu.Unlock()

	r.logger.WithFields(logrus.Fields{
		"function":    "sendResumeRequest",
		"transfer_id": plan.id,
		"missing":     len(plan.missing),
		"held":        len(plan.held),
	}).Info("Resume request sent")
}

// failure is a tick decision to fail and remove one transfer.
type failure struct {
	id      string
	traceID string
	reason  string
}

// CheckTransfers is the periodic tick. For every live transfer it checks
// the inactivity timeout first, then retry exhaustion, then whether the
// resume-request interval has elapsed. Decisions are collected under the
// lock and acted on after release.
func (r *Receiver) CheckTransfers() {
	var failures []failure
	var plans []resumePlan

	r.mu.Lock()
	for id, tr := range r.transfers {
		if r.clock.Since(tr.lastActivity) > r.config.InactivityTimeout {
			tr.state = StateFailed
			delete(r.transfers, id)
			failures = append(failures, failure{id: id, traceID: tr.traceID, reason: "inactivity timeout"})
			continue
		}
		// No back-channel to a broadcast origin.
		if tr.isBroadcast {
			continue
		}
		if r.clock.Since(tr.lastRequest) < r.config.RequestInterval {
			continue
		}

		missing := tr.missingLocked()
		exhausted := false
		for _, idx := range missing {
			if tr.retries[idx] >= r.config.MaxRetries {
				exhausted = true
				break
			}
		}
		if exhausted {
			// One exhausted piece fails the whole transfer; there is no
			// partial-success delivery.
			tr.state = StateFailed
			delete(r.transfers, id)
			failures = append(failures, failure{id: id, traceID: tr.traceID, reason: "retry limit exceeded"})
			continue
		}
		if len(missing) == 0 {
			tr.lastRequest = r.clock.Now()
			continue
		}
		plans = append(plans, resumePlan{id: id, origin: tr.origin, missing: missing, held: tr.heldLocked()})
	}
	r.mu.Unlock()

	for _, f := range failures {
		r.logger.WithFields(logrus.Fields{
			"function":    "CheckTransfers",
			"transfer_id": f.id,
			"trace_id":    f.traceID,
			"reason":      f.reason,
		}).Error("Transfer failed")
		r.deleteStored(f.id)
	}
	for _, plan := range plans {
		r.sendResumeRequest(plan)
	}
}

// Restore reloads live transfers from the resume store, typically at
// startup. Restored pieces are re-hashed with the configured algorithm and
// a transfer whose piece set is already complete goes straight to
// verification. Returns how many transfers were restored.
func (r *Receiver) Restore() (int, error) {
	if r.config.Store == nil {
		return 0, nil
	}
	stored, err := r.config.Store.LoadAll()
	if err != nil {
		return 0, err
	}

	restored := 0
	for _, st := range stored {
		rec := st.Record
		numPieces := piece.Count(rec.TotalSize, rec.PieceSize)
		if numPieces == 0 {
			r.deleteStored(rec.ID)
			continue
		}

		now := r.clock.Now()
		tr := &transfer{
			traceID:      rec.ID,
			origin:       rec.SourceNode,
			isBroadcast:  rec.IsBroadcast,
			filename:     rec.Filename,
			totalSize:    rec.TotalSize,
			pieceSize:    rec.PieceSize,
			numPieces:    numPieces,
			merkleRoot:   rec.MerkleRoot,
			pieceHashes:  rec.PieceHashes,
			state:        StateCollecting,
			startTime:    now,
			lastActivity: now,
			lastRequest:  now,
		}
		tr.resetLocked()

		for idx, data := range st.Pieces {
			if idx >= numPieces {
				continue
			}
			hash, err := hashing.CalculateHashWith(r.config.Hash, data)
			if err != nil {
				return restored, err
			}
			tr.received[idx] = data
			tr.receivedHashes[idx] = hash
		}
		complete := uint32(len(tr.received)) == numPieces

		r.mu.Lock()
		r.transfers[rec.ID] = tr
		r.mu.Unlock()
		restored++

		r.logger.WithFields(logrus.Fields{
			"function":    "Restore",
			"transfer_id": rec.ID,
			"file_name":   rec.Filename,
			"pieces_held": len(tr.received),
			"num_pieces":  numPieces,
		}).Info("Transfer restored from resume store")

		if complete {
			r.checkCompletion(rec.ID)
		}
	}
	return restored, nil
}
