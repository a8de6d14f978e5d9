package sender

import "time"

// PacingPolicy is the per-recipient backoff policy for inter-piece send
// delays. The only congestion signal the protocol has is the receiver
// reporting loss through resume requests: after RetryThreshold consecutive
// loss reports the delay grows by half, capped at Max.
type PacingPolicy struct {
	Initial        time.Duration
	Min            time.Duration
	Max            time.Duration
	RetryThreshold int
}

// DefaultPacingPolicy returns the pacing defaults tuned for narrow links.
func DefaultPacingPolicy() PacingPolicy {
	return PacingPolicy{
		Initial:        200 * time.Millisecond,
		Min:            50 * time.Millisecond,
		Max:            time.Second,
		RetryThreshold: 3,
	}
}

// ShouldEscalate reports whether the accumulated loss-report count has
// reached the escalation threshold.
func (p PacingPolicy) ShouldEscalate(retries int) bool {
	return retries >= p.RetryThreshold
}

// NextDelay returns the delay after one escalation step: current increased
// by 50%, capped at Max.
func (p PacingPolicy) NextDelay(current time.Duration) time.Duration {
	next := current + current/2
	if next > p.Max {
		next = p.Max
	}
	return next
}
