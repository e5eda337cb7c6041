package realtime

import "time"

// reconnector computes the delay before each reconnection attempt:
// base * 2^(attempt-1), capped at max. The attempt counter advances when a
// reconnection is scheduled and resets only when the channel opens.
type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempts    int
}

func newReconnector(cfg Config) *reconnector {
	return &reconnector{
		baseDelay:   cfg.ReconnectBaseDelay,
		maxDelay:    cfg.ReconnectMaxDelay,
		maxAttempts: cfg.MaxReconnectAttempts,
	}
}

// next returns the delay before the upcoming attempt and counts it. The
// second return is false once the attempt cap is reached; no attempt is
// counted in that case.
func (r *reconnector) next() (time.Duration, bool) {
	if r.attempts >= r.maxAttempts {
		return 0, false
	}
	r.attempts++

	delay := r.baseDelay << (r.attempts - 1)
	if delay > r.maxDelay || delay <= 0 {
		delay = r.maxDelay
	}
	return delay, true
}

// reset clears the attempt counter after a successful open.
func (r *reconnector) reset() {
	r.attempts = 0
}
