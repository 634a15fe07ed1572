package run

import "time"

// DefaultStaleTimeout is how long a running run may go without a heartbeat.
const DefaultStaleTimeout = 10 * time.Minute

// IsStale reports whether a running run has missed its heartbeat window.
// Runs without a heartbeat fall back to their start time.
func (r *Run) IsStale(now time.Time, timeout time.Duration) bool {
	if r.Status != StatusRunning {
		return false
	}
	if timeout <= 0 {
		timeout = DefaultStaleTimeout
	}
	last := r.HeartbeatAt
	if last == nil {
		last = r.StartedAt
	}
	if last == nil {
		last = &r.CreatedAt
	}
	return now.Sub(*last) > timeout
}

// StaleFor returns how long the run has gone without a heartbeat.
func (r *Run) StaleFor(now time.Time) time.Duration {
	last := r.HeartbeatAt
	if last == nil {
		last = r.StartedAt
	}
	if last == nil {
		return 0
	}
	return now.Sub(*last)
}
