package traffic

import (
	"sync"
	"time"
)

// retention bounds how far back any window can look.
const retention = 5 * time.Minute

// Tracker keeps sliding windows of request outcomes. Health evaluation reads
// request volume (idle, overload) and the upstream error ratio (degraded) from it.
type Tracker struct {
	mu           sync.Mutex
	now          func() time.Time
	successTimes []time.Time
	errorTimes   []time.Time
	deniedTimes  []time.Time
}

// New creates an empty Tracker using the wall clock.
func New() *Tracker {
	return &Tracker{now: time.Now}
}

// NewWithClock creates a Tracker that reads time from now.
func NewWithClock(now func() time.Time) *Tracker {
	return &Tracker{now: now}
}

// RecordSuccess records a forecast or snapshot request that completed.
func (t *Tracker) RecordSuccess() {
	t.record(&t.successTimes)
}

// RecordError records a request that failed because of the upstream provider or model.
func (t *Tracker) RecordError() {
	t.record(&t.errorTimes)
}

// RecordDenied records a rate-limit denial (429).
func (t *Tracker) RecordDenied() {
	t.record(&t.deniedTimes)
}

func (t *Tracker) record(slice *[]time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	*slice = append(*slice, now)
	t.pruneLocked(now)
}

// RequestCount returns success + error + denied outcomes within the window.
func (t *Tracker) RequestCount(window time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-window)
	return countSince(t.successTimes, cutoff) +
		countSince(t.errorTimes, cutoff) +
		countSince(t.deniedTimes, cutoff)
}

// DenialCount returns the number of denials within the window.
func (t *Tracker) DenialCount(window time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return countSince(t.deniedTimes, t.now().Add(-window))
}

// ErrorRate returns (errors, total) within the window. Denials are not counted in total.
func (t *Tracker) ErrorRate(window time.Duration) (errors, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-window)
	errors = countSince(t.errorTimes, cutoff)
	return errors, errors + countSince(t.successTimes, cutoff)
}

// ResetErrors forgets recorded errors. Called once the upstream has recovered.
func (t *Tracker) ResetErrors() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.errorTimes = nil
}

// Reset clears all recorded outcomes.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.successTimes = nil
	t.errorTimes = nil
	t.deniedTimes = nil
}

func countSince(times []time.Time, cutoff time.Time) int {
	n := 0
	for _, ts := range times {
		if !ts.Before(cutoff) {
			n++
		}
	}
	return n
}

// pruneLocked drops timestamps older than retention. Slices are append-ordered.
func (t *Tracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-retention)
	prune := func(slice *[]time.Time) {
		times := *slice
		i := 0
		for i < len(times) && times[i].Before(cutoff) {
			i++
		}
		if i > 0 {
			*slice = append(times[:0], times[i:]...)
		}
	}
	prune(&t.successTimes)
	prune(&t.errorTimes)
	prune(&t.deniedTimes)
}
