package pipeline

import "sync"

// failure records one subscription that could not be processed this pass.
type failure struct {
	SubscriptionID int64
	Stage          string // aggregate | storage | policy | deliver | commit
	Err            error
}

// report accumulates the outcome of one pass across workers.
type report struct {
	mu       sync.Mutex
	sent     int
	skipped  int
	reasons  map[string]int
	failures []failure
}

func newReport() *report {
	return &report{reasons: map[string]int{}}
}

func (r *report) markSent() {
	r.mu.Lock()
	r.sent++
	r.mu.Unlock()
}

func (r *report) skip(reason string) {
	r.mu.Lock()
	r.skipped++
	r.reasons[reason]++
	r.mu.Unlock()
}

func (r *report) fail(subID int64, stage string, err error) {
	r.mu.Lock()
	r.failures = append(r.failures, failure{SubscriptionID: subID, Stage: stage, Err: err})
	r.mu.Unlock()
}

func (r *report) totals() (sent, skipped int, failures []failure) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sent, r.skipped, append([]failure(nil), r.failures...)
}
