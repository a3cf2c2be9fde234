package usage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/verbly-ai/verbly/pkg/live"
)

// RecorderOption is a functional option for configuring a Recorder.
type RecorderOption func(*Recorder)

// WithClock overrides the time source. Used in tests.
func WithClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) { r.now = now }
}

// Recorder accumulates the usage deltas one live session reports and writes
// a single priced [SessionRecord] when the session ends.
//
// Observe is safe to call from the session's event goroutine while Finalize
// runs elsewhere. Finalize is idempotent: the first call appends to the
// ledger, later calls return the same record without touching the ledger
// again, so a teardown path that fires twice cannot double-bill a learner.
type Recorder struct {
	ledger Ledger
	now    func() time.Time

	mu        sync.Mutex
	startedAt time.Time
	input     int64
	output    int64
	total     int64
	final     *SessionRecord
}

// NewRecorder creates a Recorder writing to ledger.
func NewRecorder(ledger Ledger, opts ...RecorderOption) *Recorder {
	r := &Recorder{ledger: ledger, now: time.Now}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Start marks the session start. Calling it again, or after usage was
// already observed, is a no-op.
func (r *Recorder) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startedAt.IsZero() {
		r.startedAt = r.now()
	}
}

// Observe folds one usage delta into the running totals. Deltas arriving
// after Finalize are dropped.
func (r *Recorder) Observe(d live.Usage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.final != nil {
		return
	}
	if r.startedAt.IsZero() {
		r.startedAt = r.now()
	}
	r.input += d.InputUnits
	r.output += d.OutputUnits
	r.total += d.TotalUnits
}

// Snapshot returns the running totals without finalizing.
func (r *Recorder) Snapshot() Totals {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := Totals{
		InputUnits:  r.input,
		OutputUnits: r.output,
		CostUSD:     Cost(r.input, r.output),
	}
	if !r.startedAt.IsZero() {
		t.Sessions = 1
		t.Duration = r.now().Sub(r.startedAt)
	}
	return t
}

// Finalize prices the session and appends it to the ledger under subjectID.
// A session with no observed usage and no start is recorded as empty and not
// appended. Repeat calls return the first call's record.
func (r *Recorder) Finalize(ctx context.Context, subjectID string) (SessionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.final != nil {
		return *r.final, nil
	}
	if r.startedAt.IsZero() {
		// Never started: nothing to bill.
		r.final = &SessionRecord{SubjectID: subjectID}
		return *r.final, nil
	}

	end := r.now()
	rec := SessionRecord{
		SubjectID:   subjectID,
		StartedAt:   r.startedAt,
		EndedAt:     end,
		Duration:    end.Sub(r.startedAt),
		InputUnits:  r.input,
		OutputUnits: r.output,
		TotalUnits:  r.total,
		CostUSD:     Cost(r.input, r.output),
		WeekBucket:  WeekBucket(end),
		MonthBucket: MonthBucket(end),
	}
	if err := r.ledger.Append(ctx, rec); err != nil {
		// Leave the recorder open so a retry can re-finalize.
		return SessionRecord{}, fmt.Errorf("usage: finalize: %w", err)
	}
	r.final = &rec
	return rec, nil
}
