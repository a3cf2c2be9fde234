// Package usage meters session consumption for billing and learner quotas.
//
// A [Recorder] accumulates the unit deltas the live session reports and, on
// finalize, prices the session and appends a [SessionRecord] to a [Ledger].
// Records are rolled up into per-learner weekly and monthly buckets so quota
// checks never scan raw session rows.
package usage

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Unit prices in USD per million units, matching the vendor's native-audio
// realtime tier.
const (
	inputCostPerMillion  = 3.00
	outputCostPerMillion = 12.00
)

// Cost prices a session's unit consumption in USD.
func Cost(inputUnits, outputUnits int64) float64 {
	return float64(inputUnits)*inputCostPerMillion/1e6 +
		float64(outputUnits)*outputCostPerMillion/1e6
}

// WeekBucket returns the ISO-week aggregation key for t, e.g. "2026-W35".
func WeekBucket(t time.Time) string {
	year, week := t.ISOWeek()
	return fmt.Sprintf("%04d-W%02d", year, week)
}

// MonthBucket returns the calendar-month aggregation key for t, e.g. "2026-08".
func MonthBucket(t time.Time) string {
	return t.Format("2006-01")
}

// SessionRecord is the finalized summary of one tutoring session.
type SessionRecord struct {
	SubjectID   string
	StartedAt   time.Time
	EndedAt     time.Time
	Duration    time.Duration
	InputUnits  int64
	OutputUnits int64
	TotalUnits  int64
	CostUSD     float64
	WeekBucket  string
	MonthBucket string
}

// Totals is a rolled-up aggregate for one learner and one bucket.
type Totals struct {
	Sessions    int64
	Duration    time.Duration
	InputUnits  int64
	OutputUnits int64
	CostUSD     float64
}

// Ledger persists finalized session records and their bucket roll-ups.
// Implementations must be safe for concurrent use.
type Ledger interface {
	// Append stores rec and folds it into the learner's weekly and monthly
	// buckets.
	Append(ctx context.Context, rec SessionRecord) error

	// TotalsFor returns the aggregate for one learner and one bucket key
	// (weekly or monthly). An untouched bucket returns zero totals, not an
	// error.
	TotalsFor(ctx context.Context, subjectID, bucket string) (Totals, error)
}

// Compile-time interface checks.
var (
	_ Ledger = (*MemoryLedger)(nil)
	_ Ledger = (*Store)(nil)
)

// MemoryLedger is an in-process Ledger used in tests and single-session CLI
// runs.
type MemoryLedger struct {
	mu      sync.Mutex
	records []SessionRecord
	buckets map[string]Totals
}

// NewMemoryLedger creates an empty MemoryLedger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{buckets: make(map[string]Totals)}
}

// Append stores rec and updates both bucket roll-ups.
func (l *MemoryLedger) Append(_ context.Context, rec SessionRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.records = append(l.records, rec)
	for _, bucket := range []string{rec.WeekBucket, rec.MonthBucket} {
		key := rec.SubjectID + "\x00" + bucket
		t := l.buckets[key]
		t.Sessions++
		t.Duration += rec.Duration
		t.InputUnits += rec.InputUnits
		t.OutputUnits += rec.OutputUnits
		t.CostUSD += rec.CostUSD
		l.buckets[key] = t
	}
	return nil
}

// TotalsFor returns the aggregate for one learner and bucket.
func (l *MemoryLedger) TotalsFor(_ context.Context, subjectID, bucket string) (Totals, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buckets[subjectID+"\x00"+bucket], nil
}

// Records returns a copy of all appended records, oldest first.
func (l *MemoryLedger) Records() []SessionRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]SessionRecord(nil), l.records...)
}
