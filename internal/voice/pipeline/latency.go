package pipeline

import (
	"sync"
	"time"
)

// Stage names instrumented across the pipeline.
const (
	StageRecognition = "recognition"
	StageResponse    = "response"
	StageSynthesis   = "synthesis"
	StagePlayback    = "playback"
)

// StageStats accumulates call-level timing for one stage.
type StageStats struct {
	Count int
	Total time.Duration
	Max   time.Duration
	Last  time.Duration
}

// TurnSummary describes one completed conversation turn.
type TurnSummary struct {
	Total      time.Duration
	OverBudget bool
	Stages     map[string]time.Duration
}

// LatencyTracker is a per-call stopwatch over pipeline stages. Tracking is
// best-effort observability: a missing mark makes Record a no-op, it never
// gates the pipeline.
type LatencyTracker struct {
	mu     sync.Mutex
	budget time.Duration

	marks map[string]time.Time
	turn  map[string]time.Duration

	cumulative map[string]StageStats
	turnTotals []time.Duration
	breaches   int

	now func() time.Time
}

// NewLatencyTracker creates a tracker with the given end-to-end turn budget.
func NewLatencyTracker(budget time.Duration) *LatencyTracker {
	return &LatencyTracker{
		budget:     budget,
		marks:      make(map[string]time.Time),
		turn:       make(map[string]time.Duration),
		cumulative: make(map[string]StageStats),
		now:        time.Now,
	}
}

// Mark records that a stage entered now.
func (t *LatencyTracker) Mark(stage string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.marks[stage] = t.now()
}

// Record computes the elapsed time since the matching Mark and stores it for
// the current turn. Without a matching mark it records nothing.
func (t *LatencyTracker) Record(stage string) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	started, ok := t.marks[stage]
	if !ok {
		return 0
	}
	delete(t.marks, stage)

	elapsed := t.now().Sub(started)
	t.turn[stage] = elapsed

	stats := t.cumulative[stage]
	stats.Count++
	stats.Total += elapsed
	stats.Last = elapsed
	if elapsed > stats.Max {
		stats.Max = elapsed
	}
	t.cumulative[stage] = stats
	return elapsed
}

// TurnSummary sums all stages recorded for the current turn and flags a
// budget breach.
func (t *LatencyTracker) TurnSummary() TurnSummary {
	t.mu.Lock()
	defer t.mu.Unlock()

	summary := TurnSummary{Stages: make(map[string]time.Duration, len(t.turn))}
	for stage, d := range t.turn {
		summary.Stages[stage] = d
		summary.Total += d
	}
	summary.OverBudget = summary.Total > t.budget
	return summary
}

// ResetTurn clears per-stage marks for the next turn while preserving
// cumulative call-level statistics.
func (t *LatencyTracker) ResetTurn() {
	t.mu.Lock()
	defer t.mu.Unlock()

	var total time.Duration
	for _, d := range t.turn {
		total += d
	}
	if len(t.turn) > 0 {
		t.turnTotals = append(t.turnTotals, total)
		if total > t.budget {
			t.breaches++
		}
	}

	t.marks = make(map[string]time.Time)
	t.turn = make(map[string]time.Duration)
}

// CallSummary describes the whole call so far.
type CallSummary struct {
	Turns       int
	Breaches    int
	AverageTurn time.Duration
	MaxTurn     time.Duration
	Stages      map[string]StageStats
}

// Summary returns call-level statistics across all completed turns.
func (t *LatencyTracker) Summary() CallSummary {
	t.mu.Lock()
	defer t.mu.Unlock()

	summary := CallSummary{
		Turns:    len(t.turnTotals),
		Breaches: t.breaches,
		Stages:   make(map[string]StageStats, len(t.cumulative)),
	}
	var total time.Duration
	for _, d := range t.turnTotals {
		total += d
		if d > summary.MaxTurn {
			summary.MaxTurn = d
		}
	}
	if len(t.turnTotals) > 0 {
		summary.AverageTurn = total / time.Duration(len(t.turnTotals))
	}
	for stage, stats := range t.cumulative {
		summary.Stages[stage] = stats
	}
	return summary
}

// Breached reports whether any completed turn exceeded the budget.
func (t *LatencyTracker) Breached() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.breaches > 0
}
