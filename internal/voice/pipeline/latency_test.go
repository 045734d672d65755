package pipeline

import (
	"testing"
	"time"
)

// fakeClock steps forward by a fixed amount on every read.
type fakeClock struct {
	current time.Time
	step    time.Duration
}

func (c *fakeClock) Now() time.Time {
	c.current = c.current.Add(c.step)
	return c.current
}

func trackerWithClock(budget time.Duration, step time.Duration) (*LatencyTracker, *fakeClock) {
	clock := &fakeClock{current: time.Unix(1700000000, 0), step: step}
	tracker := NewLatencyTracker(budget)
	tracker.now = clock.Now
	return tracker, clock
}

func TestMarkAndRecord(t *testing.T) {
	tracker, _ := trackerWithClock(1500*time.Millisecond, 100*time.Millisecond)

	tracker.Mark(StageResponse)
	elapsed := tracker.Record(StageResponse)
	if elapsed != 100*time.Millisecond {
		t.Errorf("expected 100ms, got %v", elapsed)
	}

	summary := tracker.TurnSummary()
	if summary.Total != 100*time.Millisecond {
		t.Errorf("expected turn total 100ms, got %v", summary.Total)
	}
	if summary.OverBudget {
		t.Error("100ms should not breach a 1.5s budget")
	}
}

func TestRecordWithoutMarkIsNoOp(t *testing.T) {
	tracker, _ := trackerWithClock(1500*time.Millisecond, 100*time.Millisecond)

	if got := tracker.Record(StageSynthesis); got != 0 {
		t.Errorf("expected 0 for unmarked stage, got %v", got)
	}
	if summary := tracker.TurnSummary(); summary.Total != 0 {
		t.Errorf("expected empty turn, got %v", summary.Total)
	}
}

func TestBudgetBreach(t *testing.T) {
	tracker, _ := trackerWithClock(1500*time.Millisecond, 900*time.Millisecond)

	tracker.Mark(StageResponse)
	tracker.Record(StageResponse)
	tracker.Mark(StageSynthesis)
	tracker.Record(StageSynthesis)

	summary := tracker.TurnSummary()
	if summary.Total != 1800*time.Millisecond {
		t.Fatalf("expected 1800ms total, got %v", summary.Total)
	}
	if !summary.OverBudget {
		t.Error("expected over-budget flag for 1.8s turn")
	}

	tracker.ResetTurn()
	if !tracker.Breached() {
		t.Error("expected breach to persist after turn reset")
	}
}

func TestResetTurnPreservesCumulative(t *testing.T) {
	tracker, _ := trackerWithClock(1500*time.Millisecond, 200*time.Millisecond)

	for i := 0; i < 3; i++ {
		tracker.Mark(StageResponse)
		tracker.Record(StageResponse)
		tracker.ResetTurn()
	}

	if summary := tracker.TurnSummary(); summary.Total != 0 {
		t.Errorf("expected empty current turn after reset, got %v", summary.Total)
	}

	call := tracker.Summary()
	if call.Turns != 3 {
		t.Errorf("expected 3 turns, got %d", call.Turns)
	}
	stats := call.Stages[StageResponse]
	if stats.Count != 3 {
		t.Errorf("expected 3 recordings, got %d", stats.Count)
	}
	if stats.Total != 600*time.Millisecond {
		t.Errorf("expected 600ms cumulative, got %v", stats.Total)
	}
	if call.AverageTurn != 200*time.Millisecond {
		t.Errorf("expected 200ms average turn, got %v", call.AverageTurn)
	}
}
