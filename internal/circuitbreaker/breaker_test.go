package circuitbreaker

import (
	"testing"
	"time"
)

func TestClosed_NotOpen(t *testing.T) {
	b := New()
	if b.IsOpen() {
		t.Fatal("closed breaker should not report open")
	}
	if b.CurrentState() != Closed {
		t.Fatalf("expected Closed, got %s", b.CurrentState())
	}
}

func TestOpensExactlyAtThreshold(t *testing.T) {
	b := New(WithFailureThreshold(5))

	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	if b.CurrentState() != Closed {
		t.Fatalf("expected Closed after 4 failures, got %s", b.CurrentState())
	}

	b.RecordFailure()
	if b.CurrentState() != Open {
		t.Fatalf("expected Open after 5 failures, got %s", b.CurrentState())
	}
	if !b.IsOpen() {
		t.Fatal("open breaker should report open")
	}
}

func TestOpen_FlipsToHalfOpenAfterWindow(t *testing.T) {
	now := time.Now()
	b := New(WithFailureThreshold(1), WithOpenDuration(30*time.Minute))
	b.nowFunc = func() time.Time { return now }

	b.RecordFailure()
	if !b.IsOpen() {
		t.Fatal("should be open inside window")
	}

	// Exactly at the deadline the next query flips to half-open and lets the
	// probing request through.
	now = now.Add(30 * time.Minute)
	if b.IsOpen() {
		t.Fatal("query at window end should permit the probe")
	}
	if b.CurrentState() != HalfOpen {
		t.Fatalf("expected HalfOpen, got %s", b.CurrentState())
	}

	// Further probes are also permitted while half-open.
	if b.IsOpen() {
		t.Fatal("half-open breaker should not report open")
	}
}

func TestHalfOpen_SuccessQuorumCloses(t *testing.T) {
	now := time.Now()
	b := New(WithFailureThreshold(1), WithOpenDuration(time.Minute), WithSuccessThreshold(2))
	b.nowFunc = func() time.Time { return now }

	b.RecordFailure()
	now = now.Add(2 * time.Minute)
	b.IsOpen() // flips to half-open

	b.RecordSuccess()
	if b.CurrentState() != HalfOpen {
		t.Fatalf("one success should not close: %s", b.CurrentState())
	}
	b.RecordSuccess()
	if b.CurrentState() != Closed {
		t.Fatalf("expected Closed after quorum, got %s", b.CurrentState())
	}
}

func TestHalfOpen_FailureReopensFullWindow(t *testing.T) {
	now := time.Now()
	b := New(WithFailureThreshold(1), WithOpenDuration(time.Minute))
	b.nowFunc = func() time.Time { return now }

	b.RecordFailure()
	now = now.Add(2 * time.Minute)
	b.IsOpen() // half-open

	b.RecordFailure()
	if b.CurrentState() != Open {
		t.Fatalf("expected Open after half-open failure, got %s", b.CurrentState())
	}

	// Still open just short of another full window.
	now = now.Add(time.Minute - time.Second)
	if !b.IsOpen() {
		t.Fatal("should stay open for another full window")
	}
	now = now.Add(2 * time.Second)
	if b.IsOpen() {
		t.Fatal("window lapsed, probe should be permitted")
	}
}

func TestClosedSuccess_ResetsFailureCount(t *testing.T) {
	b := New(WithFailureThreshold(3))

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()

	b.RecordFailure()
	b.RecordFailure()
	if b.CurrentState() != Closed {
		t.Fatalf("expected Closed, got %s", b.CurrentState())
	}
	b.RecordFailure()
	if b.CurrentState() != Open {
		t.Fatalf("expected Open, got %s", b.CurrentState())
	}
}

func TestManualReset(t *testing.T) {
	b := New(WithFailureThreshold(1))
	b.RecordFailure()
	if !b.IsOpen() {
		t.Fatal("expected open")
	}

	b.Reset()
	if b.IsOpen() {
		t.Fatal("reset breaker should immediately report not open")
	}
	if b.CurrentState() != Closed {
		t.Fatalf("expected Closed after reset, got %s", b.CurrentState())
	}
}

func TestOnStateChange_Callback(t *testing.T) {
	var transitions []struct{ from, to State }
	cb := func(from, to State) {
		transitions = append(transitions, struct{ from, to State }{from, to})
	}

	now := time.Now()
	b := New(WithFailureThreshold(1), WithOpenDuration(time.Minute), WithSuccessThreshold(1), WithOnStateChange(cb))
	b.nowFunc = func() time.Time { return now }

	b.RecordFailure() // Closed -> Open
	now = now.Add(2 * time.Minute)
	b.IsOpen()        // Open -> HalfOpen
	b.RecordSuccess() // HalfOpen -> Closed

	expected := []struct{ from, to State }{
		{Closed, Open},
		{Open, HalfOpen},
		{HalfOpen, Closed},
	}
	if len(transitions) != len(expected) {
		t.Fatalf("expected %d transitions, got %d", len(expected), len(transitions))
	}
	for i, tr := range transitions {
		if tr != expected[i] {
			t.Errorf("transition %d: expected %s->%s, got %s->%s",
				i, expected[i].from, expected[i].to, tr.from, tr.to)
		}
	}
}

func TestSnapshot(t *testing.T) {
	b := New(WithFailureThreshold(2))
	b.RecordFailure()

	snap := b.Snapshot()
	if snap.State != "closed" || snap.FailureCount != 1 {
		t.Fatalf("snapshot: %+v", snap)
	}
	if snap.LastFailure == nil {
		t.Fatal("expected last failure time")
	}
	if snap.OpenUntil != nil {
		t.Fatal("open_until should be unset while closed")
	}
}

func TestSet_LazyCreateAndReset(t *testing.T) {
	s := NewSet(WithFailureThreshold(1))

	a := s.For("prov-a")
	if a != s.For("prov-a") {
		t.Fatal("expected the same breaker instance")
	}

	a.RecordFailure()
	snaps := s.Snapshots()
	if snaps["prov-a"].State != "open" {
		t.Fatalf("snapshots: %+v", snaps)
	}

	if !s.Reset("prov-a") {
		t.Fatal("reset should find the breaker")
	}
	if s.For("prov-a").IsOpen() {
		t.Fatal("breaker should be closed after set reset")
	}
	if s.Reset("unknown") {
		t.Fatal("reset of unknown provider should report false")
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{Closed, "closed"},
		{Open, "open"},
		{HalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}
