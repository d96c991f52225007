package evt

import (
	"errors"
	"testing"
)

type counter struct{ Count int }

type delta struct{ Value int }

func addReducer(s counter, ev Event[delta]) (counter, error) {
	return counter{Count: s.Count + ev.Payload.Value}, nil
}

func ev(id string, ts int64, v int) Event[delta] {
	return Event[delta]{ID: id, Timestamp: ts, Payload: delta{Value: v}}
}

func mustEngine(t *testing.T, opts ...Option[counter, delta]) *Engine[counter, delta] {
	t.Helper()
	e, err := NewEngine(counter{}, addReducer, opts...)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

func TestNewEngineRejectsBadInterval(t *testing.T) {
	_, err := NewEngine(counter{}, addReducer, WithSnapshotInterval[counter, delta](0))
	if err == nil {
		t.Fatal("expected configuration error for non-positive snapshot interval")
	}
}

// P1: replay determinism.
func TestReplayDeterminism(t *testing.T) {
	events := []Event[delta]{ev("a", 100, 1), ev("b", 200, 2), ev("c", 300, 3)}
	e := mustEngine(t)
	for _, x := range events {
		if err := e.Dispatch(x); err != nil {
			t.Fatal(err)
		}
	}
	want := e.GetState()

	r := mustEngine(t)
	if err := r.Replay(events); err != nil {
		t.Fatal(err)
	}
	if got := r.GetState(); got != want {
		t.Fatalf("replay determinism: got %+v want %+v", got, want)
	}
}

// P2: snapshot soundness after a run of dispatches with an auto-snapshot
// every two events.
func TestSnapshotSoundness(t *testing.T) {
	e := mustEngine(t, WithSnapshotInterval[counter, delta](2))
	for i, v := range []int{1, 2, 3, 4} {
		if err := e.Dispatch(ev(string(rune('a'+i)), int64(100*(i+1)), v)); err != nil {
			t.Fatal(err)
		}
	}
	e.mu.Lock()
	for _, s := range e.snaps {
		want := counter{}
		for _, x := range e.log[:s.Index] {
			want.Count += x.Payload.Value
		}
		if s.State != want {
			t.Fatalf("snapshot at %d: got %+v want %+v", s.Index, s.State, want)
		}
	}
	e.mu.Unlock()
}

// P3: insertion equivalence.
func TestInsertionEquivalence(t *testing.T) {
	pre := []Event[delta]{ev("b", 200, 1), ev("d", 400, 1)}
	add := []Event[delta]{ev("a", 100, 10), ev("c", 300, 10)}

	direct := mustEngine(t)
	merged := Merge(pre, add, Less[delta])
	for _, x := range merged {
		if err := direct.Dispatch(x); err != nil {
			t.Fatal(err)
		}
	}

	staged := mustEngine(t)
	for _, x := range pre {
		if err := staged.Dispatch(x); err != nil {
			t.Fatal(err)
		}
	}
	if err := staged.InsertEvents(add); err != nil {
		t.Fatal(err)
	}

	if direct.GetState() != staged.GetState() {
		t.Fatalf("insertion equivalence: direct %+v staged %+v", direct.GetState(), staged.GetState())
	}
	wantLog := []string{"a", "b", "c", "d"}
	gotLog := staged.Events()
	if len(gotLog) != len(wantLog) {
		t.Fatalf("log length: got %d want %d", len(gotLog), len(wantLog))
	}
	for i, id := range wantLog {
		if gotLog[i].ID != id {
			t.Fatalf("log[%d]: got %s want %s", i, gotLog[i].ID, id)
		}
	}
	if staged.GetState().Count != 22 {
		t.Fatalf("state: got %+v want Count=22", staged.GetState())
	}
}

// An insertion that lands before a snapshot point must drop that snapshot
// and every one after it, not just leave a stale state cached.
func TestInterleavedInsertionDropsSnapshots(t *testing.T) {
	e := mustEngine(t, WithSnapshotInterval[counter, delta](1))
	if err := e.Dispatch(ev("b", 200, 1)); err != nil {
		t.Fatal(err)
	}
	if err := e.Dispatch(ev("d", 400, 1)); err != nil {
		t.Fatal(err)
	}
	e.mu.Lock()
	if len(e.snaps) == 0 {
		e.mu.Unlock()
		t.Fatal("expected auto snapshots before insertion")
	}
	e.mu.Unlock()

	if err := e.InsertEvents([]Event[delta]{ev("a", 100, 10), ev("c", 300, 10)}); err != nil {
		t.Fatal(err)
	}
	e.mu.Lock()
	for _, s := range e.snaps {
		if s.Index > 0 {
			e.mu.Unlock()
			t.Fatalf("snapshot at index %d survived an insertion at position 0", s.Index)
		}
	}
	e.mu.Unlock()
}

// P4: removal equivalence.
func TestRemovalEquivalence(t *testing.T) {
	events := []Event[delta]{ev("a", 100, 1), ev("b", 200, 2), ev("c", 300, 3)}
	e := mustEngine(t)
	if err := e.InsertEvents(events); err != nil {
		t.Fatal(err)
	}
	if err := e.RemoveEvent(events[1]); err != nil {
		t.Fatal(err)
	}

	want := mustEngine(t)
	if err := want.Replay([]Event[delta]{events[0], events[2]}); err != nil {
		t.Fatal(err)
	}
	if e.GetState() != want.GetState() {
		t.Fatalf("removal equivalence: got %+v want %+v", e.GetState(), want.GetState())
	}
}

// P5: ordering, after a mix of operations.
func TestOrderingInvariant(t *testing.T) {
	e := mustEngine(t)
	if err := e.Dispatch(ev("b", 200, 1)); err != nil {
		t.Fatal(err)
	}
	if err := e.InsertEvents([]Event[delta]{ev("a", 100, 1)}); err != nil {
		t.Fatal(err)
	}
	if err := e.Dispatch(ev("c", 300, 1)); err != nil {
		t.Fatal(err)
	}
	log := e.Events()
	for i := 1; i < len(log); i++ {
		if !Less(log[i-1], log[i]) {
			t.Fatalf("log not strictly ordered at %d: %+v >= %+v", i, log[i-1], log[i])
		}
	}
}

// P6: subscriber priming.
func TestSubscriberPriming(t *testing.T) {
	e := mustEngine(t)
	calls := 0
	var got counter
	unsub := e.Subscribe(func(s counter) {
		calls++
		got = s
	})
	defer unsub()
	if calls != 1 {
		t.Fatalf("expected exactly one priming call, got %d", calls)
	}
	if got != (counter{}) {
		t.Fatalf("priming call state: got %+v want zero value", got)
	}
}

// P7: listener isolation.
func TestListenerIsolation(t *testing.T) {
	e := mustEngine(t)
	var second counter
	secondCalls := 0
	e.Subscribe(func(counter) { panic("boom") })
	e.Subscribe(func(s counter) {
		secondCalls++
		second = s
	})
	// two priming calls already happened (secondCalls==1); dispatch once more.
	if err := e.Dispatch(ev("a", 100, 5)); err != nil {
		t.Fatal(err)
	}
	if secondCalls != 2 {
		t.Fatalf("expected second listener invoked despite first panicking, got %d calls", secondCalls)
	}
	if second.Count != 5 {
		t.Fatalf("second listener state: got %+v want Count=5", second)
	}
}

// P8: no-op insert/remove.
func TestNoOps(t *testing.T) {
	e := mustEngine(t)
	calls := 0
	e.Subscribe(func(counter) { calls++ }) // priming call #1
	if err := e.InsertEvents(nil); err != nil {
		t.Fatal(err)
	}
	if err := e.RemoveEvent(ev("missing", 0, 0)); err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Fatalf("no-op insert/remove must not notify: got %d calls", calls)
	}
	if e.Len() != 0 {
		t.Fatalf("no-op insert/remove must not change the log: len=%d", e.Len())
	}
}

// P9: rebaseline idempotence.
func TestRebaselineIdempotent(t *testing.T) {
	e := mustEngine(t)
	if err := e.Dispatch(ev("a", 100, 1)); err != nil {
		t.Fatal(err)
	}
	e.Rebaseline(counter{Count: 9})
	e.Rebaseline(counter{Count: 9})
	if e.GetState() != (counter{Count: 9}) {
		t.Fatalf("rebaseline state: got %+v", e.GetState())
	}
	if e.Len() != 0 {
		t.Fatalf("rebaseline log: got len %d want 0", e.Len())
	}
	e.mu.Lock()
	n := len(e.snaps)
	e.mu.Unlock()
	if n != 0 {
		t.Fatalf("rebaseline snapshots: got %d want 0", n)
	}
}

// Reducer failure must be atomic: log and state unchanged.
func TestDispatchReducerErrorIsAtomic(t *testing.T) {
	boom := errors.New("boom")
	e, err := NewEngine(counter{}, func(s counter, ev Event[delta]) (counter, error) {
		if ev.ID == "bad" {
			return s, boom
		}
		return counter{Count: s.Count + ev.Payload.Value}, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Dispatch(ev("a", 100, 1)); err != nil {
		t.Fatal(err)
	}
	if err := e.Dispatch(ev("bad", 200, 99)); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if e.Len() != 1 {
		t.Fatalf("reducer error must not append to the log: len=%d", e.Len())
	}
	if e.GetState().Count != 1 {
		t.Fatalf("reducer error must not change state: got %+v", e.GetState())
	}
}

// 100 dispatches at the default interval must produce an automatic
// snapshot without any explicit CreateSnapshot call.
func TestAutoSnapshotDefaultInterval(t *testing.T) {
	e := mustEngine(t)
	for i := 0; i < 100; i++ {
		id := string(rune('a' + i%26))
		if err := e.Dispatch(ev(id+itoa(i), int64(1000+i), 1)); err != nil {
			t.Fatal(err)
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.snaps) != 1 {
		t.Fatalf("expected exactly one snapshot after 100 dispatches, got %d", len(e.snaps))
	}
	if e.snaps[0].Index != 100 {
		t.Fatalf("snapshot index: got %d want 100", e.snaps[0].Index)
	}
	if e.snaps[0].State.Count != 100 {
		t.Fatalf("snapshot state: got %+v want Count=100", e.snaps[0].State)
	}
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	var b []byte
	for i > 0 {
		b = append([]byte{byte('0' + i%10)}, b...)
		i /= 10
	}
	return string(b)
}
