package evt

import (
	"sync"

	"github.com/mb0/evtsync/log"
	"github.com/mb0/xelf/cor"
)

// DefaultSnapshotInterval is the number of dispatched events between
// automatic snapshots when no Option overrides it.
const DefaultSnapshotInterval = 100

// Option configures an Engine at construction time.
type Option[S, P any] func(*Engine[S, P])

// WithSnapshotInterval overrides DefaultSnapshotInterval. n must be
// positive; NewEngine returns a configuration error otherwise.
func WithSnapshotInterval[S, P any](n int) Option[S, P] {
	return func(e *Engine[S, P]) { e.snapshotInterval = n }
}

// WithLogger overrides the diagnostic sink used for listener panics and
// other locally-recovered errors. Defaults to log.Root.
func WithLogger[S, P any](l log.Logger) Option[S, P] {
	return func(e *Engine[S, P]) { e.logger = l }
}

type listener[S any] struct {
	cb func(S)
}

// Engine is the event log engine described by the core spec: append,
// insert, remove, replay, subscribe and snapshot/restore of a derived
// state. It is the generic container parameterized on (Event, State)
// wrapped by the client and host roles; it knows nothing about proposers,
// hosts or transports.
//
// Engine is safe for concurrent use: every public method takes an internal
// mutex, serializing access the way a single cooperative executor would.
type Engine[S, P any] struct {
	mu sync.Mutex

	reduce           Reducer[S, P]
	snapshotInterval int
	logger           log.Logger

	initial   S
	state     S
	log       []Event[P]
	snaps     []*Snapshot[S]
	listeners []*listener[S]
}

// NewEngine constructs an Engine with the given initial state and reducer.
// snapshotInterval defaults to DefaultSnapshotInterval; a non-positive
// override is a fatal configuration error.
func NewEngine[S, P any](initial S, reduce Reducer[S, P], opts ...Option[S, P]) (*Engine[S, P], error) {
	e := &Engine[S, P]{
		reduce:           reduce,
		snapshotInterval: DefaultSnapshotInterval,
		logger:           log.Root,
		initial:          initial,
		state:            initial,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.snapshotInterval <= 0 {
		return nil, cor.Errorf("evt: snapshot interval must be positive, got %d", e.snapshotInterval)
	}
	return e, nil
}

// GetState returns the current derived state. It returns the same value
// (by identity, for reference types) as the previous call when no
// transition has occurred since.
func (e *Engine[S, P]) GetState() S {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Len reports the number of events currently in the log.
func (e *Engine[S, P]) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.log)
}

// Tail returns the newest event in the log, or the zero Event and false if
// the log is empty. Clients use it to compute requestHistory's since value.
func (e *Engine[S, P]) Tail() (Event[P], bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.log) == 0 {
		return Event[P]{}, false
	}
	return e.log[len(e.log)-1], true
}

// Has reports whether id is already present in the log. The client role
// uses it to keep duplicate authoritative ids from ever reaching
// InsertEvents or Dispatch, whose preconditions forbid them.
func (e *Engine[S, P]) Has(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ev := range e.log {
		if ev.ID == id {
			return true
		}
	}
	return false
}

// Events returns a copy of the current log.
func (e *Engine[S, P]) Events() []Event[P] {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Event[P], len(e.log))
	copy(out, e.log)
	return out
}

// EventsSince returns a copy of the log events with a timestamp strictly
// greater than since, in log order.
func (e *Engine[S, P]) EventsSince(since int64) []Event[P] {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Event[P]
	for _, ev := range e.log {
		if ev.Timestamp > since {
			out = append(out, ev)
		}
	}
	return out
}

// Subscribe registers cb and invokes it synchronously with the current
// state before returning, priming the fresh subscriber. Subsequent
// invocations happen once after every successful state transition. The
// returned unsubscribe is idempotent.
func (e *Engine[S, P]) Subscribe(cb func(S)) (unsubscribe func()) {
	e.mu.Lock()
	l := &listener[S]{cb: cb}
	e.listeners = append(e.listeners, l)
	state := e.state
	e.mu.Unlock()

	e.safeCall(l, state)

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		for i, x := range e.listeners {
			if x == l {
				e.listeners = append(e.listeners[:i], e.listeners[i+1:]...)
				return
			}
		}
	}
}

func (e *Engine[S, P]) safeCall(l *listener[S], s S) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("evt: listener panic recovered", "panic", r)
		}
	}()
	l.cb(s)
}

// notify invokes every currently registered listener with the current
// state, iterating a snapshot of the listener list taken under lock so
// listeners may subscribe or unsubscribe during the pass without
// corrupting it.
func (e *Engine[S, P]) notify() {
	e.mu.Lock()
	state := e.state
	ls := make([]*listener[S], len(e.listeners))
	copy(ls, e.listeners)
	e.mu.Unlock()
	for _, l := range ls {
		e.safeCall(l, state)
	}
}

func (e *Engine[S, P]) newestSnapshotLocked() (*Snapshot[S], bool) {
	if len(e.snaps) == 0 {
		return nil, false
	}
	return e.snaps[len(e.snaps)-1], true
}

func (e *Engine[S, P]) maybeSnapshotLocked() {
	last := 0
	if s, ok := e.newestSnapshotLocked(); ok {
		last = s.Index
	}
	if len(e.log)-last >= e.snapshotInterval {
		e.snaps = append(e.snaps, &Snapshot[S]{State: e.state, Index: len(e.log)})
	}
}

// Dispatch appends ev, assumed to belong at the tail (its (timestamp, id)
// is greater than every current log entry), applies the reducer and
// notifies subscribers. The reducer runs before the log or state is
// mutated: on a reducer error neither is changed and the error is
// returned. An auto-snapshot is taken if the event count since the newest
// snapshot reached the configured interval.
func (e *Engine[S, P]) Dispatch(ev Event[P]) error {
	e.mu.Lock()
	next, err := e.reduce(e.state, ev)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	e.log = append(e.log, ev)
	e.state = next
	e.maybeSnapshotLocked()
	e.mu.Unlock()
	e.notify()
	return nil
}

// Replay folds events into the current state via the reducer and notifies
// subscribers once at the end; the log is not modified. On a reducer error
// the state is left exactly as it was before the call.
func (e *Engine[S, P]) Replay(events []Event[P]) error {
	if len(events) == 0 {
		return nil
	}
	e.mu.Lock()
	state := e.state
	for _, ev := range events {
		var err error
		state, err = e.reduce(state, ev)
		if err != nil {
			e.mu.Unlock()
			return err
		}
	}
	e.state = state
	e.mu.Unlock()
	e.notify()
	return nil
}

// rewindLocked returns the base state and tail start index to replay from
// for an operation that changes the log only at or after cut, and the
// snapshots that survive (those with Index <= cut).
func (e *Engine[S, P]) rewindLocked(cut int) (base S, tailStart int, keep []*Snapshot[S]) {
	base = e.initial
	tailStart = 0
	for _, s := range e.snaps {
		if s.Index > cut {
			continue
		}
		keep = append(keep, s)
		if s.Index > tailStart {
			base = s.State
			tailStart = s.Index
		}
	}
	return base, tailStart, keep
}

// InsertEvents integrates events, which must be sorted ascending under
// Less and share no id with the current log, into the log wherever they
// chronologically belong. Snapshots past the insertion point are dropped,
// state is rewound to the newest surviving snapshot (or the initial state)
// and replayed forward through the merged tail. The rewind is internal and
// not observable: subscribers are notified exactly once, and a reducer
// error leaves the engine entirely unchanged.
func (e *Engine[S, P]) InsertEvents(events []Event[P]) error {
	if len(events) == 0 {
		return nil
	}
	e.mu.Lock()
	first := events[0]
	k := len(e.log)
	for i, ev := range e.log {
		if ev.Timestamp > first.Timestamp {
			k = i
			break
		}
	}
	base, tailStart, keep := e.rewindLocked(k)
	tail := make([]Event[P], len(e.log)-tailStart)
	copy(tail, e.log[tailStart:])
	merged := Merge(tail, events, Less[P])

	state := base
	for _, ev := range merged {
		var err error
		state, err = e.reduce(state, ev)
		if err != nil {
			e.mu.Unlock()
			return err
		}
	}
	newLog := make([]Event[P], tailStart+len(merged))
	copy(newLog, e.log[:tailStart])
	copy(newLog[tailStart:], merged)

	e.log = newLog
	e.snaps = keep
	e.state = state
	e.mu.Unlock()
	e.notify()
	return nil
}

// RemoveEvent removes the log entry whose id matches ev.ID. It is a no-op
// if no such entry exists. Otherwise snapshots past the removed index are
// dropped, state is rewound to the newest surviving snapshot (or the
// initial state) and replayed forward through the remaining suffix, minus
// the removed event. Subscribers are notified exactly once; a reducer
// error during replay leaves the engine entirely unchanged.
func (e *Engine[S, P]) RemoveEvent(ev Event[P]) error {
	e.mu.Lock()
	idx := -1
	for i, x := range e.log {
		if x.ID == ev.ID {
			idx = i
			break
		}
	}
	if idx < 0 {
		e.mu.Unlock()
		return nil
	}
	base, tailStart, keep := e.rewindLocked(idx)
	suffix := make([]Event[P], 0, len(e.log)-tailStart-1)
	for i := tailStart; i < len(e.log); i++ {
		if i == idx {
			continue
		}
		suffix = append(suffix, e.log[i])
	}

	state := base
	for _, x := range suffix {
		var err error
		state, err = e.reduce(state, x)
		if err != nil {
			e.mu.Unlock()
			return err
		}
	}
	newLog := make([]Event[P], tailStart+len(suffix))
	copy(newLog, e.log[:tailStart])
	copy(newLog[tailStart:], suffix)

	e.log = newLog
	e.snaps = keep
	e.state = state
	e.mu.Unlock()
	e.notify()
	return nil
}

// CreateSnapshot captures the current state and log length and returns a
// dispose func that removes that specific snapshot, by identity rather
// than position, if it is still present.
func (e *Engine[S, P]) CreateSnapshot() (dispose func()) {
	e.mu.Lock()
	snap := &Snapshot[S]{State: e.state, Index: len(e.log)}
	e.snaps = append(e.snaps, snap)
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		for i, s := range e.snaps {
			if s == snap {
				e.snaps = append(e.snaps[:i], e.snaps[i+1:]...)
				return
			}
		}
	}
}

// Rebaseline hard-resets the engine: the log and every snapshot are
// discarded and both the initial and current state become newState.
// Subscribers are notified once.
func (e *Engine[S, P]) Rebaseline(newState S) {
	e.mu.Lock()
	e.initial = newState
	e.state = newState
	e.log = nil
	e.snaps = nil
	e.mu.Unlock()
	e.notify()
}
