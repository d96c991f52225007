package evt

import "github.com/mb0/xelf/lit"

// HostClientID is the reserved source id for host-originated events.
const HostClientID = "host"

// Source identifies the origin of an event.
type Source struct {
	ClientID string `json:"clientId"`
}

// Event is an immutable record in a Log. Id is opaque and globally unique
// per authoritative event; Timestamp is the primary ordering key, Id the
// secondary one. Payload is domain-opaque to the engine; Context carries
// optional opaque metadata, keyed and typed the same loose way a
// lit.Dict is used elsewhere for ad-hoc extra fields.
type Event[P any] struct {
	ID        string    `json:"id"`
	Timestamp int64     `json:"timestamp"`
	Source    Source    `json:"source"`
	Payload   P         `json:"payload"`
	Context   *lit.Dict `json:"context,omitempty"`
}

// Less orders events by (timestamp ascending, id ascending lexicographic),
// the only ordering relation the engine ever uses.
func Less[P any](a, b Event[P]) bool {
	if a.Timestamp != b.Timestamp {
		return a.Timestamp < b.Timestamp
	}
	return a.ID < b.ID
}

// Snapshot is a checkpoint pairing a derived state with the log index it was
// taken at: state == replay(initial, log[0:Index]) for the log as it existed
// when the snapshot was captured.
type Snapshot[S any] struct {
	State S
	Index int
}

// Reducer folds an event into state. It must be pure and must not mutate s;
// it may return an error to signal a hard domain error, in which case the
// engine leaves log and state untouched.
type Reducer[S, P any] func(s S, ev Event[P]) (S, error)

// Merge stably merges two sequences already ordered by less. On a tie
// (less reports neither a<b nor b<a) elements from a precede elements from
// b. Used internally by InsertEvents; exported because it is also the
// natural building block for embedders that need to splice event slices
// themselves (e.g. host history replies).
func Merge[P any](a, b []Event[P], less func(x, y Event[P]) bool) []Event[P] {
	out := make([]Event[P], 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if less(b[j], a[i]) {
			out = append(out, b[j])
			j++
		} else {
			out = append(out, a[i])
			i++
		}
	}
	out = append(out, a[i:]...)
	out = append(out, b[j:]...)
	return out
}

// NextRev returns rev unchanged if it is strictly after last, or last+1
// (one millisecond later) otherwise. Grounds a host's timestamp clock:
// every authoritative event must sort after every previous one even if the
// wall clock does not advance or goes briefly backwards.
func NextRev(last, rev int64) int64 {
	if rev > last {
		return rev
	}
	return last + 1
}
