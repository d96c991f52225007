package evt

// PastIDs is the host's record of every event id it has ever committed or
// originated, used to reject a duplicate proposal before it ever reaches
// the reducer. I6 (host side): an id is added at most once and is never
// removed, so Has is stable for the lifetime of a Host.
//
// PastIDs does not lock internally: a Host only reads or updates it while
// holding its own mutex, so an internal mutex here would only add a second,
// redundant lock around the same data.
type PastIDs struct {
	m map[string]struct{}
}

// NewPastIDs returns an empty PastIDs.
func NewPastIDs() *PastIDs {
	return &PastIDs{m: make(map[string]struct{})}
}

// Add records id. Adding an id already present is a no-op.
func (p *PastIDs) Add(id string) { p.m[id] = struct{}{} }

// Has reports whether id was previously added.
func (p *PastIDs) Has(id string) bool {
	_, ok := p.m[id]
	return ok
}
