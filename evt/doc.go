/*
Package evt implements the event log engine shared by every evtsync peer.

An engine owns a derived state of some embedder-chosen type and an ordered,
gapless log of events that produced it. State is never mutated directly: the
only way to change it is to fold events through a pure reducer supplied at
construction. The log is kept strictly ordered by (timestamp, id); snapshots
taken every few events let insertion and removal rewind-and-replay from the
nearest snapshot instead of folding from the beginning every time.

The engine itself knows nothing about clients, hosts or transports. Those live
in the client and host packages, which wrap an Engine and a Port (see Port in
this package) to run the optimistic-propose / validate-stamp-broadcast
protocol carried by the evtsync wire Envelope.

Event and state are both generic: Engine[S, P] is parameterized on the state
type S and the event payload type P, with the reducer injected as a plain
function. There is no inheritance or embedder base type to satisfy.
*/
package evt
