package host

import (
	"encoding/json"
	"strconv"
	"sync"

	"github.com/mb0/evtsync/evt"
	"github.com/mb0/evtsync/hub"
	"github.com/mb0/evtsync/log"
)

// connPort adapts a single signed-on hub.Conn into the evt.Port[Envelope[P]]
// a Host consumes. Unlike a dialing client port, a server-side connection is
// already connected the instant Router observes its sign-on, so
// OnConnected fires its callback immediately instead of waiting on a
// separate dial.
type connPort[P any] struct {
	conn hub.Conn
	lg   log.Logger

	mu          sync.Mutex
	onMessage   map[int]func(evt.Envelope[P])
	onConnected map[int]func()
	onDisconn   map[int]func()
	nextID      int
}

func newConnPort[P any](conn hub.Conn, lg log.Logger) *connPort[P] {
	return &connPort[P]{
		conn:        conn,
		lg:          lg,
		onMessage:   make(map[int]func(evt.Envelope[P])),
		onConnected: make(map[int]func()),
		onDisconn:   make(map[int]func()),
	}
}

func (p *connPort[P]) Post(msg evt.Envelope[P]) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	p.conn.Chan() <- &hub.Msg{Subj: msg.Type, Raw: b}
	return nil
}

func (p *connPort[P]) OnMessage(cb func(evt.Envelope[P])) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextID
	p.nextID++
	p.onMessage[id] = cb
	return func() { p.mu.Lock(); defer p.mu.Unlock(); delete(p.onMessage, id) }
}

func (p *connPort[P]) OnConnected(cb func()) func() {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.onConnected[id] = cb
	p.mu.Unlock()
	cb()
	return func() { p.mu.Lock(); defer p.mu.Unlock(); delete(p.onConnected, id) }
}

func (p *connPort[P]) OnDisconnected(cb func()) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextID
	p.nextID++
	p.onDisconn[id] = cb
	return func() { p.mu.Lock(); defer p.mu.Unlock(); delete(p.onDisconn, id) }
}

func (p *connPort[P]) deliver(m *hub.Msg) {
	var env evt.Envelope[P]
	if err := json.Unmarshal(m.Raw, &env); err != nil {
		p.lg.Error("host: dropped unparsable frame", "client", p.conn.ID(), "err", err)
		return
	}
	p.mu.Lock()
	cbs := make([]func(evt.Envelope[P]), 0, len(p.onMessage))
	for _, cb := range p.onMessage {
		cbs = append(cbs, cb)
	}
	p.mu.Unlock()
	for _, cb := range cbs {
		cb(env)
	}
}

func (p *connPort[P]) disconnect() {
	p.mu.Lock()
	cbs := make([]func(), 0, len(p.onDisconn))
	for _, cb := range p.onDisconn {
		cbs = append(cbs, cb)
	}
	p.mu.Unlock()
	for _, cb := range cbs {
		cb()
	}
}

// Router adapts a Host into a hub.Router: a sign-on registers the
// connection as a client (clientId is the connection's decimal id), every
// other message is delivered to that connection's port, and a sign-off
// removes the client and fires its disconnected callbacks. Wire it up with
// go h.Run(router) after constructing both a hub.Hub and this Router over
// the same Host.
type Router[S, P any] struct {
	host  *Host[S, P]
	lg    log.Logger
	token func(m *hub.Msg) string

	mu       sync.Mutex
	ports    map[int64]*connPort[P]
	dispatch hub.Router
}

// PingSubj is the subject a liveness probe sends to confirm the router's
// goroutine is still draining the hub's message queue; routePing answers
// immediately on the asking connection's own channel.
const PingSubj = "ping"

// NewRouter returns a Router delivering to h. token, if non-nil, extracts
// the room-gate token to present to h.AddClient from a sign-on message;
// wshub's wire protocol carries no token on sign-on, so the default always
// presents an empty token, making the router transparent unless an
// embedder supplies its own extraction (e.g. from a prior request on the
// same connection).
func NewRouter[S, P any](h *Host[S, P], lg log.Logger, token func(m *hub.Msg) string) *Router[S, P] {
	if lg == nil {
		lg = log.Root
	}
	if token == nil {
		token = func(*hub.Msg) string { return "" }
	}
	r := &Router[S, P]{host: h, lg: lg, token: token, ports: make(map[int64]*connPort[P])}
	r.dispatch = hub.Routers{
		hub.NewMatchFilter(hub.RouterFunc(r.routeSignon), hub.SubjSignon),
		hub.NewMatchFilter(hub.RouterFunc(r.routeSignoff), hub.SubjSignoff),
		hub.NewMatchFilter(hub.RouterFunc(r.routePing), PingSubj),
		hub.NewPrefixFilter(hub.RouterFunc(r.routeDefault), ""),
	}
	return r
}

func (r *Router[S, P]) routePing(m *hub.Msg) {
	m.From.Chan() <- &hub.Msg{Subj: PingSubj}
}

// Route implements hub.Router by delegating subject matching to a small
// hub.Routers composition instead of a bare switch: three exact-match
// filters for sign-on, sign-off and PingSubj, plus a catch-all prefix filter (every subject has
// the empty-string prefix) for ordinary per-connection delivery.
func (r *Router[S, P]) Route(m *hub.Msg) { r.dispatch.Route(m) }

func (r *Router[S, P]) routeSignon(m *hub.Msg) {
	id := clientID(m.From.ID())
	port := newConnPort[P](m.From, r.lg)
	if _, err := r.host.AddClient(id, port, r.token(m)); err != nil {
		r.lg.Error("host: addClient refused", "client", id, "err", err)
		return
	}
	r.mu.Lock()
	r.ports[m.From.ID()] = port
	r.mu.Unlock()
}

func (r *Router[S, P]) routeSignoff(m *hub.Msg) {
	r.mu.Lock()
	port := r.ports[m.From.ID()]
	delete(r.ports, m.From.ID())
	r.mu.Unlock()
	if port == nil {
		return
	}
	r.host.RemoveClient(clientID(m.From.ID()))
	port.disconnect()
}

// routeDefault handles every subject that isn't sign-on, sign-off or
// PingSubj. It must re-check for those three subjects itself: hub.Routers
// fans a message out to every router in its slice rather than stopping at
// the first match, and the prefix filter wrapping this func matches every
// subject, those three included.
func (r *Router[S, P]) routeDefault(m *hub.Msg) {
	if m.Subj == hub.SubjSignon || m.Subj == hub.SubjSignoff || m.Subj == PingSubj {
		return
	}
	r.mu.Lock()
	port := r.ports[m.From.ID()]
	r.mu.Unlock()
	if port == nil {
		return
	}
	port.deliver(m)
}

func clientID(connID int64) string { return strconv.FormatInt(connID, 10) }
