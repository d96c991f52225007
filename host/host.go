// Package host implements the host role (C5): it owns the authoritative
// event log engine, validates and stamps proposals from connected clients,
// broadcasts accepted events back out and answers history requests.
package host

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mb0/evtsync/evt"
	"github.com/mb0/evtsync/log"
	"github.com/mb0/evtsync/srv/auth"
	"github.com/mb0/xelf/cor"
)

// Validate decides whether clientID may propose ev. The default validator
// accepts every proposal; embedders wire in their own policy, typically
// backed by pol.Rules keyed on a string action derived from ev.Payload.
type Validate[P any] func(ev evt.Event[P], clientID string) error

// FilterForClient decides whether ev should be delivered to clientID, for
// both live broadcast and history replies. The default filter delivers
// every event to every client.
type FilterForClient[P any] func(ev evt.Event[P], clientID string) bool

// Option configures a Host at construction.
type Option[S, P any] func(*Host[S, P])

// WithValidate overrides the proposal validator.
func WithValidate[S, P any](v Validate[P]) Option[S, P] {
	return func(h *Host[S, P]) { h.validate = v }
}

// WithFilter overrides the per-client delivery filter.
func WithFilter[S, P any](f FilterForClient[P]) Option[S, P] {
	return func(h *Host[S, P]) { h.filter = f }
}

// WithLogger overrides the diagnostic sink, defaulting to log.Root.
func WithLogger[S, P any](l log.Logger) Option[S, P] {
	return func(h *Host[S, P]) { h.logger = l }
}

// WithRoomGate requires AddClient callers to present a passphrase gate
// admits before a port is registered. Without this option AddClient admits
// every client unconditionally and the token argument is ignored.
func WithRoomGate[S, P any](gate *auth.RoomGate) Option[S, P] {
	return func(h *Host[S, P]) { h.roomGate = gate }
}

// WithClock overrides the millisecond clock used to stamp accepted
// proposals and host-originated events, for deterministic tests. Defaults to time.Now().UnixMilli.
func WithClock[S, P any](now func() int64) Option[S, P] {
	return func(h *Host[S, P]) { h.now = now }
}

// WithIDGen overrides the host-originated event id generator, for
// deterministic tests. Defaults to a random UUID string.
func WithIDGen[S, P any](gen func() string) Option[S, P] {
	return func(h *Host[S, P]) { h.genID = gen }
}

type clientConn[P any] struct {
	port   evt.Port[evt.Envelope[P]]
	aborts []func()
}

// Host wraps an evt.Engine[S, P] and a registry of connected client ports,
// implementing the authoritative stamping, validation and broadcast
// protocol: every accepted proposal keeps its id but is restamped with the
// host's own clock, and with the proposing client as its Source, before it
// is committed and broadcast.
type Host[S, P any] struct {
	engine *evt.Engine[S, P]

	validate Validate[P]
	filter   FilterForClient[P]
	logger   log.Logger
	roomGate *auth.RoomGate
	now      func() int64
	genID    func() string

	mu            sync.Mutex
	clients       map[string]*clientConn[P]
	pastIDs       *evt.PastIDs
	lastTimestamp int64
}

// New wraps engine as a host. Every accepted or host-originated event is
// visible to embedders through engine, e.g. via Engine().Subscribe.
func New[S, P any](engine *evt.Engine[S, P], opts ...Option[S, P]) *Host[S, P] {
	h := &Host[S, P]{
		engine:   engine,
		validate: func(evt.Event[P], string) error { return nil },
		filter:   func(evt.Event[P], string) bool { return true },
		logger:   log.Root,
		now:      func() int64 { return time.Now().UnixMilli() },
		genID:    func() string { return uuid.NewString() },
		clients:  make(map[string]*clientConn[P]),
		pastIDs:  evt.NewPastIDs(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Engine exposes the wrapped engine, e.g. for Subscribe or GetState.
func (h *Host[S, P]) Engine() *evt.Engine[S, P] { return h.engine }

// AddClient registers port under clientID, routing its inbound envelopes
// to this host, and returns a remove func equivalent to RemoveClient. If a
// room gate was configured via WithRoomGate, token must admit or AddClient
// refuses to register the port and returns an error; with no gate
// configured token is ignored.
func (h *Host[S, P]) AddClient(clientID string, port evt.Port[evt.Envelope[P]], token string) (remove func(), err error) {
	if h.roomGate != nil && !h.roomGate.Admit(token) {
		return nil, cor.Errorf("host: client %q presented an invalid room token", clientID)
	}
	cc := &clientConn[P]{port: port}
	cc.aborts = append(cc.aborts, port.OnMessage(func(env evt.Envelope[P]) {
		h.handleMessage(clientID, env)
	}))

	h.mu.Lock()
	if prev := h.clients[clientID]; prev != nil {
		for _, abort := range prev.aborts {
			abort()
		}
	}
	h.clients[clientID] = cc
	h.mu.Unlock()
	return func() { h.RemoveClient(clientID) }, nil
}

// RemoveClient unregisters clientID's port, if any. It is a no-op if
// clientID is not currently registered.
func (h *Host[S, P]) RemoveClient(clientID string) {
	h.mu.Lock()
	cc := h.clients[clientID]
	delete(h.clients, clientID)
	h.mu.Unlock()
	if cc == nil {
		return
	}
	for _, abort := range cc.aborts {
		abort()
	}
}

func (h *Host[S, P]) handleMessage(clientID string, env evt.Envelope[P]) {
	switch env.Type {
	case evt.TypeEvent:
		if env.Event != nil {
			h.handleProposal(clientID, *env.Event)
		}
	case evt.TypeRequestHistory:
		h.handleRequestHistory(clientID, env.Since)
	default:
		h.logger.Error("host: unknown envelope type from client, ignored", "client", clientID, "type", env.Type)
	}
}

// handleProposal validates and, on success, stamps and commits a client's
// proposed event, broadcasting it to every client the filter admits it to.
// A duplicate id, a validation failure or a reducer error all result in a
// rejection sent only to the proposing client; no other client ever learns
// a rejected event existed.
func (h *Host[S, P]) handleProposal(clientID string, ev evt.Event[P]) {
	h.mu.Lock()
	if h.pastIDs.Has(ev.ID) {
		h.mu.Unlock()
		h.rejectTo(clientID, ev.ID)
		return
	}
	if err := h.validate(ev, clientID); err != nil {
		h.mu.Unlock()
		h.logger.Error("host: proposal rejected by policy", "client", clientID, "id", ev.ID, "err", err)
		h.rejectTo(clientID, ev.ID)
		return
	}
	ev.Timestamp = evt.NextRev(h.lastTimestamp, h.now())
	ev.Source = evt.Source{ClientID: clientID}
	h.lastTimestamp = ev.Timestamp
	h.mu.Unlock()

	if err := h.engine.Dispatch(ev); err != nil {
		h.logger.Error("host: proposal rejected by reducer", "client", clientID, "id", ev.ID, "err", err)
		h.rejectTo(clientID, ev.ID)
		return
	}
	h.mu.Lock()
	h.pastIDs.Add(ev.ID)
	h.mu.Unlock()
	h.broadcast(ev)
}

func (h *Host[S, P]) handleRequestHistory(clientID string, since int64) {
	events := h.engine.EventsSince(since)
	filtered := make([]evt.Event[P], 0, len(events))
	for _, ev := range events {
		if h.filter(ev, clientID) {
			filtered = append(filtered, ev)
		}
	}
	h.mu.Lock()
	cc := h.clients[clientID]
	h.mu.Unlock()
	if cc == nil {
		return
	}
	if err := cc.port.Post(evt.EventHistoryEnvelope(filtered)); err != nil {
		h.logger.Error("host: eventHistory post failed", "client", clientID, "err", err)
	}
}

func (h *Host[S, P]) rejectTo(clientID, eventID string) {
	h.mu.Lock()
	cc := h.clients[clientID]
	h.mu.Unlock()
	if cc == nil {
		return
	}
	if err := cc.port.Post(evt.RejectionEnvelope[P](eventID)); err != nil {
		h.logger.Error("host: rejection post failed", "client", clientID, "err", err)
	}
}

// broadcast delivers ev to every registered client the filter admits it
// to. A single client's post failure is logged and never aborts delivery
// to the rest.
func (h *Host[S, P]) broadcast(ev evt.Event[P]) {
	h.mu.Lock()
	conns := make(map[string]*clientConn[P], len(h.clients))
	for id, cc := range h.clients {
		conns[id] = cc
	}
	h.mu.Unlock()
	for id, cc := range conns {
		if !h.filter(ev, id) {
			continue
		}
		if err := cc.port.Post(evt.EventEnvelope(ev)); err != nil {
			h.logger.Error("host: broadcast post failed", "client", id, "err", err)
		}
	}
}

// Dispatch commits a host-originated event (Source.ClientID ==
// evt.HostClientID), outside the client proposal path, and broadcasts it
// to every client the filter admits it to. Embedders use it for narrator-driven or scheduled
// events that have no proposing client.
func (h *Host[S, P]) Dispatch(payload P) error {
	h.mu.Lock()
	ev := evt.Event[P]{
		ID:        h.genID(),
		Timestamp: evt.NextRev(h.lastTimestamp, h.now()),
		Source:    evt.Source{ClientID: evt.HostClientID},
		Payload:   payload,
	}
	h.lastTimestamp = ev.Timestamp
	h.mu.Unlock()

	if err := h.engine.Dispatch(ev); err != nil {
		return err
	}
	h.mu.Lock()
	h.pastIDs.Add(ev.ID)
	h.mu.Unlock()
	h.broadcast(ev)
	return nil
}
