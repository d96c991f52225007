// Package client implements the client role (C4): it wraps an event log
// engine and a Port, optimistically applies proposals locally, resends
// them until the host confirms or rejects them, and catches up on history
// after a reconnect.
package client

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mb0/evtsync/evt"
	"github.com/mb0/evtsync/log"
)

// RetryTimeout is the default interval between proposal resends while a
// proposal remains unconfirmed.
const RetryTimeout = 5 * time.Second

// Option configures a Client at construction.
type Option[S, P any] func(*Client[S, P])

// WithRetryTimeout overrides RetryTimeout.
func WithRetryTimeout[S, P any](d time.Duration) Option[S, P] {
	return func(c *Client[S, P]) { c.retryTimeout = d }
}

// WithLogger overrides the diagnostic sink, defaulting to log.Root.
func WithLogger[S, P any](l log.Logger) Option[S, P] {
	return func(c *Client[S, P]) { c.logger = l }
}

// WithClock overrides the millisecond clock used to stamp local proposals,
// for deterministic tests. Defaults to time.Now().UnixMilli.
func WithClock[S, P any](now func() int64) Option[S, P] {
	return func(c *Client[S, P]) { c.now = now }
}

// WithIDGen overrides the proposal id generator, for deterministic tests.
// Defaults to a random UUID string.
func WithIDGen[S, P any](gen func() string) Option[S, P] {
	return func(c *Client[S, P]) { c.genID = gen }
}

type pendingEntry[P any] struct {
	event evt.Event[P]
	stop  chan struct{}
}

// Client wraps an evt.Engine[S, P] and an evt.Port[evt.Envelope[P]] and
// implements the optimistic-propose / confirm-or-reject protocol: proposals
// apply locally before the host confirms them, and roll back cleanly if the
// host rejects them instead.
type Client[S, P any] struct {
	ClientID string

	engine *evt.Engine[S, P]
	port   evt.Port[evt.Envelope[P]]

	retryTimeout time.Duration
	logger       log.Logger
	now          func() int64
	genID        func() string

	pending *evt.PendingSet[*pendingEntry[P]]

	mu     sync.Mutex
	aborts []func()
}

// New wraps engine and port as the given client's role. It subscribes to
// port's inbound messages and connected transitions immediately.
func New[S, P any](clientID string, engine *evt.Engine[S, P], port evt.Port[evt.Envelope[P]], opts ...Option[S, P]) *Client[S, P] {
	c := &Client[S, P]{
		ClientID:     clientID,
		engine:       engine,
		port:         port,
		retryTimeout: RetryTimeout,
		logger:       log.Root,
		now:          func() int64 { return time.Now().UnixMilli() },
		genID:        func() string { return uuid.NewString() },
		pending:      evt.NewPendingSet[*pendingEntry[P]](),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.aborts = append(c.aborts, port.OnMessage(c.handleMessage))
	c.aborts = append(c.aborts, port.OnConnected(c.handleConnected))
	return c
}

// Close unregisters the client from its port and stops every pending
// proposal's retry loop. It does not close the port itself.
func (c *Client[S, P]) Close() {
	for _, entry := range c.pending.Clear() {
		close(entry.stop)
	}
	c.mu.Lock()
	aborts := c.aborts
	c.aborts = nil
	c.mu.Unlock()
	for _, abort := range aborts {
		abort()
	}
}

// Engine exposes the wrapped engine, e.g. for Subscribe.
func (c *Client[S, P]) Engine() *evt.Engine[S, P] { return c.engine }

// Propose builds a new event for payload, applies it optimistically and
// sends it to the host. It is resent every RetryTimeout until the host
// confirms or rejects it; the retry stops as soon as the pending entry
// clears, so a confirmed or rejected proposal never leaks a timer.
func (c *Client[S, P]) Propose(payload P) (evt.Event[P], error) {
	ev := evt.Event[P]{
		ID:        c.genID(),
		Timestamp: c.now(),
		Source:    evt.Source{ClientID: c.ClientID},
		Payload:   payload,
	}
	entry := &pendingEntry[P]{event: ev, stop: make(chan struct{})}
	c.pending.Add(ev.ID, entry)

	if err := c.engine.Dispatch(ev); err != nil {
		c.pending.Remove(ev.ID)
		return evt.Event[P]{}, err
	}
	c.send(ev)
	c.scheduleRetry(entry)
	return ev, nil
}

func (c *Client[S, P]) send(ev evt.Event[P]) {
	if err := c.port.Post(evt.EventEnvelope(ev)); err != nil {
		c.logger.Error("client: post failed", "id", ev.ID, "err", err)
	}
}

func (c *Client[S, P]) scheduleRetry(entry *pendingEntry[P]) {
	timer := time.NewTimer(c.retryTimeout)
	go func() {
		for {
			select {
			case <-entry.stop:
				timer.Stop()
				return
			case <-timer.C:
				still, ok := c.pending.Get(entry.event.ID)
				if !ok || still != entry {
					return
				}
				c.send(entry.event)
				timer.Reset(c.retryTimeout)
			}
		}
	}()
}

func (c *Client[S, P]) clearPending(id string) (evt.Event[P], bool) {
	entry, ok := c.pending.Remove(id)
	if !ok {
		return evt.Event[P]{}, false
	}
	close(entry.stop)
	return entry.event, true
}

func (c *Client[S, P]) handleMessage(env evt.Envelope[P]) {
	switch env.Type {
	case evt.TypeEvent:
		c.onAuthoritativeEvent(env)
	case evt.TypeRejection:
		c.onRejection(env)
	case evt.TypeEventHistory:
		c.onEventHistory(env)
	default:
		c.logger.Error("client: unknown envelope type, ignored", "type", env.Type)
	}
}

func (c *Client[S, P]) onAuthoritativeEvent(env evt.Envelope[P]) {
	if env.Event == nil {
		return
	}
	ev := *env.Event
	_, wasPending := c.clearPending(ev.ID)
	if wasPending {
		// The locally-applied optimistic entry carries a provisional
		// timestamp/Source; drop it so the authoritative stamp below
		// lands in its rightful place instead of being skipped as an
		// already-seen id.
		if err := c.engine.RemoveEvent(evt.Event[P]{ID: ev.ID}); err != nil {
			c.logger.Error("client: failed to drop optimistic entry before confirming", "id", ev.ID, "err", err)
		}
	} else if c.engine.Has(ev.ID) {
		return // P10: an already-integrated id redelivered is a no-op
	}
	tail, ok := c.engine.Tail()
	if !ok || evt.Less(tail, ev) {
		if err := c.engine.Dispatch(ev); err != nil {
			c.logger.Error("client: dispatch of authoritative event failed", "id", ev.ID, "err", err)
		}
		return
	}
	if err := c.engine.InsertEvents([]evt.Event[P]{ev}); err != nil {
		c.logger.Error("client: insert of authoritative event failed", "id", ev.ID, "err", err)
	}
}

func (c *Client[S, P]) onRejection(env evt.Envelope[P]) {
	ev, ok := c.clearPending(env.EventID)
	if !ok {
		return // unknown rejection: ignored silently
	}
	if err := c.engine.RemoveEvent(ev); err != nil {
		c.logger.Error("client: rollback of rejected event failed", "id", ev.ID, "err", err)
	}
}

func (c *Client[S, P]) onEventHistory(env evt.Envelope[P]) {
	fresh := make([]evt.Event[P], 0, len(env.Events))
	for _, ev := range env.Events {
		if !c.engine.Has(ev.ID) {
			fresh = append(fresh, ev)
		}
	}
	if len(fresh) == 0 {
		return
	}
	if err := c.engine.InsertEvents(fresh); err != nil {
		c.logger.Error("client: insert of history events failed", "err", err)
	}
}

func (c *Client[S, P]) handleConnected() {
	entries := c.pending.Values()
	pending := make([]evt.Event[P], 0, len(entries))
	for _, p := range entries {
		pending = append(pending, p.event)
	}
	for _, ev := range pending {
		c.send(ev)
	}
	since := int64(0)
	if tail, ok := c.engine.Tail(); ok {
		since = tail.Timestamp
	}
	if err := c.port.Post(evt.RequestHistoryEnvelope[P](since)); err != nil {
		c.logger.Error("client: requestHistory post failed", "err", err)
	}
}
