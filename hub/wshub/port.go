package wshub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/mb0/evtsync/evt"
	"github.com/mb0/evtsync/hub"
	"github.com/mb0/evtsync/log"
)

// Port adapts a dialed websocket connection into the concrete evt.Port[P]
// consumed by client.Client: Envelope values are JSON-encoded over the
// wire using the subj\nbody framing from conn.go, unchanged. Connected and
// disconnected transitions are derived from the hub.SubjSignon/SubjSignoff
// messages Client.Connect already emits; buffering a Post while
// disconnected falls out of Client.send being a channel that outlives any
// single Connect call.
type Port[P any] struct {
	cli *Client

	mu          sync.Mutex
	onMessage   map[int]func(evt.Envelope[P])
	onConnected map[int]func()
	onDisconn   map[int]func()
	nextID      int
}

// NewPort returns a Port that will dial url once Run is called.
func NewPort[P any](url string) *Port[P] {
	return &Port[P]{
		cli:         NewClient(url),
		onMessage:   make(map[int]func(evt.Envelope[P])),
		onConnected: make(map[int]func()),
		onDisconn:   make(map[int]func()),
	}
}

// WithTokenProvider sets the TokenProvider used to authenticate the dial
// and returns p for chaining.
func (p *Port[P]) WithTokenProvider(tp TokenProvider) *Port[P] {
	p.cli.TokenProvider = tp
	return p
}

// WithLogger sets the logger used for write failures and returns p for
// chaining.
func (p *Port[P]) WithLogger(l log.Logger) *Port[P] {
	p.cli.Log = l
	return p
}

func (p *Port[P]) Post(msg evt.Envelope[P]) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	p.cli.Chan() <- &hub.Msg{Subj: msg.Type, Raw: b}
	return nil
}

func (p *Port[P]) OnMessage(cb func(evt.Envelope[P])) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextID
	p.nextID++
	p.onMessage[id] = cb
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.onMessage, id)
	}
}

func (p *Port[P]) OnConnected(cb func()) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextID
	p.nextID++
	p.onConnected[id] = cb
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.onConnected, id)
	}
}

func (p *Port[P]) OnDisconnected(cb func()) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextID
	p.nextID++
	p.onDisconn[id] = cb
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.onDisconn, id)
	}
}

// Run dials the port's url, redialing with exponential backoff between
// minWait and maxWait until ctx is done, dispatching inbound frames and
// connected/disconnected transitions to registered listeners. It blocks
// until ctx is done; callers run it in its own goroutine.
func (p *Port[P]) Run(ctx context.Context, minWait, maxWait time.Duration) {
	route := make(chan *hub.Msg, 32)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for m := range route {
			if m == nil {
				continue
			}
			switch m.Subj {
			case hub.SubjSignon:
				p.fire(p.snapshotConnected())
			case hub.SubjSignoff:
				p.fire(p.snapshotDisconnected())
			default:
				var env evt.Envelope[P]
				if err := json.Unmarshal(m.Raw, &env); err != nil {
					p.cli.Log.Error("wshub: port dropped unparsable frame", "subj", m.Subj, "err", err)
					continue
				}
				p.fireMessage(env)
			}
		}
	}()
	Redial(ctx, p.cli, route, minWait, maxWait)
	close(route)
	<-done
}

func (p *Port[P]) snapshotConnected() []func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]func(), 0, len(p.onConnected))
	for _, cb := range p.onConnected {
		out = append(out, cb)
	}
	return out
}

func (p *Port[P]) snapshotDisconnected() []func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]func(), 0, len(p.onDisconn))
	for _, cb := range p.onDisconn {
		out = append(out, cb)
	}
	return out
}

func (p *Port[P]) fire(cbs []func()) {
	for _, cb := range cbs {
		cb()
	}
}

func (p *Port[P]) fireMessage(env evt.Envelope[P]) {
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
