package evt

import "sync"

// ChanPort is an in-process Port[M] usable without any network, the way
// hub.ChanConn lets two in-process participants exchange hub.Msg values
// directly. Tests wire a client.Client and a host.Host together with a
// ChanPort pair instead of dialing a real hub/wshub connection.
type ChanPort[M any] struct {
	deliver chan M

	mu          sync.Mutex
	connected   bool
	onMessage   map[int]func(M)
	onConnected map[int]func()
	onDisconn   map[int]func()
	nextID      int
}

// NewChanPortPair returns two ChanPorts wired to each other: a Post on one
// is delivered, in order, as an inbound message on the other. Both start
// connected.
func NewChanPortPair[M any]() (a, b *ChanPort[M]) {
	a = newChanPort[M]()
	b = newChanPort[M]()
	a.deliver = make(chan M, 32)
	b.deliver = make(chan M, 32)
	go pump(a.deliver, b)
	go pump(b.deliver, a)
	a.SetConnected(true)
	b.SetConnected(true)
	return a, b
}

func newChanPort[M any]() *ChanPort[M] {
	return &ChanPort[M]{
		onMessage:   make(map[int]func(M)),
		onConnected: make(map[int]func()),
		onDisconn:   make(map[int]func()),
	}
}

func pump[M any](in chan M, to *ChanPort[M]) {
	for msg := range in {
		to.deliverMessage(msg)
	}
}

// Post hands msg to the peer whether or not the port is marked connected;
// ChanPort does not buffer posts across a SetConnected(false) /
// SetConnected(true) gap. A message that arrives while the peer has no
// OnMessage listener is dropped.
func (p *ChanPort[M]) Post(msg M) error {
	p.deliver <- msg
	return nil
}

func (p *ChanPort[M]) OnMessage(cb func(M)) func() {
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

func (p *ChanPort[M]) OnConnected(cb func()) func() {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.onConnected[id] = cb
	connected := p.connected
	p.mu.Unlock()
	if connected {
		cb()
	}
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.onConnected, id)
	}
}

func (p *ChanPort[M]) OnDisconnected(cb func()) func() {
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

// SetConnected flips the port's connected state and fires every registered
// OnConnected or OnDisconnected callback on a genuine transition. Tests use
// it to simulate a dropped and restored connection.
func (p *ChanPort[M]) SetConnected(connected bool) {
	p.mu.Lock()
	if p.connected == connected {
		p.mu.Unlock()
		return
	}
	p.connected = connected
	var cbs []func()
	if connected {
		for _, cb := range p.onConnected {
			cbs = append(cbs, cb)
		}
	} else {
		for _, cb := range p.onDisconn {
			cbs = append(cbs, cb)
		}
	}
	p.mu.Unlock()
	for _, cb := range cbs {
		cb()
	}
}

func (p *ChanPort[M]) deliverMessage(msg M) {
	p.mu.Lock()
	cbs := make([]func(M), 0, len(p.onMessage))
	for _, cb := range p.onMessage {
		cbs = append(cbs, cb)
	}
	p.mu.Unlock()
	for _, cb := range cbs {
		cb(msg)
	}
}
