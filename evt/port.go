package evt

// Port is the contract for the reconnecting Port component (C2): a
// bidirectional, at-least-once message channel that raises connected and
// disconnected transitions and whose Post while disconnected is buffered
// and delivered in order on reconnect. Implementations must tolerate
// duplicate delivery across reconnects; the client and host roles are
// idempotent under event id to compensate.
//
// The concrete production implementation lives in hub/wshub (Port[P]),
// built on a gorilla/websocket dial/serve pair; tests use a bare channel
// pair instead.
type Port[M any] interface {
	// Post enqueues msg for delivery. If currently disconnected the
	// message is buffered and delivered, in order, once the port
	// reconnects.
	Post(msg M) error
	// OnMessage registers cb to be called for every inbound message, in
	// delivery order. The returned abort func unregisters cb; it is
	// idempotent.
	OnMessage(cb func(M)) (abort func())
	// OnConnected registers cb to be called on every connected
	// transition, including the first. The returned abort func
	// unregisters cb.
	OnConnected(cb func()) (abort func())
	// OnDisconnected registers cb to be called on every disconnected
	// transition. The returned abort func unregisters cb.
	OnDisconnected(cb func()) (abort func())
}
