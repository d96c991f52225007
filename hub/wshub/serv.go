package wshub

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mb0/evtsync/hub"
	"github.com/mb0/evtsync/log"
)

// Serve returns an http.HandlerFunc that upgrades every request to a
// websocket connection, signs it on with h and routes inbound frames to h
// until the connection closes, then signs it off. lg receives upgrade and
// read failures; pass log.Root for the package default.
func Serve(h *hub.Hub, lg log.Logger) http.HandlerFunc {
	if lg == nil {
		lg = log.Root
	}
	upgr := &websocket.Upgrader{}
	return func(w http.ResponseWriter, r *http.Request) {
		wc, err := upgr.Upgrade(w, r, nil)
		if err != nil {
			lg.Error("wshub: upgrade failed", "err", err)
			return
		}
		c := &conn{id: hub.NextID(), wc: wc, route: h.Chan(), send: make(chan *hub.Msg, 32)}
		t := time.NewTicker(60 * time.Second)
		defer t.Stop()
		hub.Signon(h, c)
		go write(c, t, lg)
		err = c.read()
		hub.Signoff(h, c)
		if err != nil {
			lg.Error("wshub: read failed", "err", err)
		}
	}
}

func write(c *conn, t *time.Ticker, lg log.Logger) {
	defer c.wc.Close()
Outer:
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				break Outer
			}
			if err := c.writeMsg(msg); err != nil {
				lg.Error("wshub: write failed", "id", c.id, "err", err)
				return
			}
		case <-t.C:
			c.wc.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.wc.WriteMessage(websocket.PingMessage, []byte{}); err != nil {
				return // ignore error, read loop will observe the disconnect
			}
		}
	}
	c.wc.SetWriteDeadline(time.Now().Add(writeTimeout))
	c.wc.WriteMessage(websocket.CloseMessage, []byte{})
}
