package wshub

import (
	"context"
	"time"

	"github.com/mb0/evtsync/hub"
)

// Redial repeatedly calls c.Connect(route) until ctx is done, backing off
// exponentially between attempts and resetting the backoff whenever Connect
// returns a nil error. Connect itself already
// signs on and off on route (hub.SubjSignon/SubjSignoff) and keeps
// buffering posts to c.Chan() across the gap, so Redial only supplies the
// retry loop a single Connect call does not attempt on its own.
func Redial(ctx context.Context, c *Client, route chan<- *hub.Msg, minWait, maxWait time.Duration) {
	wait := minWait
	for ctx.Err() == nil {
		err := c.Connect(route)
		if err == nil {
			wait = minWait
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		wait *= 2
		if wait > maxWait {
			wait = maxWait
		}
	}
}
