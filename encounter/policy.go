package encounter

import (
	"strings"

	"github.com/mb0/evtsync/evt"
	"github.com/mb0/evtsync/pol"
)

// GMClientID is the conventional clientId of the session's game master,
// the only client RedactSecrets delivers secret narration to.
const GMClientID = "gm"

// secretPrefix marks a narration as GM-only; RedactSecrets strips events
// bearing it from every filterForClient reply except the GM's own.
const secretPrefix = "secret:"

// ValidateWithPolicy adapts rules into a host.Validate[Action]-shaped
// function, using the proposed action's Kind as the policy action name.
func ValidateWithPolicy(rules *pol.Rules) func(ev evt.Event[Action], clientID string) error {
	return func(ev evt.Event[Action], clientID string) error {
		return rules.Allow(clientID, string(ev.Payload.Kind))
	}
}

// RedactSecrets is a host.FilterForClient[Action]-shaped function that
// hides narrate events whose text starts with secretPrefix from every
// client other than GMClientID.
func RedactSecrets(ev evt.Event[Action], clientID string) bool {
	if ev.Payload.Kind != ActionNarrate {
		return true
	}
	if !strings.HasPrefix(ev.Payload.Text, secretPrefix) {
		return true
	}
	return clientID == GMClientID
}
