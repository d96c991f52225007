// Package encounter is an example embedder: a reducer for tabletop
// session tracking (participants, initiative order, a running narrative
// log) built on top of evt.Engine. It is one possible
// evt.Reducer[State, Action] implementation, not part of the core
// contract; cmd/evtsyncd and the integration tests use it to exercise the
// client/host roles against a realistic, non-trivial payload.
package encounter

import (
	"sort"

	"github.com/mb0/evtsync/evt"
	"github.com/mb0/xelf/cor"
)

// Participant is a single combatant or observer tracked by a session.
type Participant struct {
	Name       string `json:"name"`
	Initiative int    `json:"initiative"`
	HP         int    `json:"hp"`
	MaxHP      int    `json:"maxHp"`
}

// State is the full derived state of one encounter. It is copied, never
// mutated in place, by Apply: every transition produces a fresh slice so
// prior states captured in evt.Snapshot values stay valid.
type State struct {
	Round        int
	Turn         int
	Participants []Participant
	Log          []string
}

// ActionKind discriminates the handful of things an encounter Action can
// do; Apply switches on it.
type ActionKind string

const (
	ActionJoin    ActionKind = "join"
	ActionDamage  ActionKind = "damage"
	ActionHeal    ActionKind = "heal"
	ActionAdvance ActionKind = "advance"
	ActionNarrate ActionKind = "narrate"
	ActionRemove  ActionKind = "remove"
)

// Action is the opaque payload type this package's Reducer is
// parameterized on: evt.Event[Action] flows through evt.Engine unchanged.
type Action struct {
	Kind   ActionKind `json:"kind"`
	Target string     `json:"target,omitempty"`
	Amount int        `json:"amount,omitempty"`
	Text   string     `json:"text,omitempty"`
}

// JoinAction, DamageAction, HealAction, AdvanceAction, NarrateAction and
// RemoveAction build the respective Action values for client.Client.Propose.
// JoinAction does not use its initiative argument: Apply derives a joiner's
// initiative from the event id (see initiativeFor).
func JoinAction(name string, initiative, maxHP int) Action {
	return Action{Kind: ActionJoin, Target: name, Amount: maxHP}
}
func DamageAction(target string, amount int) Action {
	return Action{Kind: ActionDamage, Target: target, Amount: amount}
}
func HealAction(target string, amount int) Action {
	return Action{Kind: ActionHeal, Target: target, Amount: amount}
}
func AdvanceAction() Action            { return Action{Kind: ActionAdvance} }
func NarrateAction(text string) Action { return Action{Kind: ActionNarrate, Text: text} }
func RemoveAction(target string) Action {
	return Action{Kind: ActionRemove, Target: target}
}

// Apply is the evt.Reducer[State, Action] for this domain. It is pure: s
// is never mutated, every branch returns a freshly built State.
func Apply(s State, ev evt.Event[Action]) (State, error) {
	switch ev.Payload.Kind {
	case ActionJoin:
		for _, p := range s.Participants {
			if p.Name == ev.Payload.Target {
				return s, cor.Errorf("encounter: %q already joined", ev.Payload.Target)
			}
		}
		next := cloneState(s)
		next.Participants = append(next.Participants, Participant{
			Name:       ev.Payload.Target,
			Initiative: initiativeFor(ev),
			HP:         ev.Payload.Amount,
			MaxHP:      ev.Payload.Amount,
		})
		sortByInitiative(next.Participants)
		return next, nil
	case ActionDamage:
		return adjustHP(s, ev.Payload.Target, -ev.Payload.Amount)
	case ActionHeal:
		return adjustHP(s, ev.Payload.Target, ev.Payload.Amount)
	case ActionRemove:
		next := cloneState(s)
		out := next.Participants[:0]
		for _, p := range s.Participants {
			if p.Name != ev.Payload.Target {
				out = append(out, p)
			}
		}
		next.Participants = out
		return next, nil
	case ActionAdvance:
		if len(s.Participants) == 0 {
			return s, cor.Error("encounter: cannot advance an empty initiative order")
		}
		next := cloneState(s)
		next.Turn++
		if next.Turn >= len(next.Participants) {
			next.Turn = 0
			next.Round++
		}
		return next, nil
	case ActionNarrate:
		next := cloneState(s)
		next.Log = append(next.Log, ev.Payload.Text)
		return next, nil
	default:
		return s, cor.Errorf("encounter: unknown action kind %q", ev.Payload.Kind)
	}
}

// initiativeFor derives a deterministic initiative score from the event's
// id so joins stay reproducible under replay without consulting any
// external randomness. It is the only source of initiative: Action carries
// no initiative value of its own.
func initiativeFor(ev evt.Event[Action]) int {
	h := 0
	for _, c := range ev.ID {
		h = h*31 + int(c)
	}
	if h < 0 {
		h = -h
	}
	return h % 20
}

func adjustHP(s State, target string, delta int) (State, error) {
	idx := -1
	for i, p := range s.Participants {
		if p.Name == target {
			idx = i
			break
		}
	}
	if idx < 0 {
		return s, cor.Errorf("encounter: unknown participant %q", target)
	}
	next := cloneState(s)
	hp := next.Participants[idx].HP + delta
	if hp > next.Participants[idx].MaxHP {
		hp = next.Participants[idx].MaxHP
	}
	if hp < 0 {
		hp = 0
	}
	next.Participants[idx].HP = hp
	return next, nil
}

func cloneState(s State) State {
	participants := make([]Participant, len(s.Participants))
	copy(participants, s.Participants)
	log := make([]string, len(s.Log))
	copy(log, s.Log)
	return State{Round: s.Round, Turn: s.Turn, Participants: participants, Log: log}
}

func sortByInitiative(ps []Participant) {
	sort.SliceStable(ps, func(i, j int) bool { return ps[i].Initiative > ps[j].Initiative })
}
