package main

import (
	"encoding/json"
	"flag"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/mb0/evtsync/encounter"
	"github.com/mb0/evtsync/evt"
	"github.com/mb0/evtsync/host"
	"github.com/mb0/evtsync/hub"
	"github.com/mb0/evtsync/hub/wshub"
	"github.com/mb0/evtsync/log"
	"github.com/mb0/evtsync/pol"
	"github.com/mb0/evtsync/srv/auth"
)

// serve runs an encounter host, accepting websocket connections at -addr
// and broadcasting every accepted join/damage/heal/advance/narrate/remove
// action to every connected client, the proposer included; secret
// narration reaches only the GM.
func serve(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	fs.Parse(args)

	engine, err := evt.NewEngine(encounter.State{}, encounter.Apply)
	if err != nil {
		return err
	}

	rules := pol.NewPolicy(true)
	validate := membershipValidator(rules)

	h := host.New(engine,
		host.WithValidate[encounter.State, encounter.Action](validate),
		host.WithFilter[encounter.State, encounter.Action](encounter.RedactSecrets),
	)

	var gate *auth.RoomGate
	if *tokenFlag != "" {
		gate, err = auth.NewRoomGate(&auth.Bcrypt{Cost: 10}, *tokenFlag)
		if err != nil {
			return err
		}
	}

	router := host.NewRouter[encounter.State, encounter.Action](h, log.Root, nil)
	hb := hub.NewHub()
	go hb.Run(router)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", gateHTTP(gate, wshub.Serve(hb, log.Root)))
	mux.HandleFunc("/roster", rosterHandler(hb))
	mux.HandleFunc("/healthz", healthzHandler(hb))
	log.Root.Debug("evtsyncd: listening", "addr", *addrFlag)
	return http.ListenAndServe(*addrFlag, mux)
}

// rosterHandler answers with the sorted list of currently connected
// connection ids, read directly off the hub rather than routed through it:
// Hub.Conns snapshots the same registry the router's goroutine maintains,
// so no round trip through the message queue is needed for an in-process
// read.
func rosterHandler(hb *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conns := hb.Conns()
		ids := make([]string, 0, len(conns))
		for _, c := range conns {
			ids = append(ids, strconv.FormatInt(c.ID(), 10))
		}
		sort.Strings(ids)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(ids)
	}
}

// healthzHandler confirms the router's goroutine is still draining the
// hub's message queue by round-tripping a ping through it from a transient
// connection, rather than trusting that the process is merely still
// running.
func healthzHandler(hb *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := hub.Req(*hb, &hub.Msg{Subj: host.PingSubj}, 2*time.Second); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// membershipValidator grants every first-seen clientId its own permissive
// role before delegating to encounter.ValidateWithPolicy, since
// pol.Rules.Allow treats an unknown subject as denied and this demo has no
// separate sign-up step. Tighter demos would Deny specific actions per
// role instead of admitting everyone outright.
func membershipValidator(rules *pol.Rules) func(evt.Event[encounter.Action], string) error {
	var mu sync.Mutex
	known := make(map[string]bool)
	validate := encounter.ValidateWithPolicy(rules)
	return func(ev evt.Event[encounter.Action], clientID string) error {
		mu.Lock()
		if !known[clientID] {
			rules.AddRole(clientID, true)
			known[clientID] = true
		}
		mu.Unlock()
		return validate(ev, clientID)
	}
}

// gateHTTP checks the token query parameter against gate before upgrading
// the connection, since wshub's wire protocol carries no room token once a
// sign-on message is already in flight. It is a no-op wrapper when gate is
// nil, i.e. -token was left unset.
func gateHTTP(gate *auth.RoomGate, next http.HandlerFunc) http.HandlerFunc {
	if gate == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if !gate.Admit(r.URL.Query().Get("token")) {
			http.Error(w, "invalid room token", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}
