package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/mb0/evtsync/client"
	"github.com/mb0/evtsync/encounter"
	"github.com/mb0/evtsync/evt"
	"github.com/mb0/evtsync/hub/wshub"
	"github.com/mb0/xelf/cor"
	"github.com/peterh/liner"
)

const replUsage = `commands:
   join <name> <maxHp>     join the encounter at full health
   damage <name> <amount>  deal damage to a participant
   heal <name> <amount>    heal a participant
   advance                 advance to the next turn
   narrate <text>          append a line to the narrative log
   remove <name>           drop a participant from the encounter
   state                   print the current encounter state
   quit                    leave the encounter
`

// repl dials a running evtsyncd serve instance and lets an operator
// propose encounter actions interactively, printing every authoritative
// state change as it arrives.
func repl(args []string) error {
	fs := flag.NewFlagSet("repl", flag.ExitOnError)
	idFlag := fs.String("id", "", "client id to identify as, e.g. \"gm\"")
	fs.Parse(args)

	clientID := *idFlag
	if clientID == "" {
		return cor.Error("repl: -id is required")
	}

	url := "ws://" + *addrFlag + "/ws"
	if *tokenFlag != "" {
		url += "?token=" + *tokenFlag
	}

	engine, err := evt.NewEngine(encounter.State{}, encounter.Apply)
	if err != nil {
		return err
	}
	port := wshub.NewPort[encounter.Action](url)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go port.Run(ctx, time.Second, 30*time.Second)

	c := client.New[encounter.State, encounter.Action](clientID, engine, port)
	defer c.Close()

	unsub := engine.Subscribe(func(s encounter.State) { printState(s) })
	defer unsub()

	lin := liner.NewLiner()
	defer lin.Close()
	lin.SetMultiLineMode(false)
	fmt.Print(replUsage)
	var got string
	for {
		got, err = lin.Prompt(clientID + "> ")
		if err != nil {
			if err == io.EOF {
				fmt.Println()
				return nil
			}
			log.Printf("unexpected error reading prompt: %v", err)
			continue
		}
		if strings.TrimSpace(got) == "" {
			continue
		}
		lin.AppendHistory(got)
		if strings.TrimSpace(got) == "quit" {
			return nil
		}
		action, ok := parseAction(got)
		if !ok {
			fmt.Print(replUsage)
			continue
		}
		if action.Kind == "" {
			printState(engine.GetState())
			continue
		}
		if _, err := c.Propose(action); err != nil {
			log.Printf("propose failed: %v", err)
		}
	}
}

func parseAction(line string) (encounter.Action, bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return encounter.Action{}, false
	}
	switch fields[0] {
	case "state":
		return encounter.Action{}, true
	case "join":
		if len(fields) != 3 {
			return encounter.Action{}, false
		}
		maxHP, err := strconv.Atoi(fields[2])
		if err != nil {
			return encounter.Action{}, false
		}
		return encounter.JoinAction(fields[1], 0, maxHP), true
	case "damage":
		if len(fields) != 3 {
			return encounter.Action{}, false
		}
		amount, err := strconv.Atoi(fields[2])
		if err != nil {
			return encounter.Action{}, false
		}
		return encounter.DamageAction(fields[1], amount), true
	case "heal":
		if len(fields) != 3 {
			return encounter.Action{}, false
		}
		amount, err := strconv.Atoi(fields[2])
		if err != nil {
			return encounter.Action{}, false
		}
		return encounter.HealAction(fields[1], amount), true
	case "advance":
		return encounter.AdvanceAction(), true
	case "narrate":
		return encounter.NarrateAction(strings.TrimSpace(strings.TrimPrefix(line, "narrate"))), true
	case "remove":
		if len(fields) != 2 {
			return encounter.Action{}, false
		}
		return encounter.RemoveAction(fields[1]), true
	default:
		return encounter.Action{}, false
	}
}

func printState(s encounter.State) {
	fmt.Printf("\nround %d turn %d\n", s.Round, s.Turn)
	for i, p := range s.Participants {
		marker := " "
		if i == s.Turn {
			marker = "*"
		}
		fmt.Printf(" %s %-12s init=%-3d hp=%d/%d\n", marker, p.Name, p.Initiative, p.HP, p.MaxHP)
	}
	for _, l := range s.Log {
		fmt.Printf(" - %s\n", l)
	}
	fmt.Println()
}
