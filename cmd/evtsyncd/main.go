package main

import (
	"flag"
	"fmt"
	"log"
)

const usage = `usage: evtsyncd [-addr=<host:port>] [-token=<secret>] <command> [<args>]

Configuration flags:

   -addr       Address to listen on (serve) or dial (repl). Defaults to
               localhost:4420.
   -token      Shared room passphrase. If set, serve requires it as the
               token query parameter before accepting a websocket
               connection, and repl presents it on dial.

Commands
   serve       Run an encounter host, serving the wshub websocket protocol
   repl        Connect to a running host and propose encounter actions
               interactively
   help        Display this help message
`

var (
	addrFlag  = flag.String("addr", "localhost:4420", "listen/dial address")
	tokenFlag = flag.String("token", "", "shared room passphrase")
)

func main() {
	flag.Parse()
	log.SetFlags(0)
	args := flag.Args()
	if len(args) == 0 {
		log.Printf("missing command\n\n")
		fmt.Print(usage)
		return
	}
	rest := args[1:]
	var err error
	switch cmd := args[0]; cmd {
	case "serve":
		err = serve(rest)
	case "repl":
		err = repl(rest)
	case "help":
		fmt.Print(usage)
	default:
		log.Printf("unknown command: %s\n\n", cmd)
		fmt.Print(usage)
	}
	if err != nil {
		log.Fatalf("%s error: %+v\n", args[0], err)
	}
}
