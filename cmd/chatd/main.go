package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/fx"

	"github.com/matheus3301/chatd/internal/daemon"
	"github.com/matheus3301/chatd/internal/session"
)

func main() {
	sessionFlag := flag.String("session", "main", "session name")
	serverFlag := flag.String("server", "", "server URL (overrides config)")
	flag.Parse()

	if err := session.ValidateName(*sessionFlag); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{
			SessionName: *sessionFlag,
			ServerURL:   *serverFlag,
		}),
	)

	app.Run()
}
