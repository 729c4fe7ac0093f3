// Command quizhubd runs the quiz hub daemon: it loads configuration, wires
// the Hub to a WebSocket transport, and serves until a signal requests
// graceful shutdown. Structured the way cmd/bd's root command wires its
// daemon subcommand: a persistent root command for global flags, a signal-
// aware context for cancellation, and a dedicated serve command.
package main

import (
	"context"
	"fmt"
	"os"
)

func main() {
	if err := Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// rootCtx is set up once by the serve command's PersistentPreRun so that
// Ctrl-C / SIGTERM cleanly drains in-flight connections instead of killing
// the process mid-broadcast.
var (
	rootCtx    context.Context
	rootCancel context.CancelFunc
)
