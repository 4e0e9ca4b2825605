// Command stackchan-ctl talks to a running robot over HTTP or BLE and
// manages its journal database.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
)

const usage = `usage: %s <command> [flags]
  http     send a request over HTTP       (http -addr http://host:8080 /api/color)
  ble      send a request over BLE        (ble -name StackChan /api/setcolor?index=2)
  migrate  apply pending journal migrations
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, usage, os.Args[0])
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1], os.Args[2:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd string, args []string, out io.Writer) error {
	switch cmd {
	case "http":
		return runHTTP(ctx, args, out)
	case "ble":
		return runBLE(ctx, args, out)
	case "migrate":
		return runMigrate(ctx, out)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}
