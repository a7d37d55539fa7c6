// apiflow runs declarative flows of linked HTTP API calls.
//
// Usage:
//
//	apiflow [--debug] [--json] <command> [flags]
//
// Commands:
//
//	run       Run a flow file over one or more initial parameter sets
//	validate  Check a flow file
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/wehubfusion/apiflow/internal/cli"
)

// version is set with ldflags at build time.
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	err := cli.NewRootCmd(version).ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
