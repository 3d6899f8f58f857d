// Command qtime runs a hub and entity time clients.
//
//	qtime certs --dir certs --hosts localhost,alice,bob
//	qtime hub --listen :4433 --certs certs
//	qtime serve --config alice.yaml
//	qtime query bob --config alice.yaml
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "qtime",
	Short:         "Entity time over a QUIC hub",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "qtime:", err)
		os.Exit(1)
	}
}
