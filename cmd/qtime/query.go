package main

import (
	"fmt"
	"io"
	"time"

	"github.com/kardianos/qfeature"
	"github.com/kardianos/qfeature/entitytime"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/multierr"
)

var queryConfig string

var queryCmd = &cobra.Command{
	Use:   "query PEER",
	Short: "Print the time of a peer",
	Long:  "Print the time of a peer. PEER is \"machine\" or \"machine/resource\".",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		peer, err := qfeature.ParseAddr(args[0])
		if err != nil {
			return err
		}
		cfg, err := LoadConfig(queryConfig)
		if err != nil {
			return err
		}

		var (
			client *qfeature.Client
			reg    *entitytime.Registry
		)
		app := newApp(cfg, fx.Populate(&client, &reg))
		if err := app.Err(); err != nil {
			return err
		}

		ctx := cmd.Context()
		if err := app.Start(ctx); err != nil {
			return err
		}
		defer func() {
			err = multierr.Append(err, stop(app))
		}()

		sent := time.Now()
		r, err := reg.InstanceFor(client).GetTime(ctx, peer)
		if err != nil {
			return err
		}
		return printTime(cmd.OutOrStdout(), r, sent, time.Now())
	},
}

// printTime writes the peer's local time and the estimated clock offset.
func printTime(w io.Writer, r *entitytime.Response, sent, received time.Time) error {
	local, err := r.Time.Local()
	if err != nil {
		return err
	}
	rtt := received.Sub(sent)
	offset := r.Time.UTC.Sub(sent.Add(rtt / 2))
	_, err = fmt.Fprintf(w, "%s\t%s\toffset %v\trtt %v\n",
		r.From, local.Format(time.RFC3339Nano), offset.Round(time.Millisecond), rtt.Round(time.Microsecond))
	return err
}

func init() {
	queryCmd.Flags().StringVar(&queryConfig, "config", "qtime.yaml", "Config file")
	rootCmd.AddCommand(queryCmd)
}
