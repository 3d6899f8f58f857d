package main

import (
	"github.com/kardianos/qfeature"
	"github.com/kardianos/qfeature/entitytime"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var serveConfig string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Connect to the hub and answer time requests until stopped",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := LoadConfig(serveConfig)
		if err != nil {
			return err
		}

		var client *qfeature.Client
		app := newApp(cfg,
			fx.Populate(&client),
			fx.Invoke(func(c *qfeature.Client, reg *entitytime.Registry, log *zap.Logger) {
				m := reg.InstanceFor(c)
				log.Info("serving entity time", zap.Stringer("addr", c.Addr()), zap.Bool("enabled", m.IsEnabled()))
			}),
		)
		if err := app.Err(); err != nil {
			return err
		}
		return run(cmd.Context(), app, client.Done())
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveConfig, "config", "qtime.yaml", "Config file")
	rootCmd.AddCommand(serveCmd)
}
