package main

import (
	"net"

	"github.com/kardianos/qfeature"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	hubListen   string
	hubCerts    string
	hubName     string
	hubLogLevel string
)

var hubCmd = &cobra.Command{
	Use:   "hub",
	Short: "Run a hub that routes requests between sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		log, err := newLogger(hubLogLevel)
		if err != nil {
			return err
		}
		defer log.Sync()

		cert, pool, err := qfeature.LoadCertDir(hubCerts, hubName)
		if err != nil {
			return err
		}
		hub, err := qfeature.NewHub(qfeature.HubOpt{
			TLS:    qfeature.BuildHubTLS(cert, pool),
			Logger: log,
		})
		if err != nil {
			return err
		}

		pc, err := net.ListenPacket("udp", hubListen)
		if err != nil {
			return err
		}
		defer pc.Close()

		log.Info("hub listening", zap.Stringer("addr", pc.LocalAddr()))
		return hub.Serve(cmd.Context(), pc)
	},
}

func init() {
	hubCmd.Flags().StringVar(&hubListen, "listen", ":4433", "UDP listen address")
	hubCmd.Flags().StringVar(&hubCerts, "certs", "certs", "Certificate directory")
	hubCmd.Flags().StringVar(&hubName, "name", "localhost", "Host name of the hub certificate")
	hubCmd.Flags().StringVar(&hubLogLevel, "log-level", "info", "Log level")
	rootCmd.AddCommand(hubCmd)
}
