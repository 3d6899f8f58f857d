package main

import (
	"fmt"
	"time"

	"github.com/kardianos/qfeature"
	"github.com/spf13/cobra"
)

var (
	certsDir      string
	certsHosts    []string
	certsValidity time.Duration
)

var certsCmd = &cobra.Command{
	Use:   "certs",
	Short: "Create a CA and a key pair per host",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(certsHosts) == 0 {
			return fmt.Errorf("--hosts is required")
		}
		if err := qfeature.WriteCertDir(certsDir, certsHosts, certsValidity); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote CA and %d key pairs to %s\n", len(certsHosts), certsDir)
		return nil
	},
}

func init() {
	certsCmd.Flags().StringVar(&certsDir, "dir", "certs", "Output directory")
	certsCmd.Flags().StringSliceVar(&certsHosts, "hosts", nil, "Host names; the hub name plus one per machine")
	certsCmd.Flags().DurationVar(&certsValidity, "validity", 365*24*time.Hour, "Certificate validity")
	rootCmd.AddCommand(certsCmd)
}
