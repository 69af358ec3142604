package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/v2pro/plz/countlog"

	"github.com/esdb/kfetch"
)

func main() {
	var configPath string
	rootCmd := &cobra.Command{
		Use:   "kfetchd",
		Short: "kfetchd runs a kfetch streaming gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := kfetch.LoadConfig(configPath)
			if err != nil {
				return err
			}
			gateway := kfetch.NewGateway(config)
			if err := gateway.Start(); err != nil {
				return err
			}
			defer gateway.Stop()

			signals := make(chan os.Signal, 1)
			signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
			sig := <-signals
			countlog.Info("event!kfetchd.shutting down", "signal", sig.String())
			return nil
		},
	}
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to kfetch.yaml")
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
