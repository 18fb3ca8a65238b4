package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/quarry/pkg/log"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the scheduler loop in the foreground until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEngine(cmd)
		if err != nil {
			return fmt.Errorf("starting engine: %w", err)
		}

		e.Start()
		logger := log.WithComponent("server")
		logger.Info().Msg("scheduler running, press Ctrl+C to stop")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		logger.Info().Msg("shutting down")
		return e.Close()
	},
}
