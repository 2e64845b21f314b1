// Command lansim-server runs the rendezvous server: a UDP responder for
// the room/punch protocol plus the liveness/health/metrics HTTP
// side-channel.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/valive421/dep-lansim/internal/logging"
	"github.com/valive421/dep-lansim/internal/rendezvous"
	"github.com/valive421/dep-lansim/internal/serverconfig"
)

func main() {
	var debug bool

	root := &cobra.Command{
		Use:   "lansim-server",
		Short: "UDP rendezvous server for the lansim overlay",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(debug)
		},
	}
	root.Flags().BoolVar(&debug, "debug", false, "enable debug-level logging")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(debug bool) error {
	log, err := logging.New("lansim-server", debug)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	cfg, err := serverconfig.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	srv := rendezvous.New(rendezvous.Config{
		UDPAddr:  fmt.Sprintf("0.0.0.0:%d", cfg.UDPPort),
		HTTPAddr: fmt.Sprintf("0.0.0.0:%d", cfg.HTTPPort),
		PublicIP: cfg.PublicIP,
	}, log)

	if err := srv.Start(); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	log.Info("shutting down")
	srv.Stop()
	return nil
}
