package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

const (
	version = "1.0.0"
	banner  = `
__     _____ _  __   __ _
\ \   / /_ _| | \ \ / // \
 \ \ / / | || |  \ V // _ \
  \ V /  | || |___| |/ ___ \
   \_/  |___|_____|_/_/   \_\

Gateway Engine v%s
One Wire, Many Warm Backends
`
)

var (
	cfgFile string
	port    int
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "vilya",
	Short: "Vilya - multiplexing gateway for pooled stdio backends",
	Long: `Vilya fronts a set of stdio backend servers with pre-warmed process
pools and exposes each one over a persistent WebSocket endpoint.

Backends read newline-delimited messages on stdin, answer on stdout, and
keep diagnostics on stderr. Vilya keeps a configurable reserve of live
worker processes per backend so a new connection is bound to a ready
worker with no startup latency.`,
	Version:      version,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "vilya.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "debug logging")
	rootCmd.Flags().IntVarP(&port, "port", "p", 0, "listen port (overrides config)")
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := LoadConfig(cfgFile)
	if err != nil {
		return err
	}

	if port > 0 {
		cfg.Server.Port = port
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	fmt.Printf(banner, version)

	server := NewServer(cfg)
	if err := server.Start(); err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	return server.Stop()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
