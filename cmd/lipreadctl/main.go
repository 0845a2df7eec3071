// Command lipreadctl talks to a running lip reading service and manages its
// local artifacts.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

const Version = "0.1.0-dev"

var (
	serverURL string
	sessionID string
)

var rootCmd = &cobra.Command{
	Use:           "lipreadctl",
	Short:         "Client and maintenance tool for the lip reading service",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	defaultServer := os.Getenv("LIPREAD_SERVER")
	if defaultServer == "" {
		defaultServer = "http://localhost:8000"
	}
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", defaultServer, "Base URL of the lip reading service")
	rootCmd.PersistentFlags().StringVar(&sessionID, "session", "", "Session ID sent as X-Session-ID")
}
