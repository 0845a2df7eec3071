package main

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/loqalabs/lipread/internal/protocol"
)

var natsURL string

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print prediction and session events from the message bus",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		conn, err := nats.Connect(natsURL, nats.Name("lipreadctl"), nats.Timeout(5*time.Second))
		if err != nil {
			return fmt.Errorf("connect to nats: %w", err)
		}
		defer conn.Close()

		msgs := make(chan *nats.Msg, 64)
		sub, err := conn.ChanSubscribe(protocol.SubjectAll, msgs)
		if err != nil {
			return err
		}
		defer sub.Unsubscribe()

		out := cmd.OutOrStdout()
		for {
			select {
			case <-cmd.Context().Done():
				return nil
			case msg := <-msgs:
				fmt.Fprintf(out, "%s\t%s\n", msg.Subject, msg.Data)
			}
		}
	},
}

func init() {
	watchCmd.Flags().StringVar(&natsURL, "nats", nats.DefaultURL, "NATS server URL")
	rootCmd.AddCommand(watchCmd)
}
