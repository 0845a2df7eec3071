package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Print model information reported by the service",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		var out map[string]any
		if err := newClient().do(cmd.Context(), "GET", "/api/model-info", nil, &out); err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), out)
	},
}

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history <session-id>",
	Short: "Print the recorded events of a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var out map[string]any
		path := fmt.Sprintf("/api/sessions/%s/history?limit=%d", args[0], historyLimit)
		if err := newClient().do(cmd.Context(), "GET", path, nil, &out); err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), out)
	},
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Create or end sessions",
}

var sessionNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Create a session and print its ID",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		var out map[string]string
		if err := newClient().do(cmd.Context(), "POST", "/api/sessions", nil, &out); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), out["session_id"])
		return nil
	},
}

var sessionEndCmd = &cobra.Command{
	Use:   "end <session-id>",
	Short: "End a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return newClient().do(cmd.Context(), "DELETE", "/api/sessions/"+args[0], nil, nil)
	},
}

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 100, "Maximum number of events")
	sessionCmd.AddCommand(sessionNewCmd, sessionEndCmd)
	rootCmd.AddCommand(infoCmd, historyCmd, sessionCmd)
}
