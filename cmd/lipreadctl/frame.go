package main

import (
	"fmt"
	"image"
	"os"

	"github.com/spf13/cobra"

	"github.com/loqalabs/lipread/internal/codec"
	"github.com/loqalabs/lipread/internal/httpapi"
)

var frameQuality int

var frameCmd = &cobra.Command{
	Use:   "frame <image>...",
	Short: "Send image files as frames, in order, and print each prediction",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient()
		for _, path := range args {
			url, err := loadFrame(path)
			if err != nil {
				return err
			}
			var resp httpapi.FrameResponse
			body := map[string]string{"frame": url}
			if err := c.do(cmd.Context(), "POST", "/api/process-frame", body, &resp); err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%.3f\t%s\t%d\n", path, resp.Mode, resp.Confidence, resp.Text, resp.Buffered)
		}
		return nil
	},
}

func loadFrame(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return "", fmt.Errorf("decode %s: %w", path, err)
	}
	return codec.EncodeDataURL(img, frameQuality)
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Clear the frame window of the session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		var out map[string]string
		if err := newClient().do(cmd.Context(), "POST", "/api/reset", map[string]string{}, &out); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", out["session_id"], out["message"])
		return nil
	},
}

func init() {
	frameCmd.Flags().IntVar(&frameQuality, "quality", 90, "JPEG quality used to encode frames")
	rootCmd.AddCommand(frameCmd, resetCmd)
}
