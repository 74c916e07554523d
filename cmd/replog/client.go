package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func addNodeFlag(cmd *cobra.Command, def string) *string {
	return cmd.Flags().String("node", def, "Base URL of the node to talk to.")
}

func newWriteCommand() *cobra.Command {
	var w int
	cmd := &cobra.Command{
		Use:   "write <message>",
		Short: "Append a message through the primary",
		Args:  cobra.ExactArgs(1),
	}
	node := addNodeFlag(cmd, "http://localhost:5000")
	cmd.Flags().IntVarP(&w, "w", "w", 0, "Write concern; 0 uses the primary's default.")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		body, err := json.Marshal(map[string]any{"message": args[0], "w": w})
		if err != nil {
			return err
		}
		out, err := call(cmd.Context(), http.MethodPost, *node+"/messages", body)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), out)
		return err
	}
	return cmd
}

func newListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Print the messages a node holds",
		Args:  cobra.NoArgs,
	}
	node := addNodeFlag(cmd, "http://localhost:5000")

	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		out, err := call(cmd.Context(), http.MethodGet, *node+"/messages", nil)
		if err != nil {
			return err
		}
		var entries []struct {
			SequenceNumber uint64 `json:"sequence_number"`
			Message        string `json:"message"`
		}
		if err := json.Unmarshal([]byte(out), &entries); err != nil {
			return fmt.Errorf("decode messages: %w", err)
		}
		for _, e := range entries {
			if _, err := fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\n", e.SequenceNumber, e.Message); err != nil {
				return err
			}
		}
		return nil
	}
	return cmd
}

func newFaultCommand() *cobra.Command {
	var (
		failure bool
		delay   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "fault",
		Short: "Show or change a running follower's injected failure and delay",
		Long: `Show or change a running follower's injected failure and delay.

With neither --failure nor --delay the current settings are printed.`,
		Args: cobra.NoArgs,
	}
	node := addNodeFlag(cmd, "http://localhost:5001")
	cmd.Flags().BoolVar(&failure, "failure", false, "Reject every replicated entry and report NOT_SERVING.")
	cmd.Flags().DurationVar(&delay, "delay", 0, "Processing delay before each entry is applied.")

	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		req := map[string]any{}
		if cmd.Flags().Changed("failure") {
			req["failure"] = failure
		}
		if cmd.Flags().Changed("delay") {
			req["delay"] = delay.String()
		}

		method, body := http.MethodGet, []byte(nil)
		if len(req) > 0 {
			b, err := json.Marshal(req)
			if err != nil {
				return err
			}
			method, body = http.MethodPut, b
		}
		out, err := call(cmd.Context(), method, *node+"/admin/faults", body)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), out)
		return err
	}
	return cmd
}

// call sends one request and returns the response body. Non-2xx responses
// are returned as errors carrying the body.
func call(ctx context.Context, method, url string, body []byte) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	out := strings.TrimSpace(string(b))
	if resp.StatusCode/100 != 2 {
		return "", fmt.Errorf("%s %s: %s: %s", method, url, resp.Status, out)
	}
	return out, nil
}
