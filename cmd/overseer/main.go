// Package main implements the overseer CLI, a thin client for the overseerd
// control API.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
	"unicode/utf8"

	"github.com/spf13/cobra"

	ovhttp "github.com/fyrsmithlabs/overseer/internal/http"
)

var (
	// serverURL is the base URL of the overseerd HTTP server
	serverURL string
	// jsonOutput prints raw JSON instead of the text summary
	jsonOutput bool
	version    = "dev"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "overseer",
		Short: "CLI for the overseerd control API",
		Long: `overseer creates, inspects and controls goals and plans run by overseerd.

Goals are iterated by a single agent until the evaluator reports success or a
budget runs out. Plans are decomposed into a dependency graph of tasks and
executed by parallel workers.`,
		Version:      version,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&serverURL, "server", "http://127.0.0.1:9470", "overseerd server URL")
	cmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print JSON responses")
	cmd.AddCommand(
		&cobra.Command{
			Use:   "health",
			Short: "Check overseerd health",
			Args:  cobra.NoArgs,
			RunE:  runHealth,
		},
		newGoalCmd(),
		newPlanCmd(),
		newLogsCmd(),
	)
	return cmd
}

func runHealth(cmd *cobra.Command, _ []string) error {
	var resp ovhttp.HealthResponse
	if err := newClient(5*time.Second).do(http.MethodGet, "/health", nil, &resp); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Server Status: %s\n", resp.Status)
	return nil
}

// client issues JSON requests against the control API.
type client struct {
	base string
	http *http.Client
}

func newClient(timeout time.Duration) *client {
	return &client{base: serverURL, http: &http.Client{Timeout: timeout}}
}

// do sends body (if any) as JSON and decodes a 2xx response into out.
// Error responses are returned with the server's message.
func (c *client) do(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	url := c.base + path
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return fmt.Errorf("server returned status %d (failed to read response body: %w)", resp.StatusCode, readErr)
		}
		var e ovhttp.ErrorResponse
		if json.Unmarshal(raw, &e) == nil && e.Message != "" {
			return fmt.Errorf("server returned status %d: %s", resp.StatusCode, e.Message)
		}
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(raw))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func outputJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := max(maxLen-3, 0)
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
