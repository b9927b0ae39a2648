// Package main implements the dispatchctl CLI for manual operations
// against the dispatchd HTTP server.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	// serverURL is the base URL for the dispatchd HTTP server
	serverURL string
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "dispatchctl",
	Short: "CLI for dispatchd server operations",
	Long: `dispatchctl is a command-line interface for interacting with the
dispatchd daemon. It submits jobs, inspects queue state, manages the dead
letter queue, and drives supervised runs.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8480", "dispatchd server URL")
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(dlqCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(healthCmd)

	submitCmd.Flags().StringVar(&submitPriority, "priority", "", "job priority (low, normal, high, critical)")
	submitCmd.Flags().IntVar(&submitMaxAttempts, "max-attempts", 0, "override max execution attempts")
	submitCmd.Flags().StringArrayVar(&submitParams, "param", nil, "job parameter as key=value (repeatable)")

	dlqCmd.AddCommand(dlqListCmd)
	dlqCmd.AddCommand(dlqRetryCmd)
}

var (
	submitPriority    string
	submitMaxAttempts int
	submitParams      []string
)

var submitCmd = &cobra.Command{
	Use:   "submit <entrypoint>",
	Short: "Submit a job to the queue",
	Long: `Submit a job for execution against the named target.

Examples:
  # Submit a job with parameters
  dispatchctl submit deploy-service --param action=deploy --param input=api

  # Submit a high-priority job
  dispatchctl submit rollback --priority high --param action=rollback`,
	Args: cobra.ExactArgs(1),
	RunE: runSubmit,
}

var statusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show a job's current state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getJSON(fmt.Sprintf("/api/v1/jobs/%s", args[0]))
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a queued or running job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return postJSON(fmt.Sprintf("/api/v1/jobs/%s/cancel", args[0]), nil)
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getJSON("/api/v1/queue/stats")
	},
}

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and retry dead letter queue entries",
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead letter queue entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getJSON("/api/v1/dlq")
	},
}

var dlqRetryCmd = &cobra.Command{
	Use:   "retry <job-id>",
	Short: "Requeue a dead-lettered job as a fresh submission",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return postJSON(fmt.Sprintf("/api/v1/dlq/%s/retry", args[0]), nil)
	},
}

var runCmd = &cobra.Command{
	Use:   "run <input>",
	Short: "Start a supervised run",
	Long: `Start a supervised run from a free-form request. The run routes
the request to a target, plans, and either executes or pauses to wait
for human approval.

Examples:
  dispatchctl run "restart the api service"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return postJSON("/api/v1/runs", map[string]string{"input": args[0]})
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <run-id>",
	Short: "Resume a run that paused for approval",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return postJSON(fmt.Sprintf("/api/v1/runs/%s/resume", args[0]), nil)
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check dispatchd server health",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getJSON("/health")
	},
}

// SubmitJobRequest matches internal/httpapi/server.go SubmitJobRequest.
type SubmitJobRequest struct {
	Entrypoint  string                 `json:"entrypoint"`
	Params      map[string]interface{} `json:"params,omitempty"`
	Priority    string                 `json:"priority,omitempty"`
	MaxAttempts int                    `json:"max_attempts,omitempty"`
}

func runSubmit(cmd *cobra.Command, args []string) error {
	req := SubmitJobRequest{
		Entrypoint:  args[0],
		Priority:    submitPriority,
		MaxAttempts: submitMaxAttempts,
	}
	if len(submitParams) > 0 {
		req.Params = make(map[string]interface{}, len(submitParams))
		for _, p := range submitParams {
			key, value, ok := strings.Cut(p, "=")
			if !ok {
				return fmt.Errorf("invalid --param %q, expected key=value", p)
			}
			req.Params[key] = value
		}
	}
	return postJSON("/api/v1/jobs", req)
}

// getJSON fetches a path and pretty-prints the JSON response.
func getJSON(path string) error {
	resp, err := httpClient().Get(serverURL + path)
	if err != nil {
		return fmt.Errorf("failed to reach %s: %w", serverURL, err)
	}
	defer resp.Body.Close()
	return printResponse(resp)
}

// postJSON posts an optional JSON body and pretty-prints the response.
func postJSON(path string, body interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(http.MethodPost, serverURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach %s: %w", serverURL, err)
	}
	defer resp.Body.Close()
	return printResponse(resp)
}

func httpClient() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}

func printResponse(resp *http.Response) error {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if len(data) == 0 {
		fmt.Println("ok")
		return nil
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, data, "", "  "); err != nil {
		fmt.Println(string(data))
		return nil
	}
	fmt.Println(pretty.String())
	return nil
}
