// Package proxy invokes downstream tool targets over HTTP and builds
// the daemon's job executor on top of the resilience layer.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// callRequest is the wire body posted to a target.
type callRequest struct {
	Action string `json:"action"`
	Input  string `json:"input,omitempty"`
}

// callResponse is the expected target reply.
type callResponse struct {
	RefID string `json:"ref_id,omitempty"`
	Error string `json:"error,omitempty"`
}

// HTTPCaller posts actions to named targets at configured base URLs.
type HTTPCaller struct {
	client  *http.Client
	targets map[string]string
	logger  *zap.Logger
}

// NewHTTPCaller maps target names to base URLs.
func NewHTTPCaller(targets map[string]string, timeout time.Duration, logger *zap.Logger) *HTTPCaller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPCaller{
		client:  &http.Client{Timeout: timeout},
		targets: targets,
		logger:  logger,
	}
}

// Call implements supervisor.Caller.
func (c *HTTPCaller) Call(ctx context.Context, target, action, input string) (string, error) {
	base, ok := c.targets[target]
	if !ok {
		return "", fmt.Errorf("unknown target %q", target)
	}

	body, err := json.Marshal(callRequest{Action: action, Input: input})
	if err != nil {
		return "", fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("call to %s failed: %w", target, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read response from %s: %w", target, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("target %s returned status %d", target, resp.StatusCode)
	}

	var parsed callResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		// Targets that reply with a bare body still succeed; there is
		// just no reference id to record.
		return "", nil
	}
	if parsed.Error != "" {
		return "", fmt.Errorf("target %s reported: %s", target, parsed.Error)
	}
	return parsed.RefID, nil
}
