package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dagbolade/toolgate/internal/approvals"
)

// UpstreamRunner executes one tool by forwarding its arguments to an HTTP
// upstream that hosts the real implementation. It satisfies the
// approvals.Runner contract.
type UpstreamRunner struct {
	tool     string
	upstream string
	client   *http.Client
}

func NewUpstreamRunner(tool, upstream string, timeoutSec int) *UpstreamRunner {
	return &UpstreamRunner{
		tool:     tool,
		upstream: upstream,
		client: &http.Client{
			Timeout: time.Duration(timeoutSec) * time.Second,
		},
	}
}

func (r *UpstreamRunner) Execute(ctx context.Context, args json.RawMessage, onExecute approvals.ExecuteCallback) (json.RawMessage, error) {
	payload, err := json.Marshal(map[string]any{
		"tool_name": r.tool,
		"args":      args,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	if onExecute != nil {
		onExecute("forward", map[string]any{"upstream": r.upstream})
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.upstream, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("upstream returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	return json.RawMessage(body), nil
}

// UpstreamKiller aborts an in-flight action by posting the recorded handle to
// the upstream's kill endpoint. It satisfies the approvals.Killer contract.
type UpstreamKiller struct {
	upstream string
	client   *http.Client
}

func NewUpstreamKiller(upstream string, timeoutSec int) *UpstreamKiller {
	return &UpstreamKiller{
		upstream: upstream,
		client: &http.Client{
			Timeout: time.Duration(timeoutSec) * time.Second,
		},
	}
}

func (k *UpstreamKiller) Kill(ctx context.Context, handle string) error {
	payload, err := json.Marshal(map[string]string{"handle": handle})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, k.upstream, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := k.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("kill upstream returned %d", resp.StatusCode)
	}

	return nil
}
