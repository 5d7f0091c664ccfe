package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// FuncExecutor adapts a plain function into an Executor. Handy for in-process
// tools and for tests.
type FuncExecutor struct {
	ToolName        string
	ToolDescription string
	ToolParameters  map[string]any
	ToolCategory    Category
	ToolTimeout     time.Duration
	Fn              func(ctx context.Context, args map[string]any) (any, error)
}

func (f *FuncExecutor) Name() string               { return f.ToolName }
func (f *FuncExecutor) Description() string        { return f.ToolDescription }
func (f *FuncExecutor) Parameters() map[string]any { return f.ToolParameters }
func (f *FuncExecutor) Timeout() time.Duration     { return f.ToolTimeout }

func (f *FuncExecutor) Category() Category {
	if f.ToolCategory == "" {
		return CategoryGeneric
	}
	return f.ToolCategory
}

func (f *FuncExecutor) Execute(ctx context.Context, args map[string]any) (any, error) {
	if f.Fn == nil {
		return nil, fmt.Errorf("tool %q has no handler", f.ToolName)
	}
	return f.Fn(ctx, args)
}

// HTTPExecutor forwards tool calls to an external collaborator service as a
// JSON POST of the validated arguments and returns the decoded JSON body.
// Non-2xx responses are invocation failures.
type HTTPExecutor struct {
	ToolName        string
	ToolDescription string
	ToolParameters  map[string]any
	ToolCategory    Category
	URL             string
	Headers         map[string]string
	Client          *http.Client
}

func (h *HTTPExecutor) Name() string               { return h.ToolName }
func (h *HTTPExecutor) Description() string        { return h.ToolDescription }
func (h *HTTPExecutor) Parameters() map[string]any { return h.ToolParameters }

// Timeout is longer than the in-process default because the call leaves the
// host. The request context still bounds the round trip.
func (h *HTTPExecutor) Timeout() time.Duration { return 10 * time.Second }

func (h *HTTPExecutor) Category() Category {
	if h.ToolCategory == "" {
		return CategoryGeneric
	}
	return h.ToolCategory
}

func (h *HTTPExecutor) Execute(ctx context.Context, args map[string]any) (any, error) {
	body, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("marshal tool arguments: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build tool request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range h.Headers {
		req.Header.Set(k, v)
	}
	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tool request: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read tool response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("tool endpoint returned %d", resp.StatusCode)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return map[string]any{}, nil
	}
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decode tool response: %w", err)
	}
	return payload, nil
}
