// Package prompt assembles the system instructions for a call. Resolution
// walks a fallback chain: a remote prompt service, the last instructions that
// service returned for the same callee, then a compiled-in minimal prompt.
// Resolve never fails; a call always starts with some instructions.
package prompt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/sethvargo/go-retry"
)

// Source records which link of the chain produced the instructions.
type Source string

const (
	SourceRemote  Source = "remote"
	SourceCached  Source = "cached"
	SourceMinimal Source = "minimal"
)

// CallContext is what the prompt service gets to personalize instructions.
type CallContext struct {
	CallID    string            `json:"call_id"`
	Caller    string            `json:"caller"`
	Callee    string            `json:"callee"`
	Direction string            `json:"direction"`
	Custom    map[string]string `json:"custom,omitempty"`
}

// Fetcher retrieves instructions from an external prompt service.
type Fetcher interface {
	Fetch(ctx context.Context, cc CallContext) (string, error)
}

const minimalTemplate = `You are a polite voice assistant answering a phone call{{if .Callee}} on behalf of {{.Callee}}{{end}}.
Keep answers short and conversational. If you cannot help with something, say so and offer to take a message.`

// Resolver caches the last remote instructions per callee so a prompt-service
// outage mid-deploy does not degrade every call to the minimal prompt.
type Resolver struct {
	fetcher Fetcher
	logger  *slog.Logger

	mu    sync.Mutex
	cache map[string]string

	tmplOnce sync.Once
	tmpl     *template.Template
}

// NewResolver builds a resolver. fetcher may be nil, in which case the chain
// starts at the cache (which will be empty) and falls through to minimal.
func NewResolver(fetcher Fetcher, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		fetcher: fetcher,
		logger:  logger,
		cache:   make(map[string]string),
	}
}

// Resolve returns the instructions for a call and where they came from.
func (r *Resolver) Resolve(ctx context.Context, cc CallContext) (string, Source) {
	if r.fetcher != nil {
		text, err := r.fetcher.Fetch(ctx, cc)
		if err == nil && strings.TrimSpace(text) != "" {
			r.mu.Lock()
			r.cache[cc.Callee] = text
			r.mu.Unlock()
			return text, SourceRemote
		}
		if err != nil {
			r.logger.Warn("prompt service unavailable, falling back",
				"call_id", cc.CallID, "error", err)
		}
	}

	r.mu.Lock()
	cached := r.cache[cc.Callee]
	r.mu.Unlock()
	if cached != "" {
		return cached, SourceCached
	}

	return r.minimal(cc), SourceMinimal
}

// Minimal renders the compiled-in prompt for cc. Callers use it as the last
// rung of the fallback chain when every richer source has been rejected.
func (r *Resolver) Minimal(cc CallContext) string {
	return r.minimal(cc)
}

func (r *Resolver) minimal(cc CallContext) string {
	r.tmplOnce.Do(func() {
		r.tmpl = template.Must(template.New("minimal").Parse(minimalTemplate))
	})
	var buf bytes.Buffer
	if err := r.tmpl.Execute(&buf, cc); err != nil {
		// The template is static and the context is plain strings, so this
		// is unreachable short of a bad edit to minimalTemplate.
		return "You are a polite voice assistant answering a phone call."
	}
	return buf.String()
}

// HTTPFetcher asks a prompt service for instructions with a bounded number of
// retries. The service receives the call context as JSON and answers with
// {"instructions": "..."}.
type HTTPFetcher struct {
	URL     string
	APIKey  string
	Client  *http.Client
	Timeout time.Duration
	Retries uint64
}

func (f *HTTPFetcher) Fetch(ctx context.Context, cc CallContext) (string, error) {
	timeout := f.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	retries := f.Retries
	if retries == 0 {
		retries = 2
	}

	var instructions string
	backoff := retry.WithMaxRetries(retries, retry.NewFibonacci(150*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		text, err := f.fetchOnce(ctx, cc, timeout)
		if err != nil {
			return err
		}
		instructions = text
		return nil
	})
	if err != nil {
		return "", err
	}
	return instructions, nil
}

func (f *HTTPFetcher) fetchOnce(ctx context.Context, cc CallContext, timeout time.Duration) (string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(cc)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, f.URL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if f.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+f.APIKey)
	}

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", retry.RetryableError(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 256<<10))
	if err != nil {
		return "", retry.RetryableError(err)
	}
	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return "", retry.RetryableError(fmt.Errorf("prompt service returned %d", resp.StatusCode))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return "", fmt.Errorf("prompt service returned %d", resp.StatusCode)
	}

	var parsed struct {
		Instructions string `json:"instructions"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("decode prompt response: %w", err)
	}
	if strings.TrimSpace(parsed.Instructions) == "" {
		return "", fmt.Errorf("prompt service returned empty instructions")
	}
	return parsed.Instructions, nil
}
