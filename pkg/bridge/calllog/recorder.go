// Package calllog ships post-call interaction records to an external
// collection endpoint. Recording is fire-and-forget: a slow or dead endpoint
// must never hold up call teardown.
package calllog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Outcome classifies how a call ended.
type Outcome string

const (
	OutcomeCompleted     Outcome = "completed"
	OutcomeCallerHangup  Outcome = "caller_hangup"
	OutcomeEngineFailure Outcome = "engine_failure"
	OutcomeTimeout       Outcome = "timeout"
	OutcomeRejected      Outcome = "rejected"
)

// TranscriptEntry is one finished utterance, in call order.
type TranscriptEntry struct {
	Role string `json:"role"`
	Text string `json:"text"`
	At   string `json:"at"`
}

// ToolRecord is one tool invocation made during the call.
type ToolRecord struct {
	Name      string `json:"name"`
	Failed    bool   `json:"failed"`
	ElapsedMS int64  `json:"elapsed_ms"`
}

// CallSummary is the record shipped once per call at teardown.
type CallSummary struct {
	CallID       string            `json:"call_id"`
	StreamID     string            `json:"stream_id"`
	Caller       string            `json:"caller"`
	Callee       string            `json:"callee"`
	Direction    string            `json:"direction"`
	StartedAt    time.Time         `json:"started_at"`
	EndedAt      time.Time         `json:"ended_at"`
	Outcome      Outcome           `json:"outcome"`
	Turns        int               `json:"turns"`
	PromptSource string            `json:"prompt_source"`
	Transcript   []TranscriptEntry `json:"transcript,omitempty"`
	Tools        []ToolRecord      `json:"tools,omitempty"`
}

// Recorder persists call summaries. Record must not block the caller on
// network progress.
type Recorder interface {
	Record(summary CallSummary)
}

// Noop is the recorder used when no endpoint is configured.
type Noop struct{}

func (Noop) Record(CallSummary) {}

// HTTPRecorder POSTs summaries to a collection endpoint on a background
// goroutine. Delivery is best effort; failures are logged and dropped.
type HTTPRecorder struct {
	url     string
	apiKey  string
	client  *http.Client
	timeout time.Duration
	logger  *slog.Logger
}

func NewHTTPRecorder(url, apiKey string, timeout time.Duration, logger *slog.Logger) *HTTPRecorder {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPRecorder{
		url:     url,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
		logger:  logger,
	}
}

func (r *HTTPRecorder) Record(summary CallSummary) {
	go func() {
		if err := r.send(summary); err != nil {
			r.logger.Warn("call summary delivery failed",
				"call_id", summary.CallID, "outcome", summary.Outcome, "error", err)
			return
		}
		r.logger.Debug("call summary delivered", "call_id", summary.CallID)
	}()
}

func (r *HTTPRecorder) send(summary CallSummary) error {
	body, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("collector returned %d", resp.StatusCode)
	}
	return nil
}
