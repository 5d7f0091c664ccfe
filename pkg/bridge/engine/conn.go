package engine

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sethvargo/go-retry"
)

const (
	defaultKeepAliveInterval = 15 * time.Second
	defaultWriteTimeout      = 5 * time.Second
	eventQueueSize           = 256
)

// ItemContentMode selects the content-type tag used for tool output and text
// items. Some engine builds reject "input_text" and want "text" (or the other
// way around); on the matching error signature the session flips the mode and
// retries the pending item once.
type ItemContentMode string

const (
	ContentModeInputText ItemContentMode = "input_text"
	ContentModeText      ItemContentMode = "text"
)

// TurnDetection configures the engine's server-side voice activity detector.
type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMS   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMS int     `json:"silence_duration_ms,omitempty"`
}

// ToolDefinition is one entry of the tool catalog sent on session configure.
type ToolDefinition struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// SessionConfig is the session.update payload: everything the engine must
// know before the first turn.
type SessionConfig struct {
	Instructions       string           `json:"instructions"`
	Voice              string           `json:"voice,omitempty"`
	Modalities         []string         `json:"modalities,omitempty"`
	InputAudioFormat   string           `json:"input_audio_format,omitempty"`
	OutputAudioFormat  string           `json:"output_audio_format,omitempty"`
	TranscriptionModel string           `json:"-"`
	Temperature        float64          `json:"temperature,omitempty"`
	TurnDetection      *TurnDetection   `json:"turn_detection,omitempty"`
	Tools              []ToolDefinition `json:"tools,omitempty"`
}

// Config holds what Dial needs to reach the engine.
type Config struct {
	URL    string
	APIKey string
	Model  string

	DialTimeout       time.Duration
	DialRetries       uint64
	KeepAliveInterval time.Duration
	WriteTimeout      time.Duration
}

// Conn is one engine-leg connection. Writes are serialized internally; reads
// are delivered on the Events channel by a dedicated goroutine. Safe for use
// from the session actor plus the tool dispatcher goroutines.
type Conn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	writeMu sync.Mutex
	errMu   sync.Mutex
	modeMu  sync.Mutex

	events    chan any
	closed    chan struct{}
	closeOnce sync.Once

	contentMode ItemContentMode

	lastServerError string
	lastClose       string
}

// Dial connects and authenticates the engine leg. Transient dial failures are
// retried with fibonacci backoff before giving up.
func Dial(ctx context.Context, cfg Config) (*Conn, error) {
	wsURL, err := buildEngineURL(cfg.URL, cfg.Model)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	if strings.TrimSpace(cfg.APIKey) != "" {
		header.Set("Authorization", "Bearer "+strings.TrimSpace(cfg.APIKey))
	}

	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	retries := cfg.DialRetries
	if retries == 0 {
		retries = 2
	}

	var conn *websocket.Conn
	backoff := retry.WithMaxRetries(retries, retry.NewFibonacci(200*time.Millisecond))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
		defer cancel()
		c, resp, dialErr := websocket.DefaultDialer.DialContext(dialCtx, wsURL, header)
		if dialErr != nil {
			if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
				return dialErr // credentials or request shape; retrying cannot help
			}
			return retry.RetryableError(dialErr)
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("dial engine: %w", err)
	}

	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	out := &Conn{
		conn:         conn,
		writeTimeout: writeTimeout,
		events:       make(chan any, eventQueueSize),
		closed:       make(chan struct{}),
		contentMode:  ContentModeInputText,
	}
	keepAlive := cfg.KeepAliveInterval
	if keepAlive <= 0 {
		keepAlive = defaultKeepAliveInterval
	}

	go out.readLoop()
	go out.keepAliveLoop(keepAlive)
	return out, nil
}

// Events delivers decoded server events in arrival order. The channel closes
// when the connection is gone.
func (c *Conn) Events() <-chan any {
	if c == nil {
		ch := make(chan any)
		close(ch)
		return ch
	}
	return c.events
}

func (c *Conn) Close() error {
	if c == nil {
		return nil
	}
	c.closeOnce.Do(func() {
		close(c.closed)
		c.setLastClose("closed")
		_ = c.conn.Close()
	})
	return nil
}

// ContentMode returns the current item content-type mode.
func (c *Conn) ContentMode() ItemContentMode {
	c.modeMu.Lock()
	defer c.modeMu.Unlock()
	return c.contentMode
}

// FlipContentMode toggles between the two item content-type modes and returns
// the new one.
func (c *Conn) FlipContentMode() ItemContentMode {
	c.modeMu.Lock()
	defer c.modeMu.Unlock()
	if c.contentMode == ContentModeInputText {
		c.contentMode = ContentModeText
	} else {
		c.contentMode = ContentModeInputText
	}
	return c.contentMode
}

// UpdateSession sends the session.update request. The session bridge must
// wait for the SessionUpdated event before relaying audio.
func (c *Conn) UpdateSession(ctx context.Context, cfg SessionConfig) error {
	session := map[string]any{
		"instructions": cfg.Instructions,
	}
	if cfg.Voice != "" {
		session["voice"] = cfg.Voice
	}
	modalities := cfg.Modalities
	if len(modalities) == 0 {
		modalities = []string{"audio", "text"}
	}
	session["modalities"] = modalities
	if cfg.InputAudioFormat != "" {
		session["input_audio_format"] = cfg.InputAudioFormat
	}
	if cfg.OutputAudioFormat != "" {
		session["output_audio_format"] = cfg.OutputAudioFormat
	}
	if cfg.TranscriptionModel != "" {
		session["input_audio_transcription"] = map[string]any{"model": cfg.TranscriptionModel}
	}
	if cfg.Temperature > 0 {
		session["temperature"] = cfg.Temperature
	}
	if cfg.TurnDetection != nil {
		session["turn_detection"] = cfg.TurnDetection
	}
	if len(cfg.Tools) > 0 {
		session["tools"] = cfg.Tools
		session["tool_choice"] = "auto"
	}
	return c.writeJSON(ctx, map[string]any{
		"type":    "session.update",
		"session": session,
	})
}

// AppendAudio forwards one caller audio frame to the engine input buffer.
func (c *Conn) AppendAudio(ctx context.Context, audio []byte) error {
	return c.writeJSON(ctx, map[string]any{
		"type":  "input_audio_buffer.append",
		"audio": base64.StdEncoding.EncodeToString(audio),
	})
}

// ClearInputBuffer drops any uncommitted caller audio on the engine side.
func (c *Conn) ClearInputBuffer(ctx context.Context) error {
	return c.writeJSON(ctx, map[string]any{"type": "input_audio_buffer.clear"})
}

// CreateResponse asks the engine to produce a response. params may be nil for
// a default response; otherwise it is sent verbatim as the response object
// (instructions overrides, modalities, etc.).
func (c *Conn) CreateResponse(ctx context.Context, params map[string]any) error {
	msg := map[string]any{"type": "response.create"}
	if len(params) > 0 {
		msg["response"] = params
	}
	return c.writeJSON(ctx, msg)
}

// CancelResponse cancels the in-flight response, if any.
func (c *Conn) CancelResponse(ctx context.Context) error {
	return c.writeJSON(ctx, map[string]any{"type": "response.cancel"})
}

// CreateToolOutput reports a tool invocation result back as a conversation
// item. The engine replies with a response only once response.create is sent
// afterwards.
func (c *Conn) CreateToolOutput(ctx context.Context, callID, output string) error {
	return c.writeJSON(ctx, map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type":    "function_call_output",
			"call_id": callID,
			"output":  output,
		},
	})
}

// CreateUserTextItem injects a user-role text item, used for nudges and
// engineered turns. Content type follows the current compatibility mode.
func (c *Conn) CreateUserTextItem(ctx context.Context, text string) error {
	return c.writeJSON(ctx, map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type": "message",
			"role": "user",
			"content": []map[string]any{
				{"type": string(c.ContentMode()), "text": text},
			},
		},
	})
}

func (c *Conn) readLoop() {
	defer close(c.events)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				c.setLastClose(fmt.Sprintf("code=%d msg=%s", closeErr.Code, strings.TrimSpace(closeErr.Text)))
			} else {
				c.setLastClose(strings.TrimSpace(err.Error()))
			}
			return
		}
		event, decErr := DecodeServerEvent(data)
		if decErr != nil {
			c.setLastServerError("undecodable frame: " + decErr.Error())
			continue
		}
		if engErr, ok := event.(EngineError); ok {
			c.setLastServerError(engErr.Message)
		}
		select {
		case c.events <- event:
		case <-c.closed:
			return
		}
	}
}

func (c *Conn) keepAliveLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			_ = c.conn.WriteControl(websocket.PingMessage, []byte("keepalive"), time.Now().Add(c.writeTimeout))
			c.writeMu.Unlock()
		}
	}
}

func (c *Conn) writeJSON(ctx context.Context, payload any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
	} else {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if err := c.conn.WriteJSON(payload); err != nil {
		reason := strings.TrimSpace(c.failureReason())
		if reason == "" {
			return err
		}
		return fmt.Errorf("%w (engine %s)", err, reason)
	}
	return nil
}

func buildEngineURL(base, model string) (string, error) {
	if strings.TrimSpace(base) == "" {
		return "", fmt.Errorf("engine url is required")
	}
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", fmt.Errorf("invalid engine url: %w", err)
	}
	if u.Scheme == "" {
		u.Scheme = "wss"
	}
	if strings.TrimSpace(model) != "" {
		q := u.Query()
		if q.Get("model") == "" {
			q.Set("model", strings.TrimSpace(model))
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (c *Conn) setLastServerError(msg string) {
	msg = collapseForLog(msg)
	if msg == "" {
		return
	}
	c.errMu.Lock()
	c.lastServerError = msg
	c.errMu.Unlock()
}

func (c *Conn) setLastClose(msg string) {
	msg = collapseForLog(msg)
	if msg == "" {
		return
	}
	c.errMu.Lock()
	c.lastClose = msg
	c.errMu.Unlock()
}

func (c *Conn) failureReason() string {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	parts := make([]string, 0, 2)
	if c.lastServerError != "" {
		parts = append(parts, "server_error="+c.lastServerError)
	}
	if c.lastClose != "" {
		parts = append(parts, "close="+c.lastClose)
	}
	return strings.Join(parts, " ")
}

func collapseForLog(msg string) string {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return ""
	}
	msg = strings.Join(strings.Fields(msg), " ")
	if len(msg) > 300 {
		msg = msg[:300] + "…"
	}
	return msg
}
