// Package tools dispatches the engine's tool-invocation requests to named
// executors with per-tool timeouts. Failures and timeouts never surface as
// errors to the call: they become structured fallback payloads carrying a
// spoken apology, so the conversation keeps moving.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/vango-go/voicebridge/pkg/bridge/engine"
)

// Category selects the apology spoken when an executor of that kind fails.
type Category string

const (
	CategoryScheduling Category = "scheduling"
	CategoryLookup     Category = "lookup"
	CategoryGeneric    Category = "generic"
)

var fallbackMessages = map[Category]string{
	CategoryScheduling: "I'm sorry, I couldn't reach the scheduling system just now. Could we try that again in a moment?",
	CategoryLookup:     "I'm sorry, I couldn't pull up that information right now. Is there anything else I can help with in the meantime?",
	CategoryGeneric:    "I'm sorry, something went wrong on my end with that request. Let's keep going.",
}

// FallbackMessage returns the spoken apology for a tool category.
func FallbackMessage(cat Category) string {
	if msg, ok := fallbackMessages[cat]; ok {
		return msg
	}
	return fallbackMessages[CategoryGeneric]
}

// Executor is one invokable tool.
type Executor interface {
	Name() string
	Description() string
	// Parameters is the JSON-schema object for the tool's arguments. It is
	// compiled at registration and enforced before Execute runs.
	Parameters() map[string]any
	Category() Category
	// Timeout returns the per-tool deadline; zero means the registry default.
	// Tools that call a further external network API should declare a longer
	// one.
	Timeout() time.Duration
	Execute(ctx context.Context, args map[string]any) (any, error)
}

// PendingCall is one tool invocation requested by the engine.
type PendingCall struct {
	CallID    string
	Name      string
	Arguments json.RawMessage
	StartedAt time.Time
}

// Result is what goes back to the engine as the tool output item. Payload is
// always JSON-marshalable and never nil.
type Result struct {
	CallID  string
	Name    string
	Failed  bool
	Payload any
	Elapsed time.Duration
}

// Fallback is the payload shape used when an invocation failed or timed out.
// Message is the human apology the engine is expected to speak.
type Fallback struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// OutputJSON marshals the payload for the engine's tool output item.
func (r Result) OutputJSON() string {
	raw, err := json.Marshal(r.Payload)
	if err != nil {
		raw, _ = json.Marshal(Fallback{Error: "unserializable_result", Message: FallbackMessage(CategoryGeneric)})
	}
	return string(raw)
}

type registered struct {
	ex     Executor
	schema *jsonschema.Schema
}

// Registry holds the tool catalog for a session.
type Registry struct {
	byName         map[string]registered
	defaultTimeout time.Duration
	logger         *slog.Logger
}

func NewRegistry(logger *slog.Logger, defaultTimeout time.Duration, executors ...Executor) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if defaultTimeout <= 0 {
		defaultTimeout = 5 * time.Second
	}
	r := &Registry{
		byName:         make(map[string]registered, len(executors)),
		defaultTimeout: defaultTimeout,
		logger:         logger,
	}
	for _, ex := range executors {
		if ex == nil {
			continue
		}
		name := strings.TrimSpace(ex.Name())
		if name == "" {
			return nil, fmt.Errorf("tool name is required")
		}
		if _, dup := r.byName[name]; dup {
			return nil, fmt.Errorf("duplicate tool %q", name)
		}
		schema, err := compileParameters(name, ex.Parameters())
		if err != nil {
			return nil, fmt.Errorf("tool %q: %w", name, err)
		}
		r.byName[name] = registered{ex: ex, schema: schema}
	}
	return r, nil
}

func compileParameters(name string, params map[string]any) (*jsonschema.Schema, error) {
	if len(params) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal parameters schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	url := name + ".schema.json"
	if err := compiler.AddResource(url, strings.NewReader(string(raw))); err != nil {
		return nil, fmt.Errorf("add parameters schema: %w", err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile parameters schema: %w", err)
	}
	return schema, nil
}

func (r *Registry) Has(name string) bool {
	if r == nil {
		return false
	}
	_, ok := r.byName[strings.TrimSpace(name)]
	return ok
}

func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions builds the tool catalog for the engine's session configure.
func (r *Registry) Definitions() []engine.ToolDefinition {
	if r == nil {
		return nil
	}
	defs := make([]engine.ToolDefinition, 0, len(r.byName))
	for _, name := range r.Names() {
		entry := r.byName[name]
		defs = append(defs, engine.ToolDefinition{
			Type:        "function",
			Name:        entry.ex.Name(),
			Description: entry.ex.Description(),
			Parameters:  entry.ex.Parameters(),
		})
	}
	return defs
}

// Invoke runs one tool call to completion, bounded by the tool's timeout.
// It never returns a failure as an error: unknown tools, malformed or
// schema-invalid arguments, executor errors, and timeouts all come back as a
// Result with Failed set and a spoken fallback payload.
func (r *Registry) Invoke(ctx context.Context, call PendingCall) Result {
	started := call.StartedAt
	if started.IsZero() {
		started = time.Now()
	}
	name := strings.TrimSpace(call.Name)

	entry, ok := r.byName[name]
	if !ok {
		r.logger.Warn("unknown tool requested", "tool", name, "call_id", call.CallID)
		return r.failed(call, started, CategoryGeneric, "unknown_tool")
	}
	cat := entry.ex.Category()

	var args map[string]any
	if len(call.Arguments) > 0 {
		if err := json.Unmarshal(call.Arguments, &args); err != nil {
			r.logger.Warn("tool arguments are not a JSON object", "tool", name, "error", err)
			return r.failed(call, started, cat, "invalid_arguments")
		}
	}
	if args == nil {
		args = map[string]any{}
	}
	if entry.schema != nil {
		if err := entry.schema.Validate(args); err != nil {
			r.logger.Warn("tool arguments failed schema validation", "tool", name, "error", err)
			return r.failed(call, started, cat, "invalid_arguments")
		}
	}

	timeout := entry.ex.Timeout()
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		payload any
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		payload, err := entry.ex.Execute(execCtx, args)
		done <- outcome{payload: payload, err: err}
	}()

	select {
	case out := <-done:
		elapsed := time.Since(started)
		if out.err != nil {
			r.logger.Warn("tool invocation failed", "tool", name, "call_id", call.CallID,
				"elapsed_ms", elapsed.Milliseconds(), "error", out.err)
			return r.failed(call, started, cat, "invocation_failed")
		}
		payload := out.payload
		if payload == nil {
			payload = map[string]any{}
		}
		r.logger.Info("tool invocation completed", "tool", name, "call_id", call.CallID,
			"elapsed_ms", elapsed.Milliseconds())
		return Result{CallID: call.CallID, Name: name, Payload: payload, Elapsed: elapsed}
	case <-execCtx.Done():
		r.logger.Warn("tool invocation timed out", "tool", name, "call_id", call.CallID,
			"timeout_ms", timeout.Milliseconds())
		return r.failed(call, started, cat, "timeout")
	}
}

// InvokeAsync runs the invocation on its own goroutine and hands the result
// to deliver. deliver must route the result back through the session's event
// inbox; it is called from the dispatcher goroutine, never the session actor.
func (r *Registry) InvokeAsync(ctx context.Context, call PendingCall, deliver func(Result)) {
	go func() {
		deliver(r.Invoke(ctx, call))
	}()
}

func (r *Registry) failed(call PendingCall, started time.Time, cat Category, code string) Result {
	return Result{
		CallID:  call.CallID,
		Name:    strings.TrimSpace(call.Name),
		Failed:  true,
		Payload: Fallback{Error: code, Message: FallbackMessage(cat)},
		Elapsed: time.Since(started),
	}
}
