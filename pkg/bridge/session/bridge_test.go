package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/vango-go/voicebridge/pkg/bridge/calllog"
	"github.com/vango-go/voicebridge/pkg/bridge/engine"
	"github.com/vango-go/voicebridge/pkg/bridge/prompt"
	"github.com/vango-go/voicebridge/pkg/bridge/tools"
	"github.com/vango-go/voicebridge/pkg/bridge/turn"
)

var errConnClosed = errors.New("use of closed connection")

type telIn struct {
	mt   int
	data []byte
	err  error
}

type fakeTelConn struct {
	in        chan telIn
	closed    chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	written [][]byte
}

func newFakeTelConn() *fakeTelConn {
	return &fakeTelConn{
		in:     make(chan telIn, 64),
		closed: make(chan struct{}),
	}
}

func (f *fakeTelConn) ReadMessage() (int, []byte, error) {
	select {
	case m := <-f.in:
		if m.err != nil {
			return 0, nil, m.err
		}
		return m.mt, m.data, nil
	case <-f.closed:
		return 0, nil, errConnClosed
	}
}

func (f *fakeTelConn) feedJSON(t *testing.T, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	f.in <- telIn{mt: 1, data: data}
}

func (f *fakeTelConn) feedRaw(raw string) {
	f.in <- telIn{mt: 1, data: []byte(raw)}
}

func (f *fakeTelConn) hangup() {
	f.in <- telIn{err: errConnClosed}
}

func (f *fakeTelConn) SetReadLimit(int64)                {}
func (f *fakeTelConn) SetReadDeadline(time.Time) error   { return nil }
func (f *fakeTelConn) SetPongHandler(func(string) error) {}
func (f *fakeTelConn) SetWriteDeadline(time.Time) error  { return nil }

func (f *fakeTelConn) WriteMessage(_ int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	f.written = append(f.written, buf)
	return nil
}

func (f *fakeTelConn) WriteControl(int, []byte, time.Time) error { return nil }

func (f *fakeTelConn) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTelConn) writtenEvents() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var events []string
	for _, raw := range f.written {
		var envelope struct {
			Event string `json:"event"`
		}
		if json.Unmarshal(raw, &envelope) == nil {
			events = append(events, envelope.Event)
		}
	}
	return events
}

type fakeEngine struct {
	events  chan any
	autoAck bool

	mu          sync.Mutex
	updates     []engine.SessionConfig
	appends     [][]byte
	creates     int
	cancels     int
	clears      int
	toolOutputs []string
	textItems   []string
	mode        engine.ItemContentMode
}

func newFakeEngine(autoAck bool) *fakeEngine {
	return &fakeEngine{
		events:  make(chan any, 64),
		autoAck: autoAck,
		mode:    engine.ContentModeInputText,
	}
}

func (f *fakeEngine) push(ev any) { f.events <- ev }

func (f *fakeEngine) Events() <-chan any { return f.events }

func (f *fakeEngine) UpdateSession(_ context.Context, cfg engine.SessionConfig) error {
	f.mu.Lock()
	f.updates = append(f.updates, cfg)
	f.mu.Unlock()
	if f.autoAck {
		f.events <- engine.SessionUpdated{}
	}
	return nil
}

func (f *fakeEngine) AppendAudio(_ context.Context, audio []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	buf := make([]byte, len(audio))
	copy(buf, audio)
	f.appends = append(f.appends, buf)
	return nil
}

func (f *fakeEngine) ClearInputBuffer(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clears++
	return nil
}

func (f *fakeEngine) CreateResponse(context.Context, map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	return nil
}

func (f *fakeEngine) CancelResponse(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels++
	return nil
}

func (f *fakeEngine) CreateToolOutput(_ context.Context, callID, output string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.toolOutputs = append(f.toolOutputs, callID+":"+output)
	return nil
}

func (f *fakeEngine) CreateUserTextItem(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.textItems = append(f.textItems, text)
	return nil
}

func (f *fakeEngine) ContentMode() engine.ItemContentMode { return f.mode }

func (f *fakeEngine) FlipContentMode() engine.ItemContentMode {
	if f.mode == engine.ContentModeInputText {
		f.mode = engine.ContentModeText
	} else {
		f.mode = engine.ContentModeInputText
	}
	return f.mode
}

func (f *fakeEngine) Close() error { return nil }

func (f *fakeEngine) updateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.updates)
}

func (f *fakeEngine) createCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates
}

func (f *fakeEngine) appendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.appends)
}

func (f *fakeEngine) cancelCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancels
}

func (f *fakeEngine) toolOutputCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.toolOutputs)
}

type fakeRecorder struct {
	mu        sync.Mutex
	summaries []calllog.CallSummary
}

func (r *fakeRecorder) Record(s calllog.CallSummary) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summaries = append(r.summaries, s)
}

func (r *fakeRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.summaries)
}

func (r *fakeRecorder) last() calllog.CallSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.summaries) == 0 {
		return calllog.CallSummary{}
	}
	return r.summaries[len(r.summaries)-1]
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(sink{}, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

type sink struct{}

func (sink) Write(p []byte) (int, error) { return len(p), nil }

func testConfig() Config {
	return Config{
		EngineSampleRate:      16000,
		ConfigureTimeout:      500 * time.Millisecond,
		StartTimeout:          time.Second,
		MaxFrameDuration:      200 * time.Millisecond,
		BackpressureThreshold: 400 * time.Millisecond,
		SilencePadDuration:    100 * time.Millisecond,
		Turn: turn.Config{
			BargeInDebounce:   50 * time.Millisecond,
			WatchdogThreshold: 10 * time.Second,
			SoftFinalizeGrace: 5 * time.Second,
			IdleNudgeAfter:    30 * time.Second,
		},
	}
}

type harness struct {
	tel      *fakeTelConn
	eng      *fakeEngine
	recorder *fakeRecorder
	bridge   *Bridge
	done     chan error
	ended    bool
}

func startHarness(t *testing.T, eng *fakeEngine, reg *tools.Registry) *harness {
	t.Helper()
	return startHarnessCfg(t, eng, reg, testConfig())
}

func startHarnessCfg(t *testing.T, eng *fakeEngine, reg *tools.Registry, cfg Config) *harness {
	t.Helper()
	tel := newFakeTelConn()
	recorder := &fakeRecorder{}

	b, err := New(Dependencies{
		Conn:    tel,
		Dial:    func(context.Context) (EngineLink, error) { return eng, nil },
		Prompt:  prompt.NewResolver(nil, quietLogger()),
		Tools:   reg,
		CallLog: recorder,
		Logger:  quietLogger(),
		Config:  cfg,
	})
	if err != nil {
		t.Fatal(err)
	}

	h := &harness{tel: tel, eng: eng, recorder: recorder, bridge: b, done: make(chan error, 1)}
	go func() { h.done <- b.Run() }()
	t.Cleanup(func() {
		if h.ended {
			return
		}
		b.Hangup()
		select {
		case <-h.done:
		case <-time.After(2 * time.Second):
			t.Error("bridge did not shut down")
		}
	})
	return h
}

func (h *harness) startCall(t *testing.T) {
	t.Helper()
	h.tel.feedRaw(`{"event":"connected","protocol":"media","version":"1.0"}`)
	h.tel.feedJSON(t, map[string]any{
		"event":     "start",
		"stream_id": "MZ1",
		"call_id":   "CA1",
		"caller":    "+15551230001",
		"callee":    "+15551230002",
		"direction": "inbound",
		"media_format": map[string]any{
			"encoding":       "audio/x-mulaw",
			"sample_rate_hz": 8000,
			"channels":       1,
		},
	})
}

func (h *harness) awaitDone(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.done:
		h.ended = true
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("bridge did not finish")
		return nil
	}
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestBridgeConfiguresThenGreets(t *testing.T) {
	eng := newFakeEngine(true)
	h := startHarness(t, eng, nil)
	h.startCall(t)

	waitUntil(t, "session configure", func() bool {
		eng.mu.Lock()
		defer eng.mu.Unlock()
		return len(eng.updates) == 1
	})
	eng.mu.Lock()
	cfg := eng.updates[0]
	eng.mu.Unlock()
	if cfg.Instructions == "" {
		t.Fatal("configured without instructions")
	}
	if cfg.InputAudioFormat != "pcm16" || cfg.OutputAudioFormat != "pcm16" {
		t.Fatalf("audio formats = %q/%q", cfg.InputAudioFormat, cfg.OutputAudioFormat)
	}
	if cfg.TurnDetection == nil || cfg.TurnDetection.Type != "server_vad" {
		t.Fatal("turn detection not configured")
	}

	waitUntil(t, "greeting response", func() bool { return eng.createCount() == 1 })

	h.tel.feedJSON(t, map[string]any{"event": "stop", "call_id": "CA1", "reason": "hangup"})
	if err := h.awaitDone(t); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if h.recorder.count() != 1 {
		t.Fatalf("summaries = %d, want 1", h.recorder.count())
	}
	summary := h.recorder.last()
	if summary.Outcome != calllog.OutcomeCallerHangup {
		t.Fatalf("outcome = %s", summary.Outcome)
	}
	if summary.CallID != "CA1" || summary.Caller != "+15551230001" {
		t.Fatalf("summary identity = %+v", summary)
	}
}

func TestCallerAudioBufferedUntilConfigured(t *testing.T) {
	eng := newFakeEngine(false)
	h := startHarness(t, eng, nil)
	h.startCall(t)

	waitUntil(t, "session configure", func() bool {
		eng.mu.Lock()
		defer eng.mu.Unlock()
		return len(eng.updates) == 1
	})

	frame := base64.StdEncoding.EncodeToString(make([]byte, 160))
	h.tel.feedJSON(t, map[string]any{"event": "media", "payload": frame})
	h.tel.feedJSON(t, map[string]any{"event": "media", "payload": frame})

	time.Sleep(50 * time.Millisecond)
	if n := eng.appendCount(); n != 0 {
		t.Fatalf("audio relayed before configure ack: %d appends", n)
	}

	eng.push(engine.SessionUpdated{})
	waitUntil(t, "buffered audio flush", func() bool { return eng.appendCount() == 2 })

	// Engine gets pcm16 at 16 kHz: 160 mulaw bytes become 640 bytes.
	eng.mu.Lock()
	got := len(eng.appends[0])
	eng.mu.Unlock()
	if got != 640 {
		t.Fatalf("converted frame size = %d, want 640", got)
	}
}

func TestStopCancelsInFlightResponse(t *testing.T) {
	eng := newFakeEngine(true)
	h := startHarness(t, eng, nil)
	h.startCall(t)

	waitUntil(t, "greeting response", func() bool { return eng.createCount() == 1 })
	eng.push(engine.ResponseCreated{ResponseID: "resp_1"})

	h.tel.feedJSON(t, map[string]any{"event": "stop", "call_id": "CA1"})
	if err := h.awaitDone(t); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if eng.cancelCount() != 1 {
		t.Fatalf("cancels = %d, want 1", eng.cancelCount())
	}
}

func TestToolResultTriggersExactlyOneFollowUp(t *testing.T) {
	reg, err := tools.NewRegistry(quietLogger(), time.Second, &tools.FuncExecutor{
		ToolName: "lookup_order",
		Fn: func(context.Context, map[string]any) (any, error) {
			return map[string]any{"status": "shipped"}, nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	eng := newFakeEngine(true)
	h := startHarness(t, eng, reg)
	h.startCall(t)

	waitUntil(t, "greeting response", func() bool { return eng.createCount() == 1 })
	eng.push(engine.ResponseCreated{ResponseID: "resp_1"})
	eng.push(engine.ToolCallRequested{CallID: "tc_1", Name: "lookup_order", Arguments: json.RawMessage(`{}`)})

	waitUntil(t, "tool output", func() bool { return eng.toolOutputCount() == 1 })
	eng.mu.Lock()
	out := eng.toolOutputs[0]
	eng.mu.Unlock()
	if out != `tc_1:{"status":"shipped"}` {
		t.Fatalf("tool output = %q", out)
	}

	// Follow-up is queued behind the in-flight greeting turn and issued only
	// once that turn completes.
	time.Sleep(50 * time.Millisecond)
	if n := eng.createCount(); n != 1 {
		t.Fatalf("follow-up issued while turn in flight: creates = %d", n)
	}
	eng.push(engine.ResponseDone{ResponseID: "resp_1", Status: "completed"})
	waitUntil(t, "follow-up response", func() bool { return eng.createCount() == 2 })
}

func TestTranscriptAccumulatesInCallOrder(t *testing.T) {
	eng := newFakeEngine(true)
	h := startHarness(t, eng, nil)
	h.startCall(t)

	waitUntil(t, "greeting response", func() bool { return eng.createCount() == 1 })
	eng.push(engine.InputTranscriptionCompleted{ItemID: "item_1", Transcript: "hi there"})
	eng.push(engine.ResponseCreated{ResponseID: "resp_1"})
	eng.push(engine.ResponseTranscriptDone{ResponseID: "resp_1", Transcript: "hello, how can I help?"})
	eng.push(engine.ResponseDone{ResponseID: "resp_1", Status: "completed"})

	waitUntil(t, "trailing silence", func() bool {
		for _, ev := range h.tel.writtenEvents() {
			if ev == "mark" {
				return true
			}
		}
		return false
	})

	h.tel.feedJSON(t, map[string]any{"event": "stop", "call_id": "CA1"})
	if err := h.awaitDone(t); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	summary := h.recorder.last()
	if summary.Turns != 1 {
		t.Fatalf("turns = %d, want 1", summary.Turns)
	}
	if len(summary.Transcript) != 2 {
		t.Fatalf("transcript entries = %d, want 2", len(summary.Transcript))
	}
	if summary.Transcript[0].Role != "user" || summary.Transcript[0].Text != "hi there" {
		t.Fatalf("first entry = %+v", summary.Transcript[0])
	}
	if summary.Transcript[1].Role != "assistant" {
		t.Fatalf("second entry = %+v", summary.Transcript[1])
	}
}

func TestDrainWaitsForInFlightTurn(t *testing.T) {
	eng := newFakeEngine(true)
	h := startHarness(t, eng, nil)
	h.startCall(t)

	waitUntil(t, "greeting response", func() bool { return eng.createCount() == 1 })
	eng.push(engine.ResponseCreated{ResponseID: "resp_1"})

	if err := h.bridge.Drain("shutdown"); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-h.done:
		t.Fatalf("bridge ended mid-turn: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	eng.push(engine.ResponseDone{ResponseID: "resp_1", Status: "completed"})
	if err := h.awaitDone(t); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if h.recorder.last().Outcome != calllog.OutcomeCompleted {
		t.Fatalf("outcome = %s", h.recorder.last().Outcome)
	}
}

func TestDisallowedCalleeIsRejectedBeforeDial(t *testing.T) {
	eng := newFakeEngine(true)
	cfg := testConfig()
	cfg.AllowedCallees = map[string]struct{}{"+15559990000": {}}
	h := startHarnessCfg(t, eng, nil, cfg)
	h.startCall(t)

	if err := h.awaitDone(t); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := h.recorder.last().Outcome; got != calllog.OutcomeRejected {
		t.Fatalf("outcome = %s, want %s", got, calllog.OutcomeRejected)
	}
	if eng.updateCount() != 0 {
		t.Fatalf("engine session configured for a rejected callee")
	}
}

func TestCarrierHangupClassifiedAsCallerHangup(t *testing.T) {
	eng := newFakeEngine(true)
	h := startHarness(t, eng, nil)
	h.startCall(t)

	waitUntil(t, "greeting response", func() bool { return eng.createCount() == 1 })
	h.tel.hangup()

	if err := h.awaitDone(t); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if h.recorder.last().Outcome != calllog.OutcomeCallerHangup {
		t.Fatalf("outcome = %s", h.recorder.last().Outcome)
	}
}

func TestBargeInCancelNotDelayedByLongAudioDelta(t *testing.T) {
	eng := newFakeEngine(true)
	h := startHarness(t, eng, nil)
	h.startCall(t)

	waitUntil(t, "greeting response", func() bool { return eng.createCount() == 1 })
	eng.push(engine.ResponseCreated{ResponseID: "resp_1"})

	// Four seconds of assistant speech in a single delta. The engine leg is
	// pcm16 at 16 kHz, so this becomes 4 s of mulaw toward the carrier; the
	// writer paces it out while the actor keeps handling events.
	delta := make([]byte, 4*16000*2)
	eng.push(engine.ResponseAudioDelta{ResponseID: "resp_1", Audio: delta})

	issued := time.Now()
	eng.push(engine.SpeechStarted{})

	waitUntil(t, "barge-in cancel", func() bool { return eng.cancelCount() == 1 })
	if elapsed := time.Since(issued); elapsed > time.Second {
		t.Fatalf("cancel took %v, pacing must not stall the debounce", elapsed)
	}
	waitUntil(t, "clear toward carrier", func() bool {
		for _, ev := range h.tel.writtenEvents() {
			if ev == "clear" {
				return true
			}
		}
		return false
	})
}

func TestConfigureRejectionRetriesWithMinimalInstructions(t *testing.T) {
	eng := newFakeEngine(false)
	h := startHarness(t, eng, nil)
	h.startCall(t)

	waitUntil(t, "session configure", func() bool { return eng.updateCount() == 1 })
	eng.push(engine.EngineError{Type: "error", Code: "invalid_request_error", Message: "bad session config"})

	waitUntil(t, "minimal config retry", func() bool { return eng.updateCount() == 2 })
	eng.mu.Lock()
	retry := eng.updates[1]
	eng.mu.Unlock()
	if retry.Instructions == "" {
		t.Fatal("retry carried no instructions")
	}
	if retry.TurnDetection == nil {
		t.Fatal("retry dropped turn detection")
	}

	eng.push(engine.SessionUpdated{})
	waitUntil(t, "greeting response", func() bool { return eng.createCount() == 1 })

	h.tel.feedJSON(t, map[string]any{"event": "stop", "call_id": "CA1"})
	if err := h.awaitDone(t); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := h.recorder.last().Outcome; got != calllog.OutcomeCallerHangup {
		t.Fatalf("outcome = %s, configure rejection must not fail the call", got)
	}
}

func TestConfigureDoubleRejectionProceedsDegraded(t *testing.T) {
	eng := newFakeEngine(false)
	h := startHarness(t, eng, nil)
	h.startCall(t)

	waitUntil(t, "session configure", func() bool { return eng.updateCount() == 1 })
	eng.push(engine.EngineError{Code: "invalid_request_error", Message: "bad session config"})
	waitUntil(t, "minimal config retry", func() bool { return eng.updateCount() == 2 })
	eng.push(engine.EngineError{Code: "invalid_request_error", Message: "still bad"})

	// The call proceeds without an acknowledged config instead of tearing down.
	waitUntil(t, "greeting response", func() bool { return eng.createCount() == 1 })
	if n := eng.updateCount(); n != 2 {
		t.Fatalf("updates = %d, want exactly one retry", n)
	}
}

func TestDrainGraceBoundsStuckTurn(t *testing.T) {
	eng := newFakeEngine(true)
	cfg := testConfig()
	cfg.ShutdownGrace = 100 * time.Millisecond
	h := startHarnessCfg(t, eng, nil, cfg)
	h.startCall(t)

	waitUntil(t, "greeting response", func() bool { return eng.createCount() == 1 })
	eng.push(engine.ResponseCreated{ResponseID: "resp_1"})

	if err := h.bridge.Drain("shutdown"); err != nil {
		t.Fatal(err)
	}
	// The turn never completes; the grace timer must end the call anyway.
	if err := h.awaitDone(t); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if eng.cancelCount() != 1 {
		t.Fatalf("cancels = %d, want the stuck turn cancelled on expiry", eng.cancelCount())
	}
}

func TestEngineDisconnectIsEngineFailure(t *testing.T) {
	eng := newFakeEngine(true)
	h := startHarness(t, eng, nil)
	h.startCall(t)

	waitUntil(t, "greeting response", func() bool { return eng.createCount() == 1 })
	close(eng.events)

	err := h.awaitDone(t)
	if err == nil {
		t.Fatal("expected error on engine disconnect")
	}
	if h.recorder.last().Outcome != calllog.OutcomeEngineFailure {
		t.Fatalf("outcome = %s", h.recorder.last().Outcome)
	}
}
