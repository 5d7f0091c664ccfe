// Package session bridges one telephone call to one realtime speech engine
// session. A single goroutine owns all call state and selects over the
// telephony read channel, the engine event channel, the tool-result inbox,
// and the turn scheduler's deadline timer. Everything that crosses a
// goroutine boundary does so through a channel.
package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vango-go/voicebridge/pkg/bridge/calllog"
	"github.com/vango-go/voicebridge/pkg/bridge/engine"
	"github.com/vango-go/voicebridge/pkg/bridge/metrics"
	"github.com/vango-go/voicebridge/pkg/bridge/prompt"
	"github.com/vango-go/voicebridge/pkg/bridge/telephony"
	"github.com/vango-go/voicebridge/pkg/bridge/tools"
	"github.com/vango-go/voicebridge/pkg/bridge/turn"
)

const (
	maxCanceledResponseIDs    = 64
	outboundPriorityQueueSize = 8
)

var errBackpressure = errors.New("telephony outbound backpressure")

// telephonyConn is the carrier-leg socket surface the bridge needs. A
// *websocket.Conn satisfies it.
type telephonyConn interface {
	wsWriter
	ReadMessage() (int, []byte, error)
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(string) error)
}

// EngineLink is the engine-leg surface the bridge needs. *engine.Conn
// satisfies it; tests substitute a fake.
type EngineLink interface {
	Events() <-chan any
	UpdateSession(ctx context.Context, cfg engine.SessionConfig) error
	AppendAudio(ctx context.Context, audio []byte) error
	ClearInputBuffer(ctx context.Context) error
	CreateResponse(ctx context.Context, params map[string]any) error
	CancelResponse(ctx context.Context) error
	CreateToolOutput(ctx context.Context, callID, output string) error
	CreateUserTextItem(ctx context.Context, text string) error
	ContentMode() engine.ItemContentMode
	FlipContentMode() engine.ItemContentMode
	Close() error
}

type Config struct {
	EngineVoice        string
	EngineSampleRate   int // 8000 => g711_ulaw passthrough, 16000 => pcm16
	TranscriptionModel string
	Temperature        float64

	VADThreshold   float64
	VADSilenceMS   int
	VADPrefixPadMS int

	// Callee numbers this deployment serves. Empty means all are accepted.
	AllowedCallees map[string]struct{}

	ConfigureTimeout time.Duration
	StartTimeout     time.Duration
	PingInterval     time.Duration
	WriteTimeout     time.Duration
	MaxMessageBytes  int64

	MaxFrameDuration      time.Duration
	BackpressureThreshold time.Duration
	SilencePadDuration    time.Duration

	Turn turn.Config

	OutboundQueueSize int
	ShutdownGrace     time.Duration
}

type Dependencies struct {
	Conn    telephonyConn
	Dial    func(ctx context.Context) (EngineLink, error)
	Prompt  *prompt.Resolver
	Tools   *tools.Registry
	CallLog calllog.Recorder
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Config  Config
	Now     func() time.Time
}

// Bridge is one call's actor.
type Bridge struct {
	conn    telephonyConn
	dial    func(ctx context.Context) (EngineLink, error)
	prompt  *prompt.Resolver
	tools   *tools.Registry
	callLog calllog.Recorder
	metrics *metrics.Metrics
	logger  *slog.Logger
	cfg     Config
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	outboundPriority chan outboundFrame
	outboundNormal   chan outboundFrame

	canceledResponses atomic.Value // canceledResponseState
	markCounter       atomic.Int64

	drainCh   chan string
	drainOnce sync.Once

	summaryOnce sync.Once

	// Telephony-side negotiated format, set once start arrives.
	callID    string
	streamID  string
	caller    string
	callee    string
	direction string
	format    telephony.MediaFormat

	// Playout clock: how far into the future audio already written to the
	// caller reaches. The writer advances it per frame and paces against it;
	// the actor only resets it on barge-in.
	playout playoutClock

	// Actor-owned; only the Run goroutine touches it.
	currentResponse string
}

type canceledResponseState struct {
	set   map[string]struct{}
	order []string
}

type telFrame struct {
	messageType int
	data        []byte
	err         error
}

type transcriptEntry struct {
	role string
	text string
	at   time.Time
}

func New(deps Dependencies) (*Bridge, error) {
	if deps.Conn == nil {
		return nil, fmt.Errorf("telephony connection is required")
	}
	if deps.Dial == nil {
		return nil, fmt.Errorf("engine dialer is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.CallLog == nil {
		deps.CallLog = calllog.Noop{}
	}
	if deps.Prompt == nil {
		deps.Prompt = prompt.NewResolver(nil, deps.Logger)
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Config.EngineSampleRate == 0 {
		deps.Config.EngineSampleRate = 16000
	}
	if deps.Config.EngineSampleRate != 8000 && deps.Config.EngineSampleRate != 16000 {
		return nil, fmt.Errorf("unsupported engine sample rate %d", deps.Config.EngineSampleRate)
	}
	if deps.Config.ConfigureTimeout <= 0 {
		deps.Config.ConfigureTimeout = 5 * time.Second
	}
	if deps.Config.StartTimeout <= 0 {
		deps.Config.StartTimeout = 10 * time.Second
	}
	if deps.Config.MaxFrameDuration <= 0 {
		deps.Config.MaxFrameDuration = 200 * time.Millisecond
	}
	if deps.Config.BackpressureThreshold <= 0 {
		deps.Config.BackpressureThreshold = 400 * time.Millisecond
	}
	if deps.Config.SilencePadDuration < 0 {
		deps.Config.SilencePadDuration = 0
	}
	if deps.Config.OutboundQueueSize <= 0 {
		deps.Config.OutboundQueueSize = 128
	}
	if deps.Config.ShutdownGrace <= 0 {
		deps.Config.ShutdownGrace = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		conn:             deps.Conn,
		dial:             deps.Dial,
		prompt:           deps.Prompt,
		tools:            deps.Tools,
		callLog:          deps.CallLog,
		metrics:          deps.Metrics,
		logger:           deps.Logger,
		cfg:              deps.Config,
		now:              deps.Now,
		ctx:              ctx,
		cancel:           cancel,
		outboundPriority: make(chan outboundFrame, outboundPriorityQueueSize),
		outboundNormal:   make(chan outboundFrame, deps.Config.OutboundQueueSize),
		drainCh:          make(chan string, 1),
	}
	b.canceledResponses.Store(canceledResponseState{set: make(map[string]struct{})})
	return b, nil
}

// Hangup tears the call down immediately. Safe from any goroutine.
func (b *Bridge) Hangup() { b.cancel() }

// Drain asks the bridge to finish the current turn and end the call. Safe
// from any goroutine; only the first call has effect.
func (b *Bridge) Drain(reason string) error {
	b.drainOnce.Do(func() { b.drainCh <- reason })
	return nil
}

// CallID is empty until the carrier's start message arrives.
func (b *Bridge) CallID() string { return b.callID }

func (b *Bridge) Run() error {
	defer b.cancel()

	startTime := b.now()
	b.metrics.RecordCallStart()

	if b.cfg.MaxMessageBytes > 0 {
		b.conn.SetReadLimit(b.cfg.MaxMessageBytes)
	}

	readCh := make(chan telFrame, 64)
	go b.readLoop(readCh)

	start, err := b.awaitStart(readCh)
	if err != nil {
		b.recordSummary(startTime, calllog.OutcomeTimeout, "", nil, nil, 0)
		return err
	}
	b.callID = start.CallID
	b.streamID = start.StreamID
	b.caller = start.Caller
	b.callee = start.Callee
	b.direction = start.Direction
	b.format = start.MediaFormat

	logger := b.logger.With("call_id", b.callID, "stream_id", b.streamID)
	logger.Info("call started", "caller", b.caller, "callee", b.callee, "direction", b.direction,
		"encoding", b.format.Encoding, "sample_rate", b.format.SampleRateHz)

	if len(b.cfg.AllowedCallees) > 0 {
		if _, ok := b.cfg.AllowedCallees[b.callee]; !ok {
			logger.Warn("callee not served by this deployment, hanging up")
			b.recordSummary(startTime, calllog.OutcomeRejected, "", nil, nil, 0)
			return nil
		}
	}

	dialCtx, dialCancel := context.WithTimeout(b.ctx, b.cfg.ConfigureTimeout+b.cfg.StartTimeout)
	link, err := b.dial(dialCtx)
	dialCancel()
	if err != nil {
		logger.Error("engine dial failed", "error", err)
		b.metrics.RecordError("engine", "dial")
		b.recordSummary(startTime, calllog.OutcomeEngineFailure, "", nil, nil, 0)
		return fmt.Errorf("dial engine: %w", err)
	}
	defer link.Close()

	writerErrCh := make(chan error, 1)
	go func() {
		w := outboundWriter{
			ws:           b.conn,
			ctx:          b.ctx,
			pingInterval: b.cfg.PingInterval,
			writeTimeout: b.cfg.WriteTimeout,
			priority:     b.outboundPriority,
			normal:       b.outboundNormal,
			isCanceled:   b.isResponseCanceled,
			playout:      &b.playout,
			threshold:    b.cfg.BackpressureThreshold,
			now:          b.now,
			onPaced:      b.metrics.RecordBackpressureWait,
		}
		writerErrCh <- w.Run()
		close(writerErrCh)
	}()

	flushAndClose := func() {
		b.cancel()
		wait := 100 * time.Millisecond
		if b.cfg.WriteTimeout > 0 && b.cfg.WriteTimeout < wait {
			wait = b.cfg.WriteTimeout
		}
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-writerErrCh:
		case <-timer.C:
		}
	}
	defer flushAndClose()

	sched := turn.NewScheduler(
		&schedulerSender{b: b, link: link},
		turn.Hooks{
			OnBargeInCancel: func() {
				b.cancelResponseAudio(b.currentResponse)
				b.sendClear()
				b.playout.reset()
				b.metrics.RecordBargeIn()
				logger.Info("assistant turn cancelled by caller speech")
			},
			OnForcedComplete: func(reason string) {
				logger.Warn("turn force-completed", "reason", reason)
				b.metrics.RecordError("engine", "forced_"+reason)
			},
			OnNudge: func() {
				logger.Debug("idle nudge issued")
			},
		},
		logger, b.now, b.cfg.Turn,
	)

	// Configure-before-audio: caller frames that arrive while the prompt is
	// resolved and the engine acknowledges the session config are buffered
	// and flushed in order once configured.
	cc := prompt.CallContext{
		CallID:    b.callID,
		Caller:    b.caller,
		Callee:    b.callee,
		Direction: b.direction,
		Custom:    start.CustomParameters,
	}
	promptCtx, promptCancel := context.WithTimeout(b.ctx, b.cfg.ConfigureTimeout)
	instructions, promptSource := b.prompt.Resolve(promptCtx, cc)
	promptCancel()

	sessionCfg := engine.SessionConfig{
		Instructions:       instructions,
		Voice:              b.cfg.EngineVoice,
		InputAudioFormat:   b.engineAudioFormat(),
		OutputAudioFormat:  b.engineAudioFormat(),
		TranscriptionModel: b.cfg.TranscriptionModel,
		Temperature:        b.cfg.Temperature,
		TurnDetection: &engine.TurnDetection{
			Type:              "server_vad",
			Threshold:         b.cfg.VADThreshold,
			SilenceDurationMS: b.cfg.VADSilenceMS,
			PrefixPaddingMS:   b.cfg.VADPrefixPadMS,
		},
		Tools: b.tools.Definitions(),
	}
	if err := link.UpdateSession(b.ctx, sessionCfg); err != nil {
		logger.Error("session configure failed", "error", err)
		b.metrics.RecordError("engine", "configure")
		b.recordSummary(startTime, calllog.OutcomeEngineFailure, string(promptSource), nil, nil, 0)
		return fmt.Errorf("configure engine session: %w", err)
	}

	fallbackCfg := sessionCfg
	fallbackCfg.Instructions = b.prompt.Minimal(cc)
	pendingAudio, cfgErr := b.awaitConfigured(readCh, link, fallbackCfg)
	if cfgErr != nil {
		b.recordSummary(startTime, calllog.OutcomeEngineFailure, string(promptSource), nil, nil, 0)
		return cfgErr
	}
	logger.Info("session configured", "prompt_source", promptSource, "buffered_frames", len(pendingAudio))
	for _, audio := range pendingAudio {
		if err := b.relayCallerAudio(link, audio); err != nil {
			logger.Warn("buffered audio relay failed", "error", err)
			break
		}
	}

	// Greeting turn.
	sched.RequestResponse(nil)

	toolResultCh := make(chan tools.Result, 8)

	var (
		transcript        []transcriptEntry
		toolRecords       []calllog.ToolRecord
		turnsCompleted    int
		assistantPartial  strings.Builder
		turnIssuedAt      time.Time
		firstAudioSeen    bool
		unknownEvents     int
		draining          bool
		lastTextItem      string
		textItemRetried   bool
		schedTimer        *time.Timer
		schedTimerActive  bool
		drainTimer        *time.Timer
		drainTimerActive  bool
		pendingToolsCount int
	)

	stopTimer := func(t **time.Timer, active *bool) {
		if *t == nil {
			return
		}
		if !(*t).Stop() {
			select {
			case <-(*t).C:
			default:
			}
		}
		*active = false
	}
	resetTimer := func(t **time.Timer, active *bool, d time.Duration) {
		if d < 0 {
			d = 0
		}
		if *t == nil {
			*t = time.NewTimer(d)
			*active = true
			return
		}
		if !(*t).Stop() {
			select {
			case <-(*t).C:
			default:
			}
		}
		(*t).Reset(d)
		*active = true
	}
	rearmSchedTimer := func() {
		if deadline, ok := sched.NextDeadline(); ok {
			resetTimer(&schedTimer, &schedTimerActive, deadline.Sub(b.now()))
			return
		}
		stopTimer(&schedTimer, &schedTimerActive)
	}
	schedTimerCh := func() <-chan time.Time {
		if !schedTimerActive || schedTimer == nil {
			return nil
		}
		return schedTimer.C
	}
	drainTimerCh := func() <-chan time.Time {
		if !drainTimerActive || drainTimer == nil {
			return nil
		}
		return drainTimer.C
	}
	defer func() {
		if schedTimer != nil {
			schedTimer.Stop()
		}
		if drainTimer != nil {
			drainTimer.Stop()
		}
	}()

	finishTurn := func(status string) {
		if status == "completed" {
			turnsCompleted++
			b.sendTrailingSilence()
		}
		b.currentResponse = ""
		assistantPartial.Reset()
		firstAudioSeen = false
	}

	outcome := calllog.OutcomeCompleted
	var runErr error

	rearmSchedTimer()

loop:
	for {
		select {
		case <-b.ctx.Done():
			break loop

		case err := <-writerErrCh:
			if err != nil {
				logger.Warn("telephony writer failed", "error", err)
				b.metrics.RecordError("telephony", "write")
				outcome = calllog.OutcomeCallerHangup
				runErr = err
			}
			break loop

		case reason := <-b.drainCh:
			logger.Info("drain requested", "reason", reason)
			draining = true
			if !sched.ResponseInProgress() && pendingToolsCount == 0 {
				break loop
			}
			// Bound how long a stuck turn can hold the drain open.
			resetTimer(&drainTimer, &drainTimerActive, b.cfg.ShutdownGrace)

		case <-drainTimerCh():
			drainTimerActive = false
			logger.Warn("drain grace expired with a turn still open, ending call")
			if sched.ResponseInProgress() {
				_ = link.CancelResponse(b.ctx)
			}
			break loop

		case frame, ok := <-readCh:
			if !ok || frame.err != nil {
				if frame.err != nil {
					logger.Info("telephony leg closed", "error", frame.err)
				}
				outcome = calllog.OutcomeCallerHangup
				if sched.ResponseInProgress() {
					_ = link.CancelResponse(b.ctx)
				}
				break loop
			}
			msg, decErr := telephony.DecodeInboundMessage(frame.data)
			if decErr != nil {
				logger.Warn("undecodable carrier frame", "error", decErr)
				b.metrics.RecordError("telephony", "decode")
				continue
			}
			switch m := msg.(type) {
			case telephony.MediaMessage:
				audio, err := base64.StdEncoding.DecodeString(m.Payload)
				if err != nil {
					logger.Warn("invalid media payload encoding")
					b.metrics.RecordError("telephony", "decode")
					continue
				}
				b.metrics.RecordAudio("inbound", len(audio))
				if err := b.relayCallerAudio(link, audio); err != nil {
					logger.Error("caller audio relay failed", "error", err)
					b.metrics.RecordError("engine", "append")
					outcome = calllog.OutcomeEngineFailure
					runErr = err
					break loop
				}
			case telephony.StopMessage:
				logger.Info("carrier stopped the stream", "reason", m.Reason)
				outcome = calllog.OutcomeCallerHangup
				if sched.ResponseInProgress() {
					_ = link.CancelResponse(b.ctx)
				}
				break loop
			case telephony.MarkMessage:
				// Playback acknowledgment; the horizon estimate self-corrects,
				// nothing to do beyond tracing.
				logger.Debug("mark acknowledged", "name", m.Name)
			case telephony.DTMFMessage:
				digit := strings.TrimSpace(m.Digit)
				if digit == "" {
					continue
				}
				text := "The caller pressed the " + digit + " key."
				lastTextItem = text
				textItemRetried = false
				if err := link.CreateUserTextItem(b.ctx, text); err != nil {
					logger.Warn("dtmf item failed", "error", err)
				} else {
					sched.RequestResponse(nil)
				}
			case telephony.ConnectedMessage:
				// Duplicate connected after start; ignore.
			}

		case ev, ok := <-link.Events():
			if !ok {
				logger.Error("engine leg closed")
				b.metrics.RecordError("engine", "disconnect")
				outcome = calllog.OutcomeEngineFailure
				runErr = errors.New("engine connection lost")
				break loop
			}
			switch e := ev.(type) {
			case engine.SessionCreated, engine.SessionUpdated:
				// Configure already settled; late acks are harmless.
			case engine.ResponseCreated:
				b.currentResponse = e.ResponseID
				turnIssuedAt = b.now()
				firstAudioSeen = false
				sched.OnResponseStarted()
			case engine.ResponseAudioDelta:
				sched.OnResponseActivity()
				if b.isResponseCanceled(e.ResponseID) {
					continue
				}
				if !firstAudioSeen {
					firstAudioSeen = true
					if !turnIssuedAt.IsZero() {
						b.metrics.RecordTurnFirstAudio(b.now().Sub(turnIssuedAt))
					}
				}
				if err := b.relayAssistantAudio(e.ResponseID, e.Audio); err != nil {
					logger.Warn("assistant audio frame dropped", "error", err)
					b.metrics.RecordError("telephony", "backpressure_drop")
				}
			case engine.ResponseAudioDone:
				sched.OnResponseActivity()
			case engine.ResponseTranscriptDelta:
				sched.OnResponseActivity()
				assistantPartial.WriteString(e.Delta)
			case engine.ResponseTranscriptDone:
				text := strings.TrimSpace(e.Transcript)
				if text == "" {
					text = strings.TrimSpace(assistantPartial.String())
				}
				if text != "" {
					transcript = append(transcript, transcriptEntry{role: "assistant", text: text, at: b.now()})
				}
				assistantPartial.Reset()
				sched.OnTranscriptDone()
			case engine.ResponseDone:
				if e.Status == "cancelled" {
					sched.OnResponseCanceled()
				} else {
					sched.OnResponseDone()
				}
				finishTurn(e.Status)
				if draining && !sched.ResponseInProgress() && pendingToolsCount == 0 {
					break loop
				}
			case engine.SpeechStarted:
				sched.OnSpeechStarted()
			case engine.SpeechStopped:
				sched.OnSpeechStopped()
			case engine.InputTranscriptionCompleted:
				text := strings.TrimSpace(e.Transcript)
				if text != "" {
					transcript = append(transcript, transcriptEntry{role: "user", text: text, at: b.now()})
				}
			case engine.ToolCallRequested:
				if b.tools == nil {
					logger.Warn("tool requested but no registry configured", "tool", e.Name)
					continue
				}
				pendingToolsCount++
				call := tools.PendingCall{CallID: e.CallID, Name: e.Name, Arguments: e.Arguments, StartedAt: b.now()}
				b.tools.InvokeAsync(b.ctx, call, func(res tools.Result) {
					select {
					case toolResultCh <- res:
					case <-b.ctx.Done():
					}
				})
			case engine.RateLimitsUpdated:
				buckets := make([]turn.Bucket, 0, len(e.Buckets))
				for _, bk := range e.Buckets {
					buckets = append(buckets, turn.Bucket{Name: bk.Name, Remaining: bk.Remaining, ResetSeconds: bk.ResetSeconds})
				}
				sched.OnRateLimits(buckets)
			case engine.EngineError:
				if engine.IsContentSchemaError(e) && lastTextItem != "" && !textItemRetried {
					mode := link.FlipContentMode()
					textItemRetried = true
					logger.Warn("content schema rejected, retrying item once", "mode", mode)
					if err := link.CreateUserTextItem(b.ctx, lastTextItem); err != nil {
						logger.Warn("item retry failed", "error", err)
					}
					continue
				}
				logger.Warn("engine error", "code", e.Code, "message", e.Message, "param", e.Param)
				b.metrics.RecordError("engine", "server_error")
			case engine.UnknownEvent:
				unknownEvents++
				if unknownEvents <= 5 {
					logger.Debug("unknown engine event", "type", e.Type)
				}
			}

		case res := <-toolResultCh:
			pendingToolsCount--
			b.metrics.RecordTool(res.Name, res.Failed, res.Elapsed)
			toolRecords = append(toolRecords, calllog.ToolRecord{
				Name:      res.Name,
				Failed:    res.Failed,
				ElapsedMS: res.Elapsed.Milliseconds(),
			})
			if err := link.CreateToolOutput(b.ctx, res.CallID, res.OutputJSON()); err != nil {
				logger.Warn("tool output delivery failed", "tool", res.Name, "error", err)
			}
			// Exactly one follow-up turn per tool result.
			sched.RequestResponse(nil)
			if draining && !sched.ResponseInProgress() && pendingToolsCount == 0 {
				break loop
			}

		case <-schedTimerCh():
			schedTimerActive = false
			sched.Tick()
			// A watchdog or soft-finalize force-complete may have closed the
			// last open turn; a pending drain must notice.
			if draining && !sched.ResponseInProgress() && pendingToolsCount == 0 {
				break loop
			}
		}

		rearmSchedTimer()
	}

	duration := b.now().Sub(startTime)
	logger.Info("call ended", "outcome", outcome, "duration_ms", duration.Milliseconds(), "turns", turnsCompleted)
	b.recordSummary(startTime, outcome, string(promptSource), transcript, toolRecords, turnsCompleted)
	return runErr
}

func (b *Bridge) recordSummary(startTime time.Time, outcome calllog.Outcome, promptSource string, transcript []transcriptEntry, toolRecords []calllog.ToolRecord, turns int) {
	b.summaryOnce.Do(func() {
		b.metrics.RecordCallEnd(string(outcome), b.direction, b.now().Sub(startTime), turns)
		entries := make([]calllog.TranscriptEntry, 0, len(transcript))
		for _, t := range transcript {
			entries = append(entries, calllog.TranscriptEntry{
				Role: t.role,
				Text: t.text,
				At:   t.at.UTC().Format(time.RFC3339),
			})
		}
		b.callLog.Record(calllog.CallSummary{
			CallID:       b.callID,
			StreamID:     b.streamID,
			Caller:       b.caller,
			Callee:       b.callee,
			Direction:    b.direction,
			StartedAt:    startTime.UTC(),
			EndedAt:      b.now().UTC(),
			Outcome:      outcome,
			Turns:        turns,
			PromptSource: promptSource,
			Transcript:   entries,
			Tools:        toolRecords,
		})
	})
}

// awaitStart consumes carrier frames until the start message, tolerating the
// connected preamble. Media before start is a carrier bug; it is dropped.
func (b *Bridge) awaitStart(readCh <-chan telFrame) (telephony.StartMessage, error) {
	timer := time.NewTimer(b.cfg.StartTimeout)
	defer timer.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return telephony.StartMessage{}, b.ctx.Err()
		case <-timer.C:
			return telephony.StartMessage{}, errors.New("timed out waiting for stream start")
		case frame, ok := <-readCh:
			if !ok {
				return telephony.StartMessage{}, errors.New("telephony leg closed before start")
			}
			if frame.err != nil {
				return telephony.StartMessage{}, frame.err
			}
			msg, err := telephony.DecodeInboundMessage(frame.data)
			if err != nil {
				return telephony.StartMessage{}, err
			}
			switch m := msg.(type) {
			case telephony.ConnectedMessage:
				continue
			case telephony.StartMessage:
				return m, nil
			case telephony.MediaMessage:
				b.logger.Warn("media before start, dropping frame")
			case telephony.StopMessage:
				return telephony.StartMessage{}, errors.New("stream stopped before start")
			}
		}
	}
}

// awaitConfigured waits for the engine to acknowledge the session config,
// buffering caller audio that arrives meanwhile. A rejection is retried once
// with the compiled-in minimal instructions; if that is also rejected, or the
// acknowledgment times out, the bridge proceeds degraded rather than failing
// the call. Only a lost connection fails the call.
func (b *Bridge) awaitConfigured(readCh <-chan telFrame, link EngineLink, fallbackCfg engine.SessionConfig) ([][]byte, error) {
	timer := time.NewTimer(b.cfg.ConfigureTimeout)
	defer timer.Stop()

	retried := false
	var buffered [][]byte
	for {
		select {
		case <-b.ctx.Done():
			return nil, b.ctx.Err()
		case <-timer.C:
			b.logger.Warn("engine configure acknowledgment timed out, proceeding")
			return buffered, nil
		case frame, ok := <-readCh:
			if !ok {
				return nil, errors.New("telephony leg closed during configure")
			}
			if frame.err != nil {
				return nil, frame.err
			}
			msg, err := telephony.DecodeInboundMessage(frame.data)
			if err != nil {
				continue
			}
			switch m := msg.(type) {
			case telephony.MediaMessage:
				audio, decErr := base64.StdEncoding.DecodeString(m.Payload)
				if decErr == nil {
					buffered = append(buffered, audio)
				}
			case telephony.StopMessage:
				return nil, errors.New("stream stopped during configure")
			}
		case ev, ok := <-link.Events():
			if !ok {
				return nil, errors.New("engine connection lost during configure")
			}
			switch e := ev.(type) {
			case engine.SessionCreated:
				continue
			case engine.SessionUpdated:
				return buffered, nil
			case engine.EngineError:
				b.metrics.RecordError("engine", "configure_rejected")
				if retried {
					b.logger.Warn("minimal session config also rejected, proceeding degraded",
						"code", e.Code, "message", e.Message)
					return buffered, nil
				}
				retried = true
				b.logger.Warn("session config rejected, retrying with minimal instructions",
					"code", e.Code, "message", e.Message)
				if err := link.UpdateSession(b.ctx, fallbackCfg); err != nil {
					b.logger.Warn("minimal session config send failed, proceeding degraded", "error", err)
					return buffered, nil
				}
			}
		}
	}
}

func (b *Bridge) readLoop(out chan<- telFrame) {
	defer close(out)
	for {
		messageType, data, err := b.conn.ReadMessage()
		if err != nil {
			select {
			case out <- telFrame{err: err}:
			case <-b.ctx.Done():
			}
			return
		}
		select {
		case out <- telFrame{messageType: messageType, data: data}:
		case <-b.ctx.Done():
			return
		}
	}
}

func (b *Bridge) engineAudioFormat() string {
	if b.cfg.EngineSampleRate == 8000 {
		return "g711_ulaw"
	}
	return "pcm16"
}

// schedulerSender adapts the engine link to the scheduler's send surface.
type schedulerSender struct {
	b    *Bridge
	link EngineLink
}

func (s *schedulerSender) SendResponseCreate(params map[string]any) error {
	return s.link.CreateResponse(s.b.ctx, params)
}

func (s *schedulerSender) SendResponseCancel() error {
	return s.link.CancelResponse(s.b.ctx)
}

func (s *schedulerSender) SendInputBufferClear() error {
	return s.link.ClearInputBuffer(s.b.ctx)
}

func (b *Bridge) cancelResponseAudio(responseID string) {
	responseID = strings.TrimSpace(responseID)
	if responseID == "" {
		return
	}
	prev, _ := b.canceledResponses.Load().(canceledResponseState)
	next := canceledResponseState{set: make(map[string]struct{}, len(prev.set)+1)}
	next.order = append(next.order, prev.order...)
	for id := range prev.set {
		next.set[id] = struct{}{}
	}
	if _, exists := next.set[responseID]; !exists {
		next.set[responseID] = struct{}{}
		next.order = append(next.order, responseID)
	}
	for len(next.order) > maxCanceledResponseIDs {
		oldest := next.order[0]
		next.order = next.order[1:]
		delete(next.set, oldest)
	}
	b.canceledResponses.Store(next)
}

func (b *Bridge) isResponseCanceled(responseID string) bool {
	responseID = strings.TrimSpace(responseID)
	if responseID == "" {
		return false
	}
	state, _ := b.canceledResponses.Load().(canceledResponseState)
	_, ok := state.set[responseID]
	return ok
}

func marshalFrame(v any) []byte {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return payload
}
