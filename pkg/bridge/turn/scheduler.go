// Package turn owns the response turn-taking discipline for one call: the
// single-flight "one response at a time" invariant, the FIFO queue of pending
// response requests, rate-limit backoff, barge-in debounce, the stuck-state
// watchdog, soft-finalization, and the idle-silence nudge.
//
// The scheduler holds no lock: per the session's actor model it must only be
// touched from the single goroutine that owns the call. All timing is driven
// through an injected clock and the Tick method, so the session actor owns
// the real timers and tests run with a fake clock.
package turn

import (
	"log/slog"
	"time"
)

// ResponseSender is the engine-leg send surface the scheduler needs.
type ResponseSender interface {
	SendResponseCreate(params map[string]any) error
	SendResponseCancel() error
	SendInputBufferClear() error
}

// Hooks let the session react to scheduler-initiated transitions (telephony
// buffer clear on barge-in, trailing silence pad on forced completion, logs
// and metrics). All hooks are optional and run on the caller's goroutine.
type Hooks struct {
	OnBargeInCancel  func()
	OnForcedComplete func(reason string)
	OnNudge          func()
}

type Config struct {
	BargeInDebounce   time.Duration
	WatchdogThreshold time.Duration
	SoftFinalizeGrace time.Duration
	IdleNudgeAfter    time.Duration
	NudgeInstructions string
}

const (
	defaultBargeInDebounce   = 300 * time.Millisecond
	defaultWatchdogThreshold = 30 * time.Second
	defaultSoftFinalizeGrace = 1500 * time.Millisecond
	defaultIdleNudgeAfter    = 12 * time.Second

	defaultNudgeInstructions = "The caller has been silent for a while. Briefly check if they are still there and offer to help."
)

// Request is one queued response-generation request. Params are passed
// through to the engine's response.create verbatim; nil means defaults.
type Request struct {
	Params map[string]any
}

// Scheduler tracks the turn state of one call session.
type Scheduler struct {
	sender ResponseSender
	hooks  Hooks
	logger *slog.Logger
	now    func() time.Time
	cfg    Config

	speaking           bool
	responseInProgress bool
	queue              []Request
	backoffUntil       time.Time

	lastResponseEventAt time.Time
	speakingSince       time.Time
	lastSpeechAt        time.Time

	userSpeechActive bool
	bargeInOnsetAt   time.Time

	transcriptDoneAt time.Time
	softFinalized    bool

	nudgeSent bool
}

func NewScheduler(sender ResponseSender, hooks Hooks, logger *slog.Logger, now func() time.Time, cfg Config) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	if cfg.BargeInDebounce <= 0 {
		cfg.BargeInDebounce = defaultBargeInDebounce
	}
	if cfg.WatchdogThreshold <= 0 {
		cfg.WatchdogThreshold = defaultWatchdogThreshold
	}
	if cfg.SoftFinalizeGrace <= 0 {
		cfg.SoftFinalizeGrace = defaultSoftFinalizeGrace
	}
	if cfg.IdleNudgeAfter <= 0 {
		cfg.IdleNudgeAfter = defaultIdleNudgeAfter
	}
	if cfg.NudgeInstructions == "" {
		cfg.NudgeInstructions = defaultNudgeInstructions
	}
	start := now()
	return &Scheduler{
		sender:              sender,
		hooks:               hooks,
		logger:              logger,
		now:                 now,
		cfg:                 cfg,
		lastResponseEventAt: start,
		lastSpeechAt:        start,
	}
}

func (s *Scheduler) Speaking() bool           { return s.speaking }
func (s *Scheduler) ResponseInProgress() bool { return s.responseInProgress }
func (s *Scheduler) QueueLen() int            { return len(s.queue) }
func (s *Scheduler) BackoffUntil() time.Time  { return s.backoffUntil }

// CanSend reports whether a response.create may be issued right now.
func (s *Scheduler) CanSend() bool {
	if s.speaking || s.responseInProgress {
		return false
	}
	return !s.now().Before(s.backoffUntil)
}

// RequestResponse enqueues a response-generation request and attempts to
// drain. Requests are serviced strictly in arrival order.
func (s *Scheduler) RequestResponse(params map[string]any) {
	s.queue = append(s.queue, Request{Params: params})
	s.TryDrain()
}

// TryDrain issues the head of the queue if the single-flight invariant is
// free and backoff has expired. It is re-triggered by every terminal response
// event, so a queued request can only be lost if the engine leg never emits a
// terminal event for it (and then the watchdog reclaims the state).
func (s *Scheduler) TryDrain() {
	if len(s.queue) == 0 || !s.CanSend() {
		return
	}
	head := s.queue[0]
	if err := s.sender.SendResponseCreate(head.Params); err != nil {
		// Leave the request at the head; the next drain trigger retries it.
		s.logger.Warn("response create failed, will retry on next drain", "error", err)
		return
	}
	s.queue = s.queue[1:]
	now := s.now()
	s.speaking = true
	s.responseInProgress = true
	s.speakingSince = now
	s.lastResponseEventAt = now
	s.softFinalized = false
	s.transcriptDoneAt = time.Time{}
}

// OnResponseStarted marks the engine's response object as open.
func (s *Scheduler) OnResponseStarted() {
	s.speaking = true
	s.responseInProgress = true
	s.lastResponseEventAt = s.now()
	s.softFinalized = false
	s.transcriptDoneAt = time.Time{}
}

// OnResponseDone handles the definitive terminal event for a response. A late
// arrival after soft-finalization only refreshes bookkeeping; the forced
// completion is never doubled.
func (s *Scheduler) OnResponseDone() {
	s.lastResponseEventAt = s.now()
	if s.softFinalized && !s.speaking && !s.responseInProgress {
		return
	}
	s.unlock()
	s.TryDrain()
}

// OnResponseCanceled handles cancellation/error terminal events.
func (s *Scheduler) OnResponseCanceled() {
	s.lastResponseEventAt = s.now()
	s.unlock()
	s.TryDrain()
}

// OnResponseActivity records a non-terminal response event (audio delta,
// transcript delta) so the watchdog knows the response is alive.
func (s *Scheduler) OnResponseActivity() {
	s.lastResponseEventAt = s.now()
}

// OnSpeechStarted records caller speech onset. While a response is in
// progress this arms the barge-in debounce rather than cancelling outright.
func (s *Scheduler) OnSpeechStarted() {
	now := s.now()
	s.userSpeechActive = true
	s.lastSpeechAt = now
	s.nudgeSent = false
	if s.speaking && s.bargeInOnsetAt.IsZero() {
		s.bargeInOnsetAt = now
	}
}

// OnSpeechStopped records end of caller speech. A burst shorter than the
// debounce window is treated as noise and never cancels the response. The
// engine-side input buffer is intentionally left alone for such bursts; the
// engine's own turn detector discards them.
func (s *Scheduler) OnSpeechStopped() {
	s.userSpeechActive = false
	s.lastSpeechAt = s.now()
	if !s.bargeInOnsetAt.IsZero() && s.now().Sub(s.bargeInOnsetAt) < s.cfg.BargeInDebounce {
		s.bargeInOnsetAt = time.Time{}
	}
}

// OnRateLimits collapses the reported buckets to a single backoff deadline:
// the farthest reset horizon among exhausted buckets.
func (s *Scheduler) OnRateLimits(buckets []Bucket) {
	horizon := time.Duration(0)
	for _, b := range buckets {
		if b.Remaining > 0 {
			continue
		}
		reset := time.Duration(b.ResetSeconds * float64(time.Second))
		if reset > horizon {
			horizon = reset
		}
	}
	if horizon <= 0 {
		return
	}
	until := s.now().Add(horizon)
	if until.After(s.backoffUntil) {
		s.backoffUntil = until
		s.logger.Info("rate limited, deferring response issuance", "backoff_ms", horizon.Milliseconds())
	}
}

// Bucket mirrors one engine rate-limit quota bucket.
type Bucket struct {
	Name         string
	Remaining    int
	ResetSeconds float64
}

// OnTranscriptDone marks the response as "spoken" and starts the
// soft-finalize grace window: if the definitive completion event does not
// arrive in time, Tick forces the turn closed.
func (s *Scheduler) OnTranscriptDone() {
	if !s.responseInProgress && !s.speaking {
		return
	}
	s.lastResponseEventAt = s.now()
	if s.transcriptDoneAt.IsZero() {
		s.transcriptDoneAt = s.now()
	}
}

// Tick runs every due timer-driven check: barge-in debounce expiry,
// soft-finalize grace expiry, the stuck-state watchdog, backoff expiry
// redrain, and the idle-silence nudge. The session actor calls it whenever
// the deadline from NextDeadline fires (or on any periodic tick).
func (s *Scheduler) Tick() {
	now := s.now()

	if !s.bargeInOnsetAt.IsZero() && now.Sub(s.bargeInOnsetAt) >= s.cfg.BargeInDebounce {
		s.bargeInOnsetAt = time.Time{}
		if s.userSpeechActive && (s.speaking || s.responseInProgress) {
			s.cancelForBargeIn()
		}
	}

	if !s.transcriptDoneAt.IsZero() && now.Sub(s.transcriptDoneAt) >= s.cfg.SoftFinalizeGrace {
		s.transcriptDoneAt = time.Time{}
		if s.speaking || s.responseInProgress {
			s.logger.Warn("response completion event missing, forcing turn closed",
				"grace_ms", s.cfg.SoftFinalizeGrace.Milliseconds())
			s.softFinalized = true
			s.unlock()
			if s.hooks.OnForcedComplete != nil {
				s.hooks.OnForcedComplete("soft_finalize")
			}
			s.TryDrain()
		}
	}

	if s.speaking && now.Sub(s.lastResponseEventAt) >= s.cfg.WatchdogThreshold {
		s.logger.Warn("watchdog cleared stuck speaking state",
			"stuck_seconds", int(now.Sub(s.lastResponseEventAt).Seconds()))
		s.softFinalized = true
		s.unlock()
		if s.hooks.OnForcedComplete != nil {
			s.hooks.OnForcedComplete("watchdog")
		}
		s.TryDrain()
	}

	if len(s.queue) > 0 && !now.Before(s.backoffUntil) {
		s.TryDrain()
	}

	s.maybeNudge(now)
}

// NextDeadline reports the earliest future instant at which Tick has work to
// do. ok is false when nothing is pending.
func (s *Scheduler) NextDeadline() (deadline time.Time, ok bool) {
	consider := func(t time.Time) {
		if t.IsZero() {
			return
		}
		if !ok || t.Before(deadline) {
			deadline = t
			ok = true
		}
	}
	if !s.bargeInOnsetAt.IsZero() {
		consider(s.bargeInOnsetAt.Add(s.cfg.BargeInDebounce))
	}
	if !s.transcriptDoneAt.IsZero() {
		consider(s.transcriptDoneAt.Add(s.cfg.SoftFinalizeGrace))
	}
	if s.speaking {
		consider(s.lastResponseEventAt.Add(s.cfg.WatchdogThreshold))
	}
	if len(s.queue) > 0 && s.now().Before(s.backoffUntil) {
		consider(s.backoffUntil)
	}
	if !s.speaking && !s.responseInProgress && !s.nudgeSent {
		idleSince := s.lastSpeechAt
		if s.lastResponseEventAt.After(idleSince) {
			idleSince = s.lastResponseEventAt
		}
		consider(idleSince.Add(s.cfg.IdleNudgeAfter))
	}
	return deadline, ok
}

func (s *Scheduler) cancelForBargeIn() {
	if err := s.sender.SendResponseCancel(); err != nil {
		s.logger.Warn("response cancel failed", "error", err)
	}
	if err := s.sender.SendInputBufferClear(); err != nil {
		s.logger.Warn("input buffer clear failed", "error", err)
	}
	// Local clear is cooperative: the engine still owes a terminal event, and
	// the watchdog reclaims the state if it never arrives.
	s.unlock()
	if s.hooks.OnBargeInCancel != nil {
		s.hooks.OnBargeInCancel()
	}
	s.TryDrain()
}

func (s *Scheduler) maybeNudge(now time.Time) {
	if s.speaking || s.responseInProgress || s.nudgeSent || len(s.queue) > 0 {
		return
	}
	idleSince := s.lastSpeechAt
	if s.lastResponseEventAt.After(idleSince) {
		idleSince = s.lastResponseEventAt
	}
	if now.Sub(idleSince) < s.cfg.IdleNudgeAfter {
		return
	}
	s.nudgeSent = true
	if s.hooks.OnNudge != nil {
		s.hooks.OnNudge()
	}
	s.RequestResponse(map[string]any{"instructions": s.cfg.NudgeInstructions})
}

func (s *Scheduler) unlock() {
	s.speaking = false
	s.responseInProgress = false
	s.bargeInOnsetAt = time.Time{}
	s.transcriptDoneAt = time.Time{}
}
