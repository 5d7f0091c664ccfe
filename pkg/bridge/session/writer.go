package session

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

type wsWriter interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// outboundFrame is one JSON frame queued for the telephony leg. Media frames
// carry the engine response ID they belong to so audio of a cancelled turn is
// dropped instead of played, and their playout duration so the writer can
// pace them at the carrier's real-time rate.
type outboundFrame struct {
	isResponseAudio bool
	responseID      string
	payload         []byte
	duration        time.Duration
}

// outboundWriter owns all writes to the telephony socket. Marks and clears go
// through the priority channel and preempt queued media. Media frames are
// paced against the playout clock here, off the session actor, so pacing a
// long audio delta never delays barge-in or any other actor event.
type outboundWriter struct {
	ws           wsWriter
	ctx          context.Context
	pingInterval time.Duration
	writeTimeout time.Duration
	priority     <-chan outboundFrame
	normal       <-chan outboundFrame
	isCanceled   func(string) bool

	playout   *playoutClock
	threshold time.Duration
	now       func() time.Time
	onPaced   func()
}

func (w *outboundWriter) Run() error {
	if w == nil || w.ws == nil {
		return nil
	}

	pingInterval := w.pingInterval
	if pingInterval <= 0 {
		pingInterval = 20 * time.Second
	}
	writeTimeout := w.writeTimeout
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}

	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	var pendingNormal *outboundFrame
	var paced bool

	for {
		if w.ctx != nil {
			select {
			case <-w.ctx.Done():
				w.flushPriorityOnShutdown(writeTimeout)
				_ = w.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeTimeout))
				_ = w.ws.Close()
				return nil
			default:
			}
		}

		// Hard priority: if anything is queued, handle it before writing normal frames.
		select {
		case frame, ok := <-w.priority:
			if !ok {
				w.priority = nil
				continue
			}
			if _, err := w.writeFrame(frame, writeTimeout); err != nil {
				return err
			}
			continue
		default:
		}

		// If we have a pending normal frame, allow a newly-queued priority frame
		// to preempt before we write it, and hold it while the buffered-playout
		// estimate is past the threshold. The pace sleep stays interruptible so
		// a barge-in clear still jumps the queue immediately.
		if pendingNormal != nil {
			select {
			case frame, ok := <-w.priority:
				if !ok {
					w.priority = nil
					continue
				}
				if _, err := w.writeFrame(frame, writeTimeout); err != nil {
					return err
				}
				continue
			default:
			}
			if wait := w.paceDelay(); wait > 0 {
				if !paced {
					paced = true
					if w.onPaced != nil {
						w.onPaced()
					}
				}
				paceTimer := time.NewTimer(wait)
				select {
				case <-w.ctxDone():
					paceTimer.Stop()
				case frame, ok := <-w.priority:
					paceTimer.Stop()
					if !ok {
						w.priority = nil
						continue
					}
					if _, err := w.writeFrame(frame, writeTimeout); err != nil {
						return err
					}
				case <-paceTimer.C:
				}
				continue
			}
			wrote, err := w.writeFrame(*pendingNormal, writeTimeout)
			if err != nil {
				return err
			}
			if wrote && w.playout != nil && pendingNormal.duration > 0 {
				w.playout.advance(w.nowTime(), pendingNormal.duration)
			}
			pendingNormal = nil
			paced = false
			continue
		}

		if w.priority == nil && w.normal == nil {
			return nil
		}

		select {
		case <-w.ctxDone():
			continue
		case <-pingTicker.C:
			deadline := time.Now().Add(writeTimeout)
			if err := w.ws.WriteControl(websocket.PingMessage, []byte("ping"), deadline); err != nil {
				return err
			}
		case frame, ok := <-w.priority:
			if !ok {
				w.priority = nil
				continue
			}
			if _, err := w.writeFrame(frame, writeTimeout); err != nil {
				return err
			}
		case frame, ok := <-w.normal:
			if !ok {
				w.normal = nil
				continue
			}
			pendingNormal = &frame
		}
	}
}

func (w *outboundWriter) ctxDone() <-chan struct{} {
	if w.ctx == nil {
		return nil
	}
	return w.ctx.Done()
}

func (w *outboundWriter) flushPriorityOnShutdown(writeTimeout time.Duration) {
	if w == nil || w.ws == nil || w.priority == nil {
		return
	}

	flushTimeout := 100 * time.Millisecond
	if writeTimeout > 0 && writeTimeout < flushTimeout {
		flushTimeout = writeTimeout
	}
	if flushTimeout <= 0 {
		return
	}

	deadline := time.Now().Add(flushTimeout)
	maxFlushFrames := 8

	for i := 0; i < maxFlushFrames && time.Now().Before(deadline); i++ {
		select {
		case frame, ok := <-w.priority:
			if !ok {
				return
			}
			_, _ = w.writeFrame(frame, writeTimeout)
		default:
			return
		}
	}
}

// writeFrame writes one frame unless it belongs to a cancelled response.
// wrote reports whether the frame actually went on the wire.
func (w *outboundWriter) writeFrame(frame outboundFrame, writeTimeout time.Duration) (wrote bool, err error) {
	if frame.isResponseAudio && w.isCanceled != nil && w.isCanceled(frame.responseID) {
		return false, nil
	}
	if len(frame.payload) == 0 {
		return false, nil
	}
	deadline := time.Now().Add(writeTimeout)
	if err := w.ws.SetWriteDeadline(deadline); err != nil {
		return false, err
	}
	if err := w.ws.WriteMessage(websocket.TextMessage, frame.payload); err != nil {
		return false, err
	}
	return true, nil
}

func (w *outboundWriter) paceDelay() time.Duration {
	if w.playout == nil || w.threshold <= 0 {
		return 0
	}
	buffered := w.playout.buffered(w.nowTime())
	if buffered <= w.threshold {
		return 0
	}
	return buffered - w.threshold
}

func (w *outboundWriter) nowTime() time.Time {
	if w.now != nil {
		return w.now()
	}
	return time.Now()
}
