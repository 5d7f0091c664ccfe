// Package sessions tracks live call bridges so the process can drain them on
// shutdown.
package sessions

import (
	"context"
	"sync"
)

// Handle is how the tracker reaches a running bridge. Drain asks the bridge
// to wrap up gracefully; Hangup tears it down immediately.
type Handle struct {
	Hangup func()
	Drain  func(reason string) error
}

type trackedCall struct {
	handle Handle
	once   sync.Once
}

// Tracker is the process-wide registry of active calls.
type Tracker struct {
	mu    sync.Mutex
	calls map[string]*trackedCall
	wg    sync.WaitGroup
}

func NewTracker() *Tracker {
	return &Tracker{
		calls: make(map[string]*trackedCall),
	}
}

// Register adds a call and returns its unregister func. Registering the same
// call ID again replaces and releases the previous entry.
func (t *Tracker) Register(callID string, h Handle) (unregister func()) {
	if t == nil {
		return func() {}
	}

	entry := &trackedCall{handle: h}

	t.mu.Lock()
	if t.calls == nil {
		t.calls = make(map[string]*trackedCall)
	}
	old := t.calls[callID]
	t.calls[callID] = entry
	t.wg.Add(1)
	t.mu.Unlock()

	if old != nil {
		t.unregister(callID, old)
	}

	return func() { t.unregister(callID, entry) }
}

func (t *Tracker) unregister(callID string, entry *trackedCall) {
	if t == nil || entry == nil {
		return
	}
	entry.once.Do(func() {
		t.mu.Lock()
		if t.calls != nil && t.calls[callID] == entry {
			delete(t.calls, callID)
		}
		t.mu.Unlock()
		t.wg.Done()
	})
}

func (t *Tracker) Count() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

// DrainAll asks every active bridge to wrap up. Calls without a Drain func
// are skipped.
func (t *Tracker) DrainAll(reason string) (asked int) {
	if t == nil {
		return 0
	}

	var drains []func(reason string) error
	t.mu.Lock()
	for _, entry := range t.calls {
		if entry == nil || entry.handle.Drain == nil {
			continue
		}
		drains = append(drains, entry.handle.Drain)
	}
	t.mu.Unlock()

	for _, drain := range drains {
		_ = drain(reason)
		asked++
	}
	return asked
}

// HangupAll force-terminates every active bridge.
func (t *Tracker) HangupAll() (hung int) {
	if t == nil {
		return 0
	}

	var hangups []func()
	t.mu.Lock()
	for _, entry := range t.calls {
		if entry == nil || entry.handle.Hangup == nil {
			continue
		}
		hangups = append(hangups, entry.handle.Hangup)
	}
	t.mu.Unlock()

	for _, hangup := range hangups {
		hangup()
		hung++
	}
	return hung
}

// Wait blocks until every registered call has unregistered, or ctx expires.
// It returns true when the tracker fully drained.
func (t *Tracker) Wait(ctx context.Context) bool {
	if t == nil {
		return true
	}
	if ctx == nil {
		t.wg.Wait()
		return true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		t.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
