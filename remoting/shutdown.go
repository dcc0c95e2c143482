package remoting

import (
	"context"
	"sync"
)

// OnceShutdownHandler is implemented by an object managed by a ShutdownHelper.
type OnceShutdownHandler interface {
	// HandleOnceShutdown is called exactly once, in its own goroutine. It takes
	// completionError as an advisory completion value, actually shuts down, then
	// returns the real completion value.
	HandleOnceShutdown(completionError error) error
}

// AsyncShutdowner is implemented by objects with asynchronous shutdown.
type AsyncShutdowner interface {
	// StartShutdown schedules asynchronous shutdown. If already scheduled, a no-op.
	StartShutdown(completionErr error)
	// ShutdownDoneChan returns a chan closed once shutdown is complete.
	ShutdownDoneChan() <-chan struct{}
	// WaitShutdown blocks until shutdown is complete and returns the final status.
	WaitShutdown() error
}

// ShutdownHelper is a base that manages once-only asynchronous shutdown for a
// stream connection, interceptor, dispatcher, or status page: each of those
// owns goroutines and streams that must be torn down exactly once, in order,
// without blocking the caller that triggered shutdown.
type ShutdownHelper struct {
	Logger

	Lock sync.Mutex

	shutdownHandler OnceShutdownHandler

	pauseCount           int
	isScheduledShutdown  bool
	isStartedShutdown    bool
	isDoneShutdown       bool
	shutdownErr          error

	handlerDoneChan chan struct{}
	doneChan        chan struct{}

	wg sync.WaitGroup
}

// InitShutdownHelper initializes a ShutdownHelper in place.
func (h *ShutdownHelper) InitShutdownHelper(logger Logger, shutdownHandler OnceShutdownHandler) {
	h.Logger = logger
	h.shutdownHandler = shutdownHandler
	h.handlerDoneChan = make(chan struct{})
	h.doneChan = make(chan struct{})
}

func (h *ShutdownHelper) asyncRunShutdown() {
	go func() {
		h.shutdownErr = h.shutdownHandler.HandleOnceShutdown(h.shutdownErr)
		close(h.handlerDoneChan)
		h.wg.Wait()
		h.Lock.Lock()
		h.isDoneShutdown = true
		h.Lock.Unlock()
		close(h.doneChan)
	}()
}

// PauseShutdown increments the shutdown-pause count, delaying any scheduled
// shutdown until a matching ResumeShutdown. Returns an error if shutdown has
// already started.
func (h *ShutdownHelper) PauseShutdown() error {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	if h.isStartedShutdown {
		return h.Errorf("shutdown already started; cannot pause")
	}
	h.pauseCount++
	return nil
}

// ResumeShutdown decrements the pause count, starting shutdown if it was
// already scheduled and the count has reached zero.
func (h *ShutdownHelper) ResumeShutdown() {
	h.Lock.Lock()
	if h.pauseCount < 1 {
		h.Lock.Unlock()
		h.Panicf("ResumeShutdown before PauseShutdown")
		return
	}
	h.pauseCount--
	doNow := h.pauseCount == 0 && h.isScheduledShutdown && !h.isStartedShutdown
	if doNow {
		h.isStartedShutdown = true
	}
	h.Lock.Unlock()
	if doNow {
		h.asyncRunShutdown()
	}
}

// StartShutdown schedules asynchronous shutdown. Only the first call has any
// effect; subsequent calls are no-ops. completionErr is an advisory status
// passed to HandleOnceShutdown.
func (h *ShutdownHelper) StartShutdown(completionErr error) {
	var doNow bool
	h.Lock.Lock()
	if !h.isScheduledShutdown {
		h.shutdownErr = completionErr
		h.isScheduledShutdown = true
		doNow = h.pauseCount == 0
		h.isStartedShutdown = doNow
	}
	h.Lock.Unlock()
	if doNow {
		h.asyncRunShutdown()
	}
}

// IsStartedShutdown returns true once StartShutdown has begun executing.
func (h *ShutdownHelper) IsStartedShutdown() bool {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	return h.isStartedShutdown
}

// IsDoneShutdown returns true once shutdown has fully completed.
func (h *ShutdownHelper) IsDoneShutdown() bool {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	return h.isDoneShutdown
}

// ShutdownDoneChan returns a channel closed once shutdown is complete.
func (h *ShutdownHelper) ShutdownDoneChan() <-chan struct{} {
	return h.doneChan
}

// WaitShutdown blocks until shutdown is complete, then returns its status. It
// does not itself trigger shutdown.
func (h *ShutdownHelper) WaitShutdown() error {
	<-h.doneChan
	return h.shutdownErr
}

// Shutdown triggers shutdown (if not already triggered), waits for it to
// complete, and returns the final status.
func (h *ShutdownHelper) Shutdown(completionError error) error {
	h.StartShutdown(completionError)
	return h.WaitShutdown()
}

// Close is a default io.Closer: shuts down with a nil advisory status.
func (h *ShutdownHelper) Close() error {
	return h.Shutdown(nil)
}

// ShutdownOnContext begins background monitoring of ctx, starting shutdown
// with ctx.Err() if ctx completes before shutdown is otherwise triggered.
func (h *ShutdownHelper) ShutdownOnContext(ctx context.Context) {
	go func() {
		select {
		case <-h.doneChan:
		case <-ctx.Done():
			h.StartShutdown(ctx.Err())
		}
	}()
}

// AddShutdownChild registers a child whose shutdown is awaited before this
// helper's own shutdown is considered complete; once HandleOnceShutdown
// returns, the child is itself told to start shutting down (with the same
// advisory status) unless it has already done so on its own.
func (h *ShutdownHelper) AddShutdownChild(child AsyncShutdowner) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		select {
		case <-child.ShutdownDoneChan():
		case <-h.handlerDoneChan:
			child.StartShutdown(h.shutdownErr)
			child.WaitShutdown()
		}
	}()
}
