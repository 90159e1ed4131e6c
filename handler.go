package cacheflow

import (
	"context"
	"fmt"
	"net/http"
	"sync"
)

// Handler carries the per-invocation machinery a policy runs on: the
// strategy's configuration view, the request being handled, one State per
// plugin, and the set of extend-lifetime background tasks.
type Handler struct {
	cfg      Config
	strategy string
	req      *http.Request
	states   []*State

	mu        sync.Mutex
	pending   int
	destroyed bool
	settled   chan struct{}
	taskErr   error
}

func newHandler(s *Strategy, req *http.Request) *Handler {
	states := make([]*State, len(s.cfg.Plugins))
	for i := range states {
		states[i] = newState()
	}
	return &Handler{
		cfg:      s.cfg,
		strategy: s.policy.Name(),
		req:      req,
		states:   states,
	}
}

// Request returns the request this invocation handles.
func (h *Handler) Request() *http.Request { return h.req }

// CacheName returns the strategy's cache namespace.
func (h *Handler) CacheName() string { return h.cfg.CacheName }

// Plugins returns the registered plugins in order.
func (h *Handler) Plugins() []Plugin { return h.cfg.Plugins }

func (h *Handler) stateFor(i int) *State { return h.states[i] }

// WaitUntil registers task as an extend-lifetime background task and starts
// it. The task runs on a context detached from the caller's cancellation, so
// it outlives the response. A panic inside the task is recovered and recorded
// as the task's error. Registration stays open while DoneWaiting is in
// progress; after Destroy new tasks still run but are no longer tracked.
func (h *Handler) WaitUntil(ctx context.Context, task func(context.Context) error) {
	taskCtx := context.WithoutCancel(ctx)
	h.mu.Lock()
	if h.destroyed {
		h.mu.Unlock()
		go func() { _ = runTask(taskCtx, task) }()
		return
	}
	h.pending++
	h.mu.Unlock()

	go func() {
		err := runTask(taskCtx, task)
		h.mu.Lock()
		h.pending--
		if err != nil && h.taskErr == nil {
			h.taskErr = err
		}
		if h.pending == 0 && h.settled != nil {
			close(h.settled)
			h.settled = nil
		}
		h.mu.Unlock()
	}()
}

func runTask(ctx context.Context, task func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cacheflow: background task panic: %v", r)
		}
	}()
	return task(ctx)
}

// DoneWaiting blocks until every registered task has settled, including tasks
// registered while waiting, and returns the first task error. It returns
// immediately once the handler is destroyed, and returns ctx.Err when the
// caller's context ends first.
func (h *Handler) DoneWaiting(ctx context.Context) error {
	for {
		h.mu.Lock()
		if h.destroyed || h.pending == 0 {
			err := h.taskErr
			h.mu.Unlock()
			return err
		}
		if h.settled == nil {
			h.settled = make(chan struct{})
		}
		settled := h.settled
		h.mu.Unlock()

		select {
		case <-settled:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Destroy releases DoneWaiting callers without awaiting or cancelling
// in-flight tasks. It is idempotent.
func (h *Handler) Destroy() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.destroyed {
		return
	}
	h.destroyed = true
	if h.settled != nil {
		close(h.settled)
		h.settled = nil
	}
}
