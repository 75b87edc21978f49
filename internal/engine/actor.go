package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"integritywatch/internal/logger"
	"integritywatch/internal/session"
	"integritywatch/pkg/models"
)

// taskFunc runs on the session's goroutine with exclusive access to st.
type taskFunc func(ctx context.Context, st *session.State) error

type task struct {
	ctx  context.Context
	fn   taskFunc
	done chan error
}

// actor owns one session's state. Tasks are applied in queue order.
type actor struct {
	id    string
	tasks chan task
	state *session.State

	snapshot atomic.Pointer[models.Session]

	mu      sync.Mutex
	pending int
	retired bool
}

// actorFor returns the session's actor, starting one if needed. A new
// actor has no state; its first task loads the session from storage.
func (e *Engine) actorFor(id string) *actor {
	e.mu.Lock()
	defer e.mu.Unlock()
	if a, ok := e.actors[id]; ok {
		return a
	}
	return e.startLocked(id, nil)
}

// install starts an actor for a state built by the caller. It returns
// false when the session already has an owner.
func (e *Engine) install(st *session.State) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.actors[st.ID()]; ok {
		return false
	}
	e.startLocked(st.ID(), st)
	return true
}

func (e *Engine) startLocked(id string, st *session.State) *actor {
	a := &actor{
		id:    id,
		tasks: make(chan task, e.cfg.QueueSize),
		state: st,
	}
	if st != nil {
		a.snapshot.Store(st.Session())
	}
	e.actors[id] = a
	e.metrics.SessionOpened()
	e.wg.Add(1)
	go e.loop(a)
	return a
}

// submit runs fn on the session's goroutine and waits for its result. Once
// queued the task runs to completion even when ctx ends, and submit waits
// for it: fn may write into caller memory, so it must not outlive the call.
func (e *Engine) submit(ctx context.Context, id string, fn taskFunc) error {
	for {
		if e.stopping.Load() {
			return ErrClosed
		}
		a := e.actorFor(id)
		t := task{ctx: context.WithoutCancel(ctx), fn: fn, done: make(chan error, 1)}
		queued, err := a.enqueue(ctx, t)
		if err != nil {
			return err
		}
		if !queued {
			// The actor retired between lookup and enqueue.
			continue
		}
		return <-t.done
	}
}

func (a *actor) enqueue(ctx context.Context, t task) (bool, error) {
	a.mu.Lock()
	if a.retired {
		a.mu.Unlock()
		return false, nil
	}
	a.pending++
	a.mu.Unlock()

	select {
	case a.tasks <- t:
		return true, nil
	case <-ctx.Done():
		a.mu.Lock()
		a.pending--
		a.mu.Unlock()
		return true, ctx.Err()
	}
}

// wake queues a no-op so an idle actor re-checks whether to retire.
func (a *actor) wake(ctx context.Context) {
	if _, err := a.enqueue(ctx, task{done: make(chan error, 1)}); err != nil {
		logger.Warnf("Failed to wake session %s: %v", a.id, err)
	}
}

func (e *Engine) loop(a *actor) {
	defer e.wg.Done()
	defer e.metrics.SessionReleased()

	for t := range a.tasks {
		a.mu.Lock()
		a.pending--
		a.mu.Unlock()

		t.done <- e.runTask(a, t)

		if e.retire(a) {
			return
		}
	}
}

func (e *Engine) runTask(a *actor, t task) (err error) {
	if t.fn == nil {
		return nil
	}
	defer func() {
		if rec := recover(); rec != nil {
			logger.Errorf("Session %s task panicked: %v", a.id, rec)
			err = fmt.Errorf("session %s: internal error: %v", a.id, rec)
		}
		if a.state != nil {
			a.snapshot.Store(a.state.Session())
		}
	}()

	if a.state == nil {
		st, err := e.load(t.ctx, a.id)
		if err != nil {
			return err
		}
		a.state = st
	}
	return t.fn(t.ctx, a.state)
}

// retire ends the actor once nothing is queued and its session no longer
// needs an owner: it failed to load, it is closed, or the engine stops.
func (e *Engine) retire(a *actor) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pending > 0 {
		return false
	}
	if a.state != nil && a.state.Active() && !e.stopping.Load() {
		return false
	}
	a.retired = true

	e.mu.Lock()
	if e.actors[a.id] == a {
		delete(e.actors, a.id)
	}
	e.mu.Unlock()
	return true
}

// activeActors lists the ids of sessions that currently have an owner.
func (e *Engine) activeActors() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.actors))
	for id := range e.actors {
		ids = append(ids, id)
	}
	return ids
}
