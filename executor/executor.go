// Package executor provides the external task scheduler manager.Manager is
// constructed with (spec.md §4.4 "tasks are scheduled on an external
// executor provided at construction"). A plain goroutine executor is the
// default; an actor-system-backed one is offered for callers that want
// task scheduling unified with the rest of an actor-based application,
// grounded in the teacher's use of github.com/AsynkronIT/protoactor-go.
package executor

import "sync"

// Goroutine is the trivial Executor: every Spawn starts a new goroutine.
type Goroutine struct{}

func (Goroutine) Spawn(fn func()) { go fn() }

// Tracked wraps Goroutine, additionally letting callers Wait for every
// spawned function to return — useful in tests that must not observe a
// goroutine leak past a pool/manager shutdown.
type Tracked struct {
	wg sync.WaitGroup
}

func (t *Tracked) Spawn(fn func()) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		fn()
	}()
}

func (t *Tracked) Wait() { t.wg.Wait() }
