package executor

import "github.com/AsynkronIT/protoactor-go/actor"

// spawnMsg asks the runner actor to start fn. The runner starts fn on a
// new goroutine rather than its own mailbox goroutine, because fn (a
// task's Run loop) blocks; the runner returns to its mailbox immediately.
type spawnMsg struct {
	fn func()
}

// runner is the single actor every ActorExecutor's Spawn calls route
// through.
type runner struct{}

func (r *runner) Receive(ctx actor.Context) {
	if msg, ok := ctx.Message().(spawnMsg); ok {
		go msg.fn()
	}
}

// ActorExecutor schedules Spawn calls through a protoactor-go actor
// system instead of starting goroutines directly, for callers that want
// connection-task scheduling unified with the rest of an actor-based
// application (SPEC_FULL.md §11).
type ActorExecutor struct {
	system *actor.ActorSystem
	pid    *actor.PID
}

// NewActorExecutor starts a fresh actor system with a single runner actor.
func NewActorExecutor() *ActorExecutor {
	system := actor.NewActorSystem()
	props := actor.PropsFromProducer(func() actor.Actor { return &runner{} })
	pid := system.Root.Spawn(props)
	return &ActorExecutor{system: system, pid: pid}
}

// Spawn implements manager.Executor.
func (e *ActorExecutor) Spawn(fn func()) {
	e.system.Root.Send(e.pid, spawnMsg{fn: fn})
}

// Stop stops the runner actor. The actor system itself is left running.
func (e *ActorExecutor) Stop() {
	e.system.Root.Stop(e.pid)
}
