package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/flitsinc/agentrt/internal/bus"
	"github.com/flitsinc/agentrt/internal/codeguard"
	"github.com/flitsinc/agentrt/internal/sched"
	"github.com/flitsinc/agentrt/internal/testutil"
	"github.com/flitsinc/agentrt/internal/unit"
)

type fakeHandle struct {
	mu      sync.Mutex
	tasks   []unit.Task
	signals chan unit.Signal
	closed  bool

	terminated   bool
	lastGraceful bool
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{signals: make(chan unit.Signal, 32)}
}

func (h *fakeHandle) Send(task unit.Task) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return fmt.Errorf("unit terminated")
	}
	h.tasks = append(h.tasks, task)
	return nil
}

func (h *fakeHandle) Signals() <-chan unit.Signal {
	return h.signals
}

func (h *fakeHandle) Terminate(graceful bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.terminated = true
	h.lastGraceful = graceful
	if !h.closed {
		h.closed = true
		h.signals <- unit.Signal{Kind: unit.SignalExit}
		close(h.signals)
	}
}

func (h *fakeHandle) emit(sig unit.Signal) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.signals <- sig
}

// crash simulates the unit dying on its own.
func (h *fakeHandle) crash(errMsg string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	h.signals <- unit.Signal{Kind: unit.SignalExit, Err: errMsg}
	close(h.signals)
}

func (h *fakeHandle) sentTasks() []unit.Task {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]unit.Task, len(h.tasks))
	copy(out, h.tasks)
	return out
}

type fakeLauncher struct {
	mu      sync.Mutex
	handles []*fakeHandle
	failErr error
}

func (l *fakeLauncher) Launch(_ context.Context, _ unit.LaunchSpec) (unit.Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failErr != nil {
		return nil, l.failErr
	}
	h := newFakeHandle()
	l.handles = append(l.handles, h)
	return h, nil
}

func (l *fakeLauncher) handle(i int) *fakeHandle {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i >= len(l.handles) {
		return nil
	}
	return l.handles[i]
}

func (l *fakeLauncher) launched() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.handles)
}

type testEnv struct {
	manager  *Manager
	bus      *bus.Bus
	launcher *fakeLauncher
}

func newTestManager(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	db, cleanup := testutil.OpenTestDB(t)
	t.Cleanup(cleanup)

	sch := sched.New()
	t.Cleanup(sch.Stop)

	msgBus := bus.NewBus(db, sch)
	if err := msgBus.Connect(context.Background()); err != nil {
		t.Fatalf("connect bus: %v", err)
	}
	t.Cleanup(func() { _ = msgBus.Disconnect(context.Background()) })

	launcher := &fakeLauncher{}
	base := []Option{
		WithCodeDir(t.TempDir()),
		WithLauncher(IsolationWorker, launcher),
		WithCleanupGrace(0),
	}
	m := NewManager(db, msgBus, sch, append(base, opts...)...)
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize manager: %v", err)
	}
	return &testEnv{manager: m, bus: msgBus, launcher: launcher}
}

func (e *testEnv) subscribe(t *testing.T, channel string) <-chan bus.Message {
	t.Helper()
	ch := make(chan bus.Message, 16)
	sub, err := e.bus.Subscribe(channel, func(msg bus.Message) {
		ch <- msg
	})
	if err != nil {
		t.Fatalf("subscribe %s: %v", channel, err)
	}
	t.Cleanup(func() { e.bus.Unsubscribe(sub) })
	return ch
}

func waitEvent(t *testing.T, ch <-chan bus.Message) bus.Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for bus event")
		return bus.Message{}
	}
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

const benignSource = `export function handle(task) { return { ok: true }; }`

func TestDeployReachesRunningOnReady(t *testing.T) {
	env := newTestManager(t)
	ready := env.subscribe(t, ChannelReady)
	deployed := env.subscribe(t, ChannelDeployed)

	id, err := env.manager.Deploy(context.Background(), benignSource, Spec{Type: "planner"})
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if id != "planner-1" {
		t.Fatalf("unexpected agent id: %s", id)
	}

	agent, ok := env.manager.Status(id)
	if !ok || agent.Status != StatusDeploying {
		t.Fatalf("expected deploying status, got %+v ok=%v", agent, ok)
	}
	if msg := waitEvent(t, deployed); msg.Payload["agent_id"] != id {
		t.Fatalf("unexpected deployed event: %v", msg.Payload)
	}

	env.launcher.handle(0).emit(unit.Signal{Kind: unit.SignalReady})
	if msg := waitEvent(t, ready); msg.Payload["agent_id"] != id {
		t.Fatalf("unexpected ready event: %v", msg.Payload)
	}
	waitFor(t, func() bool {
		agent, _ := env.manager.Status(id)
		return agent.Status == StatusRunning
	}, "agent to reach running")
}

func TestDeployCapacityExceeded(t *testing.T) {
	env := newTestManager(t, WithMaxAgents(2))

	for i := 0; i < 2; i++ {
		if _, err := env.manager.Deploy(context.Background(), benignSource, Spec{Type: "worker"}); err != nil {
			t.Fatalf("deploy %d: %v", i, err)
		}
	}
	if _, err := env.manager.Deploy(context.Background(), benignSource, Spec{Type: "worker"}); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("expected ErrCapacityExceeded, got %v", err)
	}
	if got := env.manager.Tracked(); got != 2 {
		t.Fatalf("expected 2 tracked agents, got %d", got)
	}
}

func TestDeployRejectsDeniedSource(t *testing.T) {
	env := newTestManager(t)

	_, err := env.manager.Deploy(context.Background(), `const secret = process.env.API_KEY;`, Spec{Type: "sneaky"})
	var violation *codeguard.Violation
	if !errors.As(err, &violation) {
		t.Fatalf("expected codeguard violation, got %v", err)
	}
	if violation.Class != codeguard.ClassAmbientEnv {
		t.Fatalf("unexpected violation class: %s", violation.Class)
	}
	if got := env.manager.Tracked(); got != 0 {
		t.Fatalf("expected no tracked agents after rejection, got %d", got)
	}
	if got := env.launcher.launched(); got != 0 {
		t.Fatalf("expected no unit launched after rejection, got %d", got)
	}
}

func TestDispatchLifecycle(t *testing.T) {
	env := newTestManager(t)
	results := env.subscribe(t, ChannelResult)
	taskErrors := env.subscribe(t, ChannelTaskError)

	id, err := env.manager.Deploy(context.Background(), benignSource, Spec{Type: "runner"})
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}

	if _, err := env.manager.Dispatch(context.Background(), id, TaskSpec{}); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning before ready, got %v", err)
	}
	if _, err := env.manager.Dispatch(context.Background(), "ghost-1", TaskSpec{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	handle := env.launcher.handle(0)
	handle.emit(unit.Signal{Kind: unit.SignalReady})
	waitFor(t, func() bool {
		agent, _ := env.manager.Status(id)
		return agent.Status == StatusRunning
	}, "agent to reach running")

	taskID, err := env.manager.Dispatch(context.Background(), id, TaskSpec{ID: "job-1", Payload: map[string]any{"n": 1}})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if taskID != "job-1" {
		t.Fatalf("expected caller-supplied task id, got %s", taskID)
	}
	if _, err := env.manager.Dispatch(context.Background(), id, TaskSpec{ID: "Bad_ID"}); err == nil {
		t.Fatalf("expected invalid custom task id to be rejected")
	}

	sent := handle.sentTasks()
	if len(sent) != 1 || sent[0].ID != "job-1" {
		t.Fatalf("unexpected tasks sent to unit: %+v", sent)
	}

	handle.emit(unit.Signal{Kind: unit.SignalResult, TaskID: "job-1", Result: map[string]any{"ok": true}})
	msg := waitEvent(t, results)
	if msg.Payload["agent_id"] != id || msg.Payload["task_id"] != "job-1" {
		t.Fatalf("unexpected result event: %v", msg.Payload)
	}

	handle.emit(unit.Signal{Kind: unit.SignalError, TaskID: "job-1", Err: "boom"})
	msg = waitEvent(t, taskErrors)
	if msg.Payload["error"] != "boom" {
		t.Fatalf("unexpected task-error event: %v", msg.Payload)
	}

	waitFor(t, func() bool {
		agent, _ := env.manager.Status(id)
		return agent.TasksReceived == 1 && agent.TasksCompleted == 1 && agent.TasksFailed == 1
	}, "task counters to settle")
}

func TestIdleTimeoutStopsAgent(t *testing.T) {
	env := newTestManager(t, WithIdleTimeout(100*time.Millisecond))
	stopped := env.subscribe(t, ChannelStopped)

	id, err := env.manager.Deploy(context.Background(), benignSource, Spec{Type: "idler"})
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	env.launcher.handle(0).emit(unit.Signal{Kind: unit.SignalReady})

	if msg := waitEvent(t, stopped); msg.Payload["agent_id"] != id {
		t.Fatalf("unexpected stopped event: %v", msg.Payload)
	}
	waitFor(t, func() bool { return env.manager.Tracked() == 0 }, "idle agent removal")
	if !env.launcher.handle(0).terminated {
		t.Fatalf("expected execution unit terminated after idle stop")
	}
}

func TestStopUnknownAgentIsNoOp(t *testing.T) {
	env := newTestManager(t)
	env.manager.Stop(context.Background(), "nobody-1")
	if got := env.manager.Tracked(); got != 0 {
		t.Fatalf("expected no tracked agents, got %d", got)
	}
}

func TestStopAllClearsTrackedAgents(t *testing.T) {
	env := newTestManager(t, WithMaxAgents(5))
	for i := 0; i < 3; i++ {
		if _, err := env.manager.Deploy(context.Background(), benignSource, Spec{Type: "batch"}); err != nil {
			t.Fatalf("deploy %d: %v", i, err)
		}
		env.launcher.handle(i).emit(unit.Signal{Kind: unit.SignalReady})
	}

	env.manager.StopAll(context.Background())
	if got := env.manager.Tracked(); got != 0 {
		t.Fatalf("expected zero tracked agents after StopAll, got %d", got)
	}
	for i := 0; i < 3; i++ {
		if !env.launcher.handle(i).terminated {
			t.Fatalf("expected unit %d terminated", i)
		}
	}
}

func TestUnexpectedExitEmitsAgentError(t *testing.T) {
	env := newTestManager(t)
	errorsCh := env.subscribe(t, ChannelError)

	id, err := env.manager.Deploy(context.Background(), benignSource, Spec{Type: "flaky"})
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	handle := env.launcher.handle(0)
	handle.emit(unit.Signal{Kind: unit.SignalReady})
	waitFor(t, func() bool {
		agent, _ := env.manager.Status(id)
		return agent.Status == StatusRunning
	}, "agent to reach running")

	handle.crash("segfault")
	msg := waitEvent(t, errorsCh)
	if msg.Payload["agent_id"] != id {
		t.Fatalf("unexpected error event: %v", msg.Payload)
	}
	if got := env.launcher.launched(); got != 1 {
		t.Fatalf("expected no restart after crash, launches=%d", got)
	}
	waitFor(t, func() bool { return env.manager.Tracked() == 0 }, "crashed agent removal")
}

func TestStatusTransitionsAreForwardOnly(t *testing.T) {
	env := newTestManager(t)
	st := &agentState{agent: Agent{ID: "x-1", Status: StatusStopped}}

	err := env.manager.setStatusLocked(st, StatusRunning)
	var transition *StatusTransitionError
	if !errors.As(err, &transition) {
		t.Fatalf("expected StatusTransitionError, got %v", err)
	}
	if !errors.Is(err, ErrInvalidStatusTransition) {
		t.Fatalf("expected ErrInvalidStatusTransition sentinel, got %v", err)
	}
	if st.agent.Status != StatusStopped {
		t.Fatalf("status must not change on rejected transition, got %s", st.agent.Status)
	}
}

func TestAllStatusesOrderedByCreation(t *testing.T) {
	env := newTestManager(t, WithMaxAgents(5))
	for i := 0; i < 3; i++ {
		if _, err := env.manager.Deploy(context.Background(), benignSource, Spec{Type: "seq"}); err != nil {
			t.Fatalf("deploy %d: %v", i, err)
		}
	}
	all := env.manager.AllStatuses()
	if len(all) != 3 {
		t.Fatalf("expected 3 agents, got %d", len(all))
	}
	for i, agent := range all {
		want := fmt.Sprintf("seq-%d", i+1)
		if agent.ID != want {
			t.Fatalf("expected %s at position %d, got %s", want, i, agent.ID)
		}
	}
}

func TestConcurrentDeploysAssignUniqueIDs(t *testing.T) {
	env := newTestManager(t, WithMaxAgents(8))

	const deploys = 4
	ids := make([]string, deploys)
	errs := make([]error, deploys)
	var wg sync.WaitGroup
	for i := 0; i < deploys; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], errs[i] = env.manager.Deploy(context.Background(), benignSource, Spec{Type: "dup"})
		}(i)
	}
	wg.Wait()

	seen := map[string]bool{}
	for i := 0; i < deploys; i++ {
		if errs[i] != nil {
			t.Fatalf("deploy %d: %v", i, errs[i])
		}
		if seen[ids[i]] {
			t.Fatalf("agent id %q assigned more than once: %v", ids[i], ids)
		}
		seen[ids[i]] = true
	}
	if got := env.manager.Tracked(); got != deploys {
		t.Fatalf("expected %d tracked agents, got %d", deploys, got)
	}
	if got := env.launcher.launched(); got != deploys {
		t.Fatalf("expected %d launched units, got %d", deploys, got)
	}
}
