package unit

import (
	"context"
	"fmt"
	"sync"
)

// WorkerFunc runs one task against the deployed source. The default runs the
// source as a per-task child script via RunScript; tests inject their own.
type WorkerFunc func(ctx context.Context, codePath string, task Task) (map[string]any, error)

// WorkerLauncher hosts agents as in-process worker goroutines. The worker
// owns only its task queue and signal channel — no bus, no registry — so
// agent code cannot reach manager state. Graceful termination drains the
// queued tasks; forced termination cancels mid-task.
type WorkerLauncher struct {
	Run      WorkerFunc
	QueueLen int
}

func (l *WorkerLauncher) Launch(ctx context.Context, spec LaunchSpec) (Handle, error) {
	run := l.Run
	if run == nil {
		run = func(ctx context.Context, codePath string, task Task) (map[string]any, error) {
			return RunScript(ctx, codePath, task.Payload)
		}
	}
	queueLen := l.QueueLen
	if queueLen <= 0 {
		queueLen = 16
	}

	runCtx, cancel := context.WithCancel(context.Background())
	h := &workerHandle{
		tasks:   make(chan Task, queueLen),
		signals: make(chan Signal, 32),
		cancel:  cancel,
	}
	go h.loop(runCtx, run, spec)
	return h, nil
}

type workerHandle struct {
	tasks   chan Task
	signals chan Signal
	cancel  context.CancelFunc

	mu     sync.Mutex
	closed bool
}

func (h *workerHandle) Send(task Task) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return fmt.Errorf("unit stopped")
	}
	select {
	case h.tasks <- task:
		return nil
	default:
		return fmt.Errorf("unit task queue full")
	}
}

func (h *workerHandle) Signals() <-chan Signal {
	return h.signals
}

func (h *workerHandle) Terminate(graceful bool) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	close(h.tasks)
	h.mu.Unlock()
	if !graceful {
		h.cancel()
	}
}

func (h *workerHandle) loop(ctx context.Context, run WorkerFunc, spec LaunchSpec) {
	defer close(h.signals)
	// Release the run context once the loop exits; graceful drains never
	// reach cancel through Terminate.
	defer h.cancel()
	h.emit(Signal{Kind: SignalReady})

	for {
		select {
		case <-ctx.Done():
			h.emit(Signal{Kind: SignalExit})
			return
		case task, ok := <-h.tasks:
			if !ok {
				h.emit(Signal{Kind: SignalExit})
				return
			}
			h.runOne(ctx, run, spec, task)
		}
	}
}

func (h *workerHandle) runOne(ctx context.Context, run WorkerFunc, spec LaunchSpec, task Task) {
	defer func() {
		if r := recover(); r != nil {
			h.emit(Signal{Kind: SignalError, TaskID: task.ID, Err: fmt.Sprintf("agent code panicked: %v", r)})
		}
	}()
	result, err := run(ctx, spec.CodePath, task)
	if err != nil {
		h.emit(Signal{Kind: SignalError, TaskID: task.ID, Err: err.Error()})
		return
	}
	h.emit(Signal{Kind: SignalResult, TaskID: task.ID, Result: result})
}

func (h *workerHandle) emit(sig Signal) {
	select {
	case h.signals <- sig:
	default:
		// Manager stopped draining; drop rather than block the worker.
	}
}
