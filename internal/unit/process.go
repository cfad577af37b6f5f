package unit

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/flitsinc/agentrt/internal/idgen"
)

const sendTimeout = 5 * time.Second

// ControlHub accepts websocket control connections from spawned unit
// processes. Each launch registers a one-time token; the child presents it
// when dialing back, and the hub attaches the connection to the waiting
// handle.
type ControlHub struct {
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]*processHandle
}

func NewControlHub(logger *slog.Logger) *ControlHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &ControlHub{logger: logger, pending: map[string]*processHandle{}}
}

func (hub *ControlHub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/control", hub.handleControl)
	return mux
}

func (hub *ControlHub) handleControl(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	hub.mu.Lock()
	h := hub.pending[token]
	hub.mu.Unlock()
	if h == nil {
		w.WriteHeader(http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closed")

	// Blocks until the unit hangs up; exit signaling is owned by the
	// process waiter, not the connection.
	h.attach(r.Context(), conn)
	_ = conn.Close(websocket.StatusNormalClosure, "done")
}

func (hub *ControlHub) register(token string, h *processHandle) {
	hub.mu.Lock()
	hub.pending[token] = h
	hub.mu.Unlock()
}

func (hub *ControlHub) unregister(token string) {
	hub.mu.Lock()
	delete(hub.pending, token)
	hub.mu.Unlock()
}

// ProcessLauncher starts each agent as a separate OS process running the
// unit binary. The child dials ControlURL back with its one-time token and
// exchanges ControlFrames; it inherits no environment beyond what the unit
// binary needs.
type ProcessLauncher struct {
	Hub        *ControlHub
	Binary     string
	ControlURL string
	Logger     *slog.Logger
}

func (l *ProcessLauncher) Launch(ctx context.Context, spec LaunchSpec) (Handle, error) {
	if l.Hub == nil {
		return nil, fmt.Errorf("control hub is required")
	}
	binary := l.Binary
	if binary == "" {
		binary = "agentrt-unit"
	}

	token := idgen.New()
	h := &processHandle{
		signals: make(chan Signal, 32),
	}
	l.Hub.register(token, h)

	cmd := exec.Command(binary)
	cmd.Env = []string{
		"AGENTRT_CONTROL_URL=" + l.ControlURL,
		"AGENTRT_AGENT_ID=" + spec.AgentID,
		"AGENTRT_UNIT_TOKEN=" + token,
		"AGENTRT_CODE_PATH=" + spec.CodePath,
		"PATH=" + os.Getenv("PATH"),
	}
	if err := cmd.Start(); err != nil {
		l.Hub.unregister(token)
		return nil, fmt.Errorf("start unit process: %w", err)
	}
	h.setProcess(cmd.Process)

	go func() {
		err := cmd.Wait()
		l.Hub.unregister(token)
		sig := Signal{Kind: SignalExit}
		if err != nil {
			sig.Err = err.Error()
		}
		h.finish(sig)
	}()

	return h, nil
}

type processHandle struct {
	signals chan Signal

	mu       sync.Mutex
	conn     *websocket.Conn
	proc     *os.Process
	finished bool
}

func (h *processHandle) setProcess(p *os.Process) {
	h.mu.Lock()
	h.proc = p
	h.mu.Unlock()
}

func (h *processHandle) attach(ctx context.Context, conn *websocket.Conn) {
	h.mu.Lock()
	h.conn = conn
	h.mu.Unlock()

	for {
		var frame ControlFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			h.mu.Lock()
			h.conn = nil
			h.mu.Unlock()
			return
		}
		switch frame.Kind {
		case "ready":
			h.emit(Signal{Kind: SignalReady})
		case "result":
			h.emit(Signal{Kind: SignalResult, TaskID: frame.TaskID, Result: frame.Result})
		case "error":
			h.emit(Signal{Kind: SignalError, TaskID: frame.TaskID, Err: frame.Error})
		}
	}
}

func (h *processHandle) Send(task Task) error {
	h.mu.Lock()
	conn := h.conn
	h.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("control channel not attached")
	}
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, ControlFrame{Kind: "task", TaskID: task.ID, Payload: task.Payload})
}

func (h *processHandle) Signals() <-chan Signal {
	return h.signals
}

// Terminate kills the child. Separate processes get forced termination
// regardless of graceful; there is no cooperative shutdown across the
// process boundary.
func (h *processHandle) Terminate(graceful bool) {
	h.mu.Lock()
	conn := h.conn
	proc := h.proc
	h.mu.Unlock()
	if conn != nil {
		_ = conn.Close(websocket.StatusGoingAway, "stopping")
	}
	if proc != nil {
		_ = proc.Kill()
	}
}

func (h *processHandle) emit(sig Signal) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.finished {
		return
	}
	select {
	case h.signals <- sig:
	default:
	}
}

func (h *processHandle) finish(sig Signal) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.finished {
		return
	}
	h.finished = true
	select {
	case h.signals <- sig:
	default:
	}
	close(h.signals)
}
