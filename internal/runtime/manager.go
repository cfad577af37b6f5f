// Package runtime owns the full lifecycle of dynamically supplied agent
// code: validate, isolate, run, supervise, reclaim. The manager is the only
// writer of the agent-descriptor table; execution units talk to it solely
// through their control channel.
package runtime

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/flitsinc/agentrt/internal/bus"
	"github.com/flitsinc/agentrt/internal/codeguard"
	"github.com/flitsinc/agentrt/internal/idgen"
	"github.com/flitsinc/agentrt/internal/sched"
	"github.com/flitsinc/agentrt/internal/unit"
)

type Status string

const (
	StatusDeploying Status = "deploying"
	StatusRunning   Status = "running"
	StatusStopped   Status = "stopped"
)

const (
	IsolationProcess = "process"
	IsolationWorker  = "worker"
)

// Lifecycle event channels published on the bus.
const (
	ChannelDeployed  = "agent:deployed"
	ChannelReady     = "agent:ready"
	ChannelResult    = "agent:result"
	ChannelTaskError = "agent:task-error"
	ChannelError     = "agent:error"
	ChannelStopped   = "agent:stopped"
)

var (
	ErrCapacityExceeded        = errors.New("agent capacity exceeded")
	ErrNotFound                = errors.New("agent not found")
	ErrNotRunning              = errors.New("agent not running")
	ErrUnknownIsolation        = errors.New("unknown isolation mode")
	ErrInvalidStatusTransition = errors.New("invalid agent status transition")
)

type StatusTransitionError struct {
	AgentID string
	From    Status
	To      Status
}

func (e *StatusTransitionError) Error() string {
	return fmt.Sprintf("invalid agent status transition for %s: %s -> %s", e.AgentID, e.From, e.To)
}

func (e *StatusTransitionError) Unwrap() error {
	return ErrInvalidStatusTransition
}

func statusRank(s Status) int {
	switch s {
	case StatusDeploying:
		return 0
	case StatusRunning:
		return 1
	case StatusStopped:
		return 2
	default:
		return -1
	}
}

// Spec describes one agent to deploy.
type Spec struct {
	Type         string
	Capabilities []string
	Isolation    string // empty means the manager default
	Filename     string // source file name, defaults to "agent.js"
}

// TaskSpec is one unit of work for Dispatch. ID is optional; generated when
// empty.
type TaskSpec struct {
	ID      string
	Payload map[string]any
}

// Agent is the descriptor merged with its task counters, as returned by
// status queries.
type Agent struct {
	ID           string    `json:"id"`
	Type         string    `json:"type"`
	Capabilities []string  `json:"capabilities,omitempty"`
	CodePath     string    `json:"code_path"`
	Isolation    string    `json:"isolation"`
	Status       Status    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`

	TasksReceived  int `json:"tasks_received"`
	TasksCompleted int `json:"tasks_completed"`
	TasksFailed    int `json:"tasks_failed"`
}

// Validator scans agent source before deployment. The default is the
// codeguard denylist scanner.
type Validator interface {
	Scan(source string) error
}

type agentState struct {
	agent    Agent
	handle   unit.Handle
	idle     *sched.Entry
	stopping bool
}

type Manager struct {
	db        *sql.DB
	bus       *bus.Bus
	sch       *sched.Scheduler
	launchers map[string]unit.Launcher
	validator Validator
	logger    *slog.Logger
	nowFn     func() time.Time

	maxAgents    int
	idleTimeout  time.Duration
	cleanupGrace time.Duration
	codeDir      string
	isolation    string

	mu     sync.Mutex
	agents map[string]*agentState
}

type Option func(*Manager)

func WithMaxAgents(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxAgents = n
		}
	}
}

func WithIdleTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.idleTimeout = d
		}
	}
}

func WithCleanupGrace(d time.Duration) Option {
	return func(m *Manager) {
		if d >= 0 {
			m.cleanupGrace = d
		}
	}
}

func WithCodeDir(dir string) Option {
	return func(m *Manager) {
		if dir != "" {
			m.codeDir = dir
		}
	}
}

// WithLauncher registers the launcher for an isolation mode. The first
// registered mode becomes the default unless WithDefaultIsolation says
// otherwise.
func WithLauncher(mode string, launcher unit.Launcher) Option {
	return func(m *Manager) {
		if mode == "" || launcher == nil {
			return
		}
		m.launchers[mode] = launcher
		if m.isolation == "" {
			m.isolation = mode
		}
	}
}

func WithDefaultIsolation(mode string) Option {
	return func(m *Manager) {
		if mode != "" {
			m.isolation = mode
		}
	}
}

func WithValidator(v Validator) Option {
	return func(m *Manager) {
		if v != nil {
			m.validator = v
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func WithClock(nowFn func() time.Time) Option {
	return func(m *Manager) {
		if nowFn != nil {
			m.nowFn = nowFn
		}
	}
}

func NewManager(db *sql.DB, msgBus *bus.Bus, sch *sched.Scheduler, opts ...Option) *Manager {
	m := &Manager{
		db:        db,
		bus:       msgBus,
		sch:       sch,
		launchers: map[string]unit.Launcher{},
		validator: codeguard.NewScanner(),
		logger:    slog.Default(),
		nowFn:     func() time.Time { return time.Now().UTC() },

		maxAgents:    10,
		idleTimeout:  5 * time.Minute,
		cleanupGrace: 5 * time.Second,
		codeDir:      "data/agent-code",

		agents: map[string]*agentState{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Initialize prepares the managed code directory and marks descriptors left
// over from a previous run as stopped.
func (m *Manager) Initialize(ctx context.Context) error {
	if err := os.MkdirAll(m.codeDir, 0o755); err != nil {
		return fmt.Errorf("create code dir: %w", err)
	}
	if _, err := m.db.ExecContext(ctx, `UPDATE agents SET status = ? WHERE status != ?`, StatusStopped, StatusStopped); err != nil {
		return fmt.Errorf("reset stale agents: %w", err)
	}
	return nil
}

// Deploy validates the source, persists it, starts an execution unit, and
// begins supervising it. The returned agent stays deploying until the unit
// signals ready.
func (m *Manager) Deploy(ctx context.Context, source string, spec Spec) (string, error) {
	if strings.TrimSpace(source) == "" {
		return "", fmt.Errorf("source code is required")
	}
	agentType := spec.Type
	if agentType == "" {
		agentType = "agent"
	}

	if err := m.validator.Scan(source); err != nil {
		return "", err
	}

	isolation := spec.Isolation
	if isolation == "" {
		isolation = m.isolation
	}
	launcher := m.launchers[isolation]
	if launcher == nil {
		return "", fmt.Errorf("%w: %q", ErrUnknownIsolation, isolation)
	}

	filename := spec.Filename
	if filename == "" {
		filename = "agent.js"
	}

	// Capacity check, ID generation, descriptor insert, and registration
	// are one atomic step: the row is in the table before the lock drops,
	// so a concurrent deploy of the same type sees the new MAX and cannot
	// be assigned the same ID.
	m.mu.Lock()
	if len(m.agents) >= m.maxAgents {
		m.mu.Unlock()
		return "", ErrCapacityExceeded
	}
	id := idgen.AgentID(m.db, agentType)
	codePath := filepath.Join(m.codeDir, id, filename)
	now := m.nowFn()
	agent := Agent{
		ID:           id,
		Type:         agentType,
		Capabilities: spec.Capabilities,
		CodePath:     codePath,
		Isolation:    isolation,
		Status:       StatusDeploying,
		CreatedAt:    now,
		LastActivity: now,
	}
	if err := m.insertAgent(ctx, agent); err != nil {
		m.mu.Unlock()
		return "", fmt.Errorf("persist agent descriptor: %w", err)
	}
	st := &agentState{agent: agent}
	m.agents[id] = st
	m.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(codePath), 0o755); err != nil {
		m.abortDeploy(id, codePath)
		return "", fmt.Errorf("create agent dir: %w", err)
	}
	if err := os.WriteFile(codePath, []byte(source), 0o600); err != nil {
		m.abortDeploy(id, codePath)
		return "", fmt.Errorf("persist agent source: %w", err)
	}

	handle, err := launcher.Launch(ctx, unit.LaunchSpec{AgentID: id, CodePath: codePath})
	if err != nil {
		m.abortDeploy(id, codePath)
		return "", fmt.Errorf("launch execution unit: %w", err)
	}

	m.mu.Lock()
	if st.stopping {
		// Stopped while launching; the handle was never wired, so kill it.
		m.mu.Unlock()
		handle.Terminate(false)
		return id, nil
	}
	st.handle = handle
	m.armIdleLocked(st)
	m.mu.Unlock()

	go m.watch(id, handle)

	m.publish(ChannelDeployed, map[string]any{
		"agent_id": id,
		"type":     agentType,
	})
	m.logger.Info("agent deployed", "agent_id", id, "type", agentType, "isolation", isolation)
	return id, nil
}

// abortDeploy rolls back a reserved deployment that never reached launch.
func (m *Manager) abortDeploy(agentID, codePath string) {
	m.mu.Lock()
	delete(m.agents, agentID)
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := m.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, agentID); err != nil {
		m.logger.Warn("rollback agent descriptor failed", "agent_id", agentID, "error", err)
	}
	_ = os.RemoveAll(filepath.Dir(codePath))
}

// Dispatch forwards a task to a running agent and returns its task ID
// immediately. Completion is observed via agent:result / agent:task-error
// events; results may arrive out of dispatch order.
func (m *Manager) Dispatch(ctx context.Context, agentID string, task TaskSpec) (string, error) {
	taskID := task.ID
	if taskID == "" {
		taskID = idgen.New()
	} else if err := idgen.ValidateCustomID(taskID); err != nil {
		return "", err
	}

	m.mu.Lock()
	st, ok := m.agents[agentID]
	if !ok {
		m.mu.Unlock()
		return "", ErrNotFound
	}
	if st.agent.Status != StatusRunning {
		m.mu.Unlock()
		return "", ErrNotRunning
	}
	now := m.nowFn()
	st.agent.TasksReceived++
	st.agent.LastActivity = now
	handle := st.handle
	m.mu.Unlock()

	if err := handle.Send(unit.Task{ID: taskID, Payload: task.Payload, DispatchedAt: now}); err != nil {
		return "", fmt.Errorf("dispatch task: %w", err)
	}
	m.touchAgent(ctx, agentID, now)
	return taskID, nil
}

// Stop terminates the agent's execution unit, marks it stopped, and schedules
// deferred artifact cleanup. Stopping an unknown or already stopping agent is
// a no-op.
func (m *Manager) Stop(ctx context.Context, agentID string) {
	m.mu.Lock()
	st, ok := m.agents[agentID]
	if !ok || st.stopping {
		m.mu.Unlock()
		return
	}
	st.stopping = true
	if st.idle != nil {
		st.idle.Cancel()
		st.idle = nil
	}
	if err := m.setStatusLocked(st, StatusStopped); err != nil {
		m.logger.Warn("stop status transition rejected", "agent_id", agentID, "error", err)
	}
	handle := st.handle
	graceful := st.agent.Isolation == IsolationWorker
	m.mu.Unlock()

	if handle != nil {
		handle.Terminate(graceful)
	}
	m.persistStatus(ctx, agentID, StatusStopped)
	m.publish(ChannelStopped, map[string]any{"agent_id": agentID})
	m.logger.Info("agent stopped", "agent_id", agentID)
	m.scheduleRemoval(agentID)
}

// StopAll stops every tracked agent concurrently and removes them; the
// tracked-agent count is zero when it returns.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.agents))
	for id := range m.agents {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(agentID string) {
			defer wg.Done()
			m.Stop(ctx, agentID)
		}(id)
	}
	wg.Wait()

	for _, id := range ids {
		m.removeAgent(id)
	}
}

// Shutdown stops all agents. The bus and scheduler are owned by the caller
// and shut down separately.
func (m *Manager) Shutdown(ctx context.Context) {
	m.StopAll(ctx)
}

// Status returns the descriptor merged with task counters. Unknown IDs
// report ok=false, not an error.
func (m *Manager) Status(agentID string) (Agent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.agents[agentID]
	if !ok {
		return Agent{}, false
	}
	return st.agent, true
}

// AllStatuses returns every tracked agent ordered by creation time.
func (m *Manager) AllStatuses() []Agent {
	m.mu.Lock()
	out := make([]Agent, 0, len(m.agents))
	for _, st := range m.agents {
		out = append(out, st.agent)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Tracked returns the number of tracked agents.
func (m *Manager) Tracked() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.agents)
}

func (m *Manager) watch(agentID string, handle unit.Handle) {
	for sig := range handle.Signals() {
		switch sig.Kind {
		case unit.SignalReady:
			m.markReady(agentID)
		case unit.SignalResult:
			m.recordOutcome(agentID, sig, true)
		case unit.SignalError:
			m.recordOutcome(agentID, sig, false)
		case unit.SignalExit:
			m.handleExit(agentID, sig)
		}
	}
}

func (m *Manager) markReady(agentID string) {
	m.mu.Lock()
	st, ok := m.agents[agentID]
	if !ok || st.agent.Status != StatusDeploying {
		m.mu.Unlock()
		return
	}
	if err := m.setStatusLocked(st, StatusRunning); err != nil {
		m.mu.Unlock()
		return
	}
	st.agent.LastActivity = m.nowFn()
	m.mu.Unlock()

	m.persistStatus(context.Background(), agentID, StatusRunning)
	m.publish(ChannelReady, map[string]any{"agent_id": agentID})
	m.logger.Info("agent ready", "agent_id", agentID)
}

func (m *Manager) recordOutcome(agentID string, sig unit.Signal, completed bool) {
	m.mu.Lock()
	st, ok := m.agents[agentID]
	if !ok {
		m.mu.Unlock()
		return
	}
	now := m.nowFn()
	st.agent.LastActivity = now
	if completed {
		st.agent.TasksCompleted++
	} else {
		st.agent.TasksFailed++
	}
	m.mu.Unlock()

	m.touchAgent(context.Background(), agentID, now)
	if completed {
		m.publish(ChannelResult, map[string]any{
			"agent_id": agentID,
			"task_id":  sig.TaskID,
			"result":   sig.Result,
		})
		return
	}
	m.publish(ChannelTaskError, map[string]any{
		"agent_id": agentID,
		"task_id":  sig.TaskID,
		"error":    sig.Err,
	})
}

func (m *Manager) handleExit(agentID string, sig unit.Signal) {
	m.mu.Lock()
	st, ok := m.agents[agentID]
	if !ok || st.stopping {
		m.mu.Unlock()
		return
	}
	// The unit died on its own: surface the crash, never auto-restart.
	st.stopping = true
	if st.idle != nil {
		st.idle.Cancel()
		st.idle = nil
	}
	if err := m.setStatusLocked(st, StatusStopped); err != nil {
		m.logger.Warn("crash status transition rejected", "agent_id", agentID, "error", err)
	}
	m.mu.Unlock()

	reason := "execution unit exited unexpectedly"
	if sig.Err != "" {
		reason = fmt.Sprintf("%s: %s", reason, sig.Err)
	}
	m.persistStatus(context.Background(), agentID, StatusStopped)
	m.publish(ChannelError, map[string]any{
		"agent_id": agentID,
		"error":    reason,
	})
	m.logger.Warn("agent crashed", "agent_id", agentID, "error", sig.Err)
	m.scheduleRemoval(agentID)
}

func (m *Manager) setStatusLocked(st *agentState, to Status) error {
	from := st.agent.Status
	if statusRank(to) < statusRank(from) {
		return &StatusTransitionError{AgentID: st.agent.ID, From: from, To: to}
	}
	st.agent.Status = to
	return nil
}

// armIdleLocked arms the self-renewing idle deadline. On fire, the agent is
// stopped if it sat idle past the timeout; otherwise the deadline is re-armed
// from its actual last activity, so the check adapts to real idle windows.
func (m *Manager) armIdleLocked(st *agentState) {
	if m.sch == nil {
		return
	}
	agentID := st.agent.ID
	st.idle = m.sch.Schedule(st.agent.LastActivity.Add(m.idleTimeout), func() {
		m.checkIdle(agentID)
	})
}

func (m *Manager) checkIdle(agentID string) {
	m.mu.Lock()
	st, ok := m.agents[agentID]
	if !ok || st.stopping {
		m.mu.Unlock()
		return
	}
	if m.nowFn().Sub(st.agent.LastActivity) < m.idleTimeout {
		m.armIdleLocked(st)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	m.logger.Info("stopping idle agent", "agent_id", agentID, "idle_timeout", m.idleTimeout)
	m.Stop(context.Background(), agentID)
}

func (m *Manager) scheduleRemoval(agentID string) {
	if m.sch == nil || m.cleanupGrace == 0 {
		m.removeAgent(agentID)
		return
	}
	m.sch.After(m.cleanupGrace, func() {
		m.removeAgent(agentID)
	})
}

// removeAgent drops the descriptor and deletes the agent's artifacts. Safe
// to call more than once.
func (m *Manager) removeAgent(agentID string) {
	m.mu.Lock()
	st, ok := m.agents[agentID]
	if ok {
		delete(m.agents, agentID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := m.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, agentID); err != nil {
		m.logger.Warn("delete agent row failed", "agent_id", agentID, "error", err)
	}
	if st.agent.CodePath != "" {
		if err := os.RemoveAll(filepath.Dir(st.agent.CodePath)); err != nil {
			m.logger.Warn("remove agent artifacts failed", "agent_id", agentID, "error", err)
		}
	}
}

func (m *Manager) insertAgent(ctx context.Context, agent Agent) error {
	caps, err := json.Marshal(agent.Capabilities)
	if err != nil {
		return fmt.Errorf("encode capabilities: %w", err)
	}
	_, err = m.db.ExecContext(ctx, `
		INSERT INTO agents (id, type, capabilities, code_path, isolation, status, created_at, last_activity)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, agent.ID, agent.Type, string(caps), agent.CodePath, agent.Isolation, agent.Status,
		agent.CreatedAt.Format(time.RFC3339Nano), agent.LastActivity.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert agent: %w", err)
	}
	return nil
}

func (m *Manager) persistStatus(ctx context.Context, agentID string, status Status) {
	if _, err := m.db.ExecContext(ctx, `UPDATE agents SET status = ? WHERE id = ?`, status, agentID); err != nil {
		m.logger.Warn("persist agent status failed", "agent_id", agentID, "error", err)
	}
}

func (m *Manager) touchAgent(ctx context.Context, agentID string, at time.Time) {
	if _, err := m.db.ExecContext(ctx, `UPDATE agents SET last_activity = ? WHERE id = ?`, at.Format(time.RFC3339Nano), agentID); err != nil {
		m.logger.Warn("persist agent activity failed", "agent_id", agentID, "error", err)
	}
}

func (m *Manager) publish(channel string, payload map[string]any) {
	if m.bus == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := m.bus.Publish(ctx, channel, payload); err != nil && !errors.Is(err, bus.ErrNotConnected) {
		m.logger.Warn("publish lifecycle event failed", "channel", channel, "error", err)
	}
}
