// Package lifecycle owns live agent instances: spawning them with a budget,
// routing usage into their trackers, converting a budget-exhausted instance
// into a persisted handoff, and terminating it. A background monitor reports
// instances stuck in transitional states.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/tsugi/internal/budget"
	"github.com/ashita-ai/tsugi/internal/model"
	"github.com/ashita-ai/tsugi/internal/service/handoff"
)

const (
	DefaultMonitorInterval = 30 * time.Second
	DefaultStaleAfter      = 5 * time.Minute
)

// HandoffStore persists continuation documents.
type HandoffStore interface {
	SaveHandoff(ctx context.Context, h model.Handoff, predecessorID *uuid.UUID) (model.Handoff, error)
	SetRenderedPath(ctx context.Context, id uuid.UUID, path string) error
}

// EventRecorder appends audit events.
type EventRecorder interface {
	InsertAuditEvent(ctx context.Context, e model.AuditEvent) error
}

// Callbacks are invoked on their own goroutine. A panicking callback is
// recovered and logged. Any field may be nil.
type Callbacks struct {
	OnWarning    func(Info)
	OnCritical   func(Info)
	OnHandoff    func(Info, model.Handoff)
	OnTerminated func(Info, model.TerminationReason)
	OnStale      func(Info)
}

// Config tunes a Manager. Zero values take defaults.
type Config struct {
	Budget          budget.Config
	MonitorInterval time.Duration
	StaleAfter      time.Duration
	// ReportDir, when set, receives a rendered report for every handoff.
	ReportDir string
}

func (c Config) withDefaults() Config {
	if c.Budget == (budget.Config{}) {
		c.Budget = budget.DefaultConfig()
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = DefaultMonitorInterval
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = DefaultStaleAfter
	}
	return c
}

// Statistics aggregates the manager's counters and live registry.
type Statistics struct {
	Spawned            int64          `json:"spawned"`
	Handoffs           int64          `json:"handoffs"`
	HandoffFailures    int64          `json:"handoff_failures"`
	Terminated         int64          `json:"terminated"`
	Live               int            `json:"live"`
	ByType             map[string]int `json:"by_type"`
	ByState            map[State]int  `json:"by_state"`
	AverageBudgetUnits float64        `json:"average_budget_units"`
}

// Manager is the registry of live instances. Create one per service with New
// and release it with Close.
type Manager struct {
	store     HandoffStore
	events    EventRecorder
	cfg       Config
	callbacks Callbacks
	logger    *slog.Logger
	now       func() time.Time
	inst      instruments

	mu        sync.RWMutex
	instances map[string]*instance
	versions  map[string]int

	statsMu         sync.Mutex
	spawned         int64
	handoffs        int64
	handoffFailures int64
	terminated      int64

	// callbackMu orders fire's WaitGroup Add against Close's Wait. Once
	// closed is set no further callbacks are started.
	callbackMu sync.Mutex
	closed     bool
	callbackWG sync.WaitGroup

	monitorMu  sync.Mutex
	cancelLoop context.CancelFunc
	done       chan struct{}
}

// New creates a Manager. store may be nil, in which case CreateHandoff fails;
// events may be nil to disable auditing.
func New(store HandoffStore, events EventRecorder, cfg Config, callbacks Callbacks, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		store:     store,
		events:    events,
		cfg:       cfg.withDefaults(),
		callbacks: callbacks,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		instances: make(map[string]*instance),
		versions:  make(map[string]int),
	}
	m.inst = newInstruments(m)
	return m
}

// SpawnRequest describes a new instance.
type SpawnRequest struct {
	AgentType string
	Role      string
	TraceID   string
	TaskID    string
	SessionID string
	ProjectID string

	// Budget overrides the manager's budget configuration.
	Budget *budget.Config

	// Predecessor is the handoff this instance continues from. Correlation
	// ids not set above are inherited from it, and its id becomes the
	// predecessor link of this instance's own handoff.
	Predecessor *model.Handoff
}

// Spawn registers a new active instance with its own budget tracker.
func (m *Manager) Spawn(ctx context.Context, req SpawnRequest) (Info, error) {
	if err := model.ValidateAgentType(req.AgentType); err != nil {
		return Info{}, fmt.Errorf("lifecycle: spawn: %w", err)
	}

	var predecessorID *uuid.UUID
	if p := req.Predecessor; p != nil {
		id := p.ID
		predecessorID = &id
		req.TraceID = firstNonEmpty(req.TraceID, p.TraceID)
		req.TaskID = firstNonEmpty(req.TaskID, p.TaskID)
		req.SessionID = firstNonEmpty(req.SessionID, p.SessionID)
		req.ProjectID = firstNonEmpty(req.ProjectID, p.ProjectID)
		req.Role = firstNonEmpty(req.Role, p.Target.Role)
	}
	if req.TraceID == "" {
		req.TraceID = uuid.NewString()
	}

	budgetCfg := m.cfg.Budget
	if req.Budget != nil {
		budgetCfg = *req.Budget
	}

	now := m.now()
	inst := &instance{
		agentType:     req.AgentType,
		role:          req.Role,
		spawnedAt:     now,
		traceID:       req.TraceID,
		taskID:        req.TaskID,
		sessionID:     req.SessionID,
		projectID:     req.ProjectID,
		predecessorID: predecessorID,
		tracker:       budget.NewTracker(budgetCfg),
		state:         StateInitializing,
		stateSince:    now,
	}

	m.mu.Lock()
	version := m.versions[req.AgentType] + 1
	if p := req.Predecessor; p != nil && p.Target.AgentType == req.AgentType && p.Target.Version > version {
		version = p.Target.Version
	}
	m.versions[req.AgentType] = version
	inst.version = version
	inst.id = handoff.InstanceID(req.AgentType, version)
	m.instances[inst.id] = inst
	m.mu.Unlock()

	if err := inst.transition(StateActive, now); err != nil {
		return Info{}, err
	}

	m.statsMu.Lock()
	m.spawned++
	m.statsMu.Unlock()
	m.inst.spawned.Add(ctx, 1, agentAttrs(inst.agentType))

	info := inst.info()
	summary := map[string]any{"agent_type": info.AgentType, "version": info.Version, "trace_id": info.TraceID}
	if predecessorID != nil {
		summary["predecessor_id"] = predecessorID.String()
	}
	m.audit(ctx, info, model.AuditInstanceSpawned, summary)
	m.logger.Info("lifecycle: instance spawned", "instance_id", info.ID, "trace_id", info.TraceID, "version", info.Version)
	return info, nil
}

// RecordUsage adds usage to the instance's tracker and returns its status.
//
// The first call that crosses the critical threshold returns a
// *BudgetExhaustedError (errors.Is ErrBudgetExhausted) alongside
// StatusCritical; later calls return StatusCritical with a nil error.
// An unknown id is logged and treated as a no-op.
func (m *Manager) RecordUsage(ctx context.Context, id, label string, u budget.Usage) (budget.Status, error) {
	inst := m.lookup(id)
	if inst == nil {
		m.logger.Warn("lifecycle: usage for unknown instance", "instance_id", id, "operation", label)
		return budget.StatusOK, nil
	}

	res := inst.tracker.Record(label, u)

	if res.WarningFired {
		m.enterThreshold(ctx, inst, StateWarning)
		m.inst.warnings.Add(ctx, 1, agentAttrs(inst.agentType))
		info := inst.info()
		m.logger.Warn("lifecycle: budget warning", "instance_id", id, "usage_percent", res.UsagePercent)
		m.audit(ctx, info, model.AuditBudgetWarning, map[string]any{"total": res.Total, "usage_percent": res.UsagePercent})
		if cb := m.callbacks.OnWarning; cb != nil {
			m.fire("on_warning", func() { cb(info) })
		}
	}

	if res.CriticalFired {
		m.enterThreshold(ctx, inst, StateCritical)
		m.inst.criticals.Add(ctx, 1, agentAttrs(inst.agentType))
		info := inst.info()
		m.logger.Warn("lifecycle: budget critical", "instance_id", id, "usage_percent", res.UsagePercent)
		m.audit(ctx, info, model.AuditBudgetCritical, map[string]any{"total": res.Total, "usage_percent": res.UsagePercent})
		if cb := m.callbacks.OnCritical; cb != nil {
			m.fire("on_critical", func() { cb(info) })
		}
		return budget.StatusCritical, &BudgetExhaustedError{InstanceID: id, Budget: info.Budget}
	}

	return res.Status, nil
}

// enterThreshold moves a budget-bound instance into a threshold state. An
// instance already past that point (for example mid-handoff) keeps its state.
func (m *Manager) enterThreshold(ctx context.Context, inst *instance, next State) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	switch inst.state {
	case StateActive, StateWarning:
	default:
		return
	}
	if inst.state == next {
		return
	}
	if err := inst.transitionLocked(next, m.now()); err != nil {
		m.logger.DebugContext(ctx, "lifecycle: threshold transition skipped", "instance_id", inst.id, "error", err)
	}
}

// HandoffInput is the caller-supplied content of a handoff.
type HandoffInput struct {
	// TerminationReason defaults to budget_exhausted when the tracker is at or
	// past critical, and manual otherwise.
	TerminationReason model.TerminationReason
	Progress          handoff.Progress
	// PredecessorID overrides the link recorded at spawn time.
	PredecessorID *uuid.UUID
}

// CreateHandoff builds and persists the continuation document for an
// instance. The target names the same type at the next version.
//
// Persistence failures are returned and audited; the instance stays in
// handoff_pending so the caller may retry.
func (m *Manager) CreateHandoff(ctx context.Context, id string, in HandoffInput) (model.Handoff, error) {
	inst := m.lookup(id)
	if inst == nil {
		return model.Handoff{}, fmt.Errorf("%w: %s", ErrUnknownInstance, id)
	}

	ctx, span := m.inst.tracer.Start(ctx, "lifecycle.CreateHandoff",
		trace.WithAttributes(
			attribute.String("tsugi.instance_id", inst.id),
			attribute.String("tsugi.agent_type", inst.agentType),
			attribute.String("tsugi.trace_id", inst.traceID),
		),
	)
	defer span.End()
	start := time.Now()

	if err := m.beginHandoff(inst); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return model.Handoff{}, err
	}
	defer m.endHandoff(inst)

	doc, err := m.persistHandoff(ctx, inst, in)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.statsMu.Lock()
		m.handoffFailures++
		m.statsMu.Unlock()
		m.inst.handoffFailures.Add(ctx, 1, agentAttrs(inst.agentType))
		m.logger.Error("lifecycle: handoff failed", "instance_id", id, "error", err)
		m.audit(ctx, inst.info(), model.AuditHandoffFailed, map[string]any{"error": err.Error()})
		return model.Handoff{}, err
	}

	now := m.now()
	inst.mu.Lock()
	err = inst.transitionLocked(StateHandoffComplete, now)
	docID := doc.ID
	inst.lastHandoff = &docID
	inst.mu.Unlock()
	if err != nil {
		// Terminated concurrently; the document is already durable.
		m.logger.Warn("lifecycle: handoff persisted after state change", "instance_id", id, "error", err)
	}

	m.statsMu.Lock()
	m.handoffs++
	m.statsMu.Unlock()
	m.inst.handoffs.Add(ctx, 1, agentAttrs(inst.agentType))
	m.inst.handoffDuration.Record(ctx, float64(time.Since(start).Milliseconds()), agentAttrs(inst.agentType))
	span.SetAttributes(attribute.String("tsugi.handoff_id", doc.ID.String()))

	info := inst.info()
	m.audit(ctx, info, model.AuditHandoffCreated, map[string]any{
		"handoff_id":       doc.ID.String(),
		"target_agent_id":  doc.Target.AgentID,
		"percent_complete": doc.Progress.PercentComplete,
		"usage_percent":    doc.Budget.UsagePercent,
	})
	m.logger.Info("lifecycle: handoff created", "instance_id", id, "handoff_id", doc.ID, "target", doc.Target.AgentID)
	if cb := m.callbacks.OnHandoff; cb != nil {
		m.fire("on_handoff", func() { cb(info, doc) })
	}
	return doc, nil
}

// beginHandoff moves the instance into handoff_pending. A retry after a
// failed attempt finds it already there.
func (m *Manager) beginHandoff(inst *instance) error {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.handingOff {
		return fmt.Errorf("%w: %s", ErrHandoffInProgress, inst.id)
	}
	if inst.state != StateHandoffPending {
		if err := inst.transitionLocked(StateHandoffPending, m.now()); err != nil {
			return err
		}
	}
	inst.handingOff = true
	return nil
}

func (m *Manager) endHandoff(inst *instance) {
	inst.mu.Lock()
	inst.handingOff = false
	inst.mu.Unlock()
}

func (m *Manager) persistHandoff(ctx context.Context, inst *instance, in HandoffInput) (model.Handoff, error) {
	if m.store == nil {
		return model.Handoff{}, errors.New("lifecycle: no handoff store configured")
	}

	reason := in.TerminationReason
	if reason == "" {
		reason = model.TerminationManual
		if inst.tracker.ShouldHandoff() {
			reason = model.TerminationBudgetExhausted
		}
	}
	source := inst.descriptor(reason)

	doc, err := handoff.Build(handoff.BuildInput{
		TraceID:   inst.traceID,
		TaskID:    inst.taskID,
		SessionID: inst.sessionID,
		ProjectID: inst.projectID,
		Source:    source,
		Target:    handoff.TargetFor(source),
		Budget:    inst.tracker.Summary(),
		Progress:  in.Progress,
		Now:       m.now(),
	})
	if err != nil {
		return model.Handoff{}, fmt.Errorf("lifecycle: build handoff: %w", err)
	}

	predecessor := in.PredecessorID
	if predecessor == nil {
		predecessor = inst.predecessorID
	}

	saved, err := m.store.SaveHandoff(ctx, doc, predecessor)
	if err != nil {
		return model.Handoff{}, fmt.Errorf("lifecycle: persist handoff: %w", err)
	}

	if m.cfg.ReportDir != "" {
		path, err := handoff.WriteReport(m.cfg.ReportDir, saved)
		if err != nil {
			m.logger.Warn("lifecycle: handoff report not written", "handoff_id", saved.ID, "error", err)
		} else if err := m.store.SetRenderedPath(ctx, saved.ID, path); err != nil {
			m.logger.Warn("lifecycle: rendered path not recorded", "handoff_id", saved.ID, "error", err)
		} else {
			saved.RenderedPath = &path
		}
	}
	return saved, nil
}

// Terminate ends an instance and removes it from the registry. Unknown ids
// are logged and ignored, so repeated calls are safe.
func (m *Manager) Terminate(ctx context.Context, id string, reason model.TerminationReason) error {
	m.mu.Lock()
	inst, ok := m.instances[id]
	if ok {
		delete(m.instances, id)
	}
	m.mu.Unlock()
	if !ok {
		m.logger.Warn("lifecycle: terminate for unknown instance", "instance_id", id)
		return nil
	}

	if err := inst.transition(StateTerminated, m.now()); err != nil {
		// Every live state may terminate; reaching this means the instance
		// was already terminated through another path.
		m.logger.Warn("lifecycle: terminate", "instance_id", id, "error", err)
		return nil
	}

	m.statsMu.Lock()
	m.terminated++
	m.statsMu.Unlock()
	m.inst.terminations.Add(ctx, 1, agentAttrs(inst.agentType))

	info := inst.info()
	m.audit(ctx, info, model.AuditInstanceTerminated, map[string]any{
		"reason":      string(reason),
		"total_units": info.Budget.Total,
	})
	m.logger.Info("lifecycle: instance terminated", "instance_id", id, "reason", reason)
	if cb := m.callbacks.OnTerminated; cb != nil {
		m.fire("on_terminated", func() { cb(info, reason) })
	}
	return nil
}

// Instance returns a snapshot of a live instance.
func (m *Manager) Instance(id string) (Info, bool) {
	inst := m.lookup(id)
	if inst == nil {
		return Info{}, false
	}
	return inst.info(), true
}

// Instances returns snapshots of all live instances ordered by id.
func (m *Manager) Instances() []Info {
	live := m.snapshot()
	out := make([]Info, 0, len(live))
	for _, inst := range live {
		out = append(out, inst.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ShouldHandoff reports whether the instance is at or past its critical
// threshold. Unknown ids report false.
func (m *Manager) ShouldHandoff(id string) bool {
	inst := m.lookup(id)
	return inst != nil && inst.tracker.ShouldHandoff()
}

// Statistics returns aggregate counts and per-type and per-state breakdowns.
func (m *Manager) Statistics() Statistics {
	live := m.snapshot()
	s := Statistics{
		Live:    len(live),
		ByType:  make(map[string]int),
		ByState: make(map[State]int),
	}
	var units int64
	for _, inst := range live {
		s.ByType[inst.agentType]++
		s.ByState[inst.currentState()]++
		units += inst.tracker.Total()
	}
	if len(live) > 0 {
		s.AverageBudgetUnits = float64(units) / float64(len(live))
	}

	m.statsMu.Lock()
	s.Spawned = m.spawned
	s.Handoffs = m.handoffs
	s.HandoffFailures = m.handoffFailures
	s.Terminated = m.terminated
	m.statsMu.Unlock()
	return s
}

// Close stops the monitor, waits for in-flight callbacks and detaches the
// manager's metric callbacks. Callbacks triggered after Close are dropped.
// Close is safe to call more than once.
func (m *Manager) Close() {
	m.StopMonitor()

	m.callbackMu.Lock()
	first := !m.closed
	m.closed = true
	m.callbackMu.Unlock()

	m.callbackWG.Wait()
	if first {
		if err := m.inst.unregister(); err != nil {
			m.logger.Warn("lifecycle: unregister metric callback", "error", err)
		}
	}
}

func (m *Manager) lookup(id string) *instance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.instances[id]
}

// snapshot copies the registry so callers can inspect instances without
// holding the registry lock.
func (m *Manager) snapshot() []*instance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*instance, 0, len(m.instances))
	for _, inst := range m.instances {
		out = append(out, inst)
	}
	return out
}

func (m *Manager) liveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.instances)
}

// fire runs fn on its own goroutine. Panics are recovered and logged.
func (m *Manager) fire(name string, fn func()) {
	m.callbackMu.Lock()
	if m.closed {
		m.callbackMu.Unlock()
		m.logger.Debug("lifecycle: manager closed, callback dropped", "callback", name)
		return
	}
	m.callbackWG.Add(1)
	m.callbackMu.Unlock()
	go func() {
		defer m.callbackWG.Done()
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error("lifecycle: callback panicked", "callback", name, "panic", r, "stack", string(debug.Stack()))
			}
		}()
		fn()
	}()
}

// audit records a lifecycle event. Failures are logged, never returned.
func (m *Manager) audit(ctx context.Context, info Info, eventType string, summary map[string]any) {
	if m.events == nil {
		return
	}
	err := m.events.InsertAuditEvent(ctx, model.AuditEvent{
		Scope:     model.AuditScopeLifecycle,
		SessionID: info.SessionID,
		SubjectID: info.ID,
		EventType: eventType,
		Summary:   summary,
	})
	if err != nil {
		m.logger.Warn("lifecycle: audit event not recorded", "event_type", eventType, "instance_id", info.ID, "error", err)
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
