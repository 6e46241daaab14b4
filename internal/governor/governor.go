// Package governor enforces tenant and resource governance for workflow
// executions.
//
// A Governor admits or rejects execution requests against a global active
// cap, a per-tenant active cap, and per-tenant sliding-window rate limits.
// Every admitted execution gets a Tracker whose status transitions are
// serialized under a per-execution mutex. A background sweep evicts
// executions stuck in running state and reclaims finished trackers after a
// retention window.
//
// The Governor is an injected service: callers construct one and pass it
// down, there is no package-level singleton.
package governor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/agentloom/loom/internal/audit"
	"github.com/agentloom/loom/internal/types"
)

// Status represents the lifecycle state of a tracked execution.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Config holds governance limits.
type Config struct {
	// GlobalActiveCap is the maximum number of concurrently running
	// executions across all tenants. Default: 10000.
	GlobalActiveCap int

	// TenantActiveCap is the maximum number of concurrently running
	// executions per tenant. Default: 100.
	TenantActiveCap int

	// TenantPerMinute is the per-tenant admission rate over a sliding
	// one-minute window. Default: 10.
	TenantPerMinute int

	// TenantPerHour is the per-tenant admission rate over a sliding
	// one-hour window. Default: 100.
	TenantPerHour int

	// SweepInterval is how often the background sweep runs. Default: 60s.
	SweepInterval time.Duration

	// StaleRunningThreshold is how long an execution may stay running
	// before the sweep marks it failed. Default: 1 hour.
	StaleRunningThreshold time.Duration

	// FinishedRetention is how long completed/failed trackers remain
	// queryable before the sweep removes them. Default: 5 minutes.
	FinishedRetention time.Duration
}

// DefaultConfig returns the default governance limits.
func DefaultConfig() Config {
	return Config{
		GlobalActiveCap:       10000,
		TenantActiveCap:       100,
		TenantPerMinute:       10,
		TenantPerHour:         100,
		SweepInterval:         60 * time.Second,
		StaleRunningThreshold: time.Hour,
		FinishedRetention:     5 * time.Minute,
	}
}

// tenantState tracks per-tenant admission history.
type tenantState struct {
	active     int
	admissions []time.Time
}

// Governor admits executions and tracks their lifecycle.
// All methods are safe for concurrent use.
type Governor struct {
	config Config
	audit  *audit.Logger

	mu       sync.Mutex
	active   int
	trackers map[types.ID]*Tracker
	tenants  map[string]*tenantState

	// now is replaceable in tests.
	now func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New creates a Governor and starts its background sweep. Zero-valued config
// fields fall back to defaults. Close must be called to stop the sweep.
func New(config Config, auditLogger *audit.Logger) *Governor {
	defaults := DefaultConfig()
	if config.GlobalActiveCap <= 0 {
		config.GlobalActiveCap = defaults.GlobalActiveCap
	}
	if config.TenantActiveCap <= 0 {
		config.TenantActiveCap = defaults.TenantActiveCap
	}
	if config.TenantPerMinute <= 0 {
		config.TenantPerMinute = defaults.TenantPerMinute
	}
	if config.TenantPerHour <= 0 {
		config.TenantPerHour = defaults.TenantPerHour
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = defaults.SweepInterval
	}
	if config.StaleRunningThreshold <= 0 {
		config.StaleRunningThreshold = defaults.StaleRunningThreshold
	}
	if config.FinishedRetention <= 0 {
		config.FinishedRetention = defaults.FinishedRetention
	}

	g := &Governor{
		config:   config,
		audit:    auditLogger,
		trackers: make(map[types.ID]*Tracker),
		tenants:  make(map[string]*tenantState),
		now:      time.Now,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go g.sweepLoop()
	return g
}

// Admit checks all governance limits for the tenant and, if every check
// passes, registers a new execution and returns its Tracker. Rejections are
// audited and return an ADMISSION_* error; no tracker is created.
func (g *Governor) Admit(ctx context.Context, tenantID, agentOwnerID string) (*Tracker, error) {
	g.mu.Lock()

	now := g.now()
	ts := g.tenantState(tenantID)
	g.pruneAdmissions(ts, now)

	if g.active >= g.config.GlobalActiveCap {
		g.mu.Unlock()
		g.record(ctx, audit.EventAdmissionRejected, types.ID(""), tenantID, agentOwnerID, map[string]any{
			"reason": "global_active_cap",
			"limit":  g.config.GlobalActiveCap,
		})
		return nil, types.NewRetryableError(types.ADMISSION_GLOBAL_CAP,
			fmt.Sprintf("global active execution cap reached (%d)", g.config.GlobalActiveCap))
	}

	if ts.active >= g.config.TenantActiveCap {
		g.mu.Unlock()
		g.record(ctx, audit.EventAdmissionRejected, types.ID(""), tenantID, agentOwnerID, map[string]any{
			"reason": "tenant_active_cap",
			"limit":  g.config.TenantActiveCap,
		})
		return nil, types.NewRetryableError(types.ADMISSION_TENANT_CAP,
			fmt.Sprintf("tenant active execution cap reached (%d)", g.config.TenantActiveCap))
	}

	if perMinute := countSince(ts.admissions, now.Add(-time.Minute)); perMinute >= g.config.TenantPerMinute {
		g.mu.Unlock()
		g.record(ctx, audit.EventRateLimited, types.ID(""), tenantID, agentOwnerID, map[string]any{
			"window": "1m",
			"limit":  g.config.TenantPerMinute,
		})
		return nil, types.NewRetryableError(types.ADMISSION_RATE_LIMIT,
			fmt.Sprintf("tenant rate limit reached (%d per minute)", g.config.TenantPerMinute))
	}

	if perHour := len(ts.admissions); perHour >= g.config.TenantPerHour {
		g.mu.Unlock()
		g.record(ctx, audit.EventRateLimited, types.ID(""), tenantID, agentOwnerID, map[string]any{
			"window": "1h",
			"limit":  g.config.TenantPerHour,
		})
		return nil, types.NewRetryableError(types.ADMISSION_RATE_LIMIT,
			fmt.Sprintf("tenant rate limit reached (%d per hour)", g.config.TenantPerHour))
	}

	tracker := &Tracker{
		executionID:  types.NewID(),
		tenantID:     tenantID,
		agentOwnerID: agentOwnerID,
		status:       StatusRunning,
		startedAt:    now,
		governor:     g,
	}

	g.active++
	ts.active++
	ts.admissions = append(ts.admissions, now)
	g.trackers[tracker.executionID] = tracker
	tenantActive := ts.active
	g.mu.Unlock()

	g.record(ctx, audit.EventAdmission, tracker.executionID, tenantID, agentOwnerID, map[string]any{
		"tenant_active": tenantActive,
	})

	return tracker, nil
}

// Status returns the current status of a tracked execution.
func (g *Governor) Status(executionID types.ID) (Status, error) {
	g.mu.Lock()
	tracker, ok := g.trackers[executionID]
	g.mu.Unlock()
	if !ok {
		return "", types.NewError(types.ADMISSION_NOT_TRACKED,
			fmt.Sprintf("execution %s is not tracked", executionID))
	}
	return tracker.Status(), nil
}

// ActiveCount returns the number of running executions, globally and for
// the given tenant.
func (g *Governor) ActiveCount(tenantID string) (global, tenant int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	global = g.active
	if ts, ok := g.tenants[tenantID]; ok {
		tenant = ts.active
	}
	return global, tenant
}

// Close stops the background sweep. Trackers remain usable.
func (g *Governor) Close() {
	g.stopOnce.Do(func() {
		close(g.stop)
		<-g.done
	})
}

// Sweep runs one eviction pass immediately. The background loop calls this
// on every tick; tests call it directly.
func (g *Governor) Sweep(ctx context.Context) {
	now := g.now()

	g.mu.Lock()
	var stale []*Tracker
	for id, tracker := range g.trackers {
		status, finishedAt := tracker.snapshot()
		switch status {
		case StatusRunning:
			if now.Sub(tracker.startedAt) > g.config.StaleRunningThreshold {
				stale = append(stale, tracker)
			}
		default:
			if now.Sub(finishedAt) > g.config.FinishedRetention {
				delete(g.trackers, id)
			}
		}
	}
	g.mu.Unlock()

	for _, tracker := range stale {
		if tracker.transition(StatusFailed) {
			g.release(tracker.tenantID)
			g.record(ctx, audit.EventExecutionFailed, tracker.executionID, tracker.tenantID, tracker.agentOwnerID, map[string]any{
				"reason":     "stale_running_evicted",
				"running_for": now.Sub(tracker.startedAt).String(),
			})
		}
	}
}

func (g *Governor) sweepLoop() {
	defer close(g.done)
	ticker := time.NewTicker(g.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-g.stop:
			return
		case <-ticker.C:
			g.Sweep(context.Background())
		}
	}
}

// release returns an active slot for the tenant. Called once per execution,
// on the first terminal transition.
func (g *Governor) release(tenantID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active > 0 {
		g.active--
	}
	if ts, ok := g.tenants[tenantID]; ok && ts.active > 0 {
		ts.active--
	}
}

// tenantState returns the state for a tenant, creating it if needed.
// Caller holds g.mu.
func (g *Governor) tenantState(tenantID string) *tenantState {
	ts, ok := g.tenants[tenantID]
	if !ok {
		ts = &tenantState{}
		g.tenants[tenantID] = ts
	}
	return ts
}

// pruneAdmissions drops admission timestamps older than the hour window.
// Caller holds g.mu.
func (g *Governor) pruneAdmissions(ts *tenantState, now time.Time) {
	cutoff := now.Add(-time.Hour)
	kept := ts.admissions[:0]
	for _, t := range ts.admissions {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	ts.admissions = kept
}

func countSince(admissions []time.Time, cutoff time.Time) int {
	n := 0
	for _, t := range admissions {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}

// record emits an audit event, ignoring signing errors: governance decisions
// must not fail because the audit sink does.
func (g *Governor) record(ctx context.Context, eventType audit.EventType, executionID types.ID, tenantID, agentOwnerID string, details map[string]any) {
	if g.audit == nil {
		return
	}
	_, _ = g.audit.Record(ctx, eventType, executionID, tenantID, agentOwnerID, details)
}

// Tracker follows one admitted execution through its lifecycle. Status
// transitions happen only through Complete and Fail, serialized by a
// per-execution mutex. Both are idempotent: the first terminal transition
// wins and releases the tenant slot exactly once.
type Tracker struct {
	executionID  types.ID
	tenantID     string
	agentOwnerID string
	startedAt    time.Time
	governor     *Governor

	mu         sync.Mutex
	status     Status
	finishedAt time.Time
}

// ExecutionID returns the execution's identifier.
func (t *Tracker) ExecutionID() types.ID { return t.executionID }

// TenantID returns the owning tenant.
func (t *Tracker) TenantID() string { return t.tenantID }

// AgentOwnerID returns the agent owner recorded at admission.
func (t *Tracker) AgentOwnerID() string { return t.agentOwnerID }

// StartedAt returns the admission time.
func (t *Tracker) StartedAt() time.Time { return t.startedAt }

// Status returns the current lifecycle status.
func (t *Tracker) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Complete marks the execution completed and releases the tenant slot.
func (t *Tracker) Complete(ctx context.Context, details map[string]any) {
	if t.transition(StatusCompleted) {
		t.governor.release(t.tenantID)
		t.governor.record(ctx, audit.EventExecutionComplete, t.executionID, t.tenantID, t.agentOwnerID, details)
	}
}

// Fail marks the execution failed and releases the tenant slot.
func (t *Tracker) Fail(ctx context.Context, details map[string]any) {
	if t.transition(StatusFailed) {
		t.governor.release(t.tenantID)
		t.governor.record(ctx, audit.EventExecutionFailed, t.executionID, t.tenantID, t.agentOwnerID, details)
	}
}

// transition moves the tracker to a terminal status. It returns false when
// the tracker already finished, making terminal transitions idempotent.
func (t *Tracker) transition(to Status) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusRunning {
		return false
	}
	t.status = to
	t.finishedAt = t.governor.now()
	return true
}

func (t *Tracker) snapshot() (Status, time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status, t.finishedAt
}
