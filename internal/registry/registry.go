// Package registry maintains the set of reachable specialist tools and
// their probe-driven health status. Reads are lock-free snapshots; all
// mutations build a new snapshot and swap it atomically.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ocx/gateway/internal/core"
)

// SelectPolicy picks among healthy tools offering a capability.
type SelectPolicy string

const (
	PolicyPriority   SelectPolicy = "priority"    // highest priority, stable tie-break by tool_id
	PolicyRoundRobin SelectPolicy = "round-robin" // per-process cursor
)

// TransitionFunc observes status transitions (consumed by metrics/logging).
type TransitionFunc func(toolID string, from, to core.ToolStatus)

type snapshot struct {
	tools map[string]*core.Tool
}

// Registry is the single source of truth for tool status. It is mutated
// only by the probe loop and the registration APIs.
type Registry struct {
	current atomic.Pointer[snapshot]

	mu           sync.Mutex // serializes mutations and probe application
	lastApplied  map[string]time.Time
	cursors      map[string]*uint64
	onTransition TransitionFunc
}

// New creates an empty registry.
func New() *Registry {
	r := &Registry{
		lastApplied: make(map[string]time.Time),
		cursors:     make(map[string]*uint64),
	}
	r.current.Store(&snapshot{tools: make(map[string]*core.Tool)})
	return r
}

// OnTransition installs the transition observer. Must be called before the
// prober starts.
func (r *Registry) OnTransition(fn TransitionFunc) {
	r.onTransition = fn
}

// Register inserts or replaces a tool. Re-registering with identical
// attributes is a no-op; mismatched attributes replace the record and reset
// status to unknown.
func (r *Registry) Register(tool core.Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := r.current.Load()
	if existing, ok := snap.tools[tool.ToolID]; ok && sameAttributes(existing, &tool) {
		return
	}

	tool.Status = core.StatusUnknown
	tool.ConsecutiveFailures = 0

	next := snap.clone()
	next.tools[tool.ToolID] = &tool
	r.current.Store(next)
}

// Deregister removes a tool.
func (r *Registry) Deregister(toolID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := r.current.Load()
	if _, ok := snap.tools[toolID]; !ok {
		return fmt.Errorf("tool %s not registered", toolID)
	}

	next := snap.clone()
	delete(next.tools, toolID)
	r.current.Store(next)
	delete(r.lastApplied, toolID)
	return nil
}

// Get returns a copy of the tool record.
func (r *Registry) Get(toolID string) (core.Tool, bool) {
	snap := r.current.Load()
	t, ok := snap.tools[toolID]
	if !ok {
		return core.Tool{}, false
	}
	return *t, true
}

// Select picks a healthy tool offering the capability. An empty capability
// matches every tool.
func (r *Registry) Select(capability string, policy SelectPolicy) (core.Tool, bool) {
	return r.selectWith(capability, policy, func(t *core.Tool) bool {
		return t.Status == core.StatusHealthy
	})
}

// SelectDegraded picks a healthy or degraded tool; used by the fallback
// path when nothing healthy remains.
func (r *Registry) SelectDegraded(capability string, policy SelectPolicy) (core.Tool, bool) {
	return r.selectWith(capability, policy, func(t *core.Tool) bool {
		return t.Status == core.StatusHealthy || t.Status == core.StatusDegraded
	})
}

func (r *Registry) selectWith(capability string, policy SelectPolicy, eligible func(*core.Tool) bool) (core.Tool, bool) {
	snap := r.current.Load()

	var candidates []*core.Tool
	for _, t := range snap.tools {
		if !eligible(t) {
			continue
		}
		if capability != "" && !t.HasCapability(capability) {
			continue
		}
		candidates = append(candidates, t)
	}
	if len(candidates) == 0 {
		return core.Tool{}, false
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].ToolID < candidates[j].ToolID
	})

	switch policy {
	case PolicyRoundRobin:
		r.mu.Lock()
		cursor, ok := r.cursors[capability]
		if !ok {
			cursor = new(uint64)
			r.cursors[capability] = cursor
		}
		idx := *cursor % uint64(len(candidates))
		*cursor++
		r.mu.Unlock()
		return *candidates[idx], true
	default:
		return *candidates[0], true
	}
}

// List returns all tools sorted by id (tenant-visible listing).
func (r *Registry) List() []core.Tool {
	snap := r.current.Load()
	out := make([]core.Tool, 0, len(snap.tools))
	for _, t := range snap.tools {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ToolID < out[j].ToolID })
	return out
}

// Snapshot returns tool_id → status for the health endpoint.
func (r *Registry) Snapshot() map[string]core.ToolStatus {
	snap := r.current.Load()
	out := make(map[string]core.ToolStatus, len(snap.tools))
	for id, t := range snap.tools {
		out[id] = t.Status
	}
	return out
}

// applyProbe records a probe result completed at completedAt. Results apply
// in completion order; a later completion always wins, so a stale probe
// that finishes after a newer one is dropped.
func (r *Registry) applyProbe(toolID string, completedAt time.Time, success bool, cfg thresholds) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if last, ok := r.lastApplied[toolID]; ok && !completedAt.After(last) {
		return
	}

	snap := r.current.Load()
	existing, ok := snap.tools[toolID]
	if !ok {
		return // deregistered while the probe was in flight
	}
	r.lastApplied[toolID] = completedAt

	tool := *existing
	tool.LastProbeAt = completedAt
	from := tool.Status

	if success {
		tool.Status = core.StatusHealthy
		tool.ConsecutiveFailures = 0
	} else {
		tool.ConsecutiveFailures++
		switch {
		case tool.ConsecutiveFailures >= cfg.degraded+cfg.unhealthy:
			tool.Status = core.StatusUnhealthy
		case tool.ConsecutiveFailures >= cfg.degraded:
			tool.Status = core.StatusDegraded
		}
	}

	next := snap.clone()
	next.tools[toolID] = &tool
	r.current.Store(next)

	if from != tool.Status && r.onTransition != nil {
		r.onTransition(toolID, from, tool.Status)
	}
}

func (s *snapshot) clone() *snapshot {
	next := &snapshot{tools: make(map[string]*core.Tool, len(s.tools))}
	for id, t := range s.tools {
		next.tools[id] = t
	}
	return next
}

func sameAttributes(a, b *core.Tool) bool {
	if a.ToolID != b.ToolID || a.BaseURL != b.BaseURL || a.Priority != b.Priority {
		return false
	}
	if len(a.Capabilities) != len(b.Capabilities) {
		return false
	}
	for i := range a.Capabilities {
		if a.Capabilities[i] != b.Capabilities[i] {
			return false
		}
	}
	return true
}
