package lifecycle

import (
	"context"
	"time"
)

// StartMonitor begins the background staleness loop. Calling it while the
// loop is running is a no-op. Call StopMonitor (or Close) to stop it.
func (m *Manager) StartMonitor(ctx context.Context) {
	m.monitorMu.Lock()
	defer m.monitorMu.Unlock()
	if m.cancelLoop != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancelLoop = cancel
	m.done = make(chan struct{})
	go m.monitorLoop(loopCtx, m.done)
}

// StopMonitor cancels the loop and waits for it to exit.
func (m *Manager) StopMonitor() {
	m.monitorMu.Lock()
	cancel, done := m.cancelLoop, m.done
	m.cancelLoop, m.done = nil, nil
	m.monitorMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (m *Manager) monitorLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkStale(ctx)
		}
	}
}

// checkStale reports each stale instance once per state it gets stuck in.
func (m *Manager) checkStale(ctx context.Context) {
	now := m.now()
	for _, inst := range m.snapshot() {
		inst.mu.Lock()
		stale := inst.state.transitional() && now.Sub(inst.stateSince) > m.cfg.StaleAfter && !inst.staleReported
		if stale {
			inst.staleReported = true
		}
		inst.mu.Unlock()
		if !stale {
			continue
		}

		info := inst.info()
		m.inst.stale.Add(ctx, 1, agentAttrs(info.AgentType))
		m.logger.Warn("lifecycle: instance stuck in transitional state",
			"instance_id", info.ID, "state", info.State, "since", info.StateSince)
		if cb := m.callbacks.OnStale; cb != nil {
			m.fire("on_stale", func() { cb(info) })
		}
	}
}

// StaleInstances returns live instances that have been in a transitional
// state for longer than the staleness window as of now.
func (m *Manager) StaleInstances(now time.Time) []Info {
	var out []Info
	for _, inst := range m.snapshot() {
		info := inst.info()
		if info.State.transitional() && now.Sub(info.StateSince) > m.cfg.StaleAfter {
			out = append(out, info)
		}
	}
	return out
}
