package lifecycle

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/tsugi/internal/telemetry"
)

type instruments struct {
	tracer trace.Tracer

	spawned         metric.Int64Counter
	warnings        metric.Int64Counter
	criticals       metric.Int64Counter
	handoffs        metric.Int64Counter
	handoffFailures metric.Int64Counter
	terminations    metric.Int64Counter
	stale           metric.Int64Counter
	handoffDuration metric.Float64Histogram

	// liveReg holds the live-instance gauge callback, which references the
	// manager. Nil when registration failed.
	liveReg metric.Registration
}

// newInstruments creates the manager's OTEL instruments. Instrument creation
// errors leave a no-op instrument in place; telemetry never blocks lifecycle
// operations.
func newInstruments(m *Manager) instruments {
	meter := telemetry.Meter("tsugi/lifecycle")
	counter := func(name, desc string) metric.Int64Counter {
		c, _ := meter.Int64Counter(name, metric.WithDescription(desc))
		return c
	}

	dur, _ := meter.Float64Histogram("tsugi.lifecycle.handoff.duration",
		metric.WithDescription("Time to build and persist a handoff (ms)"),
		metric.WithUnit("ms"),
	)

	var liveReg metric.Registration
	live, err := meter.Int64ObservableGauge("tsugi.lifecycle.live_instances",
		metric.WithDescription("Instances currently in the live registry"),
	)
	if err == nil {
		liveReg, _ = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
			o.ObserveInt64(live, int64(m.liveCount()))
			return nil
		}, live)
	}

	return instruments{
		tracer:          telemetry.Tracer("tsugi/lifecycle"),
		spawned:         counter("tsugi.lifecycle.spawned", "Instances spawned"),
		warnings:        counter("tsugi.lifecycle.budget_warnings", "Instances that crossed the warning threshold"),
		criticals:       counter("tsugi.lifecycle.budget_criticals", "Instances that crossed the critical threshold"),
		handoffs:        counter("tsugi.lifecycle.handoffs", "Handoffs persisted"),
		handoffFailures: counter("tsugi.lifecycle.handoff_failures", "Handoffs that failed to build or persist"),
		terminations:    counter("tsugi.lifecycle.terminations", "Instances terminated"),
		stale:           counter("tsugi.lifecycle.stale_instances", "Instances reported stuck in a transitional state"),
		handoffDuration: dur,
		liveReg:         liveReg,
	}
}

// unregister detaches the gauge callback so a closed manager is no longer
// observed or kept reachable by the meter provider.
func (i *instruments) unregister() error {
	if i.liveReg == nil {
		return nil
	}
	err := i.liveReg.Unregister()
	i.liveReg = nil
	return err
}

func agentAttrs(agentType string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("tsugi.agent_type", agentType))
}
