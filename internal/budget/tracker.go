// Package budget tracks cumulative resource consumption for a single agent
// instance and classifies it against warning and critical thresholds.
//
// A Tracker is owned by exactly one instance. Usage is expected to be reported
// sequentially by the owning caller, but every method is safe to call from
// other goroutines (status queries, statistics).
package budget

import (
	"sync"
	"time"
)

// Defaults applied when a Config field is zero or out of range.
const (
	DefaultLimit             int64   = 200_000
	DefaultWarningThreshold  float64 = 0.75
	DefaultCriticalThreshold float64 = 0.90
)

// Status classifies current consumption against the configured thresholds.
type Status string

const (
	StatusOK       Status = "ok"
	StatusWarning  Status = "warning"
	StatusCritical Status = "critical"
)

// Config holds the limit and threshold fractions for a tracker.
type Config struct {
	Limit             int64
	WarningThreshold  float64
	CriticalThreshold float64
}

// DefaultConfig returns a 200,000 unit limit with 0.75 / 0.90 thresholds.
func DefaultConfig() Config {
	return Config{
		Limit:             DefaultLimit,
		WarningThreshold:  DefaultWarningThreshold,
		CriticalThreshold: DefaultCriticalThreshold,
	}
}

// withDefaults replaces missing or inconsistent values. Thresholds must satisfy
// 0 < warning < critical <= 1; otherwise both fall back to the defaults.
func (c Config) withDefaults() Config {
	if c.Limit <= 0 {
		c.Limit = DefaultLimit
	}
	if c.WarningThreshold <= 0 || c.CriticalThreshold > 1 || c.WarningThreshold >= c.CriticalThreshold {
		c.WarningThreshold = DefaultWarningThreshold
		c.CriticalThreshold = DefaultCriticalThreshold
	}
	return c
}

// Usage is the unit count reported for one unit of work.
type Usage struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
	Cached int64 `json:"cached"`
}

// Total is the amount counted against the limit. Cached units are reported
// separately and do not consume budget.
func (u Usage) Total() int64 {
	return u.Input + u.Output
}

// Operation is an immutable record of one Record call.
type Operation struct {
	At              time.Time `json:"at"`
	Label           string    `json:"label"`
	Input           int64     `json:"input"`
	Output          int64     `json:"output"`
	Cached          int64     `json:"cached"`
	CumulativeTotal int64     `json:"cumulative_total"`
}

// Total returns the units this operation counted against the limit.
func (o Operation) Total() int64 {
	return o.Input + o.Output
}

// Result describes the outcome of a Record call.
//
// WarningFired and CriticalFired are true only on the call that first crossed
// the respective threshold. A single call that jumps past both fires both.
type Result struct {
	Status        Status
	Total         int64
	UsagePercent  float64
	WarningFired  bool
	CriticalFired bool
}

// Stats aggregates per-operation consumption.
type Stats struct {
	Operations int     `json:"operations"`
	Mean       float64 `json:"mean"`
	Largest    int64   `json:"largest"`
	Smallest   int64   `json:"smallest"`
}

// Summary is a point-in-time snapshot of tracker totals.
type Summary struct {
	Input          int64
	Output         int64
	Cached         int64
	Total          int64
	UsagePercent   float64
	Remaining      int64
	Limit          int64
	OperationCount int
	Status         Status
}

// Tracker owns the cumulative counters for one instance.
type Tracker struct {
	cfg Config

	mu                sync.Mutex
	input             int64
	output            int64
	cached            int64
	ops               []Operation
	warningTriggered  bool
	criticalTriggered bool
	now               func() time.Time
}

// NewTracker creates a tracker. Zero-valued or inconsistent config fields are
// replaced with defaults.
func NewTracker(cfg Config) *Tracker {
	return &Tracker{
		cfg: cfg.withDefaults(),
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Config returns the effective configuration.
func (t *Tracker) Config() Config {
	return t.cfg
}

// Record adds one operation's usage to the cumulative totals and classifies the
// new total. Negative counts are treated as zero so totals never decrease.
func (t *Tracker) Record(label string, u Usage) Result {
	u.Input = max(u.Input, 0)
	u.Output = max(u.Output, 0)
	u.Cached = max(u.Cached, 0)

	t.mu.Lock()
	defer t.mu.Unlock()

	t.input += u.Input
	t.output += u.Output
	t.cached += u.Cached
	total := t.input + t.output

	t.ops = append(t.ops, Operation{
		At:              t.now(),
		Label:           label,
		Input:           u.Input,
		Output:          u.Output,
		Cached:          u.Cached,
		CumulativeTotal: total,
	})

	res := Result{Total: total, UsagePercent: t.percentLocked(total)}
	res.Status = t.classifyLocked(total)

	switch res.Status {
	case StatusCritical:
		if !t.criticalTriggered {
			t.criticalTriggered = true
			res.CriticalFired = true
		}
		if !t.warningTriggered {
			t.warningTriggered = true
			res.WarningFired = true
		}
	case StatusWarning:
		if !t.warningTriggered {
			t.warningTriggered = true
			res.WarningFired = true
		}
	}
	return res
}

func (t *Tracker) classifyLocked(total int64) Status {
	frac := float64(total) / float64(t.cfg.Limit)
	switch {
	case frac >= t.cfg.CriticalThreshold:
		return StatusCritical
	case frac >= t.cfg.WarningThreshold:
		return StatusWarning
	default:
		return StatusOK
	}
}

func (t *Tracker) percentLocked(total int64) float64 {
	return float64(total) / float64(t.cfg.Limit) * 100
}

// Status returns the current classification without recording anything.
func (t *Tracker) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.classifyLocked(t.input + t.output)
}

// ShouldHandoff reports whether usage is at or above the critical threshold.
// It does not depend on the one-shot flags and may be polled freely.
func (t *Tracker) ShouldHandoff() bool {
	return t.Status() == StatusCritical
}

// Total returns the units consumed against the limit.
func (t *Tracker) Total() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.input + t.output
}

// Remaining returns the units left before the limit, floored at zero.
func (t *Tracker) Remaining() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return max(t.cfg.Limit-(t.input+t.output), 0)
}

// UsagePercent returns consumption as a percentage of the limit. It may exceed
// 100 when usage overshoots the limit.
func (t *Tracker) UsagePercent() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.percentLocked(t.input + t.output)
}

// UnitsUntilWarning returns the units left before the warning threshold.
func (t *Tracker) UnitsUntilWarning() int64 {
	return t.unitsUntil(t.cfg.WarningThreshold)
}

// UnitsUntilCritical returns the units left before the critical threshold.
func (t *Tracker) UnitsUntilCritical() int64 {
	return t.unitsUntil(t.cfg.CriticalThreshold)
}

func (t *Tracker) unitsUntil(threshold float64) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	mark := int64(float64(t.cfg.Limit) * threshold)
	return max(mark-(t.input+t.output), 0)
}

// Recent returns up to n of the most recent operations, oldest first.
func (t *Tracker) Recent(n int) []Operation {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n <= 0 {
		return nil
	}
	start := max(len(t.ops)-n, 0)
	out := make([]Operation, len(t.ops)-start)
	copy(out, t.ops[start:])
	return out
}

// Operations returns a copy of the full operation history in record order.
func (t *Tracker) Operations() []Operation {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Operation, len(t.ops))
	copy(out, t.ops)
	return out
}

// Stats returns mean, largest, and smallest per-operation consumption.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Stats{Operations: len(t.ops)}
	if len(t.ops) == 0 {
		return s
	}
	var sum int64
	s.Smallest = t.ops[0].Total()
	for _, op := range t.ops {
		total := op.Total()
		sum += total
		s.Largest = max(s.Largest, total)
		s.Smallest = min(s.Smallest, total)
	}
	s.Mean = float64(sum) / float64(len(t.ops))
	return s
}

// Summary returns a consistent snapshot of all totals.
func (t *Tracker) Summary() Summary {
	t.mu.Lock()
	defer t.mu.Unlock()
	total := t.input + t.output
	return Summary{
		Input:          t.input,
		Output:         t.output,
		Cached:         t.cached,
		Total:          total,
		UsagePercent:   t.percentLocked(total),
		Remaining:      max(t.cfg.Limit-total, 0),
		Limit:          t.cfg.Limit,
		OperationCount: len(t.ops),
		Status:         t.classifyLocked(total),
	}
}

// Reset zeroes every counter, clears the history, and re-arms both one-shot
// thresholds. It is destructive and exists for test isolation only; production
// code must never call it on a live instance.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.input, t.output, t.cached = 0, 0, 0
	t.ops = nil
	t.warningTriggered = false
	t.criticalTriggered = false
}
