package budget

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scenarioTracker() *Tracker {
	return NewTracker(Config{Limit: 1000, WarningThreshold: 0.75, CriticalThreshold: 0.90})
}

func TestTracker_ThresholdScenario(t *testing.T) {
	tr := scenarioTracker()

	res := tr.Record("plan", Usage{Input: 740})
	assert.Equal(t, StatusOK, res.Status)
	assert.False(t, res.WarningFired)
	assert.False(t, tr.ShouldHandoff())

	res = tr.Record("draft", Usage{Input: 10})
	assert.Equal(t, StatusWarning, res.Status)
	assert.True(t, res.WarningFired)
	assert.False(t, res.CriticalFired)
	assert.Equal(t, int64(750), res.Total)

	res = tr.Record("review", Usage{Input: 140})
	assert.Equal(t, StatusCritical, res.Status)
	assert.True(t, res.CriticalFired)
	assert.False(t, res.WarningFired, "warning already fired on the previous call")
	assert.Equal(t, int64(900), res.Total)
	assert.InDelta(t, 90.0, res.UsagePercent, 1e-9)

	assert.True(t, tr.ShouldHandoff())
}

func TestTracker_OneShotFlags(t *testing.T) {
	tr := scenarioTracker()

	var warnings, criticals int
	for range 20 {
		res := tr.Record("step", Usage{Input: 60})
		if res.WarningFired {
			warnings++
		}
		if res.CriticalFired {
			criticals++
		}
	}

	assert.Equal(t, 1, warnings)
	assert.Equal(t, 1, criticals)
	assert.Equal(t, StatusCritical, tr.Status())

	// Still above critical: keeps reporting CRITICAL without firing again.
	res := tr.Record("after", Usage{Output: 1})
	assert.Equal(t, StatusCritical, res.Status)
	assert.False(t, res.CriticalFired)
	assert.True(t, tr.ShouldHandoff())
}

func TestTracker_JumpPastBothThresholds(t *testing.T) {
	tr := scenarioTracker()

	res := tr.Record("huge", Usage{Input: 500, Output: 450})
	assert.Equal(t, StatusCritical, res.Status)
	assert.True(t, res.WarningFired)
	assert.True(t, res.CriticalFired)

	res = tr.Record("more", Usage{Input: 1})
	assert.False(t, res.WarningFired)
	assert.False(t, res.CriticalFired)
}

func TestTracker_TotalsAreSumOfParts(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	usages := []Usage{
		{Input: 120, Output: 30, Cached: 10},
		{Input: 0, Output: 5},
		{Input: 77, Output: 0, Cached: 400},
		{Input: -50, Output: 3}, // negative counts never reduce totals
	}

	var wantIn, wantOut, wantCached, prev int64
	for _, u := range usages {
		tr.Record("op", u)
		wantIn += max(u.Input, 0)
		wantOut += max(u.Output, 0)
		wantCached += max(u.Cached, 0)

		total := tr.Total()
		assert.GreaterOrEqual(t, total, prev)
		prev = total
	}

	s := tr.Summary()
	assert.Equal(t, wantIn, s.Input)
	assert.Equal(t, wantOut, s.Output)
	assert.Equal(t, wantCached, s.Cached)
	assert.Equal(t, wantIn+wantOut, s.Total)
	assert.Equal(t, len(usages), s.OperationCount)
	assert.Equal(t, DefaultLimit-s.Total, s.Remaining)

	ops := tr.Operations()
	require.Len(t, ops, len(usages))
	assert.Equal(t, s.Total, ops[len(ops)-1].CumulativeTotal)
}

func TestTracker_Defaults(t *testing.T) {
	tr := NewTracker(Config{})
	cfg := tr.Config()
	assert.Equal(t, DefaultLimit, cfg.Limit)
	assert.Equal(t, DefaultWarningThreshold, cfg.WarningThreshold)
	assert.Equal(t, DefaultCriticalThreshold, cfg.CriticalThreshold)

	// Inverted thresholds fall back to the defaults.
	tr = NewTracker(Config{Limit: 10, WarningThreshold: 0.9, CriticalThreshold: 0.5})
	assert.Equal(t, int64(10), tr.Config().Limit)
	assert.Equal(t, DefaultWarningThreshold, tr.Config().WarningThreshold)
}

func TestTracker_DerivedQueries(t *testing.T) {
	tr := scenarioTracker()
	tr.Record("a", Usage{Input: 100})
	tr.Record("b", Usage{Input: 300, Output: 100})
	tr.Record("c", Usage{Output: 50})

	assert.Equal(t, int64(550), tr.Total())
	assert.Equal(t, int64(450), tr.Remaining())
	assert.InDelta(t, 55.0, tr.UsagePercent(), 1e-9)
	assert.Equal(t, int64(200), tr.UnitsUntilWarning())
	assert.Equal(t, int64(350), tr.UnitsUntilCritical())

	recent := tr.Recent(2)
	require.Len(t, recent, 2)
	assert.Equal(t, "b", recent[0].Label)
	assert.Equal(t, "c", recent[1].Label)
	assert.Len(t, tr.Recent(10), 3)
	assert.Nil(t, tr.Recent(0))

	stats := tr.Stats()
	assert.Equal(t, 3, stats.Operations)
	assert.InDelta(t, 550.0/3.0, stats.Mean, 1e-9)
	assert.Equal(t, int64(400), stats.Largest)
	assert.Equal(t, int64(50), stats.Smallest)

	tr.Record("overshoot", Usage{Input: 1000})
	assert.Equal(t, int64(0), tr.Remaining())
	assert.Equal(t, int64(0), tr.UnitsUntilCritical())
}

func TestTracker_EmptyStats(t *testing.T) {
	stats := NewTracker(DefaultConfig()).Stats()
	assert.Equal(t, Stats{}, stats)
}

func TestTracker_Reset(t *testing.T) {
	tr := scenarioTracker()
	tr.Record("x", Usage{Input: 950})
	require.True(t, tr.ShouldHandoff())

	tr.Reset()
	assert.Equal(t, int64(0), tr.Total())
	assert.Empty(t, tr.Operations())
	assert.False(t, tr.ShouldHandoff())

	res := tr.Record("y", Usage{Input: 950})
	assert.True(t, res.CriticalFired, "reset re-arms the one-shot thresholds")
}

func TestTracker_ConcurrentRecordAndRead(t *testing.T) {
	tr := NewTracker(Config{Limit: 1_000_000, WarningThreshold: 0.5, CriticalThreshold: 0.9})

	var wg sync.WaitGroup
	var mu sync.Mutex
	var warnings int
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 500 {
				if tr.Record("op", Usage{Input: 100, Output: 50}).WarningFired {
					mu.Lock()
					warnings++
					mu.Unlock()
				}
				_ = tr.Summary()
				_ = tr.Stats()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(8*500*150), tr.Total())
	assert.Equal(t, 1, warnings)
	assert.Len(t, tr.Operations(), 8*500)
}
