package monitor

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recipedb/connpool/pkg/pool"
)

// stubSource returns whatever stats the test sets.
type stubSource struct {
	mu    sync.Mutex
	stats pool.Stats
}

func (s *stubSource) Stats() pool.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *stubSource) set(stats pool.Stats) {
	s.mu.Lock()
	s.stats = stats
	s.mu.Unlock()
}

func testMonitor(src *stubSource) *Monitor {
	return New(Config{
		Interval:    time.Hour, // samples driven manually
		HistorySize: 5,
		Thresholds:  DefaultThresholds(),
	}, src)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name  string
		stats pool.Stats
		want  Status
	}{
		{
			name:  "healthy",
			stats: pool.Stats{ActiveCount: 2, MaxConns: 10, Created: 10},
			want:  StatusOK,
		},
		{
			name:  "degraded_utilization",
			stats: pool.Stats{ActiveCount: 8, MaxConns: 10, Created: 10},
			want:  StatusDegraded,
		},
		{
			name:  "critical_utilization",
			stats: pool.Stats{ActiveCount: 10, MaxConns: 10, Created: 10},
			want:  StatusCritical,
		},
		{
			name:  "degraded_error_rate",
			stats: pool.Stats{ActiveCount: 1, MaxConns: 10, Created: 90, CreationErrors: 10},
			want:  StatusDegraded,
		},
		{
			name:  "critical_error_rate",
			stats: pool.Stats{ActiveCount: 1, MaxConns: 10, Created: 60, CreationErrors: 40},
			want:  StatusCritical,
		},
		{
			name:  "empty_pool_is_ok",
			stats: pool.Stats{MaxConns: 10},
			want:  StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hs := classify(tt.stats, pool.Stats{}, DefaultThresholds(), time.Now())
			assert.Equal(t, tt.want, hs.Status)
		})
	}
}

func TestClassify_IsPure(t *testing.T) {
	cur := pool.Stats{ActiveCount: 9, MaxConns: 10, Created: 50, CreationErrors: 1}
	prev := pool.Stats{Created: 40}
	now := time.Now()

	first := classify(cur, prev, DefaultThresholds(), now)
	second := classify(cur, prev, DefaultThresholds(), now)
	assert.Equal(t, first, second)
}

func TestClassify_ErrorRateIsRolling(t *testing.T) {
	prev := pool.Stats{MaxConns: 10, Created: 10, CreationErrors: 5}

	// No new attempts since the previous sample: the old burst has aged out.
	hs := classify(prev, prev, DefaultThresholds(), time.Now())
	assert.Equal(t, 0.0, hs.ErrorRate)
	assert.Equal(t, StatusOK, hs.Status)

	// Fresh failures count against fresh attempts only.
	cur := pool.Stats{MaxConns: 10, Created: 12, CreationErrors: 7}
	hs = classify(cur, prev, DefaultThresholds(), time.Now())
	assert.Equal(t, 0.5, hs.ErrorRate)
	assert.Equal(t, StatusCritical, hs.Status)
}

func TestSample_RecordsHistory(t *testing.T) {
	src := &stubSource{}
	src.set(pool.Stats{ActiveCount: 1, MaxConns: 10, Created: 5})
	m := testMonitor(src)

	for i := 0; i < 3; i++ {
		m.Sample()
	}

	history := m.RecentHistory(0)
	require.Len(t, history, 3)
	assert.Equal(t, StatusOK, history[2].Status)
	assert.Equal(t, 0.1, history[2].UtilizationRatio)
}

func TestSample_HistoryIsBounded(t *testing.T) {
	src := &stubSource{}
	src.set(pool.Stats{MaxConns: 10, Created: 1})
	m := testMonitor(src) // HistorySize 5

	for i := 0; i < 12; i++ {
		m.Sample()
	}

	assert.Len(t, m.RecentHistory(0), 5)
	assert.Len(t, m.RecentHistory(2), 2)
}

func TestSample_AlertsOnlyOnTransition(t *testing.T) {
	src := &stubSource{}
	src.set(pool.Stats{ActiveCount: 1, MaxConns: 10, Created: 5})
	m := testMonitor(src)

	m.Sample()
	m.Sample()
	assert.Empty(t, m.ActiveAlerts(), "steady ok state must not alert")

	src.set(pool.Stats{ActiveCount: 10, MaxConns: 10, Created: 5})
	m.Sample()
	m.Sample() // still critical, no second alert

	alerts := m.ActiveAlerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, SeverityCritical, alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "critical")

	// Recovery raises one more, warning-level alert.
	src.set(pool.Stats{ActiveCount: 1, MaxConns: 10, Created: 5})
	m.Sample()
	alerts = m.ActiveAlerts()
	require.Len(t, alerts, 2)
}

func TestSample_RecoversWhenErrorsStopGrowing(t *testing.T) {
	src := &stubSource{}
	src.set(pool.Stats{ActiveCount: 1, MaxConns: 10, Created: 10, CreationErrors: 5})
	m := testMonitor(src)

	first := m.Sample()
	assert.Equal(t, StatusCritical, first.Status, "startup failure burst")

	// Counters frozen: no new failures, so the next sample is healthy.
	second := m.Sample()
	assert.Equal(t, 0.0, second.ErrorRate)
	assert.Equal(t, StatusOK, second.Status)
}

func TestResolveAlert(t *testing.T) {
	src := &stubSource{}
	src.set(pool.Stats{ActiveCount: 10, MaxConns: 10, Created: 5})
	m := testMonitor(src)
	m.Sample()

	alerts := m.ActiveAlerts()
	require.Len(t, alerts, 1)

	assert.True(t, m.ResolveAlert(alerts[0].ID))
	assert.Empty(t, m.ActiveAlerts())

	assert.False(t, m.ResolveAlert(alerts[0].ID), "already resolved")
	assert.False(t, m.ResolveAlert("no-such-alert"))
}

func TestOnAlert_CallbackReceivesAlert(t *testing.T) {
	src := &stubSource{}
	src.set(pool.Stats{ActiveCount: 1, MaxConns: 10, Created: 5})
	m := testMonitor(src)

	received := make(chan Alert, 1)
	m.OnAlert(func(a Alert) { received <- a })

	m.Sample()
	src.set(pool.Stats{ActiveCount: 8, MaxConns: 10, Created: 5})
	m.Sample()

	select {
	case a := <-received:
		assert.Equal(t, SeverityWarning, a.Severity)
	case <-time.After(time.Second):
		t.Fatal("callback was not invoked")
	}
}

func TestOnAlert_PanickingCallbackIsRecovered(t *testing.T) {
	src := &stubSource{}
	src.set(pool.Stats{ActiveCount: 1, MaxConns: 10, Created: 5})
	m := testMonitor(src)

	received := make(chan Alert, 1)
	m.OnAlert(func(a Alert) { panic("boom") })
	m.OnAlert(func(a Alert) { received <- a })

	m.Sample()
	src.set(pool.Stats{ActiveCount: 10, MaxConns: 10, Created: 5})
	m.Sample()

	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("second callback was not invoked")
	}
}

func TestCurrentHealth_SamplesOnDemand(t *testing.T) {
	src := &stubSource{}
	src.set(pool.Stats{ActiveCount: 2, MaxConns: 10, Created: 5})
	m := testMonitor(src)

	hs := m.CurrentHealth()
	assert.Equal(t, StatusOK, hs.Status)
	assert.Equal(t, 2, hs.ActiveCount)
	assert.Len(t, m.RecentHistory(0), 1)
}

func TestStartStop(t *testing.T) {
	src := &stubSource{}
	src.set(pool.Stats{ActiveCount: 1, MaxConns: 10, Created: 5})
	m := New(Config{Interval: 5 * time.Millisecond, HistorySize: 100}, src)

	m.Start()
	m.Start() // second call is a no-op
	require.Eventually(t, func() bool {
		return len(m.RecentHistory(0)) >= 2
	}, time.Second, time.Millisecond)

	m.Stop()
	m.Stop() // idempotent
	n := len(m.RecentHistory(0))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, n, len(m.RecentHistory(0)), "no samples after Stop")
}
