// Package monitor observes a connection pool through its stats snapshots and
// raises alerts when its health classification changes. It never mutates the
// pool it watches.
package monitor

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/recipedb/connpool/pkg/pool"
)

// StatsSource is anything that can produce a pool stats snapshot.
type StatsSource interface {
	Stats() pool.Stats
}

// Severity ranks an alert.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert records a health status transition.
type Alert struct {
	ID        string    `json:"id"`
	Severity  Severity  `json:"severity"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Resolved  bool      `json:"resolved"`
}

// AlertCallback receives alerts as they fire. Callbacks run on their own
// goroutine; a panicking callback is recovered and logged.
type AlertCallback func(Alert)

// Config configures a Monitor.
type Config struct {
	Interval    time.Duration `json:"interval" yaml:"interval" mapstructure:"interval"`
	HistorySize int           `json:"history_size" yaml:"history_size" mapstructure:"history_size"`
	Thresholds  Thresholds    `json:"thresholds" yaml:"thresholds" mapstructure:"thresholds"`
}

// DefaultConfig returns a monitor configuration sampling every 10 seconds
// with an hour of history.
func DefaultConfig() Config {
	return Config{
		Interval:    10 * time.Second,
		HistorySize: 360,
		Thresholds:  DefaultThresholds(),
	}
}

// Monitor periodically samples a StatsSource, keeps a bounded history of
// observations, and raises an alert each time the derived status changes.
type Monitor struct {
	cfg    Config
	source StatsSource

	mu         sync.Mutex
	history    []HealthStatus // ring, oldest first once full
	alerts     map[string]*Alert
	callbacks  []AlertCallback
	lastStatus Status
	prevStats  pool.Stats // previous sample, for rolling error rate
	started    bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Monitor for the given source. Call Start to begin sampling.
func New(cfg Config, source StatsSource) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 360
	}
	if cfg.Thresholds == (Thresholds{}) {
		cfg.Thresholds = DefaultThresholds()
	}
	return &Monitor{
		cfg:        cfg,
		source:     source,
		alerts:     make(map[string]*Alert),
		lastStatus: StatusOK,
		stopCh:     make(chan struct{}),
	}
}

// OnAlert registers a callback for future alerts.
func (m *Monitor) OnAlert(cb AlertCallback) {
	m.mu.Lock()
	m.callbacks = append(m.callbacks, cb)
	m.mu.Unlock()
}

// Start begins periodic sampling. Calling Start twice is a no-op.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run()
	log.Info().Dur("interval", m.cfg.Interval).Msg("Pool monitor started")
}

// Stop halts sampling and waits for the sampler to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	m.mu.Unlock()

	close(m.stopCh)
	m.wg.Wait()
	log.Info().Msg("Pool monitor stopped")
}

func (m *Monitor) run() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.Sample()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.Sample()
		}
	}
}

// Sample takes one observation immediately and returns it. The periodic
// sampler calls this on every tick; tests and handlers may call it directly.
func (m *Monitor) Sample() HealthStatus {
	stats := m.source.Stats()

	m.mu.Lock()
	hs := classify(stats, m.prevStats, m.cfg.Thresholds, time.Now())
	m.prevStats = stats
	m.appendHistoryLocked(hs)
	var fired *Alert
	if hs.Status != m.lastStatus {
		fired = m.raiseLocked(m.lastStatus, hs)
		m.lastStatus = hs.Status
	}
	cbs := make([]AlertCallback, len(m.callbacks))
	copy(cbs, m.callbacks)
	m.mu.Unlock()

	if fired != nil {
		m.dispatch(*fired, cbs)
	}
	return hs
}

// CurrentHealth returns the latest observation, sampling on demand if none
// has been taken yet.
func (m *Monitor) CurrentHealth() HealthStatus {
	m.mu.Lock()
	if n := len(m.history); n > 0 {
		hs := m.history[n-1]
		m.mu.Unlock()
		return hs
	}
	m.mu.Unlock()
	return m.Sample()
}

// RecentHistory returns up to n observations, oldest first.
func (m *Monitor) RecentHistory(n int) []HealthStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n <= 0 || n > len(m.history) {
		n = len(m.history)
	}
	out := make([]HealthStatus, n)
	copy(out, m.history[len(m.history)-n:])
	return out
}

// ActiveAlerts returns all unresolved alerts, newest first not guaranteed.
func (m *Monitor) ActiveAlerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Alert, 0, len(m.alerts))
	for _, a := range m.alerts {
		if !a.Resolved {
			out = append(out, *a)
		}
	}
	return out
}

// ResolveAlert marks an alert resolved. Unknown IDs report false.
func (m *Monitor) ResolveAlert(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[id]
	if !ok || a.Resolved {
		return false
	}
	a.Resolved = true
	return true
}

func (m *Monitor) appendHistoryLocked(hs HealthStatus) {
	if len(m.history) >= m.cfg.HistorySize {
		copy(m.history, m.history[1:])
		m.history = m.history[:len(m.history)-1]
	}
	m.history = append(m.history, hs)
}

// raiseLocked creates an alert for a status transition. Recovery to ok is a
// warning-level notification; any worsening takes the new status's weight.
func (m *Monitor) raiseLocked(from Status, hs HealthStatus) *Alert {
	severity := SeverityWarning
	if hs.Status == StatusCritical {
		severity = SeverityCritical
	}
	a := &Alert{
		ID:        uuid.NewString(),
		Severity:  severity,
		Message:   alertMessage(from, hs),
		Timestamp: hs.Timestamp,
	}
	m.alerts[a.ID] = a
	return a
}

func alertMessage(from Status, hs HealthStatus) string {
	switch hs.Status {
	case StatusOK:
		return "pool health recovered from " + string(from)
	default:
		return "pool health changed from " + string(from) + " to " + string(hs.Status)
	}
}

func (m *Monitor) dispatch(a Alert, cbs []AlertCallback) {
	log.Warn().
		Str("alert_id", a.ID).
		Str("severity", string(a.Severity)).
		Str("message", a.Message).
		Msg("Pool health alert")
	for _, cb := range cbs {
		cb := cb
		go func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().Interface("panic", r).Msg("Alert callback panicked")
				}
			}()
			cb(a)
		}()
	}
}
