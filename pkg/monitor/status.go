package monitor

import (
	"time"

	"github.com/recipedb/connpool/pkg/pool"
)

// Status classifies pool health.
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusCritical Status = "critical"
)

// Thresholds holds the boundaries between health classifications. Ratios are
// in [0, 1].
type Thresholds struct {
	DegradedUtilization float64 `json:"degraded_utilization" yaml:"degraded_utilization" mapstructure:"degraded_utilization"`
	CriticalUtilization float64 `json:"critical_utilization" yaml:"critical_utilization" mapstructure:"critical_utilization"`
	DegradedErrorRate   float64 `json:"degraded_error_rate" yaml:"degraded_error_rate" mapstructure:"degraded_error_rate"`
	CriticalErrorRate   float64 `json:"critical_error_rate" yaml:"critical_error_rate" mapstructure:"critical_error_rate"`
}

// DefaultThresholds returns conservative production defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		DegradedUtilization: 0.75,
		CriticalUtilization: 0.90,
		DegradedErrorRate:   0.05,
		CriticalErrorRate:   0.25,
	}
}

// HealthStatus is one observation of the pool.
type HealthStatus struct {
	Timestamp        time.Time `json:"timestamp"`
	IdleCount        int       `json:"idle_count"`
	ActiveCount      int       `json:"active_count"`
	WaitingCount     int       `json:"waiting_count"`
	UtilizationRatio float64   `json:"utilization_ratio"`
	ErrorRate        float64   `json:"error_rate"`
	Status           Status    `json:"status"`
}

// classify derives a health observation from consecutive stats snapshots. It
// is a pure function of its inputs; the same pair always yields the same
// status. The error rate is rolling: failed creation attempts since prev over
// total creation attempts since prev, so an old failure burst ages out as
// soon as a clean sample follows it.
func classify(cur, prev pool.Stats, t Thresholds, now time.Time) HealthStatus {
	var utilization float64
	if cur.MaxConns > 0 {
		utilization = float64(cur.ActiveCount) / float64(cur.MaxConns)
	}
	var errorRate float64
	errDelta := cur.CreationErrors - prev.CreationErrors
	attemptDelta := (cur.Created + cur.CreationErrors) - (prev.Created + prev.CreationErrors)
	if attemptDelta > 0 {
		errorRate = float64(errDelta) / float64(attemptDelta)
	}

	status := StatusOK
	switch {
	case utilization >= t.CriticalUtilization || errorRate >= t.CriticalErrorRate:
		status = StatusCritical
	case utilization >= t.DegradedUtilization || errorRate >= t.DegradedErrorRate:
		status = StatusDegraded
	}

	return HealthStatus{
		Timestamp:        now,
		IdleCount:        cur.IdleCount,
		ActiveCount:      cur.ActiveCount,
		WaitingCount:     cur.WaitingCount,
		UtilizationRatio: utilization,
		ErrorRate:        errorRate,
		Status:           status,
	}
}
