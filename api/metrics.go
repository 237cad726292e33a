package api

import (
	"sync"
	"time"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const AlertLoginFailureSpike AlertType = "login_failure_spike"

// AlertEvent describes an anomaly that triggered an alert.
type AlertEvent struct {
	Type      AlertType `json:"type"`
	Message   string    `json:"message"`
	Count     int       `json:"count"`
	Threshold int       `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertFunc is the callback invoked when an anomaly is detected.
type AlertFunc func(AlertEvent)

const (
	defaultLoginFailureWindow    = time.Minute
	defaultLoginFailureThreshold = 50
)

// metricsCollector counts rejected WebDAV logins in a sliding window.
type metricsCollector struct {
	mu sync.Mutex

	loginFailures  []time.Time
	loginWindow    time.Duration
	loginThreshold int

	alertFn AlertFunc
}

func newMetricsCollector(alertFn AlertFunc) *metricsCollector {
	return &metricsCollector{
		loginWindow:    defaultLoginFailureWindow,
		loginThreshold: defaultLoginFailureThreshold,
		alertFn:        alertFn,
	}
}

func (m *metricsCollector) recordEvent(event AuditEvent) {
	if m == nil || m.alertFn == nil || event != AuditLoginFailure {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	m.loginFailures = trimWindow(append(m.loginFailures, now), now, m.loginWindow)
	if len(m.loginFailures) < m.loginThreshold {
		return
	}
	m.alertFn(AlertEvent{
		Type:      AlertLoginFailureSpike,
		Message:   "WebDAV login failure rate exceeds threshold",
		Count:     len(m.loginFailures),
		Threshold: m.loginThreshold,
		Timestamp: now,
	})
	// One alert per spike.
	m.loginFailures = m.loginFailures[:0]
}

// trimWindow drops entries older than now-window from the sorted slice.
func trimWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	start := 0
	for start < len(times) && times[start].Before(cutoff) {
		start++
	}
	return times[start:]
}
