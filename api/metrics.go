package api

import (
	"sync"
	"time"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	AlertLoginFailureSpike AlertType = "login_failure_spike"
	AlertCSRFRejectSpike   AlertType = "csrf_reject_spike"
	AlertRateLimitSpike    AlertType = "rate_limit_spike"
)

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

// spikeWindow counts occurrences of one audit event inside a sliding window.
type spikeWindow struct {
	alert     AlertType
	message   string
	window    time.Duration
	threshold int
	hits      []time.Time
}

// metricsCollector watches the audit stream for bursts that suggest
// credential stuffing or forged-request campaigns.
type metricsCollector struct {
	mu      sync.Mutex
	windows map[AuditEvent]*spikeWindow
	now     func() time.Time
	alertFn AlertFunc
}

const (
	defaultLoginFailureWindow    = 1 * time.Minute
	defaultLoginFailureThreshold = 50
	defaultCSRFRejectWindow      = 1 * time.Minute
	defaultCSRFRejectThreshold   = 20
	defaultRateLimitWindow       = 1 * time.Minute
	defaultRateLimitThreshold    = 100
)

func newMetricsCollector(alertFn AlertFunc, now func() time.Time) *metricsCollector {
	if now == nil {
		now = time.Now
	}
	return &metricsCollector{
		windows: map[AuditEvent]*spikeWindow{
			AuditLoginFailure: {
				alert:     AlertLoginFailureSpike,
				message:   "login failure rate exceeds threshold",
				window:    defaultLoginFailureWindow,
				threshold: defaultLoginFailureThreshold,
			},
			AuditCSRFRejected: {
				alert:     AlertCSRFRejectSpike,
				message:   "CSRF rejection rate exceeds threshold",
				window:    defaultCSRFRejectWindow,
				threshold: defaultCSRFRejectThreshold,
			},
			AuditRateLimited: {
				alert:     AlertRateLimitSpike,
				message:   "rate limit rejections exceed threshold",
				window:    defaultRateLimitWindow,
				threshold: defaultRateLimitThreshold,
			},
		},
		now:     now,
		alertFn: alertFn,
	}
}

// recordEvent inspects an audit event and updates the relevant counter.
func (m *metricsCollector) recordEvent(event AuditEvent) {
	if m == nil || m.alertFn == nil {
		return
	}
	m.mu.Lock()
	w, ok := m.windows[event]
	if !ok {
		m.mu.Unlock()
		return
	}
	now := m.now()
	w.hits = append(w.hits, now)
	w.hits = trimWindow(w.hits, now, w.window)

	var alert *AlertEvent
	if len(w.hits) >= w.threshold {
		alert = &AlertEvent{
			Type:      w.alert,
			Message:   w.message,
			Count:     len(w.hits),
			Threshold: w.threshold,
			Timestamp: now,
		}
		// Reset to avoid repeated alerts within the same spike.
		w.hits = w.hits[:0]
	}
	m.mu.Unlock()

	if alert != nil {
		m.alertFn(*alert)
	}
}

// setThreshold overrides one event's threshold.
func (m *metricsCollector) setThreshold(event AuditEvent, threshold int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.windows[event]; ok {
		w.threshold = threshold
	}
}

// trimWindow removes entries older than (now - window) from the sorted slice.
func trimWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	start := 0
	for start < len(times) && times[start].Before(cutoff) {
		start++
	}
	return times[start:]
}
