package api

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type alertSink struct {
	mu     sync.Mutex
	alerts []AlertEvent
}

func (s *alertSink) record(e AlertEvent) {
	s.mu.Lock()
	s.alerts = append(s.alerts, e)
	s.mu.Unlock()
}

func (s *alertSink) all() []AlertEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]AlertEvent(nil), s.alerts...)
}

func TestLoginFailureSpikeAlert(t *testing.T) {
	sink := &alertSink{}
	collector := newMetricsCollector(sink.record, nil)
	collector.setThreshold(AuditLoginFailure, 5)

	for i := 0; i < 4; i++ {
		collector.recordEvent(AuditLoginFailure)
	}
	assert.Empty(t, sink.all(), "no alert below threshold")

	collector.recordEvent(AuditLoginFailure)
	alerts := sink.all()
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertLoginFailureSpike, alerts[0].Type)
	assert.Equal(t, 5, alerts[0].Count)

	// Counter was reset, so the next failure does not alert again.
	collector.recordEvent(AuditLoginFailure)
	assert.Len(t, sink.all(), 1)
}

func TestCSRFRejectSpikeAlert(t *testing.T) {
	sink := &alertSink{}
	collector := newMetricsCollector(sink.record, nil)
	collector.setThreshold(AuditCSRFRejected, 3)

	for i := 0; i < 3; i++ {
		collector.recordEvent(AuditCSRFRejected)
	}
	alerts := sink.all()
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertCSRFRejectSpike, alerts[0].Type)
}

func TestSpikeWindowExpiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sink := &alertSink{}
	collector := newMetricsCollector(sink.record, func() time.Time { return now })
	collector.setThreshold(AuditLoginFailure, 3)

	collector.recordEvent(AuditLoginFailure)
	collector.recordEvent(AuditLoginFailure)

	now = now.Add(2 * time.Minute)
	collector.recordEvent(AuditLoginFailure)
	assert.Empty(t, sink.all(), "old failures fell out of the window")
}

func TestUnwatchedEventsIgnored(t *testing.T) {
	sink := &alertSink{}
	collector := newMetricsCollector(sink.record, nil)
	for i := 0; i < 200; i++ {
		collector.recordEvent(AuditLoginSuccess)
	}
	assert.Empty(t, sink.all())

	var nilCollector *metricsCollector
	assert.NotPanics(t, func() { nilCollector.recordEvent(AuditLoginFailure) })
}
