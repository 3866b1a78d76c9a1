package api

import (
	"sync"
	"time"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	AlertAuthFailureSpike AlertType = "auth_failure_spike"
	AlertBulkDownload     AlertType = "bulk_profile_download"
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

// slidingWindow counts events in a trailing window and fires once the
// threshold is reached, then starts over.
type slidingWindow struct {
	times     []time.Time
	window    time.Duration
	threshold int
}

func (s *slidingWindow) add(now time.Time) (count int, fire bool) {
	s.times = append(trimWindow(s.times, now, s.window), now)
	count = len(s.times)
	if count >= s.threshold {
		s.times = s.times[:0]
		return count, true
	}
	return count, false
}

// metricsCollector watches audit events for auth failure spikes and for
// bulk downloads of client profiles, which carry private keys.
type metricsCollector struct {
	mu        sync.Mutex
	failures  slidingWindow
	downloads slidingWindow
	alertFn   AlertFunc
}

const (
	defaultAuthFailureWindow    = 1 * time.Minute
	defaultAuthFailureThreshold = 50
	defaultDownloadWindow       = 5 * time.Minute
	defaultDownloadThreshold    = 20
)

func newMetricsCollector(alertFn AlertFunc) *metricsCollector {
	return &metricsCollector{
		failures:  slidingWindow{window: defaultAuthFailureWindow, threshold: defaultAuthFailureThreshold},
		downloads: slidingWindow{window: defaultDownloadWindow, threshold: defaultDownloadThreshold},
		alertFn:   alertFn,
	}
}

func (m *metricsCollector) recordEvent(event AuditEvent, now time.Time) {
	if m == nil || m.alertFn == nil {
		return
	}
	var (
		w       *slidingWindow
		typ     AlertType
		message string
	)
	switch event {
	case AuditAuthFailure:
		w, typ, message = &m.failures, AlertAuthFailureSpike, "auth failure rate exceeds threshold"
	case AuditProfileDownloaded:
		w, typ, message = &m.downloads, AlertBulkDownload, "client profile download rate exceeds threshold"
	default:
		return
	}

	m.mu.Lock()
	count, fire := w.add(now)
	threshold := w.threshold
	m.mu.Unlock()

	if fire {
		m.alertFn(AlertEvent{
			Type:      typ,
			Message:   message,
			Count:     count,
			Threshold: threshold,
			Timestamp: now,
		})
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
