// Package health implements spec.md §4.8's health/admin surface and the
// stream-health state machine it depends on, grounded on the original's
// health.rs/http_health.rs.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// StreamStatus is the upstream event source's connectivity state
// (spec.md §4.8).
type StreamStatus int

const (
	StatusDisconnected StreamStatus = iota
	StatusConnected
	StatusReconnecting
	StatusError
)

func (s StreamStatus) String() string {
	switch s {
	case StatusConnected:
		return "Connected"
	case StatusReconnecting:
		return "Reconnecting"
	case StatusError:
		return "Error"
	default:
		return "Disconnected"
	}
}

// Config bounds a Monitor's heartbeat expectations (spec.md §4.8
// defaults: 30s heartbeat, 10s check timeout).
type Config struct {
	HeartbeatInterval  time.Duration
	HealthCheckTimeout time.Duration
}

// DefaultConfig matches the original's HealthConfig::default.
func DefaultConfig() Config {
	return Config{HeartbeatInterval: 30 * time.Second, HealthCheckTimeout: 10 * time.Second}
}

// Monitor tracks the upstream stream's connectivity and recent-event
// recency (spec.md §4.8: "ready iff an event arrived within
// 2×heartbeat_interval").
type Monitor struct {
	cfg Config
	log *logrus.Entry

	mu               sync.RWMutex
	status           StreamStatus
	lastError        string
	lastEventAt      *time.Time
	connectionStart  *time.Time
	errorCount       uint32
	backoff          *Backoff
}

// NewMonitor builds a Monitor. A nil log falls back to the standard
// logger.
func NewMonitor(cfg Config, log *logrus.Entry) *Monitor {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Monitor{
		cfg:     cfg,
		log:     log,
		status:  StatusDisconnected,
		backoff: NewBackoff(100*time.Millisecond, 60*time.Second),
	}
}

// RecordEvent marks that an event arrived from the stream just now.
func (m *Monitor) RecordEvent() {
	now := time.Now()
	m.mu.Lock()
	m.lastEventAt = &now
	m.mu.Unlock()
}

// RecordConnection marks the stream as connected and resets backoff.
func (m *Monitor) RecordConnection() {
	now := time.Now()
	m.mu.Lock()
	m.status = StatusConnected
	m.connectionStart = &now
	m.mu.Unlock()
	m.backoff.Reset()
	m.log.Info("stream connection established")
}

// RecordDisconnection marks the stream as disconnected.
func (m *Monitor) RecordDisconnection() {
	m.mu.Lock()
	m.status = StatusDisconnected
	m.connectionStart = nil
	m.mu.Unlock()
	m.log.Warn("stream disconnected")
}

// RecordReconnecting marks the stream as actively retrying and advances
// the exponential backoff (spec.md §4.8 / SPEC_FULL.md §C.4: 100ms→60s,
// doubling), returning the delay the caller should wait before its next
// connect attempt.
func (m *Monitor) RecordReconnecting() time.Duration {
	m.mu.Lock()
	m.status = StatusReconnecting
	m.mu.Unlock()
	delay := m.backoff.Advance()
	m.log.WithField("retry_in", delay).Info("stream reconnecting")
	return delay
}

// RecordError marks the stream in an error state and increments the
// error counter exposed by /status.
func (m *Monitor) RecordError(err error) {
	m.mu.Lock()
	m.status = StatusError
	m.lastError = err.Error()
	m.errorCount++
	m.mu.Unlock()
	m.log.WithError(err).Error("stream error")
}

// IsHealthy reports readiness per spec.md §4.8: connected with a recent
// event (or within 60s of connecting with no event yet), or actively
// reconnecting.
func (m *Monitor) IsHealthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	switch m.status {
	case StatusConnected:
		if m.lastEventAt != nil {
			return time.Since(*m.lastEventAt) < 2*m.cfg.HeartbeatInterval
		}
		if m.connectionStart != nil {
			return time.Since(*m.connectionStart) < 60*time.Second
		}
		return false
	case StatusReconnecting:
		return true
	default:
		return false
	}
}

// Snapshot is the /status endpoint's payload shape.
type Snapshot struct {
	Healthy      bool       `json:"healthy"`
	Status       string     `json:"status"`
	ErrorCount   uint32     `json:"error_count"`
	LastError    string     `json:"last_error,omitempty"`
	NextRetryAt  *time.Time `json:"next_retry_at,omitempty"`
}

// Status returns the current snapshot.
func (m *Monitor) Status() Snapshot {
	m.mu.RLock()
	status := m.status
	errCount := m.errorCount
	lastErr := m.lastError
	m.mu.RUnlock()

	snap := Snapshot{
		Healthy:    m.IsHealthy(),
		Status:     status.String(),
		ErrorCount: errCount,
		LastError:  lastErr,
	}
	if status == StatusReconnecting || status == StatusError {
		next := m.backoff.NextRetryAt()
		snap.NextRetryAt = &next
	}
	return snap
}

// Run periodically logs a warning when the stream looks unhealthy
// (ports the original's check_health background task).
func (m *Monitor) Run(ctx context.Context) {
	interval := m.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !m.IsHealthy() {
				m.mu.RLock()
				status := m.status
				m.mu.RUnlock()
				m.log.Warn(fmt.Sprintf("stream unhealthy, status=%s", status))
			}
		}
	}
}
