package health

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{HeartbeatInterval: 50 * time.Millisecond, HealthCheckTimeout: 10 * time.Millisecond}
}

func TestMonitorDisconnectedIsUnhealthy(t *testing.T) {
	m := NewMonitor(testConfig(), nil)
	require.False(t, m.IsHealthy())
}

func TestMonitorConnectedWithNoEventIsHealthyWithinGraceWindow(t *testing.T) {
	m := NewMonitor(testConfig(), nil)
	m.RecordConnection()
	require.True(t, m.IsHealthy())
}

func TestMonitorConnectedWithRecentEventIsHealthy(t *testing.T) {
	m := NewMonitor(testConfig(), nil)
	m.RecordConnection()
	m.RecordEvent()
	require.True(t, m.IsHealthy())
}

func TestMonitorConnectedWithStaleEventIsUnhealthy(t *testing.T) {
	m := NewMonitor(testConfig(), nil)
	m.RecordConnection()
	m.RecordEvent()
	time.Sleep(150 * time.Millisecond) // > 2x heartbeat interval
	require.False(t, m.IsHealthy())
}

func TestMonitorReconnectingIsAlwaysHealthy(t *testing.T) {
	m := NewMonitor(testConfig(), nil)
	m.RecordReconnecting()
	require.True(t, m.IsHealthy())
}

func TestMonitorErrorIsUnhealthyAndCountsErrors(t *testing.T) {
	m := NewMonitor(testConfig(), nil)
	m.RecordConnection()
	m.RecordError(errors.New("boom"))
	require.False(t, m.IsHealthy())

	snap := m.Status()
	require.Equal(t, uint32(1), snap.ErrorCount)
	require.Equal(t, "boom", snap.LastError)
	require.Equal(t, "Error", snap.Status)
}

func TestMonitorBackoffAdvancesAndResets(t *testing.T) {
	m := NewMonitor(testConfig(), nil)
	first := m.backoff.Advance()
	second := m.backoff.Advance()
	require.Greater(t, second, first)

	m.RecordConnection()
	third := m.backoff.Advance()
	require.Equal(t, first, third)
}

func TestMonitorStatusReportsNextRetryAtWhileReconnecting(t *testing.T) {
	m := NewMonitor(testConfig(), nil)
	m.RecordReconnecting()
	snap := m.Status()
	require.NotNil(t, snap.NextRetryAt)
}
