package wsgateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

const (
	defaultQueueSize   = 512
	defaultStaleAfter  = 5 * time.Minute
	defaultSweepPeriod = 30 * time.Second
)

// clientInfo is one connected WebSocket client: its outbound queue, the
// goroutine draining it into the socket, and its live (view,key)
// subscriptions (each cancellable independently, ported from the
// original's per-subscription CancellationToken).
type clientInfo struct {
	id       uuid.UUID
	conn     *websocket.Conn
	outbound chan []byte

	mu            sync.Mutex
	lastSeen      time.Time
	subscriptions map[string]context.CancelFunc
}

func newClientInfo(id uuid.UUID, conn *websocket.Conn, queueSize int) *clientInfo {
	return &clientInfo{
		id:            id,
		conn:          conn,
		outbound:      make(chan []byte, queueSize),
		lastSeen:      time.Now(),
		subscriptions: make(map[string]context.CancelFunc),
	}
}

func (c *clientInfo) touch() {
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.mu.Unlock()
}

func (c *clientInfo) isStale(timeout time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastSeen) > timeout
}

// addSubscription cancels any prior subscription under the same key
// (matching the original's "replace, cancel the old token" behavior)
// and records the new one's cancel func.
func (c *clientInfo) addSubscription(key string, cancel context.CancelFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.subscriptions[key]; ok {
		old()
	}
	c.subscriptions[key] = cancel
}

func (c *clientInfo) removeSubscription(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	cancel, ok := c.subscriptions[key]
	if !ok {
		return false
	}
	cancel()
	delete(c.subscriptions, key)
	return true
}

func (c *clientInfo) cancelAllSubscriptions() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cancel := range c.subscriptions {
		cancel()
	}
	c.subscriptions = make(map[string]context.CancelFunc)
}

// ClientManager owns every connected client's registry (spec.md §4.7's
// "lock-free concurrent client registry" — here a mutex-guarded map,
// since Go has no DashMap; Send takes the lock once per frame to look up
// the client). It never blocks a publisher: sends
// to a client use try-send semantics and disconnect the client on
// overflow (spec.md §4.7, the original's ClientManager.send_to_client).
type ClientManager struct {
	mu           sync.Mutex
	clients      map[uuid.UUID]*clientInfo
	queueSize    int
	staleTimeout time.Duration
	log          *logrus.Entry
}

// NewClientManager builds a registry with the given outbound queue size
// and stale-client timeout. Zero values fall back to spec.md §4.7's
// defaults (queue 512, timeout 5 minutes).
func NewClientManager(queueSize int, staleTimeout time.Duration, log *logrus.Entry) *ClientManager {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if staleTimeout <= 0 {
		staleTimeout = defaultStaleAfter
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &ClientManager{
		clients:      make(map[uuid.UUID]*clientInfo),
		queueSize:    queueSize,
		staleTimeout: staleTimeout,
		log:          log,
	}
}

// AddClient registers conn under a fresh id and starts its writer
// goroutine, which drains the outbound queue into the socket until the
// queue closes or a write fails.
func (m *ClientManager) AddClient(conn *websocket.Conn) uuid.UUID {
	id := uuid.New()
	info := newClientInfo(id, conn, m.queueSize)

	m.mu.Lock()
	m.clients[id] = info
	m.mu.Unlock()

	go func() {
		for msg := range info.outbound {
			if err := conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
				m.log.WithError(err).WithField("client", id).Debug("write failed, dropping client")
				break
			}
		}
		m.RemoveClient(id)
	}()

	m.log.WithField("client", id).Debug("client registered")
	return id
}

// RemoveClient drops a client from the registry, cancels its
// subscriptions, and closes its outbound queue (idempotent).
func (m *ClientManager) RemoveClient(id uuid.UUID) {
	m.mu.Lock()
	info, ok := m.clients[id]
	if ok {
		delete(m.clients, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	info.cancelAllSubscriptions()
	close(info.outbound)
}

// ClientCount returns the current (approximate) connected client count.
func (m *ClientManager) ClientCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients)
}

// Send delivers data to id without blocking. A full queue disconnects
// the client (spec.md §4.7: slow consumers are removed, never allowed
// to backpressure the publisher) and returns SendClientBackpressured.
func (m *ClientManager) Send(id uuid.UUID, data []byte) SendError {
	m.mu.Lock()
	info, ok := m.clients[id]
	m.mu.Unlock()
	if !ok {
		return SendClientNotFound
	}

	select {
	case info.outbound <- data:
		return SendOK
	default:
		m.log.WithField("client", id).Warn("client backpressured, disconnecting")
		m.RemoveClient(id)
		return SendClientBackpressured
	}
}

// SendAsync delivers data to id, blocking (bounded by ctx) if the queue
// is momentarily full. Used for the initial snapshot burst, where
// dropping frames because the live-frame policy's try-send would lose
// part of the snapshot is worse than a short wait (spec.md §4.7).
func (m *ClientManager) SendAsync(ctx context.Context, id uuid.UUID, data []byte) SendError {
	m.mu.Lock()
	info, ok := m.clients[id]
	m.mu.Unlock()
	if !ok {
		return SendClientNotFound
	}

	select {
	case info.outbound <- data:
		return SendOK
	case <-ctx.Done():
		return SendClientDisconnected
	}
}

// Touch refreshes id's last-seen timestamp (called on every inbound
// client message, including pings/subscribe requests).
func (m *ClientManager) Touch(id uuid.UUID) {
	m.mu.Lock()
	info, ok := m.clients[id]
	m.mu.Unlock()
	if ok {
		info.touch()
	}
}

// AddSubscription records a cancellable subscription under key for id,
// cancelling any prior subscription registered under the same key.
func (m *ClientManager) AddSubscription(id uuid.UUID, key string, cancel context.CancelFunc) bool {
	m.mu.Lock()
	info, ok := m.clients[id]
	m.mu.Unlock()
	if !ok {
		return false
	}
	info.addSubscription(key, cancel)
	return true
}

// RemoveSubscription cancels and forgets id's subscription under key.
func (m *ClientManager) RemoveSubscription(id uuid.UUID, key string) bool {
	m.mu.Lock()
	info, ok := m.clients[id]
	m.mu.Unlock()
	if !ok {
		return false
	}
	return info.removeSubscription(key)
}

// CleanupStale disconnects every client whose last-seen timestamp is
// older than the configured timeout, returning the number removed.
func (m *ClientManager) CleanupStale() int {
	m.mu.Lock()
	var stale []uuid.UUID
	for id, info := range m.clients {
		if info.isStale(m.staleTimeout) {
			stale = append(stale, id)
		}
	}
	m.mu.Unlock()

	for _, id := range stale {
		m.RemoveClient(id)
	}
	return len(stale)
}

// RunStaleSweep runs CleanupStale every period until ctx is cancelled,
// driven by a single-entry robfig/cron/v3 schedule rather than a bare
// time.Ticker.
func (m *ClientManager) RunStaleSweep(ctx context.Context, period time.Duration) {
	if period <= 0 {
		period = defaultSweepPeriod
	}

	c := cron.New()
	_, err := c.AddFunc(fmt.Sprintf("@every %s", period), func() {
		if n := m.CleanupStale(); n > 0 {
			m.log.WithField("removed", n).Info("swept stale clients")
		}
	})
	if err != nil {
		m.log.WithError(err).Error("failed to schedule stale-client sweep, falling back to no sweep")
		<-ctx.Done()
		return
	}

	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
}
