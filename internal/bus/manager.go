package bus

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// envelope is how a broadcast message crosses the Redis pub/sub wire to
// fan out across HyperStack instances. Origin lets a subscriber ignore
// its own publishes echoed back by Redis.
type envelope struct {
	Origin string `json:"origin"`
	Kind   string `json:"kind"` // "kv" or "list"
	ViewID string `json:"view_id"`
	Key    string `json:"key"`
	Entity string `json:"entity"`
	Data   []byte `json:"data"`
}

// Manager owns every view's state slots and broadcast buses, creating
// them lazily on first subscription (spec.md §4.6). A Manager with a nil
// Redis client behaves as a single-instance bus; with one configured, Kv
// and List publishes are also mirrored through Redis pub/sub so every
// HyperStack process serving the same views observes the same stream.
type Manager struct {
	mu         sync.Mutex
	stateSlots map[string]*stateSlot
	kvBuses    map[string]*broadcastBus
	listBuses  map[string]*broadcastBus
	capacity   int

	redis      *redis.Client
	instanceID string
	log        *logrus.Entry
}

// NewManager builds a Manager. redisClient may be nil to disable
// cross-instance fan-out. capacity is the default broadcast buffer size
// (spec.md §4.6 default 1000).
func NewManager(capacity int, redisClient *redis.Client, instanceID string, log *logrus.Logger) *Manager {
	if log == nil {
		log = logrus.StandardLogger()
	}
	m := &Manager{
		stateSlots: make(map[string]*stateSlot),
		kvBuses:    make(map[string]*broadcastBus),
		listBuses:  make(map[string]*broadcastBus),
		capacity:   capacity,
		redis:      redisClient,
		instanceID: instanceID,
		log:        log.WithField("component", "bus"),
	}
	if redisClient != nil {
		go m.subscribeRedis(context.Background())
	}
	return m
}

func stateKey(viewID, key string) string { return viewID + "\x00" + key }

func (m *Manager) stateSlotFor(viewID, key string) *stateSlot {
	m.mu.Lock()
	defer m.mu.Unlock()
	sk := stateKey(viewID, key)
	s, ok := m.stateSlots[sk]
	if !ok {
		s = newStateSlot()
		m.stateSlots[sk] = s
	}
	return s
}

func (m *Manager) kvBusFor(viewID string) *broadcastBus {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.kvBuses[viewID]
	if !ok {
		b = newBroadcastBus(m.capacity)
		m.kvBuses[viewID] = b
	}
	return b
}

func (m *Manager) listBusFor(viewID string) *broadcastBus {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.listBuses[viewID]
	if !ok {
		b = newBroadcastBus(m.capacity)
		m.listBuses[viewID] = b
	}
	return b
}

// PublishState overwrites the latest value for (viewID, key). Serves
// State-mode views: watchers see only the newest patch, never a queue.
func (m *Manager) PublishState(viewID, key string, payload []byte) {
	m.stateSlotFor(viewID, key).publish(payload)
}

// SubscribeState returns the channel, the current value (nil if none
// yet published), and a cancel func.
func (m *Manager) SubscribeState(viewID, key string) (<-chan []byte, []byte, func()) {
	return m.stateSlotFor(viewID, key).subscribe()
}

// PublishKv fans msg out to every Kv/Append subscriber of viewID, and
// mirrors it through Redis when cross-instance fan-out is configured.
func (m *Manager) PublishKv(viewID string, msg *Message) {
	m.kvBusFor(viewID).publish(msg)
	m.mirror("kv", viewID, msg)
}

// SubscribeKv subscribes to viewID's Kv/Append broadcast bus.
func (m *Manager) SubscribeKv(viewID string) (*Subscription, func()) {
	return m.kvBusFor(viewID).subscribe()
}

// PublishList fans msg out to every List subscriber of viewID.
func (m *Manager) PublishList(viewID string, msg *Message) {
	m.listBusFor(viewID).publish(msg)
	m.mirror("list", viewID, msg)
}

// SubscribeList subscribes to viewID's List broadcast bus.
func (m *Manager) SubscribeList(viewID string) (*Subscription, func()) {
	return m.listBusFor(viewID).subscribe()
}

func (m *Manager) mirror(kind, viewID string, msg *Message) {
	if m.redis == nil {
		return
	}
	env := envelope{Origin: m.instanceID, Kind: kind, ViewID: viewID, Key: msg.Key, Entity: msg.Entity, Data: msg.Payload}
	raw, err := json.Marshal(env)
	if err != nil {
		m.log.WithError(err).Warn("failed to marshal bus envelope for redis mirror")
		return
	}
	if err := m.redis.Publish(context.Background(), redisChannel, raw).Err(); err != nil {
		m.log.WithError(err).Warn("failed to publish bus envelope to redis")
	}
}

const redisChannel = "hyperstack:bus"

// subscribeRedis re-publishes envelopes originating from other instances
// into this process's local buses, so every HyperStack instance serving
// the same view set converges on the same broadcast stream.
func (m *Manager) subscribeRedis(ctx context.Context) {
	sub := m.redis.Subscribe(ctx, redisChannel)
	defer sub.Close()

	ch := sub.Channel()
	for rawMsg := range ch {
		var env envelope
		if err := json.Unmarshal([]byte(rawMsg.Payload), &env); err != nil {
			m.log.WithError(err).Warn("dropping unparseable bus envelope from redis")
			continue
		}
		if env.Origin == m.instanceID {
			continue
		}
		msg := &Message{Key: env.Key, Entity: env.Entity, Payload: env.Data}
		switch env.Kind {
		case "kv":
			m.kvBusFor(env.ViewID).publish(msg)
		case "list":
			m.listBusFor(env.ViewID).publish(msg)
		}
	}
}
