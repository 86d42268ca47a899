package wsgateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/R3E-Network/hyperstack/internal/bus"
	"github.com/R3E-Network/hyperstack/internal/projector"
	"github.com/R3E-Network/hyperstack/internal/specast"
	"github.com/R3E-Network/hyperstack/pkg/logger"
	"github.com/R3E-Network/hyperstack/pkg/metrics"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Server is the WebSocket edge: one route, upgraded per connection,
// driving one read loop (subscription requests in) and, per
// subscription, one forwarding goroutine (frames out) per spec.md
// §4.7.
type Server struct {
	views     *projector.ViewIndex
	bus       *bus.Manager
	snapshots SnapshotProvider
	clients   *ClientManager
	upgrader  websocket.Upgrader
	metrics   *metrics.Metrics
	log       *logrus.Entry
}

// NewServer builds a Server. queueSize/staleTimeout of zero fall back
// to ClientManager's spec.md §4.7 defaults.
func NewServer(views *projector.ViewIndex, busManager *bus.Manager, snapshots SnapshotProvider, m *metrics.Metrics, log *logger.Logger, queueSize int, staleTimeout time.Duration) *Server {
	var entry *logrus.Entry
	if log != nil {
		entry = log.Component("wsgateway")
	} else {
		entry = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Server{
		views:     views,
		bus:       busManager,
		snapshots: snapshots,
		metrics:   m,
		log:       entry,
		clients:   NewClientManager(queueSize, staleTimeout, entry),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Router returns the mux.Router serving the single /ws upgrade route.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.HandleWS)
	return r
}

// ClientCount exposes the live connection count for health/status
// reporting (internal/health, C8).
func (s *Server) ClientCount() int { return s.clients.ClientCount() }

// RunStaleSweep starts the background stale-client sweep; cmd/hyperstack
// runs this alongside the server.
func (s *Server) RunStaleSweep(ctx context.Context, period time.Duration) {
	s.clients.RunStaleSweep(ctx, period)
}

// clientRequest is one inbound JSON frame (spec.md §6.1): "unsubscribe",
// "ping", or a subscribe request for any other Type, including empty.
type clientRequest struct {
	Type string  `json:"type,omitempty"`
	View string  `json:"view"`
	Key  *string `json:"key,omitempty"`
}

// HandleWS upgrades the connection and runs its read loop: every inbound
// text frame is a subscribe request (spec.md §4.7: `{view, key?,
// filters?}`), an unsubscribe, or an application-level ping; anything
// unparseable is logged and ignored rather than dropping the connection.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Debug("websocket upgrade failed")
		return
	}

	id := s.clients.AddClient(conn)
	if s.metrics != nil {
		s.metrics.ConnectedClients.Inc()
	}
	conn.SetPongHandler(func(string) error {
		s.clients.Touch(id)
		return nil
	})
	conn.SetPingHandler(func(message string) error {
		s.clients.Touch(id)
		// WriteControl is safe concurrently with the writer goroutine.
		return conn.WriteControl(websocket.PongMessage, []byte(message), time.Now().Add(time.Second))
	})
	defer func() {
		s.clients.RemoveClient(id)
		conn.Close()
		if s.metrics != nil {
			s.metrics.ConnectedClients.Dec()
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s.clients.Touch(id)

		var req clientRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			s.log.WithError(err).Debug("dropping unparseable client request")
			continue
		}
		switch req.Type {
		case "ping":
			// Touch above already advanced last_seen.
		case "unsubscribe":
			s.handleUnsubscribe(id, req)
		default:
			s.handleSubscribe(id, Subscription{View: req.View, Key: req.Key})
		}
	}
}

// handleUnsubscribe cancels one (view,key) subscription without touching
// the client's other subscriptions on the same socket.
func (s *Server) handleUnsubscribe(id uuid.UUID, req clientRequest) {
	key := ""
	if req.Key != nil {
		key = *req.Key
	}
	if s.clients.RemoveSubscription(id, req.View+"\x00"+key) {
		if s.metrics != nil {
			s.metrics.ActiveSubscriptions.Dec()
		}
	}
}

// handleSubscribe registers sub, sends the synthetic snapshot, and
// starts the goroutine forwarding live frames for it. Re-subscribing
// under the same (view,key) cancels the prior forwarder, matching the
// original's "replace, cancel the old token" semantics.
func (s *Server) handleSubscribe(id uuid.UUID, sub Subscription) {
	view, ok := s.views.ByID(sub.View)
	if !ok {
		s.log.WithField("view", sub.View).Debug("subscribe request for unknown view")
		return
	}

	key := ""
	if sub.Key != nil {
		key = *sub.Key
	}
	subKey := sub.View + "\x00" + key

	subCtx, cancel := context.WithCancel(context.Background())
	s.clients.AddSubscription(id, subKey, cancel)

	s.sendSnapshot(id, view, key)

	go s.pump(subCtx, id, view, key)
	if s.metrics != nil {
		s.metrics.ActiveSubscriptions.Inc()
	}
}

func (s *Server) sendSnapshot(id uuid.UUID, view *specast.View, key string) {
	if s.snapshots == nil {
		return
	}
	items := s.snapshots.Snapshot(view, key)
	frame := projector.Frame{Mode: string(view.Mode), Entity: view.ID, Op: projector.OpSnapshot, Key: key, Data: items}

	payload, err := EncodeSnapshot(frame)
	if err != nil {
		s.log.WithError(err).Warn("failed to encode snapshot frame")
		return
	}
	s.clients.SendAsync(context.Background(), id, payload)
	if s.metrics != nil {
		s.metrics.SnapshotsSent.Inc()
	}
}

// pump forwards live frames for one subscription until subCtx is
// cancelled (client disconnect or re-subscribe) or the client is
// removed (backpressure, lag).
func (s *Server) pump(subCtx context.Context, id uuid.UUID, view *specast.View, key string) {
	switch view.Mode {
	case specast.ModeState:
		ch, _, cancel := s.bus.SubscribeState(view.ID, key)
		defer cancel()
		for {
			select {
			case <-subCtx.Done():
				return
			case payload, ok := <-ch:
				if !ok {
					return
				}
				s.clients.Send(id, payload)
			}
		}
	case specast.ModeList:
		sub, cancel := s.bus.SubscribeList(view.ID)
		defer cancel()
		s.forwardBroadcast(subCtx, id, sub, key)
	default: // Kv, Append
		sub, cancel := s.bus.SubscribeKv(view.ID)
		defer cancel()
		s.forwardBroadcast(subCtx, id, sub, key)
	}
}

// forwardBroadcast drains a Kv/List broadcast subscription, applying
// the subscription's key filter client-side (the bus fans out every
// key for a view; only this subscription's chosen key, if any, should
// reach the client). A Lagged signal is fatal per spec.md §4.6: the
// client is disconnected rather than allowed to fall further behind.
func (s *Server) forwardBroadcast(subCtx context.Context, id uuid.UUID, sub *bus.Subscription, key string) {
	for {
		select {
		case <-subCtx.Done():
			return
		case <-sub.Lagged():
			s.log.WithField("client", id).Warn("subscriber lagged, disconnecting")
			if s.metrics != nil {
				s.metrics.SubscriberBackpressured.Inc()
			}
			s.clients.RemoveClient(id)
			return
		case msg, ok := <-sub.C():
			if !ok {
				return
			}
			if key != "" && msg.Key != key {
				continue
			}
			s.clients.Send(id, msg.Payload)
		}
	}
}
