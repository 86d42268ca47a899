// Package wsgateway is the WebSocket edge (spec.md §4.7), grounded on
// the original's websocket/{client_manager.rs,subscription.rs,frame.rs}:
// one mux.Router route upgrades to gorilla/websocket, each client gets a
// dedicated writer goroutine draining a bounded outbound queue, and a
// background sweep disconnects clients that have gone quiet.
package wsgateway

// Subscription is a client's current view/key/partition filter (spec.md
// §4.7's subscription protocol: `{view, key?, filters?}`), a direct port
// of the original's Subscription.
type Subscription struct {
	View      string  `json:"view"`
	Key       *string `json:"key,omitempty"`
	Partition *string `json:"partition,omitempty"`
}

// MatchesView reports whether viewID is this subscription's view.
func (s Subscription) MatchesView(viewID string) bool {
	return s.View == viewID
}

// MatchesKey reports whether key passes this subscription's key filter;
// a nil Key means "every key".
func (s Subscription) MatchesKey(key string) bool {
	return s.Key == nil || *s.Key == key
}

// Matches reports whether a frame for (viewID, key) should reach this
// subscription.
func (s Subscription) Matches(viewID, key string) bool {
	return s.MatchesView(viewID) && s.MatchesKey(key)
}

// SendError classifies why a send to a client failed (ported from the
// original's SendError enum).
type SendError int

const (
	SendOK SendError = iota
	SendClientNotFound
	SendClientBackpressured
	SendClientDisconnected
)

func (e SendError) Error() string {
	switch e {
	case SendClientNotFound:
		return "client not found"
	case SendClientBackpressured:
		return "client backpressured and disconnected"
	case SendClientDisconnected:
		return "client disconnected"
	default:
		return "ok"
	}
}
