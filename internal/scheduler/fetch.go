package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PaesslerAG/jsonpath"
	"golang.org/x/time/rate"
)

// SnapshotFunc returns a key's current field values (the same shape
// internal/vm.Snapshot produces), used to resolve "{section.field}"
// placeholders in a Resolve binding's url_template.
type SnapshotFunc func(key string) (map[string]interface{}, bool)

// FetchResult is what a due ScheduledCallback resolves to.
type FetchResult struct {
	Callback ScheduledCallback
	Value    interface{}
	Err      error
}

// FetchWorker is the I/O side of spec.md §4.4: "the scheduler itself does
// no I/O; it just delivers callbacks to a worker that performs the
// fetch." One rate limiter per destination host keeps a misbehaving
// upstream from starving the others.
type FetchWorker struct {
	client   *http.Client
	snapshot SnapshotFunc

	mu         sync.Mutex
	limiters   map[string]*rate.Limiter
	ratePerSec float64
	burst      int
}

// NewFetchWorker builds a worker rate-limited to ratePerSec requests per
// host (burst tokens up front), timing each request out after timeout.
func NewFetchWorker(snapshot SnapshotFunc, ratePerSec float64, burst int, timeout time.Duration) *FetchWorker {
	if ratePerSec <= 0 {
		ratePerSec = 2
	}
	if burst <= 0 {
		burst = 1
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &FetchWorker{
		client:     &http.Client{Timeout: timeout},
		snapshot:   snapshot,
		limiters:   make(map[string]*rate.Limiter),
		ratePerSec: ratePerSec,
		burst:      burst,
	}
}

func (w *FetchWorker) limiterFor(host string) *rate.Limiter {
	w.mu.Lock()
	defer w.mu.Unlock()
	l, ok := w.limiters[host]
	if !ok {
		l = rate.NewLimiter(rate.Limit(w.ratePerSec), w.burst)
		w.limiters[host] = l
	}
	return l
}

// Fetch resolves cb's URL template against the record's current fields,
// waits on the destination host's rate limiter, performs the GET, and
// extracts cb.Extract (a jsonpath expression) from the JSON response.
// Extract empty means the whole decoded body is the value.
func (w *FetchWorker) Fetch(ctx context.Context, cb ScheduledCallback) FetchResult {
	fields, _ := w.snapshot(cb.Key)

	target, err := buildURL(cb.URLTemplate, fields)
	if err != nil {
		return FetchResult{Callback: cb, Err: err}
	}

	parsed, err := url.Parse(target)
	if err != nil {
		return FetchResult{Callback: cb, Err: fmt.Errorf("invalid resolved url %q: %w", target, err)}
	}
	if err := w.limiterFor(parsed.Host).Wait(ctx); err != nil {
		return FetchResult{Callback: cb, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return FetchResult{Callback: cb, Err: err}
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return FetchResult{Callback: cb, Err: err}
	}
	defer resp.Body.Close()

	var doc interface{}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return FetchResult{Callback: cb, Err: err}
	}

	if cb.Extract == "" {
		return FetchResult{Callback: cb, Value: doc}
	}
	value, err := jsonpath.Get(cb.Extract, doc)
	if err != nil {
		return FetchResult{Callback: cb, Err: err}
	}
	return FetchResult{Callback: cb, Value: value}
}

// buildURL substitutes every "{field}" or "{section.field}" placeholder
// in template with fields' current value, failing if a referenced field
// is absent or null (the fetch is simply skipped for that record this
// round; the caller re-registers it for a later slot like any other
// failure). Snapshot maps are keyed by bare field name, so a qualified
// placeholder falls back to its trailing segment.
func buildURL(template string, fields map[string]interface{}) (string, error) {
	var b strings.Builder
	i := 0
	for i < len(template) {
		if template[i] != '{' {
			b.WriteByte(template[i])
			i++
			continue
		}
		end := strings.IndexByte(template[i:], '}')
		if end < 0 {
			return "", fmt.Errorf("unterminated placeholder in url_template %q", template)
		}
		path := template[i+1 : i+end]
		v, ok := fields[path]
		if !ok || v == nil {
			if dot := strings.LastIndexByte(path, '.'); dot >= 0 {
				v, ok = fields[path[dot+1:]]
			}
		}
		if !ok || v == nil {
			return "", fmt.Errorf("url_template placeholder %q not resolvable", path)
		}
		fmt.Fprintf(&b, "%v", v)
		i += end + 1
	}
	return b.String(), nil
}
