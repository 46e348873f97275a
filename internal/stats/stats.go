package stats

import (
	"expvar"
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
)

const (
	NumActiveTransports    = "NumActiveTransports"
	NumActiveSubscriptions = "NumActiveSubscriptions"
	NumNoticesEmitted      = "NumNoticesEmitted"
	NumNoticesDelivered    = "NumNoticesDelivered"
	NumNoticesDropped      = "NumNoticesDropped"
)

// LiveMetrics are the counters maintained by the live feed components.
var LiveMetrics = []string{
	NumActiveTransports,
	NumActiveSubscriptions,
	NumNoticesEmitted,
	NumNoticesDelivered,
	NumNoticesDropped,
}

type StatsProvider interface {
	Incr(name string)
	Decr(name string)
	Add(name string, delta int)
	RegisterMetric(name string)
}

// StatsUpdater applies counter updates on a single goroutine so callers on
// hot paths never touch the expvar map directly.
type StatsUpdater struct {
	vars    *expvar.Map
	updates chan metricDelta

	mu     sync.RWMutex
	closed bool
}

type metricDelta struct {
	name  string
	delta int64
}

// NewStatsUpdater publishes the expvar map under name and serves it on
// GET /debug/vars. expvar names are process global, so name must be unique.
func NewStatsUpdater(mux *http.ServeMux, name string) *StatsUpdater {
	su := &StatsUpdater{
		vars:    expvar.NewMap(name),
		updates: make(chan metricDelta, 512),
	}

	startTime := time.Now()
	su.vars.Set("Uptime", expvar.Func(func() any {
		return time.Since(startTime).Milliseconds()
	}))

	mux.HandleFunc("GET /debug/vars", su.serveVars)

	return su
}

func (su *StatsUpdater) serveVars(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]any)
	su.vars.Do(func(kv expvar.KeyValue) {
		var value any
		if err := sonic.UnmarshalString(kv.Value.String(), &value); err == nil {
			out[kv.Key] = value
		}
	})

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	sonic.ConfigStd.NewEncoder(w).Encode(out)
}

func (su *StatsUpdater) RegisterMetric(name string) {
	su.vars.Set(name, new(expvar.Int))
}

func (su *StatsUpdater) RegisterMetrics(names ...string) {
	for _, name := range names {
		su.RegisterMetric(name)
	}
}

// Value returns the current value of a registered counter.
func (su *StatsUpdater) Value(name string) int64 {
	if v, ok := su.vars.Get(name).(*expvar.Int); ok {
		return v.Value()
	}
	return 0
}

func (su *StatsUpdater) Incr(name string) {
	su.Add(name, 1)
}

func (su *StatsUpdater) Decr(name string) {
	su.Add(name, -1)
}

// Add queues an update. It never blocks: updates are dropped when the
// queue is full or the updater has stopped.
func (su *StatsUpdater) Add(name string, delta int) {
	su.mu.RLock()
	defer su.mu.RUnlock()

	if su.closed {
		return
	}

	select {
	case su.updates <- metricDelta{name: name, delta: int64(delta)}:
	default:
	}
}

func (su *StatsUpdater) Run() {
	go su.apply()
}

func (su *StatsUpdater) apply() {
	for u := range su.updates {
		metric, ok := su.vars.Get(u.name).(*expvar.Int)
		if !ok {
			panic("metric not registered: " + u.name)
		}
		metric.Add(u.delta)
	}
}

// Stop ends the update loop after the queued updates are applied.
func (su *StatsUpdater) Stop() {
	su.mu.Lock()
	defer su.mu.Unlock()

	if !su.closed {
		su.closed = true
		close(su.updates)
	}
}
