// Package admin implements small HTTP admin endpoints used by binaries.
// It includes prometheus counters, an inflight gauge and a request duration
// histogram, plus JSON views of the IP cache and recent requests.
package admin

import (
	"encoding/json"
	"html"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jnovack/cache-proxy/pkg/ipcache"
	"github.com/jnovack/cache-proxy/pkg/pagecache"
)

// HistogramBuckets defines the latency buckets (seconds) used when observing request durations.
var HistogramBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

const namespace = "cache_proxy"

// Metrics registers the proxy's collectors on its own registry and
// implements cacheproxy.Metrics and server.Inflight.
type Metrics struct {
	Registry *prometheus.Registry

	requests    prometheus.Counter
	outcomes    *prometheus.CounterVec
	cacheErrors prometheus.Counter
	inflight    prometheus.Gauge
	duration    *prometheus.HistogramVec

	mu           sync.Mutex
	inflightList map[string]time.Time
}

// NewMetrics constructs a Metrics instance with a fresh registry that also
// carries the Go and process collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		Registry:     prometheus.NewRegistry(),
		inflightList: make(map[string]time.Time),
		requests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total client connections handled",
		}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outcomes_total",
			Help:      "Finished sessions by outcome",
		}, []string{"outcome"}),
		cacheErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_write_errors_total",
			Help:      "Page cache files that could not be created or committed",
		}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "inflight_connections",
			Help:      "Connections currently being served",
		}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Session duration by outcome",
			Buckets:   HistogramBuckets,
		}, []string{"outcome"}),
	}
	m.Registry.MustRegister(
		m.requests, m.outcomes, m.cacheErrors, m.inflight, m.duration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// RegisterIPCache exposes the IP cache's size and counters as gauges.
func (m *Metrics) RegisterIPCache(c *ipcache.Cache) {
	gauge := func(name, help string, f func() float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ipcache",
			Name:      name,
			Help:      help,
		}, f)
	}
	m.Registry.MustRegister(
		gauge("entries", "Occupied IP cache slots", func() float64 { return float64(c.Len()) }),
		gauge("capacity", "IP cache slots", func() float64 { return float64(c.Capacity()) }),
		gauge("hits", "IP cache lookups answered from the cache", func() float64 { return float64(c.Stats().Hits) }),
		gauge("misses", "IP cache lookups that needed resolution", func() float64 { return float64(c.Stats().Misses) }),
		gauge("resolve_failures", "Resolutions that failed", func() float64 { return float64(c.Stats().Failures) }),
	)
}

// RegisterPages exposes the number of page files in the cache directory.
func (m *Metrics) RegisterPages(s *pagecache.Store) {
	m.Registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "pagecache",
		Name:      "files",
		Help:      "Page files in the cache directory, fresh or stale",
	}, func() float64 {
		keys, err := s.Keys()
		if err != nil {
			return 0
		}
		return float64(len(keys))
	}))
}

// InflightAdd records an inflight connection with id.
func (m *Metrics) InflightAdd(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inflightList[id] = time.Now()
	m.inflight.Inc()
}

// InflightRemove removes an inflight connection id.
func (m *Metrics) InflightRemove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.inflightList[id]; !ok {
		return
	}
	delete(m.inflightList, id)
	m.inflight.Dec()
}

// Inflight returns a snapshot of inflight connection ids and their start times.
func (m *Metrics) Inflight() map[string]time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]time.Time, len(m.inflightList))
	for k, v := range m.inflightList {
		out[k] = v
	}
	return out
}

// Increment helpers
func (m *Metrics) IncTotalRequests() { m.requests.Inc() }
func (m *Metrics) IncHit()           { m.outcomes.WithLabelValues("HIT").Inc() }
func (m *Metrics) IncMiss()          { m.outcomes.WithLabelValues("MISS").Inc() }
func (m *Metrics) IncBlocked()       { m.outcomes.WithLabelValues("BLOCKED").Inc() }
func (m *Metrics) IncBadRequest()    { m.outcomes.WithLabelValues("BAD_REQUEST").Inc() }
func (m *Metrics) IncDNSFailures()   { m.outcomes.WithLabelValues("DNS_FAILURE").Inc() }
func (m *Metrics) IncOriginErrors()  { m.outcomes.WithLabelValues("ORIGIN_ERROR").Inc() }
func (m *Metrics) IncDropped()       { m.outcomes.WithLabelValues("DROPPED").Inc() }
func (m *Metrics) IncCacheErrors()   { m.cacheErrors.Inc() }

// ObserveDuration records a session duration (in seconds) under a named outcome.
func (m *Metrics) ObserveDuration(outcome string, seconds float64) {
	m.duration.WithLabelValues(outcome).Observe(seconds)
}

// Admin handlers

// HandleHealth is a simple healthz handler.
func HandleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// HandleVarz writes config (provided) as JSON.
func HandleVarz(w http.ResponseWriter, cfg interface{}) {
	writeJSON(w, cfg)
}

// HandleStatusz renders a small HTML page showing inflight connections.
func HandleStatusz(w http.ResponseWriter, m *Metrics) {
	list := m.Inflight()
	ids := make([]string, 0, len(list))
	for k := range list {
		ids = append(ids, k)
	}
	sort.Slice(ids, func(i, j int) bool { return list[ids[i]].Before(list[ids[j]]) })

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte("<html><body><h1>Status</h1>"))
	_, _ = w.Write([]byte("<p>Inflight: " + strconv.Itoa(len(ids)) + "</p>"))
	_, _ = w.Write([]byte("<table border='1'><tr><th>Connection</th><th>Start</th><th>Age(s)</th></tr>"))
	now := time.Now()
	for _, k := range ids {
		t := list[k]
		age := now.Sub(t).Seconds()
		_, _ = w.Write([]byte("<tr><td>" + html.EscapeString(k) + "</td><td>" + t.Format(time.RFC3339) + "</td><td>" + strconv.FormatFloat(age, 'f', 3, 64) + "</td></tr>"))
	}
	_, _ = w.Write([]byte("</table></body></html>"))
}

// MetricsHandler serves the registry in the Prometheus exposition format.
func (m *Metrics) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

// IPCacheView is the /ipcachez document.
type IPCacheView struct {
	Capacity int             `json:"capacity"`
	Entries  []ipcache.Entry `json:"entries"`
	Stats    ipcache.Stats   `json:"stats"`
}

// HandleIPCache writes the IP cache contents as JSON.
func HandleIPCache(w http.ResponseWriter, c *ipcache.Cache) {
	entries := c.Entries()
	if entries == nil {
		entries = []ipcache.Entry{}
	}
	writeJSON(w, IPCacheView{Capacity: c.Capacity(), Entries: entries, Stats: c.Stats()})
}

// PagesView is the /pagez document.
type PagesView struct {
	Dir  string   `json:"dir"`
	TTL  string   `json:"ttl"`
	Keys []string `json:"keys"`
}

// HandlePages lists the page cache's keys as JSON.
func HandlePages(w http.ResponseWriter, s *pagecache.Store) {
	keys, err := s.Keys()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if keys == nil {
		keys = []string{}
	}
	writeJSON(w, PagesView{Dir: s.Dir, TTL: s.TTL.String(), Keys: keys})
}

// HandleRequests writes the captured request records as JSON, oldest first.
// Query parameters outcome, host and limit narrow the list; summary returns
// per-outcome counts instead.
func HandleRequests(w http.ResponseWriter, r *http.Request, cs *CaptureStore) {
	q := r.URL.Query()
	if q.Has("summary") {
		writeJSON(w, cs.Outcomes())
		return
	}
	f := Filter{Outcome: q.Get("outcome"), Host: q.Get("host")}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		f.Limit = n
	}
	writeJSON(w, cs.Query(f))
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// Sources are the optional views the admin mux exposes. Nil fields leave
// their endpoint unregistered, except Varz which renders null.
type Sources struct {
	IPCache  *ipcache.Cache
	Pages    *pagecache.Store
	Captures *CaptureStore
	Varz     func() interface{}
}

// Mux wires every admin endpoint onto a new ServeMux.
func Mux(m *Metrics, src Sources) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", HandleHealth)
	mux.Handle("/metrics", m.MetricsHandler())
	mux.HandleFunc("/statusz", func(w http.ResponseWriter, r *http.Request) { HandleStatusz(w, m) })
	mux.HandleFunc("/varz", func(w http.ResponseWriter, r *http.Request) {
		var v interface{}
		if src.Varz != nil {
			v = src.Varz()
		}
		HandleVarz(w, v)
	})
	if src.IPCache != nil {
		mux.HandleFunc("/ipcachez", func(w http.ResponseWriter, r *http.Request) { HandleIPCache(w, src.IPCache) })
	}
	if src.Pages != nil {
		mux.HandleFunc("/pagez", func(w http.ResponseWriter, r *http.Request) { HandlePages(w, src.Pages) })
	}
	if src.Captures != nil {
		mux.HandleFunc("/requestz", func(w http.ResponseWriter, r *http.Request) { HandleRequests(w, r, src.Captures) })
	}
	return mux
}
