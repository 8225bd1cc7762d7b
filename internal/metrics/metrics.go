package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const namespace = "qobuzdl"

// Metrics holds all application metrics
type Metrics struct {
	mu sync.RWMutex

	// Request metrics
	requestCount    map[string]*uint64    // endpoint:method -> count
	requestDuration map[string]*Histogram // endpoint:method -> duration histogram
	requestErrors   map[string]*uint64    // endpoint:method:status_class -> count

	// Queue and pipeline metrics
	activeWSConnections int64
	downloadQueueLength int64
	jobsTotal           map[string]*uint64 // status -> count
	jobDuration         *Histogram
	tracksStored        uint64
	bytesStored         uint64
	credentialScans     map[string]*uint64 // result -> count

	// Custom gauges and counters
	gauges   map[string]float64
	counters map[string]*uint64

	startTime time.Time
}

// Histogram tracks value distributions
type Histogram struct {
	mu         sync.Mutex
	count      uint64
	sum        float64
	buckets    []float64
	bucketVals []uint64
}

// Request latency buckets: 5ms .. 10s.
var requestBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// Job duration buckets: 10s .. 2h. Albums take minutes.
var jobBuckets = []float64{10, 30, 60, 120, 300, 600, 1200, 1800, 3600, 7200}

// NewHistogram creates a histogram with the request latency buckets
func NewHistogram() *Histogram {
	return newHistogram(requestBuckets)
}

func newHistogram(buckets []float64) *Histogram {
	return &Histogram{
		buckets:    buckets,
		bucketVals: make([]uint64, len(buckets)),
	}
}

// Observe records a value
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	for i, b := range h.buckets {
		if v <= b {
			h.bucketVals[i]++
		}
	}
}

func (h *Histogram) write(sb *strings.Builder, name, labels string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sep := ""
	if labels != "" {
		sep = ","
	}
	for i, bucket := range h.buckets {
		fmt.Fprintf(sb, "%s_bucket{%s%sle=\"%g\"} %d\n", name, labels, sep, bucket, h.bucketVals[i])
	}
	fmt.Fprintf(sb, "%s_bucket{%s%sle=\"+Inf\"} %d\n", name, labels, sep, h.count)
	fmt.Fprintf(sb, "%s_sum{%s} %f\n", name, labels, h.sum)
	fmt.Fprintf(sb, "%s_count{%s} %d\n", name, labels, h.count)
}

// New creates a new Metrics instance
func New() *Metrics {
	return &Metrics{
		requestCount:    make(map[string]*uint64),
		requestDuration: make(map[string]*Histogram),
		requestErrors:   make(map[string]*uint64),
		jobsTotal:       make(map[string]*uint64),
		jobDuration:     newHistogram(jobBuckets),
		credentialScans: make(map[string]*uint64),
		gauges:          make(map[string]float64),
		counters:        make(map[string]*uint64),
		startTime:       time.Now(),
	}
}

// global metrics instance
var defaultMetrics = New()

// Default returns the default metrics instance
func Default() *Metrics {
	return defaultMetrics
}

// counter returns the counter stored under key in set, creating it.
func (m *Metrics) counter(set map[string]*uint64, key string) *uint64 {
	m.mu.RLock()
	c := set[key]
	m.mu.RUnlock()
	if c != nil {
		return c
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if set[key] == nil {
		var zero uint64
		set[key] = &zero
	}
	return set[key]
}

// RecordRequest records a request
func (m *Metrics) RecordRequest(method, path string, statusCode int, duration time.Duration) {
	key := fmt.Sprintf("%s:%s", normalizeEndpoint(path), method)

	atomic.AddUint64(m.counter(m.requestCount, key), 1)

	m.mu.Lock()
	h := m.requestDuration[key]
	if h == nil {
		h = NewHistogram()
		m.requestDuration[key] = h
	}
	m.mu.Unlock()
	h.Observe(duration.Seconds())

	if statusCode >= 400 {
		errorKey := fmt.Sprintf("%s:%d", key, statusCode/100*100)
		atomic.AddUint64(m.counter(m.requestErrors, errorKey), 1)
	}
}

// normalizeEndpoint normalizes an endpoint path for metrics (removes IDs)
func normalizeEndpoint(path string) string {
	parts := strings.Split(path, "/")
	for i, part := range parts {
		// UUID pattern (simplified)
		if len(part) == 36 && strings.Count(part, "-") == 4 {
			parts[i] = "{id}"
		} else if len(part) > 0 && isNumeric(part) {
			parts[i] = "{id}"
		}
	}
	return strings.Join(parts, "/")
}

func isNumeric(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// SetWSConnections sets the active WebSocket connections count
func (m *Metrics) SetWSConnections(count int64) {
	atomic.StoreInt64(&m.activeWSConnections, count)
}

// IncWSConnections increments WebSocket connections
func (m *Metrics) IncWSConnections() {
	atomic.AddInt64(&m.activeWSConnections, 1)
}

// DecWSConnections decrements WebSocket connections
func (m *Metrics) DecWSConnections() {
	atomic.AddInt64(&m.activeWSConnections, -1)
}

// SetDownloadQueueLength sets the number of pending jobs
func (m *Metrics) SetDownloadQueueLength(length int64) {
	atomic.StoreInt64(&m.downloadQueueLength, length)
}

// RecordJob counts a finished job by its final status.
func (m *Metrics) RecordJob(status string, duration time.Duration) {
	atomic.AddUint64(m.counter(m.jobsTotal, status), 1)
	m.jobDuration.Observe(duration.Seconds())
}

// RecordTrackStored counts a track placed in the library.
func (m *Metrics) RecordTrackStored(size int64) {
	atomic.AddUint64(&m.tracksStored, 1)
	if size > 0 {
		atomic.AddUint64(&m.bytesStored, uint64(size))
	}
}

// RecordCredentialScan counts a pool scan and whether it found a usable
// credential.
func (m *Metrics) RecordCredentialScan(found bool) {
	result := "exhausted"
	if found {
		result = "found"
	}
	atomic.AddUint64(m.counter(m.credentialScans, result), 1)
}

// SetGauge sets a gauge value
func (m *Metrics) SetGauge(name string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gauges[name] = value
}

// IncCounter increments a counter
func (m *Metrics) IncCounter(name string) {
	atomic.AddUint64(m.counter(m.counters, name), 1)
}

func sortedKeys[V any](set map[string]V) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func writeHeader(sb *strings.Builder, name, kind, help string) {
	fmt.Fprintf(sb, "# HELP %s_%s %s\n", namespace, name, help)
	fmt.Fprintf(sb, "# TYPE %s_%s %s\n", namespace, name, kind)
}

// Handler returns an HTTP handler for the metrics endpoint
func (m *Metrics) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		var sb strings.Builder

		writeHeader(&sb, "uptime_seconds", "gauge", "Time since the server started")
		fmt.Fprintf(&sb, "%s_uptime_seconds %f\n\n", namespace, time.Since(m.startTime).Seconds())

		writeHeader(&sb, "websocket_connections_active", "gauge", "Active queue WebSocket connections")
		fmt.Fprintf(&sb, "%s_websocket_connections_active %d\n\n", namespace, atomic.LoadInt64(&m.activeWSConnections))

		writeHeader(&sb, "download_queue_length", "gauge", "Jobs waiting behind the current one")
		fmt.Fprintf(&sb, "%s_download_queue_length %d\n\n", namespace, atomic.LoadInt64(&m.downloadQueueLength))

		writeHeader(&sb, "tracks_stored_total", "counter", "Tracks placed in the library")
		fmt.Fprintf(&sb, "%s_tracks_stored_total %d\n\n", namespace, atomic.LoadUint64(&m.tracksStored))

		writeHeader(&sb, "stored_bytes_total", "counter", "Bytes of audio placed in the library")
		fmt.Fprintf(&sb, "%s_stored_bytes_total %d\n\n", namespace, atomic.LoadUint64(&m.bytesStored))

		m.mu.RLock()
		defer m.mu.RUnlock()

		if len(m.jobsTotal) > 0 {
			writeHeader(&sb, "download_jobs_total", "counter", "Finished download jobs by status")
			for _, status := range sortedKeys(m.jobsTotal) {
				fmt.Fprintf(&sb, "%s_download_jobs_total{status=\"%s\"} %d\n", namespace, status, atomic.LoadUint64(m.jobsTotal[status]))
			}
			sb.WriteString("\n")

			writeHeader(&sb, "download_job_duration_seconds", "histogram", "Wall time of finished jobs")
			m.jobDuration.write(&sb, namespace+"_download_job_duration_seconds", "")
			sb.WriteString("\n")
		}

		if len(m.credentialScans) > 0 {
			writeHeader(&sb, "credential_scans_total", "counter", "Credential pool scans by result")
			for _, result := range sortedKeys(m.credentialScans) {
				fmt.Fprintf(&sb, "%s_credential_scans_total{result=\"%s\"} %d\n", namespace, result, atomic.LoadUint64(m.credentialScans[result]))
			}
			sb.WriteString("\n")
		}

		if len(m.requestCount) > 0 {
			writeHeader(&sb, "http_requests_total", "counter", "Total HTTP requests")
			for _, key := range sortedKeys(m.requestCount) {
				endpoint, method, _ := strings.Cut(key, ":")
				fmt.Fprintf(&sb, "%s_http_requests_total{endpoint=\"%s\",method=\"%s\"} %d\n", namespace, endpoint, method, atomic.LoadUint64(m.requestCount[key]))
			}
			sb.WriteString("\n")
		}

		if len(m.requestDuration) > 0 {
			writeHeader(&sb, "http_request_duration_seconds", "histogram", "HTTP request latency")
			for _, key := range sortedKeys(m.requestDuration) {
				endpoint, method, _ := strings.Cut(key, ":")
				labels := fmt.Sprintf("endpoint=\"%s\",method=\"%s\"", endpoint, method)
				m.requestDuration[key].write(&sb, namespace+"_http_request_duration_seconds", labels)
			}
			sb.WriteString("\n")
		}

		if len(m.requestErrors) > 0 {
			writeHeader(&sb, "http_errors_total", "counter", "Total HTTP errors by status class")
			for _, key := range sortedKeys(m.requestErrors) {
				// key format: endpoint:method:statusClass
				parts := strings.Split(key, ":")
				if len(parts) >= 3 {
					fmt.Fprintf(&sb, "%s_http_errors_total{endpoint=\"%s\",method=\"%s\",status_class=\"%sxx\"} %d\n", namespace, parts[0], parts[1], parts[2][:1], atomic.LoadUint64(m.requestErrors[key]))
				}
			}
			sb.WriteString("\n")
		}

		if len(m.gauges) > 0 {
			writeHeader(&sb, "gauge", "gauge", "Custom gauge metrics")
			for _, name := range sortedKeys(m.gauges) {
				fmt.Fprintf(&sb, "%s_gauge{name=\"%s\"} %f\n", namespace, name, m.gauges[name])
			}
			sb.WriteString("\n")
		}

		if len(m.counters) > 0 {
			writeHeader(&sb, "counter", "counter", "Custom counter metrics")
			for _, name := range sortedKeys(m.counters) {
				fmt.Fprintf(&sb, "%s_counter{name=\"%s\"} %d\n", namespace, name, atomic.LoadUint64(m.counters[name]))
			}
		}

		w.Write([]byte(sb.String()))
	}
}

// MetricsMiddleware creates middleware that records request metrics
func MetricsMiddleware(m *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			wrapped := &statusResponseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(wrapped, r)

			m.RecordRequest(r.Method, r.URL.Path, wrapped.statusCode, time.Since(start))
		})
	}
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets the queue websocket upgrade through the middleware.
func (w *statusResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	w.statusCode = http.StatusSwitchingProtocols
	return hj.Hijack()
}
