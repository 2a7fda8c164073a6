package artifact

import (
	"fmt"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"time"
)

// StorageMetrics collects operation counters for the storage core and
// the HTTP surface in front of it.
type StorageMetrics interface {
	RecordRequest(method, path string, status int, latencyMS int64)
	RecordStore(tier string, bytes int64, err error)
	RecordDownload(tier string, err error)
	RecordPurge(deleted, failed int, bytesReclaimed int64)
	RecordMaintenancePhase(phase string, err error)
	Snapshot() MetricsSnapshot
}

type RouteStats struct {
	Count        int64 `json:"count"`
	ErrorCount   int64 `json:"error_count"`
	LatencySumMS int64 `json:"latency_sum_ms"`
	LatencyMinMS int64 `json:"latency_min_ms"`
	LatencyMaxMS int64 `json:"latency_max_ms"`
}

type TierStats struct {
	Stores         int64 `json:"stores"`
	StoreErrors    int64 `json:"store_errors"`
	StoredBytes    int64 `json:"stored_bytes"`
	Downloads      int64 `json:"downloads"`
	DownloadErrors int64 `json:"download_errors"`
}

type PurgeStats struct {
	Sweeps         int64 `json:"sweeps"`
	Deleted        int64 `json:"deleted"`
	Failed         int64 `json:"failed"`
	BytesReclaimed int64 `json:"bytes_reclaimed"`
}

type PhaseStats struct {
	Runs   int64 `json:"runs"`
	Errors int64 `json:"errors"`
}

type RuntimeStats struct {
	HeapAllocBytes uint64 `json:"heap_alloc_bytes"`
	Goroutines     int    `json:"goroutines"`
	NumGC          uint32 `json:"num_gc"`
}

type MetricsSnapshot struct {
	RouteStats        map[string]RouteStats `json:"route_stats"`
	TierStats         map[string]TierStats  `json:"tier_stats"`
	Purge             PurgeStats            `json:"purge"`
	MaintenancePhases map[string]PhaseStats `json:"maintenance_phases"`
	Runtime           RuntimeStats          `json:"runtime"`
	UptimeSeconds     int64                 `json:"uptime_seconds"`
	StartTime         time.Time             `json:"start_time"`
}

// noop implementation: used when metrics are disabled.
type NoopStorageMetrics struct{}

func (NoopStorageMetrics) RecordRequest(method, path string, status int, latencyMS int64) {}
func (NoopStorageMetrics) RecordStore(tier string, bytes int64, err error)               {}
func (NoopStorageMetrics) RecordDownload(tier string, err error)                         {}
func (NoopStorageMetrics) RecordPurge(deleted, failed int, bytesReclaimed int64)         {}
func (NoopStorageMetrics) RecordMaintenancePhase(phase string, err error)                {}
func (NoopStorageMetrics) Snapshot() MetricsSnapshot                                     { return MetricsSnapshot{} }

// InMemStorageMetrics records metrics into local maps.
type InMemStorageMetrics struct {
	mu sync.Mutex

	routeStats map[string]RouteStats
	tierStats  map[string]TierStats
	purge      PurgeStats
	phases     map[string]PhaseStats

	startTime time.Time
}

func NewInMemStorageMetrics() *InMemStorageMetrics {
	return &InMemStorageMetrics{
		routeStats: make(map[string]RouteStats),
		tierStats:  make(map[string]TierStats),
		phases:     make(map[string]PhaseStats),
		startTime:  time.Now().UTC(),
	}
}

func (m *InMemStorageMetrics) RecordRequest(method, path string, status int, latencyMS int64) {
	if m == nil {
		return
	}
	method = strings.TrimSpace(strings.ToUpper(method))
	path = strings.TrimSpace(path)
	if method == "" {
		method = "UNKNOWN"
	}
	if path == "" {
		path = "/"
	}
	if latencyMS < 0 {
		latencyMS = 0
	}
	key := method + " " + path

	m.mu.Lock()
	defer m.mu.Unlock()

	v := m.routeStats[key]
	v.Count++
	if status >= 400 {
		v.ErrorCount++
	}
	v.LatencySumMS += latencyMS
	if v.Count == 1 || latencyMS < v.LatencyMinMS {
		v.LatencyMinMS = latencyMS
	}
	if latencyMS > v.LatencyMaxMS {
		v.LatencyMaxMS = latencyMS
	}
	m.routeStats[key] = v
}

func (m *InMemStorageMetrics) RecordStore(tier string, bytes int64, err error) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v := m.tierStats[normalizeTierKey(tier)]
	v.Stores++
	if err != nil {
		v.StoreErrors++
	} else {
		v.StoredBytes += bytes
	}
	m.tierStats[normalizeTierKey(tier)] = v
}

func (m *InMemStorageMetrics) RecordDownload(tier string, err error) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v := m.tierStats[normalizeTierKey(tier)]
	v.Downloads++
	if err != nil {
		v.DownloadErrors++
	}
	m.tierStats[normalizeTierKey(tier)] = v
}

func (m *InMemStorageMetrics) RecordPurge(deleted, failed int, bytesReclaimed int64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purge.Sweeps++
	m.purge.Deleted += int64(deleted)
	m.purge.Failed += int64(failed)
	m.purge.BytesReclaimed += bytesReclaimed
}

func (m *InMemStorageMetrics) RecordMaintenancePhase(phase string, err error) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v := m.phases[phase]
	v.Runs++
	if err != nil {
		v.Errors++
	}
	m.phases[phase] = v
}

func (m *InMemStorageMetrics) Snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{}
	}

	m.mu.Lock()
	out := MetricsSnapshot{
		RouteStats:        copyMap(m.routeStats),
		TierStats:         copyMap(m.tierStats),
		Purge:             m.purge,
		MaintenancePhases: copyMap(m.phases),
		StartTime:         m.startTime,
		UptimeSeconds:     int64(time.Since(m.startTime).Seconds()),
	}
	m.mu.Unlock()

	// read mem stats outside the lock: runtime.ReadMemStats stops the
	// world and holding m.mu during that pause would block recorders.
	var rt runtime.MemStats
	runtime.ReadMemStats(&rt)
	out.Runtime = RuntimeStats{
		HeapAllocBytes: rt.HeapAlloc,
		Goroutines:     runtime.NumGoroutine(),
		NumGC:          rt.NumGC,
	}
	return out
}

// OpenMetricsText renders the snapshot in OpenMetrics text format.
func (m *InMemStorageMetrics) OpenMetricsText() string {
	snap := m.Snapshot()
	lines := []string{
		"# TYPE artifactcore_stores_total counter",
	}
	for tier, v := range snap.TierStats {
		lines = append(lines, fmt.Sprintf("artifactcore_stores_total{tier=%q} %d", tier, v.Stores))
	}
	lines = append(lines, "# TYPE artifactcore_downloads_total counter")
	for tier, v := range snap.TierStats {
		lines = append(lines, fmt.Sprintf("artifactcore_downloads_total{tier=%q} %d", tier, v.Downloads))
	}
	lines = append(lines,
		"# TYPE artifactcore_purged_total counter",
		fmt.Sprintf("artifactcore_purged_total %d", snap.Purge.Deleted),
		"# TYPE artifactcore_purge_failures_total counter",
		fmt.Sprintf("artifactcore_purge_failures_total %d", snap.Purge.Failed),
		"# TYPE artifactcore_purge_bytes_reclaimed_total counter",
		fmt.Sprintf("artifactcore_purge_bytes_reclaimed_total %d", snap.Purge.BytesReclaimed),
	)
	lines = append(lines, "# TYPE artifactcore_maintenance_phase_runs_total counter")
	for phase, v := range snap.MaintenancePhases {
		lines = append(lines, fmt.Sprintf("artifactcore_maintenance_phase_runs_total{phase=%q} %d", phase, v.Runs))
		lines = append(lines, fmt.Sprintf("artifactcore_maintenance_phase_errors_total{phase=%q} %d", phase, v.Errors))
	}
	return strings.Join(lines, "\n") + "\n"
}

// NewOpenMetricsHandler exports storage metrics over HTTP.
func NewOpenMetricsHandler(m *InMemStorageMetrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m == nil {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/openmetrics-text; version=1.0.0; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(m.OpenMetricsText()))
	})
}

func normalizeTierKey(tier string) string {
	tier = strings.TrimSpace(strings.ToLower(tier))
	if tier == "" {
		return "unknown"
	}
	return tier
}

// copyMap returns a shallow copy of a map with string keys.
func copyMap[V any](in map[string]V) map[string]V {
	out := make(map[string]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
