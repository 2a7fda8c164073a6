package artifact

import (
	"errors"
	"fmt"
	"io"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStorageMetricsInMem(t *testing.T) {
	t.Run("record_request", testMetricsRecordRequest)
	t.Run("record_by_tier", testMetricsRecordByTier)
	t.Run("record_purge", testMetricsRecordPurge)
	t.Run("snapshot_returns_copies", testMetricsSnapshotCopies)
	t.Run("concurrent_record", testMetricsConcurrentRecord)
	t.Run("openmetrics_handler", testMetricsHandler)
}

func testMetricsRecordRequest(t *testing.T) {
	type requestCall struct {
		method    string
		path      string
		status    int
		latencyMS int64
	}

	tests := []struct {
		name          string
		calls         []requestCall
		routeKey      string
		expectedRoute RouteStats
	}{
		{
			name: "aggregates_count_errors_and_latency",
			calls: []requestCall{
				{method: "GET", path: "/healthz", status: 200, latencyMS: 12},
				{method: "GET", path: "/healthz", status: 500, latencyMS: 30},
			},
			routeKey:      "GET /healthz",
			expectedRoute: RouteStats{Count: 2, ErrorCount: 1, LatencySumMS: 42, LatencyMinMS: 12, LatencyMaxMS: 30},
		},
		{
			name: "normalizes_method_and_empty_path",
			calls: []requestCall{
				{method: " post ", path: "", status: 201, latencyMS: 5},
			},
			routeKey:      "POST /",
			expectedRoute: RouteStats{Count: 1, LatencySumMS: 5, LatencyMinMS: 5, LatencyMaxMS: 5},
		},
		{
			name: "negative_latency_clamps_to_zero",
			calls: []requestCall{
				{method: "GET", path: "/v1/artifacts", status: 200, latencyMS: -3},
			},
			routeKey:      "GET /v1/artifacts",
			expectedRoute: RouteStats{Count: 1},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m := NewInMemStorageMetrics()
			for _, c := range tc.calls {
				m.RecordRequest(c.method, c.path, c.status, c.latencyMS)
			}
			snap := m.Snapshot()
			assert.Equal(t, tc.expectedRoute, snap.RouteStats[tc.routeKey])
		})
	}
}

func testMetricsRecordByTier(t *testing.T) {
	m := NewInMemStorageMetrics()

	m.RecordStore("cache", 100, nil)
	m.RecordStore("cache", 50, nil)
	m.RecordStore("cache", 10, errors.New("backend down"))
	m.RecordStore("permanent", 200, nil)
	m.RecordDownload("Permanent", nil)
	m.RecordDownload("permanent", errors.New("not found"))

	snap := m.Snapshot()
	cache := snap.TierStats["cache"]
	assert.Equal(t, int64(3), cache.Stores)
	assert.Equal(t, int64(1), cache.StoreErrors)
	assert.Equal(t, int64(150), cache.StoredBytes)

	perm := snap.TierStats["permanent"]
	assert.Equal(t, int64(1), perm.Stores)
	assert.Equal(t, int64(2), perm.Downloads)
	assert.Equal(t, int64(1), perm.DownloadErrors)
}

func testMetricsRecordPurge(t *testing.T) {
	m := NewInMemStorageMetrics()

	m.RecordPurge(3, 1, 900)
	m.RecordPurge(2, 0, 100)

	snap := m.Snapshot()
	assert.Equal(t, int64(2), snap.Purge.Sweeps)
	assert.Equal(t, int64(5), snap.Purge.Deleted)
	assert.Equal(t, int64(1), snap.Purge.Failed)
	assert.Equal(t, int64(1000), snap.Purge.BytesReclaimed)
}

func testMetricsSnapshotCopies(t *testing.T) {
	m := NewInMemStorageMetrics()
	m.RecordStore("cache", 10, nil)

	snap := m.Snapshot()
	snap.TierStats["cache"] = TierStats{Stores: 999}

	fresh := m.Snapshot()
	assert.Equal(t, int64(1), fresh.TierStats["cache"].Stores)
}

func testMetricsConcurrentRecord(t *testing.T) {
	m := NewInMemStorageMetrics()

	const workers = 16
	const perWorker = 50
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				m.RecordRequest("GET", "/v1/artifacts", 200, int64(j))
				m.RecordStore("cache", 1, nil)
				m.RecordMaintenancePhase(fmt.Sprintf("phase-%d", i%2), nil)
			}
		}(i)
	}
	wg.Wait()

	snap := m.Snapshot()
	assert.Equal(t, int64(workers*perWorker), snap.RouteStats["GET /v1/artifacts"].Count)
	assert.Equal(t, int64(workers*perWorker), snap.TierStats["cache"].Stores)
	assert.Equal(t, int64(workers*perWorker), snap.MaintenancePhases["phase-0"].Runs+snap.MaintenancePhases["phase-1"].Runs)
}

func testMetricsHandler(t *testing.T) {
	m := NewInMemStorageMetrics()
	m.RecordStore("cache", 10, nil)
	m.RecordDownload("cache", nil)
	m.RecordPurge(2, 0, 64)
	m.RecordMaintenancePhase("orphan_reconciliation", nil)

	srv := httptest.NewServer(NewOpenMetricsHandler(m))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "openmetrics-text")

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	text := string(body)
	assert.Contains(t, text, `artifactcore_stores_total{tier="cache"} 1`)
	assert.Contains(t, text, `artifactcore_downloads_total{tier="cache"} 1`)
	assert.Contains(t, text, "artifactcore_purged_total 2")
	assert.Contains(t, text, `artifactcore_maintenance_phase_runs_total{phase="orphan_reconciliation"} 1`)
}
