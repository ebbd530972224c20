package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/maxiofs/maxiofs/internal/accounting"
	"github.com/maxiofs/maxiofs/internal/lifecycle"
	"github.com/maxiofs/maxiofs/internal/meta"
	"github.com/maxiofs/maxiofs/internal/tracing"
	"github.com/maxiofs/maxiofs/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, rec *tracing.Recorder) *Server {
	t.Helper()
	eng := testutil.NewEngine(t)
	ctx := context.Background()

	_, err := eng.Manager.CreateTenant(ctx, lifecycle.TenantSpec{
		ID: "acme", DisplayName: "Acme", Quota: meta.QuotaLimits{MaxStorageBytes: 1000},
	})
	require.NoError(t, err)
	for _, b := range []string{"photos", "logs"} {
		_, err = eng.Manager.CreateBucket(ctx, "acme", b, lifecycle.BucketOptions{})
		require.NoError(t, err)
	}
	_, err = eng.Manager.PutObject(ctx, "acme", "photos", "a.jpg", bytes.NewReader(make([]byte, 300)), 300, lifecycle.PutOptions{})
	require.NoError(t, err)
	_, err = eng.Manager.PutObject(ctx, "acme", "logs", "a.log", bytes.NewReader(make([]byte, 20)), 20, lifecycle.PutOptions{})
	require.NoError(t, err)

	agg, err := accounting.New(accounting.Options{Store: eng.Store, Ledger: eng.Ledger, Logger: zerolog.Nop()})
	require.NoError(t, err)

	s, err := NewServer(Options{Accounting: agg, Quotas: eng.Manager, Recorder: rec, Logger: zerolog.Nop()})
	require.NoError(t, err)
	return s
}

// get issues a request against the route table and decodes the envelope.
func get(t *testing.T, s *Server, path string, data any) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	if data != nil && w.Code == http.StatusOK {
		var resp struct {
			Success bool            `json:"success"`
			Data    json.RawMessage `json:"data"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		require.True(t, resp.Success)
		require.NoError(t, json.Unmarshal(resp.Data, data))
	}
	return w
}

func TestNewServerRequiresDependencies(t *testing.T) {
	_, err := NewServer(Options{})
	assert.Error(t, err)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, nil)
	w := get(t, s, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok\n", w.Body.String())
}

func TestMetricsRoute(t *testing.T) {
	s := newTestServer(t, nil)
	w := get(t, s, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestStorage(t *testing.T) {
	s := newTestServer(t, nil)

	var sm accounting.StorageMetrics
	w := get(t, s, "/api/v1/storage?tenant=acme", &sm)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(2), sm.TotalBuckets)
	assert.Equal(t, int64(2), sm.TotalObjects)
	assert.Equal(t, int64(320), sm.TotalSizeBytes)
	assert.Equal(t, int64(160), sm.AverageObjectSize)

	var global accounting.StorageMetrics
	get(t, s, "/api/v1/storage?tenant=", &global)
	assert.Zero(t, global.TotalBuckets, "empty tenant selects the global scope")
}

func TestStorageFieldNames(t *testing.T) {
	s := newTestServer(t, nil)

	var raw struct {
		TotalSizeBytes *int64                       `json:"totalSizeBytes"`
		BucketMetrics  []map[string]json.RawMessage `json:"bucketMetrics"`
	}
	get(t, s, "/api/v1/storage?tenant=acme", &raw)
	require.NotNil(t, raw.TotalSizeBytes)
	assert.Equal(t, int64(320), *raw.TotalSizeBytes)
	require.Len(t, raw.BucketMetrics, 2)
	for _, bm := range raw.BucketMetrics {
		assert.Contains(t, bm, "sizeBytes")
		assert.NotContains(t, bm, "size")
	}
}

func TestTopBuckets(t *testing.T) {
	s := newTestServer(t, nil)

	var top []accounting.BucketMetric
	get(t, s, "/api/v1/storage/top?n=1", &top)
	require.Len(t, top, 1)
	assert.Equal(t, "photos", top[0].Name)

	w := get(t, s, "/api/v1/storage/top?n=lots", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestBucketsAndTenants(t *testing.T) {
	s := newTestServer(t, nil)

	var buckets []accounting.BucketSummary
	get(t, s, "/api/v1/buckets", &buckets)
	assert.Len(t, buckets, 2)

	var usages []struct {
		TenantID            string `json:"tenant_id"`
		CurrentStorageBytes int64  `json:"current_storage_bytes"`
	}
	get(t, s, "/api/v1/tenants", &usages)
	require.Len(t, usages, 1)
	assert.Equal(t, "acme", usages[0].TenantID)
	assert.Equal(t, int64(320), usages[0].CurrentStorageBytes)
}

func TestTenantQuota(t *testing.T) {
	s := newTestServer(t, nil)

	var usage struct {
		MaxStorageBytes int64 `json:"max_storage_bytes"`
		CurrentBuckets  int64 `json:"current_buckets"`
	}
	get(t, s, "/api/v1/tenants/acme/quota", &usage)
	assert.Equal(t, int64(1000), usage.MaxStorageBytes)
	assert.Equal(t, int64(2), usage.CurrentBuckets)

	w := get(t, s, "/api/v1/tenants/nobody/quota", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	var resp Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "tenant not found")
}

func TestSystem(t *testing.T) {
	s := newTestServer(t, nil)

	var sys accounting.SystemMetrics
	w := get(t, s, "/api/v1/system", &sys)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(320), sys.Storage.TotalSizeBytes)
	assert.Positive(t, sys.Goroutines)
}

func TestMethodNotAllowed(t *testing.T) {
	s := newTestServer(t, nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/storage", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestTraceDisabled(t *testing.T) {
	s := newTestServer(t, nil)
	w := get(t, s, "/debug/trace", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "tracing not enabled")
}

func TestTraceEnabled(t *testing.T) {
	rec, err := tracing.Start(0)
	require.NoError(t, err)
	defer rec.Stop()

	s := newTestServer(t, rec)
	w := get(t, s, "/debug/trace", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/octet-stream", w.Header().Get("Content-Type"))
	assert.Positive(t, w.Body.Len())
}

func TestServe(t *testing.T) {
	s := newTestServer(t, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	resp, err := http.Get(fmt.Sprintf("http://%s/health", ln.Addr()))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok\n", string(body))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop after cancel")
	}
}

func TestListenAndServeBadAddress(t *testing.T) {
	s := newTestServer(t, nil)
	err := s.ListenAndServe(context.Background(), "256.0.0.1:bad")
	assert.Error(t, err)
}
