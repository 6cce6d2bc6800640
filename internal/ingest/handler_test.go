package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"sawmill/internal/config"
	"sawmill/internal/deadletter"
	"sawmill/internal/logger"
	"sawmill/internal/model"
	"sawmill/internal/pipeline"
	"sawmill/internal/spill"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type memStore struct {
	mu      sync.Mutex
	records int64
}

func (s *memStore) WriteBatch(_ context.Context, batch *model.Batch) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records += int64(batch.Len())
	return batch.Len(), nil
}

func (s *memStore) CountRecords(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records, nil
}

type testEnv struct {
	router *gin.Engine
	pipe   *pipeline.Pipeline
	store  *memStore
}

func newTestEnv(t *testing.T, tweak func(*config.PipelineConfig), start bool) *testEnv {
	t.Helper()

	cfg := config.DefaultPipeline()
	cfg.BatchMaxWindow = 20 * time.Millisecond
	cfg.WriterConcurrency = 1
	cfg.ShutdownGracePeriod = 5 * time.Second
	if tweak != nil {
		tweak(&cfg)
	}

	dir := t.TempDir()
	spillStore, err := spill.NewStore(filepath.Join(dir, "spill"), logger.NopLogger())
	require.NoError(t, err)

	store := &memStore{}
	sink := deadletter.NewFileSink(filepath.Join(dir, "dead_letter.jsonl"))

	pipe := pipeline.New(cfg, store, sink, spillStore, logger.NopLogger())
	if start {
		require.NoError(t, pipe.Start())
		t.Cleanup(func() {
			require.NoError(t, pipe.Shutdown())
		})
	}

	flushGate := rate.NewLimiter(rate.Every(time.Hour), 1)
	handler := NewHandler(pipe, flushGate, logger.NopLogger())

	router := gin.New()
	handler.RegisterRoutes(router)

	return &testEnv{router: router, pipe: pipe, store: store}
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func validRecord(msg string) model.Record {
	return model.Record{
		Timestamp: time.Now(),
		Source:    "app",
		Level:     model.LevelInfo,
		Message:   msg,
	}
}

func TestSubmitRecords_SingleRecordAccepted(t *testing.T) {
	env := newTestEnv(t, nil, true)

	w := doJSON(t, env.router, http.MethodPost, "/v1/records", validRecord("hello"))
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp submitResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Accepted)
	assert.Equal(t, 0, resp.Rejected)
}

func TestSubmitRecords_ArrayAccepted(t *testing.T) {
	env := newTestEnv(t, nil, true)

	records := []model.Record{validRecord("a"), validRecord("b"), validRecord("c")}
	w := doJSON(t, env.router, http.MethodPost, "/v1/records", records)
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp submitResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 3, resp.Accepted)
}

func TestSubmitRecords_MalformedJSON(t *testing.T) {
	env := newTestEnv(t, nil, true)

	w := doJSON(t, env.router, http.MethodPost, "/v1/records", "{not json")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSubmitRecords_ValidationFailure(t *testing.T) {
	env := newTestEnv(t, nil, true)

	rec := validRecord("no source")
	rec.Source = ""
	w := doJSON(t, env.router, http.MethodPost, "/v1/records", rec)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSubmitRecords_BufferFullReturns503(t *testing.T) {
	// The pipeline is deliberately not started so nothing drains the buffer.
	env := newTestEnv(t, func(cfg *config.PipelineConfig) {
		cfg.BufferCapacity = 1
		cfg.OverflowPolicy = config.OverflowFailFast
	}, false)

	records := []model.Record{validRecord("a"), validRecord("b"), validRecord("c")}
	w := doJSON(t, env.router, http.MethodPost, "/v1/records", records)

	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, float64(1), resp["accepted"])
	assert.Equal(t, float64(2), resp["rejected"])
}

func TestSubmitRaw_NginxCountsParseFailures(t *testing.T) {
	env := newTestEnv(t, nil, true)

	body := strings.Join([]string{
		`10.0.0.1 - - [31/Aug/2026:10:15:00 +0000] "GET / HTTP/1.1" 200 512`,
		"this is not an access log line",
		`10.0.0.2 - - [31/Aug/2026:10:15:01 +0000] "GET /missing HTTP/1.1" 404 0`,
		"",
	}, "\n")

	w := doJSON(t, env.router, http.MethodPost, "/v1/raw/nginx", body)
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp rawResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Accepted)
	assert.Equal(t, 1, resp.Failed)
	assert.Equal(t, 0, resp.Rejected)
}

func TestSubmitRaw_SSH(t *testing.T) {
	env := newTestEnv(t, nil, true)

	body := "Aug 31 10:16:02 vps sshd[1240]: Failed password for root from 198.51.100.9 port 40022 ssh2\n"
	w := doJSON(t, env.router, http.MethodPost, "/v1/raw/ssh", body)
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp rawResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Accepted)
}

func TestSubmitRaw_UnknownFormat(t *testing.T) {
	env := newTestEnv(t, nil, true)

	w := doJSON(t, env.router, http.MethodPost, "/v1/raw/syslog", "anything")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestFlush_CooldownLimitsRepeatedCalls(t *testing.T) {
	env := newTestEnv(t, nil, true)

	first := doJSON(t, env.router, http.MethodPost, "/v1/flush", nil)
	assert.Equal(t, http.StatusOK, first.Code)

	second := doJSON(t, env.router, http.MethodPost, "/v1/flush", nil)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
}

func TestStats_ReflectsSubmissions(t *testing.T) {
	env := newTestEnv(t, nil, true)

	for i := 0; i < 5; i++ {
		w := doJSON(t, env.router, http.MethodPost, "/v1/records", validRecord(fmt.Sprintf("m%d", i)))
		require.Equal(t, http.StatusAccepted, w.Code)
	}

	w := doJSON(t, env.router, http.MethodGet, "/v1/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var snap pipeline.Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Equal(t, uint64(5), snap.RecordsSubmitted)
	assert.Equal(t, uint64(0), snap.RecordsRejected)
	assert.Greater(t, snap.BufferCapacity, 0)
}

func TestRecordCount_ReportsCommittedRows(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.PipelineConfig) {
		cfg.BatchMaxRecords = 2
		cfg.BatchMaxWindow = 10 * time.Millisecond
	}, true)

	records := []model.Record{validRecord("a"), validRecord("b")}
	w := doJSON(t, env.router, http.MethodPost, "/v1/records", records)
	require.Equal(t, http.StatusAccepted, w.Code)

	require.Eventually(t, func() bool {
		n, err := env.store.CountRecords(context.Background())
		return err == nil && n == 2
	}, 2*time.Second, 10*time.Millisecond)

	resp := doJSON(t, env.router, http.MethodGet, "/v1/records/count", nil)
	require.Equal(t, http.StatusOK, resp.Code)

	var body map[string]int64
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Equal(t, int64(2), body["count"])
}

func TestDeadLetterCount_EmptySink(t *testing.T) {
	env := newTestEnv(t, nil, true)

	w := doJSON(t, env.router, http.MethodGet, "/v1/deadletter/count", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]int64
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, int64(0), body["count"])
}
