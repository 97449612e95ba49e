package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dharsanguruparan/VaultScan/internal/clamd"
	"github.com/dharsanguruparan/VaultScan/internal/config"
	"github.com/dharsanguruparan/VaultScan/internal/metrics"
	"github.com/dharsanguruparan/VaultScan/internal/queue"
	"github.com/dharsanguruparan/VaultScan/internal/repository"
)

const scanBody = `{
  "topic": "avscan.action.scan",
  "originator": "submission-api",
  "timestamp": "2026-10-19T10:00:00.000Z",
  "mime-type": "application/json",
  "payload": {
    "submissionId": "a12a4180-65aa-42ec-a945-5fd21dec0501",
    "url": "https://s3.amazonaws.com/dmz/file.zip",
    "fileName": "file.zip",
    "status": "unscanned",
    "uploadType": "submission",
    "challengeId": 30054692
  }
}`

type fakeEnqueuer struct {
	tasks []*asynq.Task
	err   error
}

func (f *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.tasks = append(f.tasks, task)
	return &asynq.TaskInfo{ID: "task-42", Queue: queue.DefaultQueue}, nil
}

type fixedState clamd.State

func (s fixedState) State() clamd.State { return clamd.State(s) }

type fakeResults struct {
	rows    map[string]*repository.ScanResult
	url     string
	limit   int
	listErr error
}

func (f *fakeResults) Get(_ context.Context, id string) (*repository.ScanResult, error) {
	if res, ok := f.rows[id]; ok {
		return res, nil
	}
	return nil, repository.ErrNotFound
}

func (f *fakeResults) Recent(_ context.Context, url string, limit int) ([]repository.ScanResult, error) {
	f.url, f.limit = url, limit
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []repository.ScanResult
	for _, res := range f.rows {
		out = append(out, *res)
	}
	return out, nil
}

var uploadTypes = map[string]config.UploadType{
	"submission": {CleanBucket: "clean", QuarantineBucket: "quarantine"},
}

func newServer(opts Options) http.Handler {
	if opts.UploadTypes == nil {
		opts.UploadTypes = uploadTypes
	}
	return New(opts, slog.New(slog.NewTextHandler(io.Discard, nil))).Handler()
}

func do(t *testing.T, h http.Handler, method, target, body string) (*http.Response, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, strings.NewReader(body)))
	res := rec.Result()
	var decoded map[string]any
	if strings.HasPrefix(res.Header.Get("Content-Type"), "application/json") && strings.HasPrefix(rec.Body.String(), "{") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	}
	return res, decoded
}

func TestEnqueueAccepted(t *testing.T) {
	enq := &fakeEnqueuer{}
	h := newServer(Options{Enqueuer: enq, MaxRetry: 3})

	res, body := do(t, h, http.MethodPost, "/scans", scanBody)
	require.Equal(t, http.StatusAccepted, res.StatusCode)
	assert.Equal(t, "task-42", body["id"])
	assert.Equal(t, "queued", body["status"])

	require.Len(t, enq.tasks, 1)
	assert.Equal(t, queue.ScanTask, enq.tasks[0].Type())
	assert.Contains(t, string(enq.tasks[0].Payload()), `"challengeId":30054692`)
}

func TestEnqueueRejectsInvalidRequest(t *testing.T) {
	enq := &fakeEnqueuer{}
	h := newServer(Options{Enqueuer: enq})

	body := strings.Replace(scanBody, `"fileName": "file.zip",`, "", 1)
	res, decoded := do(t, h, http.MethodPost, "/scans", body)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, "payload.fileName", decoded["field"])
	assert.Empty(t, enq.tasks)

	res, _ = do(t, h, http.MethodPost, "/scans", "{not json")
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestEnqueueRejectsUnknownUploadType(t *testing.T) {
	enq := &fakeEnqueuer{}
	h := newServer(Options{Enqueuer: enq})

	body := strings.Replace(scanBody, `"uploadType": "submission"`, `"uploadType": "avatar"`, 1)
	body = strings.Replace(body, `"submissionId": "a12a4180-65aa-42ec-a945-5fd21dec0501",`, "", 1)
	res, decoded := do(t, h, http.MethodPost, "/scans", body)
	assert.Equal(t, http.StatusUnprocessableEntity, res.StatusCode)
	assert.Equal(t, "payload.uploadType", decoded["field"])
	assert.Empty(t, enq.tasks)
}

func TestEnqueueBodyLimit(t *testing.T) {
	h := newServer(Options{Enqueuer: &fakeEnqueuer{}, MaxBodyBytes: 16})
	res, _ := do(t, h, http.MethodPost, "/scans", scanBody)
	assert.Equal(t, http.StatusRequestEntityTooLarge, res.StatusCode)
}

func TestEnqueueFailure(t *testing.T) {
	h := newServer(Options{Enqueuer: &fakeEnqueuer{err: errors.New("redis down")}})
	res, decoded := do(t, h, http.MethodPost, "/scans", scanBody)
	assert.Equal(t, http.StatusInternalServerError, res.StatusCode)
	assert.NotContains(t, decoded["error"], "redis")
}

func TestScansRouteNeedsEnqueuer(t *testing.T) {
	h := newServer(Options{})
	res, _ := do(t, h, http.MethodPost, "/scans", scanBody)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestHealth(t *testing.T) {
	res, body := do(t, newServer(Options{Scanner: fixedState(clamd.Ready)}), http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "ready", body["clamd"])

	for _, state := range []clamd.State{clamd.Connecting, clamd.Unavailable} {
		res, body = do(t, newServer(Options{Scanner: fixedState(state)}), http.MethodGet, "/healthz", "")
		assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode, state.String())
		assert.Equal(t, state.String(), body["clamd"])
	}

	res, _ = do(t, newServer(Options{}), http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestResults(t *testing.T) {
	results := &fakeResults{rows: map[string]*repository.ScanResult{
		"r1": {ID: "r1", URL: "https://s3.amazonaws.com/dmz/file.zip", Verdict: "clean"},
	}}
	h := newServer(Options{Results: results})

	res, body := do(t, h, http.MethodGet, "/results/r1", "")
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "clean", body["verdict"])

	res, _ = do(t, h, http.MethodGet, "/results/missing", "")
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	res, _ = do(t, h, http.MethodGet, "/results?url=https://s3.amazonaws.com/dmz/file.zip&limit=1000", "")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "https://s3.amazonaws.com/dmz/file.zip", results.url)
	assert.Equal(t, maxRecentLimit, results.limit)

	res, _ = do(t, h, http.MethodGet, "/results?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	results.listErr = errors.New("db down")
	res, _ = do(t, h, http.MethodGet, "/results", "")
	assert.Equal(t, http.StatusInternalServerError, res.StatusCode)
}

func TestMetricsEndpointRecordsRoutes(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg, reg)
	h := newServer(Options{Metrics: m, Scanner: fixedState(clamd.Ready)})

	res, _ := do(t, h, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, res.StatusCode)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `path="/healthz"`)
}
