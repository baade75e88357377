package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robokit/robokit/internal/api"
	"github.com/robokit/robokit/internal/api/handler"
	mw "github.com/robokit/robokit/internal/api/middleware"
	"github.com/robokit/robokit/internal/artifact"
	"github.com/robokit/robokit/internal/cache/cachetest"
	"github.com/robokit/robokit/internal/jobs"
	"github.com/robokit/robokit/internal/store"
	"github.com/robokit/robokit/internal/store/storetest"
	"github.com/robokit/robokit/internal/worker"
	"github.com/robokit/robokit/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- fixtures ---

// syncScheduler runs each job inline, so a submit returns after the job is terminal.
type syncScheduler struct{}

func (syncScheduler) Submit(task worker.Task) error {
	return task(context.Background())
}

type testServer struct {
	server    *httptest.Server
	store     *storetest.Memory
	engine    *jobs.Engine
	artifacts *artifact.Store
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	st := storetest.NewMemory()
	reg := jobs.NewRegistry()
	reg.Register(models.AnalysisMetadataExtraction, jobs.HandlerFunc(
		func(ctx context.Context, req jobs.Request) (*jobs.Result, error) {
			return &jobs.Result{
				Full:    map[string]any{"metadata": map[string]any{"episodes": 3}},
				Summary: map[string]any{"episode_count": 3},
			}, nil
		}))
	reg.Register(models.AnalysisQualityHeuristics, jobs.HandlerFunc(
		func(ctx context.Context, req jobs.Request) (*jobs.Result, error) {
			return nil, errors.New("missing meta/info.json; cannot evaluate quality heuristics")
		}))
	reg.Register(models.AnalysisRecording, jobs.HandlerFunc(
		func(ctx context.Context, req jobs.Request) (*jobs.Result, error) {
			return &jobs.Result{Full: map[string]any{"params": req.Params}, Summary: map[string]any{}}, nil
		}))

	engine := jobs.NewEngine(st, cachetest.NewMemory(), reg, syncScheduler{})
	artifacts := artifact.New(t.TempDir(), "http://api.test")

	router := api.NewRouter(api.Dependencies{
		RateLimit: mw.NewRateLimit(cachetest.NewMemory(), 5),
		HealthHandler: func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"status":"ok"}`))
		},
		MetricsHandler: promhttp.Handler(),
		CreateDataset:  handler.NewCreateDatasetHandler(st),
		GetDataset:     handler.NewGetDatasetHandler(st),
		SubmitJob:      handler.NewSubmitHandler(engine, reg),
		History:        handler.NewHistoryHandler(engine, st),
		Latest:         handler.NewLatestHandler(engine),
		LatestPerType:  handler.NewLatestPerTypeHandler(engine, st),
		ListJobs:       handler.NewListJobsHandler(engine, st),
		GetJob:         handler.NewGetJobHandler(engine),
		JobStatus:      handler.NewJobStatusHandler(engine),
		JobTypes:       handler.NewJobTypesHandler(reg),
		Artifact:       handler.NewArtifactHandler(engine, artifacts),
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return &testServer{server: srv, store: st, engine: engine, artifacts: artifacts}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.server.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (ts *testServer) dataset(t *testing.T) *models.Dataset {
	t.Helper()
	return ts.store.AddDataset(&models.Dataset{
		Source:     models.DatasetSource{Type: models.SourceTypeHuggingFace, RepoID: "lerobot/pusht"},
		FormatType: models.FormatLeRobot,
	})
}

func parseBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func errorCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	body := parseBody(t, resp)
	errObj, ok := body["error"].(map[string]any)
	require.True(t, ok, "expected error envelope, got %v", body)
	return errObj["code"].(string)
}

// --- health, metrics, routing ---

func TestRouter_HealthEndpoint(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.do(t, "GET", "/api/v1/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(mw.RequestIDHeader))
}

func TestRouter_NotFound(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.do(t, "GET", "/api/v1/nonexistent", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", errorCode(t, resp))
}

func TestRouter_MissingHandlerIsNotImplemented(t *testing.T) {
	router := api.NewRouter(api.Dependencies{})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/job-types", nil))
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestRouter_Metrics(t *testing.T) {
	ts := newTestServer(t)
	ts.do(t, "GET", "/api/v1/health", nil)

	resp := ts.do(t, "GET", "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(b), "go_goroutines")
}

// --- datasets ---

func TestDatasets_CreateAndGet(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, "POST", "/api/v1/datasets", map[string]any{
		"source":      map[string]any{"type": "huggingface", "repo_id": "lerobot/aloha", "revision": "v2.0"},
		"format_type": "lerobot",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	data := parseBody(t, resp)["data"].(map[string]any)
	id := data["id"].(string)

	resp = ts.do(t, "GET", "/api/v1/datasets/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := parseBody(t, resp)["data"].(map[string]any)
	assert.Equal(t, "lerobot", got["format_type"])
	assert.Equal(t, "lerobot/aloha", got["source"].(map[string]any)["repo_id"])
}

func TestDatasets_CreateInvalid(t *testing.T) {
	tests := []struct {
		name   string
		source map[string]any
	}{
		{"missing repo_id", map[string]any{"type": "huggingface"}},
		{"repo_id escapes cache", map[string]any{"type": "huggingface", "repo_id": "../../../outside"}},
		{"revision escapes cache", map[string]any{"type": "huggingface", "repo_id": "a/b", "revision": "../../x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)

			resp := ts.do(t, "POST", "/api/v1/datasets", map[string]any{
				"source":      tt.source,
				"format_type": "lerobot",
			})
			assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
			assert.Equal(t, "INVALID_DATASET", errorCode(t, resp))
		})
	}
}

func TestDatasets_GetNotFoundAndBadID(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, "GET", "/api/v1/datasets/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = ts.do(t, "GET", "/api/v1/datasets/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_REQUEST", errorCode(t, resp))
}

// --- submission ---

func TestSubmit_AcceptsAndCompletes(t *testing.T) {
	ts := newTestServer(t)
	ds := ts.dataset(t)

	resp := ts.do(t, "POST", "/api/v1/datasets/"+ds.ID.String()+"/analyses/metadata_extraction", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	data := parseBody(t, resp)["data"].(map[string]any)
	assert.Equal(t, "v1", data["version"])
	assert.Equal(t, "metadata_extraction", data["analysis_type"])
	jobID := data["id"].(string)

	resp = ts.do(t, "GET", "/api/v1/jobs/"+jobID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	job := parseBody(t, resp)["data"].(map[string]any)
	assert.Equal(t, "completed", job["status"])
	assert.Equal(t, map[string]any{"episode_count": 3.0}, job["result_summary"])
	assert.EqualValues(t, 1, job["progress"])

	resp = ts.do(t, "GET", "/api/v1/jobs/"+jobID+"/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "completed", parseBody(t, resp)["data"].(map[string]any)["status"])
}

func TestSubmit_FillsParamDefaults(t *testing.T) {
	ts := newTestServer(t)
	ds := ts.dataset(t)

	resp := ts.do(t, "POST", "/api/v1/datasets/"+ds.ID.String()+"/analyses/rerun_visualization",
		map[string]any{"params": map[string]any{"stride": 2, "bogus": true}})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	data := parseBody(t, resp)["data"].(map[string]any)

	params := data["result_metadata"].(map[string]any)["parameters"].(map[string]any)
	assert.EqualValues(t, 2, params["stride"])
	assert.Equal(t, "file", params["mode"])
	assert.NotContains(t, params, "bogus")
}

func TestSubmit_Errors(t *testing.T) {
	ts := newTestServer(t)
	ds := ts.dataset(t)
	base := "/api/v1/datasets/" + ds.ID.String() + "/analyses/"

	tests := []struct {
		name   string
		path   string
		body   any
		status int
		code   string
	}{
		{"unknown type", base + "teleport", nil, http.StatusBadRequest, "UNKNOWN_ANALYSIS_TYPE"},
		{"invalid params", base + "rerun_visualization", map[string]any{"params": map[string]any{"stride": 0}}, http.StatusUnprocessableEntity, "INVALID_PARAMS"},
		{"wrong param type", base + "rerun_visualization", map[string]any{"params": map[string]any{"stride": "two"}}, http.StatusUnprocessableEntity, "INVALID_PARAMS"},
		{"unknown dataset", "/api/v1/datasets/" + uuid.NewString() + "/analyses/metadata_extraction", nil, http.StatusNotFound, "NOT_FOUND"},
		{"bad dataset id", "/api/v1/datasets/xyz/analyses/metadata_extraction", nil, http.StatusBadRequest, "INVALID_REQUEST"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := ts.do(t, "POST", tt.path, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.code, errorCode(t, resp))
		})
	}

	// none of the rejected submissions created a job
	n, err := ts.store.CountJobs(context.Background(), storeFilter(ds.ID))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSubmit_MalformedBody(t *testing.T) {
	ts := newTestServer(t)
	ds := ts.dataset(t)

	req, err := http.NewRequest("POST", ts.server.URL+"/api/v1/datasets/"+ds.ID.String()+"/analyses/metadata_extraction",
		bytes.NewBufferString("{not json"))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSubmit_RateLimited(t *testing.T) {
	ts := newTestServer(t)
	ds := ts.dataset(t)
	path := "/api/v1/datasets/" + ds.ID.String() + "/analyses/metadata_extraction"

	for i := 0; i < 5; i++ {
		resp := ts.do(t, "POST", path, nil)
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
	}
	resp := ts.do(t, "POST", path, nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", errorCode(t, resp))

	// reads are not throttled
	resp = ts.do(t, "GET", path, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

// --- queries ---

func TestHistoryLatestAndStatus(t *testing.T) {
	ts := newTestServer(t)
	ds := ts.dataset(t)
	base := "/api/v1/datasets/" + ds.ID.String()

	for i := 0; i < 2; i++ {
		require.Equal(t, http.StatusAccepted, ts.do(t, "POST", base+"/analyses/metadata_extraction", nil).StatusCode)
	}
	require.Equal(t, http.StatusAccepted, ts.do(t, "POST", base+"/analyses/evaluate_quality_heuristics", nil).StatusCode)

	resp := ts.do(t, "GET", base+"/analyses/metadata_extraction", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	history := parseBody(t, resp)["data"].([]any)
	require.Len(t, history, 2)
	assert.Equal(t, "v2", history[0].(map[string]any)["version"])
	assert.Equal(t, "v1", history[1].(map[string]any)["version"])

	resp = ts.do(t, "GET", base+"/analyses/evaluate_quality_heuristics/latest", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	latest := parseBody(t, resp)["data"].(map[string]any)
	assert.Equal(t, "failed", latest["status"])
	assert.Equal(t, "missing meta/info.json; cannot evaluate quality heuristics", latest["error_message"])
	assert.NotContains(t, latest, "result")

	resp = ts.do(t, "GET", base+"/analyses/evaluate_quality_heuristics?status=completed", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, parseBody(t, resp)["data"])

	resp = ts.do(t, "GET", base+"/analyses/metadata_extraction?status=failed", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ts.do(t, "GET", base+"/analyses/rerun_visualization/latest", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = ts.do(t, "GET", base+"/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	analyses := parseBody(t, resp)["data"].(map[string]any)["analyses"].(map[string]any)
	require.Len(t, analyses, 2)
	assert.Equal(t, "v2", analyses["metadata_extraction"].(map[string]any)["version"])
	assert.Equal(t, "failed", analyses["evaluate_quality_heuristics"].(map[string]any)["status"])
}

func TestListJobs_PagesAndFilters(t *testing.T) {
	ts := newTestServer(t)
	ds := ts.dataset(t)
	base := "/api/v1/datasets/" + ds.ID.String()

	for i := 0; i < 3; i++ {
		ts.do(t, "POST", base+"/analyses/metadata_extraction", nil)
	}
	ts.do(t, "POST", base+"/analyses/evaluate_quality_heuristics", nil)

	resp := ts.do(t, "GET", base+"/jobs?limit=3", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := parseBody(t, resp)
	assert.Len(t, body["data"], 3)
	meta := body["meta"].(map[string]any)
	assert.EqualValues(t, 4, meta["total"])
	assert.Equal(t, true, meta["has_next"])

	resp = ts.do(t, "GET", base+"/jobs?limit=3&page=2", nil)
	body = parseBody(t, resp)
	assert.Len(t, body["data"], 1)
	assert.Equal(t, false, body["meta"].(map[string]any)["has_next"])

	resp = ts.do(t, "GET", base+"/jobs?status=failed", nil)
	body = parseBody(t, resp)
	require.Len(t, body["data"], 1)
	assert.Equal(t, "evaluate_quality_heuristics", body["data"].([]any)[0].(map[string]any)["analysis_type"])

	resp = ts.do(t, "GET", base+"/jobs?analysis_type=metadata_extraction", nil)
	assert.Len(t, parseBody(t, resp)["data"], 3)

	for _, q := range []string{"?status=done", "?limit=0", "?limit=1000", "?page=0"} {
		resp = ts.do(t, "GET", base+"/jobs"+q, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, q)
	}

	resp = ts.do(t, "GET", "/api/v1/datasets/"+uuid.NewString()+"/jobs", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestJobs_NotFound(t *testing.T) {
	ts := newTestServer(t)
	for _, path := range []string{
		"/api/v1/jobs/" + uuid.NewString(),
		"/api/v1/jobs/" + uuid.NewString() + "/status",
	} {
		resp := ts.do(t, "GET", path, nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
	}
}

func TestJobTypes(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.do(t, "GET", "/api/v1/job-types", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	types := parseBody(t, resp)["data"].([]any)
	require.Len(t, types, 3)
	byName := map[string]map[string]any{}
	for _, raw := range types {
		jt := raw.(map[string]any)
		byName[jt["analysis_type"].(string)] = jt["default_params"].(map[string]any)
	}
	assert.EqualValues(t, 5000, byName["rerun_visualization"]["max_frames"])
	assert.Contains(t, byName, "metadata_extraction")
}

// --- artifacts ---

func TestArtifacts_ServeAndHead(t *testing.T) {
	ts := newTestServer(t)
	ds := ts.dataset(t)

	resp := ts.do(t, "POST", "/api/v1/datasets/"+ds.ID.String()+"/analyses/rerun_visualization", nil)
	jobID := uuid.MustParse(parseBody(t, resp)["data"].(map[string]any)["id"].(string))

	f, err := ts.artifacts.Create(ds.ID, jobID, "recording_20260101_000000.zip")
	require.NoError(t, err)
	_, err = f.Write([]byte("PK-archive"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	url := fmt.Sprintf("/api/v1/datasets/%s/artifacts/%s/recording_20260101_000000.zip", ds.ID, jobID)
	resp = ts.do(t, "GET", url, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/zip", resp.Header.Get("Content-Type"))
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "PK-archive", string(b))

	resp = ts.do(t, "HEAD", url, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 10, resp.ContentLength)

	// another dataset cannot reach the job's files
	other := ts.dataset(t)
	resp = ts.do(t, "GET", fmt.Sprintf("/api/v1/datasets/%s/artifacts/%s/recording_20260101_000000.zip", other.ID, jobID), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = ts.do(t, "GET", fmt.Sprintf("/api/v1/datasets/%s/artifacts/%s/missing.zip", ds.ID, jobID), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = ts.do(t, "GET", fmt.Sprintf("/api/v1/datasets/%s/artifacts/%s/..", ds.ID, jobID), nil)
	assert.NotEqual(t, http.StatusOK, resp.StatusCode)

	_, err = os.Stat(filepath.Join(ts.artifacts.JobDir(ds.ID, jobID), "recording_20260101_000000.zip"))
	assert.NoError(t, err)
}

func storeFilter(datasetID uuid.UUID) store.JobFilter {
	return store.JobFilter{DatasetID: datasetID}
}
