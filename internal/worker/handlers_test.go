package worker

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm/logger"

	"github.com/thebtf/faultline/internal/config"
	"github.com/thebtf/faultline/internal/db/gorm"
	"github.com/thebtf/faultline/pkg/models"
)

// testService creates a Service backed by a temporary SQLite database.
// analyzerURL may be empty to disable enrichment.
func testService(t *testing.T, analyzerURL string) (*Service, func()) {
	t.Helper()

	dir := t.TempDir()
	store, err := gorm.NewStore(gorm.Config{
		Path:     filepath.Join(dir, "worker.db"),
		MaxConns: 4,
		LogLevel: logger.Silent,
	})
	require.NoError(t, err)

	cfg := config.Default()
	cfg.AnalyzerURL = analyzerURL
	cfg.EnrichTimeout = 2
	cfg.RulesPath = filepath.Join(dir, "rules.yaml")

	svc := newService("test-version", cfg, store)

	// Mark service as ready for tests
	svc.ready.Store(true)

	cleanup := func() {
		require.NoError(t, svc.Shutdown(context.Background()))
	}
	return svc, cleanup
}

// createProject provisions a project and returns it.
func createProject(t *testing.T, svc *Service) *models.Project {
	t.Helper()
	p, err := svc.projectStore.CreateProject(context.Background(), "test")
	require.NoError(t, err)
	return p
}

func postEvent(t *testing.T, svc *Service, apiKey, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/error", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set(APIKeyHeader, apiKey)
	}
	rec := httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, req)
	return rec
}

func get(t *testing.T, svc *Service, url string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, url, nil))
	return rec
}

func assertCORS(t *testing.T, rec *httptest.ResponseRecorder) {
	t.Helper()
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "POST, OPTIONS", rec.Header().Get("Access-Control-Allow-Methods"))
	assert.Equal(t, "Content-Type, x-trace-api-key", rec.Header().Get("Access-Control-Allow-Headers"))
}

func TestHandleIngest_StoresAndDedups(t *testing.T) {
	svc, cleanup := testService(t, "")
	defer cleanup()
	p := createProject(t, svc)

	rec := postEvent(t, svc, p.APIKey, `{"message":"Error: connect ECONNREFUSED 127.0.0.1:5432","environment":"prod"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assertCORS(t, rec)

	var first IngestResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &first))
	assert.Equal(t, "stored", first.Status)
	assert.True(t, first.Created)
	assert.NotEmpty(t, first.GroupID)

	rec = postEvent(t, svc, p.APIKey, `{"message":"Error: connect ECONNREFUSED 10.0.0.7:5432"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var second IngestResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &second))
	assert.False(t, second.Created)
	assert.Equal(t, first.GroupID, second.GroupID)

	detail, err := svc.groupStore.GetGroupDetail(context.Background(), p.ID, first.GroupID)
	require.NoError(t, err)
	require.Len(t, detail.Occurrences, 2)
	assert.Equal(t, p.ID, detail.ProjectID)
}

func TestHandleIngest_Auth(t *testing.T) {
	svc, cleanup := testService(t, "")
	defer cleanup()

	rec := postEvent(t, svc, "", `{"message":"boom"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"Missing API key"}`, rec.Body.String())
	assertCORS(t, rec)

	rec = postEvent(t, svc, "fl_unknown", `{"message":"boom"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"Invalid API key"}`, rec.Body.String())
	assertCORS(t, rec)
}

func TestHandleIngest_Preflight(t *testing.T) {
	svc, cleanup := testService(t, "")
	defer cleanup()

	req := httptest.NewRequest(http.MethodOptions, "/api/error", nil)
	rec := httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assertCORS(t, rec)
}

func TestHandleIngest_BadBodyAndDefaults(t *testing.T) {
	svc, cleanup := testService(t, "")
	defer cleanup()
	p := createProject(t, svc)

	rec := postEvent(t, svc, p.APIKey, `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assertCORS(t, rec)

	rec = postEvent(t, svc, p.APIKey, `{"message":42,"stack":false}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var res IngestResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))

	detail, err := svc.groupStore.GetGroupDetail(context.Background(), p.ID, res.GroupID)
	require.NoError(t, err)
	assert.Equal(t, models.DefaultMessage, detail.RawMessage)
	assert.Nil(t, detail.RawStack)
	assert.Equal(t, models.EnvironmentDev, detail.Occurrences[0].Environment)
	assert.Equal(t, models.DefaultCommitSHA, detail.Occurrences[0].CommitSHA)
}

func TestHandleIngest_NonObjectBodiesUseDefaults(t *testing.T) {
	svc, cleanup := testService(t, "")
	defer cleanup()
	p := createProject(t, svc)

	var groupIDs []string
	for _, body := range []string{`"just a string"`, `[1,2]`, `null`, `42`} {
		rec := postEvent(t, svc, p.APIKey, body)
		require.Equal(t, http.StatusOK, rec.Code, body)

		var res IngestResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
		groupIDs = append(groupIDs, res.GroupID)
	}

	for _, id := range groupIDs[1:] {
		assert.Equal(t, groupIDs[0], id, "all fall back to the default message")
	}

	detail, err := svc.groupStore.GetGroupDetail(context.Background(), p.ID, groupIDs[0])
	require.NoError(t, err)
	assert.Equal(t, models.DefaultMessage, detail.RawMessage)
	assert.Nil(t, detail.RawStack)
	assert.Len(t, detail.Occurrences, 4)

	rec := postEvent(t, svc, p.APIKey, ``)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleIngest_TriggersEnrichmentOnce(t *testing.T) {
	var calls atomic.Int32
	analyzer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"suggestion":"retry with backoff"}`))
	}))
	defer analyzer.Close()

	svc, cleanup := testService(t, analyzer.URL)
	defer cleanup()
	p := createProject(t, svc)

	var groupID string
	for i := 0; i < 3; i++ {
		rec := postEvent(t, svc, p.APIKey, `{"message":"Timeout after 30`+string(rune('0'+i))+`ms","stack":"at fetch (/srv/a.js:1:1)"}`)
		require.Equal(t, http.StatusOK, rec.Code)
		var res IngestResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
		groupID = res.GroupID
	}

	require.Eventually(t, func() bool {
		g, err := svc.groupStore.GetGroupByID(context.Background(), groupID)
		return err == nil && g != nil && g.AISuggestion != nil
	}, 2*time.Second, 10*time.Millisecond)

	g, err := svc.groupStore.GetGroupByID(context.Background(), groupID)
	require.NoError(t, err)
	assert.Equal(t, "retry with backoff", *g.AISuggestion)
	assert.NotNil(t, g.AIAnalyzedAt)
	assert.Equal(t, int32(1), calls.Load())
}

func TestHandleIngest_AnalyzerDownDoesNotFailIngestion(t *testing.T) {
	analyzer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer analyzer.Close()

	svc, cleanup := testService(t, analyzer.URL)
	defer cleanup()
	p := createProject(t, svc)

	rec := postEvent(t, svc, p.APIKey, `{"message":"boom"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleListErrors(t *testing.T) {
	svc, cleanup := testService(t, "")
	defer cleanup()
	p := createProject(t, svc)

	for _, body := range []string{
		`{"message":"A 1","environment":"prod"}`,
		`{"message":"A 2","environment":"dev"}`,
		`{"message":"A 3","environment":"prod"}`,
		`{"message":"B","environment":"dev"}`,
	} {
		require.Equal(t, http.StatusOK, postEvent(t, svc, p.APIKey, body).Code)
	}

	rec := get(t, svc, "/api/errors")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = get(t, svc, "/api/errors?project="+p.ID+"&sort=count")
	require.Equal(t, http.StatusOK, rec.Code)

	var rows []models.GroupSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rows))
	require.Len(t, rows, 2)
	assert.Equal(t, "A 1", rows[0].Message)
	assert.Equal(t, 3, rows[0].Count)
	assert.ElementsMatch(t, []string{"prod", "dev"}, rows[0].Environments)
	assert.NotNil(t, rows[0].FirstSeen)
	assert.False(t, rows[0].HasAI)

	rec = get(t, svc, "/api/errors?project="+p.ID+"&sort=count&env=prod")
	require.Equal(t, http.StatusOK, rec.Code)
	rows = nil
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rows))
	require.Len(t, rows, 2)
	assert.Equal(t, 2, rows[0].Count)
	assert.Equal(t, 0, rows[1].Count)
	assert.Nil(t, rows[1].LastSeen)

	rec = get(t, svc, "/api/errors?project="+p.ID+"&limit=1")
	rows = nil
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rows))
	assert.Len(t, rows, 1)

	rec = get(t, svc, "/api/errors?project=other")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestHandleGetError(t *testing.T) {
	svc, cleanup := testService(t, "")
	defer cleanup()
	p := createProject(t, svc)

	rec := postEvent(t, svc, p.APIKey, `{"message":"User 42 not found","stack":"at find (/srv/users.js:10:5)","commitSha":"abc"}`)
	var res IngestResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))

	rec = get(t, svc, "/api/errors/"+res.GroupID+"?project="+p.ID)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, res.GroupID, body["id"])
	assert.Equal(t, "User 42 not found", body["raw_message"])
	assert.Equal(t, "User <NUMBER> not found", body["normalized_message"])
	assert.Equal(t, "at find (users.js)", body["normalized_stack"])
	assert.Nil(t, body["ai_suggestion"])

	occs, ok := body["occurrences"].([]any)
	require.True(t, ok)
	require.Len(t, occs, 1)
	occ := occs[0].(map[string]any)
	assert.Equal(t, "abc", occ["commit_sha"])
	assert.Equal(t, "dev", occ["environment"])

	rec = get(t, svc, "/api/errors/missing?project="+p.ID)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":"Error not found"}`, rec.Body.String())

	rec = get(t, svc, "/api/errors/"+res.GroupID)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = get(t, svc, "/api/errors/"+res.GroupID+"?project=someone-else")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleAnalytics(t *testing.T) {
	svc, cleanup := testService(t, "")
	defer cleanup()
	p := createProject(t, svc)

	rec := get(t, svc, "/api/analytics")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	for _, body := range []string{
		`{"message":"A","environment":"prod"}`,
		`{"message":"A","environment":"prod"}`,
		`{"message":"B","environment":"dev"}`,
	} {
		require.Equal(t, http.StatusOK, postEvent(t, svc, p.APIKey, body).Code)
	}

	rec = get(t, svc, "/api/analytics?project="+p.ID)
	require.Equal(t, http.StatusOK, rec.Code)

	var snap models.AnalyticsSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, models.MetricTrend{Value: 3, Trend: "+100% vs last week", TrendUp: true}, snap.Total)
	assert.Equal(t, 2, snap.Unique.Value)
	assert.Equal(t, 2, snap.Prod.Value)
	assert.Equal(t, 96, snap.HealthScore)
}

func TestHandleHealth_ReturnsVersion(t *testing.T) {
	svc, cleanup := testService(t, "")
	defer cleanup()

	svc.version = "test-version-1.2.3"

	rec := get(t, svc, "/api/health")
	assert.Equal(t, http.StatusOK, rec.Code)

	var response map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.Equal(t, "ready", response["status"])
	assert.Equal(t, "test-version-1.2.3", response["version"])
	assert.Equal(t, "sqlite", response["db_driver"])
}

func TestHandleVersion(t *testing.T) {
	svc, cleanup := testService(t, "")
	defer cleanup()

	svc.version = "v2.0.0-beta"

	rec := httptest.NewRecorder()
	svc.handleVersion(rec, httptest.NewRequest(http.MethodGet, "/api/version", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var response map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.Equal(t, "v2.0.0-beta", response["version"])
}

func TestHandleReady(t *testing.T) {
	svc, cleanup := testService(t, "")
	defer cleanup()

	svc.ready.Store(false)
	assert.Equal(t, http.StatusServiceUnavailable, get(t, svc, "/api/ready").Code)

	svc.ready.Store(true)
	rec := get(t, svc, "/api/ready")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ready"}`, rec.Body.String())
}

func TestRequireReadyMiddleware_Blocks(t *testing.T) {
	svc, cleanup := testService(t, "")
	defer cleanup()
	p := createProject(t, svc)

	svc.ready.Store(false)

	rec := postEvent(t, svc, p.APIKey, `{"message":"boom"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assertCORS(t, rec)

	assert.Equal(t, http.StatusServiceUnavailable, get(t, svc, "/api/errors?project="+p.ID).Code)
}

func TestMetricsEndpoint(t *testing.T) {
	svc, cleanup := testService(t, "")
	defer cleanup()
	p := createProject(t, svc)

	require.Equal(t, http.StatusOK, postEvent(t, svc, p.APIKey, `{"message":"boom","environment":"prod"}`).Code)
	postEvent(t, svc, "", `{"message":"boom"}`)

	rec := get(t, svc, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `faultline_events_ingested_total{environment="prod",new_group="true"} 1`)
	assert.Contains(t, body, `faultline_auth_failures_total{reason="missing"} 1`)
	assert.Contains(t, body, "faultline_sse_clients 0")
}

func TestReloadRules(t *testing.T) {
	svc, cleanup := testService(t, "")
	defer cleanup()
	p := createProject(t, svc)

	rules := "rules:\n  - name: worker\n    pattern: 'worker-[a-z]+'\n    replacement: '<WORKER>'\n"
	require.NoError(t, os.WriteFile(svc.config.RulesPath, []byte(rules), 0600))
	svc.reloadRules()
	assert.Equal(t, []string{"worker"}, svc.pipeline.Normalizer().RuleNames())

	ids := make(map[string]struct{})
	for _, msg := range []string{"lock held by worker-a", "lock held by worker-b"} {
		rec := postEvent(t, svc, p.APIKey, `{"message":"`+msg+`"}`)
		var res IngestResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
		ids[res.GroupID] = struct{}{}
	}
	assert.Len(t, ids, 1)

	// A broken file keeps the previous rules.
	require.NoError(t, os.WriteFile(svc.config.RulesPath, []byte("rules: [\n"), 0600))
	svc.reloadRules()
	assert.Equal(t, []string{"worker"}, svc.pipeline.Normalizer().RuleNames())
}

func TestStartAndShutdown(t *testing.T) {
	dir := t.TempDir()
	store, err := gorm.NewStore(gorm.Config{Path: filepath.Join(dir, "w.db"), LogLevel: logger.Silent})
	require.NoError(t, err)

	cfg := config.Default()
	cfg.AnalyzerURL = ""
	cfg.WorkerPort = 0
	cfg.RulesPath = filepath.Join(dir, "rules.yaml")

	svc := newService("v", cfg, store)
	require.NoError(t, svc.Start())
	assert.True(t, svc.ready.Load())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, svc.Shutdown(ctx))
	assert.False(t, svc.ready.Load())
}

func TestHandleIngest_OversizedBody(t *testing.T) {
	svc, cleanup := testService(t, "")
	defer cleanup()
	p := createProject(t, svc)

	big := `{"message":"` + string(bytes.Repeat([]byte("x"), maxEventBytes+1)) + `"}`
	rec := postEvent(t, svc, p.APIKey, big)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
