package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/elonfeng/debaterank/internal/metrics"
	"github.com/elonfeng/debaterank/internal/store"
	"github.com/elonfeng/debaterank/pkg/dbrouter"
	"github.com/elonfeng/debaterank/pkg/trend"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time          { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type staticActivity struct {
	snap trend.Activity
	ok   bool
}

func (a staticActivity) Snapshot() (trend.Activity, bool) { return a.snap, a.ok }

type testServer struct {
	srv     *Server
	store   *store.SQLStore
	metrics *metrics.Metrics
	clock   *testClock
}

func newTestServer(t *testing.T, activity ActivitySource) *testServer {
	t.Helper()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	clock := &testClock{now: time.Date(2016, 10, 9, 18, 0, 0, 0, time.UTC)}

	router, err := dbrouter.New(dbrouter.Config{
		Primary:        "primary",
		Replicas:       []string{"replica-a"},
		ReferenceKinds: []string{store.KindCategory},
	}, dbrouter.WithMetrics(m))
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "debaterank.db")
	st, err := store.Open("sqlite", []store.Endpoint{
		{Name: "primary", DSN: path},
		{Name: "replica-a", DSN: path},
	}, router)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	srv := New(st, router, dbrouter.NewMemoryPinStore(clock.Now), activity, Options{
		AutoApprove: true,
		Metrics:     m,
		Gatherer:    reg,
		Now:         clock.Now,
	})
	return &testServer{srv: srv, store: st, metrics: m, clock: clock}
}

func (ts *testServer) do(t *testing.T, method, path, body string, cookie *http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if cookie != nil {
		req.AddCookie(cookie)
	}
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) routed(endpoint, op string) float64 {
	return testutil.ToFloat64(ts.metrics.RoutedTotal.WithLabelValues(endpoint, op))
}

func clientCookie(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == dbrouter.DefaultCookieName {
			return c
		}
	}
	t.Fatal("no client cookie set")
	return nil
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func (ts *testServer) createSubmission(t *testing.T, headline string) (string, *http.Cookie) {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/api/v1/submissions", `{"headline":"`+headline+`","idea":"Tell us.","category":"economy"}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode(t, rec)["id"].(string), clientCookie(t, rec)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestCreateAndGetSubmission(t *testing.T) {
	ts := newTestServer(t, nil)

	id, _ := ts.createSubmission(t, "Jobs")

	rec := ts.do(t, http.MethodGet, "/api/v1/submissions/"+id, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "Jobs", body["headline"])
	assert.Equal(t, "economy", body["category"])
	assert.Equal(t, true, body["approved"])
	assert.NotContains(t, body, "score")
	assert.NotContains(t, body, "random_id")
	assert.NotContains(t, body, "voter_id")

	rec = ts.do(t, http.MethodGet, "/api/v1/submissions/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetSubmissionHidesModeratedRows(t *testing.T) {
	ts := newTestServer(t, nil)
	id, _ := ts.createSubmission(t, "Jobs")

	ctx, _ := dbrouter.Begin(t.Context(), dbrouter.ReadWrite)
	for _, sub := range []store.Submission{
		{ID: "dup", Headline: "Jobs again", Approved: true, DuplicateOf: &id},
		{ID: "removed", Headline: "Spam", Approved: true, ModeratedRemoval: true},
		{ID: "pending", Headline: "Later"},
	} {
		require.NoError(t, ts.store.CreateSubmission(ctx, &sub))
	}

	rec := ts.do(t, http.MethodGet, "/api/v1/submissions/dup", "", nil)
	assert.Equal(t, http.StatusMovedPermanently, rec.Code)
	assert.Equal(t, "/api/v1/submissions/"+id, rec.Header().Get("Location"))

	for _, hidden := range []string{"removed", "pending"} {
		rec = ts.do(t, http.MethodGet, "/api/v1/submissions/"+hidden, "", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code, hidden)
	}
}

func TestCreateSubmissionValidation(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodPost, "/api/v1/submissions", `{"headline":"   "}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/submissions", `{"headline":"x","score":99}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/submissions", `not json`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListSubmissions(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.createSubmission(t, "One")
	ts.createSubmission(t, "Two")

	rec := ts.do(t, http.MethodGet, "/api/v1/submissions?sort=newest&limit=1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, float64(1), body["count"])

	rec = ts.do(t, http.MethodGet, "/api/v1/submissions?category=none", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"data":[],"count":0}`, rec.Body.String())

	rec = ts.do(t, http.MethodGet, "/api/v1/submissions?sort=loudest", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/submissions?limit=lots", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestVote(t *testing.T) {
	ts := newTestServer(t, nil)
	id, _ := ts.createSubmission(t, "Climate")

	rec := ts.do(t, http.MethodPost, "/api/v1/submissions/"+id+"/votes", "", nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, float64(1), decode(t, rec)["votes"])
	voter := clientCookie(t, rec)

	rec = ts.do(t, http.MethodPost, "/api/v1/submissions/"+id+"/votes", "", voter)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/submissions/missing/votes", "", voter)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/submissions/"+id+"/votes", "", nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, float64(2), decode(t, rec)["votes"])
}

func TestReadsAfterWriteArePinnedToPrimary(t *testing.T) {
	ts := newTestServer(t, nil)
	id, author := ts.createSubmission(t, "Pinned")

	// The author just wrote, so their read goes to the primary.
	rec := ts.do(t, http.MethodGet, "/api/v1/submissions/"+id, "", author)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1.0, ts.routed("primary", "read"))
	assert.Equal(t, 0.0, ts.routed("replica-a", "read"))

	// Someone else reads from the replica.
	rec = ts.do(t, http.MethodGet, "/api/v1/submissions/"+id, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1.0, ts.routed("replica-a", "read"))

	// Once the pin expires the author is back on the replica.
	ts.clock.Advance(dbrouter.DefaultPinningPeriod + time.Second)
	rec = ts.do(t, http.MethodGet, "/api/v1/submissions/"+id, "", author)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1.0, ts.routed("primary", "read"))
	assert.Equal(t, 2.0, ts.routed("replica-a", "read"))
}

func TestCategories(t *testing.T) {
	ts := newTestServer(t, nil)
	ctx, _ := dbrouter.Begin(t.Context(), dbrouter.ReadWrite)
	require.NoError(t, ts.store.EnsureCategory(ctx, store.Category{Name: "economy", Position: 1}))

	// Reference data is served by a replica.
	rec := ts.do(t, http.MethodGet, "/api/v1/categories", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"data":[{"name":"economy","position":1}],"count":1}`, rec.Body.String())
	assert.Equal(t, 1.0, ts.routed("replica-a", "read"))
}

func TestRecent(t *testing.T) {
	ts := newTestServer(t, staticActivity{})
	rec := ts.do(t, http.MethodGet, "/api/v1/recent", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	at := time.Date(2016, 10, 9, 17, 0, 0, 0, time.UTC)
	ts = newTestServer(t, staticActivity{ok: true, snap: trend.Activity{
		Events:     []store.Event{{Kind: "vote", SubmissionID: "a", Headline: "A", At: at}},
		TotalVotes: 3,
		UpdatedAt:  at,
	}})
	rec = ts.do(t, http.MethodGet, "/api/v1/recent", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, float64(3), body["total_votes"])
	assert.Len(t, body["events"], 1)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.do(t, http.MethodGet, "/health", "", nil)

	rec := ts.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `debaterank_http_requests_total{method="GET",route="/health",status="200"} 1`)
}

func TestUnknownRoute(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodGet, "/api/v2/anything", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodDelete, "/api/v1/submissions", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
