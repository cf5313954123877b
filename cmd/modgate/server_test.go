package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bluesky-social/modgate/moderation"
	"github.com/bluesky-social/modgate/scorer"
	"github.com/bluesky-social/modgate/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testServer(t *testing.T, cfg service.Config) *Server {
	t.Helper()
	cfg.DatabaseURL = "sqlite://" + filepath.Join(t.TempDir(), "audit.db")
	cfg.BatchWindow = time.Millisecond
	cfg.Scorers = append(cfg.Scorers, &scorer.Func{
		ScorerName: "weapons",
		Fn: func(ctx context.Context, in scorer.Input) (moderation.CategoryScores, error) {
			if strings.Contains(string(in.Content), "guns") {
				return moderation.CategoryScores{moderation.CategoryWeapons: 0.95}, nil
			}
			return moderation.CategoryScores{}, nil
		},
	})
	svc, err := service.New(cfg)
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() {
		_ = svc.Stop(context.Background())
	})
	return NewServer(svc, ":0", nil)
}

func doRequest(srv *Server, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func textBody(id, content string) string {
	b, _ := json.Marshal(moderation.Request{
		JobID:         id,
		Kind:          "text",
		ContentBase64: base64.StdEncoding.EncodeToString([]byte(content)),
	})
	return string(b)
}

func TestSubmitAndPoll(t *testing.T) {
	assert := assert.New(t)
	srv := testServer(t, service.Config{})

	rec := doRequest(srv, http.MethodPost, "/jobs", textBody("job1", "buy guns"))
	require.Equal(t, http.StatusAccepted, rec.Code)
	var accepted JobStatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &accepted))
	assert.Equal("job1", accepted.JobID)
	assert.Equal(moderation.StatusQueued, accepted.Status)

	assert.Eventually(func() bool {
		rec := doRequest(srv, http.MethodGet, "/jobs/job1", "")
		var st JobStatusResponse
		return rec.Code == http.StatusOK && json.Unmarshal(rec.Body.Bytes(), &st) == nil && st.Status == moderation.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	rec = doRequest(srv, http.MethodGet, "/jobs/job1/result", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var res moderation.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(moderation.DecisionBlock, res.Decision)
	assert.NotEmpty(res.AuditID)

	assert.Eventually(func() bool {
		return doRequest(srv, http.MethodGet, "/audit/"+res.AuditID, "").Code == http.StatusOK
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(http.StatusNotFound, doRequest(srv, http.MethodGet, "/jobs/nope", "").Code)
	assert.Equal(http.StatusNotFound, doRequest(srv, http.MethodGet, "/jobs/nope/result", "").Code)
	assert.Equal(http.StatusNotFound, doRequest(srv, http.MethodGet, "/audit/nope", "").Code)
}

func TestModerateEndpoint(t *testing.T) {
	assert := assert.New(t)
	srv := testServer(t, service.Config{})

	rec := doRequest(srv, http.MethodPost, "/moderate", textBody("", "hello there"))
	require.Equal(t, http.StatusOK, rec.Code)
	var res moderation.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(moderation.DecisionApprove, res.Decision)

	rec = doRequest(srv, http.MethodPost, "/moderate", `{"kind":"text"}`)
	assert.Equal(http.StatusBadRequest, rec.Code)
	var ge GenericError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ge))
	assert.Equal("BadRequest", ge.Error)

	rec = doRequest(srv, http.MethodPost, "/moderate", `{"kind":`)
	assert.Equal(http.StatusBadRequest, rec.Code)
}

func TestAdmissionStatusCodes(t *testing.T) {
	assert := assert.New(t)
	srv := testServer(t, service.Config{RateLimit: 1})

	assert.Equal(http.StatusOK, doRequest(srv, http.MethodPost, "/moderate", textBody("", "first")).Code)

	rec := doRequest(srv, http.MethodPost, "/moderate", textBody("", "second"))
	assert.Equal(http.StatusTooManyRequests, rec.Code)
	assert.Equal("1", rec.Header().Get("Retry-After"))
	var ge GenericError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ge))
	assert.Equal("AdmissionRejected:rate-limited", ge.Error)
}

func TestStatusForError(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(http.StatusTooManyRequests, statusForError(&moderation.AdmissionError{Reason: moderation.ReasonRateLimited}))
	assert.Equal(http.StatusServiceUnavailable, statusForError(&moderation.AdmissionError{Reason: moderation.ReasonQueueOverflow, Depth: 11, Limit: 10}))
	assert.Equal(http.StatusServiceUnavailable, statusForError(moderation.ErrQueueUnavailable))
	assert.Equal(http.StatusServiceUnavailable, statusForError(moderation.ErrShuttingDown))
	assert.Equal(http.StatusGatewayTimeout, statusForError(moderation.ErrComputationTimeout))
	assert.Equal(http.StatusBadRequest, statusForError(moderation.ErrBadRequest))
	assert.Equal(http.StatusInternalServerError, statusForError(context.Canceled))
}

func TestHealthCheck(t *testing.T) {
	assert := assert.New(t)
	srv := testServer(t, service.Config{})

	assert.Equal(http.StatusOK, doRequest(srv, http.MethodGet, "/_health", "").Code)
	require.NoError(t, srv.svc.Queue.Close())
	assert.Equal(http.StatusServiceUnavailable, doRequest(srv, http.MethodGet, "/_health", "").Code)
}

func TestSplitServers(t *testing.T) {
	assert := assert.New(t)
	assert.Equal([]string{"a:11211", "b:11211", "c:11211"}, splitServers([]string{"a:11211, b:11211", "c:11211"}))
	assert.Empty(splitServers([]string{""}))
}
