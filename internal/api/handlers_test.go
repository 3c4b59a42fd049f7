package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobarin/avatarcast/internal/jobs"
	"github.com/bobarin/avatarcast/internal/models"
	"github.com/bobarin/avatarcast/internal/progress"
	"github.com/bobarin/avatarcast/internal/quota"
	"github.com/bobarin/avatarcast/internal/render"
	"github.com/bobarin/avatarcast/internal/worker"
)

const testAPIKey = "secret-key"

type okProvider struct{}

func (okProvider) Name() string { return models.ProviderRenderBackend }

func (okProvider) Attempt(ctx context.Context, req render.Request, report render.Reporter) (*models.Result, error) {
	report(1)
	return &models.Result{URLs: []string{"https://cdn.example.com/" + req.JobID.String() + ".mp4"}}, nil
}

type denyAll struct{ err error }

func (d denyAll) Allow(ctx context.Context, key string) (bool, error) { return false, d.err }

type testServer struct {
	router http.Handler
	worker *worker.Worker
	plans  quota.StaticPlans
}

func newTestServer(t *testing.T, cfg RouterConfig) *testServer {
	t.Helper()
	plans := quota.StaticPlans{Plans: map[uuid.UUID]models.Plan{}}
	store := jobs.NewMemoryStore()
	repo := jobs.NewRepository(store, progress.NewCache(time.Minute))
	evaluator := quota.NewEvaluator(plans, store, quota.DefaultTiers(1, 20))
	w := worker.New(repo, evaluator, render.NewChain(zerolog.Nop(), okProvider{}), nil, worker.Config{}, zerolog.Nop())
	t.Cleanup(func() { _ = w.Shutdown(context.Background()) })

	cfg.BackendAPIKey = testAPIKey
	cfg.Logger = zerolog.Nop()
	return &testServer{router: NewRouter(NewHandler(w, zerolog.Nop()), cfg), worker: w, plans: plans}
}

func (s *testServer) do(t *testing.T, method, path string, owner uuid.UUID, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("X-API-Key", testAPIKey)
	if owner != uuid.Nil {
		req.Header.Set("X-Owner-ID", owner.String())
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func createBody() models.CreateJobRequest {
	return models.CreateJobRequest{
		Avatar:      models.Avatar{ID: "a1", ImageURL: "https://cdn.example.com/a.png"},
		Voice:       models.Voice{Provider: "elevenlabs", ID: "v1"},
		Backgrounds: []models.Background{{Color: "#ffffff"}},
		Text:        "Hello from the API",
	}
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealthIsPublic(t *testing.T) {
	s := newTestServer(t, RouterConfig{})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthAndIdentity(t *testing.T) {
	s := newTestServer(t, RouterConfig{})

	tests := []struct {
		name   string
		key    string
		owner  string
		status int
	}{
		{"missing key", "", uuid.NewString(), http.StatusUnauthorized},
		{"wrong key", "nope", uuid.NewString(), http.StatusForbidden},
		{"missing owner", testAPIKey, "", http.StatusUnauthorized},
		{"malformed owner", testAPIKey, "not-a-uuid", http.StatusUnauthorized},
		{"ok", testAPIKey, uuid.NewString(), http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/quota", nil)
			if tt.key != "" {
				req.Header.Set("X-API-Key", tt.key)
			}
			if tt.owner != "" {
				req.Header.Set("X-Owner-ID", tt.owner)
			}
			rec := httptest.NewRecorder()
			s.router.ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestCreateAndPoll(t *testing.T) {
	s := newTestServer(t, RouterConfig{})
	owner := uuid.New()

	rec := s.do(t, http.MethodPost, "/v1/jobs", owner, createBody())
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	created := decode[models.CreateJobResponse](t, rec)
	s.worker.Wait()

	rec = s.do(t, http.MethodGet, "/v1/jobs/"+created.JobID.String()+"/status", owner, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	view := decode[models.JobStatusView](t, rec)
	assert.Equal(t, models.JobStatusCompleted, view.Status)
	assert.Equal(t, 100, view.Progress)
	require.NotNil(t, view.ResultURL)
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	rec = s.do(t, http.MethodGet, "/v1/jobs/"+created.JobID.String(), owner, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	job := decode[models.Job](t, rec)
	assert.Equal(t, models.QualityHD, job.Settings.Quality)

	rec = s.do(t, http.MethodGet, "/v1/jobs", owner, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[models.ListJobsResponse](t, rec)
	assert.Equal(t, 1, list.Total)
}

func TestOtherOwnersJobIsNotFound(t *testing.T) {
	s := newTestServer(t, RouterConfig{})
	owner := uuid.New()

	rec := s.do(t, http.MethodPost, "/v1/jobs", owner, createBody())
	require.Equal(t, http.StatusAccepted, rec.Code)
	created := decode[models.CreateJobResponse](t, rec)
	s.worker.Wait()

	rec = s.do(t, http.MethodGet, "/v1/jobs/"+created.JobID.String()+"/status", uuid.New(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodGet, "/v1/jobs/not-a-uuid", owner, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestErrorMapping(t *testing.T) {
	s := newTestServer(t, RouterConfig{})
	owner := uuid.New()

	t.Run("validation", func(t *testing.T) {
		body := createBody()
		body.Text = ""
		rec := s.do(t, http.MethodPost, "/v1/jobs", owner, body)
		require.Equal(t, http.StatusBadRequest, rec.Code)
		eb := decode[errorBody](t, rec)
		assert.Equal(t, "validation_error", eb.Code)
		assert.Equal(t, []any{"text"}, eb.Details["fields"])
	})

	t.Run("malformed body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/jobs", bytes.NewBufferString("{"))
		req.Header.Set("X-API-Key", testAPIKey)
		req.Header.Set("X-Owner-ID", owner.String())
		rec := httptest.NewRecorder()
		s.router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	// Free tier, limit 1.
	rec := s.do(t, http.MethodPost, "/v1/jobs", owner, createBody())
	require.Equal(t, http.StatusAccepted, rec.Code)
	created := decode[models.CreateJobResponse](t, rec)
	s.worker.Wait()
	id := created.JobID.String()

	t.Run("quota exceeded", func(t *testing.T) {
		rec := s.do(t, http.MethodPost, "/v1/jobs", owner, createBody())
		require.Equal(t, http.StatusPaymentRequired, rec.Code)
		eb := decode[errorBody](t, rec)
		assert.Equal(t, "quota_exceeded", eb.Code)
		assert.EqualValues(t, 1, eb.Details["limit"])
		assert.EqualValues(t, 1, eb.Details["used"])
		assert.Equal(t, "free", eb.Details["plan"])
	})

	t.Run("edit not allowed on free tier", func(t *testing.T) {
		rec := s.do(t, http.MethodPost, "/v1/jobs/"+id+"/edit", owner, createBody())
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Equal(t, "edit_limit_reached", decode[errorBody](t, rec).Code)
	})

	t.Run("social export not allowed on free tier", func(t *testing.T) {
		rec := s.do(t, http.MethodPost, "/v1/jobs/"+id+"/export", owner, models.ExportJobRequest{Mode: models.ExportModeSocial})
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("download export is watermarked", func(t *testing.T) {
		rec := s.do(t, http.MethodPost, "/v1/jobs/"+id+"/export", owner, nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		out := decode[models.ExportResult](t, rec)
		assert.True(t, out.Watermarked)
		assert.Equal(t, models.ExportModeDownload, out.Mode)
	})

	t.Run("unknown job", func(t *testing.T) {
		rec := s.do(t, http.MethodPost, "/v1/jobs/"+uuid.NewString()+"/duplicate", owner, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestQuotaEndpoint(t *testing.T) {
	s := newTestServer(t, RouterConfig{})
	owner := uuid.New()
	s.plans.Plans[owner] = models.PlanEnterprise

	rec := s.do(t, http.MethodGet, "/v1/quota", owner, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "enterprise", body["plan"])
	assert.EqualValues(t, -1, body["monthly_limit"])
	assert.EqualValues(t, -1, body["remaining"])
	assert.EqualValues(t, 0, body["videos_used_this_month"])
	assert.Equal(t, "4k", body["max_quality"])
}

func TestRateLimitedRoutes(t *testing.T) {
	s := newTestServer(t, RouterConfig{Limiter: denyAll{}})
	owner := uuid.New()

	rec := s.do(t, http.MethodPost, "/v1/jobs", owner, createBody())
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))

	rec = s.do(t, http.MethodGet, "/v1/quota", owner, nil)
	assert.Equal(t, http.StatusOK, rec.Code, "reads are not limited")
}

func TestRateLimiterFailureFailsOpen(t *testing.T) {
	s := newTestServer(t, RouterConfig{Limiter: denyAll{err: errors.New("redis down")}})

	rec := s.do(t, http.MethodPost, "/v1/jobs", uuid.New(), createBody())
	assert.Equal(t, http.StatusAccepted, rec.Code)
	s.worker.Wait()
}
