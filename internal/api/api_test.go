package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/commitdiary/stepper/internal/orchestrator"
	"github.com/commitdiary/stepper/internal/queue"
	"github.com/commitdiary/stepper/pkg/config"
	"github.com/commitdiary/stepper/pkg/errors"
	"github.com/commitdiary/stepper/pkg/logging"
	"github.com/commitdiary/stepper/pkg/security"
	"github.com/commitdiary/stepper/pkg/types"
)

// MockReportService is a mock implementation of orchestrator.ReportService
type MockReportService struct {
	mock.Mock
}

func (m *MockReportService) RequestReport(ctx context.Context, input *types.PromptInput, opts orchestrator.RequestOptions) (*orchestrator.RequestResponse, error) {
	args := m.Called(ctx, input, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*orchestrator.RequestResponse), args.Error(1)
}

func (m *MockReportService) GenerateNow(ctx context.Context, input *types.PromptInput) (*types.ReportResult, error) {
	args := m.Called(ctx, input)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*types.ReportResult), args.Error(1)
}

func (m *MockReportService) GetJob(ctx context.Context, jobID string) (*orchestrator.JobView, error) {
	args := m.Called(ctx, jobID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*orchestrator.JobView), args.Error(1)
}

func (m *MockReportService) DeleteReport(ctx context.Context, userID, commitSHA, template string) error {
	args := m.Called(ctx, userID, commitSHA, template)
	return args.Error(0)
}

func (m *MockReportService) Health(ctx context.Context) *orchestrator.HealthReport {
	args := m.Called(ctx)
	return args.Get(0).(*orchestrator.HealthReport)
}

func (m *MockReportService) Start(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockReportService) Stop(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func testConfig() *config.Config {
	return &config.Config{
		Logging: config.LoggingConfig{Level: "info"},
	}
}

func newTestRouter(svc orchestrator.ReportService, cfg *config.Config, limiter *security.RateLimiter) *gin.Engine {
	gin.SetMode(gin.TestMode)
	return NewRouter(RouterDeps{
		Config:      cfg,
		Service:     svc,
		RateLimiter: limiter,
		Logger:      logging.NewNopLogger(),
	})
}

func validBody() map[string]interface{} {
	return map[string]interface{}{
		"userId":      "user-1",
		"commitSha":   "abc123",
		"repo":        "acme/widgets",
		"message":     "Add retry budget",
		"files":       []string{"retry.go"},
		"components":  []string{"resilience"},
		"diffSummary": "+ budget",
	}
}

func doJSON(t *testing.T, router http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func sampleReport() *types.Report {
	return &types.Report{Title: "Add retry budget to providers", Tags: "resilience"}
}

func TestRootEndpoint(t *testing.T) {
	router := newTestRouter(&MockReportService{}, testConfig(), nil)

	w := doJSON(t, router, http.MethodGet, "/", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	assert.Equal(t, "stepper", body["service"])
	assert.Equal(t, "1.0.0", body["version"])
	assert.Contains(t, body["endpoints"], "POST /v1/reports")
	assert.NotEmpty(t, w.Header().Get(requestIDHeader))
}

func TestCreateReport(t *testing.T) {
	t.Run("missing fields", func(t *testing.T) {
		svc := &MockReportService{}
		router := newTestRouter(svc, testConfig(), nil)

		w := doJSON(t, router, http.MethodPost, "/v1/reports", map[string]string{"userId": "user-1"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "Missing required fields: userId, commitSha, repo, message", decode(t, w)["error"])
		svc.AssertNotCalled(t, "RequestReport", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("queued", func(t *testing.T) {
		svc := &MockReportService{}
		svc.On("RequestReport", mock.Anything, mock.MatchedBy(func(in *types.PromptInput) bool {
			return in.UserID == "user-1" && in.Repo == "acme/widgets"
		}), orchestrator.RequestOptions{Priority: queue.PriorityHigh, CallbackURL: "https://example.com/hook"}).
			Return(&orchestrator.RequestResponse{Status: orchestrator.RequestStatusQueued, JobID: "job-1"}, nil)
		router := newTestRouter(svc, testConfig(), nil)

		body := validBody()
		body["priority"] = 10
		body["callbackUrl"] = "https://example.com/hook"
		w := doJSON(t, router, http.MethodPost, "/v1/reports", body)

		require.Equal(t, http.StatusAccepted, w.Code)
		resp := decode(t, w)
		assert.Equal(t, "queued", resp["status"])
		assert.Equal(t, "job-1", resp["jobId"])
		assert.Equal(t, "/v1/reports/job-1", resp["statusUrl"])
		svc.AssertExpectations(t)
	})

	t.Run("cached", func(t *testing.T) {
		svc := &MockReportService{}
		svc.On("RequestReport", mock.Anything, mock.Anything, mock.Anything).
			Return(&orchestrator.RequestResponse{
				Status: orchestrator.RequestStatusCompleted,
				Cached: true,
				Stale:  true,
				Data:   sampleReport(),
			}, nil)
		router := newTestRouter(svc, testConfig(), nil)

		w := doJSON(t, router, http.MethodPost, "/v1/reports", validBody())
		require.Equal(t, http.StatusOK, w.Code)
		resp := decode(t, w)
		assert.Equal(t, "completed", resp["status"])
		assert.Equal(t, true, resp["cached"])
		assert.Equal(t, true, resp["stale"])
		assert.Equal(t, "Add retry budget to providers", resp["data"].(map[string]interface{})["title"])
	})

	t.Run("service failure", func(t *testing.T) {
		svc := &MockReportService{}
		svc.On("RequestReport", mock.Anything, mock.Anything, mock.Anything).
			Return(nil, errors.NewInternalError("failed to enqueue report job"))
		router := newTestRouter(svc, testConfig(), nil)

		w := doJSON(t, router, http.MethodPost, "/v1/reports", validBody())
		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Equal(t, "Internal server error", decode(t, w)["error"])
	})
}

func TestCreateImmediateReport(t *testing.T) {
	svc := &MockReportService{}
	svc.On("GenerateNow", mock.Anything, mock.Anything).Return(&types.ReportResult{
		Result:       sampleReport(),
		UsedProvider: types.FallbackProvider,
		Fallback:     true,
		ProvidersAttempted: []types.ProviderAttempt{
			{Provider: "gemini", AttemptNumber: 0, Skipped: types.SkipCircuitOpen},
		},
		Timings: types.Timings{TotalMs: 12},
	}, nil)
	router := newTestRouter(svc, testConfig(), nil)

	w := doJSON(t, router, http.MethodPost, "/v1/reports/immediate", validBody())
	require.Equal(t, http.StatusOK, w.Code)

	resp := decode(t, w)
	assert.Equal(t, "completed", resp["status"])
	metadata := resp["metadata"].(map[string]interface{})
	assert.Equal(t, "fallback", metadata["provider"])
	assert.Equal(t, true, metadata["fallback"])
	assert.Len(t, metadata["providersAttempted"], 1)
}

func TestGetReport(t *testing.T) {
	svc := &MockReportService{}
	svc.On("GetJob", mock.Anything, "missing").Return(nil, errors.NewNotFoundError("job"))
	svc.On("GetJob", mock.Anything, "job-1").Return(&orchestrator.JobView{
		ID:       "job-1",
		Status:   queue.JobStatusCompleted,
		Progress: 100,
		Data:     sampleReport(),
	}, nil)
	router := newTestRouter(svc, testConfig(), nil)

	w := doJSON(t, router, http.MethodGet, "/v1/reports/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "Job not found", decode(t, w)["error"])

	w = doJSON(t, router, http.MethodGet, "/v1/reports/job-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode(t, w)
	assert.Equal(t, "job-1", resp["id"])
	assert.Equal(t, "completed", resp["status"])
	assert.Equal(t, float64(100), resp["progress"])
}

func TestDeleteReport(t *testing.T) {
	svc := &MockReportService{}
	svc.On("DeleteReport", mock.Anything, "", "abc123", "").
		Return(errors.NewValidationError("Missing required query parameters: userId, commitSha"))
	svc.On("DeleteReport", mock.Anything, "user-1", "abc123", "weekly").Return(nil)
	router := newTestRouter(svc, testConfig(), nil)

	w := doJSON(t, router, http.MethodDelete, "/v1/reports?commitSha=abc123", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Missing required query parameters: userId, commitSha", decode(t, w)["error"])

	w = doJSON(t, router, http.MethodDelete, "/v1/reports?userId=user-1&commitSha=abc123&template=weekly", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode(t, w)
	assert.Equal(t, true, resp["success"])
	assert.Equal(t, "Cache entry deleted", resp["message"])
}

func TestHealthEndpoint(t *testing.T) {
	tests := []struct {
		status string
		code   int
	}{
		{orchestrator.HealthStatusHealthy, http.StatusOK},
		{orchestrator.HealthStatusDegraded, http.StatusOK},
		{orchestrator.HealthStatusUnhealthy, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			svc := &MockReportService{}
			svc.On("Health", mock.Anything).Return(&orchestrator.HealthReport{
				Status:    tt.status,
				Providers: []orchestrator.ProviderHealthView{{Name: "gemini", Healthy: tt.status != orchestrator.HealthStatusUnhealthy}},
				Timestamp: "2024-05-01T12:00:00.000Z",
			})
			router := newTestRouter(svc, testConfig(), nil)

			w := doJSON(t, router, http.MethodGet, "/health", nil)
			assert.Equal(t, tt.code, w.Code)
			assert.Equal(t, tt.status, decode(t, w)["status"])
		})
	}
}

func TestAPIKeyRequired(t *testing.T) {
	cfg := testConfig()
	cfg.API.APIKey = config.APIKeyConfig{Enabled: true, Header: "x-api-key", SkipHealth: true}

	svc := &MockReportService{}
	svc.On("Health", mock.Anything).Return(&orchestrator.HealthReport{Status: orchestrator.HealthStatusHealthy})
	router := newTestRouter(svc, cfg, nil)

	w := doJSON(t, router, http.MethodPost, "/v1/reports", validBody())
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "Server configuration error", decode(t, w)["error"])

	w = doJSON(t, router, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestUserRateLimitKeepsBodyReadable(t *testing.T) {
	svc := &MockReportService{}
	svc.On("RequestReport", mock.Anything, mock.Anything, mock.Anything).
		Return(&orchestrator.RequestResponse{Status: orchestrator.RequestStatusQueued, JobID: "job-1"}, nil)

	limiter := security.NewRateLimiter(security.RateLimitConfig{
		Enabled:    true,
		Window:     15 * time.Minute,
		MaxPerIP:   100,
		MaxPerUser: 1,
		SkipHealth: true,
	}, logging.NewNopLogger())
	router := newTestRouter(svc, testConfig(), limiter)

	w := doJSON(t, router, http.MethodPost, "/v1/reports", validBody())
	require.Equal(t, http.StatusAccepted, w.Code)

	w = doJSON(t, router, http.MethodPost, "/v1/reports", validBody())
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	svc.AssertNumberOfCalls(t, "RequestReport", 1)
}

func TestRecoveryMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RecoveryMiddleware(logging.NewNopLogger(), nil))
	router.GET("/boom", func(c *gin.Context) { panic("boom") })

	w := doJSON(t, router, http.MethodGet, "/boom", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "Internal server error", decode(t, w)["error"])
}

func TestUnknownRoute(t *testing.T) {
	router := newTestRouter(&MockReportService{}, testConfig(), nil)

	w := doJSON(t, router, http.MethodGet, "/v2/nothing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
