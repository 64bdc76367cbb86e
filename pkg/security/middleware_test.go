package security

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commitdiary/stepper/pkg/logging"
)

func TestAPIKeyMiddleware(t *testing.T) {
	config := APIKeyConfig{Enabled: true, Key: "k-123", HeaderName: "x-api-key", SkipHealth: true}

	tests := []struct {
		name   string
		path   string
		key    string
		status int
	}{
		{"valid key", "/test", "k-123", http.StatusOK},
		{"missing key", "/test", "", http.StatusUnauthorized},
		{"wrong key", "/test", "k-124", http.StatusUnauthorized},
		{"health skipped", "/health", "", http.StatusOK},
	}

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(APIKeyMiddleware(config, logging.NewNopLogger()))
	router.GET("/test", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.key != "" {
				req.Header.Set("x-api-key", tt.key)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			assert.Equal(t, tt.status, w.Code)
		})
	}
}

func TestAPIKeyMiddleware_MissingServerKey(t *testing.T) {
	router := newRouter(APIKeyMiddleware(APIKeyConfig{Enabled: true}, logging.NewNopLogger()))

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set("x-api-key", "anything")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "Server configuration error")
}

func TestAPIKeyMiddleware_Disabled(t *testing.T) {
	router := newRouter(APIKeyMiddleware(APIKeyConfig{}, logging.NewNopLogger()))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimiter_IP(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{Enabled: true, Window: time.Minute, MaxPerIP: 2, SkipHealth: true}, logging.NewNopLogger())
	router := newRouter(rl.IPMiddleware())
	router.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))
		codes = append(codes, w.Code)
		if w.Code == http.StatusTooManyRequests {
			assert.NotEmpty(t, w.Header().Get("Retry-After"))
			var body map[string]interface{}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, "Too many requests", body["error"])
		}
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	// Health checks are never limited.
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimiter_User(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{Enabled: true, Window: time.Minute, MaxPerUser: 1}, logging.NewNopLogger())

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/v1/reports", rl.UserMiddleware(), func(c *gin.Context) {
		var body struct {
			UserID string `json:"userId"`
		}
		require.NoError(t, c.ShouldBindBodyWith(&body, binding.JSON))
		c.JSON(http.StatusOK, gin.H{"userId": body.UserID})
	})

	post := func(user string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/v1/reports", strings.NewReader(`{"userId":"`+user+`"}`))
		req.Header.Set("Content-Type", "application/json")
		router.ServeHTTP(w, req)
		return w
	}

	first := post("u1")
	assert.Equal(t, http.StatusOK, first.Code)
	assert.Contains(t, first.Body.String(), `"userId":"u1"`)
	assert.Equal(t, http.StatusTooManyRequests, post("u1").Code)
	assert.Equal(t, http.StatusOK, post("u2").Code)
}

func TestRateLimiter_WindowResetAndSweep(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{Enabled: true, Window: time.Minute, MaxPerIP: 1}, logging.NewNopLogger())
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }
	router := newRouter(rl.IPMiddleware())

	get := func() int {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))
		return w.Code
	}

	assert.Equal(t, http.StatusOK, get())
	assert.Equal(t, http.StatusTooManyRequests, get())

	now = now.Add(time.Minute)
	assert.Equal(t, http.StatusOK, get())

	now = now.Add(2 * time.Minute)
	assert.Equal(t, 1, rl.Sweep())
}
