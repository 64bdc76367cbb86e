package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commitdiary/stepper/pkg/logging"
)

type fakePinger struct{ err error }

func (f fakePinger) Health(ctx context.Context) error { return f.err }

func TestCheckHealth(t *testing.T) {
	tests := []struct {
		name     string
		checkers map[string]Checker
		want     Status
	}{
		{
			name:     "no checkers",
			checkers: nil,
			want:     StatusHealthy,
		},
		{
			name:     "redis up",
			checkers: map[string]Checker{"redis": NewRedisChecker(fakePinger{}, "redis")},
			want:     StatusHealthy,
		},
		{
			name: "one degraded",
			checkers: map[string]Checker{
				"redis": NewRedisChecker(fakePinger{}, "redis"),
				"providers": NewCustomChecker("providers", func(ctx context.Context) (Status, string, error) {
					return StatusDegraded, "1 of 2 providers healthy", nil
				}),
			},
			want: StatusDegraded,
		},
		{
			name: "redis down wins",
			checkers: map[string]Checker{
				"redis": NewRedisChecker(fakePinger{err: errors.New("connection refused")}, "redis"),
				"providers": NewCustomChecker("providers", func(ctx context.Context) (Status, string, error) {
					return StatusDegraded, "", nil
				}),
			},
			want: StatusUnhealthy,
		},
		{
			name:     "nil redis",
			checkers: map[string]Checker{"redis": NewRedisChecker(nil, "redis")},
			want:     StatusUnhealthy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewService(logging.NewNopLogger(), nil)
			for name, c := range tt.checkers {
				s.RegisterChecker(name, c)
			}
			assert.Equal(t, tt.want, s.CheckHealth(context.Background()).Status)
		})
	}
}

func TestCustomCheckerErrorMarksUnhealthy(t *testing.T) {
	c := NewCustomChecker("x", func(ctx context.Context) (Status, string, error) {
		return StatusHealthy, "", errors.New("boom")
	}).WithMetadata(map[string]string{"k": "v"})

	check := c.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, check.Status)
	assert.Equal(t, "boom", check.Error)
	assert.Equal(t, "v", check.Metadata["k"])
}

func TestHandlers(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s := NewService(logging.NewNopLogger(), nil)
	s.RegisterChecker("redis", NewRedisChecker(fakePinger{err: errors.New("down")}, "redis"))

	router := gin.New()
	router.GET("/live", s.LivenessHandler())
	router.GET("/ready", s.ReadinessHandler())

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/live", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, false, body["ready"])
	assert.Equal(t, "unhealthy", body["status"])
}
