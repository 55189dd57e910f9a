package handler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/lms-billing-api/internal/service"
)

type pingerStub struct{ err error }

func (p pingerStub) PingContext(ctx context.Context) error { return p.err }

func TestHealthAndReadiness(t *testing.T) {
	router := newTestRouter(Handlers{Metrics: NewMetricsHandler(service.NewMetricsService(), pingerStub{})})

	assert.Equal(t, http.StatusOK, performRequest(router, httptest.NewRequest(http.MethodGet, "/health", nil)).Code)
	assert.Equal(t, http.StatusOK, performRequest(router, httptest.NewRequest(http.MethodGet, "/ready", nil)).Code)

	down := newTestRouter(Handlers{Metrics: NewMetricsHandler(nil, pingerStub{err: errors.New("connection refused")})})
	assert.Equal(t, http.StatusServiceUnavailable, performRequest(down, httptest.NewRequest(http.MethodGet, "/ready", nil)).Code)
	assert.Equal(t, http.StatusServiceUnavailable, performRequest(down, httptest.NewRequest(http.MethodGet, "/metrics", nil)).Code)
}

func TestMetricsEndpointServesPrometheus(t *testing.T) {
	metrics := service.NewMetricsService()
	metrics.ObserveHTTPRequest(http.MethodGet, "/api/v1/courses/:courseId/access", http.StatusOK, 0)
	router := newTestRouter(Handlers{Metrics: NewMetricsHandler(metrics, nil)})

	resp := performRequest(router, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), "courseId")
}

func TestRegisterRoutesSkipsMissingHandlers(t *testing.T) {
	router := newTestRouter(Handlers{})

	resp := performRequest(router, httptest.NewRequest(http.MethodGet, "/api/v1/enrollments", nil))
	assert.Equal(t, http.StatusNotFound, resp.Code)
}
