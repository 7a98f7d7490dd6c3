package handler_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/HealthFlowEgy/wasslchat/internal/controller"
	"github.com/HealthFlowEgy/wasslchat/internal/handler"
	"github.com/HealthFlowEgy/wasslchat/internal/repository"
	"github.com/HealthFlowEgy/wasslchat/internal/service"
)

func newRouter(logger *zap.Logger, checks map[string]handler.HealthCheck) http.Handler {
	store := repository.NewMemoryStore()
	ctrl := &controller.CampaignController{CampaignService: &service.CampaignService{Store: store, Contacts: store}}
	return handler.NewRouter(ctrl, logger, checks)
}

func TestHealth(t *testing.T) {
	ok := newRouter(zap.NewNop(), map[string]handler.HealthCheck{
		"database": func(context.Context) error { return nil },
	})
	w := httptest.NewRecorder()
	ok.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	degraded := newRouter(zap.NewNop(), map[string]handler.HealthCheck{
		"database": func(context.Context) error { return nil },
		"broker":   func(context.Context) error { return errors.New("connection refused") },
	})
	w = httptest.NewRecorder()
	degraded.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var body map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, "ok", body["database"])
	assert.Equal(t, "connection refused", body["broker"])
}

func TestMetricsEndpoint(t *testing.T) {
	r := newRouter(zap.NewNop(), nil)

	// one request so the route counter has a sample
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), `http_requests_total{method="GET",route="/healthz",status="200"}`))
}

func TestRequestLogger(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	r := newRouter(zap.New(core), nil)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/campaigns", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code, "tenant header required")

	entries := logs.FilterMessage("request").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "/campaigns", fields["path"])
	assert.EqualValues(t, http.StatusUnauthorized, fields["status"])
}
