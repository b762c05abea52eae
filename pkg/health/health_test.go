package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRunWorstStatusWins(t *testing.T) {
	c := NewChecker()
	c.Register("catalog", PingCheck(func(context.Context) error { return nil }))
	c.Register("redis", OptionalCheck(func(context.Context) error { return errors.New("refused") }))

	report := c.Run(context.Background())
	require.Equal(t, StatusDegraded, report.Status)
	require.Equal(t, StatusUp, report.Components["catalog"].Status)
	require.Equal(t, "refused", report.Components["redis"].Message)

	c.Register("audit", PingCheck(func(context.Context) error { return errors.New("closed") }))
	require.Equal(t, StatusDown, c.Run(context.Background()).Status)
}

func TestReadyHandler(t *testing.T) {
	c := NewChecker()
	c.Register("catalog", PingCheck(func(context.Context) error { return nil }))

	rec := httptest.NewRecorder()
	c.ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var report Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	require.Equal(t, StatusUp, report.Status)

	c.Register("broken", PingCheck(func(context.Context) error { return errors.New("x") }))
	rec = httptest.NewRecorder()
	c.ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	c.LiveHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}
