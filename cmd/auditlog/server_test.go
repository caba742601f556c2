package main

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/curtisnewbie/shopbus/encoding/json"
	"github.com/curtisnewbie/shopbus/middleware/auditlog"
	"github.com/curtisnewbie/shopbus/middleware/rabbit"
	"github.com/curtisnewbie/shopbus/middleware/rabbit/rabbittest"
	"github.com/curtisnewbie/shopbus/miso"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, b *rabbittest.Broker) *rabbit.Client {
	t.Helper()
	c := rabbit.NewClient(rabbit.Config{
		ExchangeName: "shopbus",
		ExchangeKind: "topic",
		Confirm:      true,
		RpcTimeout:   time.Second,
	}, rabbit.WithDialer(b.Dial))
	t.Cleanup(func() { _ = c.Close(miso.EmptyRail()) })
	return c
}

func TestAuditLogService(t *testing.T) {
	b := rabbittest.New()
	svc := newTestClient(t, b)
	caller := newTestClient(t, b)

	rail, cancel := miso.EmptyRail().WithCancel()
	defer cancel()

	sink := auditlog.NewMemSink(10)
	require.NoError(t, bootstrap(rail, svc, sink, "salt"))

	pipeline := auditlog.NewPipeline(caller)
	for _, st := range []int{200, 201, 500} {
		ok, err := pipeline.Send(rail, auditlog.Event{Service: "order-service", Action: "POST /orders", Method: "POST", ResponseStatus: st})
		require.NoError(t, err)
		require.True(t, ok)
	}
	require.Eventually(t, func() bool { return sink.Stats().Total == 3 }, 2*time.Second, 5*time.Millisecond)

	// rpc
	echo, err := caller.Call(rail, RpcQueueEcho, map[string]any{"ping": 1}, time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ping":1}`, string(echo))

	stats, err := rabbit.CallJson[auditlog.Stats](caller, rail, RpcQueueStats, nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 1, stats.Failures)
	assert.Equal(t, 3, stats.ByService["order-service"])

	// http
	router := newRouter(svc, sink)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/audit/logs?status=failure&limit=5", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var records []auditlog.Record
	require.NoError(t, json.ParseJson(w.Body.Bytes(), &records))
	require.Len(t, records, 1)
	assert.Equal(t, 500, records[0].StatusCode)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/audit/logs?limit=x", nil))
	require.NoError(t, json.ParseJson(w.Body.Bytes(), &records))
	assert.Len(t, records, 3)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "shopbus_rabbitmq_rpc_call_duration_seconds")
}

func TestHealthDown(t *testing.T) {
	c := newTestClient(t, rabbittest.New())
	w := httptest.NewRecorder()
	newRouter(c, auditlog.NewMemSink(1)).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
