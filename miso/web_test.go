package miso

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestBuildRailPropagatesTrace(t *testing.T) {
	engine := NewEngine()
	var first, second Rail
	engine.GET("/trace", func(c *gin.Context) {
		first = BuildRail(c)
		second = BuildRail(c)
		c.Status(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodGet, "/trace", nil)
	req.Header.Set(XTraceId, "abc123")
	req.Header.Set(XUsername, "alice")
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "abc123", first.TraceId())
	assert.Equal(t, "alice", first.CtxValStr(XUsername))
	assert.Equal(t, first.TraceId(), second.TraceId())
	assert.Equal(t, first.SpanId(), second.SpanId())
}

func TestBuildRailNewTrace(t *testing.T) {
	engine := NewEngine()
	var r1, r2 Rail
	engine.GET("/trace", func(c *gin.Context) {
		r1 = BuildRail(c)
		r2 = BuildRail(c)
	})

	engine.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/trace", nil))
	assert.NotEmpty(t, r1.TraceId())
	assert.Equal(t, r1.TraceId(), r2.TraceId())
}

func TestDefaultRecovery(t *testing.T) {
	engine := NewEngine()
	engine.GET("/panic", func(c *gin.Context) {
		panic("oops")
	})
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "error")
}

func TestPrometheusHandler(t *testing.T) {
	engine := NewEngine()
	PerfLogExclPath("/metrics")
	engine.GET("/metrics", gin.WrapH(PrometheusHandler()))
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestWaitForSignalCtxDone(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Nil(t, WaitForSignal(ctx))
}
