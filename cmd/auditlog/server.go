package main

import (
	"net/http"

	"github.com/curtisnewbie/shopbus/encoding/json"
	"github.com/curtisnewbie/shopbus/middleware/auditlog"
	"github.com/curtisnewbie/shopbus/middleware/rabbit"
	"github.com/curtisnewbie/shopbus/miso"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cast"
)

const (
	RpcQueueEcho  = "auditlog.echo"
	RpcQueueStats = "auditlog.stats"

	defaultQueryLimit = 50
)

// Subscribe to audit events and register the rpc handlers, all of them are stopped when the rail is cancelled.
func bootstrap(rail miso.Rail, c *rabbit.Client, sink *auditlog.MemSink, salt string) error {
	if _, err := auditlog.Listen(c, rail, salt, auditlog.MultiSink{sink, auditlog.LogSink{}}); err != nil {
		return err
	}

	// health check for other services, the request is sent back as it is
	err := c.RegisterHandler(rail, RpcQueueEcho, func(rail miso.Rail, req json.RawMessage) (any, error) {
		return req, nil
	})
	if err != nil {
		return err
	}

	return c.RegisterHandler(rail, RpcQueueStats, func(rail miso.Rail, req json.RawMessage) (any, error) {
		return sink.Stats(), nil
	})
}

func newRouter(c *rabbit.Client, sink *auditlog.MemSink) *gin.Engine {
	engine := miso.NewEngine()

	metricsRoute := miso.GetPropStr(miso.PropMetricsRoute)
	miso.PerfLogExclPath(metricsRoute)
	miso.PerfLogExclPath("/health")
	engine.GET(metricsRoute, gin.WrapH(miso.PrometheusHandler()))

	engine.GET("/health", func(ctx *gin.Context) {
		if !c.Connected() {
			ctx.JSON(http.StatusServiceUnavailable, gin.H{"status": "DOWN"})
			return
		}
		ctx.JSON(http.StatusOK, gin.H{"status": "UP"})
	})

	engine.GET("/audit/logs", func(ctx *gin.Context) {
		limit := cast.ToInt(ctx.Query("limit"))
		if limit < 1 {
			limit = defaultQueryLimit
		}
		writeJson(ctx, sink.Recent(auditlog.Query{
			Service: ctx.Query("service"),
			Status:  ctx.Query("status"),
			Limit:   limit,
		}))
	})

	engine.GET("/audit/stats", func(ctx *gin.Context) {
		writeJson(ctx, sink.Stats())
	})
	return engine
}

// Write the body using the same json naming as the events and rpc replies.
func writeJson(ctx *gin.Context, body any) {
	b, err := json.WriteJson(body)
	if err != nil {
		miso.BuildRail(ctx).Errorf("Failed to serialize response, %v", err)
		ctx.Status(http.StatusInternalServerError)
		return
	}
	ctx.Data(http.StatusOK, "application/json; charset=utf-8", b)
}
