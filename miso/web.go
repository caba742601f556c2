package miso

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// misoconfig-section: Web Server Configuration
const (

	// misoconfig-prop: http server host | 0.0.0.0
	PropServerHost = "server.host"

	// misoconfig-prop: http server port | 8080
	PropServerPort = "server.port"

	// misoconfig-prop: time wait (in second) before the server shutdown | 30
	PropServerGracefulShutdownTimeSec = "server.gracefulShutdownTimeSec"

	// misoconfig-prop: route for prometheus metrics | /metrics
	PropMetricsRoute = "metrics.route"

	// misoconfig-prop: log each request's method, uri and duration | true
	PropServerPerfEnabled = "server.perf.enabled"
)

func init() {
	SetDefProp(PropServerHost, "0.0.0.0")
	SetDefProp(PropServerPort, 8080)
	SetDefProp(PropServerGracefulShutdownTimeSec, 30)
	SetDefProp(PropMetricsRoute, "/metrics")
	SetDefProp(PropServerPerfEnabled, true)
}

var (
	perfLogExclMu   sync.RWMutex
	perfLogExcluded = map[string]struct{}{}
)

// Create gin engine with tracing, perf logging and panic recovery.
func NewEngine() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(TraceMiddleware())
	if GetPropBool(PropServerPerfEnabled) {
		engine.Use(PerfMiddleware())
	}
	engine.Use(gin.CustomRecovery(DefaultRecovery))
	return engine
}

// Tracing Middleware
func TraceMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// propagate tracing key/value pairs with context
		ctx := c.Request.Context()
		UsePropagationKeys(func(k string) {
			if h := c.GetHeader(k); h != "" {
				ctx = context.WithValue(ctx, k, h) //lint:ignore SA1029 keys must be exposed to retrieve the values
			}
		})
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

/*
Build Rail from gin.Context.

TraceId propagated from the inbound request is reused, the generated ids are saved in gin.Context,
so calling BuildRail again on the same request yields the same trace.
*/
func BuildRail(c *gin.Context) Rail {
	if c.Keys == nil {
		c.Keys = map[string]any{}
	}

	ctx := c.Request.Context()
	modified := false
	UsePropagationKeys(func(k string) {
		if v, ok := c.Keys[k]; ok && v != "" {
			ctx = context.WithValue(ctx, k, v) //lint:ignore SA1029 keys must be exposed for client to use
			modified = true
		}
	})

	rail := NewRail(ctx)
	if !modified {
		UsePropagationKeys(func(k string) {
			if v := rail.CtxValue(k); v != nil {
				c.Keys[k] = v
			}
		})
	}
	return rail
}

// Perf Middleware that calculates how much time each request takes
func PerfMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		uri := c.Request.RequestURI

		perfLogExclMu.RLock()
		_, excl := perfLogExcluded[uri]
		perfLogExclMu.RUnlock()
		if excl {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()
		BuildRail(c).Infof("%-6v %-60v [%s] %d", c.Request.Method, uri, time.Since(start), c.Writer.Status())
	}
}

// Ask PerfMiddleware to stop measuring perf of provided path
func PerfLogExclPath(path string) {
	perfLogExclMu.Lock()
	defer perfLogExclMu.Unlock()
	perfLogExcluded[path] = struct{}{}
}

// Default Recovery func
func DefaultRecovery(c *gin.Context, e any) {
	rail := BuildRail(c)
	rail.Errorf("Recovered from panic, %v", e)
	if c.Writer.Written() {
		return
	}
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Unknown error, please try again later"})
}

func PrometheusHandler() http.Handler {
	return promhttp.Handler()
}

func NewHttpServer(router http.Handler) *http.Server {
	return &http.Server{
		Addr:    fmt.Sprintf("%s:%s", GetPropStr(PropServerHost), GetPropStr(PropServerPort)),
		Handler: router,
	}
}

// Run http server in a new goroutine, errors other than http.ErrServerClosed are sent to the returned channel.
func StartHttpServer(rail Rail, server *http.Server) <-chan error {
	errCh := make(chan error, 1)
	go func() {
		rail.Infof("Http server listening on %v", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh
}

// Shutdown http server gracefully, wait at most 'server.gracefulShutdownTimeSec' seconds.
func ShutdownHttpServer(rail Rail, server *http.Server) {
	rail.Info("Shutting down http server gracefully")
	timeout := GetPropInt(PropServerGracefulShutdownTimeSec)
	if timeout <= 0 {
		timeout = 30
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeout)*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		rail.Warnf("Http server shutdown, %v", err)
	}
	rail.Infof("Http server exited")
}

// Block until Interrupt or SIGTERM is received, or the ctx is done.
func WaitForSignal(ctx context.Context) os.Signal {
	quit := make(chan os.Signal, 2)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(quit)
	select {
	case sig := <-quit:
		return sig
	case <-ctx.Done():
		return nil
	}
}
