package auditlog

import (
	"bytes"
	"io"
	"strings"
	"time"

	"github.com/curtisnewbie/shopbus/encoding/json"
	"github.com/curtisnewbie/shopbus/miso"
	"github.com/gin-gonic/gin"
)

const (
	// Key in gin.Context of the authenticated user's id, set by the auth middleware.
	CtxKeyUserId = "userId"

	HeaderRequestId     = "X-Request-Id"
	HeaderCorrelationId = "X-Correlation-Id"

	// Request bodies larger than this are not captured.
	MaxCapturedPayload = 64 * 1024
)

// Publisher of audit events, e.g., *rabbit.EventPipeline[Event].
type Publisher interface {
	Send(rail miso.Rail, e Event) (bool, error)
}

/*
Gin middleware that publishes an 'audit.log.created' event after each request is handled.

The json request body (up to MaxCapturedPayload bytes) is captured with sensitive fields redacted.
Failure to publish the event is only logged, the response is not affected.
*/
func Middleware(pub Publisher, service string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		payload := capturePayload(c)

		c.Next()

		// the publish outlives the request's context, e.g., when the client disconnects
		rail := miso.BuildRail(c).NextSpan()
		e := Event{
			Service:        service,
			UserId:         c.GetString(CtxKeyUserId),
			Action:         c.Request.Method + " " + c.Request.RequestURI,
			Endpoint:       c.Request.RequestURI,
			Method:         c.Request.Method,
			RequestPayload: payload,
			ResponseStatus: c.Writer.Status(),
			Ip:             c.ClientIP(),
			Timestamp:      start,
			Metadata: Metadata{
				Duration:  time.Since(start).Milliseconds(),
				UserAgent: c.Request.UserAgent(),
			},
			RequestId:     c.GetHeader(HeaderRequestId),
			CorrelationId: c.GetHeader(HeaderCorrelationId),
		}

		ok, err := pub.Send(rail, e)
		if err != nil {
			rail.Errorf("Failed to publish audit event, %v %v, %v", e.Method, e.Endpoint, err)
			return
		}
		if !ok {
			rail.Warnf("Audit event not accepted by broker, %v %v", e.Method, e.Endpoint)
			return
		}
		rail.Debugf("Audit event published, %v, status: %v", e.Action, e.ResponseStatus)
	}
}

// Read json body and put it back, nil is returned for non-json or oversized body.
func capturePayload(c *gin.Context) any {
	if c.Request.Body == nil || c.Request.ContentLength == 0 {
		return nil
	}
	if !strings.Contains(strings.ToLower(c.ContentType()), "json") {
		return nil
	}
	if c.Request.ContentLength > MaxCapturedPayload {
		return nil
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, MaxCapturedPayload+1))
	rest := c.Request.Body
	c.Request.Body = readCloser{Reader: io.MultiReader(bytes.NewReader(body), rest), Closer: rest}
	if err != nil || len(body) > MaxCapturedPayload {
		return nil
	}

	var v any
	if err := json.ParseJson(body, &v); err != nil {
		return nil
	}
	return Redact(v)
}

type readCloser struct {
	io.Reader
	io.Closer
}
