// Package auditlog publishes and consumes the 'audit.log.created' events emitted by the http services.
package auditlog

import (
	"strings"
	"time"

	"github.com/curtisnewbie/shopbus/middleware/rabbit"
)

const (
	// Routing key of the event published for each handled http request.
	RoutingKeyCreated = "audit.log.created"

	// Pattern that matches all audit log events.
	PatternAll = "audit.log.*"

	StatusSuccess = "success"
	StatusFailure = "failure"

	ChannelHttp      = "http"
	DirectionInbound = "inbound"

	ActorUser    = "user"
	ActorService = "service"
)

// Audit event published by Middleware.
type Event struct {
	Service        string
	UserId         string
	Action         string // e.g., 'POST /api/v1/orders'
	Endpoint       string
	Method         string
	RequestPayload any // redacted
	ResponseStatus int
	Ip             string
	Timestamp      time.Time
	Metadata       Metadata
	RequestId      string
	CorrelationId  string
}

type Metadata struct {
	Duration  int64 // milliseconds
	UserAgent string
}

type Actor struct {
	Type string
	Id   string
}

type Resource struct {
	Type string
	Id   string
}

type HttpInfo struct {
	Method     string
	Path       string
	StatusCode int
}

// Normalized audit log entry handed to Sink.
//
// The raw request payload is never kept, only its Summary.
type Record struct {
	Service        string
	Action         string
	Actor          Actor
	Resource       Resource
	Channel        string
	Direction      string
	Status         string
	StatusCode     int
	RequestId      string
	CorrelationId  string
	LatencyMs      int64
	Ip             string
	UserAgent      string
	Http           *HttpInfo
	RequestSummary *Summary
	Timestamp      time.Time
}

// Normalize event into Record, salt is used to hash the payload summary.
func NewRecord(e Event, salt string) Record {
	status := StatusSuccess
	if e.ResponseStatus >= 400 {
		status = StatusFailure
	}
	actor := Actor{Type: ActorService}
	if e.UserId != "" {
		actor = Actor{Type: ActorUser, Id: e.UserId}
	}
	r := Record{
		Service:        e.Service,
		Action:         e.Action,
		Actor:          actor,
		Resource:       Resource{Type: "route", Id: e.Endpoint},
		Channel:        ChannelHttp,
		Direction:      DirectionInbound,
		Status:         status,
		StatusCode:     e.ResponseStatus,
		RequestId:      e.RequestId,
		CorrelationId:  e.CorrelationId,
		LatencyMs:      e.Metadata.Duration,
		Ip:             e.Ip,
		UserAgent:      e.Metadata.UserAgent,
		RequestSummary: Summarize(e.RequestPayload, salt),
		Timestamp:      e.Timestamp,
	}
	if e.Method != "" || e.Endpoint != "" {
		r.Http = &HttpInfo{Method: strings.ToUpper(e.Method), Path: e.Endpoint, StatusCode: e.ResponseStatus}
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}
	return r
}

// Create pipeline for audit events, the default rabbit.Client is used if c is nil.
func NewPipeline(c *rabbit.Client) *rabbit.EventPipeline[Event] {
	return rabbit.NewEventPipeline[Event](c, RoutingKeyCreated)
}
