package rabbit

import (
	"sync"
	"time"

	"github.com/curtisnewbie/shopbus/encoding/json"
	"github.com/curtisnewbie/shopbus/miso"
)

var (
	defaultMu     sync.Mutex
	defaultClient *Client
)

// Get the process-wide Client, it's created from props on first use.
func Default() *Client {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultClient == nil {
		defaultClient = NewClient(LoadConfig())
	}
	return defaultClient
}

// Replace the process-wide Client, the previous one is returned (may be nil).
func SetDefault(c *Client) *Client {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	prev := defaultClient
	defaultClient = c
	return prev
}

// Publish event to the exchange using the default Client.
//
// Returns false when the broker applies backpressure.
func PublishEvent(rail miso.Rail, routingKey string, payload any, opts ...PublishOption) (bool, error) {
	return Default().Publish(rail, routingKey, payload, opts...)
}

// Consume events that match the routing pattern using the default Client.
func ConsumeEvent(rail miso.Rail, routingKey string, callback EventHandler, opts ...SubscribeOption) (*Subscription, error) {
	return Default().Subscribe(rail, routingKey, callback, opts...)
}

// Send rpc request using the default Client, configured 'rabbitmq.rpc.timeout-ms' is used if timeout is absent.
func SendRPCRequest(rail miso.Rail, queue string, payload any, timeout ...time.Duration) (json.RawMessage, error) {
	var to time.Duration
	if len(timeout) > 0 {
		to = timeout[0]
	}
	return Default().Call(rail, queue, payload, to)
}

// Register rpc handler using the default Client.
func RegisterRPCHandler(rail miso.Rail, queue string, handler RpcHandler, opts ...RpcOption) error {
	return Default().RegisterHandler(rail, queue, handler, opts...)
}

// EventPipeline binds a routing key to the event type T.
//
// Use NewEventPipeline to instantiate.
type EventPipeline[T any] struct {
	c          *Client
	routingKey string
	logPayload bool
	transient  bool
}

// Create new EventPipeline, the default Client is used if c is nil.
func NewEventPipeline[T any](c *Client, routingKey string) *EventPipeline[T] {
	return &EventPipeline[T]{c: c, routingKey: routingKey}
}

func (ep *EventPipeline[T]) client() *Client {
	if ep.c != nil {
		return ep.c
	}
	return Default()
}

// Routing key of the pipeline.
func (ep *EventPipeline[T]) RoutingKey() string {
	return ep.routingKey
}

// Log payload in listener.
func (ep *EventPipeline[T]) LogPayload() *EventPipeline[T] {
	ep.logPayload = true
	return ep
}

// Publish events in transient delivery mode.
func (ep *EventPipeline[T]) Transient() *EventPipeline[T] {
	ep.transient = true
	return ep
}

// Publish event.
func (ep *EventPipeline[T]) Send(rail miso.Rail, event T) (bool, error) {
	if ep.logPayload {
		rail.Infof("Pipeline %s send %s", ep.routingKey, json.TrySWriteJson(event))
	}
	if ep.transient {
		return ep.client().Publish(rail, ep.routingKey, event, Transient())
	}
	return ep.client().Publish(rail, ep.routingKey, event)
}

// Listen to the events using pattern, the pipeline's routing key is used if pattern is empty.
func (ep *EventPipeline[T]) Listen(rail miso.Rail, pattern string, listener func(rail miso.Rail, t T) error, opts ...SubscribeOption) (*Subscription, error) {
	if pattern == "" {
		pattern = ep.routingKey
	}
	return SubscribeJson(ep.client(), rail, pattern, func(rail miso.Rail, t T) error {
		if ep.logPayload {
			rail.Infof("Pipeline %s receive %s", pattern, json.TrySWriteJson(t))
		} else {
			rail.Debugf("Pipeline %s receive event", pattern)
		}
		return listener(rail, t)
	}, opts...)
}
