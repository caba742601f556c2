package rabbit

import (
	"runtime/debug"

	"github.com/curtisnewbie/shopbus/encoding/json"
	"github.com/curtisnewbie/shopbus/miso"
	"github.com/curtisnewbie/shopbus/util/errs"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	argDeadLetterExchange   = "x-dead-letter-exchange"
	argDeadLetterRoutingKey = "x-dead-letter-routing-key"
)

var (
	_ managedConsumer = (*Subscription)(nil)
)

// Handle event body, returning error nacks the event.
type EventHandler func(rail miso.Rail, body json.RawMessage) error

type subscribeOptions struct {
	deadLetterExchange string
	deadLetterKey      string
	args               amqp.Table
}

type SubscribeOption func(o *subscribeOptions)

// Route rejected events to the exchange instead of dropping them.
//
// The original routing key is used when routingKey is empty.
func WithDeadLetter(exchange string, routingKey string) SubscribeOption {
	return func(o *subscribeOptions) {
		o.deadLetterExchange = exchange
		o.deadLetterKey = routingKey
	}
}

// Extra arguments for the subscriber's queue, e.g., 'x-message-ttl'.
func WithQueueArgs(args amqp.Table) SubscribeOption {
	return func(o *subscribeOptions) {
		if o.args == nil {
			o.args = amqp.Table{}
		}
		for k, v := range args {
			o.args[k] = v
		}
	}
}

func (o subscribeOptions) queueArgs() amqp.Table {
	args := amqp.Table{}
	for k, v := range o.args {
		args[k] = v
	}
	if o.deadLetterExchange != "" {
		args[argDeadLetterExchange] = o.deadLetterExchange
		if o.deadLetterKey != "" {
			args[argDeadLetterRoutingKey] = o.deadLetterKey
		}
	}
	if len(args) < 1 {
		return nil
	}
	return args
}

// Subscription to events matching the routing pattern.
//
// Each Subscription consumes its own exclusive queue, every Subscription receives a copy of the matching events.
type Subscription struct {
	consumerBase
	pattern string
	args    amqp.Table
	handler EventHandler
}

// Routing pattern the queue is bound with.
func (s *Subscription) Pattern() string {
	return s.pattern
}

func (s *Subscription) start(rail miso.Rail, ch Channel) error {
	q, err := ch.DeclareQueue(QueueSpec{Exclusive: true, AutoDelete: true, Args: s.args})
	if err != nil {
		return errs.WrapErrf(err, "failed to declare queue for pattern '%v'", s.pattern)
	}
	if err := ch.BindQueue(q, s.pattern, s.c.conf.ExchangeName); err != nil {
		return errs.WrapErrf(err, "failed to bind queue '%v' to exchange '%v' using pattern '%v'", q, s.c.conf.ExchangeName, s.pattern)
	}
	deliveries, err := ch.Consume(q, s.ctag, false)
	if err != nil {
		return errs.WrapErrf(err, "failed to consume queue '%v'", q)
	}
	s.setQueue(q)
	rail.Infof("Subscribed to '%v' on exchange '%v', queue: '%v'", s.pattern, s.c.conf.ExchangeName, q)

	go s.consume(deliveries)
	return nil
}

// runs until the consumer is cancelled or the channel is closed
func (s *Subscription) consume(deliveries <-chan amqp.Delivery) {
	for d := range deliveries {
		s.handle(d)
	}
	miso.Debugf("Subscriber for '%v' stopped, consumer: %v", s.pattern, s.ctag)
}

func (s *Subscription) handle(d amqp.Delivery) {
	rail := railFromHeaders(d.Headers)
	err := s.invoke(rail, d.Body)
	if err == nil {
		if err := d.Ack(false); err != nil {
			rail.Warnf("Failed to ack event, messageId: '%v', %v", d.MessageId, err)
		}
		consumeCounter.WithLabelValues(resultAck).Inc()
		return
	}

	rail.Errorf("Failed to handle event, pattern: '%v', routingKey: '%v', messageId: '%v', payload: '%s', event nacked, %v",
		s.pattern, d.RoutingKey, d.MessageId, d.Body, err)
	if err := d.Nack(false, false); err != nil {
		rail.Warnf("Failed to nack event, messageId: '%v', %v", d.MessageId, err)
	}
	consumeCounter.WithLabelValues(resultNack).Inc()
}

func (s *Subscription) invoke(rail miso.Rail, body []byte) (err error) {
	if !json.IsValidJson(body) {
		return ErrInvalidPayload.New()
	}
	defer func() {
		if v := recover(); v != nil {
			rail.Errorf("Panic recovered in subscriber for '%v', %v\n%s", s.pattern, v, debug.Stack())
			err = errs.NewErrf("subscriber panic recovered, %v", v)
		}
	}()
	return s.handler(rail, json.RawMessage(body))
}

/*
Subscribe to events that match the routing pattern, '*' and '#' wildcards are supported.

A server-named, exclusive and auto-deleted queue is declared and bound to the exchange. Events are
acked when handler returns nil. Events that are not valid json, or that handler fails to handle (error
or panic) are nacked without requeue, they are dropped unless a dead letter exchange is configured.

The subscription stops when Stop() is called, when the rail is cancelled, or when the client is closed.
*/
func (c *Client) Subscribe(rail miso.Rail, pattern string, handler EventHandler, opts ...SubscribeOption) (*Subscription, error) {
	if handler == nil {
		return nil, errs.ErrIllegalArgument.WithInternalMsg("handler is nil")
	}
	o := subscribeOptions{
		deadLetterExchange: c.conf.DeadLetterExchange,
		deadLetterKey:      c.conf.DeadLetterRoutingKey,
	}
	for _, op := range opts {
		op(&o)
	}

	s := &Subscription{
		pattern: pattern,
		args:    o.queueArgs(),
		handler: handler,
	}
	s.initBase(c, "sub-"+uuid.NewString())
	if err := c.register(rail, s); err != nil {
		return nil, err
	}
	s.stopOnDone(rail)
	return s, nil
}

// Subscribe to events that match the routing pattern, event body is parsed as T.
//
// Body that can't be parsed as T is treated as handling failure, the event is nacked.
func SubscribeJson[T any](c *Client, rail miso.Rail, pattern string, handler func(rail miso.Rail, t T) error, opts ...SubscribeOption) (*Subscription, error) {
	return c.Subscribe(rail, pattern, func(rail miso.Rail, body json.RawMessage) error {
		var t T
		if err := json.ParseJson(body, &t); err != nil {
			return ErrInvalidPayload.Wrapf(err, "expected %T", t)
		}
		return handler(rail, t)
	}, opts...)
}
