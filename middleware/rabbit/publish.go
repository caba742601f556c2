package rabbit

import (
	"time"

	"github.com/curtisnewbie/shopbus/encoding/json"
	"github.com/curtisnewbie/shopbus/miso"
	"github.com/curtisnewbie/shopbus/util/errs"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/spf13/cast"
)

const (
	contentTypeJson = "application/json"

	// default exchange that routes based on queue name using routing key
	defaultExchange = ""
)

type publishOptions struct {
	persistent bool
	headers    map[string]any
	messageId  string
}

type PublishOption func(o *publishOptions)

// Publish message in transient delivery mode, it's lost when the broker restarts.
func Transient() PublishOption {
	return WithPersistent(false)
}

func WithPersistent(persistent bool) PublishOption {
	return func(o *publishOptions) {
		o.persistent = persistent
	}
}

// Extra headers, trace headers are always included.
func WithHeaders(headers map[string]any) PublishOption {
	return func(o *publishOptions) {
		if o.headers == nil {
			o.headers = make(map[string]any, len(headers))
		}
		for k, v := range headers {
			o.headers[k] = v
		}
	}
}

func WithMessageId(id string) PublishOption {
	return func(o *publishOptions) {
		o.messageId = id
	}
}

/*
Publish message as json to the exchange using the routing key.

The message is persistent unless Transient() is used. []byte and json.RawMessage are treated as
encoded json, they must be valid json.

Returns false when the broker is applying backpressure or rejected the message, it's not an error,
caller decides whether to retry.
*/
func (c *Client) Publish(rail miso.Rail, routingKey string, msg any, opts ...PublishOption) (bool, error) {
	o := publishOptions{persistent: true}
	for _, op := range opts {
		op(&o)
	}

	body, err := encodePayload(msg)
	if err != nil {
		return false, err
	}

	mode := amqp.Transient
	if o.persistent {
		mode = amqp.Persistent
	}
	id := o.messageId
	if id == "" {
		id = uuid.NewString()
	}
	p := amqp.Publishing{
		ContentType:  contentTypeJson,
		DeliveryMode: mode,
		MessageId:    id,
		Timestamp:    time.Now(),
		Headers:      amqp.Table(o.headers),
		Body:         body,
	}
	return c.publish(rail, c.conf.ExchangeName, routingKey, p)
}

func (c *Client) publish(rail miso.Rail, exchange string, routingKey string, p amqp.Publishing) (bool, error) {
	ch, err := c.EnsureReady(rail)
	if err != nil {
		publishCounter.WithLabelValues(resultError).Inc()
		return false, err
	}

	p.Headers = traceHeaders(rail, p.Headers)
	ok, err := ch.Publish(rail.Context(), exchange, routingKey, p)
	if err != nil {
		publishCounter.WithLabelValues(resultError).Inc()
		return false, errs.WrapErrf(err, "failed to publish message, exchange: '%v', routingKey: '%v'", exchange, routingKey)
	}
	if !ok {
		publishCounter.WithLabelValues(resultBackpressure).Inc()
		rail.Warnf("Message not accepted by broker, exchange: '%v', routingKey: '%v', messageId: '%v'", exchange, routingKey, p.MessageId)
		return false, nil
	}

	publishCounter.WithLabelValues(resultOk).Inc()
	if miso.IsDebugLevel() {
		rail.Debugf("Published message, exchange: '%v', routingKey: '%v', messageId: '%v', body: %s", exchange, routingKey, p.MessageId, p.Body)
	}
	return true, nil
}

func encodePayload(msg any) ([]byte, error) {
	body, err := json.WriteJson(msg)
	if err != nil {
		return nil, ErrInvalidPayload.Wrapf(err, "payload type: %T", msg)
	}
	return body, nil
}

// propagate trace through headers
func traceHeaders(rail miso.Rail, h amqp.Table) amqp.Table {
	if h == nil {
		h = amqp.Table{}
	}
	miso.UsePropagationKeys(func(key string) {
		if v := rail.CtxValue(key); v != nil {
			h[key] = cast.ToString(v)
		}
	})
	return h
}

// Read trace from headers, a new span is created for the consumer.
func railFromHeaders(h amqp.Table) miso.Rail {
	rail := miso.EmptyRail()
	if h == nil {
		return rail
	}
	miso.UsePropagationKeys(func(key string) {
		if key == miso.XSpanId {
			return
		}
		if v, ok := h[key]; ok && v != nil {
			rail = rail.WithCtxVal(key, cast.ToString(v))
		}
	})
	return rail
}
