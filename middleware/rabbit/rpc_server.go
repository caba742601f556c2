package rabbit

import (
	"runtime/debug"
	"time"

	"github.com/curtisnewbie/shopbus/encoding/json"
	"github.com/curtisnewbie/shopbus/miso"
	"github.com/curtisnewbie/shopbus/util/errs"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const errorReplyField = "error"

var (
	_ managedConsumer = (*rpcServer)(nil)
)

// Handle rpc request, the returned value is serialized as json and sent back as the reply.
//
// Returning error sends {"error": "..."} instead.
type RpcHandler func(rail miso.Rail, req json.RawMessage) (any, error)

type rpcOptions struct {
	durable bool
}

type RpcOption func(o *rpcOptions)

// Declare the request queue as durable, pending requests survive broker restart.
func WithDurableQueue() RpcOption {
	return func(o *rpcOptions) {
		o.durable = true
	}
}

type rpcServer struct {
	consumerBase
	durable bool
	handler RpcHandler
}

func (s *rpcServer) start(rail miso.Rail, ch Channel) error {
	q := s.Queue()
	if _, err := ch.DeclareQueue(QueueSpec{Name: q, Durable: s.durable}); err != nil {
		return errs.WrapErrf(err, "failed to declare rpc queue '%v'", q)
	}
	deliveries, err := ch.Consume(q, s.ctag, false)
	if err != nil {
		return errs.WrapErrf(err, "failed to consume rpc queue '%v'", q)
	}
	rail.Infof("Registered rpc handler for queue '%v'", q)
	go s.consume(deliveries)
	return nil
}

func (s *rpcServer) consume(deliveries <-chan amqp.Delivery) {
	for d := range deliveries {
		s.handle(d)
	}
	miso.Debugf("Rpc handler for '%v' stopped, consumer: %v", s.Queue(), s.ctag)
}

func (s *rpcServer) handle(d amqp.Delivery) {
	rail := railFromHeaders(d.Headers)
	reply, err := s.serve(rail, d.Body)
	if err != nil {
		rpcServedCounter.WithLabelValues(resultError).Inc()
		rail.Errorf("Rpc handler for '%v' failed, correlationId: '%v', %v", s.Queue(), d.CorrelationId, err)
	} else {
		rpcServedCounter.WithLabelValues(resultOk).Inc()
	}

	defer func() {
		if err := d.Ack(false); err != nil {
			rail.Warnf("Failed to ack rpc request, correlationId: '%v', %v", d.CorrelationId, err)
		}
	}()

	if d.ReplyTo == "" {
		rail.Warnf("Rpc request on '%v' has no replyTo, reply dropped, correlationId: '%v', %v", s.Queue(), d.CorrelationId, ErrMissingReplyTo)
		return
	}

	ok, err := s.c.publish(rail, defaultExchange, d.ReplyTo, amqp.Publishing{
		ContentType:   contentTypeJson,
		DeliveryMode:  amqp.Transient,
		CorrelationId: d.CorrelationId,
		MessageId:     uuid.NewString(),
		Timestamp:     time.Now(),
		Body:          reply,
	})
	if err != nil {
		rail.Errorf("Failed to send rpc reply to '%v', correlationId: '%v', %v", d.ReplyTo, d.CorrelationId, err)
		return
	}
	if !ok {
		rail.Errorf("Rpc reply to '%v' not accepted by broker, correlationId: '%v'", d.ReplyTo, d.CorrelationId)
	}
}

// Always produce a reply, error reply is returned along with the error.
func (s *rpcServer) serve(rail miso.Rail, body []byte) ([]byte, error) {
	if !json.IsValidJson(body) {
		err := ErrInvalidPayload.New()
		return errorReply(err), err
	}
	res, err := s.invoke(rail, body)
	if err != nil {
		return errorReply(err), err
	}
	b, err := json.WriteJson(res)
	if err != nil {
		err = ErrInvalidPayload.Wrapf(err, "failed to serialize rpc reply")
		return errorReply(err), err
	}
	return b, nil
}

func (s *rpcServer) invoke(rail miso.Rail, body []byte) (res any, err error) {
	defer func() {
		if v := recover(); v != nil {
			rail.Errorf("Panic recovered in rpc handler for '%v', %v\n%s", s.Queue(), v, debug.Stack())
			err = errs.NewErrf("rpc handler panic recovered, %v", v)
		}
	}()
	return s.handler(rail, json.RawMessage(body))
}

// Reply {"error": "..."}, internal message and cause of *errs.MisoErr are only logged.
func errorReply(err error) []byte {
	msg := err.Error()
	if me, ok := err.(*errs.MisoErr); ok {
		msg = me.Msg()
		if msg == "" {
			msg = "unknown error"
		}
	}
	b, werr := json.WriteJson(map[string]string{errorReplyField: msg})
	if werr != nil {
		return []byte(`{"error":"unknown error"}`)
	}
	return b
}

/*
Register handler for rpc requests sent to the queue.

The queue is declared (non-durable unless WithDurableQueue() is used) and consumed with manual ack.
Handler error, handler panic or malformed request all produce the reply {"error": "..."}. The reply is
sent to the request's replyTo with the same correlationId, then the request is acked. Failure
to send the reply is only logged, the request is not redelivered.

The handler is unregistered when the rail is cancelled or the client is closed.
*/
func (c *Client) RegisterHandler(rail miso.Rail, queue string, handler RpcHandler, opts ...RpcOption) error {
	if handler == nil {
		return errs.ErrIllegalArgument.WithInternalMsg("handler is nil")
	}
	if queue == "" {
		return errs.ErrIllegalArgument.WithInternalMsg("rpc queue name is empty")
	}
	var o rpcOptions
	for _, op := range opts {
		op(&o)
	}
	s := &rpcServer{durable: o.durable, handler: handler}
	s.initBase(c, "rpc-"+queue+"-"+uuid.NewString())
	s.setQueue(queue)
	if err := c.register(rail, s); err != nil {
		return err
	}
	s.stopOnDone(rail)
	return nil
}

// Register handler for rpc requests sent to the queue, request is parsed as Req.
func RegisterJsonHandler[Req any, Res any](c *Client, rail miso.Rail, queue string, handler func(rail miso.Rail, req Req) (Res, error), opts ...RpcOption) error {
	return c.RegisterHandler(rail, queue, func(rail miso.Rail, body json.RawMessage) (any, error) {
		var req Req
		if err := json.ParseJson(body, &req); err != nil {
			return nil, ErrInvalidPayload.Wrapf(err, "expected %T", req)
		}
		return handler(rail, req)
	}, opts...)
}
