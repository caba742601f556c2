package rabbit

import (
	"time"

	"github.com/curtisnewbie/shopbus/encoding/json"
	"github.com/curtisnewbie/shopbus/miso"
	"github.com/curtisnewbie/shopbus/util/errs"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Correlation record of an rpc call awaiting reply.
type pendingCall struct {
	id    string
	reply chan []byte // buffered, only the first matching reply is kept
}

func (c *Client) addPending(id string) (*pendingCall, error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	if _, ok := c.pending[id]; ok {
		return nil, errs.ErrIllegalArgument.WithInternalMsg("duplicate correlationId: '%v'", id)
	}
	p := &pendingCall{id: id, reply: make(chan []byte, 1)}
	c.pending[id] = p
	return p, nil
}

func (c *Client) removePending(id string) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	delete(c.pending, id)
}

// Hand the reply to the pending call, returns false if no call is waiting for it.
func (c *Client) resolve(id string, body []byte) bool {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	p, ok := c.pending[id]
	if !ok {
		return false
	}
	select {
	case p.reply <- body:
	default: // already resolved
	}
	return true
}

/*
Send rpc request to the queue and wait for the reply.

A private reply queue is declared for the call and deleted once the call returns. The call is
correlated with a random correlationId, replies with different correlationId are ignored.
If timeout <= 0, the configured 'rabbitmq.rpc.timeout-ms' is used.

It returns ErrRpcTimeout if no reply arrives in time. The request is not retried.
*/
func (c *Client) Call(rail miso.Rail, queue string, payload any, timeout time.Duration) (json.RawMessage, error) {
	start := time.Now()
	res, err := c.call(rail, queue, payload, timeout)
	observeRpcCall(start, err)
	return res, err
}

func (c *Client) call(rail miso.Rail, queue string, payload any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = c.conf.RpcTimeout
	}
	body, err := encodePayload(payload)
	if err != nil {
		return nil, err
	}
	ch, err := c.EnsureReady(rail)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	pc, err := c.addPending(id)
	if err != nil {
		return nil, err
	}
	defer c.removePending(id)

	replyQueue, err := ch.DeclareQueue(QueueSpec{Exclusive: true, AutoDelete: true})
	if err != nil {
		return nil, errs.WrapErrf(err, "failed to declare reply queue")
	}
	ctag := "rpc-reply-" + id
	deliveries, err := ch.Consume(replyQueue, ctag, false)
	if err != nil {
		c.deleteReplyQueue(rail, ch, replyQueue)
		return nil, errs.WrapErrf(err, "failed to consume reply queue '%v'", replyQueue)
	}
	defer func() {
		if !ch.IsClosed() {
			if err := ch.Cancel(ctag); err != nil {
				rail.Debugf("Failed to cancel reply consumer '%v', %v", ctag, err)
			}
			c.deleteReplyQueue(rail, ch, replyQueue)
		}
	}()

	// closed when the consumer is cancelled or the channel is closed
	lost := make(chan struct{})
	go func() {
		defer close(lost)
		for d := range deliveries {
			// foreign replies are left unacked, they are dropped along with the reply queue
			if d.CorrelationId != id {
				rail.Debugf("Ignored reply on '%v', correlationId: '%v', expected: '%v'", replyQueue, d.CorrelationId, id)
				continue
			}
			if err := d.Ack(false); err != nil {
				rail.Debugf("Failed to ack reply on '%v', correlationId: '%v', %v", replyQueue, id, err)
			}
			if !c.resolve(d.CorrelationId, d.Body) {
				rail.Debugf("Ignored duplicate reply on '%v', correlationId: '%v'", replyQueue, id)
			}
		}
	}()

	// the deadline covers the publish (and its confirm) as well as the wait for reply
	callRail, cancel := rail.WithTimeout(timeout)
	defer cancel()

	ok, err := c.publish(callRail, defaultExchange, queue, amqp.Publishing{
		ContentType:   contentTypeJson,
		DeliveryMode:  amqp.Transient,
		CorrelationId: id,
		ReplyTo:       replyQueue,
		MessageId:     id,
		Timestamp:     time.Now(),
		Body:          body,
	})
	if err != nil {
		if callRail.IsDone() {
			return nil, c.callDone(rail, callRail, queue, id, timeout)
		}
		return nil, err
	}
	if !ok {
		return nil, ErrPublishRejected.WithInternalMsg("rpc request to '%v' not sent", queue)
	}
	rail.Debugf("Sent rpc request to '%v', correlationId: '%v', replyTo: '%v'", queue, id, replyQueue)

	select {
	case b := <-pc.reply:
		return json.RawMessage(b), nil
	case <-callRail.Done():
		return nil, c.callDone(rail, callRail, queue, id, timeout)
	case <-lost:
		select {
		case b := <-pc.reply:
			return json.RawMessage(b), nil
		default:
		}
		return nil, ErrConnectionLost.WithInternalMsg("reply queue '%v' closed before reply arrived", replyQueue)
	}
}

// Error for a call whose rail is done, it's a timeout unless the caller's rail is done first.
func (c *Client) callDone(rail miso.Rail, callRail miso.Rail, queue string, id string, timeout time.Duration) error {
	if err := rail.Context().Err(); err != nil {
		return errs.WrapErrf(err, "rpc request to '%v' cancelled", queue)
	}
	return ErrRpcTimeout.WithInternalMsg("queue: '%v', correlationId: '%v', timeout: %v, %v", queue, id, timeout, callRail.Context().Err())
}

func (c *Client) deleteReplyQueue(rail miso.Rail, ch Channel, q string) {
	if err := ch.DeleteQueue(q); err != nil {
		rail.Debugf("Failed to delete reply queue '%v', %v", q, err)
	}
}

// Send rpc request to the queue and parse the reply as Res.
//
// Reply in the form of {"error": "..."} is returned as ErrRpcRemote.
func CallJson[Res any](c *Client, rail miso.Rail, queue string, payload any, timeout time.Duration) (Res, error) {
	var res Res
	raw, err := c.Call(rail, queue, payload, timeout)
	if err != nil {
		return res, err
	}
	if err := remoteError(raw); err != nil {
		return res, err
	}
	res, err = json.ParseJsonAs[Res](raw)
	if err != nil {
		return res, ErrInvalidPayload.Wrapf(err, "failed to parse rpc reply from '%v'", queue)
	}
	return res, nil
}

// Error reply produced by RegisterHandler, i.e., an object with the single string field 'error'.
func remoteError(raw []byte) error {
	var m map[string]json.RawMessage
	if err := json.ParseJson(raw, &m); err != nil || len(m) != 1 {
		return nil
	}
	v, ok := m[errorReplyField]
	if !ok {
		return nil
	}
	var msg string
	if err := json.ParseJson(v, &msg); err != nil {
		return nil
	}
	return ErrRpcRemote.WithInternalMsg("%s", msg)
}
