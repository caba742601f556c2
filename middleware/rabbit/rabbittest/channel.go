package rabbittest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/curtisnewbie/shopbus/middleware/rabbit"
	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	_ rabbit.Connection = (*conn)(nil)
	_ rabbit.Channel    = (*channel)(nil)
	_ amqp.Acknowledger = (*channel)(nil)
)

type conn struct {
	b        *Broker
	closed   bool // guarded by b.mu
	channels map[*channel]struct{}
	notify   []chan *amqp.Error
}

func (c *conn) Channel(confirm bool) (rabbit.Channel, error) {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	ch := &channel{
		b:         c.b,
		conn:      c,
		confirm:   confirm,
		consumers: map[string]*consumer{},
		unacked:   map[uint64]unacked{},
	}
	c.channels[ch] = struct{}{}
	return ch, nil
}

func (c *conn) NotifyClose(n chan *amqp.Error) chan *amqp.Error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	if c.closed {
		close(n)
		return n
	}
	c.notify = append(c.notify, n)
	return n
}

func (c *conn) Close() error {
	c.shutdown(nil)
	return nil
}

func (c *conn) IsClosed() bool {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	return c.closed
}

// Close connection and its channels, cause is nil for graceful close.
func (c *conn) shutdown(cause *amqp.Error) {
	c.b.mu.Lock()
	if c.closed {
		c.b.mu.Unlock()
		return
	}
	c.closed = true
	var notify []chan *amqp.Error
	for ch := range c.channels {
		notify = append(notify, ch.closeLocked()...)
	}
	c.channels = map[*channel]struct{}{}
	for name, q := range c.b.queues {
		if q.exclusive && q.owner == c {
			c.b.deleteQueue(name)
		}
	}
	delete(c.b.conns, c)
	connNotify := c.notify
	c.notify = nil
	c.b.mu.Unlock()

	fire(notify, cause)
	fire(connNotify, cause)
}

// Send cause and close the notification channels.
func fire(notify []chan *amqp.Error, cause *amqp.Error) {
	for _, n := range notify {
		if cause != nil {
			select {
			case n <- cause:
			default:
			}
		}
		close(n)
	}
}

type unacked struct {
	queue string
	msg   Message
}

type channel struct {
	b           *Broker
	conn        *conn
	confirm     bool
	closed      bool // guarded by b.mu
	prefetch    int
	deliveryTag uint64
	consumers   map[string]*consumer
	unacked     map[uint64]unacked
	notify      []chan *amqp.Error
}

func (c *channel) lock() error {
	c.b.mu.Lock()
	if c.closed {
		c.b.mu.Unlock()
		return amqp.ErrClosed
	}
	return nil
}

func (c *channel) DeclareExchange(name string, kind string, durable bool) error {
	if err := c.lock(); err != nil {
		return err
	}
	defer c.b.mu.Unlock()
	return c.b.declareExchange(name, kind)
}

func (c *channel) DeclareQueue(q rabbit.QueueSpec) (string, error) {
	if err := c.lock(); err != nil {
		return "", err
	}
	defer c.b.mu.Unlock()
	return c.b.declareQueue(c.conn, q)
}

func (c *channel) BindQueue(queue string, routingKey string, exchange string) error {
	if err := c.lock(); err != nil {
		return err
	}
	defer c.b.mu.Unlock()
	return c.b.bind(queue, routingKey, exchange)
}

func (c *channel) DeleteQueue(name string) error {
	if err := c.lock(); err != nil {
		return err
	}
	defer c.b.mu.Unlock()
	if q, ok := c.b.queues[name]; ok && q.exclusive && q.owner != c.conn {
		return &amqp.Error{Code: amqp.ResourceLocked, Reason: fmt.Sprintf("RESOURCE_LOCKED - cannot obtain exclusive access to locked queue '%v'", name)}
	}
	c.b.deleteQueue(name)
	return nil
}

func (c *channel) Qos(prefetch int) error {
	if err := c.lock(); err != nil {
		return err
	}
	defer c.b.mu.Unlock()
	c.prefetch = prefetch
	return nil
}

func (c *channel) Consume(queue string, tag string, autoAck bool) (<-chan amqp.Delivery, error) {
	if err := c.lock(); err != nil {
		return nil, err
	}
	defer c.b.mu.Unlock()

	q, ok := c.b.queues[queue]
	if !ok {
		return nil, &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no queue '%v'", queue)}
	}
	if q.exclusive && q.owner != c.conn {
		return nil, &amqp.Error{Code: amqp.ResourceLocked, Reason: fmt.Sprintf("RESOURCE_LOCKED - cannot obtain exclusive access to locked queue '%v'", queue)}
	}
	if tag == "" {
		c.b.seq++
		tag = fmt.Sprintf("amq.ctag-%d", c.b.seq)
	}
	if _, ok := c.consumers[tag]; ok {
		return nil, &amqp.Error{Code: amqp.NotAllowed, Reason: fmt.Sprintf("NOT_ALLOWED - attempt to reuse consumer tag '%v'", tag)}
	}

	cs := newConsumer(c, q.name, tag, autoAck)
	c.consumers[tag] = cs
	q.consumers = append(q.consumers, cs)
	c.b.dispatch(q)
	return cs.out, nil
}

func (c *channel) Cancel(tag string) error {
	if err := c.lock(); err != nil {
		return err
	}
	defer c.b.mu.Unlock()
	if cs, ok := c.consumers[tag]; ok {
		c.cancelLocked(cs)
	}
	return nil
}

// Remove the consumer from its queue, messages it hasn't received are requeued.
func (c *channel) cancelLocked(cs *consumer) {
	delete(c.consumers, cs.tag)
	q, ok := c.b.queues[cs.queue]
	leftover := cs.stop()
	if !ok {
		return
	}
	for i, qc := range q.consumers {
		if qc == cs {
			q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
			break
		}
	}
	for i := len(leftover) - 1; i > -1; i-- {
		d := leftover[i]
		if um, ok := c.unacked[d.DeliveryTag]; ok {
			delete(c.unacked, d.DeliveryTag)
			c.b.requeue(q, um.msg)
		}
	}
	if q.autoDelete && len(q.consumers) == 0 {
		c.b.deleteQueue(q.name)
	}
}

func (c *channel) Publish(ctx context.Context, exchange string, routingKey string, msg amqp.Publishing) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := c.lock(); err != nil {
		return false, err
	}
	defer c.b.mu.Unlock()

	if c.b.blocked {
		return false, nil
	}
	if c.confirm && c.b.nackNext > 0 {
		c.b.nackNext--
		return false, nil
	}
	if err := c.b.route(exchange, routingKey, msg); err != nil {
		return false, err
	}
	return true, nil
}

func (c *channel) NotifyClose(n chan *amqp.Error) chan *amqp.Error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	if c.closed {
		close(n)
		return n
	}
	c.notify = append(c.notify, n)
	return n
}

func (c *channel) Close() error {
	c.b.mu.Lock()
	if c.closed {
		c.b.mu.Unlock()
		return nil
	}
	notify := c.closeLocked()
	delete(c.conn.channels, c)
	c.b.mu.Unlock()
	fire(notify, nil)
	return nil
}

// Close the channel with an error, e.g., to simulate channel-level exception.
func (c *channel) kill(cause *amqp.Error) {
	c.b.mu.Lock()
	if c.closed {
		c.b.mu.Unlock()
		return
	}
	notify := c.closeLocked()
	delete(c.conn.channels, c)
	c.b.mu.Unlock()
	fire(notify, cause)
}

// Cancel consumers and requeue unacked messages, the notification channels are returned.
func (c *channel) closeLocked() []chan *amqp.Error {
	c.closed = true
	tags := make([]string, 0, len(c.consumers))
	for t := range c.consumers {
		tags = append(tags, t)
	}
	sort.Strings(tags)
	for _, t := range tags {
		c.cancelLocked(c.consumers[t])
	}

	dtags := make([]uint64, 0, len(c.unacked))
	for t := range c.unacked {
		dtags = append(dtags, t)
	}
	sort.Slice(dtags, func(i, j int) bool { return dtags[i] > dtags[j] })
	for _, t := range dtags {
		um := c.unacked[t]
		delete(c.unacked, t)
		if q, ok := c.b.queues[um.queue]; ok {
			c.b.requeue(q, um.msg)
		}
	}

	n := c.notify
	c.notify = nil
	return n
}

func (c *channel) IsClosed() bool {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	return c.closed
}

func (c *channel) Ack(tag uint64, multiple bool) error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	c.b.acked += len(c.settle(tag, multiple))
	return nil
}

func (c *channel) Nack(tag uint64, multiple bool, requeue bool) error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	for _, um := range c.settle(tag, multiple) {
		c.b.nacked++
		if requeue {
			if q, ok := c.b.queues[um.queue]; ok {
				c.b.requeue(q, um.msg)
			}
			continue
		}
		c.b.deadLetter(um.queue, um.msg)
	}
	return nil
}

func (c *channel) Reject(tag uint64, requeue bool) error {
	return c.Nack(tag, false, requeue)
}

// Remove and return the unacked messages settled by tag.
func (c *channel) settle(tag uint64, multiple bool) []unacked {
	if !multiple {
		um, ok := c.unacked[tag]
		if !ok {
			return nil
		}
		delete(c.unacked, tag)
		return []unacked{um}
	}
	tags := make([]uint64, 0)
	for t := range c.unacked {
		if t <= tag {
			tags = append(tags, t)
		}
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
	s := make([]unacked, 0, len(tags))
	for _, t := range tags {
		s = append(s, c.unacked[t])
		delete(c.unacked, t)
	}
	return s
}

// Consumer forwarding deliveries to the client without blocking the broker.
type consumer struct {
	ch      *channel
	queue   string
	tag     string
	autoAck bool
	out     chan amqp.Delivery

	mu      sync.Mutex
	buf     []amqp.Delivery
	wake    chan struct{}
	quit    chan struct{}
	exited  chan struct{}
	stopped bool
}

func newConsumer(ch *channel, queue string, tag string, autoAck bool) *consumer {
	c := &consumer{
		ch:      ch,
		queue:   queue,
		tag:     tag,
		autoAck: autoAck,
		out:     make(chan amqp.Delivery),
		wake:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
		exited:  make(chan struct{}),
	}
	go c.forward()
	return c
}

func (c *consumer) push(d amqp.Delivery) {
	c.mu.Lock()
	c.buf = append(c.buf, d)
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *consumer) forward() {
	defer close(c.exited)
	defer close(c.out)
	for {
		c.mu.Lock()
		if len(c.buf) == 0 {
			c.mu.Unlock()
			select {
			case <-c.wake:
				continue
			case <-c.quit:
				return
			}
		}
		d := c.buf[0]
		c.buf = c.buf[1:]
		c.mu.Unlock()

		select {
		case c.out <- d:
		case <-c.quit:
			c.mu.Lock()
			c.buf = append([]amqp.Delivery{d}, c.buf...)
			c.mu.Unlock()
			return
		}
	}
}

// Stop forwarding, deliveries not yet received by the client are returned.
func (c *consumer) stop() []amqp.Delivery {
	if c.stopped {
		return nil
	}
	c.stopped = true
	close(c.quit)
	<-c.exited
	c.mu.Lock()
	defer c.mu.Unlock()
	left := c.buf
	c.buf = nil
	return left
}
