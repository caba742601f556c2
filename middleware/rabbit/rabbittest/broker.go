// Package rabbittest provides an in-memory broker implementing the rabbit.Connection and rabbit.Channel
// interfaces, so clients can be tested without a RabbitMQ server.
package rabbittest

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/curtisnewbie/shopbus/middleware/rabbit"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	argDeadLetterExchange   = "x-dead-letter-exchange"
	argDeadLetterRoutingKey = "x-dead-letter-routing-key"
)

var (
	_ rabbit.Dialer = (*Broker)(nil).Dial
)

// Message stored in a queue.
type Message struct {
	Exchange    string
	RoutingKey  string
	Redelivered bool
	amqp.Publishing
}

type exchange struct {
	name     string
	kind     string
	bindings []binding
}

type binding struct {
	queue string
	key   string
}

type queue struct {
	name       string
	durable    bool
	autoDelete bool
	exclusive  bool
	owner      *conn
	args       amqp.Table
	ready      []Message
	consumers  []*consumer
	rr         int
}

/*
In-memory broker.

It supports direct, fanout and topic exchanges ('*' and '#'), the default exchange routing by queue
name, server-named exclusive and auto-deleted queues, manual ack and nack, dead-lettering on reject,
and requeueing unacked messages when a channel is closed.

Use Dial as the rabbit.Dialer:

	b := rabbittest.New()
	c := rabbit.NewClient(conf, rabbit.WithDialer(b.Dial))
*/
type Broker struct {
	mu        sync.Mutex
	exchanges map[string]*exchange
	queues    map[string]*queue
	conns     map[*conn]struct{}
	seq       int

	dials       int
	dialErr     error
	failNext    int
	blocked     bool
	nackNext    int
	acked       int
	nacked      int
	deadLetters int
}

func New() *Broker {
	return &Broker{
		exchanges: map[string]*exchange{},
		queues:    map[string]*queue{},
		conns:     map[*conn]struct{}{},
	}
}

// Dial broker, the url and config are ignored.
func (b *Broker) Dial(url string, cfg amqp.Config) (rabbit.Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dials++
	if b.failNext > 0 {
		b.failNext--
		return nil, b.dialErr
	}
	if b.dialErr != nil && b.failNext < 0 {
		return nil, b.dialErr
	}
	c := &conn{b: b, channels: map[*channel]struct{}{}}
	b.conns[c] = struct{}{}
	return c, nil
}

// Fail every dial with err until FailDial(nil) is called.
func (b *Broker) FailDial(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dialErr = err
	if err == nil {
		b.failNext = 0
	} else {
		b.failNext = -1
	}
}

// Fail the next n dials with err.
func (b *Broker) FailNextDials(n int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failNext = n
	b.dialErr = err
}

// Number of dial attempts.
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// Number of open connections.
func (b *Broker) Connections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// Force close all connections, like a broker restart without losing durable queues.
func (b *Broker) KillConnections() {
	b.mu.Lock()
	conns := make([]*conn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, c := range conns {
		c.shutdown(&amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED - broker forced connection closure", Server: true})
	}
}

// Close all channels with a channel-level exception, connections are kept open.
func (b *Broker) KillChannels() {
	b.mu.Lock()
	var chans []*channel
	for c := range b.conns {
		for ch := range c.channels {
			chans = append(chans, ch)
		}
	}
	b.mu.Unlock()

	for _, ch := range chans {
		ch.kill(&amqp.Error{Code: amqp.PreconditionFailed, Reason: "PRECONDITION_FAILED - channel closed by broker", Server: true})
	}
}

// Block publishing, publishers see backpressure while it's blocked.
func (b *Broker) SetBlocked(blocked bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blocked = blocked
}

// Nack the next n messages published on channels in confirm mode.
func (b *Broker) NackNextPublishes(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nackNext = n
}

// Number of messages acked by consumers.
func (b *Broker) Acked() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.acked
}

// Number of messages nacked or rejected by consumers.
func (b *Broker) Nacked() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nacked
}

// Number of messages routed to a dead letter exchange.
func (b *Broker) DeadLettered() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.deadLetters
}

// Declare exchange for test setup.
func (b *Broker) DeclareExchange(name string, kind string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.declareExchange(name, kind)
}

// Declare durable queue for test setup.
func (b *Broker) DeclareQueue(name string, args amqp.Table) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.declareQueue(nil, rabbit.QueueSpec{Name: name, Durable: true, Args: args})
}

// Bind queue for test setup.
func (b *Broker) Bind(queue string, key string, exchange string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bind(queue, key, exchange)
}

// Publish message without a connection.
func (b *Broker) PublishRaw(exchange string, key string, p amqp.Publishing) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.route(exchange, key, p)
}

// Take a ready message from the queue.
func (b *Broker) Get(queue string) (Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queue]
	if !ok || len(q.ready) < 1 {
		return Message{}, false
	}
	m := q.ready[0]
	q.ready = q.ready[1:]
	return m, true
}

// Number of ready messages in the queue.
func (b *Broker) ReadyCount(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[queue]; ok {
		return len(q.ready)
	}
	return 0
}

// Number of consumers of the queue.
func (b *Broker) ConsumerCount(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[queue]; ok {
		return len(q.consumers)
	}
	return 0
}

func (b *Broker) QueueExists(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[name]
	return ok
}

// Names of all queues, sorted.
func (b *Broker) Queues() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := make([]string, 0, len(b.queues))
	for k := range b.queues {
		n = append(n, k)
	}
	sort.Strings(n)
	return n
}

func (b *Broker) declareExchange(name string, kind string) error {
	if name == "" {
		return &amqp.Error{Code: amqp.AccessRefused, Reason: "ACCESS_REFUSED - operation not permitted on the default exchange"}
	}
	switch kind {
	case amqp.ExchangeDirect, amqp.ExchangeFanout, amqp.ExchangeTopic:
	default:
		return &amqp.Error{Code: amqp.CommandInvalid, Reason: fmt.Sprintf("COMMAND_INVALID - unknown exchange type '%v'", kind)}
	}
	if e, ok := b.exchanges[name]; ok {
		if e.kind != kind {
			return &amqp.Error{Code: amqp.PreconditionFailed, Reason: fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg 'type' for exchange '%v'", name)}
		}
		return nil
	}
	b.exchanges[name] = &exchange{name: name, kind: kind}
	return nil
}

func (b *Broker) declareQueue(owner *conn, spec rabbit.QueueSpec) (string, error) {
	name := spec.Name
	if name == "" {
		b.seq++
		name = fmt.Sprintf("amq.gen-%d", b.seq)
	}
	if q, ok := b.queues[name]; ok {
		if q.exclusive && q.owner != owner {
			return "", &amqp.Error{Code: amqp.ResourceLocked, Reason: fmt.Sprintf("RESOURCE_LOCKED - cannot obtain exclusive access to locked queue '%v'", name)}
		}
		return name, nil
	}
	q := &queue{
		name:       name,
		durable:    spec.Durable,
		autoDelete: spec.AutoDelete,
		exclusive:  spec.Exclusive,
		args:       spec.Args,
	}
	if spec.Exclusive {
		q.owner = owner
	}
	b.queues[name] = q
	return name, nil
}

func (b *Broker) bind(queue string, key string, exchange string) error {
	e, ok := b.exchanges[exchange]
	if !ok {
		return &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no exchange '%v'", exchange)}
	}
	if _, ok := b.queues[queue]; !ok {
		return &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no queue '%v'", queue)}
	}
	for _, bd := range e.bindings {
		if bd.queue == queue && bd.key == key {
			return nil
		}
	}
	e.bindings = append(e.bindings, binding{queue: queue, key: key})
	return nil
}

func (b *Broker) deleteQueue(name string) {
	q, ok := b.queues[name]
	if !ok {
		return
	}
	delete(b.queues, name)
	for _, c := range q.consumers {
		c.stop()
		delete(c.ch.consumers, c.tag)
	}
	q.consumers = nil
	for _, e := range b.exchanges {
		kept := e.bindings[:0]
		for _, bd := range e.bindings {
			if bd.queue != name {
				kept = append(kept, bd)
			}
		}
		e.bindings = kept
	}
}

// Route message to queues, messages that match nothing are dropped.
func (b *Broker) route(exchangeName string, key string, p amqp.Publishing) error {
	if exchangeName == "" {
		if q, ok := b.queues[key]; ok {
			b.enqueue(q, Message{Exchange: exchangeName, RoutingKey: key, Publishing: p})
		}
		return nil
	}

	e, ok := b.exchanges[exchangeName]
	if !ok {
		return &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no exchange '%v'", exchangeName)}
	}
	matched := map[string]struct{}{}
	for _, bd := range e.bindings {
		var hit bool
		switch e.kind {
		case amqp.ExchangeFanout:
			hit = true
		case amqp.ExchangeDirect:
			hit = bd.key == key
		case amqp.ExchangeTopic:
			hit = TopicMatch(bd.key, key)
		}
		if hit {
			matched[bd.queue] = struct{}{}
		}
	}
	names := make([]string, 0, len(matched))
	for n := range matched {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		if q, ok := b.queues[n]; ok {
			b.enqueue(q, Message{Exchange: exchangeName, RoutingKey: key, Publishing: p})
		}
	}
	return nil
}

func (b *Broker) enqueue(q *queue, m Message) {
	q.ready = append(q.ready, m)
	b.dispatch(q)
}

func (b *Broker) requeue(q *queue, m Message) {
	m.Redelivered = true
	q.ready = append([]Message{m}, q.ready...)
	b.dispatch(q)
}

// Hand ready messages to consumers round-robin.
func (b *Broker) dispatch(q *queue) {
	for len(q.ready) > 0 && len(q.consumers) > 0 {
		if q.rr >= len(q.consumers) {
			q.rr = 0
		}
		c := q.consumers[q.rr]
		q.rr++

		m := q.ready[0]
		q.ready = q.ready[1:]
		c.ch.deliveryTag++
		tag := c.ch.deliveryTag
		if !c.autoAck {
			c.ch.unacked[tag] = unacked{queue: q.name, msg: m}
		}
		c.push(delivery(c, tag, m))
	}
}

func (b *Broker) deadLetter(queueName string, m Message) {
	q, ok := b.queues[queueName]
	if !ok || q.args == nil {
		return
	}
	dlx, ok := q.args[argDeadLetterExchange].(string)
	if !ok || dlx == "" {
		return
	}
	key := m.RoutingKey
	if k, ok := q.args[argDeadLetterRoutingKey].(string); ok && k != "" {
		key = k
	}
	p := m.Publishing
	h := amqp.Table{}
	for k, v := range p.Headers {
		h[k] = v
	}
	h["x-first-death-queue"] = queueName
	h["x-first-death-reason"] = "rejected"
	h["x-first-death-exchange"] = m.Exchange
	p.Headers = h
	if err := b.route(dlx, key, p); err == nil {
		b.deadLetters++
	}
}

func delivery(c *consumer, tag uint64, m Message) amqp.Delivery {
	p := m.Publishing
	return amqp.Delivery{
		Acknowledger:    c.ch,
		Headers:         p.Headers,
		ContentType:     p.ContentType,
		ContentEncoding: p.ContentEncoding,
		DeliveryMode:    p.DeliveryMode,
		Priority:        p.Priority,
		CorrelationId:   p.CorrelationId,
		ReplyTo:         p.ReplyTo,
		Expiration:      p.Expiration,
		MessageId:       p.MessageId,
		Timestamp:       p.Timestamp,
		Type:            p.Type,
		UserId:          p.UserId,
		AppId:           p.AppId,
		ConsumerTag:     c.tag,
		DeliveryTag:     tag,
		Redelivered:     m.Redelivered,
		Exchange:        m.Exchange,
		RoutingKey:      m.RoutingKey,
		Body:            p.Body,
	}
}

// Match routing key against topic binding pattern, '*' matches one word and '#' matches zero or more words.
func TopicMatch(pattern string, key string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchWords(p []string, k []string) bool {
	if len(p) == 0 {
		return len(k) == 0
	}
	switch p[0] {
	case "#":
		for i := 0; i <= len(k); i++ {
			if matchWords(p[1:], k[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(k) > 0 && matchWords(p[1:], k[1:])
	}
	return len(k) > 0 && p[0] == k[0] && matchWords(p[1:], k[1:])
}
