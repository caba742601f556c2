package rabbit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/curtisnewbie/shopbus/miso"
	"github.com/curtisnewbie/shopbus/util/errs"
	"github.com/curtisnewbie/shopbus/util/retry"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Consumer that is restored on the new channel whenever the client reconnects.
type managedConsumer interface {
	tag() string
	start(rail miso.Rail, ch Channel) error

	// Mark consumer as stopped, the consumer is no longer restored.
	markStopped()
}

type ClientOption func(c *Client)

// Use a different Dialer, e.g., an in-memory broker for testing.
func WithDialer(d Dialer) ClientOption {
	return func(c *Client) {
		c.dial = d
	}
}

/*
RabbitMQ client that owns one connection and one channel.

The connection and channel are opened lazily on the first operation (publish, subscribe,
rpc call or rpc handler registration) and shared by all of them. When the broker closes either of them,
they are discarded and reopened on next demand. Subscriptions and rpc handlers registered on the
client are restored on the new channel in background.

Use NewClient to create one.
*/
type Client struct {
	conf Config
	dial Dialer

	mu        sync.Mutex
	conn      Connection
	ch        Channel
	gen       uint64 // incremented whenever a connection is opened
	closed    bool
	consumers map[string]managedConsumer

	pendingMu sync.Mutex
	pending   map[string]*pendingCall

	ctx        context.Context // cancelled on Close
	cancel     context.CancelFunc
	recovering atomic.Bool
}

func NewClient(conf Config, opts ...ClientOption) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		conf:      conf.withDefaults(),
		dial:      DialAmqp,
		consumers: map[string]managedConsumer{},
		pending:   map[string]*pendingCall{},
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, op := range opts {
		op(c)
	}
	return c
}

// Client Config.
func (c *Client) Config() Config {
	return c.conf
}

// Return the cached channel, or open a new connection and channel when there isn't one.
//
// Connection failure is returned to the caller directly, it's not retried.
func (c *Client) EnsureReady(rail miso.Rail) (Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ensureReadyLocked(rail)
}

func (c *Client) ensureReadyLocked(rail miso.Rail) (Channel, error) {
	if c.closed {
		return nil, ErrClientClosed.New()
	}
	if c.ch != nil {
		if !c.ch.IsClosed() && !c.conn.IsClosed() {
			return c.ch, nil
		}
		// close notification not handled yet
		c.dropLocked()
	}
	return c.open(rail)
}

func (c *Client) dropLocked() {
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.conn = nil
	c.ch = nil
}

func (c *Client) open(rail miso.Rail) (Channel, error) {
	rail.Infof("Connecting to RabbitMQ: '%v'", c.conf.safeUrl())

	conn, err := c.dial(c.conf.dialUrl(), amqp.Config{
		Heartbeat:  10 * time.Second,
		Properties: amqp.Table{"connection_name": c.conf.ConnectionName},
	})
	if err != nil {
		return nil, errs.WrapErrf(err, "failed to connect to RabbitMQ")
	}

	ch, err := c.openChannel(conn)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	c.gen++
	c.conn = conn
	c.ch = ch
	c.watch(c.gen, conn, ch)
	reconnectCounter.Inc()
	rail.Infof("Connected to RabbitMQ, generation: %v", c.gen)

	for _, mc := range c.consumers {
		if err := mc.start(rail, ch); err != nil {
			rail.Errorf("Failed to restore consumer '%v', %v", mc.tag(), err)
		}
	}
	return ch, nil
}

func (c *Client) openChannel(conn Connection) (Channel, error) {
	ch, err := conn.Channel(c.conf.Confirm)
	if err != nil {
		return nil, errs.WrapErrf(err, "failed to open channel")
	}
	if err := ch.Qos(c.conf.Qos); err != nil {
		return nil, errs.WrapErrf(err, "failed to set qos")
	}
	if c.conf.ExchangeName != "" {
		if err := ch.DeclareExchange(c.conf.ExchangeName, c.conf.ExchangeKind, true); err != nil {
			return nil, errs.WrapErrf(err, "failed to declare exchange '%v'", c.conf.ExchangeName)
		}
		miso.Debugf("Declared %v exchange '%v'", c.conf.ExchangeKind, c.conf.ExchangeName)
	}
	if c.conf.DeadLetterExchange != "" {
		if err := ch.DeclareExchange(c.conf.DeadLetterExchange, c.conf.ExchangeKind, true); err != nil {
			return nil, errs.WrapErrf(err, "failed to declare dead letter exchange '%v'", c.conf.DeadLetterExchange)
		}
	}
	return ch, nil
}

// Watch close of the connection and the channel opened in generation gen.
func (c *Client) watch(gen uint64, conn Connection, ch Channel) {
	connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
	chClosed := ch.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		var cause *amqp.Error
		select {
		case cause = <-connClosed:
		case cause = <-chClosed:
		case <-c.ctx.Done():
			return
		}
		c.invalidate(gen, cause)
	}()
}

// Discard connection and channel of generation gen, it's a noop if a newer generation is cached.
func (c *Client) invalidate(gen uint64, cause *amqp.Error) {
	c.mu.Lock()
	if gen != c.gen || c.ch == nil {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.conn = nil
	c.ch = nil
	doRecover := !c.closed && c.conf.Recover && len(c.consumers) > 0
	c.mu.Unlock()

	if cause != nil {
		miso.Warnf("RabbitMQ connection lost, generation: %v, %v", gen, cause)
	} else {
		miso.Infof("RabbitMQ connection closed, generation: %v", gen)
	}
	_ = conn.Close()

	if doRecover {
		go c.recoverLoop()
	}
}

// Reconnect with bounded exponential backoff so that consumers are restored.
func (c *Client) recoverLoop() {
	if !c.recovering.CompareAndSwap(false, true) {
		return
	}
	defer c.recovering.Store(false)

	rail := miso.EmptyRail()
	backoff := retry.ExponentialBackoff(c.conf.ConnectBackoff, c.conf.RecoverRetry, maxRecoverBackoff)
	err := retry.CallWithBackoff(c.ctx, backoff, func() error {
		_, err := c.EnsureReady(rail)
		if err != nil {
			rail.Warnf("Failed to recover RabbitMQ connection, %v", err)
		}
		return err
	})
	if err != nil {
		rail.Errorf("Gave up recovering RabbitMQ connection, next operation will reconnect on demand, %v", err)
		return
	}
	rail.Info("RabbitMQ connection recovered")
}

// Connect with bounded exponential backoff, used on service bootstrap.
//
// The last error is returned when all attempts fail.
func (c *Client) Connect(rail miso.Rail) error {
	backoff := retry.ExponentialBackoff(c.conf.ConnectBackoff, c.conf.ConnectRetry, maxRecoverBackoff)
	attempt := 0
	err := retry.CallWithBackoff(rail.Context(), backoff, func() error {
		attempt++
		_, err := c.EnsureReady(rail)
		if err != nil && !errors.Is(err, ErrClientClosed) {
			rail.Warnf("Failed to connect RabbitMQ (attempt %d/%d), %v", attempt, len(backoff)+1, err)
		}
		return err
	})
	if err != nil {
		return errs.WrapErrf(err, "failed to connect RabbitMQ after %d attempts", attempt)
	}
	return nil
}

// Whether a live channel is cached.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ch != nil && !c.ch.IsClosed()
}

// Close the connection and stop all consumers, the client can't be used afterwards.
func (c *Client) Close(rail miso.Rail) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.cancel()
	consumers := c.consumers
	c.consumers = map[string]managedConsumer{}
	conn := c.conn
	c.conn = nil
	c.ch = nil
	c.mu.Unlock()

	for _, mc := range consumers {
		mc.markStopped()
	}
	if conn == nil {
		return nil
	}
	rail.Info("Closing RabbitMQ connection")
	if err := conn.Close(); err != nil {
		return errs.WrapErrf(err, "failed to close RabbitMQ connection")
	}
	return nil
}

// Start the consumer and keep it, so it's restored after reconnect.
func (c *Client) register(rail miso.Rail, mc managedConsumer) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch, err := c.ensureReadyLocked(rail)
	if err != nil {
		return err
	}
	if err := mc.start(rail, ch); err != nil {
		return err
	}
	c.consumers[mc.tag()] = mc
	return nil
}

// Remove the consumer and cancel it on the current channel.
func (c *Client) unregister(tag string) {
	c.mu.Lock()
	delete(c.consumers, tag)
	ch := c.ch
	c.mu.Unlock()

	if ch != nil && !ch.IsClosed() {
		if err := ch.Cancel(tag); err != nil {
			miso.Debugf("Failed to cancel consumer '%v', %v", tag, err)
		}
	}
}

// Number of rpc calls awaiting reply.
func (c *Client) PendingCalls() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return len(c.pending)
}

// Common parts of a managed consumer.
type consumerBase struct {
	c    *Client
	ctag string

	mu    sync.Mutex
	queue string

	done     chan struct{}
	stopOnce sync.Once
}

func (b *consumerBase) initBase(c *Client, ctag string) {
	b.c = c
	b.ctag = ctag
	b.done = make(chan struct{})
}

func (b *consumerBase) tag() string {
	return b.ctag
}

func (b *consumerBase) setQueue(q string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queue = q
}

// Name of the queue consumed, server-named queues change after reconnect.
func (b *consumerBase) Queue() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queue
}

// Closed when the consumer is stopped.
func (b *consumerBase) Done() <-chan struct{} {
	return b.done
}

// Stop consuming, it's safe to call it more than once.
func (b *consumerBase) Stop() {
	b.stopOnce.Do(func() {
		b.c.unregister(b.ctag)
		close(b.done)
	})
}

func (b *consumerBase) markStopped() {
	b.stopOnce.Do(func() {
		close(b.done)
	})
}

// Stop when the rail is cancelled.
func (b *consumerBase) stopOnDone(rail miso.Rail) {
	rd := rail.Done()
	if rd == nil {
		return
	}
	go func() {
		select {
		case <-rd:
			b.Stop()
		case <-b.done:
		}
	}()
}
