package rabbit

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/curtisnewbie/shopbus/miso"
	"github.com/curtisnewbie/shopbus/util/errs"
	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	_ Dialer     = DialAmqp
	_ Connection = (*amqpConn)(nil)
	_ Channel    = (*amqpChannel)(nil)
)

// Dial RabbitMQ using amqp091-go.
func DialAmqp(url string, cfg amqp.Config) (Connection, error) {
	conn, err := amqp.DialConfig(url, cfg)
	if err != nil {
		return nil, err
	}
	ac := &amqpConn{conn: conn}

	// the channel is closed when the connection is closed
	blockings := conn.NotifyBlocked(make(chan amqp.Blocking, 1))
	go func() {
		for b := range blockings {
			ac.blocked.Store(b.Active)
			if b.Active {
				miso.Warnf("RabbitMQ connection blocked by broker, reason: %v", b.Reason)
			} else {
				miso.Infof("RabbitMQ connection unblocked")
			}
		}
	}()
	return ac, nil
}

type amqpConn struct {
	conn    *amqp.Connection
	blocked atomic.Bool
}

func (a *amqpConn) Channel(confirm bool) (Channel, error) {
	ch, err := a.conn.Channel()
	if err != nil {
		return nil, err
	}
	if confirm {
		if err := ch.Confirm(false); err != nil {
			_ = ch.Close()
			return nil, errs.WrapErrf(err, "channel could not be put into confirm mode")
		}
	}
	c := &amqpChannel{ch: ch, conn: a, confirm: confirm}
	flows := ch.NotifyFlow(make(chan bool, 1))
	go func() {
		for active := range flows {
			c.paused.Store(!active)
		}
	}()
	return c, nil
}

func (a *amqpConn) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	return a.conn.NotifyClose(c)
}

func (a *amqpConn) Close() error {
	if a.conn.IsClosed() {
		return nil
	}
	return a.conn.Close()
}

func (a *amqpConn) IsClosed() bool {
	return a.conn.IsClosed()
}

type amqpChannel struct {
	ch      *amqp.Channel
	conn    *amqpConn
	confirm bool
	paused  atomic.Bool
}

func (c *amqpChannel) DeclareExchange(name string, kind string, durable bool) error {
	return c.ch.ExchangeDeclare(name, kind, durable, false, false, false, nil)
}

func (c *amqpChannel) DeclareQueue(q QueueSpec) (string, error) {
	dq, err := c.ch.QueueDeclare(q.Name, q.Durable, q.AutoDelete, q.Exclusive, false, q.Args)
	if err != nil {
		return "", err
	}
	return dq.Name, nil
}

func (c *amqpChannel) BindQueue(queue string, routingKey string, exchange string) error {
	return c.ch.QueueBind(queue, routingKey, exchange, false, nil)
}

func (c *amqpChannel) DeleteQueue(name string) error {
	_, err := c.ch.QueueDelete(name, false, false, false)
	return err
}

func (c *amqpChannel) Qos(prefetch int) error {
	return c.ch.Qos(prefetch, 0, false)
}

func (c *amqpChannel) Consume(queue string, consumer string, autoAck bool) (<-chan amqp.Delivery, error) {
	return c.ch.Consume(queue, consumer, autoAck, false, false, false, nil)
}

func (c *amqpChannel) Cancel(consumer string) error {
	return c.ch.Cancel(consumer, false)
}

func (c *amqpChannel) Publish(ctx context.Context, exchange string, routingKey string, msg amqp.Publishing) (bool, error) {
	if c.conn.blocked.Load() || c.paused.Load() {
		return false, nil
	}
	if !c.confirm {
		if err := c.ch.PublishWithContext(ctx, exchange, routingKey, false, false, msg); err != nil {
			return false, err
		}
		return true, nil
	}

	dc, err := c.ch.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, false, false, msg)
	if err != nil {
		return false, err
	}
	if dc == nil {
		return true, nil
	}
	return dc.WaitContext(ctx)
}

func (c *amqpChannel) NotifyClose(ch chan *amqp.Error) chan *amqp.Error {
	return c.ch.NotifyClose(ch)
}

func (c *amqpChannel) Close() error {
	if c.ch.IsClosed() {
		return nil
	}
	return c.ch.Close()
}

func (c *amqpChannel) IsClosed() bool {
	return c.ch.IsClosed()
}

// Parse amqp url, password is removed.
func parseUrl(url string) (string, error) {
	u, err := amqp.ParseURI(url)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s://%s@%s:%d/%s", u.Scheme, u.Username, u.Host, u.Port, strings.TrimPrefix(u.Vhost, "/")), nil
}
