package rabbit

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Queue declaration.
//
// An empty Name asks the broker to generate one, the generated name is returned by Channel.DeclareQueue.
type QueueSpec struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Args       amqp.Table
}

// Channel to the broker, all operations of a Client are executed against one Channel.
type Channel interface {
	DeclareExchange(name string, kind string, durable bool) error
	DeclareQueue(q QueueSpec) (string, error)
	BindQueue(queue string, routingKey string, exchange string) error
	DeleteQueue(name string) error

	// Prefetch count for consumers created afterwards.
	Qos(prefetch int) error

	Consume(queue string, consumer string, autoAck bool) (<-chan amqp.Delivery, error)
	Cancel(consumer string) error

	// Publish message.
	//
	// Returns false without error when the broker is applying backpressure (blocked connection,
	// paused channel) or when it nacks the message in confirm mode.
	Publish(ctx context.Context, exchange string, routingKey string, msg amqp.Publishing) (bool, error)

	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	Close() error
	IsClosed() bool
}

// Connection to the broker.
type Connection interface {
	// Open a channel, confirm puts the channel in confirm mode.
	Channel(confirm bool) (Channel, error)

	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	Close() error
	IsClosed() bool
}

// Dial the broker.
type Dialer func(url string, cfg amqp.Config) (Connection, error)
