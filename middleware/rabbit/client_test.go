package rabbit_test

import (
	"errors"
	"testing"
	"time"

	"github.com/curtisnewbie/shopbus/encoding/json"
	"github.com/curtisnewbie/shopbus/middleware/rabbit"
	"github.com/curtisnewbie/shopbus/middleware/rabbit/rabbittest"
	"github.com/curtisnewbie/shopbus/miso"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testExchange = "shopbus"

func testConfig() rabbit.Config {
	return rabbit.Config{
		ExchangeName:   testExchange,
		ExchangeKind:   "topic",
		Confirm:        true,
		Qos:            rabbit.DefaultQos,
		RpcTimeout:     2 * time.Second,
		ConnectRetry:   2,
		ConnectBackoff: 5 * time.Millisecond,
		Recover:        true,
		RecoverRetry:   5,
	}
}

func newTestClient(t *testing.T, b *rabbittest.Broker, modify ...func(c *rabbit.Config)) *rabbit.Client {
	t.Helper()
	conf := testConfig()
	for _, m := range modify {
		m(&conf)
	}
	c := rabbit.NewClient(conf, rabbit.WithDialer(b.Dial))
	t.Cleanup(func() { _ = c.Close(miso.EmptyRail()) })
	return c
}

func TestEnsureReadyIdempotent(t *testing.T) {
	b := rabbittest.New()
	c := newTestClient(t, b)
	rail := miso.EmptyRail()

	require.False(t, c.Connected())
	ch1, err := c.EnsureReady(rail)
	require.NoError(t, err)
	ch2, err := c.EnsureReady(rail)
	require.NoError(t, err)

	assert.Same(t, ch1, ch2)
	assert.Equal(t, 1, b.Dials())
	assert.Equal(t, 1, b.Connections())
	assert.True(t, c.Connected())
}

func TestEnsureReadyConcurrent(t *testing.T) {
	b := rabbittest.New()
	c := newTestClient(t, b)

	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		go func() {
			_, err := c.EnsureReady(miso.EmptyRail())
			errs <- err
		}()
	}
	for i := 0; i < 20; i++ {
		require.NoError(t, <-errs)
	}
	assert.Equal(t, 1, b.Dials())
}

func TestEnsureReadyDialFailure(t *testing.T) {
	b := rabbittest.New()
	c := newTestClient(t, b)
	rail := miso.EmptyRail()

	refused := errors.New("connection refused")
	b.FailDial(refused)
	_, err := c.EnsureReady(rail)
	require.Error(t, err)
	assert.ErrorIs(t, err, refused)
	assert.Equal(t, 1, b.Dials(), "no internal retry")

	b.FailDial(nil)
	_, err = c.EnsureReady(rail)
	require.NoError(t, err)
	assert.Equal(t, 2, b.Dials())
}

func TestConnectRetries(t *testing.T) {
	b := rabbittest.New()
	c := newTestClient(t, b)

	b.FailNextDials(2, errors.New("connection refused"))
	require.NoError(t, c.Connect(miso.EmptyRail()))
	assert.Equal(t, 3, b.Dials())
	assert.True(t, c.Connected())
}

func TestConnectGivesUp(t *testing.T) {
	b := rabbittest.New()
	c := newTestClient(t, b)

	b.FailDial(errors.New("connection refused"))
	err := c.Connect(miso.EmptyRail())
	require.Error(t, err)
	assert.Equal(t, 3, b.Dials())
	assert.False(t, c.Connected())
}

func TestReconnectAfterConnectionLoss(t *testing.T) {
	b := rabbittest.New()
	c := newTestClient(t, b)
	rail := miso.EmptyRail()

	received := make(chan string, 10)
	sub, err := c.Subscribe(rail, "audit.log.*", func(rail miso.Rail, body json.RawMessage) error {
		received <- string(body)
		return nil
	})
	require.NoError(t, err)
	firstQueue := sub.Queue()

	b.KillConnections()

	// consumers are restored in background
	require.Eventually(t, func() bool {
		return c.Connected() && b.Dials() == 2 && b.ConsumerCount(sub.Queue()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.NotEqual(t, firstQueue, sub.Queue())
	assert.False(t, b.QueueExists(firstQueue))

	ok, err := c.Publish(rail, "audit.log.created", map[string]any{"a": 1})
	require.NoError(t, err)
	require.True(t, ok)

	select {
	case body := <-received:
		assert.JSONEq(t, `{"a":1}`, body)
	case <-time.After(2 * time.Second):
		t.Fatal("event not received after reconnect")
	}
}

func TestChannelCloseInvalidates(t *testing.T) {
	b := rabbittest.New()
	c := newTestClient(t, b)
	rail := miso.EmptyRail()

	ch1, err := c.EnsureReady(rail)
	require.NoError(t, err)

	b.KillChannels()
	require.Eventually(t, func() bool { return !c.Connected() }, time.Second, 5*time.Millisecond)

	ch2, err := c.EnsureReady(rail)
	require.NoError(t, err)
	assert.NotSame(t, ch1, ch2)
	assert.Equal(t, 2, b.Dials())
	assert.Eventually(t, func() bool { return b.Connections() == 1 }, time.Second, 5*time.Millisecond)
}

func TestRecoverFromDialFailure(t *testing.T) {
	b := rabbittest.New()
	c := newTestClient(t, b)
	rail := miso.EmptyRail()

	_, err := c.Subscribe(rail, "order.#", func(rail miso.Rail, body json.RawMessage) error { return nil })
	require.NoError(t, err)

	b.FailNextDials(2, errors.New("connection refused"))
	b.KillConnections()

	require.Eventually(t, c.Connected, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 4, b.Dials())
}

func TestCloseClient(t *testing.T) {
	b := rabbittest.New()
	c := newTestClient(t, b)
	rail := miso.EmptyRail()

	sub, err := c.Subscribe(rail, "audit.#", func(rail miso.Rail, body json.RawMessage) error { return nil })
	require.NoError(t, err)

	require.NoError(t, c.Close(rail))
	require.NoError(t, c.Close(rail))
	assert.False(t, c.Connected())
	assert.Equal(t, 0, b.Connections())

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscription should be stopped")
	}

	_, err = c.EnsureReady(rail)
	assert.ErrorIs(t, err, rabbit.ErrClientClosed)

	_, err = c.Publish(rail, "audit.log.created", map[string]any{})
	assert.ErrorIs(t, err, rabbit.ErrClientClosed)
	assert.Equal(t, 1, b.Dials())
}
