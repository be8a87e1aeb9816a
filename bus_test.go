package xsbus_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xsbus"
	"github.com/trickstertwo/xsbus/adapter/memory"
)

const (
	waitFor  = 5 * time.Second
	pollTick = 10 * time.Millisecond
)

func fastBackoff() xsbus.BackoffStrategy {
	return xsbus.NewDefaultBackoff(2*time.Millisecond, 2*time.Millisecond, 20*time.Millisecond)
}

func testOptions() xsbus.Options {
	o := xsbus.DefaultOptions()
	o.TimeoutTickInterval = 20 * time.Millisecond
	return o
}

// enqueue pushes a raw envelope straight onto a queue, bypassing the bus.
func enqueue(t *testing.T, tr *memory.Transport, queue string, headers map[string]string, body []byte) {
	t.Helper()
	h := xsbus.NewHeaders()
	for _, k := range []string{xsbus.HeaderMessageID, xsbus.HeaderType, xsbus.HeaderContentType} {
		if v, ok := headers[k]; ok {
			h.Set(k, v)
		}
	}
	for k, v := range headers {
		if !h.Has(k) {
			h.Set(k, v)
		}
	}
	require.NoError(t, tr.Send(context.Background(), queue, xsbus.NewTransportMessage(h, body), nil))
}

func TestBusHappyPath(t *testing.T) {
	ctx := context.Background()
	net := memory.NewNetwork()
	transport := memory.NewTransport(memory.Config{Address: "input", Network: net})

	var mu sync.Mutex
	var received []string
	activator := xsbus.NewBuiltinActivator()
	activator.HandleFunc("Hello", func(ctx context.Context, msg any) error {
		mu.Lock()
		received = append(received, *(msg.(*string)))
		mu.Unlock()
		return nil
	})

	bus, err := xsbus.NewBusBuilder().
		WithTransportInstance(transport).
		WithActivator(activator).
		WithBackoff(fastBackoff).
		WithOptions(testOptions()).
		Build()
	require.NoError(t, err)
	require.NoError(t, bus.Registry().Register("Hello", ""))

	require.NoError(t, bus.Start(ctx))
	defer func() { _ = bus.Close(ctx) }()

	enqueue(t, transport, "input", map[string]string{
		xsbus.HeaderMessageID:   "m1",
		xsbus.HeaderType:        "Hello",
		xsbus.HeaderContentType: "application/json; charset=utf-8",
	}, []byte(`"hi"`))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, waitFor, pollTick)

	mu.Lock()
	assert.Equal(t, []string{"hi"}, received)
	mu.Unlock()

	require.Eventually(t, func() bool { return net.Len("input") == 0 }, waitFor, pollTick)
	assert.Equal(t, 0, bus.ErrorTracker().Failures("m1"))
	assert.Empty(t, net.Drain("error"))
}

func TestBusPoisonMessage(t *testing.T) {
	ctx := context.Background()
	net := memory.NewNetwork()
	transport := memory.NewTransport(memory.Config{Address: "input", Network: net})

	var attempts atomic.Int32
	activator := xsbus.NewBuiltinActivator()
	activator.HandleFunc("Hello", func(ctx context.Context, msg any) error {
		attempts.Add(1)
		return errors.New("boom")
	})

	opts := testOptions()
	opts.MaxDeliveryAttempts = 3

	bus, err := xsbus.NewBusBuilder().
		WithTransportInstance(transport).
		WithActivator(activator).
		WithBackoff(fastBackoff).
		WithOptions(opts).
		Build()
	require.NoError(t, err)
	require.NoError(t, bus.Registry().Register("Hello", ""))

	require.NoError(t, bus.Start(ctx))
	defer func() { _ = bus.Close(ctx) }()

	enqueue(t, transport, "input", map[string]string{
		xsbus.HeaderMessageID: "m1",
		xsbus.HeaderType:      "Hello",
	}, []byte(`"hi"`))

	require.Eventually(t, func() bool { return net.Len("error") == 1 }, waitFor, pollTick)
	require.Eventually(t, func() bool { return net.Len("input") == 0 }, waitFor, pollTick)

	assert.Equal(t, int32(3), attempts.Load())

	dead := net.Drain("error")
	require.Len(t, dead, 1)
	details, ok := dead[0].Headers.Get(xsbus.HeaderErrorDetails)
	require.True(t, ok)
	assert.Equal(t, 3, strings.Count(details, "boom"))
	source, _ := dead[0].Headers.Get(xsbus.HeaderSourceQueue)
	assert.Equal(t, "input", source)

	// The tracker entry is gone once the message is dead-lettered.
	assert.Equal(t, 0, bus.ErrorTracker().Failures("m1"))
}

func TestBusMissingMessageIDIsDeadLetteredOnce(t *testing.T) {
	ctx := context.Background()
	net := memory.NewNetwork()
	transport := memory.NewTransport(memory.Config{Address: "input", Network: net})

	activator := xsbus.NewBuiltinActivator()
	activator.HandleFunc("Hello", func(ctx context.Context, msg any) error {
		t.Error("handler must not run for an irredeemable message")
		return nil
	})

	bus, err := xsbus.NewBusBuilder().
		WithTransportInstance(transport).
		WithActivator(activator).
		WithBackoff(fastBackoff).
		WithOptions(testOptions()).
		Build()
	require.NoError(t, err)
	require.NoError(t, bus.Registry().Register("Hello", ""))

	require.NoError(t, bus.Start(ctx))
	defer func() { _ = bus.Close(ctx) }()

	enqueue(t, transport, "input", map[string]string{
		xsbus.HeaderType: "Hello",
	}, []byte(`"hi"`))

	require.Eventually(t, func() bool { return net.Len("error") == 1 }, waitFor, pollTick)
	assert.Equal(t, 0, net.Len("input"))
}

func TestBusSendAndReply(t *testing.T) {
	ctx := context.Background()
	net := memory.NewNetwork()
	transport := memory.NewTransport(memory.Config{Address: "input", Network: net})

	type question struct {
		Text string `json:"text"`
	}
	type answer struct {
		Text string `json:"text"`
	}

	var mu sync.Mutex
	var answers []string

	activator := xsbus.NewBuiltinActivator()

	bus, err := xsbus.NewBusBuilder().
		WithTransportInstance(transport).
		WithActivator(activator).
		WithBackoff(fastBackoff).
		WithOptions(testOptions()).
		Build()
	require.NoError(t, err)
	require.NoError(t, bus.Registry().Register("Question", question{}))
	require.NoError(t, bus.Registry().Register("Answer", answer{}))

	xsbus.HandleTyped(activator, "Question", func(ctx context.Context, q *question) error {
		return bus.Reply(ctx, &answer{Text: "re: " + q.Text}, nil)
	})
	xsbus.HandleTyped(activator, "Answer", func(ctx context.Context, a *answer) error {
		mu.Lock()
		answers = append(answers, a.Text)
		mu.Unlock()
		return nil
	})

	require.NoError(t, bus.Start(ctx))
	defer func() { _ = bus.Close(ctx) }()

	// SendLocal stamps return-address with the bus's own queue, so the reply
	// loops back here.
	require.NoError(t, bus.SendLocal(ctx, &question{Text: "ping"}, nil))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(answers) == 1
	}, waitFor, pollTick)

	mu.Lock()
	assert.Equal(t, []string{"re: ping"}, answers)
	mu.Unlock()
}

func TestBusReplyWithoutMessageContext(t *testing.T) {
	net := memory.NewNetwork()
	bus, err := xsbus.NewBusBuilder().
		WithTransportInstance(memory.NewTransport(memory.Config{Address: "input", Network: net})).
		Build()
	require.NoError(t, err)
	require.NoError(t, bus.Registry().Register("Answer", ""))

	err = bus.Reply(context.Background(), "x", nil)
	require.ErrorIs(t, err, xsbus.ErrNoMessageContext)
}

func TestBusRoutingError(t *testing.T) {
	net := memory.NewNetwork()
	bus, err := xsbus.NewBusBuilder().
		WithTransportInstance(memory.NewTransport(memory.Config{Address: "input", Network: net})).
		Build()
	require.NoError(t, err)
	require.NoError(t, bus.Registry().Register("Unrouted", ""))

	err = bus.Send(context.Background(), "x", nil)
	var routing xsbus.RoutingError
	require.ErrorAs(t, err, &routing)
	assert.Equal(t, "Unrouted", routing.MessageType)
}

func TestBusDeferredDelivery(t *testing.T) {
	ctx := context.Background()
	net := memory.NewNetwork()
	transport := memory.NewTransport(memory.Config{Address: "input", Network: net})

	var mu sync.Mutex
	var deliveredAt []time.Time

	activator := xsbus.NewBuiltinActivator()
	activator.HandleFunc("Tick", func(ctx context.Context, msg any) error {
		mu.Lock()
		deliveredAt = append(deliveredAt, time.Now())
		mu.Unlock()
		return nil
	})

	bus, err := xsbus.NewBusBuilder().
		WithTransportInstance(transport).
		WithActivator(activator).
		WithBackoff(fastBackoff).
		WithOptions(testOptions()).
		Build()
	require.NoError(t, err)
	require.NoError(t, bus.Registry().Register("Tick", ""))

	require.NoError(t, bus.Start(ctx))
	defer func() { _ = bus.Close(ctx) }()

	delay := 150 * time.Millisecond
	due := time.Now().Add(delay)
	require.NoError(t, bus.Defer(ctx, delay, "later", nil))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(deliveredAt) == 1
	}, waitFor, pollTick)

	mu.Lock()
	assert.False(t, deliveredAt[0].Before(due), "deferred message arrived before its due time")
	mu.Unlock()

	// Exactly once: no second delivery shows up.
	time.Sleep(200 * time.Millisecond)
	mu.Lock()
	assert.Len(t, deliveredAt, 1)
	mu.Unlock()
}

func TestBusNativeDeferredDelivery(t *testing.T) {
	ctx := context.Background()
	net := memory.NewNetwork()
	transport := memory.NewDeferredTransport(memory.Config{Address: "input", Network: net})

	var delivered atomic.Int32
	activator := xsbus.NewBuiltinActivator()
	activator.HandleFunc("Tick", func(ctx context.Context, msg any) error {
		delivered.Add(1)
		return nil
	})

	bus, err := xsbus.NewBusBuilder().
		WithTransportInstance(transport).
		WithActivator(activator).
		WithBackoff(fastBackoff).
		WithOptions(testOptions()).
		Build()
	require.NoError(t, err)
	require.NoError(t, bus.Registry().Register("Tick", ""))

	// The deferral steps are removed for native future delivery.
	ids := bus.Pipeline().IncomingIDs()
	assert.NotContains(t, ids, "defer-messages")
	assert.NotContains(t, ids, "handle-deferred")

	require.NoError(t, bus.Start(ctx))
	defer func() { _ = bus.Close(ctx) }()

	due := time.Now().Add(120 * time.Millisecond)
	require.NoError(t, bus.Defer(ctx, 120*time.Millisecond, "later", nil))

	require.Eventually(t, func() bool { return delivered.Load() == 1 }, waitFor, pollTick)
	assert.False(t, time.Now().Before(due))
}

func TestBusPubSubWithLocalStorage(t *testing.T) {
	ctx := context.Background()
	net := memory.NewNetwork()

	type ping struct {
		N int `json:"n"`
	}

	// B is the publisher owning the topic; its subscription storage is local.
	storageB := xsbus.NewInMemorySubscriptionStorage(false)
	busB, err := xsbus.NewBusBuilder().
		WithTransportInstance(memory.NewTransport(memory.Config{Address: "queue-b", Network: net})).
		WithSubscriptionStorage(storageB).
		WithBackoff(fastBackoff).
		WithOptions(testOptions()).
		Build()
	require.NoError(t, err)
	require.NoError(t, busB.Registry().Register("Ping", ping{}))

	// A subscribes through B.
	var received atomic.Int32
	activatorA := xsbus.NewBuiltinActivator()
	xsbus.HandleTyped(activatorA, "Ping", func(ctx context.Context, p *ping) error {
		received.Add(1)
		return nil
	})
	busA, err := xsbus.NewBusBuilder().
		WithTransportInstance(memory.NewTransport(memory.Config{Address: "queue-a", Network: net})).
		WithActivator(activatorA).
		WithRouter(xsbus.NewStaticRouter().Map("Ping", "queue-b")).
		WithBackoff(fastBackoff).
		WithOptions(testOptions()).
		Build()
	require.NoError(t, err)
	require.NoError(t, busA.Registry().Register("Ping", ping{}))

	require.NoError(t, busB.Start(ctx))
	defer func() { _ = busB.Close(ctx) }()
	require.NoError(t, busA.Start(ctx))
	defer func() { _ = busA.Close(ctx) }()

	require.NoError(t, busA.Subscribe(ctx, "Ping"))

	// The publisher observes the subscribe request.
	require.Eventually(t, func() bool {
		subs, err := storageB.Subscribers(ctx, "Ping")
		return err == nil && len(subs) == 1 && subs[0] == "queue-a"
	}, waitFor, pollTick)

	require.NoError(t, busB.Publish(ctx, &ping{N: 1}, nil))
	require.Eventually(t, func() bool { return received.Load() == 1 }, waitFor, pollTick)

	// Unsubscribe round-trips the same way.
	require.NoError(t, busA.Unsubscribe(ctx, "Ping"))
	require.Eventually(t, func() bool {
		subs, err := storageB.Subscribers(ctx, "Ping")
		return err == nil && len(subs) == 0
	}, waitFor, pollTick)

	require.NoError(t, busB.Publish(ctx, &ping{N: 2}, nil))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), received.Load())
}

func TestBusPubSubWithCentralizedStorage(t *testing.T) {
	ctx := context.Background()
	net := memory.NewNetwork()
	shared := xsbus.NewInMemorySubscriptionStorage(true)

	type ping struct {
		N int `json:"n"`
	}

	var received atomic.Int32
	activatorA := xsbus.NewBuiltinActivator()
	xsbus.HandleTyped(activatorA, "Ping", func(ctx context.Context, p *ping) error {
		received.Add(1)
		return nil
	})

	busA, err := xsbus.NewBusBuilder().
		WithTransportInstance(memory.NewTransport(memory.Config{Address: "queue-a", Network: net})).
		WithActivator(activatorA).
		WithSubscriptionStorage(shared).
		WithBackoff(fastBackoff).
		WithOptions(testOptions()).
		Build()
	require.NoError(t, err)
	require.NoError(t, busA.Registry().Register("Ping", ping{}))

	busB, err := xsbus.NewBusBuilder().
		WithTransportInstance(memory.NewTransport(memory.Config{Address: "queue-b", Network: net})).
		WithSubscriptionStorage(shared).
		WithBackoff(fastBackoff).
		WithOptions(testOptions()).
		Build()
	require.NoError(t, err)
	require.NoError(t, busB.Registry().Register("Ping", ping{}))

	require.NoError(t, busA.Start(ctx))
	defer func() { _ = busA.Close(ctx) }()
	require.NoError(t, busB.Start(ctx))
	defer func() { _ = busB.Close(ctx) }()

	// Centralized storage: the subscribe mutates the shared store directly,
	// no round-trip needed.
	require.NoError(t, busA.Subscribe(ctx, "Ping"))
	subs, err := shared.Subscribers(ctx, "Ping")
	require.NoError(t, err)
	assert.Equal(t, []string{"queue-a"}, subs)

	require.NoError(t, busB.Publish(ctx, &ping{N: 1}, nil))
	require.Eventually(t, func() bool { return received.Load() == 1 }, waitFor, pollTick)
}

// countingTransport wraps a transport and counts Receive calls.
type countingTransport struct {
	*memory.Transport
	receives atomic.Int64
}

func (c *countingTransport) Receive(ctx context.Context, tx *xsbus.TransactionContext) (*xsbus.TransportMessage, error) {
	c.receives.Add(1)
	return c.Transport.Receive(ctx, tx)
}

func TestBusOneWayClient(t *testing.T) {
	ctx := context.Background()
	net := memory.NewNetwork()
	transport := &countingTransport{Transport: memory.NewTransport(memory.Config{Address: "one-way", Network: net})}

	opts := testOptions()
	opts.NumWorkers = 0

	bus, err := xsbus.NewBusBuilder().
		WithTransportInstance(transport).
		WithRouter(xsbus.NewStaticRouter().Map("Hello", "elsewhere")).
		WithOptions(opts).
		Build()
	require.NoError(t, err)
	require.NoError(t, bus.Registry().Register("Hello", ""))

	require.NoError(t, bus.Start(ctx))
	defer func() { _ = bus.Close(ctx) }()

	// Send works; the message lands on the destination queue.
	require.NoError(t, bus.Send(ctx, "hi", nil))
	require.Eventually(t, func() bool { return net.Len("elsewhere") == 1 }, waitFor, pollTick)

	// No receive loop, ever.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int64(0), transport.receives.Load())
	assert.Equal(t, 0, bus.WorkerCount())

	// Raising the worker count is rejected.
	require.ErrorIs(t, bus.SetWorkerCount(1), xsbus.ErrOneWayClient)
	require.ErrorIs(t, bus.SendLocal(ctx, "hi", nil), xsbus.ErrOneWayClient)
	require.ErrorIs(t, bus.Subscribe(ctx, "Hello"), xsbus.ErrOneWayClient)
}

func TestBusSagaCounter(t *testing.T) {
	ctx := context.Background()
	net := memory.NewNetwork()
	transport := memory.NewTransport(memory.Config{Address: "input", Network: net})

	type count struct {
		Key string `json:"key"`
	}

	type counterData struct {
		xsbus.SagaDataBase
		Key     string `json:"key"`
		Counter int    `json:"counter"`
	}

	storage := xsbus.NewInMemorySagaStorage()
	activator := xsbus.NewBuiltinActivator()
	saga := xsbus.NewSaga("CounterSaga", func() xsbus.SagaData { return &counterData{} }).
		StartedBy("Count").
		CorrelateWith("Count", "Key", func(msg any) (string, bool) {
			m, ok := msg.(*count)
			if !ok {
				return "", false
			}
			return m.Key, true
		}).
		OnMessage(func(ctx context.Context, data xsbus.SagaData, msg any) error {
			d := data.(*counterData)
			d.Key = msg.(*count).Key
			d.Counter++
			return nil
		})
	activator.Handle("Count", saga)

	bus, err := xsbus.NewBusBuilder().
		WithTransportInstance(transport).
		WithActivator(activator).
		WithSagaStorage(storage).
		WithBackoff(fastBackoff).
		WithOptions(testOptions()).
		Build()
	require.NoError(t, err)
	require.NoError(t, bus.Registry().Register("Count", count{}))

	require.NoError(t, bus.Start(ctx))
	defer func() { _ = bus.Close(ctx) }()

	require.NoError(t, bus.SendLocal(ctx, &count{Key: "x"}, nil))
	require.NoError(t, bus.SendLocal(ctx, &count{Key: "x"}, nil))

	require.Eventually(t, func() bool {
		data, err := storage.Find(ctx, "CounterSaga", "Key", "x")
		if err != nil || data == nil {
			return false
		}
		return data.(*counterData).Counter == 2
	}, waitFor, pollTick)

	data, err := storage.Find(ctx, "CounterSaga", "Key", "x")
	require.NoError(t, err)
	assert.Equal(t, int64(1), data.SagaRevision())
	assert.Equal(t, 1, storage.Len())
}

func TestBusExpiredMessageIsDiscarded(t *testing.T) {
	ctx := context.Background()
	net := memory.NewNetwork()
	transport := memory.NewTransport(memory.Config{Address: "input", Network: net})

	activator := xsbus.NewBuiltinActivator()
	activator.HandleFunc("Hello", func(ctx context.Context, msg any) error {
		t.Error("expired message must not reach the handler")
		return nil
	})

	bus, err := xsbus.NewBusBuilder().
		WithTransportInstance(transport).
		WithActivator(activator).
		WithBackoff(fastBackoff).
		WithOptions(testOptions()).
		Build()
	require.NoError(t, err)
	require.NoError(t, bus.Registry().Register("Hello", ""))

	require.NoError(t, bus.Start(ctx))
	defer func() { _ = bus.Close(ctx) }()

	sent := time.Now().Add(-time.Minute).UTC().Format(time.RFC3339Nano)
	enqueue(t, transport, "input", map[string]string{
		xsbus.HeaderMessageID:        "m1",
		xsbus.HeaderType:             "Hello",
		xsbus.HeaderSentTime:         sent,
		xsbus.HeaderTimeToBeReceived: "1s",
	}, []byte(`"hi"`))

	require.Eventually(t, func() bool { return net.Len("input") == 0 }, waitFor, pollTick)
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, net.Drain("error"))
}

func TestBusWorkerCountCanBeRaised(t *testing.T) {
	ctx := context.Background()
	net := memory.NewNetwork()
	bus, err := xsbus.NewBusBuilder().
		WithTransportInstance(memory.NewTransport(memory.Config{Address: "input", Network: net})).
		WithBackoff(fastBackoff).
		WithOptions(testOptions()).
		Build()
	require.NoError(t, err)

	require.NoError(t, bus.Start(ctx))
	defer func() { _ = bus.Close(ctx) }()

	require.Eventually(t, func() bool { return bus.WorkerCount() == 1 }, waitFor, pollTick)
	require.NoError(t, bus.SetWorkerCount(3))
	require.Eventually(t, func() bool { return bus.WorkerCount() == 3 }, waitFor, pollTick)
	require.NoError(t, bus.SetWorkerCount(1))
	require.Eventually(t, func() bool { return bus.WorkerCount() == 1 }, waitFor, pollTick)
}
