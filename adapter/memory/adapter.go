package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xsbus"
)

const TransportName = "memory"

func init() {
	if err := xsbus.RegisterTransport(TransportName, func(cfg map[string]any) (xsbus.Transport, error) {
		return fromConfigMap(cfg)
	}); err != nil {
		panic(fmt.Errorf("xsbus/memory: failed to register transport: %w", err))
	}
}

// Network is the in-process broker: a set of named queues shared by every
// transport attached to it. Two buses on the same Network can exchange
// messages, which is what the integration tests lean on.
type Network struct {
	mu     sync.Mutex
	queues map[string]*queue
}

// NewNetwork returns an empty broker.
func NewNetwork() *Network {
	return &Network{queues: make(map[string]*queue)}
}

func (n *Network) queue(name string) *queue {
	n.mu.Lock()
	defer n.mu.Unlock()
	q, ok := n.queues[name]
	if !ok {
		q = &queue{}
		n.queues[name] = q
	}
	return q
}

// Len returns the number of messages in the named queue that are due for
// delivery; deferred messages whose due time has not passed are not counted.
func (n *Network) Len(name string) int {
	return n.queue(name).len(time.Now())
}

// Drain removes and returns every message waiting in the named queue.
func (n *Network) Drain(name string) []*xsbus.TransportMessage {
	return n.queue(name).drain()
}

type queueItem struct {
	msg *xsbus.TransportMessage
	due time.Time
}

type queue struct {
	mu    sync.Mutex
	items []queueItem
}

func (q *queue) push(msg *xsbus.TransportMessage, due time.Time) {
	q.mu.Lock()
	q.items = append(q.items, queueItem{msg: msg, due: due})
	q.mu.Unlock()
}

func (q *queue) pushFront(msg *xsbus.TransportMessage) {
	q.mu.Lock()
	q.items = append([]queueItem{{msg: msg}}, q.items...)
	q.mu.Unlock()
}

// pop returns the first message whose due time has passed, preserving FIFO
// order among due messages.
func (q *queue) pop(now time.Time) *xsbus.TransportMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, it := range q.items {
		if it.due.After(now) {
			continue
		}
		q.items = append(q.items[:i], q.items[i+1:]...)
		return it.msg
	}
	return nil
}

func (q *queue) len(now time.Time) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, it := range q.items {
		if !it.due.After(now) {
			n++
		}
	}
	return n
}

func (q *queue) drain() []*xsbus.TransportMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*xsbus.TransportMessage, 0, len(q.items))
	for _, it := range q.items {
		out = append(out, it.msg)
	}
	q.items = nil
	return out
}

// Config controls the memory transport.
type Config struct {
	// Address is the transport's own input queue name.
	Address string
	// Network attaches the transport to a shared broker; nil creates a
	// private one.
	Network *Network
}

// Stats is transport telemetry.
type Stats struct {
	Sent     uint64
	Received uint64
	Returned uint64
	Deferred uint64
}

// Transport implements xsbus.Transport over in-process queues. Suitable for
// development and tests, not for durability.
type Transport struct {
	net     *Network
	address string

	sent     atomic.Uint64
	received atomic.Uint64
	returned atomic.Uint64
	deferred atomic.Uint64
}

var _ xsbus.Transport = (*Transport)(nil)

// NewTransport creates a memory transport bound to cfg.Address.
func NewTransport(cfg Config) *Transport {
	net := cfg.Network
	if net == nil {
		net = NewNetwork()
	}
	return &Transport{net: net, address: cfg.Address}
}

// Network returns the broker this transport is attached to.
func (t *Transport) Network() *Network { return t.net }

// Address implements xsbus.Transport.
func (t *Transport) Address() string { return t.address }

// CreateQueue implements xsbus.Transport.
func (t *Transport) CreateQueue(_ context.Context, address string) error {
	t.net.queue(address)
	return nil
}

// Send enqueues msg on destination when tx commits; a nil tx enqueues at
// once.
func (t *Transport) Send(_ context.Context, destination string, msg *xsbus.TransportMessage, tx *xsbus.TransactionContext) error {
	if destination == "" {
		return errors.New("xsbus/memory: empty destination")
	}
	q := t.net.queue(destination)
	deliver := func(context.Context) error {
		q.push(msg.Clone(), time.Time{})
		t.sent.Add(1)
		return nil
	}
	if tx == nil {
		return deliver(context.Background())
	}
	return tx.OnCommit(deliver)
}

// Receive pops the next message from the input queue. The message is
// returned to the front of the queue when tx aborts.
func (t *Transport) Receive(_ context.Context, tx *xsbus.TransactionContext) (*xsbus.TransportMessage, error) {
	q := t.net.queue(t.address)
	msg := q.pop(time.Now())
	if msg == nil {
		return nil, nil
	}
	t.received.Add(1)
	if tx != nil {
		if err := tx.OnAborted(func(context.Context) error {
			q.pushFront(msg)
			t.returned.Add(1)
			return nil
		}); err != nil {
			q.pushFront(msg)
			return nil, err
		}
	}
	return msg, nil
}

// Stats returns current transport metrics.
func (t *Transport) Stats() Stats {
	return Stats{
		Sent:     t.sent.Load(),
		Received: t.received.Load(),
		Returned: t.returned.Load(),
		Deferred: t.deferred.Load(),
	}
}

// DeferredTransport is a memory transport with native future delivery:
// deferred messages sit invisible in the destination queue until their due
// time.
type DeferredTransport struct {
	*Transport
}

var _ xsbus.DeferredDeliveryTransport = (*DeferredTransport)(nil)

// NewDeferredTransport creates a memory transport that implements
// xsbus.DeferredDeliveryTransport.
func NewDeferredTransport(cfg Config) *DeferredTransport {
	return &DeferredTransport{Transport: NewTransport(cfg)}
}

// SendDeferred implements xsbus.DeferredDeliveryTransport.
func (t *DeferredTransport) SendDeferred(_ context.Context, destination string, due time.Time, msg *xsbus.TransportMessage, tx *xsbus.TransactionContext) error {
	if destination == "" {
		return errors.New("xsbus/memory: empty destination")
	}
	q := t.net.queue(destination)
	deliver := func(context.Context) error {
		q.push(msg.Clone(), due)
		t.deferred.Add(1)
		return nil
	}
	if tx == nil {
		return deliver(context.Background())
	}
	return tx.OnCommit(deliver)
}

func fromConfigMap(cfg map[string]any) (xsbus.Transport, error) {
	address, _ := cfg["address"].(string)
	if address == "" {
		return nil, errors.New("xsbus/memory: config needs an address")
	}
	net, _ := cfg["network"].(*Network)
	c := Config{Address: address, Network: net}
	if native, _ := cfg["native_deferred_delivery"].(bool); native {
		return NewDeferredTransport(c), nil
	}
	return NewTransport(c), nil
}
