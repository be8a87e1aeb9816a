package redisstream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trickstertwo/xsbus"
)

// Stream entry field names.
const (
	fieldHeaders = "headers"
	fieldBody    = "body"
)

// Transport implements xsbus.Transport over Redis Streams: one stream per
// queue, one consumer group per endpoint fleet. A received entry stays in
// the pending entries list until the transaction context commits and XACKs
// it; aborted deliveries are re-claimed after ClaimMinIdle.
type Transport struct {
	cfg    Config
	client *redis.Client
	closed atomic.Bool

	metrics transportMetrics
}

type transportMetrics struct {
	sent     atomic.Uint64
	received atomic.Uint64
	acked    atomic.Uint64
	claimed  atomic.Uint64
}

var _ xsbus.Transport = (*Transport)(nil)

// NewTransport connects to Redis and verifies the connection.
func NewTransport(cfg Config) (*Transport, error) {
	cfg = cfg.withDefaults()
	if cfg.Address == "" {
		return nil, errors.New("xsbus/redisstream: config needs an address")
	}

	opts := &redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   3,
		PoolSize:     10,
		MinIdleConns: 5,
	}
	if cfg.TLS {
		opts.TLSConfig = &tls.Config{
			MinVersion:    tls.VersionTLS12,
			ServerName:    cfg.TLSServerName,
			Renegotiation: tls.RenegotiateNever,
		}
	}

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("xsbus/redisstream: ping: %w", err)
	}

	return &Transport{cfg: cfg, client: client}, nil
}

func (t *Transport) streamKey(address string) string {
	return t.cfg.KeyPrefix + address
}

// Address implements xsbus.Transport.
func (t *Transport) Address() string { return t.cfg.Address }

// CreateQueue provisions the stream and consumer group. Idempotent.
func (t *Transport) CreateQueue(ctx context.Context, address string) error {
	err := t.client.XGroupCreateMkStream(ctx, t.streamKey(address), t.cfg.Group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("xsbus/redisstream: create queue %q: %w", address, err)
	}
	return nil
}

// Send XADDs the envelope to the destination stream when tx commits.
func (t *Transport) Send(ctx context.Context, destination string, msg *xsbus.TransportMessage, tx *xsbus.TransactionContext) error {
	if t.closed.Load() {
		return errors.New("xsbus/redisstream: transport is closed")
	}
	headerBlob, err := xsbus.EncodeHeaders(msg.Headers)
	if err != nil {
		return err
	}
	args := &redis.XAddArgs{
		Stream: t.streamKey(destination),
		ID:     "*",
		Values: map[string]any{
			fieldHeaders: headerBlob,
			fieldBody:    msg.Body,
		},
	}
	if t.cfg.MaxLenApprox > 0 {
		args.MaxLen = t.cfg.MaxLenApprox
		args.Approx = true
	}

	add := func(c context.Context) error {
		if err := t.client.XAdd(c, args).Err(); err != nil {
			return fmt.Errorf("xsbus/redisstream: send to %q: %w", destination, err)
		}
		t.metrics.sent.Add(1)
		return nil
	}
	if tx == nil {
		return add(ctx)
	}
	return tx.OnCommit(add)
}

// Receive reads one entry from the input stream, claiming abandoned pending
// entries first. The XACK (and optional XDEL) is registered on tx commit; an
// abort leaves the entry pending for a later claim.
func (t *Transport) Receive(ctx context.Context, tx *xsbus.TransactionContext) (*xsbus.TransportMessage, error) {
	if t.closed.Load() {
		return nil, errors.New("xsbus/redisstream: transport is closed")
	}
	key := t.streamKey(t.cfg.Address)

	entry, ok, err := t.claimPending(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		res, err := t.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    t.cfg.Group,
			Consumer: t.cfg.Consumer,
			Streams:  []string{key, ">"},
			Count:    1,
			Block:    t.cfg.Block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return nil, nil
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("xsbus/redisstream: read: %w", err)
		}
		if len(res) == 0 || len(res[0].Messages) == 0 {
			return nil, nil
		}
		entry = res[0].Messages[0]
	}

	msg, err := decodeEntry(entry)
	if err != nil {
		// A malformed entry can never be processed; ack it away and surface
		// the error so the worker backs off.
		_ = t.client.XAck(ctx, key, t.cfg.Group, entry.ID).Err()
		return nil, err
	}

	t.metrics.received.Add(1)
	if tx != nil {
		entryID := entry.ID
		if err := tx.OnCommit(func(c context.Context) error {
			if err := t.client.XAck(c, key, t.cfg.Group, entryID).Err(); err != nil {
				return fmt.Errorf("xsbus/redisstream: ack %s: %w", entryID, err)
			}
			t.metrics.acked.Add(1)
			if t.cfg.DeleteOnAck {
				_ = t.client.XDel(c, key, entryID).Err()
			}
			return nil
		}); err != nil {
			return nil, err
		}
	}
	return msg, nil
}

// claimPending recovers one message abandoned past ClaimMinIdle.
func (t *Transport) claimPending(ctx context.Context, key string) (redis.XMessage, bool, error) {
	if t.cfg.ClaimMinIdle <= 0 {
		return redis.XMessage{}, false, nil
	}
	msgs, _, err := t.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   key,
		Group:    t.cfg.Group,
		Consumer: t.cfg.Consumer,
		MinIdle:  t.cfg.ClaimMinIdle,
		Start:    "0",
		Count:    1,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return redis.XMessage{}, false, nil
		}
		return redis.XMessage{}, false, fmt.Errorf("xsbus/redisstream: autoclaim: %w", err)
	}
	if len(msgs) == 0 {
		return redis.XMessage{}, false, nil
	}
	t.metrics.claimed.Add(1)
	return msgs[0], true, nil
}

// Close releases the Redis client.
func (t *Transport) Close(_ context.Context) error {
	if t.closed.Swap(true) {
		return nil
	}
	return t.client.Close()
}

// Stats is transport telemetry.
type Stats struct {
	Sent     uint64
	Received uint64
	Acked    uint64
	Claimed  uint64
}

// Stats returns current transport metrics.
func (t *Transport) Stats() Stats {
	return Stats{
		Sent:     t.metrics.sent.Load(),
		Received: t.metrics.received.Load(),
		Acked:    t.metrics.acked.Load(),
		Claimed:  t.metrics.claimed.Load(),
	}
}

func decodeEntry(entry redis.XMessage) (*xsbus.TransportMessage, error) {
	rawHeaders, ok := entry.Values[fieldHeaders].(string)
	if !ok {
		return nil, fmt.Errorf("xsbus/redisstream: entry %s has no header block", entry.ID)
	}
	headers, err := xsbus.DecodeHeaders([]byte(rawHeaders))
	if err != nil {
		return nil, fmt.Errorf("xsbus/redisstream: entry %s: %w", entry.ID, err)
	}
	var body []byte
	if rawBody, ok := entry.Values[fieldBody].(string); ok {
		body = []byte(rawBody)
	}
	return xsbus.NewTransportMessage(headers, body), nil
}
