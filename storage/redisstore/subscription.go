// Package redisstore provides Redis-backed centralized subscription storage
// for xsbus: every endpoint mutates the shared sets directly, so no
// subscribe requests travel the wire.
package redisstore

import (
	"context"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/trickstertwo/xsbus"
)

// SubscriptionStorage keeps one Redis set per topic.
type SubscriptionStorage struct {
	client    *redis.Client
	keyPrefix string
}

var _ xsbus.SubscriptionStorage = (*SubscriptionStorage)(nil)

// NewSubscriptionStorage wraps an existing Redis client. keyPrefix defaults
// to "xsbus:subscriptions:".
func NewSubscriptionStorage(client *redis.Client, keyPrefix string) *SubscriptionStorage {
	if keyPrefix == "" {
		keyPrefix = "xsbus:subscriptions:"
	}
	return &SubscriptionStorage{client: client, keyPrefix: keyPrefix}
}

func (s *SubscriptionStorage) key(topic string) string { return s.keyPrefix + topic }

// Subscribers implements xsbus.SubscriptionStorage.
func (s *SubscriptionStorage) Subscribers(ctx context.Context, topic string) ([]string, error) {
	members, err := s.client.SMembers(ctx, s.key(topic)).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: subscribers of %q: %w", topic, err)
	}
	sort.Strings(members)
	return members, nil
}

// Register implements xsbus.SubscriptionStorage. Idempotent.
func (s *SubscriptionStorage) Register(ctx context.Context, topic, subscriberAddress string) error {
	if err := s.client.SAdd(ctx, s.key(topic), subscriberAddress).Err(); err != nil {
		return fmt.Errorf("redisstore: register %q on %q: %w", subscriberAddress, topic, err)
	}
	return nil
}

// Unregister implements xsbus.SubscriptionStorage. Idempotent.
func (s *SubscriptionStorage) Unregister(ctx context.Context, topic, subscriberAddress string) error {
	if err := s.client.SRem(ctx, s.key(topic), subscriberAddress).Err(); err != nil {
		return fmt.Errorf("redisstore: unregister %q from %q: %w", subscriberAddress, topic, err)
	}
	return nil
}

// IsCentralized implements xsbus.SubscriptionStorage.
func (s *SubscriptionStorage) IsCentralized() bool { return true }
