package xsbus

import (
	"context"
	"sort"
	"sync"
)

// SubscriptionStorage maps topics to subscriber queue addresses. A local
// storage is owned by the publishing endpoint; a centralized one is shared
// infrastructure every endpoint mutates directly.
type SubscriptionStorage interface {
	Subscribers(ctx context.Context, topic string) ([]string, error)
	Register(ctx context.Context, topic, subscriberAddress string) error
	Unregister(ctx context.Context, topic, subscriberAddress string) error
	IsCentralized() bool
}

// InMemorySubscriptionStorage keeps subscriptions in a process-local map.
type InMemorySubscriptionStorage struct {
	mu          sync.RWMutex
	subs        map[string]map[string]struct{}
	centralized bool
}

// NewInMemorySubscriptionStorage returns an empty storage. centralized marks
// it as shared infrastructure (subscribers mutate it directly instead of
// sending subscribe requests to the publisher).
func NewInMemorySubscriptionStorage(centralized bool) *InMemorySubscriptionStorage {
	return &InMemorySubscriptionStorage{
		subs:        make(map[string]map[string]struct{}),
		centralized: centralized,
	}
}

// Subscribers returns the addresses subscribed to topic, sorted.
func (s *InMemorySubscriptionStorage) Subscribers(_ context.Context, topic string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.subs[topic]
	out := make([]string, 0, len(set))
	for addr := range set {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out, nil
}

// Register adds a (topic, subscriber) pair. Idempotent.
func (s *InMemorySubscriptionStorage) Register(_ context.Context, topic, subscriberAddress string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.subs[topic]
	if !ok {
		set = make(map[string]struct{})
		s.subs[topic] = set
	}
	set[subscriberAddress] = struct{}{}
	return nil
}

// Unregister removes a (topic, subscriber) pair. Idempotent.
func (s *InMemorySubscriptionStorage) Unregister(_ context.Context, topic, subscriberAddress string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if set, ok := s.subs[topic]; ok {
		delete(set, subscriberAddress)
		if len(set) == 0 {
			delete(s.subs, topic)
		}
	}
	return nil
}

// IsCentralized implements SubscriptionStorage.
func (s *InMemorySubscriptionStorage) IsCentralized() bool { return s.centralized }

// Wire type names of the subscription control messages. A publisher with
// local storage handles these on its own input queue.
const (
	TypeSubscribeRequest   = "xsbus:subscribe-request"
	TypeUnsubscribeRequest = "xsbus:unsubscribe-request"
)

// SubscribeRequest asks a publisher to add the sender to a topic.
type SubscribeRequest struct {
	Topic             string `json:"topic"`
	SubscriberAddress string `json:"subscriber_address"`
}

// UnsubscribeRequest asks a publisher to remove the sender from a topic.
type UnsubscribeRequest struct {
	Topic             string `json:"topic"`
	SubscriberAddress string `json:"subscriber_address"`
}

func registerControlMessages(r *TypeRegistry) error {
	if err := r.Register(TypeSubscribeRequest, SubscribeRequest{}); err != nil {
		return err
	}
	return r.Register(TypeUnsubscribeRequest, UnsubscribeRequest{})
}
