package sqlitestore

import (
	"context"
	"fmt"

	"github.com/trickstertwo/xsbus"
)

// SubscriptionStorage returns the subscription storage view of the store.
// centralized marks the database as shared infrastructure: subscribers
// mutate it directly instead of sending subscribe requests.
func (s *Store) SubscriptionStorage(centralized bool) xsbus.SubscriptionStorage {
	return &subscriptionStorage{store: s, centralized: centralized}
}

type subscriptionStorage struct {
	store       *Store
	centralized bool
}

var _ xsbus.SubscriptionStorage = (*subscriptionStorage)(nil)

func (s *subscriptionStorage) Subscribers(ctx context.Context, topic string) ([]string, error) {
	rows, err := s.store.db.QueryContext(ctx,
		`SELECT subscriber FROM subscriptions WHERE topic = ? ORDER BY subscriber`, topic)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: subscribers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, err
		}
		out = append(out, addr)
	}
	return out, rows.Err()
}

func (s *subscriptionStorage) Register(ctx context.Context, topic, subscriberAddress string) error {
	_, err := s.store.db.ExecContext(ctx,
		`INSERT INTO subscriptions (topic, subscriber) VALUES (?, ?) ON CONFLICT (topic, subscriber) DO NOTHING`,
		topic, subscriberAddress)
	if err != nil {
		return fmt.Errorf("sqlitestore: register subscription: %w", err)
	}
	return nil
}

func (s *subscriptionStorage) Unregister(ctx context.Context, topic, subscriberAddress string) error {
	_, err := s.store.db.ExecContext(ctx,
		`DELETE FROM subscriptions WHERE topic = ? AND subscriber = ?`, topic, subscriberAddress)
	if err != nil {
		return fmt.Errorf("sqlitestore: unregister subscription: %w", err)
	}
	return nil
}

func (s *subscriptionStorage) IsCentralized() bool { return s.centralized }
