package sqlitestore

import (
	"context"
	"fmt"
	"time"

	"github.com/trickstertwo/xsbus"
)

// dueLease is how long a handed-out envelope stays invisible before it is
// offered again.
const dueLease = 30 * time.Second

// TimeoutManager returns the deferred-message store view of the store.
func (s *Store) TimeoutManager() xsbus.TimeoutManager {
	return &timeoutStore{store: s}
}

type timeoutStore struct {
	store *Store
}

var _ xsbus.TimeoutManager = (*timeoutStore)(nil)

func (t *timeoutStore) Defer(ctx context.Context, due time.Time, headers *xsbus.Headers, body []byte) error {
	headerBlob, err := xsbus.EncodeHeaders(headers)
	if err != nil {
		return err
	}
	if _, err := t.store.db.ExecContext(ctx,
		`INSERT INTO timeouts (due_unix_ns, headers, body) VALUES (?, ?, ?)`,
		due.UnixNano(), headerBlob, body); err != nil {
		return fmt.Errorf("sqlitestore: defer: %w", err)
	}
	return nil
}

func (t *timeoutStore) DueMessages(ctx context.Context, now time.Time) ([]xsbus.DueMessage, error) {
	rows, err := t.store.db.QueryContext(ctx,
		`SELECT id, headers, body FROM timeouts WHERE due_unix_ns <= ? AND leased_until <= ? ORDER BY due_unix_ns`,
		now.UnixNano(), now.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: due messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	type dueRow struct {
		id      int64
		headers *xsbus.Headers
		body    []byte
	}
	var due []dueRow
	for rows.Next() {
		var r dueRow
		var headerBlob []byte
		if err := rows.Scan(&r.id, &headerBlob, &r.body); err != nil {
			return nil, err
		}
		if r.headers, err = xsbus.DecodeHeaders(headerBlob); err != nil {
			return nil, fmt.Errorf("sqlitestore: decode deferred headers: %w", err)
		}
		due = append(due, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	leasedUntil := now.Add(dueLease).UnixNano()
	out := make([]xsbus.DueMessage, 0, len(due))
	for _, r := range due {
		if _, err := t.store.db.ExecContext(ctx,
			`UPDATE timeouts SET leased_until = ? WHERE id = ?`, leasedUntil, r.id); err != nil {
			return nil, fmt.Errorf("sqlitestore: lease timeout %d: %w", r.id, err)
		}
		out = append(out, &dueMessage{store: t.store, id: r.id, headers: r.headers, body: r.body})
	}
	return out, nil
}

type dueMessage struct {
	store   *Store
	id      int64
	headers *xsbus.Headers
	body    []byte
}

func (d *dueMessage) Headers() *xsbus.Headers { return d.headers }
func (d *dueMessage) Body() []byte            { return d.body }

func (d *dueMessage) MarkProcessed(ctx context.Context) error {
	_, err := d.store.db.ExecContext(ctx, `DELETE FROM timeouts WHERE id = ?`, d.id)
	return err
}
