package sqlitestore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xsbus"
)

type orderSagaData struct {
	xsbus.SagaDataBase
	OrderID string `json:"order_id"`
	Total   int    `json:"total"`
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	registry := xsbus.NewTypeRegistry()
	require.NoError(t, registry.Register("OrderSaga", orderSagaData{}))

	store, err := Open(filepath.Join(t.TempDir(), "xsbus.db"), registry)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newOrderSaga(orderID string) *orderSagaData {
	d := &orderSagaData{OrderID: orderID}
	d.BindSaga(uuid.New())
	return d
}

func corr(value string) []xsbus.CorrelationValue {
	return []xsbus.CorrelationValue{{Property: "OrderID", Value: value}}
}

func TestSagaStorageInsertAndFind(t *testing.T) {
	ctx := context.Background()
	storage := openTestStore(t).SagaStorage()

	data := newOrderSaga("o-1")
	data.Total = 7
	require.NoError(t, storage.Insert(ctx, "OrderSaga", data, corr("o-1")))

	found, err := storage.Find(ctx, "OrderSaga", "OrderID", "o-1")
	require.NoError(t, err)
	require.NotNil(t, found)
	loaded := found.(*orderSagaData)
	assert.Equal(t, data.SagaID(), loaded.SagaID())
	assert.Equal(t, int64(0), loaded.SagaRevision())
	assert.Equal(t, 7, loaded.Total)

	missing, err := storage.Find(ctx, "OrderSaga", "OrderID", "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSagaStorageCorrelationUniqueness(t *testing.T) {
	ctx := context.Background()
	storage := openTestStore(t).SagaStorage()

	require.NoError(t, storage.Insert(ctx, "OrderSaga", newOrderSaga("o-1"), corr("o-1")))
	err := storage.Insert(ctx, "OrderSaga", newOrderSaga("o-1"), corr("o-1"))
	require.ErrorIs(t, err, xsbus.ErrSagaCorrelationConflict)
}

func TestSagaStorageOptimisticConcurrency(t *testing.T) {
	ctx := context.Background()
	storage := openTestStore(t).SagaStorage()

	data := newOrderSaga("o-1")
	require.NoError(t, storage.Insert(ctx, "OrderSaga", data, corr("o-1")))

	first, err := storage.Find(ctx, "OrderSaga", "OrderID", "o-1")
	require.NoError(t, err)
	second, err := storage.Find(ctx, "OrderSaga", "OrderID", "o-1")
	require.NoError(t, err)

	loaded := first.SagaRevision()
	first.BumpRevision()
	require.NoError(t, storage.Update(ctx, "OrderSaga", first, loaded, corr("o-1")))

	loaded = second.SagaRevision()
	second.BumpRevision()
	err = storage.Update(ctx, "OrderSaga", second, loaded, corr("o-1"))
	require.ErrorIs(t, err, xsbus.ErrSagaConcurrency)

	// The winning update persisted revision 1.
	current, err := storage.Find(ctx, "OrderSaga", "OrderID", "o-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), current.SagaRevision())
}

func TestSagaStorageUpdateCorrelationConflict(t *testing.T) {
	ctx := context.Background()
	storage := openTestStore(t).SagaStorage()

	require.NoError(t, storage.Insert(ctx, "OrderSaga", newOrderSaga("o-1"), corr("o-1")))
	other := newOrderSaga("o-2")
	require.NoError(t, storage.Insert(ctx, "OrderSaga", other, corr("o-2")))

	// Steal o-1's correlation value: rejected.
	loaded := other.SagaRevision()
	other.BumpRevision()
	err := storage.Update(ctx, "OrderSaga", other, loaded, corr("o-1"))
	require.ErrorIs(t, err, xsbus.ErrSagaCorrelationConflict)
}

func TestSagaStorageDelete(t *testing.T) {
	ctx := context.Background()
	storage := openTestStore(t).SagaStorage()

	data := newOrderSaga("o-1")
	require.NoError(t, storage.Insert(ctx, "OrderSaga", data, corr("o-1")))
	require.NoError(t, storage.Delete(ctx, "OrderSaga", data))

	found, err := storage.Find(ctx, "OrderSaga", "OrderID", "o-1")
	require.NoError(t, err)
	assert.Nil(t, found)

	// Correlation value is reusable after delete.
	require.NoError(t, storage.Insert(ctx, "OrderSaga", newOrderSaga("o-1"), corr("o-1")))
}

func TestTimeoutManagerStoreAndDue(t *testing.T) {
	ctx := context.Background()
	tm := openTestStore(t).TimeoutManager()
	now := time.Now()

	headers := xsbus.NewHeaders()
	headers.Set(xsbus.HeaderDeferredRecipient, "orders")
	headers.Set(xsbus.HeaderMessageID, "m1")
	require.NoError(t, tm.Defer(ctx, now.Add(-time.Second), headers, []byte("due")))
	require.NoError(t, tm.Defer(ctx, now.Add(time.Hour), headers, []byte("later")))

	due, err := tm.DueMessages(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, []byte("due"), due[0].Body())
	recipient, _ := due[0].Headers().Get(xsbus.HeaderDeferredRecipient)
	assert.Equal(t, "orders", recipient)

	// Leased: not handed out again within the lease window.
	again, err := tm.DueMessages(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, again)

	require.NoError(t, due[0].MarkProcessed(ctx))
	later, err := tm.DueMessages(ctx, now.Add(dueLease+time.Second))
	require.NoError(t, err)
	assert.Empty(t, later)
}

func TestSubscriptionStorage(t *testing.T) {
	ctx := context.Background()
	subs := openTestStore(t).SubscriptionStorage(true)
	assert.True(t, subs.IsCentralized())

	require.NoError(t, subs.Register(ctx, "T", "queue-b"))
	require.NoError(t, subs.Register(ctx, "T", "queue-a"))
	require.NoError(t, subs.Register(ctx, "T", "queue-a")) // idempotent

	got, err := subs.Subscribers(ctx, "T")
	require.NoError(t, err)
	assert.Equal(t, []string{"queue-a", "queue-b"}, got)

	require.NoError(t, subs.Unregister(ctx, "T", "queue-a"))
	got, err = subs.Subscribers(ctx, "T")
	require.NoError(t, err)
	assert.Equal(t, []string{"queue-b"}, got)
}

func TestSnapshotStorageIsImmutable(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	snaps := store.SnapshotStorage()

	data := newOrderSaga("o-1")
	data.Total = 1
	require.NoError(t, snaps.Save(ctx, "OrderSaga", data, map[string]string{"message-type": "OrderPlaced"}))

	// Saving the same (id, revision) again keeps the first copy.
	data.Total = 99
	require.NoError(t, snaps.Save(ctx, "OrderSaga", data, nil))

	var total int
	row := store.DB().QueryRow(`SELECT json_extract(data, '$.total') FROM saga_snapshots WHERE saga_id = ?`, data.SagaID().String())
	require.NoError(t, row.Scan(&total))
	assert.Equal(t, 1, total)

	data.BumpRevision()
	require.NoError(t, snaps.Save(ctx, "OrderSaga", data, nil))
	var n int
	require.NoError(t, store.DB().QueryRow(`SELECT COUNT(*) FROM saga_snapshots`).Scan(&n))
	assert.Equal(t, 2, n)
}
