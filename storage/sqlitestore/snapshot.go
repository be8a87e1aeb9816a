package sqlitestore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/trickstertwo/xsbus"
)

// SnapshotStorage returns the saga snapshot view of the store. Snapshots are
// immutable: a (saga id, revision) pair is written once.
func (s *Store) SnapshotStorage() xsbus.SagaSnapshotStorage {
	return &snapshotStorage{store: s}
}

type snapshotStorage struct {
	store *Store
}

var _ xsbus.SagaSnapshotStorage = (*snapshotStorage)(nil)

func (s *snapshotStorage) Save(ctx context.Context, sagaDataType string, data xsbus.SagaData, metadata map[string]string) error {
	blob, err := s.store.codec.Marshal(data)
	if err != nil {
		return err
	}
	metaBlob, err := json.Marshal(metadata)
	if err != nil {
		return err
	}
	if _, err := s.store.db.ExecContext(ctx,
		`INSERT INTO saga_snapshots (saga_id, revision, type, data, metadata) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (saga_id, revision) DO NOTHING`,
		data.SagaID().String(), data.SagaRevision(), sagaDataType, blob, metaBlob); err != nil {
		return fmt.Errorf("sqlitestore: save snapshot: %w", err)
	}
	return nil
}
