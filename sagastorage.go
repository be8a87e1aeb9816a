package xsbus

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"

	"github.com/google/uuid"
)

// InMemorySagaStorage keeps saga data in process memory. Instances are
// stored serialized, so a Find hands back an independent copy and stale
// copies show up as revision conflicts exactly like a durable store.
type InMemorySagaStorage struct {
	mu    sync.Mutex
	rows  map[uuid.UUID]*sagaRow
	index map[string]uuid.UUID
}

type sagaRow struct {
	dataType     string
	goType       reflect.Type
	revision     int64
	blob         []byte
	correlations map[string]string
}

// NewInMemorySagaStorage returns an empty storage.
func NewInMemorySagaStorage() *InMemorySagaStorage {
	return &InMemorySagaStorage{
		rows:  make(map[uuid.UUID]*sagaRow),
		index: make(map[string]uuid.UUID),
	}
}

func sagaIndexKey(dataType, property, value string) string {
	return dataType + "\x00" + property + "\x00" + value
}

// Find implements SagaStorage.
func (s *InMemorySagaStorage) Find(_ context.Context, sagaDataType, property, value string) (SagaData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.index[sagaIndexKey(sagaDataType, property, value)]
	if !ok {
		return nil, nil
	}
	row, ok := s.rows[id]
	if !ok {
		return nil, nil
	}
	return row.rehydrate()
}

func (r *sagaRow) rehydrate() (SagaData, error) {
	v := reflect.New(r.goType).Interface()
	if err := json.Unmarshal(r.blob, v); err != nil {
		return nil, fmt.Errorf("xsbus: rehydrate saga data: %w", err)
	}
	data, ok := v.(SagaData)
	if !ok {
		return nil, fmt.Errorf("xsbus: stored type %s is not SagaData", r.goType)
	}
	return data, nil
}

// Insert implements SagaStorage.
func (s *InMemorySagaStorage) Insert(_ context.Context, sagaDataType string, data SagaData, correlations []CorrelationValue) error {
	blob, err := json.Marshal(data)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.rows[data.SagaID()]; exists {
		return fmt.Errorf("xsbus: saga %s already exists", data.SagaID())
	}
	for _, c := range correlations {
		if _, taken := s.index[sagaIndexKey(sagaDataType, c.Property, c.Value)]; taken {
			return ErrSagaCorrelationConflict
		}
	}
	row := &sagaRow{
		dataType:     sagaDataType,
		goType:       indirectType(reflect.TypeOf(data)),
		revision:     data.SagaRevision(),
		blob:         blob,
		correlations: make(map[string]string),
	}
	s.rows[data.SagaID()] = row
	for _, c := range correlations {
		row.correlations[c.Property] = c.Value
		s.index[sagaIndexKey(sagaDataType, c.Property, c.Value)] = data.SagaID()
	}
	return nil
}

// Update implements SagaStorage.
func (s *InMemorySagaStorage) Update(_ context.Context, sagaDataType string, data SagaData, loadedRevision int64, correlations []CorrelationValue) error {
	blob, err := json.Marshal(data)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[data.SagaID()]
	if !ok || row.revision != loadedRevision {
		return ErrSagaConcurrency
	}
	for _, c := range correlations {
		key := sagaIndexKey(sagaDataType, c.Property, c.Value)
		if owner, taken := s.index[key]; taken && owner != data.SagaID() {
			return ErrSagaCorrelationConflict
		}
	}
	row.revision = data.SagaRevision()
	row.blob = blob
	for _, c := range correlations {
		row.correlations[c.Property] = c.Value
		s.index[sagaIndexKey(sagaDataType, c.Property, c.Value)] = data.SagaID()
	}
	return nil
}

// Delete implements SagaStorage.
func (s *InMemorySagaStorage) Delete(_ context.Context, sagaDataType string, data SagaData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[data.SagaID()]
	if !ok {
		return nil
	}
	for property, value := range row.correlations {
		delete(s.index, sagaIndexKey(sagaDataType, property, value))
	}
	delete(s.rows, data.SagaID())
	return nil
}

// Len returns the number of stored sagas.
func (s *InMemorySagaStorage) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

// InMemorySagaSnapshotStorage keeps snapshots keyed by (id, revision).
type InMemorySagaSnapshotStorage struct {
	mu        sync.Mutex
	snapshots map[string][]byte
	metadata  map[string]map[string]string
}

// NewInMemorySagaSnapshotStorage returns an empty snapshot store.
func NewInMemorySagaSnapshotStorage() *InMemorySagaSnapshotStorage {
	return &InMemorySagaSnapshotStorage{
		snapshots: make(map[string][]byte),
		metadata:  make(map[string]map[string]string),
	}
}

// Save implements SagaSnapshotStorage. Snapshots are immutable: saving the
// same (id, revision) twice keeps the first copy.
func (s *InMemorySagaSnapshotStorage) Save(_ context.Context, _ string, data SagaData, metadata map[string]string) error {
	blob, err := json.Marshal(data)
	if err != nil {
		return err
	}
	key := fmt.Sprintf("%s@%d", data.SagaID(), data.SagaRevision())
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.snapshots[key]; exists {
		return nil
	}
	s.snapshots[key] = blob
	meta := make(map[string]string, len(metadata))
	for k, v := range metadata {
		meta[k] = v
	}
	s.metadata[key] = meta
	return nil
}

// Len returns the number of stored snapshots.
func (s *InMemorySagaSnapshotStorage) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.snapshots)
}
