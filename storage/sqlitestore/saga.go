package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/trickstertwo/xsbus"
)

// SagaStorage returns the saga storage view of the store.
func (s *Store) SagaStorage() xsbus.SagaStorage {
	return &sagaStorage{store: s}
}

type sagaStorage struct {
	store *Store
}

var _ xsbus.SagaStorage = (*sagaStorage)(nil)

func (s *sagaStorage) Find(ctx context.Context, sagaDataType, property, value string) (xsbus.SagaData, error) {
	row := s.store.db.QueryRowContext(ctx, `
		SELECT sg.data FROM sagas sg
		JOIN saga_correlations c ON c.saga_id = sg.id
		WHERE c.saga_type = ? AND c.property = ? AND c.value = ?`,
		sagaDataType, property, value)

	var blob []byte
	if err := row.Scan(&blob); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("sqlitestore: find saga: %w", err)
	}
	return s.rehydrate(sagaDataType, blob)
}

func (s *sagaStorage) rehydrate(sagaDataType string, blob []byte) (xsbus.SagaData, error) {
	v, ok := s.store.registry.New(sagaDataType)
	if !ok {
		return nil, fmt.Errorf("sqlitestore: saga data type %q is not registered", sagaDataType)
	}
	if err := s.store.codec.Unmarshal(blob, v); err != nil {
		return nil, fmt.Errorf("sqlitestore: rehydrate saga data: %w", err)
	}
	data, ok := v.(xsbus.SagaData)
	if !ok {
		return nil, fmt.Errorf("sqlitestore: registered type %q is not SagaData", sagaDataType)
	}
	return data, nil
}

func (s *sagaStorage) Insert(ctx context.Context, sagaDataType string, data xsbus.SagaData, correlations []xsbus.CorrelationValue) error {
	blob, err := s.store.codec.Marshal(data)
	if err != nil {
		return err
	}

	tx, err := s.store.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sagas (id, type, revision, data) VALUES (?, ?, ?, ?)`,
		data.SagaID().String(), sagaDataType, data.SagaRevision(), blob); err != nil {
		return fmt.Errorf("sqlitestore: insert saga: %w", err)
	}
	for _, c := range correlations {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO saga_correlations (saga_type, property, value, saga_id) VALUES (?, ?, ?, ?)`,
			sagaDataType, c.Property, c.Value, data.SagaID().String()); err != nil {
			if isConstraintErr(err) {
				return xsbus.ErrSagaCorrelationConflict
			}
			return fmt.Errorf("sqlitestore: insert correlation: %w", err)
		}
	}
	return tx.Commit()
}

func (s *sagaStorage) Update(ctx context.Context, sagaDataType string, data xsbus.SagaData, loadedRevision int64, correlations []xsbus.CorrelationValue) error {
	blob, err := s.store.codec.Marshal(data)
	if err != nil {
		return err
	}

	tx, err := s.store.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE sagas SET revision = ?, data = ? WHERE id = ? AND revision = ?`,
		data.SagaRevision(), blob, data.SagaID().String(), loadedRevision)
	if err != nil {
		return fmt.Errorf("sqlitestore: update saga: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return xsbus.ErrSagaConcurrency
	}

	for _, c := range correlations {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO saga_correlations (saga_type, property, value, saga_id) VALUES (?, ?, ?, ?)
			 ON CONFLICT (saga_type, property, value) DO NOTHING`,
			sagaDataType, c.Property, c.Value, data.SagaID().String()); err != nil {
			return fmt.Errorf("sqlitestore: upsert correlation: %w", err)
		}
		var owner string
		if err := tx.QueryRowContext(ctx,
			`SELECT saga_id FROM saga_correlations WHERE saga_type = ? AND property = ? AND value = ?`,
			sagaDataType, c.Property, c.Value).Scan(&owner); err != nil {
			return fmt.Errorf("sqlitestore: verify correlation: %w", err)
		} else if owner != data.SagaID().String() {
			return xsbus.ErrSagaCorrelationConflict
		}
	}
	return tx.Commit()
}

func (s *sagaStorage) Delete(ctx context.Context, sagaDataType string, data xsbus.SagaData) error {
	tx, err := s.store.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM saga_correlations WHERE saga_id = ?`, data.SagaID().String()); err != nil {
		return fmt.Errorf("sqlitestore: delete correlations: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sagas WHERE id = ?`, data.SagaID().String()); err != nil {
		return fmt.Errorf("sqlitestore: delete saga: %w", err)
	}
	return tx.Commit()
}
