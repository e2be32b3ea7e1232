package badgerdb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ark-network/escrowd/internal/core/domain"
	"github.com/dgraph-io/badger/v4"
	"github.com/timshannon/badgerhold/v4"
)

const transferStoreDir = "transfers"

type transferRepository struct {
	store *badgerhold.Store
}

func NewTransferRepository(config ...interface{}) (domain.TransferRepository, error) {
	store, err := openStore(config, transferStoreDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open transfer store: %s", err)
	}
	return &transferRepository{store}, nil
}

func (r *transferRepository) Upsert(_ context.Context, record domain.TransferRecord) error {
	err := r.store.Upsert(record.Id, record)
	attempts := 1
	for errors.Is(err, badger.ErrConflict) && attempts <= maxRetries {
		time.Sleep(100 * time.Millisecond)
		err = r.store.Upsert(record.Id, record)
		attempts++
	}
	return err
}

func (r *transferRepository) Get(_ context.Context, id string) (*domain.TransferRecord, error) {
	var record domain.TransferRecord
	if err := r.store.Get(id, &record); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", domain.ErrTransferNotFound, id)
		}
		return nil, err
	}
	return &record, nil
}

func (r *transferRepository) GetAll(_ context.Context) ([]domain.TransferRecord, error) {
	records := make([]domain.TransferRecord, 0)
	err := r.store.Find(&records, &badgerhold.Query{})
	return records, err
}

func (r *transferRepository) Delete(_ context.Context, ids []string) error {
	for _, id := range ids {
		if err := r.store.Delete(id, domain.TransferRecord{}); err != nil &&
			!errors.Is(err, badgerhold.ErrNotFound) {
			return err
		}
	}
	return nil
}

func (r *transferRepository) Close() {
	// nolint:all
	r.store.Close()
}
