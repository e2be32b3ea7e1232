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

const messageStoreDir = "messages"

type seenMessage struct {
	OutputId string
	SeenAt   int64
}

type messageRepository struct {
	store *badgerhold.Store
}

func NewMessageRepository(config ...interface{}) (domain.MessageRepository, error) {
	store, err := openStore(config, messageStoreDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open message store: %s", err)
	}
	return &messageRepository{store}, nil
}

func (r *messageRepository) MarkSeen(_ context.Context, outputId string) (bool, error) {
	msg := seenMessage{OutputId: outputId, SeenAt: time.Now().Unix()}
	err := r.store.Insert(outputId, msg)
	attempts := 1
	for errors.Is(err, badger.ErrConflict) && attempts <= maxRetries {
		time.Sleep(100 * time.Millisecond)
		err = r.store.Insert(outputId, msg)
		attempts++
	}
	if err != nil {
		if errors.Is(err, badgerhold.ErrKeyExists) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (r *messageRepository) Close() {
	// nolint:all
	r.store.Close()
}
