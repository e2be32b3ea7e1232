package sqlitedb

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ark-network/escrowd/internal/core/domain"
)

const insertMessage = `INSERT OR IGNORE INTO message (output_id, seen_at) VALUES (?, ?)`

type messageRepository struct {
	db *sql.DB
}

func NewMessageRepository(config ...interface{}) (domain.MessageRepository, error) {
	if len(config) != 1 {
		return nil, fmt.Errorf("invalid config")
	}
	db, ok := config[0].(*sql.DB)
	if !ok {
		return nil, fmt.Errorf("cannot open message repository: invalid config, expected db at 0")
	}

	return &messageRepository{db}, nil
}

func (r *messageRepository) MarkSeen(ctx context.Context, outputId string) (bool, error) {
	res, err := r.db.ExecContext(ctx, insertMessage, outputId, time.Now().Unix())
	if err != nil {
		return false, fmt.Errorf("failed to insert message: %w", err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *messageRepository) Close() {
	// nolint:all
	r.db.Close()
}
