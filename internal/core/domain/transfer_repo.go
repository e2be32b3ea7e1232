package domain

import "context"

type TransferRepository interface {
	Upsert(ctx context.Context, record TransferRecord) error
	Get(ctx context.Context, id string) (*TransferRecord, error)
	GetAll(ctx context.Context) ([]TransferRecord, error)
	Delete(ctx context.Context, ids []string) error
	Close()
}

// MessageRepository remembers the message outputs already notified.
type MessageRepository interface {
	// MarkSeen reports whether the output was unknown before the call.
	MarkSeen(ctx context.Context, outputId string) (bool, error)
	Close()
}
