package ports

import (
	"context"

	"github.com/ark-network/escrowd/internal/core/domain"
)

type EventBus interface {
	Publish(ctx context.Context, events ...domain.Event) error
	Subscribe(ctx context.Context) (<-chan domain.Event, error)
	Close()
}
