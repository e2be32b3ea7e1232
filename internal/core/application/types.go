package application

import (
	"context"
	"time"

	"github.com/ark-network/escrowd/internal/core/domain"
)

type Service interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IsConnected() bool
	GetInfo() domain.Info
	GetAccount(ctx context.Context) (string, error)
	GetBalance(ctx context.Context) (uint64, error)
	SendTransfer(ctx context.Context, transfer domain.Transfer) error
	FulfillCondition(ctx context.Context, transferId string, fulfillment []byte) error
	RejectIncomingTransfer(
		ctx context.Context, transferId string, reason domain.RejectionReason,
	) error
	GetFulfillment(ctx context.Context, transferId string) ([]byte, error)
	SendMessage(ctx context.Context, message domain.Message) error
	GetEventsChannel(ctx context.Context) (<-chan domain.Event, error)
}

type Config struct {
	AccountId     string
	AssetId       string
	AssetAlias    string
	AddressPrefix string
	Variant       domain.EscrowVariant
	// ExpiryMargin delays reclaims past the expiration of a transfer.
	ExpiryMargin time.Duration
	// MessageAmount is paid back to self to carry a message.
	MessageAmount uint64
	// TransferRetention, if positive, is how long finalized transfers are
	// kept before being evicted at connect.
	TransferRetention time.Duration
}

// Prefix is the ledger prefix shared by all the addresses of the asset.
func (c Config) Prefix() string {
	return c.AddressPrefix + c.AssetId + "."
}
