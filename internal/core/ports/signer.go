package ports

import "context"

type Signer interface {
	GetPubkey(ctx context.Context) (string, error)
	SignRequest(ctx context.Context, req *UnlockingRequest) error
}
