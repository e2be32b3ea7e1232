package ports

import "github.com/ark-network/escrowd/internal/core/domain"

type RepoManager interface {
	Transfers() domain.TransferRepository
	Messages() domain.MessageRepository
	Close()
}
