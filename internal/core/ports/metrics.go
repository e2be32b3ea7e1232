package ports

import "github.com/ark-network/escrowd/internal/core/domain"

type Metrics interface {
	EventEmitted(event domain.Event)
	VerificationFailed()
	ReclaimFailed()
	SetConnected(connected bool)
}
