package application

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ark-network/escrowd/internal/core/domain"
	log "github.com/sirupsen/logrus"
)

// evidence carries what a terminal transition needs: the preimage for a
// fulfillment, the reason for a rejection, the trigger for an expiration.
type evidence struct {
	preimage    []byte
	reason      domain.RejectionReason
	triggeredBy string
}

// transferRegistry is the only mutable state shared by the plugin's
// components. Every record and every notified message is written through to
// the repositories, the ledger feed redelivers its whole history on connect.
type transferRegistry struct {
	repo     domain.TransferRepository
	messages domain.MessageRepository

	lock    *sync.RWMutex
	records map[string]*domain.TransferRecord
	closed  bool
}

func newTransferRegistry(
	repo domain.TransferRepository, messages domain.MessageRepository,
) *transferRegistry {
	return &transferRegistry{
		repo:     repo,
		messages: messages,
		lock:     &sync.RWMutex{},
		records:  make(map[string]*domain.TransferRecord),
	}
}

// restore loads the persisted records and returns the outgoing ones that
// are still waiting for an outcome.
func (r *transferRegistry) restore(ctx context.Context) ([]domain.TransferRecord, error) {
	records, err := r.repo.GetAll(ctx)
	if err != nil {
		return nil, err
	}

	r.lock.Lock()
	defer r.lock.Unlock()

	pending := make([]domain.TransferRecord, 0)
	for i := range records {
		record := records[i]
		r.records[record.Id] = &record
		if record.Direction == domain.DirectionOutgoing && !record.IsTerminal() && record.Locked {
			pending = append(pending, record)
		}
	}
	return pending, nil
}

func (r *transferRegistry) register(
	ctx context.Context, transfer domain.Transfer, direction domain.Direction,
) (*domain.TransferRecord, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.closed {
		return nil, domain.ErrNotConnected
	}

	if existing, ok := r.records[transfer.Id]; ok {
		if existing.Evicted {
			return nil, fmt.Errorf(
				"%w: transfer %s is already %s", domain.ErrDuplicateTransfer, transfer.Id, existing.State,
			)
		}
		if !existing.Transfer.SameTerms(transfer) {
			return nil, fmt.Errorf(
				"%w: transfer %s already exists with different terms", domain.ErrDuplicateTransfer, transfer.Id,
			)
		}
		if existing.Locked || existing.IsTerminal() {
			return nil, fmt.Errorf(
				"%w: transfer %s is already %s", domain.ErrDuplicateTransfer, transfer.Id, existing.State,
			)
		}
		return nil, fmt.Errorf(
			"%w: transfer %s is already being locked", domain.ErrDuplicateTransfer, transfer.Id,
		)
	}

	record := domain.NewTransferRecord(transfer, direction)
	if err := r.repo.Upsert(ctx, *record); err != nil {
		return nil, fmt.Errorf("failed to persist transfer %s: %s", transfer.Id, err)
	}
	r.records[transfer.Id] = record

	return copyRecord(record), nil
}

// release forgets a transfer that never got locked, so that it can be sent
// again.
func (r *transferRegistry) release(ctx context.Context, id string) {
	r.lock.Lock()
	defer r.lock.Unlock()

	record, ok := r.records[id]
	if !ok || record.Locked || record.Announced {
		return
	}
	delete(r.records, id)
	if err := r.repo.Delete(ctx, []string{id}); err != nil {
		log.WithError(err).Warnf("failed to delete released transfer %s", id)
	}
}

func (r *transferRegistry) setLocked(ctx context.Context, id string, escrow domain.EscrowOutput) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.closed {
		return domain.ErrNotConnected
	}
	record, ok := r.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrTransferNotFound, id)
	}
	record.Lock(escrow)
	r.persist(ctx, record)
	return nil
}

// prepare registers the transfer if unknown and announces it once. An
// already known transfer whose terms differ from the observed ones is a
// verification failure. Evicted transfers are never announced again.
func (r *transferRegistry) prepare(
	ctx context.Context, transfer domain.Transfer, direction domain.Direction,
	escrow domain.EscrowOutput,
) ([]domain.Event, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.closed {
		return nil, domain.ErrNotConnected
	}

	record, ok := r.records[transfer.Id]
	if ok && record.Evicted {
		return nil, nil
	}
	if ok {
		if record.Direction != direction || !record.Transfer.SameTerms(transfer) {
			return nil, fmt.Errorf(
				"%w: transfer %s does not match the known one", domain.ErrEscrowVerification, transfer.Id,
			)
		}
		if record.Escrow != nil && record.Escrow.OutputId != escrow.OutputId {
			return nil, fmt.Errorf(
				"%w: transfer %s is already locked in output %s",
				domain.ErrEscrowVerification, transfer.Id, record.Escrow.OutputId,
			)
		}
	} else {
		record = domain.NewTransferRecord(transfer, direction)
		r.records[transfer.Id] = record
	}

	events, err := record.Prepare(escrow)
	if err != nil {
		return nil, err
	}
	if len(events) > 0 {
		r.persist(ctx, record)
	}
	return events, nil
}

// transition applies a terminal transition. Only the first one produces
// events, any later one is a no-op.
func (r *transferRegistry) transition(
	ctx context.Context, id string, state domain.TransferState, ev evidence,
) ([]domain.Event, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.closed {
		return nil, domain.ErrNotConnected
	}
	record, ok := r.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrTransferNotFound, id)
	}

	var events []domain.Event
	var err error
	switch state {
	case domain.StateFulfilled:
		events, err = record.Fulfill(ev.preimage)
	case domain.StateRejected:
		events, err = record.Reject(ev.reason)
	case domain.StateExpired:
		events, err = record.Expire(ev.triggeredBy)
	default:
		return nil, fmt.Errorf("%s is not a terminal state", state)
	}
	if err != nil {
		return nil, err
	}
	if len(events) > 0 {
		r.persist(ctx, record)
	}
	return events, nil
}

func (r *transferRegistry) lookup(id string) (*domain.TransferRecord, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	record, ok := r.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrTransferNotFound, id)
	}
	return copyRecord(record), nil
}

// markSeen returns true only the first time the given output is seen, across
// sessions. If the repository fails the message is reported as new.
func (r *transferRegistry) markSeen(ctx context.Context, outputId string) bool {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.closed {
		return false
	}
	isNew, err := r.messages.MarkSeen(ctx, outputId)
	if err != nil {
		log.WithError(err).Warnf("failed to persist message %s", outputId)
		return true
	}
	return isNew
}

// evict drops the details of the terminal records last updated before the
// given time. Their ids stay known so that the feed history cannot announce
// them again.
func (r *transferRegistry) evict(ctx context.Context, before time.Time) (int, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	count := 0
	for _, record := range r.records {
		if record.Evicted || !record.IsTerminal() || record.UpdatedAt >= before.Unix() {
			continue
		}
		evicted := *record
		evicted.Evict()
		if err := r.repo.Upsert(ctx, evicted); err != nil {
			return count, err
		}
		*record = evicted
		count++
	}
	return count, nil
}

func (r *transferRegistry) close() {
	r.lock.Lock()
	defer r.lock.Unlock()

	r.closed = true
}

// persist must be called with the lock held.
func (r *transferRegistry) persist(ctx context.Context, record *domain.TransferRecord) {
	if err := r.repo.Upsert(ctx, *record); err != nil {
		log.WithError(err).Warnf("failed to persist transfer %s", record.Id)
	}
}

func copyRecord(record *domain.TransferRecord) *domain.TransferRecord {
	cp := *record
	return &cp
}
