package application

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ark-network/escrowd/internal/core/domain"
	"github.com/ark-network/escrowd/internal/core/ports"
	log "github.com/sirupsen/logrus"
)

// observation is what the correlator learns about an escrow output naming
// the local party.
type observation struct {
	transfer  domain.Transfer
	direction domain.Direction
}

// notificationCorrelator turns ledger transactions into transfer events.
// Transactions are handled one at a time, in whatever order the feed
// delivers them: the registry's one-shot transitions make the outcome
// independent of that order.
type notificationCorrelator struct {
	builder  *escrowBuilder
	registry *transferRegistry
	expiry   *expiryScheduler
	eventBus ports.EventBus
	metrics  ports.Metrics
	reclaim  func(id string)

	prefix  string
	assetId string
	pubkey  string
	// program paying to the local key, expected as destination of every
	// incoming escrow.
	program []byte
}

func (c *notificationCorrelator) handle(ctx context.Context, tx ports.Transaction) error {
	for _, in := range tx.Inputs {
		if err := c.handleInput(ctx, tx, in); err != nil {
			return err
		}
	}
	for _, out := range tx.Outputs {
		if _, err := c.observe(ctx, out); err != nil {
			return err
		}
	}
	return nil
}

// handleInput observes the spent escrow first, so that its prepare event
// always precedes the terminal one.
func (c *notificationCorrelator) handleInput(
	ctx context.Context, tx ports.Transaction, in ports.Input,
) error {
	if in.Contract == nil {
		return nil
	}
	if _, ok := domain.VariantFromTemplate(in.Contract.TemplateId); !ok {
		return nil
	}

	obs, err := c.observe(ctx, in.SpentOutput)
	if err != nil || obs == nil {
		return err
	}
	id := obs.transfer.Id

	clause, err := domain.ClauseFromWitness(in.Witness)
	if err != nil {
		log.WithError(err).Warnf("failed to decode spend of transfer %s", id)
		return nil
	}

	var state domain.TransferState
	var ev evidence
	switch clause {
	case domain.FulfillClause:
		state = domain.StateFulfilled
		ev.preimage = in.Witness[0]
	case domain.RejectClause:
		state = domain.StateRejected
		ev.reason = decodeRejectionReason(tx)
	case domain.TimeoutClause:
		state = domain.StateExpired
		ev.triggeredBy = obs.transfer.From
	}

	events, err := c.registry.transition(ctx, id, state, ev)
	if err != nil {
		if errors.Is(err, domain.ErrNotConnected) {
			return err
		}
		log.WithError(err).Warnf("failed to %s transfer %s", clause, id)
		return nil
	}
	if len(events) <= 0 {
		return nil
	}

	c.expiry.cancel(id)
	c.emit(ctx, events...)
	return nil
}

// observe classifies the output and, if it is an escrow naming the local
// party that passes verification, announces its transfer. It returns nil
// for any output that must be ignored.
func (c *notificationCorrelator) observe(
	ctx context.Context, out ports.Output,
) (*observation, error) {
	if out.AssetId != c.assetId {
		return nil, nil
	}
	ref, err := domain.DecodeEscrowReference(out.ReferenceData)
	if err != nil {
		return nil, nil
	}

	var direction domain.Direction
	switch c.pubkey {
	case ref.DestinationPubKey:
		direction = domain.DirectionIncoming
	case ref.SourcePubKey:
		direction = domain.DirectionOutgoing
	default:
		return nil, nil
	}

	if ref.IsMessage() {
		c.observeMessage(ctx, out, *ref, direction)
		return nil, nil
	}

	escrow, err := c.verify(ctx, out, *ref, direction)
	if err != nil {
		c.verificationFailed(out, err)
		return nil, nil
	}

	transfer := ref.Transfer(c.prefix, out.Amount, out.AssetId)
	events, err := c.registry.prepare(ctx, transfer, direction, *escrow)
	if err != nil {
		if errors.Is(err, domain.ErrEscrowVerification) {
			c.verificationFailed(out, err)
			return nil, nil
		}
		return nil, err
	}

	if len(events) > 0 {
		if direction == domain.DirectionOutgoing && !out.Spent {
			c.armExpiry(transfer.Id, transfer.ExpiresAt)
		}
		c.emit(ctx, events...)
	}

	return &observation{transfer, direction}, nil
}

func (c *notificationCorrelator) observeMessage(
	ctx context.Context, out ports.Output, ref domain.EscrowReference,
	direction domain.Direction,
) {
	if direction != domain.DirectionIncoming {
		return
	}
	if !c.registry.markSeen(ctx, out.Id) {
		return
	}
	c.emit(ctx, domain.MessageReceived{
		OutputId:  out.Id,
		From:      domain.Address(c.prefix, ref.SourcePubKey),
		To:        domain.Address(c.prefix, ref.DestinationPubKey),
		Data:      ref.Data,
		Timestamp: time.Now().Unix(),
	})
}

// verify recomputes the control program from the claimed terms and checks
// it is the one actually locking the output.
func (c *notificationCorrelator) verify(
	ctx context.Context, out ports.Output, ref domain.EscrowReference,
	direction domain.Direction,
) (*domain.EscrowOutput, error) {
	if len(ref.Id) <= 0 {
		return nil, fmt.Errorf("%w: missing transfer id", domain.ErrEscrowVerification)
	}
	terms := ref.Terms()
	if terms.Variant != domain.SingleKeyEscrow && terms.Variant != domain.TwoKeyEscrow {
		return nil, fmt.Errorf("%w: unknown variant %s", domain.ErrEscrowVerification, ref.Variant)
	}
	if len(terms.ConditionHash) != domain.ConditionSize {
		return nil, fmt.Errorf("%w: malformed condition", domain.ErrEscrowVerification)
	}
	if direction == domain.DirectionIncoming && !bytes.Equal(terms.Destination.Program, c.program) {
		return nil, fmt.Errorf(
			"%w: destination program does not pay to the local key", domain.ErrEscrowVerification,
		)
	}

	program, err := c.builder.compileTerms(ctx, terms)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrEscrowVerification, err)
	}
	if !bytes.Equal(program, out.ControlProgram) {
		return nil, fmt.Errorf(
			"%w: control program does not match the claimed terms", domain.ErrEscrowVerification,
		)
	}

	return &domain.EscrowOutput{
		OutputId:       out.Id,
		Amount:         out.Amount,
		AssetId:        out.AssetId,
		ControlProgram: out.ControlProgram,
		Terms:          terms,
	}, nil
}

func (c *notificationCorrelator) verificationFailed(out ports.Output, err error) {
	log.WithError(err).Warnf("ignoring escrow output %s", out.Id)
	c.metrics.VerificationFailed()
}

func (c *notificationCorrelator) armExpiry(id string, expiresAt time.Time) {
	if err := c.expiry.arm(id, expiresAt, func() { c.reclaim(id) }); err != nil {
		log.WithError(err).Warnf("failed to schedule reclaim for transfer %s", id)
	}
}

func (c *notificationCorrelator) emit(ctx context.Context, events ...domain.Event) {
	for _, event := range events {
		c.metrics.EventEmitted(event)
		logEvent(event)
	}
	if err := c.eventBus.Publish(ctx, events...); err != nil {
		log.WithError(err).Warn("failed to publish events")
	}
}

func logEvent(event domain.Event) {
	switch e := event.(type) {
	case domain.TransferPrepared:
		log.Debugf("%s transfer %s prepared", e.Direction, e.Id)
	case domain.TransferFulfilled:
		log.Debugf("%s transfer %s fulfilled", e.Direction, e.Id)
	case domain.TransferRejected:
		log.Debugf("%s transfer %s rejected: %s", e.Direction, e.Id, e.Reason.Message)
	case domain.MessageReceived:
		log.Debugf("message received from %s", e.From)
	}
}

// decodeRejectionReason reads the reason attached to a reject spend. Any
// payload that is not a reason is kept as its message.
func decodeRejectionReason(tx ports.Transaction) domain.RejectionReason {
	reason := domain.RejectionReason{}
	if len(tx.ReferenceData) <= 0 {
		return reason
	}
	if err := json.Unmarshal(tx.ReferenceData, &reason); err != nil {
		return domain.RejectionReason{Message: string(tx.ReferenceData)}
	}
	return reason
}
