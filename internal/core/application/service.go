package application

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ark-network/escrowd/internal/core/domain"
	"github.com/ark-network/escrowd/internal/core/ports"
	log "github.com/sirupsen/logrus"
)

const feedRetryInterval = time.Second

// session holds everything that lives between a connect and a disconnect.
type session struct {
	pubkey   string
	address  string
	receiver []byte

	registry   *transferRegistry
	expiry     *expiryScheduler
	correlator *notificationCorrelator
	feed       ports.Feed

	cancel context.CancelFunc
	done   chan struct{}
}

type service struct {
	cfg Config

	ledger      ports.LedgerClient
	signer      ports.Signer
	scheduler   ports.SchedulerService
	repoManager ports.RepoManager
	eventBus    ports.EventBus
	metrics     ports.Metrics
	builder     *escrowBuilder

	lock    *sync.RWMutex
	session *session
}

func NewService(
	cfg Config,
	ledger ports.LedgerClient, compiler ports.ContractCompiler, signer ports.Signer,
	scheduler ports.SchedulerService, repoManager ports.RepoManager,
	eventBus ports.EventBus, metrics ports.Metrics,
) (Service, error) {
	if len(cfg.AccountId) <= 0 {
		return nil, fmt.Errorf("missing account id")
	}
	if len(cfg.AssetId) <= 0 {
		return nil, fmt.Errorf("missing asset id")
	}
	if cfg.Variant != domain.SingleKeyEscrow && cfg.Variant != domain.TwoKeyEscrow {
		return nil, fmt.Errorf("unknown escrow variant %s", cfg.Variant)
	}
	if cfg.MessageAmount == 0 {
		return nil, fmt.Errorf("message amount must be positive")
	}

	return &service{
		cfg:         cfg,
		ledger:      ledger,
		signer:      signer,
		scheduler:   scheduler,
		repoManager: repoManager,
		eventBus:    eventBus,
		metrics:     metrics,
		builder:     newEscrowBuilder(compiler, cfg.Variant),
		lock:        &sync.RWMutex{},
	}, nil
}

func (s *service) Connect(ctx context.Context) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.session != nil {
		return nil
	}

	receiver, err := s.ledger.Accounts().CreateReceiver(ctx, s.cfg.AccountId)
	if err != nil {
		return fmt.Errorf("failed to create receiver: %w", err)
	}
	pubkey, err := s.signer.GetPubkey(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch pubkey: %s", err)
	}
	if err := s.ledger.Accounts().RegisterKey(ctx, s.cfg.AccountId, pubkey); err != nil {
		return fmt.Errorf("failed to register key: %w", err)
	}
	program, err := s.builder.payToPubkey(ctx, pubkey)
	if err != nil {
		return err
	}

	registry := newTransferRegistry(s.repoManager.Transfers(), s.repoManager.Messages())
	pending, err := registry.restore(ctx)
	if err != nil {
		return fmt.Errorf("failed to restore transfers: %s", err)
	}
	if s.cfg.TransferRetention > 0 {
		count, err := registry.evict(ctx, time.Now().Add(-s.cfg.TransferRetention))
		if err != nil {
			log.WithError(err).Warn("failed to evict finalized transfers")
		}
		if count > 0 {
			log.Debugf("evicted %d finalized transfers", count)
		}
	}

	sess := &session{
		pubkey:   pubkey,
		address:  domain.Address(s.cfg.Prefix(), pubkey),
		receiver: receiver.ControlProgram,
		registry: registry,
		expiry:   newExpiryScheduler(s.scheduler, s.cfg.ExpiryMargin),
		done:     make(chan struct{}),
	}
	sess.correlator = &notificationCorrelator{
		builder:  s.builder,
		registry: registry,
		expiry:   sess.expiry,
		eventBus: s.eventBus,
		metrics:  s.metrics,
		reclaim:  func(id string) { s.reclaim(sess, id) },
		prefix:   s.cfg.Prefix(),
		assetId:  s.cfg.AssetId,
		pubkey:   pubkey,
		program:  program,
	}

	s.scheduler.Start()
	for _, record := range pending {
		sess.correlator.armExpiry(record.Id, record.Transfer.ExpiresAt)
	}

	feed, err := s.ledger.Feeds().Subscribe(ctx, ports.FeedFilter{
		Alias:   s.cfg.AccountId,
		AssetId: s.cfg.AssetId,
		ReferenceData: []ports.ReferenceField{
			{Key: "source_pubkey", Value: pubkey},
			{Key: "destination_pubkey", Value: pubkey},
		},
	})
	if err != nil {
		sess.expiry.stop()
		s.scheduler.Stop()
		return fmt.Errorf("failed to subscribe to ledger feed: %w", err)
	}
	sess.feed = feed

	feedCtx, cancel := context.WithCancel(context.Background())
	sess.cancel = cancel
	go s.listenToLedger(feedCtx, sess)

	s.session = sess
	s.metrics.SetConnected(true)
	log.Infof("connected account %s", sess.address)
	return nil
}

func (s *service) Disconnect(_ context.Context) error {
	s.lock.Lock()
	sess := s.session
	s.session = nil
	s.lock.Unlock()

	if sess == nil {
		return nil
	}

	sess.registry.close()
	sess.cancel()
	sess.expiry.stop()
	if err := sess.feed.Close(); err != nil {
		log.WithError(err).Warn("failed to close ledger feed")
	}
	<-sess.done
	s.scheduler.Stop()

	s.metrics.SetConnected(false)
	log.Infof("disconnected account %s", sess.address)
	return nil
}

func (s *service) IsConnected() bool {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.session != nil
}

func (s *service) GetInfo() domain.Info {
	return domain.Info{
		Prefix:        s.cfg.Prefix(),
		CurrencyCode:  s.cfg.AssetAlias,
		CurrencyScale: 0,
	}
}

func (s *service) GetAccount(_ context.Context) (string, error) {
	sess, err := s.current()
	if err != nil {
		return "", err
	}
	return sess.address, nil
}

func (s *service) GetBalance(ctx context.Context) (uint64, error) {
	if _, err := s.current(); err != nil {
		return 0, err
	}

	outputs, err := s.ledger.Outputs().QueryOutputs(ctx, ports.OutputFilter{
		AccountId:   s.cfg.AccountId,
		AssetId:     s.cfg.AssetId,
		UnspentOnly: true,
	})
	if err != nil {
		return 0, err
	}

	balance := uint64(0)
	for _, out := range outputs {
		balance += out.Amount
	}
	return balance, nil
}

func (s *service) SendTransfer(ctx context.Context, transfer domain.Transfer) error {
	sess, err := s.current()
	if err != nil {
		return err
	}

	// the ledger carries expirations with millisecond precision
	transfer.ExpiresAt = transfer.ExpiresAt.Truncate(time.Millisecond)
	transfer.From = sess.address
	if len(transfer.AssetId) <= 0 {
		transfer.AssetId = s.cfg.AssetId
	}
	if err := transfer.Validate(); err != nil {
		return err
	}
	if transfer.AssetId != s.cfg.AssetId {
		return fmt.Errorf("%w: unsupported asset %s", domain.ErrInvalidTransfer, transfer.AssetId)
	}

	destinationKey, err := domain.ParseAddress(s.cfg.Prefix(), transfer.To)
	if err != nil {
		return fmt.Errorf("%w: %s", domain.ErrInvalidTransfer, err)
	}
	if destinationKey == sess.pubkey {
		return fmt.Errorf("%w: cannot send to self", domain.ErrInvalidTransfer)
	}
	destinationProgram, err := s.builder.payToPubkey(ctx, destinationKey)
	if err != nil {
		return err
	}

	if _, err := sess.registry.register(ctx, transfer, domain.DirectionOutgoing); err != nil {
		return err
	}

	req, terms, err := s.builder.buildLock(
		ctx, s.cfg.AccountId, transfer,
		domain.Principal{PubKey: sess.pubkey, Program: sess.receiver},
		domain.Principal{PubKey: destinationKey, Program: destinationProgram},
	)
	if err != nil {
		sess.registry.release(ctx, transfer.Id)
		return err
	}

	tx, err := s.ledger.Transactions().SubmitLock(ctx, *req)
	if err != nil {
		sess.registry.release(ctx, transfer.Id)
		return err
	}

	escrow := domain.EscrowOutput{
		Amount:         transfer.Amount,
		AssetId:        transfer.AssetId,
		ControlProgram: req.ControlProgram,
		Terms:          *terms,
	}
	for _, out := range tx.Outputs {
		if bytes.Equal(out.ControlProgram, req.ControlProgram) {
			escrow.OutputId = out.Id
			break
		}
	}
	if len(escrow.OutputId) <= 0 {
		sess.registry.release(ctx, transfer.Id)
		return fmt.Errorf("escrow output not found in lock tx %s", tx.Id)
	}

	if err := sess.registry.setLocked(ctx, transfer.Id, escrow); err != nil {
		return err
	}
	sess.correlator.armExpiry(transfer.Id, transfer.ExpiresAt)

	log.Debugf("locked transfer %s in output %s", transfer.Id, escrow.OutputId)
	return nil
}

func (s *service) FulfillCondition(
	ctx context.Context, transferId string, fulfillment []byte,
) error {
	sess, err := s.current()
	if err != nil {
		return err
	}

	record, err := s.getIncomingTransfer(ctx, sess, transferId)
	if err != nil {
		return err
	}

	req, err := s.builder.buildFulfill(*record.Escrow, fulfillment)
	if err != nil {
		return err
	}
	if _, err := s.ledger.Transactions().SubmitUnlock(ctx, *req); err != nil {
		return err
	}

	log.Debugf("submitted fulfillment for transfer %s", transferId)
	return nil
}

func (s *service) RejectIncomingTransfer(
	ctx context.Context, transferId string, reason domain.RejectionReason,
) error {
	sess, err := s.current()
	if err != nil {
		return err
	}

	record, err := s.getIncomingTransfer(ctx, sess, transferId)
	if err != nil {
		return err
	}

	if len(reason.TriggeredBy) <= 0 {
		reason.TriggeredBy = sess.address
	}
	if reason.TriggeredAt.IsZero() {
		reason.TriggeredAt = time.Now()
	}

	req, err := s.builder.buildReject(*record.Escrow, reason)
	if err != nil {
		return err
	}
	if err := s.signer.SignRequest(ctx, req); err != nil {
		return fmt.Errorf("failed to sign rejection: %s", err)
	}
	if _, err := s.ledger.Transactions().SubmitUnlock(ctx, *req); err != nil {
		return err
	}

	log.Debugf("submitted rejection for transfer %s", transferId)
	return nil
}

// GetFulfillment looks for the fulfillment in the registry first, then in
// the ledger history.
func (s *service) GetFulfillment(ctx context.Context, transferId string) ([]byte, error) {
	sess, err := s.current()
	if err != nil {
		return nil, err
	}

	record, err := sess.registry.lookup(transferId)
	if err == nil && record.IsFulfilled() {
		return record.Fulfillment, nil
	}
	known := err == nil

	txs, err := s.ledger.Transactions().QueryTransactions(ctx, ports.TransactionFilter{
		AssetId:       s.cfg.AssetId,
		ReferenceData: []ports.ReferenceField{{Key: "id", Value: transferId}},
	})
	if err != nil {
		return nil, err
	}

	for _, tx := range txs {
		for _, in := range tx.Inputs {
			ref, err := domain.DecodeEscrowReference(in.SpentOutput.ReferenceData)
			if err != nil || ref.Id != transferId || !sess.isParty(*ref) {
				continue
			}
			known = true
			if preimage := fulfillmentOf(in, ref.Condition); preimage != nil {
				return preimage, nil
			}
		}
		for _, out := range tx.Outputs {
			ref, err := domain.DecodeEscrowReference(out.ReferenceData)
			if err == nil && ref.Id == transferId && sess.isParty(*ref) {
				known = true
			}
		}
	}

	if !known {
		return nil, fmt.Errorf("%w: %s", domain.ErrTransferNotFound, transferId)
	}
	return nil, fmt.Errorf("%w: %s", domain.ErrNotFulfilled, transferId)
}

func (s *service) SendMessage(ctx context.Context, message domain.Message) error {
	sess, err := s.current()
	if err != nil {
		return err
	}

	if err := message.Validate(); err != nil {
		return err
	}
	destinationKey, err := domain.ParseAddress(s.cfg.Prefix(), message.To)
	if err != nil {
		return fmt.Errorf("%w: %s", domain.ErrInvalidTransfer, err)
	}

	referenceData, err := domain.NewMessageReference(
		sess.pubkey, destinationKey, message.Data,
	).Encode()
	if err != nil {
		return fmt.Errorf("%w: invalid message data: %s", domain.ErrInvalidTransfer, err)
	}

	tx, err := s.ledger.Transactions().SubmitLock(ctx, ports.LockingRequest{
		AccountId:      s.cfg.AccountId,
		AssetId:        s.cfg.AssetId,
		Amount:         s.cfg.MessageAmount,
		ControlProgram: sess.receiver,
		ReferenceData:  referenceData,
	})
	if err != nil {
		return err
	}

	log.Debugf("sent message to %s in tx %s", message.To, tx.Id)
	return nil
}

func (s *service) GetEventsChannel(ctx context.Context) (<-chan domain.Event, error) {
	return s.eventBus.Subscribe(ctx)
}

func (s *service) current() (*session, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	if s.session == nil {
		return nil, domain.ErrNotConnected
	}
	return s.session, nil
}

func (s *service) listenToLedger(ctx context.Context, sess *session) {
	defer close(sess.done)

	for {
		tx, err := sess.feed.Next(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ports.ErrFeedClosed) {
				return
			}
			log.WithError(err).Warn("failed to read from ledger feed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(feedRetryInterval):
			}
			continue
		}

		handleErr := sess.correlator.handle(ctx, *tx)
		if handleErr != nil {
			log.WithError(handleErr).Warnf("failed to process ledger tx %s", tx.Id)
		}
		if err := sess.feed.Ack(ctx, tx.Id, handleErr == nil); err != nil {
			log.WithError(err).Warnf("failed to ack ledger tx %s", tx.Id)
		}
	}
}

// getIncomingTransfer falls back to the ledger outputs when the transfer is
// not in the registry yet, which announces it as a side effect.
func (s *service) getIncomingTransfer(
	ctx context.Context, sess *session, transferId string,
) (*domain.TransferRecord, error) {
	record, err := sess.registry.lookup(transferId)
	if err != nil {
		if !errors.Is(err, domain.ErrTransferNotFound) {
			return nil, err
		}

		outputs, err := s.ledger.Outputs().QueryOutputs(ctx, ports.OutputFilter{
			AssetId:       s.cfg.AssetId,
			ReferenceData: []ports.ReferenceField{{Key: "id", Value: transferId}},
		})
		if err != nil {
			return nil, err
		}
		for _, out := range outputs {
			if _, err := sess.correlator.observe(ctx, out); err != nil {
				return nil, err
			}
		}

		if record, err = sess.registry.lookup(transferId); err != nil {
			return nil, err
		}
	}

	if record.Direction != domain.DirectionIncoming {
		return nil, fmt.Errorf("%w: no incoming transfer %s", domain.ErrTransferNotFound, transferId)
	}
	if record.IsTerminal() {
		return nil, fmt.Errorf("%w: transfer %s is %s", domain.ErrTransferFinalized, transferId, record.State)
	}
	if record.Escrow == nil {
		return nil, fmt.Errorf("%w: no incoming transfer %s", domain.ErrTransferNotFound, transferId)
	}
	return record, nil
}

// reclaim is fired by the expiry scheduler. It is best effort: failures are
// only logged, any further attempt is up to the ledger or an operator.
func (s *service) reclaim(sess *session, transferId string) {
	if current, err := s.current(); err != nil || current != sess {
		return
	}

	record, err := sess.registry.lookup(transferId)
	if err != nil || record.IsTerminal() || record.Escrow == nil {
		return
	}

	ctx := context.Background()
	req := s.builder.buildTimeout(*record.Escrow)
	if record.Escrow.Terms.Variant == domain.TwoKeyEscrow {
		if err := s.signer.SignRequest(ctx, req); err != nil {
			log.WithError(err).Warnf("failed to sign reclaim of transfer %s", transferId)
			s.metrics.ReclaimFailed()
			return
		}
	}

	if _, err := s.ledger.Transactions().SubmitUnlock(ctx, *req); err != nil {
		if errors.Is(err, ports.ErrOutputSpent) {
			log.Debugf("escrow of transfer %s already spent, skipping reclaim", transferId)
			return
		}
		log.WithError(err).Warnf("failed to reclaim expired transfer %s", transferId)
		s.metrics.ReclaimFailed()
		return
	}
	log.Debugf("reclaimed expired transfer %s", transferId)
}

func (sess *session) isParty(ref domain.EscrowReference) bool {
	return ref.SourcePubKey == sess.pubkey || ref.DestinationPubKey == sess.pubkey
}

func fulfillmentOf(in ports.Input, condition []byte) []byte {
	if in.Contract == nil {
		return nil
	}
	clause, err := domain.ClauseFromWitness(in.Witness)
	if err != nil || clause != domain.FulfillClause || len(in.Witness) != 2 {
		return nil
	}
	hash := sha256.Sum256(in.Witness[0])
	if !bytes.Equal(hash[:], condition) {
		return nil
	}
	return in.Witness[0]
}
