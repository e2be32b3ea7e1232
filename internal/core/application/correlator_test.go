package application

import (
	"context"
	"crypto/sha256"
	"sync"
	"testing"
	"time"

	"github.com/ark-network/escrowd/internal/core/domain"
	"github.com/ark-network/escrowd/internal/core/ports"
	"github.com/ark-network/escrowd/internal/infrastructure/compiler/tapscript"
	inmemoryledger "github.com/ark-network/escrowd/internal/infrastructure/ledger/inmemory"
	"github.com/ark-network/escrowd/internal/infrastructure/signer/singlekey"
	"github.com/stretchr/testify/require"
)

const testPrefix = "test.usd."

func TestCorrelatorOutOfOrder(t *testing.T) {
	f := newCorrelatorFixture(t)

	// a late timeout notification, contradicting the fulfillment
	timeoutTx := f.fulfillTx
	timeoutTx.Id = "late-timeout"
	timeoutTx.Inputs = []ports.Input{f.fulfillTx.Inputs[0]}
	timeoutTx.Inputs[0].Witness = [][]byte{domain.TimeoutClause.Selector()}

	for _, direction := range []domain.Direction{domain.DirectionIncoming, domain.DirectionOutgoing} {
		t.Run(string(direction), func(t *testing.T) {
			c, bus, scheduler, _ := f.correlator(t, direction)
			ctx := context.Background()

			for _, tx := range []ports.Transaction{f.fulfillTx, f.lockTx, timeoutTx, f.fulfillTx} {
				require.NoError(t, c.handle(ctx, tx))
			}

			events := bus.published()
			require.Len(t, events, 2)
			require.Equal(t, domain.EventTypeTransferPrepared, events[0].GetType())
			require.Equal(t, domain.EventTypeTransferFulfilled, events[1].GetType())

			fulfilled := events[1].(domain.TransferFulfilled)
			require.Equal(t, direction, fulfilled.Direction)
			require.Equal(t, f.preimage, fulfilled.Fulfillment)
			require.Equal(t, "t1", fulfilled.Transfer.Id)

			require.Empty(t, scheduler.armed())
		})
	}
}

func TestCorrelatorVerification(t *testing.T) {
	f := newCorrelatorFixture(t)
	ctx := context.Background()

	tamper := func(mutate func(out *ports.Output)) ports.Transaction {
		tx := f.lockTx
		tx.Id = "tampered"
		tx.Outputs = []ports.Output{f.lockTx.Outputs[0]}
		mutate(&tx.Outputs[0])
		return tx
	}

	fixtures := []struct {
		name string
		tx   ports.Transaction
	}{
		{
			name: "program mismatch",
			tx: tamper(func(out *ports.Output) {
				out.ControlProgram = f.receiverProgram
			}),
		},
		{
			name: "claimed terms mismatch",
			tx: tamper(func(out *ports.Output) {
				ref, err := domain.DecodeEscrowReference(out.ReferenceData)
				require.NoError(t, err)
				ref.ExpiresAt += 1000
				out.ReferenceData, err = ref.Encode()
				require.NoError(t, err)
			}),
		},
		{
			name: "destination not paying to local key",
			tx: tamper(func(out *ports.Output) {
				ref, err := domain.DecodeEscrowReference(out.ReferenceData)
				require.NoError(t, err)
				ref.DestinationProgram = f.sourceProgram
				out.ReferenceData, err = ref.Encode()
				require.NoError(t, err)
			}),
		},
	}

	for _, fixture := range fixtures {
		t.Run(fixture.name, func(t *testing.T) {
			c, bus, _, metrics := f.correlator(t, domain.DirectionIncoming)

			require.NoError(t, c.handle(ctx, fixture.tx))
			require.Empty(t, bus.published())
			require.Equal(t, 1, metrics.verificationFailures)

			_, err := c.registry.lookup("t1")
			require.ErrorIs(t, err, domain.ErrTransferNotFound)
		})
	}

	t.Run("other asset", func(t *testing.T) {
		c, bus, _, metrics := f.correlator(t, domain.DirectionIncoming)

		tx := tamper(func(out *ports.Output) { out.AssetId = "eur" })
		require.NoError(t, c.handle(ctx, tx))
		require.Empty(t, bus.published())
		require.Zero(t, metrics.verificationFailures)
	})
}

type correlatorFixture struct {
	preimage        []byte
	senderKey       string
	receiverKey     string
	sourceProgram   []byte
	receiverProgram []byte
	builder         *escrowBuilder
	lockTx          ports.Transaction
	fulfillTx       ports.Transaction
}

func newCorrelatorFixture(t *testing.T) *correlatorFixture {
	ctx := context.Background()
	compiler := tapscript.NewCompiler()
	ledger := inmemoryledger.NewLedger(compiler)
	t.Cleanup(ledger.Close)
	builder := newEscrowBuilder(compiler, domain.SingleKeyEscrow)

	senderSigner, err := singlekey.NewSigner("")
	require.NoError(t, err)
	senderKey, err := senderSigner.GetPubkey(ctx)
	require.NoError(t, err)
	receiverSigner, err := singlekey.NewSigner("")
	require.NoError(t, err)
	receiverKey, err := receiverSigner.GetPubkey(ctx)
	require.NoError(t, err)

	receiverProgram, err := builder.payToPubkey(ctx, receiverKey)
	require.NoError(t, err)
	source, err := ledger.CreateReceiver(ctx, "sender")
	require.NoError(t, err)
	_, err = ledger.Fund(ctx, "sender", "usd", 100)
	require.NoError(t, err)

	preimage := []byte("preimage")
	hash := sha256.Sum256(preimage)
	transfer := domain.Transfer{
		Id:                 "t1",
		From:               testPrefix + senderKey,
		To:                 testPrefix + receiverKey,
		Amount:             10,
		AssetId:            "usd",
		ExecutionCondition: hash[:],
		ExpiresAt:          time.UnixMilli(time.Now().Add(time.Minute).UnixMilli()),
	}

	lock, terms, err := builder.buildLock(
		ctx, "sender", transfer,
		domain.Principal{PubKey: senderKey, Program: source.ControlProgram},
		domain.Principal{PubKey: receiverKey, Program: receiverProgram},
	)
	require.NoError(t, err)
	lockTx, err := ledger.SubmitLock(ctx, *lock)
	require.NoError(t, err)

	unlock, err := builder.buildFulfill(domain.EscrowOutput{
		OutputId:       lockTx.Outputs[0].Id,
		Amount:         10,
		AssetId:        "usd",
		ControlProgram: lock.ControlProgram,
		Terms:          *terms,
	}, preimage)
	require.NoError(t, err)
	fulfillTx, err := ledger.SubmitUnlock(ctx, *unlock)
	require.NoError(t, err)

	return &correlatorFixture{
		preimage:        preimage,
		senderKey:       senderKey,
		receiverKey:     receiverKey,
		sourceProgram:   source.ControlProgram,
		receiverProgram: receiverProgram,
		builder:         builder,
		lockTx:          *lockTx,
		fulfillTx:       *fulfillTx,
	}
}

// correlator returns a correlator seeing the fixture's transfer from the
// given side.
func (f *correlatorFixture) correlator(
	t *testing.T, direction domain.Direction,
) (*notificationCorrelator, *recordingBus, *recordingScheduler, *countingMetrics) {
	ctx := context.Background()
	pubkey := f.receiverKey
	if direction == domain.DirectionOutgoing {
		pubkey = f.senderKey
	}
	program, err := f.builder.payToPubkey(ctx, pubkey)
	require.NoError(t, err)

	bus := &recordingBus{lock: &sync.Mutex{}}
	scheduler := &recordingScheduler{lock: &sync.Mutex{}, tasks: make(map[string]struct{})}
	metrics := &countingMetrics{}
	registry := newTestRegistry(t)

	return &notificationCorrelator{
		builder:  f.builder,
		registry: registry,
		expiry:   newExpiryScheduler(scheduler, time.Second),
		eventBus: bus,
		metrics:  metrics,
		reclaim:  func(string) {},
		prefix:   testPrefix,
		assetId:  "usd",
		pubkey:   pubkey,
		program:  program,
	}, bus, scheduler, metrics
}

type recordingBus struct {
	lock   *sync.Mutex
	events []domain.Event
}

func (b *recordingBus) Publish(_ context.Context, events ...domain.Event) error {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.events = append(b.events, events...)
	return nil
}

func (b *recordingBus) Subscribe(context.Context) (<-chan domain.Event, error) {
	return make(chan domain.Event), nil
}

func (b *recordingBus) Close() {}

func (b *recordingBus) published() []domain.Event {
	b.lock.Lock()
	defer b.lock.Unlock()
	return append([]domain.Event{}, b.events...)
}

type recordingScheduler struct {
	lock  *sync.Mutex
	tasks map[string]struct{}
}

func (s *recordingScheduler) Start() {}
func (s *recordingScheduler) Stop()  {}

func (s *recordingScheduler) ScheduleTaskOnce(_ time.Time, id string, _ func()) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.tasks[id] = struct{}{}
	return nil
}

func (s *recordingScheduler) CancelTask(id string) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	delete(s.tasks, id)
	return nil
}

func (s *recordingScheduler) armed() []string {
	s.lock.Lock()
	defer s.lock.Unlock()
	ids := make([]string, 0, len(s.tasks))
	for id := range s.tasks {
		ids = append(ids, id)
	}
	return ids
}

// countingMetrics is only used from the goroutine running the correlator.
type countingMetrics struct {
	events               int
	verificationFailures int
	reclaimFailures      int
}

func (m *countingMetrics) EventEmitted(domain.Event) { m.events++ }
func (m *countingMetrics) VerificationFailed()       { m.verificationFailures++ }
func (m *countingMetrics) ReclaimFailed()            { m.reclaimFailures++ }
func (m *countingMetrics) SetConnected(bool)         {}
