package inmemoryledger

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ark-network/escrowd/internal/core/domain"
	"github.com/ark-network/escrowd/internal/core/ports"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/google/uuid"
)

const receiverLifetime = 30 * 24 * time.Hour

type Option func(*Ledger)

// WithClock overrides the ledger time used to validate time bounds.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

// Ledger is an in-process ledger keeping accounts, the set of outputs and
// the transaction history. Unlocking transactions are validated against the
// revealed contract, so it enforces the same rules a remote ledger would.
type Ledger struct {
	compiler ports.ContractCompiler
	now      func() time.Time

	lock     *sync.RWMutex
	accounts map[string]struct{}
	owners   map[string]string // hex program -> account id
	outputs  map[string]*ports.Output
	history  []ports.Transaction

	feedLock *sync.Mutex
	feeds    map[string]*feed
}

func NewLedger(compiler ports.ContractCompiler, opts ...Option) *Ledger {
	l := &Ledger{
		compiler: compiler,
		now:      time.Now,
		lock:     &sync.RWMutex{},
		accounts: make(map[string]struct{}),
		owners:   make(map[string]string),
		outputs:  make(map[string]*ports.Output),
		history:  make([]ports.Transaction, 0),
		feedLock: &sync.Mutex{},
		feeds:    make(map[string]*feed),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) Accounts() ports.AccountService {
	return l
}

func (l *Ledger) Transactions() ports.TransactionService {
	return l
}

func (l *Ledger) Outputs() ports.OutputService {
	return l
}

func (l *Ledger) Feeds() ports.FeedService {
	return l
}

func (l *Ledger) Close() {
	l.feedLock.Lock()
	defer l.feedLock.Unlock()

	for _, f := range l.feeds {
		f.close()
	}
	l.feeds = make(map[string]*feed)
}

// Fund issues amount of asset to a fresh receiver of the account.
func (l *Ledger) Fund(
	ctx context.Context, accountId, assetId string, amount uint64,
) (*ports.Transaction, error) {
	if amount == 0 {
		return nil, fmt.Errorf("amount must be positive")
	}
	receiver, err := l.CreateReceiver(ctx, accountId)
	if err != nil {
		return nil, err
	}

	l.lock.Lock()
	tx := l.newTransaction(nil)
	l.addOutput(&tx, assetId, amount, receiver.ControlProgram, nil)
	l.history = append(l.history, tx)
	l.lock.Unlock()

	l.broadcast(tx)
	return &tx, nil
}

func (l *Ledger) CreateReceiver(ctx context.Context, accountId string) (*ports.Receiver, error) {
	if len(accountId) <= 0 {
		return nil, fmt.Errorf("missing account id")
	}

	key, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}
	program, err := l.compiler.Compile(ctx, domain.PayToPubkeyTemplate, []domain.ContractParam{
		{PublicKey: hex.EncodeToString(schnorr.SerializePubKey(key.PubKey()))},
	})
	if err != nil {
		return nil, err
	}

	l.lock.Lock()
	defer l.lock.Unlock()

	l.accounts[accountId] = struct{}{}
	l.owners[hex.EncodeToString(program)] = accountId

	return &ports.Receiver{
		ControlProgram: program,
		ExpiresAt:      l.now().Add(receiverLifetime),
	}, nil
}

func (l *Ledger) RegisterKey(ctx context.Context, accountId, pubkey string) error {
	if len(accountId) <= 0 {
		return fmt.Errorf("missing account id")
	}
	program, err := l.compiler.Compile(ctx, domain.PayToPubkeyTemplate, []domain.ContractParam{
		{PublicKey: pubkey},
	})
	if err != nil {
		return err
	}

	l.lock.Lock()
	defer l.lock.Unlock()

	l.accounts[accountId] = struct{}{}
	programHex := hex.EncodeToString(program)
	l.owners[programHex] = accountId

	for _, out := range l.outputs {
		if len(out.AccountId) <= 0 && hex.EncodeToString(out.ControlProgram) == programHex {
			out.AccountId = accountId
		}
	}
	return nil
}

func (l *Ledger) QueryOutputs(_ context.Context, filter ports.OutputFilter) ([]ports.Output, error) {
	l.lock.RLock()
	defer l.lock.RUnlock()

	outputs := make([]ports.Output, 0)
	for _, tx := range l.history {
		for _, o := range tx.Outputs {
			out := l.outputs[o.Id]
			if len(filter.AccountId) > 0 && out.AccountId != filter.AccountId {
				continue
			}
			if len(filter.AssetId) > 0 && out.AssetId != filter.AssetId {
				continue
			}
			if filter.UnspentOnly && out.Spent {
				continue
			}
			if len(filter.ReferenceData) > 0 && !matchReference(out.ReferenceData, filter.ReferenceData) {
				continue
			}
			outputs = append(outputs, *out)
		}
	}
	return outputs, nil
}

func (l *Ledger) QueryTransactions(
	_ context.Context, filter ports.TransactionFilter,
) ([]ports.Transaction, error) {
	l.lock.RLock()
	defer l.lock.RUnlock()

	txs := make([]ports.Transaction, 0)
	for _, tx := range l.history {
		if matchTransaction(tx, filter.AssetId, filter.ReferenceData) {
			txs = append(txs, tx)
		}
	}
	return txs, nil
}

func (l *Ledger) newTransaction(referenceData []byte) ports.Transaction {
	return ports.Transaction{
		Id:            uuid.New().String(),
		Timestamp:     l.now(),
		ReferenceData: referenceData,
		Inputs:        make([]ports.Input, 0),
		Outputs:       make([]ports.Output, 0),
	}
}

// addOutput must be called with the lock held.
func (l *Ledger) addOutput(
	tx *ports.Transaction, assetId string, amount uint64, program, referenceData []byte,
) ports.Output {
	position := len(tx.Outputs)
	out := ports.Output{
		Id:             fmt.Sprintf("%s:%d", tx.Id, position),
		TransactionId:  tx.Id,
		Position:       position,
		AccountId:      l.owners[hex.EncodeToString(program)],
		AssetId:        assetId,
		Amount:         amount,
		ControlProgram: program,
		ReferenceData:  referenceData,
	}
	stored := out
	l.outputs[out.Id] = &stored
	tx.Outputs = append(tx.Outputs, out)
	return out
}

// spendOutput must be called with the lock held.
func (l *Ledger) spendOutput(
	tx *ports.Transaction, out *ports.Output, contract *ports.Contract, witness [][]byte,
) {
	spent := *out
	out.Spent = true
	tx.Inputs = append(tx.Inputs, ports.Input{
		SpentOutput: spent,
		Contract:    contract,
		Witness:     witness,
	})
}

func matchTransaction(tx ports.Transaction, assetId string, fields []ports.ReferenceField) bool {
	outputs := make([]ports.Output, 0, len(tx.Inputs)+len(tx.Outputs))
	for _, in := range tx.Inputs {
		outputs = append(outputs, in.SpentOutput)
	}
	outputs = append(outputs, tx.Outputs...)

	for _, out := range outputs {
		if len(assetId) > 0 && out.AssetId != assetId {
			continue
		}
		if len(fields) <= 0 || matchReference(out.ReferenceData, fields) {
			return true
		}
	}
	return false
}

// matchReference reports whether the reference data holds any of the fields.
func matchReference(referenceData []byte, fields []ports.ReferenceField) bool {
	if len(referenceData) <= 0 {
		return false
	}
	data := make(map[string]interface{})
	if err := json.Unmarshal(referenceData, &data); err != nil {
		return false
	}
	for _, field := range fields {
		if value, ok := data[field.Key]; ok && fmt.Sprint(value) == field.Value {
			return true
		}
	}
	return false
}
