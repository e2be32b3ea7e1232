package ports

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"time"

	"github.com/ark-network/escrowd/internal/core/domain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrOutputNotFound    = errors.New("output not found")
	ErrOutputSpent       = errors.New("output already spent")
	ErrTimeBounds        = errors.New("transaction outside of its time bounds")
	ErrInvalidWitness    = errors.New("invalid witness")
	ErrFeedClosed        = errors.New("feed closed")
)

type LedgerClient interface {
	Accounts() AccountService
	Transactions() TransactionService
	Outputs() OutputService
	Feeds() FeedService
	Close()
}

type AccountService interface {
	CreateReceiver(ctx context.Context, accountId string) (*Receiver, error)
	// RegisterKey makes outputs paying to the key's program count towards
	// the account.
	RegisterKey(ctx context.Context, accountId, pubkey string) error
}

type TransactionService interface {
	SubmitLock(ctx context.Context, req LockingRequest) (*Transaction, error)
	SubmitUnlock(ctx context.Context, req UnlockingRequest) (*Transaction, error)
	QueryTransactions(ctx context.Context, filter TransactionFilter) ([]Transaction, error)
}

type OutputService interface {
	QueryOutputs(ctx context.Context, filter OutputFilter) ([]Output, error)
}

type FeedService interface {
	Subscribe(ctx context.Context, filter FeedFilter) (Feed, error)
}

// Feed delivers transactions at least once and in no particular order.
// Every transaction returned by Next must be acked: a nack makes the feed
// redeliver it later.
type Feed interface {
	Next(ctx context.Context) (*Transaction, error)
	Ack(ctx context.Context, txid string, processed bool) error
	Close() error
}

type Receiver struct {
	ControlProgram []byte
	ExpiresAt      time.Time
}

// LockingRequest spends Amount of AssetId from the account into a single
// output controlled by ControlProgram.
type LockingRequest struct {
	AccountId      string
	AssetId        string
	Amount         uint64
	ControlProgram []byte
	ReferenceData  []byte
}

type Contract struct {
	TemplateId string                 `json:"template_id"`
	Params     []domain.ContractParam `json:"params"`
}

// WitnessComponent with a non-empty SignBy is a placeholder the Signer
// replaces with a signature of the request's sighash.
type WitnessComponent struct {
	Data   []byte
	SignBy string
}

// UnlockingRequest spends the escrow output OutputId into a new output
// controlled by Destination. MinTime and MaxTime, when set, bound the
// ledger time at which the transaction may settle.
type UnlockingRequest struct {
	OutputId      string
	Contract      Contract
	Witness       []WitnessComponent
	Destination   []byte
	MinTime       time.Time
	MaxTime       time.Time
	ReferenceData []byte
}

func (r UnlockingRequest) Sighash() chainhash.Hash {
	buf := &bytes.Buffer{}
	buf.WriteString(r.OutputId)
	buf.Write(r.Destination)
	// nolint:all
	binary.Write(buf, binary.LittleEndian, timeBound(r.MinTime))
	// nolint:all
	binary.Write(buf, binary.LittleEndian, timeBound(r.MaxTime))
	buf.Write(r.ReferenceData)
	return chainhash.DoubleHashH(buf.Bytes())
}

func (r UnlockingRequest) WitnessData() [][]byte {
	witness := make([][]byte, 0, len(r.Witness))
	for _, w := range r.Witness {
		witness = append(witness, w.Data)
	}
	return witness
}

type Transaction struct {
	Id            string
	Timestamp     time.Time
	ReferenceData []byte
	Inputs        []Input
	Outputs       []Output
}

// Input reveals the contract and witness used to spend SpentOutput. Both
// are empty for inputs spent on behalf of an account.
type Input struct {
	SpentOutput Output
	Contract    *Contract
	Witness     [][]byte
}

type Output struct {
	Id             string
	TransactionId  string
	Position       int
	AccountId      string
	AssetId        string
	Amount         uint64
	ControlProgram []byte
	ReferenceData  []byte
	Spent          bool
}

// ReferenceField matches outputs whose reference data has Key set to Value.
type ReferenceField struct {
	Key   string
	Value string
}

type OutputFilter struct {
	AccountId     string
	AssetId       string
	UnspentOnly   bool
	ReferenceData []ReferenceField
}

// TransactionFilter matches transactions creating or spending an output that
// satisfies any of the reference fields.
type TransactionFilter struct {
	AssetId       string
	ReferenceData []ReferenceField
}

type FeedFilter struct {
	Alias         string
	AssetId       string
	ReferenceData []ReferenceField
}

func timeBound(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
