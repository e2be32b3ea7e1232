package domain

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"
)

const (
	ConditionSize = sha256.Size
	selectorSize  = 8

	PayToPubkeyTemplate    = "pay-to-pubkey"
	HashlockTemplate       = "sha256-hashlock-transfer"
	HashlockTwoKeyTemplate = "sha256-hashlock-transfer-2key"

	EscrowKind  = "escrow"
	MessageKind = "message"
)

// MessageCondition is the reserved condition marking an output as an
// application message rather than an escrowed payment.
var MessageCondition = make([]byte, ConditionSize)

func IsMessageCondition(condition []byte) bool {
	return bytes.Equal(condition, MessageCondition)
}

type EscrowVariant string

const (
	// SingleKeyEscrow lets anyone reclaim the funds for the source after expiry.
	SingleKeyEscrow EscrowVariant = "single-key"
	// TwoKeyEscrow requires the source to sign the timeout.
	TwoKeyEscrow EscrowVariant = "two-key"
)

func (v EscrowVariant) Template() string {
	if v == TwoKeyEscrow {
		return HashlockTwoKeyTemplate
	}
	return HashlockTemplate
}

func VariantFromTemplate(templateId string) (EscrowVariant, bool) {
	switch templateId {
	case HashlockTemplate:
		return SingleKeyEscrow, true
	case HashlockTwoKeyTemplate:
		return TwoKeyEscrow, true
	default:
		return "", false
	}
}

type EscrowClause uint64

const (
	FulfillClause EscrowClause = iota
	RejectClause
	TimeoutClause
)

func (c EscrowClause) String() string {
	switch c {
	case FulfillClause:
		return "fulfill"
	case RejectClause:
		return "reject"
	case TimeoutClause:
		return "timeout"
	default:
		return "unknown"
	}
}

// Selector is the fixed-width tag pushed as the last witness element.
func (c EscrowClause) Selector() []byte {
	buf := make([]byte, selectorSize)
	binary.LittleEndian.PutUint64(buf, uint64(c))
	return buf
}

func ClauseFromWitness(witness [][]byte) (EscrowClause, error) {
	if len(witness) <= 0 {
		return 0, fmt.Errorf("%w: empty witness", ErrInvalidClause)
	}
	selector := witness[len(witness)-1]
	if len(selector) != selectorSize {
		return 0, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidClause, selectorSize, len(selector))
	}
	clause := EscrowClause(binary.LittleEndian.Uint64(selector))
	if clause > TimeoutClause {
		return 0, fmt.Errorf("%w: %x", ErrInvalidClause, selector)
	}
	return clause, nil
}

// Principal identifies a party by its x-only key and the control program
// that pays to it.
type Principal struct {
	PubKey  string `json:"pubkey"`
	Program []byte `json:"program"`
}

// ContractParam is one typed argument of a contract template.
type ContractParam struct {
	Program   []byte     `json:"program,omitempty"`
	PublicKey string     `json:"public_key,omitempty"`
	Hash      []byte     `json:"hash,omitempty"`
	Time      *time.Time `json:"time,omitempty"`
}

type EscrowTerms struct {
	Variant       EscrowVariant
	Source        Principal
	Destination   Principal
	ConditionHash []byte
	ExpiresAt     time.Time
}

// Params lays out the terms in the argument order of the variant's template.
func (t EscrowTerms) Params() []ContractParam {
	expiresAt := t.ExpiresAt
	if t.Variant == TwoKeyEscrow {
		return []ContractParam{
			{Program: t.Source.Program},
			{PublicKey: t.Source.PubKey},
			{Program: t.Destination.Program},
			{PublicKey: t.Destination.PubKey},
			{Hash: t.ConditionHash},
			{Time: &expiresAt},
		}
	}
	return []ContractParam{
		{Program: t.Source.Program},
		{Program: t.Destination.Program},
		{PublicKey: t.Destination.PubKey},
		{Hash: t.ConditionHash},
		{Time: &expiresAt},
	}
}

func EscrowTermsFromParams(templateId string, params []ContractParam) (*EscrowTerms, error) {
	variant, ok := VariantFromTemplate(templateId)
	if !ok {
		return nil, fmt.Errorf("%w: unknown template %s", ErrInvalidContractArgs, templateId)
	}

	terms := &EscrowTerms{Variant: variant}
	switch variant {
	case TwoKeyEscrow:
		if len(params) != 6 {
			return nil, fmt.Errorf("%w: expected 6 params, got %d", ErrInvalidContractArgs, len(params))
		}
		terms.Source = Principal{params[1].PublicKey, params[0].Program}
		terms.Destination = Principal{params[3].PublicKey, params[2].Program}
		params = params[4:]
	default:
		if len(params) != 5 {
			return nil, fmt.Errorf("%w: expected 5 params, got %d", ErrInvalidContractArgs, len(params))
		}
		terms.Source = Principal{Program: params[0].Program}
		terms.Destination = Principal{params[2].PublicKey, params[1].Program}
		params = params[3:]
	}

	if len(params[0].Hash) != ConditionSize || params[1].Time == nil {
		return nil, fmt.Errorf("%w: malformed hash or time", ErrInvalidContractArgs)
	}
	terms.ConditionHash = params[0].Hash
	terms.ExpiresAt = *params[1].Time
	return terms, nil
}

// EscrowOutput is the ledger output locking a transfer's amount.
type EscrowOutput struct {
	OutputId       string      `json:"output_id"`
	Amount         uint64      `json:"amount"`
	AssetId        string      `json:"asset_id"`
	ControlProgram []byte      `json:"control_program"`
	Terms          EscrowTerms `json:"terms"`
}

func (o EscrowOutput) CheckPreimage(preimage []byte) error {
	hash := sha256.Sum256(preimage)
	if !bytes.Equal(hash[:], o.Terms.ConditionHash) {
		return ErrPreimageMismatch
	}
	return nil
}

// EscrowReference is the reference data attached to escrow and message
// outputs. It carries the claimed terms, which a recipient must verify
// against the output's actual control program.
type EscrowReference struct {
	Kind               string          `json:"kind"`
	Id                 string          `json:"id,omitempty"`
	Variant            EscrowVariant   `json:"variant,omitempty"`
	SourcePubKey       string          `json:"source_pubkey"`
	DestinationPubKey  string          `json:"destination_pubkey"`
	SourceProgram      []byte          `json:"source_program,omitempty"`
	DestinationProgram []byte          `json:"destination_program,omitempty"`
	Condition          []byte          `json:"condition"`
	ExpiresAt          int64           `json:"expires_at,omitempty"`
	Custom             json.RawMessage `json:"custom,omitempty"`
	Data               json.RawMessage `json:"data,omitempty"`
}

func NewEscrowReference(transfer Transfer, terms EscrowTerms) EscrowReference {
	return EscrowReference{
		Kind:               EscrowKind,
		Id:                 transfer.Id,
		Variant:            terms.Variant,
		SourcePubKey:       terms.Source.PubKey,
		DestinationPubKey:  terms.Destination.PubKey,
		SourceProgram:      terms.Source.Program,
		DestinationProgram: terms.Destination.Program,
		Condition:          terms.ConditionHash,
		ExpiresAt:          terms.ExpiresAt.UnixMilli(),
		Custom:             transfer.Custom,
	}
}

func NewMessageReference(sourcePubkey, destinationPubkey string, data json.RawMessage) EscrowReference {
	return EscrowReference{
		Kind:              MessageKind,
		SourcePubKey:      sourcePubkey,
		DestinationPubKey: destinationPubkey,
		Condition:         MessageCondition,
		Data:              data,
	}
}

func DecodeEscrowReference(buf []byte) (*EscrowReference, error) {
	if len(buf) <= 0 {
		return nil, fmt.Errorf("missing reference data")
	}
	ref := &EscrowReference{}
	if err := json.Unmarshal(buf, ref); err != nil {
		return nil, fmt.Errorf("invalid reference data: %s", err)
	}
	if ref.Kind != EscrowKind && ref.Kind != MessageKind {
		return nil, fmt.Errorf("unknown reference kind %q", ref.Kind)
	}
	return ref, nil
}

func (r EscrowReference) Encode() ([]byte, error) {
	return json.Marshal(r)
}

func (r EscrowReference) IsMessage() bool {
	return r.Kind == MessageKind || IsMessageCondition(r.Condition)
}

func (r EscrowReference) Terms() EscrowTerms {
	variant := r.Variant
	if len(variant) <= 0 {
		variant = SingleKeyEscrow
	}
	return EscrowTerms{
		Variant:       variant,
		Source:        Principal{PubKey: r.SourcePubKey, Program: r.SourceProgram},
		Destination:   Principal{PubKey: r.DestinationPubKey, Program: r.DestinationProgram},
		ConditionHash: r.Condition,
		ExpiresAt:     time.UnixMilli(r.ExpiresAt),
	}
}

// Transfer reconstructs the logical transfer announced by an escrow output.
func (r EscrowReference) Transfer(prefix string, amount uint64, assetId string) Transfer {
	return Transfer{
		Id:                 r.Id,
		From:               Address(prefix, r.SourcePubKey),
		To:                 Address(prefix, r.DestinationPubKey),
		Amount:             amount,
		AssetId:            assetId,
		ExecutionCondition: r.Condition,
		ExpiresAt:          time.UnixMilli(r.ExpiresAt),
		Custom:             r.Custom,
	}
}
