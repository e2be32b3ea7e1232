package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// Transfer is the logical unit of value moved between two principals.
// ExecutionCondition is the sha256 digest of the fulfillment.
type Transfer struct {
	Id                 string          `json:"id"`
	From               string          `json:"from"`
	To                 string          `json:"to"`
	Amount             uint64          `json:"amount"`
	AssetId            string          `json:"asset_id"`
	ExecutionCondition []byte          `json:"execution_condition"`
	ExpiresAt          time.Time       `json:"expires_at"`
	Custom             json.RawMessage `json:"custom,omitempty"`
	NoteToSelf         json.RawMessage `json:"note_to_self,omitempty"`
}

func (t Transfer) Validate() error {
	if len(t.Id) <= 0 {
		return fmt.Errorf("%w: missing id", ErrInvalidTransfer)
	}
	if len(t.To) <= 0 {
		return fmt.Errorf("%w: missing destination", ErrInvalidTransfer)
	}
	if t.Amount == 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidTransfer)
	}
	if len(t.ExecutionCondition) != ConditionSize {
		return fmt.Errorf(
			"%w: execution condition must be %d bytes, got %d",
			ErrInvalidTransfer, ConditionSize, len(t.ExecutionCondition),
		)
	}
	if IsMessageCondition(t.ExecutionCondition) {
		return fmt.Errorf("%w: execution condition is reserved", ErrInvalidTransfer)
	}
	if t.ExpiresAt.IsZero() {
		return fmt.Errorf("%w: missing expiration", ErrInvalidTransfer)
	}
	return nil
}

// SameTerms reports whether the two transfers commit to the same escrow.
// Local-only data (NoteToSelf) is not part of the terms.
func (t Transfer) SameTerms(other Transfer) bool {
	return t.Id == other.Id &&
		t.To == other.To &&
		t.Amount == other.Amount &&
		t.AssetId == other.AssetId &&
		bytes.Equal(t.ExecutionCondition, other.ExecutionCondition) &&
		t.ExpiresAt.UnixMilli() == other.ExpiresAt.UnixMilli() &&
		bytes.Equal(compactJSON(t.Custom), compactJSON(other.Custom))
}

// Message is an application payload carried over the ledger with the
// reserved message condition.
type Message struct {
	From string          `json:"from"`
	To   string          `json:"to"`
	Data json.RawMessage `json:"data"`
}

func (m Message) Validate() error {
	if len(m.To) <= 0 {
		return fmt.Errorf("%w: missing message destination", ErrInvalidTransfer)
	}
	return nil
}

type RejectionReason struct {
	Code        string          `json:"code"`
	Name        string          `json:"name"`
	Message     string          `json:"message"`
	TriggeredBy string          `json:"triggered_by,omitempty"`
	TriggeredAt time.Time       `json:"triggered_at,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
}

func TimedOutReason(triggeredBy string, at time.Time) RejectionReason {
	return RejectionReason{
		Code:        "R00",
		Name:        "Transfer Timed Out",
		Message:     "timed out",
		TriggeredBy: triggeredBy,
		TriggeredAt: at,
	}
}

// Info describes the ledger scope a plugin operates on.
type Info struct {
	Prefix        string `json:"prefix"`
	CurrencyCode  string `json:"currency_code"`
	CurrencyScale int    `json:"currency_scale"`
}

// Address returns the ledger address of the given key under prefix.
func Address(prefix, pubkey string) string {
	return prefix + pubkey
}

// ParseAddress extracts the key from an address. The prefix, if not
// empty, must match.
func ParseAddress(prefix, address string) (string, error) {
	if len(prefix) > 0 && !strings.HasPrefix(address, prefix) {
		return "", fmt.Errorf("address %s does not belong to ledger %s", address, prefix)
	}
	parts := strings.Split(address, ".")
	pubkey := parts[len(parts)-1]
	if len(pubkey) != 64 {
		return "", fmt.Errorf("invalid address %s", address)
	}
	return pubkey, nil
}

func compactJSON(buf json.RawMessage) []byte {
	if len(buf) <= 0 {
		return nil
	}
	out := &bytes.Buffer{}
	if err := json.Compact(out, buf); err != nil {
		return buf
	}
	return out.Bytes()
}
