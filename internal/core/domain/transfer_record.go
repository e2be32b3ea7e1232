package domain

import (
	"fmt"
	"time"
)

const (
	StateNone TransferState = iota
	StatePrepared
	StateFulfilled
	StateRejected
	StateExpired
)

type TransferState int

func (s TransferState) String() string {
	switch s {
	case StatePrepared:
		return "prepared"
	case StateFulfilled:
		return "fulfilled"
	case StateRejected:
		return "rejected"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

func (s TransferState) IsTerminal() bool {
	return s == StateFulfilled || s == StateRejected || s == StateExpired
}

// TransferRecord tracks one transfer from its first sighting to its terminal
// state. Locked is set once the escrow output is known, Announced once the
// prepare event was raised. An Evicted record is the leftover of a finalized
// one whose transfer details were dropped.
type TransferRecord struct {
	Id          string
	Direction   Direction
	Transfer    Transfer
	State       TransferState
	Locked      bool
	Announced   bool
	Escrow      *EscrowOutput
	Fulfillment []byte
	Reason      *RejectionReason
	CreatedAt   int64
	UpdatedAt   int64
	Evicted     bool
}

func NewTransferRecord(transfer Transfer, direction Direction) *TransferRecord {
	now := time.Now().Unix()
	return &TransferRecord{
		Id:        transfer.Id,
		Direction: direction,
		Transfer:  transfer,
		State:     StatePrepared,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (r *TransferRecord) apply(event Event) {
	switch e := event.(type) {
	case TransferPrepared:
		r.Announced = true
	case TransferFulfilled:
		r.State = StateFulfilled
		r.Fulfillment = e.Fulfillment
	case TransferRejected:
		reason := e.Reason
		r.Reason = &reason
		r.State = StateRejected
		if e.Expired {
			r.State = StateExpired
		}
	}
}

// Lock records the escrow output. It never raises an event, the prepare is
// raised only once the output is observed on the ledger.
func (r *TransferRecord) Lock(escrow EscrowOutput) {
	if r.Locked {
		return
	}
	r.Escrow = &escrow
	r.Locked = true
	r.UpdatedAt = time.Now().Unix()
}

// Prepare returns no events if the prepare was already announced.
func (r *TransferRecord) Prepare(escrow EscrowOutput) ([]Event, error) {
	if r.State == StateNone {
		return nil, fmt.Errorf("transfer %s is not registered", r.Id)
	}
	if r.Announced {
		return nil, nil
	}

	r.Lock(escrow)
	event := TransferPrepared{
		Id:        r.Id,
		Direction: r.Direction,
		Transfer:  r.Transfer,
		Timestamp: time.Now().Unix(),
	}
	r.raise(event)

	return []Event{event}, nil
}

// Fulfill, Reject and Expire are one-shot: once the record is terminal they
// return no events and no error.
func (r *TransferRecord) Fulfill(preimage []byte) ([]Event, error) {
	if r.IsTerminal() {
		return nil, nil
	}
	if err := r.checkPrepared(); err != nil {
		return nil, err
	}
	if err := r.Escrow.CheckPreimage(preimage); err != nil {
		return nil, err
	}

	event := TransferFulfilled{
		Id:          r.Id,
		Direction:   r.Direction,
		Transfer:    r.Transfer,
		Fulfillment: preimage,
		Timestamp:   time.Now().Unix(),
	}
	r.raise(event)

	return []Event{event}, nil
}

func (r *TransferRecord) Reject(reason RejectionReason) ([]Event, error) {
	if r.IsTerminal() {
		return nil, nil
	}
	if err := r.checkPrepared(); err != nil {
		return nil, err
	}

	event := TransferRejected{
		Id:        r.Id,
		Direction: r.Direction,
		Transfer:  r.Transfer,
		Reason:    reason,
		Timestamp: time.Now().Unix(),
	}
	r.raise(event)

	return []Event{event}, nil
}

func (r *TransferRecord) Expire(triggeredBy string) ([]Event, error) {
	if r.IsTerminal() {
		return nil, nil
	}
	if err := r.checkPrepared(); err != nil {
		return nil, err
	}

	now := time.Now()
	event := TransferRejected{
		Id:        r.Id,
		Direction: r.Direction,
		Transfer:  r.Transfer,
		Reason:    TimedOutReason(triggeredBy, now),
		Expired:   true,
		Timestamp: now.Unix(),
	}
	r.raise(event)

	return []Event{event}, nil
}

func (r *TransferRecord) IsTerminal() bool {
	return r.State.IsTerminal()
}

func (r *TransferRecord) IsFulfilled() bool {
	return r.State == StateFulfilled
}

// Evict drops the transfer details of a finalized record. The outcome is
// kept so that a later notification of the same transfer stays a no-op.
func (r *TransferRecord) Evict() bool {
	if !r.IsTerminal() || r.Evicted {
		return false
	}
	r.Transfer = Transfer{Id: r.Id}
	r.Escrow = nil
	r.Evicted = true
	return true
}

func (r *TransferRecord) checkPrepared() error {
	if !r.Announced || r.Escrow == nil {
		return fmt.Errorf("transfer %s must be prepared before being finalized", r.Id)
	}
	return nil
}

func (r *TransferRecord) raise(event Event) {
	r.apply(event)
	r.UpdatedAt = time.Now().Unix()
}
