package domain

import "encoding/json"

type EventType int

const (
	EventTypeUndefined EventType = iota
	EventTypeTransferPrepared
	EventTypeTransferFulfilled
	EventTypeTransferRejected
	EventTypeMessageReceived
)

func (t EventType) String() string {
	switch t {
	case EventTypeTransferPrepared:
		return "prepare"
	case EventTypeTransferFulfilled:
		return "fulfill"
	case EventTypeTransferRejected:
		return "reject"
	case EventTypeMessageReceived:
		return "message"
	default:
		return "undefined"
	}
}

type Event interface {
	GetType() EventType
}

type TransferPrepared struct {
	Id        string
	Direction Direction
	Transfer  Transfer
	Timestamp int64
}

type TransferFulfilled struct {
	Id          string
	Direction   Direction
	Transfer    Transfer
	Fulfillment []byte
	Timestamp   int64
}

type TransferRejected struct {
	Id        string
	Direction Direction
	Transfer  Transfer
	Reason    RejectionReason
	Expired   bool
	Timestamp int64
}

type MessageReceived struct {
	OutputId  string
	From      string
	To        string
	Data      json.RawMessage
	Timestamp int64
}

func (e TransferPrepared) GetType() EventType  { return EventTypeTransferPrepared }
func (e TransferFulfilled) GetType() EventType { return EventTypeTransferFulfilled }
func (e TransferRejected) GetType() EventType  { return EventTypeTransferRejected }
func (e MessageReceived) GetType() EventType   { return EventTypeMessageReceived }
