package watermilleventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/ark-network/escrowd/internal/core/domain"
	"github.com/ark-network/escrowd/internal/core/ports"
	log "github.com/sirupsen/logrus"
)

const (
	topic        = "transfer-events"
	eventsBuffer = 256

	eventTypeKey = "event_type"
)

type eventBus struct {
	pubsub *gochannel.GoChannel
}

func NewEventBus() ports.EventBus {
	pubsub := gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer:            64,
			BlockPublishUntilSubscriberAck: true,
		},
		watermill.NewStdLogger(false, false),
	)
	return &eventBus{pubsub}
}

func (b *eventBus) Publish(ctx context.Context, events ...domain.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		done <- b.pubsub.Publish(topic, toWatermillMessages(events)...)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe streams the events published from now on until ctx is done.
// Publishing waits for every subscriber to ack, so events keep their order.
// A subscriber that stops draining loses the events that overflow its
// buffer instead of stalling the publisher.
func (b *eventBus) Subscribe(ctx context.Context) (<-chan domain.Event, error) {
	messages, err := b.pubsub.Subscribe(ctx, topic)
	if err != nil {
		return nil, err
	}

	ch := make(chan domain.Event, eventsBuffer)
	go func() {
		defer close(ch)
		dropped := 0
		for msg := range messages {
			event, err := fromWatermillMessage(msg)
			msg.Ack()
			if err != nil {
				log.WithError(err).Warn("failed to decode event")
				continue
			}
			select {
			case ch <- event:
				if dropped > 0 {
					log.Warnf("subscriber resumed after dropping %d events", dropped)
					dropped = 0
				}
			case <-ctx.Done():
				return
			default:
				if dropped == 0 {
					log.Warnf("subscriber is not draining, dropping %s event", event.GetType())
				}
				dropped++
			}
		}
	}()
	return ch, nil
}

func (b *eventBus) Close() {
	//nolint:errcheck
	b.pubsub.Close()
}

func toWatermillMessages(events []domain.Event) []*message.Message {
	watermillMessages := make([]*message.Message, 0, len(events))
	for _, event := range events {
		payload, err := json.Marshal(event)
		if err != nil {
			continue
		}

		msg := message.NewMessage(watermill.NewUUID(), payload)
		msg.Metadata.Set(eventTypeKey, strconv.Itoa(int(event.GetType())))
		watermillMessages = append(watermillMessages, msg)
	}

	return watermillMessages
}

func fromWatermillMessage(msg *message.Message) (domain.Event, error) {
	eventType, err := strconv.Atoi(msg.Metadata.Get(eventTypeKey))
	if err != nil {
		return nil, fmt.Errorf("invalid event type: %s", err)
	}

	var event domain.Event
	switch domain.EventType(eventType) {
	case domain.EventTypeTransferPrepared:
		e := domain.TransferPrepared{}
		err = json.Unmarshal(msg.Payload, &e)
		event = e
	case domain.EventTypeTransferFulfilled:
		e := domain.TransferFulfilled{}
		err = json.Unmarshal(msg.Payload, &e)
		event = e
	case domain.EventTypeTransferRejected:
		e := domain.TransferRejected{}
		err = json.Unmarshal(msg.Payload, &e)
		event = e
	case domain.EventTypeMessageReceived:
		e := domain.MessageReceived{}
		err = json.Unmarshal(msg.Payload, &e)
		event = e
	default:
		return nil, fmt.Errorf("unknown event type %d", eventType)
	}
	if err != nil {
		return nil, err
	}
	return event, nil
}
