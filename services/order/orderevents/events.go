package orderevents

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/MarcGrol/orderbackend/lib/myerrors"
	"github.com/MarcGrol/orderbackend/lib/myevents"
)

const (
	TopicName        = "order"
	orderCreatedName = TopicName + ".created"
	orderFailedName  = TopicName + ".failed"
)

type OrderEventService interface {
	Subscribe(c context.Context) error
	OnOrderCreated(c context.Context, topic string, event OrderCreated) error
	OnOrderFailed(c context.Context, topic string, event OrderFailed) error
}

func DispatchEvent(c context.Context, reader io.Reader, service OrderEventService) error {
	envelope, err := myevents.ParseEventEnvelope(reader)
	if err != nil {
		return myerrors.NewInvalidInputError(err)
	}

	return DispatchEnvelope(c, envelope, service)
}

func DispatchEnvelope(c context.Context, envelope myevents.EventEnvelope, service OrderEventService) error {
	switch envelope.EventTypeName {
	case orderCreatedName:
		{
			event := OrderCreated{}
			err := json.Unmarshal([]byte(envelope.EventPayload), &event)
			if err != nil {
				return myerrors.NewInvalidInputError(err)
			}
			return service.OnOrderCreated(c, envelope.Topic, event)
		}
	case orderFailedName:
		{
			event := OrderFailed{}
			err := json.Unmarshal([]byte(envelope.EventPayload), &event)
			if err != nil {
				return myerrors.NewInvalidInputError(err)
			}
			return service.OnOrderFailed(c, envelope.Topic, event)
		}
	default:
		return myerrors.NewNotImplementedError(fmt.Errorf("unknown event type %s", envelope.EventTypeName))
	}
}

type OrderCreated struct {
	OrderUID           string
	CustomerUID        string
	TotalAmountInCents int64
}

func (e OrderCreated) GetEventTypeName() string {
	return orderCreatedName
}

func (e OrderCreated) GetAggregateName() string {
	return e.OrderUID
}

type OrderFailed struct {
	OrderUID    string
	CustomerUID string
	Reason      string
}

func (e OrderFailed) GetEventTypeName() string {
	return orderFailedName
}

func (e OrderFailed) GetAggregateName() string {
	return e.OrderUID
}
