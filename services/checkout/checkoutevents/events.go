package checkoutevents

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/MarcGrol/orderbackend/lib/myerrors"
	"github.com/MarcGrol/orderbackend/lib/myevents"
)

const (
	TopicName            = "checkout"
	basketCheckedOutName = TopicName + ".basketCheckedOut"
)

type CheckoutEventService interface {
	Subscribe(c context.Context) error
	OnBasketCheckedOut(c context.Context, topic string, event BasketCheckedOut) error
}

// DispatchEvent routes a pubsub push-delivery to the typed event handler
func DispatchEvent(c context.Context, reader io.Reader, service CheckoutEventService) error {
	envelope, err := myevents.ParseEventEnvelope(reader)
	if err != nil {
		return myerrors.NewInvalidInputError(err)
	}

	return DispatchEnvelope(c, envelope, service)
}

// DispatchEnvelope routes a bus delivery to the typed event handler
func DispatchEnvelope(c context.Context, envelope myevents.EventEnvelope, service CheckoutEventService) error {
	switch envelope.EventTypeName {
	case basketCheckedOutName:
		{
			event := BasketCheckedOut{}
			err := json.Unmarshal([]byte(envelope.EventPayload), &event)
			if err != nil {
				return myerrors.NewInvalidInputError(err)
			}
			return service.OnBasketCheckedOut(c, envelope.Topic, event)
		}
	default:
		return myerrors.NewNotImplementedError(fmt.Errorf("unknown event type %s", envelope.EventTypeName))
	}
}

type BasketItem struct {
	ProductUID       string
	Quantity         int
	UnitPriceInCents int64
}

// BasketCheckedOut carries a snapshot of the basket copied at publish time,
// not a live reference. The payload is immutable once published.
type BasketCheckedOut struct {
	CustomerUID          string
	Items                []BasketItem
	CheckedOutAt         time.Time
	BasketLastModifiedAt time.Time
}

func (e BasketCheckedOut) GetEventTypeName() string {
	return basketCheckedOutName
}

func (e BasketCheckedOut) GetAggregateName() string {
	return e.CustomerUID
}
