package checkout

import (
	"context"
	"fmt"

	"github.com/MarcGrol/orderbackend/lib/mybus"
	"github.com/MarcGrol/orderbackend/lib/mylog"
	"github.com/MarcGrol/orderbackend/lib/mypublisher"
	"github.com/MarcGrol/orderbackend/lib/mytime"
	"github.com/MarcGrol/orderbackend/services/checkout/checkoutevents"
)

type service struct {
	publisher  mypublisher.Publisher
	subscriber mybus.MessageBus
	nower      mytime.Nower
	logger     mylog.Logger
}

func newService(publisher mypublisher.Publisher, subscriber mybus.MessageBus, nower mytime.Nower, logger mylog.Logger) *service {
	return &service{
		publisher:  publisher,
		subscriber: subscriber,
		nower:      nower,
		logger:     logger,
	}
}

func (s *service) CreateTopics(c context.Context) error {
	err := s.publisher.CreateTopic(c, checkoutevents.TopicName)
	if err != nil {
		return fmt.Errorf("error creating topic %s: %s", checkoutevents.TopicName, err)
	}
	return nil
}

// checkout publishes the basket as an immutable snapshot and returns without
// waiting for downstream processing: the caller gets an acknowledgement of
// acceptance, not of completion.
func (s *service) checkout(c context.Context, request CheckoutRequest) error {
	event := checkoutevents.BasketCheckedOut{
		CustomerUID:  request.CustomerUID,
		Items:        toBasketItems(request.Items),
		CheckedOutAt: request.CheckoutTimestamp,
	}
	if request.BasketLastModified != nil {
		event.BasketLastModifiedAt = *request.BasketLastModified
	}
	if event.CheckedOutAt.IsZero() && event.BasketLastModifiedAt.IsZero() {
		// without any client-side timestamp the checkout cannot be told apart
		// from an identical one later on, so stamp it on arrival
		event.CheckedOutAt = s.nower.Now()
	}

	err := s.publisher.Publish(c, checkoutevents.TopicName, event)
	if err != nil {
		return fmt.Errorf("error publishing checkout for customer %s: %s", request.CustomerUID, err)
	}

	s.logger.Log(c, request.CustomerUID, mylog.SeverityInfo, "Accepted checkout of %d items for customer %s", len(request.Items), request.CustomerUID)

	return nil
}

func toBasketItems(items []CheckoutItem) []checkoutevents.BasketItem {
	basketItems := make([]checkoutevents.BasketItem, 0, len(items))
	for _, item := range items {
		basketItems = append(basketItems, checkoutevents.BasketItem{
			ProductUID:       item.ProductUID,
			Quantity:         item.Quantity,
			UnitPriceInCents: item.UnitPriceInCents,
		})
	}
	return basketItems
}
