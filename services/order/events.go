package order

import (
	"context"
	"fmt"

	"github.com/MarcGrol/orderbackend/lib/myevents"
	"github.com/MarcGrol/orderbackend/lib/mylog"
	"github.com/MarcGrol/orderbackend/services/checkout/checkoutevents"
	"github.com/MarcGrol/orderbackend/services/order/orderevents"
)

func (s *service) CreateTopics(c context.Context) error {
	err := s.publisher.CreateTopic(c, orderevents.TopicName)
	if err != nil {
		return fmt.Errorf("error creating topic %s: %s", orderevents.TopicName, err)
	}
	return nil
}

func (s *service) Subscribe(c context.Context) error {
	err := s.subscriber.Subscribe(c, checkoutevents.TopicName, func(c context.Context, envelope myevents.EventEnvelope) error {
		return checkoutevents.DispatchEnvelope(c, envelope, s)
	})
	if err != nil {
		return fmt.Errorf("error subscribing to topic %s: %s", checkoutevents.TopicName, err)
	}
	return nil
}

func (s *service) OnBasketCheckedOut(c context.Context, topic string, event checkoutevents.BasketCheckedOut) error {
	s.logger.Log(c, event.CustomerUID, mylog.SeverityInfo, "Received basket-checked-out of customer %s on topic %s", event.CustomerUID, topic)

	_, err := s.handleBasketCheckedOut(c, event)
	return err
}
