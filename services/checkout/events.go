package checkout

import (
	"context"
	"fmt"

	"github.com/MarcGrol/orderbackend/lib/myevents"
	"github.com/MarcGrol/orderbackend/lib/mylog"
	"github.com/MarcGrol/orderbackend/services/order/orderevents"
)

// The checkout side hands baskets off fire-and-forget, so the order outcome
// only comes back asynchronously via order events.
func (s *service) Subscribe(c context.Context) error {
	err := s.subscriber.Subscribe(c, orderevents.TopicName, func(c context.Context, envelope myevents.EventEnvelope) error {
		return orderevents.DispatchEnvelope(c, envelope, s)
	})
	if err != nil {
		return fmt.Errorf("error subscribing to topic %s: %s", orderevents.TopicName, err)
	}
	return nil
}

func (s *service) OnOrderCreated(c context.Context, topic string, event orderevents.OrderCreated) error {
	s.logger.Log(c, event.CustomerUID, mylog.SeverityInfo, "Checkout of customer %s completed: order %s, total %d cents", event.CustomerUID, event.OrderUID, event.TotalAmountInCents)
	return nil
}

func (s *service) OnOrderFailed(c context.Context, topic string, event orderevents.OrderFailed) error {
	s.logger.Log(c, event.CustomerUID, mylog.SeverityWarn, "Checkout of customer %s rejected as order %s: %s", event.CustomerUID, event.OrderUID, event.Reason)
	return nil
}
