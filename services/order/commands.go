package order

import (
	"context"
	"fmt"
	"time"

	"github.com/MarcGrol/orderbackend/lib/myerrors"
	"github.com/MarcGrol/orderbackend/lib/mylog"
	"github.com/MarcGrol/orderbackend/lib/mystore"
	"github.com/MarcGrol/orderbackend/services/checkout/checkoutevents"
	"github.com/MarcGrol/orderbackend/services/order/orderevents"
)

// handleBasketCheckedOut turns a checkout into exactly one order, however
// often the event is delivered. The conditional insert on the derived uid is
// the single commit point: whichever delivery lands first wins, every later
// one observes the existing order and acknowledges.
func (s *service) handleBasketCheckedOut(c context.Context, event checkoutevents.BasketCheckedOut) (Order, error) {
	orderUID := orderUIDForCheckout(event)
	now := s.nower.Now()

	err := validateCheckout(event)
	if err != nil {
		return Order{}, s.rejectCheckout(c, orderUID, event, now, err)
	}

	order := Order{
		UID:                orderUID,
		CustomerUID:        event.CustomerUID,
		Lines:              toOrderLines(event.Items),
		TotalAmountInCents: computeTotalInCents(event.Items),
		OrderedAt:          orderTimestampForCheckout(event),
		CreatedAt:          now,
		Status:             OrderStatusConfirmed,
	}

	inserted, err := s.orderStore.Insert(c, orderUID, order)
	if err != nil {
		// nothing was committed, the redelivery gets a clean retry
		return Order{}, myerrors.NewUnavailableError(fmt.Errorf("error storing order %s: %s", orderUID, err))
	}
	if !inserted {
		existing, found, err := s.orderStore.Get(c, orderUID)
		if err != nil {
			return Order{}, myerrors.NewUnavailableError(fmt.Errorf("error fetching existing order %s: %s", orderUID, err))
		}
		if !found {
			return Order{}, myerrors.NewInternalError(fmt.Errorf("order %s missing after duplicate insert", orderUID))
		}

		s.logger.Log(c, orderUID, mylog.SeverityInfo, "Order %s for customer %s already exists: duplicate delivery acknowledged", orderUID, event.CustomerUID)

		return existing, nil
	}

	s.logger.Log(c, orderUID, mylog.SeverityInfo, "Created %s", order)

	// the insert committed the order, the event is best-effort
	err = s.publisher.Publish(c, orderevents.TopicName, orderevents.OrderCreated{
		OrderUID:           order.UID,
		CustomerUID:        order.CustomerUID,
		TotalAmountInCents: order.TotalAmountInCents,
	})
	if err != nil {
		s.logger.Log(c, orderUID, mylog.SeverityWarn, "Error publishing order-created for %s: %s", orderUID, err)
	}

	return order, nil
}

// rejectCheckout records a malformed checkout as a failed order for audit and
// refuses the delivery permanently: redelivering the same payload can never
// succeed.
func (s *service) rejectCheckout(c context.Context, orderUID string, event checkoutevents.BasketCheckedOut, now time.Time, reason error) error {
	failed := Order{
		UID:           orderUID,
		CustomerUID:   event.CustomerUID,
		Lines:         toOrderLines(event.Items),
		OrderedAt:     orderTimestampForCheckout(event),
		CreatedAt:     now,
		Status:        OrderStatusFailed,
		FailureReason: reason.Error(),
	}

	inserted, err := s.orderStore.Insert(c, orderUID, failed)
	if err != nil {
		return myerrors.NewUnavailableError(fmt.Errorf("error storing failed order %s: %s", orderUID, err))
	}
	if inserted {
		s.logger.Log(c, orderUID, mylog.SeverityWarn, "Rejected checkout of customer %s as order %s: %s", event.CustomerUID, orderUID, reason)

		publishErr := s.publisher.Publish(c, orderevents.TopicName, orderevents.OrderFailed{
			OrderUID:    orderUID,
			CustomerUID: event.CustomerUID,
			Reason:      reason.Error(),
		})
		if publishErr != nil {
			s.logger.Log(c, orderUID, mylog.SeverityWarn, "Error publishing order-failed for %s: %s", orderUID, publishErr)
		}
	}

	return reason
}

func validateCheckout(event checkoutevents.BasketCheckedOut) error {
	if event.CustomerUID == "" {
		return myerrors.NewInvalidInputError(fmt.Errorf("checkout without customer"))
	}
	if len(event.Items) == 0 {
		return myerrors.NewInvalidInputError(fmt.Errorf("checkout of customer %s without items", event.CustomerUID))
	}
	for _, item := range event.Items {
		if item.ProductUID == "" {
			return myerrors.NewInvalidInputError(fmt.Errorf("checkout of customer %s with nameless product", event.CustomerUID))
		}
		if item.Quantity <= 0 {
			return myerrors.NewInvalidInputError(fmt.Errorf("checkout of customer %s with invalid quantity %d for product %s", event.CustomerUID, item.Quantity, item.ProductUID))
		}
		if item.UnitPriceInCents < 0 {
			return myerrors.NewInvalidInputError(fmt.Errorf("checkout of customer %s with negative price %d for product %s", event.CustomerUID, item.UnitPriceInCents, item.ProductUID))
		}
	}
	return nil
}

func (s *service) listOrders(c context.Context, customerUID string) ([]Order, error) {
	orders, err := s.orderStore.Query(c, []mystore.Filter{
		{Field: "CustomerUID", Compare: "=", Value: customerUID},
	}, "OrderedAt")
	if err != nil {
		return nil, myerrors.NewInternalError(fmt.Errorf("error fetching orders of customer %s: %s", customerUID, err))
	}
	return orders, nil
}

// getOrderAt fetches the order a customer placed at an exact timestamp. The
// uid hashes basket content as well, so distinct baskets checked out at the
// very same instant can coexist; such a lookup is ambiguous and refused, the
// caller must fall back to the full listing.
func (s *service) getOrderAt(c context.Context, customerUID string, orderedAt time.Time) (Order, error) {
	orders, err := s.orderStore.Query(c, []mystore.Filter{
		{Field: "CustomerUID", Compare: "=", Value: customerUID},
		{Field: "OrderedAt", Compare: "=", Value: orderedAt},
	}, "")
	if err != nil {
		return Order{}, myerrors.NewInternalError(fmt.Errorf("error fetching order of customer %s at %s: %s", customerUID, orderedAt, err))
	}
	if len(orders) == 0 {
		return Order{}, myerrors.NewNotFoundError(fmt.Errorf("no order of customer %s at %s", customerUID, orderedAt))
	}
	if len(orders) > 1 {
		return Order{}, myerrors.NewInternalError(fmt.Errorf("%d distinct orders of customer %s at %s", len(orders), customerUID, orderedAt))
	}
	return orders[0], nil
}
