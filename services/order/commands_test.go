package order

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/mock/gomock"

	"github.com/MarcGrol/orderbackend/lib/myerrors"
	"github.com/MarcGrol/orderbackend/lib/mylog"
	"github.com/MarcGrol/orderbackend/lib/mypublisher"
	"github.com/MarcGrol/orderbackend/lib/mystore"
	"github.com/MarcGrol/orderbackend/lib/mytime"
	"github.com/MarcGrol/orderbackend/services/checkout/checkoutevents"
	"github.com/MarcGrol/orderbackend/services/order/orderevents"
)

var (
	checkedOutAtT1 = time.Date(2023, 2, 27, 23, 58, 59, 0, time.UTC)
	checkedOutAtT2 = time.Date(2023, 2, 28, 9, 15, 0, 0, time.UTC)
)

func TestHandleBasketCheckedOut(t *testing.T) {
	c := context.TODO()

	t.Run("Checkout becomes confirmed order", func(t *testing.T) {
		ctrl, sut, storer, publisher, nower := setupService(t)
		defer ctrl.Finish()

		// given
		nower.EXPECT().Now().Return(mytime.ExampleTime)
		publisher.EXPECT().Publish(gomock.Any(), orderevents.TopicName, gomock.Any()).Return(nil)

		// when
		order, err := sut.handleBasketCheckedOut(c, basketCheckedOut())

		// then
		assert.NoError(t, err)
		assert.Equal(t, OrderStatusConfirmed, order.Status)
		assert.Equal(t, "swn", order.CustomerUID)
		assert.Equal(t, checkedOutAtT1, order.OrderedAt)
		assert.Equal(t, int64(2550), order.TotalAmountInCents)
		assert.Len(t, order.Lines, 2)

		stored, found, err := storer.Get(c, order.UID)
		assert.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, order, stored)
	})

	t.Run("Order-created event carries uid, customer and total", func(t *testing.T) {
		ctrl, sut, _, publisher, nower := setupService(t)
		defer ctrl.Finish()

		// given
		nower.EXPECT().Now().Return(mytime.ExampleTime)
		var published orderevents.OrderCreated
		publisher.EXPECT().Publish(gomock.Any(), orderevents.TopicName, gomock.Any()).DoAndReturn(
			func(c context.Context, topic string, event orderevents.OrderCreated) error {
				published = event
				return nil
			})

		// when
		order, err := sut.handleBasketCheckedOut(c, basketCheckedOut())

		// then
		assert.NoError(t, err)
		assert.Equal(t, order.UID, published.OrderUID)
		assert.Equal(t, "swn", published.CustomerUID)
		assert.Equal(t, int64(2550), published.TotalAmountInCents)
	})

	t.Run("Redelivery of same checkout yields the same single order", func(t *testing.T) {
		ctrl, sut, storer, publisher, nower := setupService(t)
		defer ctrl.Finish()

		// given: the event is published once, not per delivery
		nower.EXPECT().Now().Return(mytime.ExampleTime).Times(2)
		publisher.EXPECT().Publish(gomock.Any(), orderevents.TopicName, gomock.Any()).Return(nil)

		// when: the bus delivers the same logical checkout twice
		first, err := sut.handleBasketCheckedOut(c, basketCheckedOut())
		assert.NoError(t, err)
		second, err := sut.handleBasketCheckedOut(c, basketCheckedOut())
		assert.NoError(t, err)

		// then
		assert.Equal(t, first.UID, second.UID)
		assert.Equal(t, OrderStatusConfirmed, second.Status)

		orders, err := storer.List(c)
		assert.NoError(t, err)
		assert.Len(t, orders, 1)
	})

	t.Run("Different checkout content yields a different order", func(t *testing.T) {
		ctrl, sut, storer, publisher, nower := setupService(t)
		defer ctrl.Finish()

		// given
		nower.EXPECT().Now().Return(mytime.ExampleTime).Times(2)
		publisher.EXPECT().Publish(gomock.Any(), orderevents.TopicName, gomock.Any()).Return(nil).Times(2)

		// when
		first, err := sut.handleBasketCheckedOut(c, basketCheckedOut())
		assert.NoError(t, err)
		later := basketCheckedOut()
		later.CheckedOutAt = checkedOutAtT2
		second, err := sut.handleBasketCheckedOut(c, later)
		assert.NoError(t, err)

		// then
		assert.NotEqual(t, first.UID, second.UID)

		orders, err := storer.List(c)
		assert.NoError(t, err)
		assert.Len(t, orders, 2)
	})

	t.Run("Concurrent deliveries create exactly one order", func(t *testing.T) {
		ctrl, sut, storer, publisher, nower := setupService(t)
		defer ctrl.Finish()

		// given
		nower.EXPECT().Now().Return(mytime.ExampleTime).AnyTimes()
		publisher.EXPECT().Publish(gomock.Any(), orderevents.TopicName, gomock.Any()).Return(nil)

		// when
		const deliveries = 20
		uids := make([]string, deliveries)
		var wg sync.WaitGroup
		for i := 0; i < deliveries; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				order, err := sut.handleBasketCheckedOut(c, basketCheckedOut())
				assert.NoError(t, err)
				uids[i] = order.UID
			}(i)
		}
		wg.Wait()

		// then
		orders, err := storer.List(c)
		assert.NoError(t, err)
		assert.Len(t, orders, 1)
		for _, uid := range uids {
			assert.Equal(t, orders[0].UID, uid)
		}
	})

	t.Run("Checkout without customer is rejected permanently", func(t *testing.T) {
		testRejection(t, func(event *checkoutevents.BasketCheckedOut) {
			event.CustomerUID = ""
		})
	})

	t.Run("Checkout without items is rejected permanently", func(t *testing.T) {
		testRejection(t, func(event *checkoutevents.BasketCheckedOut) {
			event.Items = nil
		})
	})

	t.Run("Checkout with negative quantity is rejected permanently", func(t *testing.T) {
		testRejection(t, func(event *checkoutevents.BasketCheckedOut) {
			event.Items[0].Quantity = -1
		})
	})

	t.Run("Checkout with negative price is rejected permanently", func(t *testing.T) {
		testRejection(t, func(event *checkoutevents.BasketCheckedOut) {
			event.Items[0].UnitPriceInCents = -100
		})
	})

	t.Run("Unreachable store is a retryable failure", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		nower := mytime.NewMockNower(ctrl)
		nower.EXPECT().Now().Return(mytime.ExampleTime)
		publisher := mypublisher.NewMockPublisher(ctrl)
		sut := newService(failingOrderStore{}, nil, publisher, nower, mylog.New("order"))

		// when
		_, err := sut.handleBasketCheckedOut(context.TODO(), basketCheckedOut())

		// then: nothing was committed, the bus must redeliver
		assert.Error(t, err)
		assert.True(t, myerrors.IsRetryable(err))
	})
}

func testRejection(t *testing.T, corrupt func(event *checkoutevents.BasketCheckedOut)) {
	c := context.TODO()
	ctrl, sut, storer, publisher, nower := setupService(t)
	defer ctrl.Finish()

	// given
	nower.EXPECT().Now().Return(mytime.ExampleTime)
	var published orderevents.OrderFailed
	publisher.EXPECT().Publish(gomock.Any(), orderevents.TopicName, gomock.Any()).DoAndReturn(
		func(c context.Context, topic string, event orderevents.OrderFailed) error {
			published = event
			return nil
		})

	event := basketCheckedOut()
	corrupt(&event)

	// when
	_, err := sut.handleBasketCheckedOut(c, event)

	// then: the delivery is refused and must not be retried
	assert.Error(t, err)
	assert.False(t, myerrors.IsRetryable(err))

	// and the rejection is recorded for audit
	orders, listErr := storer.List(c)
	assert.NoError(t, listErr)
	assert.Len(t, orders, 1)
	assert.Equal(t, OrderStatusFailed, orders[0].Status)
	assert.Equal(t, err.Error(), orders[0].FailureReason)
	assert.Equal(t, orders[0].UID, published.OrderUID)
	assert.Equal(t, err.Error(), published.Reason)
}

func TestQueries(t *testing.T) {
	c := context.TODO()

	t.Run("List orders of customer ordered by timestamp", func(t *testing.T) {
		ctrl, sut, storer, _, _ := setupService(t)
		defer ctrl.Finish()

		// given: two orders of swn and one of somebody else
		assert.NoError(t, storer.Put(c, "o2", confirmedOrder("o2", "swn", checkedOutAtT2)))
		assert.NoError(t, storer.Put(c, "o1", confirmedOrder("o1", "swn", checkedOutAtT1)))
		assert.NoError(t, storer.Put(c, "o3", confirmedOrder("o3", "other", checkedOutAtT1)))

		// when
		orders, err := sut.listOrders(c, "swn")

		// then
		assert.NoError(t, err)
		assert.Len(t, orders, 2)
		assert.Equal(t, "o1", orders[0].UID)
		assert.Equal(t, "o2", orders[1].UID)
	})

	t.Run("List orders of unknown customer is empty", func(t *testing.T) {
		ctrl, sut, _, _, _ := setupService(t)
		defer ctrl.Finish()

		orders, err := sut.listOrders(c, "nobody")
		assert.NoError(t, err)
		assert.Empty(t, orders)
	})

	t.Run("Get order at exact timestamp", func(t *testing.T) {
		ctrl, sut, storer, _, _ := setupService(t)
		defer ctrl.Finish()

		// given
		assert.NoError(t, storer.Put(c, "o1", confirmedOrder("o1", "swn", checkedOutAtT1)))
		assert.NoError(t, storer.Put(c, "o2", confirmedOrder("o2", "swn", checkedOutAtT2)))

		// when
		order, err := sut.getOrderAt(c, "swn", checkedOutAtT2)

		// then
		assert.NoError(t, err)
		assert.Equal(t, "o2", order.UID)
	})

	t.Run("Get order at ambiguous timestamp is refused", func(t *testing.T) {
		ctrl, sut, storer, _, _ := setupService(t)
		defer ctrl.Finish()

		// given: two distinct baskets checked out at the very same instant
		assert.NoError(t, storer.Put(c, "o1", confirmedOrder("o1", "swn", checkedOutAtT1)))
		assert.NoError(t, storer.Put(c, "o2", confirmedOrder("o2", "swn", checkedOutAtT1)))

		// when
		_, err := sut.getOrderAt(c, "swn", checkedOutAtT1)

		// then
		assert.Error(t, err)
		assert.Equal(t, 500, myerrors.GetHttpStatus(err))
	})

	t.Run("Get order at unknown timestamp", func(t *testing.T) {
		ctrl, sut, storer, _, _ := setupService(t)
		defer ctrl.Finish()

		// given
		assert.NoError(t, storer.Put(c, "o1", confirmedOrder("o1", "swn", checkedOutAtT1)))

		// when
		_, err := sut.getOrderAt(c, "swn", checkedOutAtT2)

		// then
		assert.Error(t, err)
		assert.Equal(t, 404, myerrors.GetHttpStatus(err))
	})
}

func setupService(t *testing.T) (*gomock.Controller, *service, mystore.Store[Order], *mypublisher.MockPublisher, *mytime.MockNower) {
	ctrl := gomock.NewController(t)

	storer, storerCleanup, err := mystore.NewInMemoryStore[Order](context.TODO())
	assert.NoError(t, err)
	t.Cleanup(storerCleanup)

	publisher := mypublisher.NewMockPublisher(ctrl)
	nower := mytime.NewMockNower(ctrl)

	sut := newService(storer, nil, publisher, nower, mylog.New("order"))

	return ctrl, sut, storer, publisher, nower
}

func basketCheckedOut() checkoutevents.BasketCheckedOut {
	return checkoutevents.BasketCheckedOut{
		CustomerUID: "swn",
		Items: []checkoutevents.BasketItem{
			{ProductUID: "p1", Quantity: 2, UnitPriceInCents: 1000},
			{ProductUID: "p2", Quantity: 1, UnitPriceInCents: 550},
		},
		CheckedOutAt: checkedOutAtT1,
	}
}

func confirmedOrder(uid string, customerUID string, orderedAt time.Time) Order {
	return Order{
		UID:         uid,
		CustomerUID: customerUID,
		Lines: []OrderLine{
			{ProductUID: "p1", Quantity: 1, UnitPriceInCents: 100},
		},
		TotalAmountInCents: 100,
		OrderedAt:          orderedAt,
		CreatedAt:          mytime.ExampleTime,
		Status:             OrderStatusConfirmed,
	}
}

type failingOrderStore struct{}

func (s failingOrderStore) RunInTransaction(c context.Context, f func(c context.Context) error) error {
	return assert.AnError
}

func (s failingOrderStore) Put(c context.Context, uid string, value Order) error {
	return assert.AnError
}

func (s failingOrderStore) Insert(c context.Context, uid string, value Order) (bool, error) {
	return false, assert.AnError
}

func (s failingOrderStore) Get(c context.Context, uid string) (Order, bool, error) {
	return Order{}, false, assert.AnError
}

func (s failingOrderStore) Delete(c context.Context, uid string) error {
	return assert.AnError
}

func (s failingOrderStore) List(c context.Context) ([]Order, error) {
	return nil, assert.AnError
}

func (s failingOrderStore) Query(c context.Context, filters []mystore.Filter, orderByField string) ([]Order, error) {
	return nil, assert.AnError
}
