package order

import (
	"github.com/MarcGrol/orderbackend/lib/mybus"
	"github.com/MarcGrol/orderbackend/lib/mylog"
	"github.com/MarcGrol/orderbackend/lib/mypublisher"
	"github.com/MarcGrol/orderbackend/lib/mystore"
	"github.com/MarcGrol/orderbackend/lib/mytime"
)

type service struct {
	orderStore mystore.Store[Order]
	subscriber mybus.MessageBus
	publisher  mypublisher.Publisher
	nower      mytime.Nower
	logger     mylog.Logger
}

func newService(orderStore mystore.Store[Order], subscriber mybus.MessageBus, publisher mypublisher.Publisher, nower mytime.Nower, logger mylog.Logger) *service {
	return &service{
		orderStore: orderStore,
		subscriber: subscriber,
		publisher:  publisher,
		nower:      nower,
		logger:     logger,
	}
}
