package order

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/MarcGrol/orderbackend/lib/mybus"
	"github.com/MarcGrol/orderbackend/lib/mycontext"
	"github.com/MarcGrol/orderbackend/lib/myerrors"
	"github.com/MarcGrol/orderbackend/lib/myhttp"
	"github.com/MarcGrol/orderbackend/lib/mylog"
	"github.com/MarcGrol/orderbackend/lib/mypublisher"
	"github.com/MarcGrol/orderbackend/lib/mystore"
	"github.com/MarcGrol/orderbackend/lib/mytime"
	"github.com/MarcGrol/orderbackend/services/checkout/checkoutevents"
)

type webService struct {
	service *service
	logger  mylog.Logger
}

func NewWebService(orderStore mystore.Store[Order], subscriber mybus.MessageBus, publisher mypublisher.Publisher, nower mytime.Nower) *webService {
	logger := mylog.New("order")
	return &webService{
		service: newService(orderStore, subscriber, publisher, nower, logger),
		logger:  logger,
	}
}

func (s *webService) RegisterEndpoints(c context.Context, router *mux.Router) error {
	router.HandleFunc("/api/order/event", s.eventPage()).Methods("POST")
	router.HandleFunc("/api/order/{customerUID}", s.listOrdersPage()).Methods("GET")

	err := s.service.CreateTopics(c)
	if err != nil {
		return err
	}

	return s.service.Subscribe(c)
}

type orderListResponse struct {
	Orders []Order
}

func (s *webService) listOrdersPage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c := mycontext.ContextFromHTTPRequest(r)
		errorWriter := myhttp.NewWriter(s.logger)

		customerUID := mux.Vars(r)["customerUID"]

		orderedAtParam := r.URL.Query().Get("orderedAt")
		if orderedAtParam != "" {
			orderedAt, err := time.Parse(time.RFC3339, orderedAtParam)
			if err != nil {
				errorWriter.WriteError(c, w, 1, myerrors.NewInvalidInputError(fmt.Errorf("error parsing orderedAt: %s", err)))
				return
			}

			order, err := s.service.getOrderAt(c, customerUID, orderedAt)
			if err != nil {
				errorWriter.WriteError(c, w, 2, err)
				return
			}

			errorWriter.Write(c, w, http.StatusOK, orderListResponse{Orders: []Order{order}})
			return
		}

		orders, err := s.service.listOrders(c, customerUID)
		if err != nil {
			errorWriter.WriteError(c, w, 3, err)
			return
		}

		errorWriter.Write(c, w, http.StatusOK, orderListResponse{Orders: orders})
	}
}

// eventPage accepts push-deliveries for externally managed subscriptions.
func (s *webService) eventPage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c := mycontext.ContextFromHTTPRequest(r)
		errorWriter := myhttp.NewWriter(s.logger)

		err := checkoutevents.DispatchEvent(c, r.Body, s.service)
		if err != nil {
			errorWriter.WriteError(c, w, 4, err)
			return
		}

		errorWriter.Write(c, w, http.StatusOK, myhttp.SuccessResponse{
			Message: "Successfully processed event",
		})
	}
}
