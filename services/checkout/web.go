package checkout

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/MarcGrol/orderbackend/lib/mybus"
	"github.com/MarcGrol/orderbackend/lib/mycontext"
	"github.com/MarcGrol/orderbackend/lib/myhttp"
	"github.com/MarcGrol/orderbackend/lib/mylog"
	"github.com/MarcGrol/orderbackend/lib/mypublisher"
	"github.com/MarcGrol/orderbackend/lib/mytime"
	"github.com/MarcGrol/orderbackend/services/order/orderevents"
)

type webService struct {
	service *service
	logger  mylog.Logger
}

func NewWebService(publisher mypublisher.Publisher, subscriber mybus.MessageBus, nower mytime.Nower) *webService {
	logger := mylog.New("checkout")
	return &webService{
		service: newService(publisher, subscriber, nower, logger),
		logger:  logger,
	}
}

func (s *webService) RegisterEndpoints(c context.Context, router *mux.Router) error {
	router.HandleFunc("/api/checkout", s.checkoutPage()).Methods("POST")
	router.HandleFunc("/api/checkout/event", s.eventPage()).Methods("POST")

	err := s.service.CreateTopics(c)
	if err != nil {
		return err
	}

	return s.service.Subscribe(c)
}

// eventPage accepts push-delivered order outcomes for externally managed
// subscriptions.
func (s *webService) eventPage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c := mycontext.ContextFromHTTPRequest(r)
		errorWriter := myhttp.NewWriter(s.logger)

		err := orderevents.DispatchEvent(c, r.Body, s.service)
		if err != nil {
			errorWriter.WriteError(c, w, 3, err)
			return
		}

		errorWriter.Write(c, w, http.StatusOK, myhttp.SuccessResponse{
			Message: "Successfully processed event",
		})
	}
}

func (s *webService) checkoutPage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c := mycontext.ContextFromHTTPRequest(r)
		errorWriter := myhttp.NewWriter(s.logger)

		request, err := NewFromRequest(r)
		if err != nil {
			errorWriter.WriteError(c, w, 1, err)
			return
		}

		err = s.service.checkout(c, request)
		if err != nil {
			errorWriter.WriteError(c, w, 2, err)
			return
		}

		errorWriter.Write(c, w, http.StatusAccepted, myhttp.SuccessResponse{
			Message: "Checkout accepted",
		})
	}
}
