package mybus

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/MarcGrol/orderbackend/lib/mycontext"
	"github.com/MarcGrol/orderbackend/lib/myhttp"
	"github.com/MarcGrol/orderbackend/lib/mylog"
)

type webService struct {
	bus    MessageBus
	logger mylog.Logger
}

// NewWebService exposes the dead-letter surface: inspection of events that
// exhausted their retry budget and manual replay after the root cause is fixed.
func NewWebService(bus MessageBus) *webService {
	return &webService{
		bus:    bus,
		logger: mylog.New("deadletter"),
	}
}

func (s webService) RegisterEndpoints(c context.Context, router *mux.Router) {
	router.HandleFunc("/api/deadletter", s.listDeadLettersPage()).Methods("GET")
	router.HandleFunc("/api/deadletter/{uid}/replay", s.replayDeadLetterPage()).Methods("PUT")
}

type deadLetterListResponse struct {
	DeadLetters []DeadLetter
}

func (s webService) listDeadLettersPage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c := mycontext.ContextFromHTTPRequest(r)
		errorWriter := myhttp.NewWriter(s.logger)

		letters, err := s.bus.DeadLetters(c)
		if err != nil {
			errorWriter.WriteError(c, w, 1, err)
			return
		}

		errorWriter.Write(c, w, http.StatusOK, deadLetterListResponse{
			DeadLetters: letters,
		})
	}
}

func (s webService) replayDeadLetterPage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c := mycontext.ContextFromHTTPRequest(r)
		errorWriter := myhttp.NewWriter(s.logger)

		uid := mux.Vars(r)["uid"]

		s.logger.Log(c, uid, mylog.SeverityInfo, "Replaying dead-letter %s", uid)

		err := s.bus.Replay(c, uid)
		if err != nil {
			errorWriter.WriteError(c, w, 2, err)
			return
		}

		errorWriter.Write(c, w, http.StatusOK, myhttp.SuccessResponse{
			Message: "Successfully replayed dead-letter",
		})
	}
}
