package mypublisher

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/MarcGrol/orderbackend/lib/mybus"
	"github.com/MarcGrol/orderbackend/lib/mycontext"
	"github.com/MarcGrol/orderbackend/lib/myevents"
	"github.com/MarcGrol/orderbackend/lib/myhttp"
	"github.com/MarcGrol/orderbackend/lib/mylog"
	"github.com/MarcGrol/orderbackend/lib/myqueue"
	"github.com/MarcGrol/orderbackend/lib/mystore"
	"github.com/MarcGrol/orderbackend/lib/mytime"
)

const relayInterval = time.Second

// transactionalPublisher implements the outbox pattern: an event is first
// stored alongside the business mutation and only then pushed onto the bus.
// On Cloud Tasks the flush is triggered via a webhook, locally a relay ticker
// does the same. A crash between pushing and marking an envelope published
// causes a re-push: delivery is at-least-once, never at-most-once.
type transactionalPublisher struct {
	outbox    mystore.Store[myevents.EventEnvelope]
	queue     myqueue.TaskQueuer
	bus       mybus.MessageBus
	enveloper enveloper
	logger    mylog.Logger

	stop    chan struct{}
	stopped sync.WaitGroup
}

func New(c context.Context, bus mybus.MessageBus, queue myqueue.TaskQueuer, nower mytime.Nower) (*transactionalPublisher, func(), error) {
	store, storeCleanup, err := mystore.New[myevents.EventEnvelope](c)
	if err != nil {
		return nil, nil, err
	}

	p := &transactionalPublisher{
		outbox:    store,
		queue:     queue,
		bus:       bus,
		enveloper: newEnveloper(nower),
		logger:    mylog.New("publisher"),
		stop:      make(chan struct{}),
	}

	p.stopped.Add(1)
	go p.relay()

	cleanup := func() {
		close(p.stop)
		p.stopped.Wait()
		storeCleanup()
	}

	return p, cleanup, nil
}

func (p *transactionalPublisher) RegisterEndpoints(c context.Context, router *mux.Router) {
	router.HandleFunc("/api/outbox/flush/{uid}", p.flushTriggerPage()).Methods("PUT")
}

func (p *transactionalPublisher) CreateTopic(c context.Context, topicName string) error {
	return p.bus.CreateTopic(c, topicName)
}

func (p *transactionalPublisher) Publish(c context.Context, topic string, event myevents.Event) error {
	envelope, err := p.enveloper.do(topic, event)
	if err != nil {
		return fmt.Errorf("error creating envelope: %s", err)
	}
	err = p.outbox.Put(c, envelope.UID, envelope)
	if err != nil {
		return fmt.Errorf("error storing envelope: %s", err)
	}

	err = p.queue.Enqueue(c, myqueue.Task{
		UID:            envelope.UID,
		WebhookURLPath: fmt.Sprintf("/api/outbox/flush/%s", envelope.UID),
		Payload:        []byte{},
	})
	if err != nil {
		return fmt.Errorf("error queueing flush-trigger %s: %s", envelope.UID, err)
	}

	p.logger.Log(c, envelope.AggregateUID, mylog.SeverityInfo, "Stored event %s in outbox", envelope)

	return nil
}

func (p *transactionalPublisher) flushTriggerPage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c := mycontext.ContextFromHTTPRequest(r)
		errorWriter := myhttp.NewWriter(p.logger)

		envelopeUID := mux.Vars(r)["uid"]

		err := p.flushOutbox(c)
		if err != nil {
			attempts, maxAttempts := p.queue.IsLastAttempt(c, envelopeUID)
			if maxAttempts >= 0 && attempts >= maxAttempts {
				p.logger.Log(c, envelopeUID, mylog.SeverityError, "Giving up flushing outbox for trigger %s after %d attempts: %s", envelopeUID, attempts, err)
			}
			errorWriter.WriteError(c, w, 1, err)
			return
		}

		errorWriter.Write(c, w, http.StatusOK, myhttp.SuccessResponse{
			Message: "Successfully flushed outbox",
		})
	}
}

func (p *transactionalPublisher) relay() {
	defer p.stopped.Done()

	for {
		select {
		case <-p.stop:
			return
		case <-time.After(relayInterval):
		}

		err := p.flushOutbox(context.Background())
		if err != nil {
			p.logger.Log(context.Background(), "", mylog.SeverityWarn, "Error flushing outbox: %s", err)
		}
	}
}

func (p *transactionalPublisher) flushOutbox(c context.Context) error {
	// fetch all envelopes that are not yet published
	envelopes, err := p.outbox.Query(c, []mystore.Filter{{Field: "Published", Compare: "=", Value: false}}, "CreatedAt")
	if err != nil {
		return fmt.Errorf("error fetching envelopes: %s", err)
	}

	for _, envelope := range envelopes {
		err = p.bus.Publish(c, envelope)
		if err != nil {
			return fmt.Errorf("error publishing event %s: %s", envelope, err)
		}

		// mark as published
		envelope.Published = true
		err = p.outbox.Put(c, envelope.UID, envelope)
		if err != nil {
			return fmt.Errorf("error storing envelope %s: %s", envelope, err)
		}

		p.logger.Log(c, envelope.AggregateUID, mylog.SeverityInfo, "Published event %s on topic %s", envelope.EventTypeName, envelope.Topic)
	}

	return nil
}
