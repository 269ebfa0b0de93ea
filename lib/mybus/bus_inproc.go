package mybus

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/MarcGrol/orderbackend/lib/myerrors"
	"github.com/MarcGrol/orderbackend/lib/myevents"
	"github.com/MarcGrol/orderbackend/lib/mylog"
	"github.com/MarcGrol/orderbackend/lib/mystore"
	"github.com/MarcGrol/orderbackend/lib/mytime"
	"github.com/MarcGrol/orderbackend/lib/myuuid"
)

const idlePollInterval = 500 * time.Millisecond

func init() {
	if os.Getenv("GOOGLE_CLOUD_PROJECT") == "" {
		New = NewInProcessBus
	}
}

type inProcessBus struct {
	cfg         Config
	buffer      mystore.Store[Delivery]
	deadLetters mystore.Store[DeadLetter]
	nower       mytime.Nower
	uuider      myuuid.UUIDer
	logger      mylog.Logger

	mutex    sync.Mutex
	handlers map[string]Handler

	wakeup  chan struct{}
	stop    chan struct{}
	stopped sync.WaitGroup
}

// NewInProcessBus returns a bus with a durable buffer between publish and
// consume: a background dispatcher redelivers failed deliveries with
// exponential backoff until the retry budget is exhausted, then moves them to
// the dead-letter store. Events are never silently dropped.
func NewInProcessBus(c context.Context, cfg Config, nower mytime.Nower, uuider myuuid.UUIDer) (MessageBus, func(), error) {
	cfg = cfg.WithDefaults()
	err := cfg.Validate()
	if err != nil {
		return nil, nil, fmt.Errorf("invalid bus config: %s", err)
	}

	buffer, bufferCleanup, err := mystore.New[Delivery](c)
	if err != nil {
		return nil, nil, err
	}
	deadLetters, deadLetterCleanup, err := mystore.New[DeadLetter](c)
	if err != nil {
		bufferCleanup()
		return nil, nil, err
	}

	b := &inProcessBus{
		cfg:         cfg,
		buffer:      buffer,
		deadLetters: deadLetters,
		nower:       nower,
		uuider:      uuider,
		logger:      mylog.New("mybus"),
		handlers:    map[string]Handler{},
		wakeup:      make(chan struct{}, 1),
		stop:        make(chan struct{}),
	}

	b.stopped.Add(1)
	go b.run()

	cleanup := func() {
		close(b.stop)
		b.stopped.Wait()
		deadLetterCleanup()
		bufferCleanup()
	}

	return b, cleanup, nil
}

func (b *inProcessBus) CreateTopic(c context.Context, topic string) error {
	// Topics exist implicitly: a delivery waits until a subscriber registers
	return nil
}

func (b *inProcessBus) Publish(c context.Context, envelope myevents.EventEnvelope) error {
	if envelope.Topic == "" {
		return myerrors.NewInvalidInputErrorf("event %s has no topic", envelope)
	}

	delivery := Delivery{
		UID:           b.uuider.Create(),
		Topic:         envelope.Topic,
		Envelope:      envelope,
		Attempts:      0,
		NextAttemptAt: b.nower.Now(),
	}
	err := b.buffer.Put(c, delivery.UID, delivery)
	if err != nil {
		return fmt.Errorf("error buffering event %s: %s", envelope, err)
	}

	b.wake()

	return nil
}

func (b *inProcessBus) Subscribe(c context.Context, topic string, handler Handler) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	_, exists := b.handlers[topic]
	if exists {
		return fmt.Errorf("topic %s already has a subscriber", topic)
	}
	b.handlers[topic] = handler

	b.wake()

	return nil
}

func (b *inProcessBus) DeadLetters(c context.Context) ([]DeadLetter, error) {
	letters, err := b.deadLetters.Query(c, []mystore.Filter{}, "FailedAt")
	if err != nil {
		return nil, myerrors.NewInternalError(fmt.Errorf("error fetching dead-letters: %s", err))
	}
	return letters, nil
}

func (b *inProcessBus) Replay(c context.Context, uid string) error {
	letter, found, err := b.deadLetters.Get(c, uid)
	if err != nil {
		return myerrors.NewInternalError(fmt.Errorf("error fetching dead-letter %s: %s", uid, err))
	}
	if !found {
		return myerrors.NewNotFoundError(fmt.Errorf("dead-letter with uid %s not found", uid))
	}

	// Replay starts with a fresh retry budget
	delivery := Delivery{
		UID:           letter.UID,
		Topic:         letter.Topic,
		Envelope:      letter.Envelope,
		Attempts:      0,
		NextAttemptAt: b.nower.Now(),
	}
	err = b.buffer.Put(c, delivery.UID, delivery)
	if err != nil {
		return myerrors.NewInternalError(fmt.Errorf("error re-buffering dead-letter %s: %s", uid, err))
	}
	err = b.deadLetters.Delete(c, uid)
	if err != nil {
		return myerrors.NewInternalError(fmt.Errorf("error removing dead-letter %s: %s", uid, err))
	}

	b.wake()

	return nil
}

func (b *inProcessBus) wake() {
	select {
	case b.wakeup <- struct{}{}:
	default:
	}
}

func (b *inProcessBus) run() {
	defer b.stopped.Done()

	for {
		delay := b.deliverDue(context.Background())

		select {
		case <-b.stop:
			return
		case <-b.wakeup:
		case <-time.After(delay):
		}
	}
}

// deliverDue attempts every due delivery once and returns how long the
// dispatcher may sleep until the next one becomes due.
func (b *inProcessBus) deliverDue(c context.Context) time.Duration {
	deliveries, err := b.buffer.List(c)
	if err != nil {
		b.logger.Log(c, "", mylog.SeverityError, "Error listing buffered deliveries: %s", err)
		return idlePollInterval
	}

	now := b.nower.Now()
	for _, delivery := range deliveries {
		if delivery.NextAttemptAt.After(now) {
			continue
		}
		handler := b.handlerFor(delivery.Topic)
		if handler == nil {
			continue
		}
		b.attempt(c, handler, delivery)
	}

	return b.untilNextDue(c)
}

func (b *inProcessBus) untilNextDue(c context.Context) time.Duration {
	deliveries, err := b.buffer.List(c)
	if err != nil {
		return idlePollInterval
	}

	delay := idlePollInterval
	now := b.nower.Now()
	for _, delivery := range deliveries {
		if b.handlerFor(delivery.Topic) == nil {
			continue
		}
		untilDue := delivery.NextAttemptAt.Sub(now)
		if untilDue < time.Millisecond {
			untilDue = time.Millisecond
		}
		if untilDue < delay {
			delay = untilDue
		}
	}
	return delay
}

func (b *inProcessBus) attempt(c context.Context, handler Handler, delivery Delivery) {
	delivery.Attempts++

	err := b.invoke(c, handler, delivery.Envelope)

	if err == nil {
		deleteErr := b.buffer.Delete(c, delivery.UID)
		if deleteErr != nil {
			b.logger.Log(c, delivery.Envelope.AggregateUID, mylog.SeverityError, "Error acknowledging delivery %s: %s", delivery.UID, deleteErr)
		}
		return
	}

	b.logger.Log(c, delivery.Envelope.AggregateUID, mylog.SeverityWarn, "Delivery attempt %d of event %s failed: %s", delivery.Attempts, delivery.Envelope, err)

	if !myerrors.IsRetryable(err) {
		b.moveToDeadLetter(c, delivery, fmt.Sprintf("permanent failure: %s", err))
		return
	}

	if delivery.Attempts >= b.cfg.MaxDeliveryAttempts {
		b.moveToDeadLetter(c, delivery, fmt.Sprintf("retry budget of %d attempts exhausted, last error: %s", b.cfg.MaxDeliveryAttempts, err))
		return
	}

	delivery.LastError = err.Error()
	delivery.NextAttemptAt = b.nower.Now().Add(b.backoffFor(delivery.Attempts))
	putErr := b.buffer.Put(c, delivery.UID, delivery)
	if putErr != nil {
		b.logger.Log(c, delivery.Envelope.AggregateUID, mylog.SeverityError, "Error rescheduling delivery %s: %s", delivery.UID, putErr)
	}
}

// invoke bounds a single handler call to the delivery timeout. The handler
// runs on its own goroutine so a handler that ignores its context cannot
// stall the dispatcher: the attempt is abandoned and counts as a retryable
// failure, and the handler's eventual outcome is discarded.
func (b *inProcessBus) invoke(c context.Context, handler Handler, envelope myevents.EventEnvelope) error {
	handlerCtx, cancel := context.WithTimeout(c, b.cfg.DeliveryTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- handler(handlerCtx, envelope)
	}()

	select {
	case err := <-done:
		return err
	case <-handlerCtx.Done():
		return myerrors.NewUnavailableError(fmt.Errorf("delivery of event %s timed out after %s", envelope, b.cfg.DeliveryTimeout))
	}
}

func (b *inProcessBus) backoffFor(attempts int) time.Duration {
	backoff := b.cfg.InitialBackoff
	for i := 1; i < attempts; i++ {
		backoff <<= 1
		// doubling past the cap (or past overflow) pins at the cap
		if backoff >= b.cfg.MaxBackoff || backoff <= 0 {
			return b.cfg.MaxBackoff
		}
	}
	return backoff
}

func (b *inProcessBus) moveToDeadLetter(c context.Context, delivery Delivery, reason string) {
	letter := DeadLetter{
		UID:      delivery.UID,
		Topic:    delivery.Topic,
		Envelope: delivery.Envelope,
		Attempts: delivery.Attempts,
		Reason:   reason,
		FailedAt: b.nower.Now(),
	}
	err := b.deadLetters.Put(c, letter.UID, letter)
	if err != nil {
		// Keep the delivery buffered rather than lose the event
		b.logger.Log(c, delivery.Envelope.AggregateUID, mylog.SeverityError, "Error storing dead-letter %s: %s", letter.UID, err)
		return
	}

	err = b.buffer.Delete(c, delivery.UID)
	if err != nil {
		b.logger.Log(c, delivery.Envelope.AggregateUID, mylog.SeverityError, "Error removing dead-lettered delivery %s from buffer: %s", delivery.UID, err)
	}

	b.logger.Log(c, delivery.Envelope.AggregateUID, mylog.SeverityError, "Moved event %s to dead-letter store after %d attempts: %s", delivery.Envelope, delivery.Attempts, reason)
}

func (b *inProcessBus) handlerFor(topic string) Handler {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	return b.handlers[topic]
}
