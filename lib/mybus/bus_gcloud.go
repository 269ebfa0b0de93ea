package mybus

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"cloud.google.com/go/pubsub"

	"github.com/MarcGrol/orderbackend/lib/myerrors"
	"github.com/MarcGrol/orderbackend/lib/myevents"
	"github.com/MarcGrol/orderbackend/lib/mylog"
	"github.com/MarcGrol/orderbackend/lib/mystore"
	"github.com/MarcGrol/orderbackend/lib/mytime"
	"github.com/MarcGrol/orderbackend/lib/myuuid"
)

func init() {
	if os.Getenv("GOOGLE_CLOUD_PROJECT") != "" {
		New = newGcloudBus
	}
}

type gcloudBus struct {
	cfg         Config
	client      *pubsub.Client
	deadLetters mystore.Store[DeadLetter]
	nower       mytime.Nower
	uuider      myuuid.UUIDer
	logger      mylog.Logger

	receiveCtx    context.Context
	receiveCancel context.CancelFunc
	receivers     sync.WaitGroup

	mutex  sync.Mutex
	topics map[string]*pubsub.Topic
}

func newGcloudBus(c context.Context, cfg Config, nower mytime.Nower, uuider myuuid.UUIDer) (MessageBus, func(), error) {
	cfg = cfg.WithDefaults()
	err := cfg.Validate()
	if err != nil {
		return nil, nil, fmt.Errorf("invalid bus config: %s", err)
	}

	client, err := pubsub.NewClient(c, os.Getenv("GOOGLE_CLOUD_PROJECT"))
	if err != nil {
		return nil, nil, fmt.Errorf("error creating pubsub-client: %s", err)
	}

	deadLetters, deadLetterCleanup, err := mystore.New[DeadLetter](c)
	if err != nil {
		client.Close()
		return nil, nil, err
	}

	receiveCtx, receiveCancel := context.WithCancel(context.Background())

	b := &gcloudBus{
		cfg:           cfg,
		client:        client,
		deadLetters:   deadLetters,
		nower:         nower,
		uuider:        uuider,
		logger:        mylog.New("mybus"),
		receiveCtx:    receiveCtx,
		receiveCancel: receiveCancel,
		topics:        map[string]*pubsub.Topic{},
	}

	cleanup := func() {
		receiveCancel()
		b.receivers.Wait()
		deadLetterCleanup()
		client.Close()
	}

	return b, cleanup, nil
}

func (b *gcloudBus) CreateTopic(c context.Context, topicName string) error {
	topic := b.client.Topic(topicName)
	exists, err := topic.Exists(c)
	if err != nil {
		return fmt.Errorf("error checking if topic %s exists: %s", topicName, err)
	}
	if exists {
		return nil
	}

	_, err = b.client.CreateTopic(c, topicName)
	if err != nil {
		return fmt.Errorf("error creating topic %s: %s", topicName, err)
	}

	b.logger.Log(c, "", mylog.SeverityInfo, "Created topic %s", topicName)

	return nil
}

func (b *gcloudBus) Publish(c context.Context, envelope myevents.EventEnvelope) error {
	if envelope.Topic == "" {
		return myerrors.NewInvalidInputErrorf("event %s has no topic", envelope)
	}

	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("error marshalling envelope %s: %s", envelope, err)
	}

	topic := b.topicFor(envelope.Topic)
	_, err = topic.Publish(c, &pubsub.Message{Data: data}).Get(c)
	if err != nil {
		return fmt.Errorf("error publishing event %s: %s", envelope, err)
	}

	return nil
}

func (b *gcloudBus) Subscribe(c context.Context, topicName string, handler Handler) error {
	err := b.CreateTopic(c, topicName)
	if err != nil {
		return err
	}

	sub := b.client.Subscription(topicName)
	exists, err := sub.Exists(c)
	if err != nil {
		return fmt.Errorf("error checking if subscription %s exists: %s", topicName, err)
	}
	if !exists {
		sub, err = b.client.CreateSubscription(c, topicName, pubsub.SubscriptionConfig{
			Topic: b.client.Topic(topicName),
			RetryPolicy: &pubsub.RetryPolicy{
				MinimumBackoff: b.cfg.InitialBackoff,
				MaximumBackoff: b.cfg.MaxBackoff,
			},
		})
		if err != nil {
			return fmt.Errorf("error subscribing to topic %s: %s", topicName, err)
		}
	}

	b.receivers.Add(1)
	go func() {
		defer b.receivers.Done()

		err := sub.Receive(b.receiveCtx, func(c context.Context, msg *pubsub.Message) {
			b.dispatch(c, handler, msg)
		})
		if err != nil && b.receiveCtx.Err() == nil {
			b.logger.Log(context.Background(), "", mylog.SeverityError, "Receive on subscription %s terminated: %s", topicName, err)
		}
	}()

	return nil
}

func (b *gcloudBus) dispatch(c context.Context, handler Handler, msg *pubsub.Message) {
	envelope := myevents.EventEnvelope{}
	err := json.Unmarshal(msg.Data, &envelope)
	if err != nil {
		b.deadLetter(c, envelope, 1, fmt.Sprintf("unparsable message %s: %s", msg.ID, err))
		msg.Ack()
		return
	}

	attempts := 1
	if msg.DeliveryAttempt != nil {
		attempts = int(*msg.DeliveryAttempt)
	}

	handlerCtx, cancel := context.WithTimeout(c, b.cfg.DeliveryTimeout)
	err = handler(handlerCtx, envelope)
	cancel()

	if err == nil {
		msg.Ack()
		return
	}

	b.logger.Log(c, envelope.AggregateUID, mylog.SeverityWarn, "Delivery attempt %d of event %s failed: %s", attempts, envelope, err)

	if !myerrors.IsRetryable(err) {
		b.deadLetter(c, envelope, attempts, fmt.Sprintf("permanent failure: %s", err))
		msg.Ack()
		return
	}

	if attempts >= b.cfg.MaxDeliveryAttempts {
		b.deadLetter(c, envelope, attempts, fmt.Sprintf("retry budget of %d attempts exhausted, last error: %s", b.cfg.MaxDeliveryAttempts, err))
		msg.Ack()
		return
	}

	// Nack triggers redelivery per the subscription's retry policy
	msg.Nack()
}

func (b *gcloudBus) deadLetter(c context.Context, envelope myevents.EventEnvelope, attempts int, reason string) {
	letter := DeadLetter{
		UID:      b.uuider.Create(),
		Topic:    envelope.Topic,
		Envelope: envelope,
		Attempts: attempts,
		Reason:   reason,
		FailedAt: b.nower.Now(),
	}
	err := b.deadLetters.Put(c, letter.UID, letter)
	if err != nil {
		b.logger.Log(c, envelope.AggregateUID, mylog.SeverityError, "Error storing dead-letter %s: %s", letter.UID, err)
		return
	}

	b.logger.Log(c, envelope.AggregateUID, mylog.SeverityError, "Moved event %s to dead-letter store after %d attempts: %s", envelope, attempts, reason)
}

func (b *gcloudBus) DeadLetters(c context.Context) ([]DeadLetter, error) {
	letters, err := b.deadLetters.Query(c, []mystore.Filter{}, "FailedAt")
	if err != nil {
		return nil, myerrors.NewInternalError(fmt.Errorf("error fetching dead-letters: %s", err))
	}
	return letters, nil
}

func (b *gcloudBus) Replay(c context.Context, uid string) error {
	letter, found, err := b.deadLetters.Get(c, uid)
	if err != nil {
		return myerrors.NewInternalError(fmt.Errorf("error fetching dead-letter %s: %s", uid, err))
	}
	if !found {
		return myerrors.NewNotFoundError(fmt.Errorf("dead-letter with uid %s not found", uid))
	}

	err = b.Publish(c, letter.Envelope)
	if err != nil {
		return myerrors.NewInternalError(err)
	}

	err = b.deadLetters.Delete(c, uid)
	if err != nil {
		return myerrors.NewInternalError(fmt.Errorf("error removing dead-letter %s: %s", uid, err))
	}

	return nil
}

func (b *gcloudBus) topicFor(topicName string) *pubsub.Topic {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	topic, found := b.topics[topicName]
	if !found {
		topic = b.client.Topic(topicName)
		b.topics[topicName] = topic
	}
	return topic
}
