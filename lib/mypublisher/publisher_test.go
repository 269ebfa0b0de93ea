package mypublisher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/MarcGrol/orderbackend/lib/mybus"
	"github.com/MarcGrol/orderbackend/lib/myevents"
	"github.com/MarcGrol/orderbackend/lib/myqueue"
	"github.com/MarcGrol/orderbackend/lib/mytime"
	"github.com/MarcGrol/orderbackend/lib/myuuid"
)

type testEvent struct {
	CustomerUID string
}

func (e testEvent) GetEventTypeName() string {
	return "checkout.basketCheckedOut"
}

func (e testEvent) GetAggregateName() string {
	return e.CustomerUID
}

func TestPublisher(t *testing.T) {
	c := context.TODO()

	bus, busCleanup, err := mybus.NewInProcessBus(c, mybus.Config{
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	}, mytime.RealNower{}, myuuid.RealUUIDer{})
	assert.NoError(t, err)
	defer busCleanup()

	var mutex sync.Mutex
	received := []myevents.EventEnvelope{}
	err = bus.Subscribe(c, "checkout", func(c context.Context, envelope myevents.EventEnvelope) error {
		mutex.Lock()
		received = append(received, envelope)
		mutex.Unlock()
		return nil
	})
	assert.NoError(t, err)

	queue, queueCleanup, err := myqueue.New(c)
	assert.NoError(t, err)
	defer queueCleanup()

	publisher, publisherCleanup, err := New(c, bus, queue, mytime.RealNower{})
	assert.NoError(t, err)
	defer publisherCleanup()

	// when
	err = publisher.Publish(c, "checkout", testEvent{CustomerUID: "swn"})
	assert.NoError(t, err)
	err = publisher.flushOutbox(c)
	assert.NoError(t, err)

	// then
	assert.Eventually(t, func() bool {
		mutex.Lock()
		defer mutex.Unlock()
		return len(received) == 1
	}, 5*time.Second, 5*time.Millisecond)

	mutex.Lock()
	envelope := received[0]
	mutex.Unlock()
	assert.Equal(t, "checkout", envelope.Topic)
	assert.Equal(t, "checkout.basketCheckedOut", envelope.EventTypeName)
	assert.Equal(t, "swn", envelope.AggregateUID)
	assert.NotEmpty(t, envelope.UID)
	assert.JSONEq(t, `{"CustomerUID":"swn"}`, envelope.EventPayload)

	// flushing again must not republish: the envelope is marked published
	err = publisher.flushOutbox(c)
	assert.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	mutex.Lock()
	count := len(received)
	mutex.Unlock()
	assert.Equal(t, 1, count)
}
