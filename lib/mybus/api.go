package mybus

import (
	"context"
	"fmt"
	"time"

	"github.com/MarcGrol/orderbackend/lib/myevents"
	"github.com/MarcGrol/orderbackend/lib/mytime"
	"github.com/MarcGrol/orderbackend/lib/myuuid"
)

const (
	DefaultMaxDeliveryAttempts = 5
	DefaultInitialBackoff      = time.Second
	DefaultMaxBackoff          = 30 * time.Second
	DefaultDeliveryTimeout     = 30 * time.Second
)

// Config bounds the redelivery behaviour of the bus.
type Config struct {
	// MaxDeliveryAttempts is the total number of delivery attempts before an
	// event is moved to the dead-letter store. Default 5.
	MaxDeliveryAttempts int
	// InitialBackoff is the delay before the first redelivery. It doubles on
	// every subsequent attempt. Default 1s.
	InitialBackoff time.Duration
	// MaxBackoff caps the exponential backoff. Default 30s.
	MaxBackoff time.Duration
	// DeliveryTimeout bounds a single handler invocation. An attempt that
	// exceeds it counts as a retryable failure. Default 30s.
	DeliveryTimeout time.Duration
}

func (cfg Config) WithDefaults() Config {
	if cfg.MaxDeliveryAttempts == 0 {
		cfg.MaxDeliveryAttempts = DefaultMaxDeliveryAttempts
	}
	if cfg.InitialBackoff == 0 {
		cfg.InitialBackoff = DefaultInitialBackoff
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	if cfg.DeliveryTimeout == 0 {
		cfg.DeliveryTimeout = DefaultDeliveryTimeout
	}
	return cfg
}

func (cfg Config) Validate() error {
	if cfg.MaxDeliveryAttempts < 1 {
		return fmt.Errorf("max-delivery-attempts must be at least 1, got %d", cfg.MaxDeliveryAttempts)
	}
	if cfg.InitialBackoff <= 0 {
		return fmt.Errorf("initial-backoff must be positive, got %s", cfg.InitialBackoff)
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		return fmt.Errorf("max-backoff %s must not be smaller than initial-backoff %s", cfg.MaxBackoff, cfg.InitialBackoff)
	}
	if cfg.DeliveryTimeout <= 0 {
		return fmt.Errorf("delivery-timeout must be positive, got %s", cfg.DeliveryTimeout)
	}
	return nil
}

// Handler processes a single delivery attempt. A nil return acknowledges the
// event. Errors are classified via myerrors.IsRetryable: retryable errors
// cause redelivery after a backoff, permanent errors dead-letter immediately.
type Handler func(c context.Context, envelope myevents.EventEnvelope) error

// Delivery is one buffered event on its way to a subscriber, carrying its own
// attempt counter so retry behaviour is testable without a managed queue.
type Delivery struct {
	UID           string
	Topic         string
	Envelope      myevents.EventEnvelope
	Attempts      int
	NextAttemptAt time.Time
	LastError     string `datastore:",noindex"`
}

// DeadLetter holds an event that exhausted its retry budget or failed
// permanently, in full original form, awaiting inspection or replay.
type DeadLetter struct {
	UID      string
	Topic    string
	Envelope myevents.EventEnvelope
	Attempts int
	Reason   string `datastore:",noindex"`
	FailedAt time.Time
}

var New func(c context.Context, cfg Config, nower mytime.Nower, uuider myuuid.UUIDer) (MessageBus, func(), error)

//go:generate mockgen -source=api.go -package mybus -destination bus_mock.go MessageBus
type MessageBus interface {
	CreateTopic(c context.Context, topic string) error

	// Publish buffers the envelope for at-least-once delivery and returns as
	// soon as buffering is acknowledged, not when processing completes.
	Publish(c context.Context, envelope myevents.EventEnvelope) error

	Subscribe(c context.Context, topic string, handler Handler) error

	DeadLetters(c context.Context) ([]DeadLetter, error)
	Replay(c context.Context, uid string) error
}
