package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"convopulse/pkg/errors"
	"convopulse/pkg/messaging"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// AMQPBroadcaster publishes envelopes to a topic exchange with the routing
// key "<scope>.<kind>", guarded by a circuit breaker.
type AMQPBroadcaster struct {
	publisher messaging.EventPublisher
	breaker   *gobreaker.CircuitBreaker
	timeout   time.Duration
	logger    *logrus.Entry
}

// NewAMQPBroadcaster wraps an event publisher
func NewAMQPBroadcaster(publisher messaging.EventPublisher, timeout time.Duration, logger *logrus.Logger) *AMQPBroadcaster {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	entry := logger.WithField("component", "amqp_broadcaster")
	settings := gobreaker.Settings{
		Name:        "amqp_broadcast",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			entry.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("AMQP broadcast circuit breaker changed state")
		},
	}
	return &AMQPBroadcaster{
		publisher: publisher,
		breaker:   gobreaker.NewCircuitBreaker(settings),
		timeout:   timeout,
		logger:    entry,
	}
}

// RoutingKey returns the topic routing key for an event
func RoutingKey(scope Scope, kind EventKind) string {
	return fmt.Sprintf("%s.%s", scope, kind)
}

// Publish implements Broadcaster
func (b *AMQPBroadcaster) Publish(ctx context.Context, scope Scope, kind EventKind, payload interface{}) error {
	body, err := json.Marshal(NewEnvelope(scope, kind, payload))
	if err != nil {
		return errors.Wrap(err, "failed to encode broadcast envelope").WithField("kind", string(kind))
	}

	key := RoutingKey(scope, kind)
	_, err = b.breaker.Execute(func() (interface{}, error) {
		pubCtx, cancel := context.WithTimeout(ctx, b.timeout)
		defer cancel()
		return nil, b.publisher.PublishEvent(pubCtx, key, body)
	})
	if err != nil {
		return errors.Wrap(errors.Join(err, errors.ErrBroadcastFailure), "AMQP broadcast failed").
			WithField("routing_key", key)
	}

	return nil
}

// State exposes the breaker state for health reporting
func (b *AMQPBroadcaster) State() gobreaker.State {
	return b.breaker.State()
}
