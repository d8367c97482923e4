package messaging

import "context"

// EventPublisher publishes serialized events under a routing key
type EventPublisher interface {
	PublishEvent(ctx context.Context, routingKey string, body []byte) error
	IsConnected() bool
}

// AMQPClientInterface is the full client surface used by the service wiring
type AMQPClientInterface interface {
	EventPublisher
	Connect() error
	Disconnect()
}

var _ AMQPClientInterface = (*AMQPClient)(nil)
