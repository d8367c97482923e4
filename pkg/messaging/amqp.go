package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"

	"convopulse/pkg/correlation"
	"convopulse/pkg/errors"
	"convopulse/pkg/metrics"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"
)

const (
	dialTimeout    = 5 * time.Second
	channelTimeout = 3 * time.Second
	maxReconnects  = 10
	maxBackoff     = 30 * time.Second
)

// AMQPConfig holds the connection settings for the event exchange
type AMQPConfig struct {
	URL      string
	Exchange string
	Durable  bool
	// MessageTTL bounds how long an undelivered event may sit in a consumer queue
	MessageTTL time.Duration
}

// AMQPClient publishes pipeline events to a topic exchange
type AMQPClient struct {
	logger    *logrus.Logger
	config    AMQPConfig
	conn      *amqp.Connection
	channel   *amqp.Channel
	connected bool
	connMutex sync.RWMutex
	stopChan  chan struct{}
}

// NewAMQPClient creates a client; Connect must be called before publishing
func NewAMQPClient(logger *logrus.Logger, config AMQPConfig) *AMQPClient {
	if config.Exchange == "" {
		config.Exchange = "convopulse.events"
	}
	return &AMQPClient{
		logger:   logger,
		config:   config,
		stopChan: make(chan struct{}),
	}
}

// Connect dials the broker and declares the topic exchange
func (c *AMQPClient) Connect() error {
	if c.config.URL == "" {
		return errors.NewInvalidInput("AMQP URL not configured")
	}

	c.connMutex.Lock()
	defer c.connMutex.Unlock()

	if c.connected {
		return nil
	}

	type dialResult struct {
		conn *amqp.Connection
		err  error
	}
	dialCh := make(chan dialResult, 1)
	go func() {
		conn, err := amqp.Dial(c.config.URL)
		dialCh <- dialResult{conn, err}
	}()

	var conn *amqp.Connection
	select {
	case res := <-dialCh:
		if res.err != nil {
			return errors.Wrap(res.err, "failed to connect to AMQP server")
		}
		conn = res.conn
	case <-time.After(dialTimeout):
		return errors.Wrap(errors.ErrTimeout, "AMQP connection timed out")
	}

	type channelResult struct {
		ch  *amqp.Channel
		err error
	}
	chanCh := make(chan channelResult, 1)
	go func() {
		ch, err := conn.Channel()
		chanCh <- channelResult{ch, err}
	}()

	var channel *amqp.Channel
	select {
	case res := <-chanCh:
		if res.err != nil {
			conn.Close()
			return errors.Wrap(res.err, "failed to open AMQP channel")
		}
		channel = res.ch
	case <-time.After(channelTimeout):
		conn.Close()
		return errors.Wrap(errors.ErrTimeout, "AMQP channel creation timed out")
	}

	err := channel.ExchangeDeclare(
		c.config.Exchange,
		amqp.ExchangeTopic,
		c.config.Durable,
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return errors.Wrap(err, "failed to declare AMQP exchange")
	}

	c.conn = conn
	c.channel = channel
	c.connected = true
	c.stopChan = make(chan struct{})
	metrics.SetAMQPConnectionStatus(true)

	c.logger.WithFields(logrus.Fields{
		"exchange": c.config.Exchange,
	}).Info("Connected to AMQP server")

	go c.monitorConnection(conn)
	return nil
}

// Disconnect closes the AMQP connection
func (c *AMQPClient) Disconnect() {
	c.connMutex.Lock()
	defer c.connMutex.Unlock()

	if !c.connected {
		return
	}

	close(c.stopChan)
	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}

	c.connected = false
	metrics.SetAMQPConnectionStatus(false)
	c.logger.Info("Disconnected from AMQP server")
}

// IsConnected returns the connection status
func (c *AMQPClient) IsConnected() bool {
	c.connMutex.RLock()
	defer c.connMutex.RUnlock()
	return c.connected
}

// PublishEvent publishes a JSON body under the given routing key
func (c *AMQPClient) PublishEvent(ctx context.Context, routingKey string, body []byte) error {
	c.connMutex.RLock()
	channel := c.channel
	connected := c.connected
	c.connMutex.RUnlock()

	if !connected || channel == nil {
		return errors.NewUnavailable("not connected to AMQP server")
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
	}
	if c.config.MessageTTL > 0 {
		msg.Expiration = fmt.Sprintf("%d", c.config.MessageTTL.Milliseconds())
	}
	if id := correlation.FromContext(ctx); !id.IsEmpty() {
		msg.CorrelationId = id.String()
		msg.Headers = amqp.Table{correlation.AMQPHeader: id.String()}
	}

	done := make(chan error, 1)
	go func() {
		done <- channel.Publish(c.config.Exchange, routingKey, false, false, msg)
	}()

	select {
	case err := <-done:
		if err != nil {
			return errors.Wrap(err, "failed to publish event to AMQP").
				WithField("routing_key", routingKey)
		}
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "publishing to AMQP cancelled").
			WithField("routing_key", routingKey)
	}

	c.logger.WithField("routing_key", routingKey).Debug("Published event to AMQP")
	return nil
}

// monitorConnection watches the connection and reconnects with backoff when it closes
func (c *AMQPClient) monitorConnection(conn *amqp.Connection) {
	closeChan := conn.NotifyClose(make(chan *amqp.Error, 1))

	c.connMutex.RLock()
	stop := c.stopChan
	c.connMutex.RUnlock()

	select {
	case <-stop:
		return
	case closeErr, ok := <-closeChan:
		if !ok {
			return
		}
		c.connMutex.Lock()
		c.connected = false
		c.connMutex.Unlock()
		metrics.SetAMQPConnectionStatus(false)

		c.logger.WithError(closeErr).Warn("AMQP connection closed, attempting to reconnect")

		for attempt := 1; attempt <= maxReconnects; attempt++ {
			select {
			case <-stop:
				return
			default:
			}

			err := c.Connect()
			if err == nil {
				c.logger.WithField("attempt", attempt).Info("Reconnected to AMQP server")
				return
			}
			c.logger.WithError(err).WithField("attempt", attempt).Error("Failed to reconnect to AMQP server")

			backoff := time.Duration(1<<uint(attempt-1)) * time.Second
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			time.Sleep(backoff)
		}
		c.logger.Error("Giving up on AMQP reconnection")
	}
}
