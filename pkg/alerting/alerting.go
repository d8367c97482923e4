package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"convopulse/pkg/metrics"
	"convopulse/pkg/version"
)

// NotificationChannel delivers alerts outside the realtime broadcast
type NotificationChannel interface {
	Send(ctx context.Context, alert Alert) error
	GetName() string
	IsEnabled() bool
}

// ChannelConfig defines a notification channel
type ChannelConfig struct {
	Name     string                 `json:"name"`
	Type     string                 `json:"type"` // slack, webhook
	Settings map[string]interface{} `json:"settings"`
	Enabled  bool                   `json:"enabled"`
}

// NotifierConfig controls which alerts reach notification channels and how
// often.
type NotifierConfig struct {
	MinLevel  Level
	RateLimit float64 // notifications per second across all channels
	Burst     int
	Timeout   time.Duration
	Channels  []ChannelConfig
}

// ChannelNotifier fans critical alerts out to external channels. Sends run
// in the background; each channel sits behind its own circuit breaker.
type ChannelNotifier struct {
	config   NotifierConfig
	logger   *logrus.Logger
	channels []NotificationChannel
	breakers map[string]*gobreaker.CircuitBreaker
	limiter  *rate.Limiter
	wg       sync.WaitGroup
}

// NewChannelNotifier builds channels from config
func NewChannelNotifier(config NotifierConfig, logger *logrus.Logger) *ChannelNotifier {
	if config.MinLevel == "" {
		config.MinLevel = LevelCritical
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Burst <= 0 {
		config.Burst = 1
	}

	limit := rate.Inf
	if config.RateLimit > 0 {
		limit = rate.Limit(config.RateLimit)
	}

	n := &ChannelNotifier{
		config:   config,
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		limiter:  rate.NewLimiter(limit, config.Burst),
	}

	for _, channelConfig := range config.Channels {
		if channel := n.createChannel(channelConfig); channel != nil {
			n.AddChannel(channel)
		}
	}
	return n
}

// AddChannel registers an additional channel
func (n *ChannelNotifier) AddChannel(channel NotificationChannel) {
	n.channels = append(n.channels, channel)
	n.breakers[channel.GetName()] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "alert-channel-" + channel.GetName(),
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			n.logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Notification channel breaker changed state")
		},
	})
}

// Channels returns the registered channels
func (n *ChannelNotifier) Channels() []NotificationChannel {
	return n.channels
}

func (n *ChannelNotifier) createChannel(config ChannelConfig) NotificationChannel {
	switch config.Type {
	case "slack":
		return NewSlackChannel(config, n.config.Timeout, n.logger)
	case "webhook":
		return NewWebhookChannel(config, n.config.Timeout, n.logger)
	default:
		n.logger.WithField("type", config.Type).Warning("Unknown channel type")
		return nil
	}
}

func levelRank(level Level) int {
	switch level {
	case LevelCritical:
		return 2
	case LevelWarning:
		return 1
	default:
		return 0
	}
}

// Notify sends the alert to every enabled channel in the background
func (n *ChannelNotifier) Notify(ctx context.Context, alert Alert) {
	if levelRank(alert.Level) < levelRank(n.config.MinLevel) || len(n.channels) == 0 {
		return
	}
	if !n.limiter.Allow() {
		metrics.RecordNotification("all", "rate_limited")
		n.logger.WithField("alert_id", alert.ID).Warn("Alert notification rate limited")
		return
	}

	for _, channel := range n.channels {
		if !channel.IsEnabled() {
			continue
		}
		n.wg.Add(1)
		go func(ch NotificationChannel) {
			defer n.wg.Done()

			sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.config.Timeout)
			defer cancel()

			_, err := n.breakers[ch.GetName()].Execute(func() (interface{}, error) {
				return nil, ch.Send(sendCtx, alert)
			})
			if err != nil {
				metrics.RecordNotification(ch.GetName(), "error")
				n.logger.WithError(err).WithFields(logrus.Fields{
					"channel":  ch.GetName(),
					"alert_id": alert.ID,
				}).Error("Failed to send alert notification")
				return
			}
			metrics.RecordNotification(ch.GetName(), "success")
		}(channel)
	}
}

// Wait blocks until in-flight notifications finish
func (n *ChannelNotifier) Wait() {
	n.wg.Wait()
}

func postJSON(ctx context.Context, client *http.Client, method, url string, headers map[string]string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// SlackChannel posts alerts to a Slack incoming webhook
type SlackChannel struct {
	name       string
	webhookURL string
	channel    string
	username   string
	enabled    bool
	client     *http.Client
	logger     *logrus.Logger
}

// NewSlackChannel creates a Slack channel from its settings
func NewSlackChannel(config ChannelConfig, timeout time.Duration, logger *logrus.Logger) *SlackChannel {
	webhookURL, _ := config.Settings["webhook_url"].(string)
	channel, _ := config.Settings["channel"].(string)
	username, _ := config.Settings["username"].(string)

	if username == "" {
		username = "Conversation Monitor"
	}

	return &SlackChannel{
		name:       config.Name,
		webhookURL: webhookURL,
		channel:    channel,
		username:   username,
		enabled:    config.Enabled,
		client:     &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

func (s *SlackChannel) Send(ctx context.Context, alert Alert) error {
	if !s.enabled || s.webhookURL == "" {
		return fmt.Errorf("slack channel not properly configured")
	}

	color := "warning"
	if alert.Level == LevelCritical {
		color = "danger"
	}

	conversation := alert.ConversationID
	if conversation == "" {
		conversation = "n/a"
	}

	payload := map[string]interface{}{
		"channel":  s.channel,
		"username": s.username,
		"text":     fmt.Sprintf("%s: %s", alert.Level, alert.Title),
		"attachments": []map[string]interface{}{
			{
				"color": color,
				"fields": []map[string]interface{}{
					{"title": "Conversation", "value": conversation, "short": true},
					{"title": "Severity", "value": string(alert.Severity), "short": true},
					{"title": "Description", "value": alert.Message, "short": false},
					{"title": "Value", "value": fmt.Sprintf("%.2f", alert.Meta.Value), "short": true},
					{"title": "Time", "value": alert.Timestamp.Format(time.RFC3339), "short": true},
				},
			},
		},
	}

	return postJSON(ctx, s.client, http.MethodPost, s.webhookURL, nil, payload)
}

func (s *SlackChannel) GetName() string {
	return s.name
}

func (s *SlackChannel) IsEnabled() bool {
	return s.enabled
}

// WebhookChannel posts the alert JSON to an arbitrary endpoint
type WebhookChannel struct {
	name    string
	url     string
	method  string
	headers map[string]string
	enabled bool
	client  *http.Client
	logger  *logrus.Logger
}

// NewWebhookChannel creates a webhook channel from its settings
func NewWebhookChannel(config ChannelConfig, timeout time.Duration, logger *logrus.Logger) *WebhookChannel {
	url, _ := config.Settings["url"].(string)
	method, _ := config.Settings["method"].(string)
	headers, _ := config.Settings["headers"].(map[string]string)

	if method == "" {
		method = http.MethodPost
	}

	return &WebhookChannel{
		name:    config.Name,
		url:     url,
		method:  method,
		headers: headers,
		enabled: config.Enabled,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

func (w *WebhookChannel) Send(ctx context.Context, alert Alert) error {
	if !w.enabled || w.url == "" {
		return fmt.Errorf("webhook channel not properly configured")
	}

	payload := map[string]interface{}{
		"alert":     alert,
		"timestamp": time.Now().Unix(),
	}
	return postJSON(ctx, w.client, w.method, w.url, w.headers, payload)
}

func (w *WebhookChannel) GetName() string {
	return w.name
}

func (w *WebhookChannel) IsEnabled() bool {
	return w.enabled
}
