package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"convopulse/pkg/alerting"
	"convopulse/pkg/analytics"
	"convopulse/pkg/errors"
	"convopulse/pkg/metrics"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Address           string
	Password          string
	Database          int
	PoolSize          int
	DialTimeout       time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	SnapshotRetention time.Duration
	KeyPrefix         string
}

// RedisStore keeps snapshots in per-conversation sorted sets scored by
// window end, and alerts as JSON strings expiring with the alert.
type RedisStore struct {
	client    redis.UniversalClient
	logger    *logrus.Logger
	keyPrefix string
	retention time.Duration
	now       func() time.Time
}

// NewRedisStore connects to Redis and verifies the connection
func NewRedisStore(config RedisConfig, logger *logrus.Logger) (*RedisStore, error) {
	if config.DialTimeout <= 0 {
		config.DialTimeout = 5 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:         config.Address,
		Password:     config.Password,
		DB:           config.Database,
		PoolSize:     config.PoolSize,
		DialTimeout:  config.DialTimeout,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), config.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.NewStoreFailure(err, "redis_connect", map[string]interface{}{"address": config.Address})
	}

	store := NewRedisStoreWithClient(client, config, logger)
	logger.WithFields(logrus.Fields{
		"address":   config.Address,
		"database":  config.Database,
		"retention": store.retention,
	}).Info("Redis store initialized")
	return store, nil
}

// NewRedisStoreWithClient wraps an existing client
func NewRedisStoreWithClient(client redis.UniversalClient, config RedisConfig, logger *logrus.Logger) *RedisStore {
	prefix := config.KeyPrefix
	if prefix == "" {
		prefix = "convopulse:"
	}
	retention := config.SnapshotRetention
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	return &RedisStore{
		client:    client,
		logger:    logger,
		keyPrefix: prefix,
		retention: retention,
		now:       time.Now,
	}
}

func (r *RedisStore) snapshotKey(conversationID string, snapshotType analytics.SnapshotType) string {
	return fmt.Sprintf("%ssnapshots:%s:%s", r.keyPrefix, conversationID, snapshotType)
}

func (r *RedisStore) alertKey(alertID string) string {
	return r.keyPrefix + "alert:" + alertID
}

func (r *RedisStore) alertIndexKey(conversationID string) string {
	return r.keyPrefix + "alerts:" + conversationID
}

func (r *RedisStore) alertGlobalIndexKey() string {
	return r.keyPrefix + "alerts"
}

// alertOwnerKey maps alert IDs to their conversation so the purge can find
// the conversation index once the alert key itself is gone
func (r *RedisStore) alertOwnerKey() string {
	return r.keyPrefix + "alerts:owner"
}

// PersistSnapshot adds the snapshot to its sorted set and trims entries past retention
func (r *RedisStore) PersistSnapshot(ctx context.Context, snapshot analytics.MetricSnapshot) (err error) {
	done := metrics.ObserveStoreOperation(BackendRedis, string(OpPersistSnapshot))
	defer func() { done(err) }()

	if err := snapshot.Validate(); err != nil {
		return err
	}

	data, err := json.Marshal(snapshot)
	if err != nil {
		return errors.Wrap(err, "failed to marshal snapshot")
	}

	key := r.snapshotKey(snapshot.ConversationID, snapshot.SnapshotType)
	score := float64(snapshot.WindowEnd.UnixMilli())
	if err := r.client.ZAdd(ctx, key, redis.Z{Score: score, Member: string(data)}).Err(); err != nil {
		return errors.NewStoreFailure(err, string(OpPersistSnapshot), map[string]interface{}{"key": key})
	}

	cutoff := r.now().Add(-r.retention).UnixMilli()
	if err := r.client.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(cutoff, 10)).Err(); err != nil {
		r.logger.WithError(err).WithField("key", key).Warn("Failed to trim snapshot history")
	}
	if err := r.client.Expire(ctx, key, r.retention).Err(); err != nil {
		r.logger.WithError(err).WithField("key", key).Warn("Failed to refresh snapshot history TTL")
	}
	return nil
}

// FetchRecentSnapshots returns at most limit snapshots ordered oldest to newest
func (r *RedisStore) FetchRecentSnapshots(ctx context.Context, conversationID string, snapshotType analytics.SnapshotType, limit int) (out []analytics.MetricSnapshot, err error) {
	done := metrics.ObserveStoreOperation(BackendRedis, string(OpFetchRecentSnapshots))
	defer func() { done(err) }()

	key := r.snapshotKey(conversationID, snapshotType)
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	members, err := r.client.ZRevRange(ctx, key, 0, stop).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, errors.NewStoreFailure(err, string(OpFetchRecentSnapshots), map[string]interface{}{"key": key})
	}

	out = make([]analytics.MetricSnapshot, 0, len(members))
	for i := len(members) - 1; i >= 0; i-- {
		var snap analytics.MetricSnapshot
		if err := json.Unmarshal([]byte(members[i]), &snap); err != nil {
			r.logger.WithError(err).WithField("key", key).Warn("Skipping undecodable snapshot")
			continue
		}
		out = append(out, snap)
	}
	return out, nil
}

// PersistAlert stores the alert with a TTL matching its expiry and indexes it
func (r *RedisStore) PersistAlert(ctx context.Context, alert alerting.Alert) (err error) {
	done := metrics.ObserveStoreOperation(BackendRedis, string(OpPersistAlert))
	defer func() { done(err) }()

	if alert.ID == "" {
		return errors.NewInvalidInput("alert ID is required")
	}

	data, err := json.Marshal(alert)
	if err != nil {
		return errors.Wrap(err, "failed to marshal alert")
	}

	var ttl time.Duration
	if alert.ExpiresAt != nil {
		ttl = alert.ExpiresAt.Sub(r.now())
		if ttl < time.Second {
			ttl = time.Second
		}
	}

	key := r.alertKey(alert.ID)
	if err := r.client.Set(ctx, key, string(data), ttl).Err(); err != nil {
		return errors.NewStoreFailure(err, string(OpPersistAlert), map[string]interface{}{"alert_id": alert.ID})
	}

	member := redis.Z{Score: float64(alert.Timestamp.UnixMilli()), Member: alert.ID}
	if err := r.client.ZAdd(ctx, r.alertGlobalIndexKey(), member).Err(); err != nil {
		r.logger.WithError(err).WithField("alert_id", alert.ID).Warn("Failed to add alert to index")
	}
	if alert.ConversationID != "" {
		if err := r.client.HSet(ctx, r.alertOwnerKey(), alert.ID, alert.ConversationID).Err(); err != nil {
			r.logger.WithError(err).WithField("alert_id", alert.ID).Warn("Failed to record alert owner")
		}
		if err := r.client.ZAdd(ctx, r.alertIndexKey(alert.ConversationID), member).Err(); err != nil {
			r.logger.WithError(err).WithField("alert_id", alert.ID).Warn("Failed to add alert to conversation index")
		}
	}
	return nil
}

// ListAlerts returns unexpired alerts for a conversation, newest first
func (r *RedisStore) ListAlerts(ctx context.Context, conversationID string) (out []alerting.Alert, err error) {
	done := metrics.ObserveStoreOperation(BackendRedis, string(OpListAlerts))
	defer func() { done(err) }()

	ids, err := r.client.ZRevRange(ctx, r.alertIndexKey(conversationID), 0, -1).Result()
	if err != nil && err != redis.Nil {
		return nil, errors.NewStoreFailure(err, string(OpListAlerts), map[string]interface{}{"conversation_id": conversationID})
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.alertKey(id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, errors.NewStoreFailure(err, string(OpListAlerts), map[string]interface{}{"conversation_id": conversationID})
	}

	now := r.now()
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var a alerting.Alert
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			r.logger.WithError(err).Warn("Skipping undecodable alert")
			continue
		}
		if a.Expired(now) {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

// PurgeExpiredAlerts drops index entries whose alert keys Redis already
// expired, from the global index and from the owning conversation's index
func (r *RedisStore) PurgeExpiredAlerts(ctx context.Context, now time.Time) (n int, err error) {
	done := metrics.ObserveStoreOperation(BackendRedis, string(OpPurgeExpiredAlerts))
	defer func() { done(err) }()

	ids, err := r.client.ZRange(ctx, r.alertGlobalIndexKey(), 0, -1).Result()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, errors.NewStoreFailure(err, string(OpPurgeExpiredAlerts))
	}

	for _, id := range ids {
		exists, err := r.client.Exists(ctx, r.alertKey(id)).Result()
		if err != nil {
			r.logger.WithError(err).WithField("alert_id", id).Warn("Failed to check alert existence")
			continue
		}
		if exists > 0 {
			continue
		}
		if err := r.purgeConversationEntry(ctx, id); err != nil {
			r.logger.WithError(err).WithField("alert_id", id).Warn("Failed to remove expired alert from conversation index")
			continue
		}
		if err := r.client.ZRem(ctx, r.alertGlobalIndexKey(), id).Err(); err != nil {
			r.logger.WithError(err).WithField("alert_id", id).Warn("Failed to remove expired alert from index")
			continue
		}
		n++
	}

	if n > 0 {
		r.logger.WithField("count", n).Info("Cleaned up expired alert index entries")
	}
	return n, nil
}

// purgeConversationEntry removes an expired alert from its conversation
// index and forgets its owner. Alerts persisted without a conversation have
// no owner entry.
func (r *RedisStore) purgeConversationEntry(ctx context.Context, alertID string) error {
	conversationID, err := r.client.HGet(ctx, r.alertOwnerKey(), alertID).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return err
	}
	if err := r.client.ZRem(ctx, r.alertIndexKey(conversationID), alertID).Err(); err != nil {
		return err
	}
	return r.client.HDel(ctx, r.alertOwnerKey(), alertID).Err()
}

// Health pings Redis
func (r *RedisStore) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := r.client.Ping(ctx).Err(); err != nil {
		return errors.NewStoreFailure(err, "redis_ping")
	}
	return nil
}

// Close closes the Redis connection
func (r *RedisStore) Close() error {
	return r.client.Close()
}

var (
	_ SnapshotStore = (*RedisStore)(nil)
	_ AlertStore    = (*RedisStore)(nil)
)
