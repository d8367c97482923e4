package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"convopulse/pkg/alerting"
	"convopulse/pkg/analytics"
	"convopulse/pkg/errors"
	"convopulse/pkg/metrics"
	"convopulse/pkg/signals"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
)

// MySQLConfig holds MySQL connection configuration
type MySQLConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	QueryTimeout    time.Duration
}

// MySQLStore reads conversation signals and persists snapshots and alerts in MySQL
type MySQLStore struct {
	db      *sqlx.DB
	logger  *logrus.Logger
	timeout time.Duration
}

// NewMySQLStore opens and pings the database
func NewMySQLStore(config MySQLConfig, logger *logrus.Logger) (*MySQLStore, error) {
	if config.DSN == "" {
		return nil, errors.NewInvalidInput("MYSQL_DSN is required for the mysql backend")
	}
	dsn, err := mysqlDSN(config.DSN)
	if err != nil {
		return nil, errors.NewInvalidInput("MYSQL_DSN is not a valid MySQL DSN", map[string]interface{}{"error": err.Error()})
	}
	db, err := sqlx.Open("mysql", dsn)
	if err != nil {
		return nil, errors.NewStoreFailure(err, "mysql_open")
	}
	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.NewStoreFailure(err, "mysql_ping")
	}

	logger.Info("Connected to MySQL database")
	return NewMySQLStoreWithDB(db, config.QueryTimeout, logger), nil
}

// mysqlDSN forces the driver options the store's scans depend on:
// TIMESTAMP columns decode into time.Time in UTC.
func mysqlDSN(raw string) (string, error) {
	cfg, err := mysql.ParseDSN(raw)
	if err != nil {
		return "", err
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	return cfg.FormatDSN(), nil
}

// NewMySQLStoreWithDB wraps an open handle
func NewMySQLStoreWithDB(db *sqlx.DB, timeout time.Duration, logger *logrus.Logger) *MySQLStore {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &MySQLStore{db: db, logger: logger, timeout: timeout}
}

// Migrate creates the tables the store uses
func (m *MySQLStore) Migrate(ctx context.Context) error {
	for i, stmt := range migrations {
		m.logger.WithField("migration", i+1).Debug("Running migration")
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrapf(err, "migration %d failed", i+1)
		}
	}
	m.logger.Info("Database migrations completed successfully")
	return nil
}

const conversationColumns = `id, status, COALESCE(customer_name, '') AS customer_name,
	COALESCE(customer_id, '') AS customer_id, COALESCE(agent_id, '') AS agent_id,
	COALESCE(supervisor_id, '') AS supervisor_id, started_at, updated_at`

const messageColumns = `id, conversation_id, sender_type, content, created_at,
	latency_ms, response_time_ms, toxicity, polarity, confidence, marker`

// FetchConversation loads one conversation
func (m *MySQLStore) FetchConversation(ctx context.Context, id string) (conv *signals.Conversation, err error) {
	done := metrics.ObserveStoreOperation(BackendMySQL, string(OpFetchConversation))
	defer func() { done(err) }()

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	var c signals.Conversation
	err = m.db.GetContext(ctx, &c, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NewConversationNotFound(id)
		}
		return nil, errors.NewStoreFailure(err, string(OpFetchConversation), map[string]interface{}{"conversation_id": id})
	}
	return &c, nil
}

// FetchMessagesInWindow loads messages created within [start, end], oldest first
func (m *MySQLStore) FetchMessagesInWindow(ctx context.Context, conversationID string, start, end time.Time) (msgs []signals.Message, err error) {
	done := metrics.ObserveStoreOperation(BackendMySQL, string(OpFetchMessages))
	defer func() { done(err) }()

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	query := `SELECT ` + messageColumns + ` FROM messages
		WHERE conversation_id = ? AND created_at >= ? AND created_at <= ?
		ORDER BY created_at ASC`
	if err = m.db.SelectContext(ctx, &msgs, query, conversationID, start, end); err != nil {
		return nil, errors.NewStoreFailure(err, string(OpFetchMessages), map[string]interface{}{"conversation_id": conversationID})
	}
	return msgs, nil
}

// ListActiveConversationIDs returns IDs of active or waiting conversations
func (m *MySQLStore) ListActiveConversationIDs(ctx context.Context) (ids []string, err error) {
	done := metrics.ObserveStoreOperation(BackendMySQL, string(OpListActive))
	defer func() { done(err) }()

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	query, args, err := sqlx.In(`SELECT id FROM conversations WHERE status IN (?) ORDER BY id`,
		[]string{string(signals.StatusActive), string(signals.StatusWaiting)})
	if err != nil {
		return nil, errors.Wrap(err, "failed to build active conversation query")
	}
	if err = m.db.SelectContext(ctx, &ids, m.db.Rebind(query), args...); err != nil {
		return nil, errors.NewStoreFailure(err, string(OpListActive))
	}
	return ids, nil
}

// RecordConversation upserts a conversation and reports a status change
func (m *MySQLStore) RecordConversation(ctx context.Context, conv signals.Conversation) (changed bool, err error) {
	done := metrics.ObserveStoreOperation(BackendMySQL, string(OpRecordConversation))
	defer func() { done(err) }()

	if conv.ID == "" {
		return false, errors.NewInvalidInput("conversation ID is required")
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	var previous string
	err = m.db.GetContext(ctx, &previous, `SELECT status FROM conversations WHERE id = ?`, conv.ID)
	existed := err == nil
	if err != nil && err != sql.ErrNoRows {
		return false, errors.NewStoreFailure(err, string(OpRecordConversation), map[string]interface{}{"conversation_id": conv.ID})
	}

	_, err = m.db.NamedExecContext(ctx, `
		INSERT INTO conversations (id, status, customer_name, customer_id, agent_id, supervisor_id, started_at, updated_at)
		VALUES (:id, :status, :customer_name, :customer_id, :agent_id, :supervisor_id, :started_at, :updated_at)
		ON DUPLICATE KEY UPDATE
			status = VALUES(status),
			customer_name = VALUES(customer_name),
			customer_id = VALUES(customer_id),
			agent_id = VALUES(agent_id),
			supervisor_id = VALUES(supervisor_id),
			updated_at = VALUES(updated_at)`, conv)
	if err != nil {
		return false, errors.NewStoreFailure(err, string(OpRecordConversation), map[string]interface{}{"conversation_id": conv.ID})
	}
	return existed && previous != string(conv.Status), nil
}

// RecordMessage inserts a message, ignoring duplicates by ID
func (m *MySQLStore) RecordMessage(ctx context.Context, msg signals.Message) (err error) {
	done := metrics.ObserveStoreOperation(BackendMySQL, string(OpRecordMessage))
	defer func() { done(err) }()

	if msg.ConversationID == "" {
		return errors.NewInvalidInput("message conversation ID is required")
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	_, err = m.db.NamedExecContext(ctx, `
		INSERT IGNORE INTO messages (`+messageColumns+`)
		VALUES (:id, :conversation_id, :sender_type, :content, :created_at,
			:latency_ms, :response_time_ms, :toxicity, :polarity, :confidence, :marker)`, msg)
	if err != nil {
		return errors.NewStoreFailure(err, string(OpRecordMessage), map[string]interface{}{"message_id": msg.ID})
	}
	return nil
}

type snapshotRow struct {
	ID             string    `db:"id"`
	ConversationID string    `db:"conversation_id"`
	AgentID        string    `db:"agent_id"`
	SnapshotType   string    `db:"snapshot_type"`
	WindowStart    time.Time `db:"window_start"`
	WindowEnd      time.Time `db:"window_end"`
	Metrics        []byte    `db:"metrics"`
	Trends         []byte    `db:"trends"`
	DataQuality    string    `db:"data_quality"`
	SampleSize     int       `db:"sample_size"`
	CompositeScore float64   `db:"composite_score"`
	CalculatedAt   time.Time `db:"calculated_at"`
}

func (row snapshotRow) toSnapshot() (analytics.MetricSnapshot, error) {
	snap := analytics.MetricSnapshot{
		ID:             row.ID,
		SnapshotType:   analytics.SnapshotType(row.SnapshotType),
		ConversationID: row.ConversationID,
		AgentID:        row.AgentID,
		WindowStart:    row.WindowStart,
		WindowEnd:      row.WindowEnd,
		CalculatedAt:   row.CalculatedAt,
		DataQuality:    analytics.DataQuality(row.DataQuality),
		SampleSize:     row.SampleSize,
	}
	if err := json.Unmarshal(row.Metrics, &snap.Metrics); err != nil {
		return snap, errors.Wrap(err, "failed to decode snapshot metrics")
	}
	if len(row.Trends) > 0 {
		if err := json.Unmarshal(row.Trends, &snap.Trends); err != nil {
			return snap, errors.Wrap(err, "failed to decode snapshot trends")
		}
	}
	return snap, nil
}

// PersistSnapshot validates and inserts a snapshot
func (m *MySQLStore) PersistSnapshot(ctx context.Context, snapshot analytics.MetricSnapshot) (err error) {
	done := metrics.ObserveStoreOperation(BackendMySQL, string(OpPersistSnapshot))
	defer func() { done(err) }()

	if err := snapshot.Validate(); err != nil {
		return err
	}

	metricsJSON, err := json.Marshal(snapshot.Metrics)
	if err != nil {
		return errors.Wrap(err, "failed to marshal snapshot metrics")
	}
	trendsJSON, err := json.Marshal(snapshot.Trends)
	if err != nil {
		return errors.Wrap(err, "failed to marshal snapshot trends")
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	_, err = m.db.ExecContext(ctx, `
		INSERT INTO metric_snapshots
			(id, conversation_id, agent_id, snapshot_type, window_start, window_end,
			 metrics, trends, data_quality, sample_size, composite_score, calculated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snapshot.ID, snapshot.ConversationID, snapshot.AgentID, string(snapshot.SnapshotType),
		snapshot.WindowStart, snapshot.WindowEnd, metricsJSON, trendsJSON,
		string(snapshot.DataQuality), snapshot.SampleSize, snapshot.Metrics.CompositeScore, snapshot.CalculatedAt)
	if err != nil {
		return errors.NewStoreFailure(err, string(OpPersistSnapshot), map[string]interface{}{"snapshot_id": snapshot.ID})
	}
	return nil
}

// FetchRecentSnapshots returns at most limit snapshots ordered oldest to newest
func (m *MySQLStore) FetchRecentSnapshots(ctx context.Context, conversationID string, snapshotType analytics.SnapshotType, limit int) (out []analytics.MetricSnapshot, err error) {
	done := metrics.ObserveStoreOperation(BackendMySQL, string(OpFetchRecentSnapshots))
	defer func() { done(err) }()

	if limit <= 0 {
		limit = 100
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	var rows []snapshotRow
	err = m.db.SelectContext(ctx, &rows, `
		SELECT id, conversation_id, agent_id, snapshot_type, window_start, window_end,
			metrics, trends, data_quality, sample_size, composite_score, calculated_at
		FROM metric_snapshots
		WHERE conversation_id = ? AND snapshot_type = ?
		ORDER BY window_end DESC
		LIMIT ?`, conversationID, string(snapshotType), limit)
	if err != nil {
		return nil, errors.NewStoreFailure(err, string(OpFetchRecentSnapshots), map[string]interface{}{"conversation_id": conversationID})
	}

	out = make([]analytics.MetricSnapshot, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		snap, err := rows[i].toSnapshot()
		if err != nil {
			m.logger.WithError(err).WithField("snapshot_id", rows[i].ID).Warn("Skipping undecodable snapshot")
			continue
		}
		out = append(out, snap)
	}
	return out, nil
}

// PersistAlert inserts an alert; the full record is kept as JSON alongside indexed columns
func (m *MySQLStore) PersistAlert(ctx context.Context, alert alerting.Alert) (err error) {
	done := metrics.ObserveStoreOperation(BackendMySQL, string(OpPersistAlert))
	defer func() { done(err) }()

	if alert.ID == "" {
		return errors.NewInvalidInput("alert ID is required")
	}

	payload, err := json.Marshal(alert)
	if err != nil {
		return errors.Wrap(err, "failed to marshal alert")
	}
	meta, err := json.Marshal(alert.Meta)
	if err != nil {
		return errors.Wrap(err, "failed to marshal alert meta")
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	_, err = m.db.ExecContext(ctx, `
		INSERT INTO alerts
			(id, conversation_id, level, severity, type, title, message, meta, payload, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		alert.ID, alert.ConversationID, string(alert.Level), string(alert.Severity), string(alert.Type),
		alert.Title, alert.Message, meta, payload, alert.ExpiresAt, alert.Timestamp)
	if err != nil {
		return errors.NewStoreFailure(err, string(OpPersistAlert), map[string]interface{}{"alert_id": alert.ID})
	}
	return nil
}

// ListAlerts returns unexpired alerts for a conversation, newest first
func (m *MySQLStore) ListAlerts(ctx context.Context, conversationID string) (out []alerting.Alert, err error) {
	done := metrics.ObserveStoreOperation(BackendMySQL, string(OpListAlerts))
	defer func() { done(err) }()

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	var payloads [][]byte
	err = m.db.SelectContext(ctx, &payloads, `
		SELECT payload FROM alerts
		WHERE conversation_id = ? AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY created_at DESC`, conversationID, time.Now())
	if err != nil {
		return nil, errors.NewStoreFailure(err, string(OpListAlerts), map[string]interface{}{"conversation_id": conversationID})
	}

	for _, p := range payloads {
		var a alerting.Alert
		if err := json.Unmarshal(p, &a); err != nil {
			m.logger.WithError(err).Warn("Skipping undecodable alert")
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

// PurgeExpiredAlerts deletes alerts whose expiry has passed
func (m *MySQLStore) PurgeExpiredAlerts(ctx context.Context, now time.Time) (n int, err error) {
	done := metrics.ObserveStoreOperation(BackendMySQL, string(OpPurgeExpiredAlerts))
	defer func() { done(err) }()

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	res, err := m.db.ExecContext(ctx, `DELETE FROM alerts WHERE expires_at IS NOT NULL AND expires_at <= ?`, now)
	if err != nil {
		return 0, errors.NewStoreFailure(err, string(OpPurgeExpiredAlerts))
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, errors.NewStoreFailure(err, string(OpPurgeExpiredAlerts))
	}
	return int(affected), nil
}

// Health pings the database
func (m *MySQLStore) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := m.db.PingContext(ctx); err != nil {
		return errors.NewStoreFailure(err, "mysql_ping")
	}
	return nil
}

// Close closes the database handle
func (m *MySQLStore) Close() error {
	if m.db != nil {
		return m.db.Close()
	}
	return nil
}

var _ Store = (*MySQLStore)(nil)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS conversations (
    id VARCHAR(64) PRIMARY KEY,
    status VARCHAR(32) NOT NULL,
    customer_name VARCHAR(255) NULL,
    customer_id VARCHAR(64) NULL,
    agent_id VARCHAR(64) NULL,
    supervisor_id VARCHAR(64) NULL,
    started_at TIMESTAMP(3) NOT NULL,
    updated_at TIMESTAMP(3) NOT NULL,
    INDEX idx_status (status)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
	`CREATE TABLE IF NOT EXISTS messages (
    id VARCHAR(64) PRIMARY KEY,
    conversation_id VARCHAR(64) NOT NULL,
    sender_type VARCHAR(32) NOT NULL,
    content TEXT NOT NULL,
    created_at TIMESTAMP(3) NOT NULL,
    latency_ms DOUBLE NOT NULL DEFAULT 0,
    response_time_ms DOUBLE NOT NULL DEFAULT 0,
    toxicity DOUBLE NOT NULL DEFAULT 0,
    polarity DOUBLE NOT NULL DEFAULT 0,
    confidence DOUBLE NOT NULL DEFAULT 0,
    marker VARCHAR(16) NOT NULL DEFAULT '',
    INDEX idx_conversation_created (conversation_id, created_at)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
	`CREATE TABLE IF NOT EXISTS metric_snapshots (
    id VARCHAR(36) PRIMARY KEY,
    conversation_id VARCHAR(64) NOT NULL,
    agent_id VARCHAR(64) NOT NULL DEFAULT '',
    snapshot_type VARCHAR(16) NOT NULL,
    window_start TIMESTAMP(3) NOT NULL,
    window_end TIMESTAMP(3) NOT NULL,
    metrics JSON NOT NULL,
    trends JSON NULL,
    data_quality VARCHAR(16) NOT NULL,
    sample_size INT NOT NULL,
    composite_score DOUBLE NOT NULL,
    calculated_at TIMESTAMP(3) NOT NULL,
    INDEX idx_conversation_type_end (conversation_id, snapshot_type, window_end)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
	`CREATE TABLE IF NOT EXISTS alerts (
    id VARCHAR(36) PRIMARY KEY,
    conversation_id VARCHAR(64) NOT NULL DEFAULT '',
    level VARCHAR(16) NOT NULL,
    severity VARCHAR(16) NOT NULL,
    type VARCHAR(32) NOT NULL,
    title VARCHAR(255) NOT NULL,
    message TEXT NOT NULL,
    meta JSON NOT NULL,
    payload JSON NOT NULL,
    expires_at TIMESTAMP(3) NULL,
    created_at TIMESTAMP(3) NOT NULL,
    INDEX idx_conversation_created (conversation_id, created_at),
    INDEX idx_expires_at (expires_at)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
}
