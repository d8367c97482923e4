package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"testing"
	"time"

	"convopulse/pkg/alerting"
	"convopulse/pkg/analytics"
	"convopulse/pkg/errors"
	"convopulse/pkg/signals"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockMySQLStore(t *testing.T) (*MySQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewMySQLStoreWithDB(sqlx.NewDb(db, "mysql"), time.Second, logrus.New()), mock
}

func TestMySQLDSNParsesTimestamps(t *testing.T) {
	dsn, err := mysqlDSN("convopulse:secret@tcp(db:3306)/convopulse")
	require.NoError(t, err)

	cfg, err := mysql.ParseDSN(dsn)
	require.NoError(t, err)
	assert.True(t, cfg.ParseTime)
	assert.Equal(t, time.UTC, cfg.Loc)
	assert.Equal(t, "convopulse", cfg.DBName)
	assert.Equal(t, "db:3306", cfg.Addr)

	dsn, err = mysqlDSN("u:p@tcp(db:3306)/convopulse?parseTime=false")
	require.NoError(t, err)
	cfg, err = mysql.ParseDSN(dsn)
	require.NoError(t, err)
	assert.True(t, cfg.ParseTime)

	_, err = mysqlDSN("not a dsn")
	assert.Error(t, err)

	_, err = NewMySQLStore(MySQLConfig{DSN: "not a dsn"}, logrus.New())
	assert.True(t, errors.Is(err, errors.ErrInvalidInput))
}

func TestMySQLFetchConversation(t *testing.T) {
	store, mock := newMockMySQLStore(t)
	rows := sqlmock.NewRows([]string{"id", "status", "customer_name", "customer_id", "agent_id", "supervisor_id", "started_at", "updated_at"}).
		AddRow("c1", "active", "Ada", "cust-1", "agent-1", "", baseTime, baseTime)
	mock.ExpectQuery(`SELECT (.+) FROM conversations WHERE id = \?`).WithArgs("c1").WillReturnRows(rows)

	conv, err := store.FetchConversation(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, signals.StatusActive, conv.Status)
	assert.Equal(t, "Ada", conv.CustomerName)
	assert.Equal(t, baseTime, conv.StartedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLFetchConversationNotFound(t *testing.T) {
	store, mock := newMockMySQLStore(t)
	mock.ExpectQuery(`SELECT (.+) FROM conversations WHERE id = \?`).WithArgs("nope").WillReturnError(sql.ErrNoRows)

	_, err := store.FetchConversation(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestMySQLFetchMessagesInWindow(t *testing.T) {
	store, mock := newMockMySQLStore(t)
	start, end := baseTime.Add(-5*time.Minute), baseTime
	rows := sqlmock.NewRows([]string{"id", "conversation_id", "sender_type", "content", "created_at",
		"latency_ms", "response_time_ms", "toxicity", "polarity", "confidence", "marker"}).
		AddRow("m1", "c1", "customer", "hi", start.Add(time.Minute), 0.0, 0.0, 0.1, -0.2, 0.0, "").
		AddRow("m2", "c1", "ai", "hello", start.Add(2*time.Minute), 350.0, 1200.0, 0.0, 0.4, 0.9, "")
	mock.ExpectQuery(`SELECT (.+) FROM messages\s+WHERE conversation_id = \? AND created_at >= \? AND created_at <= \?`).
		WithArgs("c1", start, end).WillReturnRows(rows)

	msgs, err := store.FetchMessagesInWindow(context.Background(), "c1", start, end)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, signals.SenderAI, msgs[1].SenderType)
	assert.InDelta(t, 350.0, msgs[1].LatencyMs, 1e-9)
	assert.InDelta(t, 0.9, msgs[1].Confidence, 1e-9)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLListActiveConversationIDs(t *testing.T) {
	store, mock := newMockMySQLStore(t)
	mock.ExpectQuery(`SELECT id FROM conversations WHERE status IN \(\?, \?\) ORDER BY id`).
		WithArgs("active", "waiting").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("c1").AddRow("c2"))

	ids, err := store.ListActiveConversationIDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "c2"}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLRecordConversationReportsStatusChange(t *testing.T) {
	store, mock := newMockMySQLStore(t)
	conv := signals.Conversation{ID: "c1", Status: signals.StatusEscalated, StartedAt: baseTime, UpdatedAt: baseTime}

	mock.ExpectQuery(`SELECT status FROM conversations WHERE id = \?`).WithArgs("c1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("active"))
	mock.ExpectExec(`INSERT INTO conversations`).WillReturnResult(sqlmock.NewResult(0, 2))

	changed, err := store.RecordConversation(context.Background(), conv)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLPersistSnapshot(t *testing.T) {
	store, mock := newMockMySQLStore(t)
	snap := testSnapshot("c1", baseTime, 0.8)

	mock.ExpectExec(`INSERT INTO metric_snapshots`).
		WithArgs(snap.ID, "c1", "", "real_time", snap.WindowStart, snap.WindowEnd,
			sqlmock.AnyArg(), sqlmock.AnyArg(), "medium", 2, 0.8, snap.CalculatedAt).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, store.PersistSnapshot(context.Background(), snap))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLFetchRecentSnapshotsOldestFirst(t *testing.T) {
	store, mock := newMockMySQLStore(t)
	newer := testSnapshot("c1", baseTime, 0.9)
	older := testSnapshot("c1", baseTime.Add(-time.Minute), 0.3)
	row := func(s analytics.MetricSnapshot) []driver.Value {
		m, _ := json.Marshal(s.Metrics)
		tr, _ := json.Marshal(s.Trends)
		return []driver.Value{s.ID, s.ConversationID, "", string(s.SnapshotType), s.WindowStart, s.WindowEnd,
			m, tr, string(s.DataQuality), s.SampleSize, s.Metrics.CompositeScore, s.CalculatedAt}
	}
	rows := sqlmock.NewRows([]string{"id", "conversation_id", "agent_id", "snapshot_type", "window_start", "window_end",
		"metrics", "trends", "data_quality", "sample_size", "composite_score", "calculated_at"}).
		AddRow(row(newer)...).AddRow(row(older)...)
	mock.ExpectQuery(`FROM metric_snapshots`).WithArgs("c1", "real_time", 20).WillReturnRows(rows)

	out, err := store.FetchRecentSnapshots(context.Background(), "c1", analytics.SnapshotRealTime, 20)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.InDelta(t, 0.3, out[0].Metrics.CompositeScore, 1e-9)
	assert.InDelta(t, 0.9, out[1].Metrics.CompositeScore, 1e-9)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLPersistAlertFailure(t *testing.T) {
	store, mock := newMockMySQLStore(t)
	mock.ExpectExec(`INSERT INTO alerts`).WillReturnError(errors.New("deadlock"))

	err := store.PersistAlert(context.Background(), alerting.Alert{ID: "a1", Timestamp: baseTime})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrStoreFailure))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLPurgeExpiredAlerts(t *testing.T) {
	store, mock := newMockMySQLStore(t)
	mock.ExpectExec(`DELETE FROM alerts WHERE expires_at IS NOT NULL AND expires_at <= \?`).
		WithArgs(baseTime).WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := store.PurgeExpiredAlerts(context.Background(), baseTime)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLMigrate(t *testing.T) {
	store, mock := newMockMySQLStore(t)
	for range migrations {
		mock.ExpectExec(`CREATE TABLE IF NOT EXISTS`).WillReturnResult(sqlmock.NewResult(0, 0))
	}
	require.NoError(t, store.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
