// Package postgres carries order events through a PostgreSQL queue table.
// Events are claimed with FOR UPDATE SKIP LOCKED so multiple engine
// instances can drain one topic, a nack reschedules the row on the doubling
// backoff ladder, and rows that exhaust their retry budget move into a
// dead_letters table the DLQ surfaces read from.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/campusgrid/orderpulse/internal/metadata"
	"github.com/campusgrid/orderpulse/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "postgres"

const (
	// DefaultPollInterval is how often each subscription checks for due rows.
	DefaultPollInterval = 100 * time.Millisecond
	// DefaultMaxRetries is the per-event retry budget before dead-lettering.
	DefaultMaxRetries = 3
	// DefaultRetryBackoff is the first rung of the backoff ladder. Each
	// further attempt doubles it: 1s, 2s, 4s.
	DefaultRetryBackoff = time.Second
	// DefaultClaimTimeout bounds how long a claimed row stays invisible to
	// other consumers before it is considered abandoned.
	DefaultClaimTimeout = 30 * time.Second
)

func init() {
	Register()
}

// Register adds the PostgreSQL transport to the default registry, under
// both "postgres" and the "postgresql" alias.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.PostgresCapabilities)
	transport.RegisterWithCapabilities("postgresql", Build, transport.PostgresCapabilities)
}

// Build creates a PostgreSQL transport from the shared config.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	t, err := New(Config{ConnectionString: cfg.GetPostgresURL()}, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  t,
		Subscriber: t,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.PostgresCapabilities
}

// Config holds PostgreSQL-specific settings.
type Config struct {
	// ConnectionString is the PostgreSQL DSN.
	ConnectionString string
	// PollInterval is how often subscriptions look for due rows.
	PollInterval time.Duration
	// MaxRetries is the retry budget before a row is dead-lettered.
	MaxRetries int
	// RetryBackoff is the first retry delay; each attempt doubles it.
	RetryBackoff time.Duration
	// ClaimTimeout is how long a claimed row stays hidden from other
	// consumers.
	ClaimTimeout time.Duration
	// SchemaName holds the queue tables. Defaults to "orderpulse".
	SchemaName string
	// MaxOpenConns caps open database connections.
	MaxOpenConns int
	// MaxIdleConns caps idle database connections.
	MaxIdleConns int
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = DefaultRetryBackoff
	}
	if c.ClaimTimeout <= 0 {
		c.ClaimTimeout = DefaultClaimTimeout
	}
	if c.SchemaName == "" {
		c.SchemaName = "orderpulse"
	}
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 10
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 5
	}
	return c
}

// Transport is both publisher and subscriber over one connection pool.
type Transport struct {
	db     *sql.DB
	config Config
	logger watermill.LoggerAdapter

	subscriptions map[string]chan *message.Message
	subMu         sync.RWMutex

	closed     bool
	closedMu   sync.RWMutex
	closedChan chan struct{}
	wg         sync.WaitGroup
}

// New opens the connection pool and makes sure the queue schema exists.
func New(cfg Config, logger watermill.LoggerAdapter) (*Transport, error) {
	if cfg.ConnectionString == "" {
		return nil, fmt.Errorf("PostgreSQL connection string is required")
	}

	cfg = cfg.withDefaults()

	db, err := sql.Open("postgres", cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	t := &Transport{
		db:            db,
		config:        cfg,
		logger:        logger,
		subscriptions: make(map[string]chan *message.Message),
		closedChan:    make(chan struct{}),
	}

	if err := t.ensureSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return t, nil
}

func (t *Transport) ensureSchema() error {
	// #nosec G201 - schema name comes from config defaults, not user input
	if _, err := t.db.Exec(fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, t.config.SchemaName)); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	// deliver_at drives both delayed publishes and retry backoff: a row is
	// only visible once its deliver_at has passed.
	// #nosec G201 - schema name comes from config defaults, not user input
	stmt := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %[1]s.event_queue (
		id BIGSERIAL PRIMARY KEY,
		uuid TEXT NOT NULL UNIQUE,
		topic TEXT NOT NULL,
		payload BYTEA NOT NULL,
		metadata JSONB DEFAULT '{}',
		enqueued_at TIMESTAMPTZ DEFAULT NOW(),
		deliver_at TIMESTAMPTZ DEFAULT NOW(),
		claimed_until TIMESTAMPTZ,
		retry_count INTEGER DEFAULT 0,
		status TEXT DEFAULT 'pending'
	);

	CREATE INDEX IF NOT EXISTS idx_event_queue_due
		ON %[1]s.event_queue(topic, status, deliver_at)
		WHERE status = 'pending';

	CREATE INDEX IF NOT EXISTS idx_event_queue_uuid ON %[1]s.event_queue(uuid);
	CREATE INDEX IF NOT EXISTS idx_event_queue_claimed ON %[1]s.event_queue(claimed_until)
		WHERE claimed_until IS NOT NULL;

	CREATE TABLE IF NOT EXISTS %[1]s.dead_letters (
		id BIGSERIAL PRIMARY KEY,
		uuid TEXT NOT NULL,
		original_topic TEXT NOT NULL,
		payload BYTEA NOT NULL,
		metadata JSONB DEFAULT '{}',
		error_message TEXT,
		failed_at TIMESTAMPTZ DEFAULT NOW(),
		retry_count INTEGER DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_dead_letters_topic ON %[1]s.dead_letters(original_topic);
	CREATE INDEX IF NOT EXISTS idx_dead_letters_failed_at ON %[1]s.dead_letters(failed_at);
	`, t.config.SchemaName)

	_, err := t.db.Exec(stmt)
	return err
}

// Publish enqueues messages on the topic. A delay carried in the message
// metadata pushes deliver_at into the future.
func (t *Transport) Publish(topic string, messages ...*message.Message) error {
	return t.publish(topic, 0, messages)
}

// PublishWithDelay enqueues messages that become deliverable only after
// the delay, given in milliseconds. This is the native-delay path the
// redelivery scheduler uses for the retry ladder.
func (t *Transport) PublishWithDelay(topic string, delay int64, messages ...*message.Message) error {
	return t.publish(topic, time.Duration(delay)*time.Millisecond, messages)
}

func (t *Transport) publish(topic string, delay time.Duration, messages []*message.Message) error {
	if t.isClosed() {
		return fmt.Errorf("transport is closed")
	}

	tx, err := t.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer t.rollback(tx)

	// #nosec G201 - schema name comes from config defaults, not user input
	stmt, err := tx.Prepare(fmt.Sprintf(`
		INSERT INTO %s.event_queue (uuid, topic, payload, metadata, deliver_at)
		VALUES ($1, $2, $3, $4, $5)
	`, t.config.SchemaName))
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, msg := range messages {
		md, err := json.Marshal(msg.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}

		deliverAt := time.Now().UTC().Add(delay)
		if delay <= 0 {
			if d := messageDelay(msg); d > 0 {
				deliverAt = deliverAt.Add(d)
			}
		}

		if _, err := stmt.Exec(msg.UUID, topic, msg.Payload, md, deliverAt); err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// messageDelay reads the delay the delivery layer stamped on the message.
func messageDelay(msg *message.Message) time.Duration {
	delayStr := msg.Metadata.Get(metadata.KeyDelay)
	if delayStr == "" {
		return 0
	}
	d, err := time.ParseDuration(delayStr)
	if err != nil {
		return 0
	}
	return d
}

// Subscribe starts a poll loop on the topic and streams due events.
func (t *Transport) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if t.isClosed() {
		return nil, fmt.Errorf("transport is closed")
	}

	msgChan := make(chan *message.Message)

	t.subMu.Lock()
	t.subscriptions[topic] = msgChan
	t.subMu.Unlock()

	t.wg.Add(1)
	go t.poll(ctx, topic, msgChan)

	return msgChan, nil
}

func (t *Transport) poll(ctx context.Context, topic string, msgChan chan *message.Message) {
	defer t.wg.Done()
	defer close(msgChan)

	ticker := time.NewTicker(t.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.closedChan:
			return
		case <-ticker.C:
			t.deliverNext(ctx, topic, msgChan)
		}
	}
}

// claimNext picks the oldest due row on the topic and hides it from other
// consumers until the claim expires.
func (t *Transport) claimNext(ctx context.Context, topic string) (int64, *message.Message, bool) {
	now := time.Now().UTC()
	claimedUntil := now.Add(t.config.ClaimTimeout)

	// #nosec G201 - schema name comes from config defaults, not user input
	query := fmt.Sprintf(`
		UPDATE %[1]s.event_queue
		SET claimed_until = $1
		WHERE id = (
			SELECT id FROM %[1]s.event_queue
			WHERE topic = $2
			AND status = 'pending'
			AND deliver_at <= $3
			AND (claimed_until IS NULL OR claimed_until < $3)
			ORDER BY deliver_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING id, uuid, payload, metadata
	`, t.config.SchemaName)

	var (
		id      int64
		uuid    string
		payload []byte
		mdJSON  []byte
	)

	err := t.db.QueryRowContext(ctx, query, claimedUntil, topic, now).Scan(&id, &uuid, &payload, &mdJSON)
	if err != nil {
		if err != sql.ErrNoRows {
			t.logError("failed to claim event", err)
		}
		return 0, nil, false
	}

	md := make(message.Metadata)
	if len(mdJSON) > 0 {
		if err := json.Unmarshal(mdJSON, &md); err != nil {
			t.logError("failed to unmarshal metadata", err)
		}
	}

	msg := message.NewMessage(uuid, payload)
	msg.Metadata = md
	return id, msg, true
}

func (t *Transport) deliverNext(ctx context.Context, topic string, msgChan chan *message.Message) {
	id, msg, ok := t.claimNext(ctx, topic)
	if !ok {
		return
	}

	select {
	case msgChan <- msg:
		t.awaitSettle(ctx, id, msg)
	case <-ctx.Done():
		t.releaseClaim(ctx, id)
	case <-t.closedChan:
		t.releaseClaim(ctx, id)
	}
}

func (t *Transport) awaitSettle(ctx context.Context, id int64, msg *message.Message) {
	select {
	case <-msg.Acked():
		t.deleteRow(ctx, id)
	case <-msg.Nacked():
		t.retryOrPark(ctx, id)
	case <-ctx.Done():
		t.releaseClaim(ctx, id)
	case <-t.closedChan:
		t.releaseClaim(ctx, id)
	}
}

func (t *Transport) deleteRow(ctx context.Context, id int64) {
	// #nosec G201 - schema name comes from config defaults, not user input
	query := fmt.Sprintf(`DELETE FROM %s.event_queue WHERE id = $1`, t.config.SchemaName)
	if _, err := t.db.ExecContext(ctx, query, id); err != nil {
		t.logError("failed to ack event", err)
	}
}

// retryOrPark reschedules a nacked row on the backoff ladder, or moves it
// to dead_letters once the retry budget is spent. The failure reason the
// delivery layer stamped on the metadata ends up in error_message.
func (t *Transport) retryOrPark(ctx context.Context, id int64) {
	var retryCount int
	// #nosec G201 - schema name comes from config defaults, not user input
	query := fmt.Sprintf(`SELECT retry_count FROM %s.event_queue WHERE id = $1`, t.config.SchemaName)
	if err := t.db.QueryRowContext(ctx, query, id).Scan(&retryCount); err != nil {
		t.logError("failed to read retry count", err)
		return
	}

	if retryCount >= t.config.MaxRetries {
		// #nosec G201 - schema name comes from config defaults, not user input
		park := fmt.Sprintf(`
			WITH exhausted AS (
				DELETE FROM %[1]s.event_queue WHERE id = $1
				RETURNING uuid, topic, payload, metadata, retry_count
			)
			INSERT INTO %[1]s.dead_letters (uuid, original_topic, payload, metadata, error_message, retry_count)
			SELECT uuid, topic, payload, metadata,
				COALESCE(metadata->>'%[2]s', 'retry budget exhausted'),
				retry_count
			FROM exhausted
		`, t.config.SchemaName, metadata.KeyFailureReason)

		if _, err := t.db.ExecContext(ctx, park, id); err != nil {
			t.logError("failed to dead-letter event", err)
		}
		return
	}

	backoff := t.config.RetryBackoff * (1 << retryCount)
	deliverAt := time.Now().UTC().Add(backoff)
	// #nosec G201 - schema name comes from config defaults, not user input
	reschedule := fmt.Sprintf(`
		UPDATE %s.event_queue
		SET retry_count = retry_count + 1,
		    claimed_until = NULL,
		    deliver_at = $1
		WHERE id = $2
	`, t.config.SchemaName)
	if _, err := t.db.ExecContext(ctx, reschedule, deliverAt, id); err != nil {
		t.logError("failed to reschedule event", err)
	}
}

func (t *Transport) releaseClaim(ctx context.Context, id int64) {
	// #nosec G201 - schema name comes from config defaults, not user input
	query := fmt.Sprintf(`UPDATE %s.event_queue SET claimed_until = NULL WHERE id = $1`, t.config.SchemaName)
	if _, err := t.db.ExecContext(ctx, query, id); err != nil {
		t.logError("failed to release claim", err)
	}
}

// Close stops all poll loops and closes the pool.
func (t *Transport) Close() error {
	t.closedMu.Lock()
	if t.closed {
		t.closedMu.Unlock()
		return nil
	}
	t.closed = true
	close(t.closedChan)
	t.closedMu.Unlock()

	t.wg.Wait()

	t.subMu.Lock()
	t.subscriptions = nil
	t.subMu.Unlock()

	return t.db.Close()
}

func (t *Transport) isClosed() bool {
	t.closedMu.RLock()
	defer t.closedMu.RUnlock()
	return t.closed
}

func (t *Transport) rollback(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
		t.logError("failed to rollback transaction", err)
	}
}

func (t *Transport) logError(msg string, err error) {
	if t.logger != nil {
		t.logger.Error(msg, err, nil)
	}
}

// GetCapabilities returns the capabilities of this transport instance.
func (t *Transport) GetCapabilities() transport.Capabilities {
	return transport.PostgresCapabilities
}

// DB exposes the underlying pool, for shared-connection setups.
func (t *Transport) DB() *sql.DB {
	return t.db
}

// GetPendingCount counts undelivered events on a topic.
func (t *Transport) GetPendingCount(topic string) (int64, error) {
	var count int64
	// #nosec G201 - schema name comes from config defaults, not user input
	query := fmt.Sprintf(`
		SELECT COUNT(*) FROM %s.event_queue
		WHERE topic = $1 AND status = 'pending'
	`, t.config.SchemaName)
	err := t.db.QueryRow(query, topic).Scan(&count)
	return count, err
}

// GetDLQCount counts dead-lettered events for a topic.
func (t *Transport) GetDLQCount(topic string) (int64, error) {
	var count int64
	// #nosec G201 - schema name comes from config defaults, not user input
	query := fmt.Sprintf(`
		SELECT COUNT(*) FROM %s.dead_letters
		WHERE original_topic = $1
	`, t.config.SchemaName)
	err := t.db.QueryRow(query, topic).Scan(&count)
	return count, err
}

// ReplayDLQMessage requeues one dead-lettered event with a fresh retry
// budget. The uuid gets a replay suffix so the unique constraint cannot
// collide with an in-flight row from the original publish.
func (t *Transport) ReplayDLQMessage(dlqID int64) error {
	tx, err := t.db.Begin()
	if err != nil {
		return err
	}
	defer t.rollback(tx)

	// #nosec G201 - schema name comes from config defaults, not user input
	query := fmt.Sprintf(`
		WITH replayed AS (
			DELETE FROM %[1]s.dead_letters WHERE id = $1
			RETURNING uuid, original_topic, payload, metadata
		)
		INSERT INTO %[1]s.event_queue (uuid, topic, payload, metadata, retry_count)
		SELECT uuid || '-replay-' || extract(epoch from now())::bigint, original_topic, payload, metadata, 0
		FROM replayed
	`, t.config.SchemaName)

	result, err := tx.Exec(query, dlqID)
	if err != nil {
		return err
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("DLQ message with id %d not found", dlqID)
	}

	return tx.Commit()
}

// ReplayAllDLQ requeues every dead-lettered event for a topic.
func (t *Transport) ReplayAllDLQ(topic string) (int64, error) {
	tx, err := t.db.Begin()
	if err != nil {
		return 0, err
	}
	defer t.rollback(tx)

	// #nosec G201 - schema name comes from config defaults, not user input
	query := fmt.Sprintf(`
		WITH replayed AS (
			DELETE FROM %[1]s.dead_letters WHERE original_topic = $1
			RETURNING uuid, original_topic, payload, metadata
		)
		INSERT INTO %[1]s.event_queue (uuid, topic, payload, metadata, retry_count)
		SELECT uuid || '-replay-' || extract(epoch from now())::bigint || '-' || row_number() OVER (), original_topic, payload, metadata, 0
		FROM replayed
	`, t.config.SchemaName)

	result, err := tx.Exec(query, topic)
	if err != nil {
		return 0, err
	}

	affected, _ := result.RowsAffected()
	return affected, tx.Commit()
}

// PurgeDLQ drops every dead-lettered event for a topic.
func (t *Transport) PurgeDLQ(topic string) (int64, error) {
	// #nosec G201 - schema name comes from config defaults, not user input
	query := fmt.Sprintf(`DELETE FROM %s.dead_letters WHERE original_topic = $1`, t.config.SchemaName)
	result, err := t.db.Exec(query, topic)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// ListDLQMessages pages through dead-lettered events, newest first.
func (t *Transport) ListDLQMessages(topic string, limit, offset int) ([]transport.DLQMessage, error) {
	// #nosec G201 - schema name comes from config defaults, not user input
	query := fmt.Sprintf(`
		SELECT id, uuid, original_topic, payload, metadata, error_message, failed_at, retry_count
		FROM %s.dead_letters
		WHERE original_topic = $1
		ORDER BY failed_at DESC
		LIMIT $2 OFFSET $3
	`, t.config.SchemaName)

	rows, err := t.db.Query(query, topic, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []transport.DLQMessage
	for rows.Next() {
		var msg transport.DLQMessage
		var mdJSON []byte
		if err := rows.Scan(&msg.ID, &msg.UUID, &msg.OriginalTopic, &msg.Payload, &mdJSON, &msg.ErrorMessage, &msg.FailedAt, &msg.RetryCount); err != nil {
			return nil, err
		}
		if len(mdJSON) > 0 {
			if err := json.Unmarshal(mdJSON, &msg.Metadata); err != nil {
				t.logError("failed to unmarshal metadata", err)
			}
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// ReleaseExpiredClaims frees rows whose consumer disappeared mid-claim.
func (t *Transport) ReleaseExpiredClaims() (int64, error) {
	// #nosec G201 - schema name comes from config defaults, not user input
	query := fmt.Sprintf(`
		UPDATE %s.event_queue
		SET claimed_until = NULL
		WHERE claimed_until IS NOT NULL AND claimed_until < NOW()
	`, t.config.SchemaName)
	result, err := t.db.Exec(query)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// VacuumTables reclaims space from the queue tables.
func (t *Transport) VacuumTables() error {
	// #nosec G201 - schema name comes from config defaults, not user input
	if _, err := t.db.Exec(fmt.Sprintf(`VACUUM %s.event_queue`, t.config.SchemaName)); err != nil {
		return err
	}
	// #nosec G201 - schema name comes from config defaults, not user input
	if _, err := t.db.Exec(fmt.Sprintf(`VACUUM %s.dead_letters`, t.config.SchemaName)); err != nil {
		return err
	}
	return nil
}
