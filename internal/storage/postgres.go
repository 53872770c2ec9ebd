package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/campusgrid/orderpulse/internal/timeout"
	"github.com/campusgrid/orderpulse/internal/xerrors"
)

const defaultSchemaName = "orderpulse"

// PostgresConfig holds the PostgreSQL store configuration.
type PostgresConfig struct {
	// ConnectionString is the PostgreSQL connection string.
	ConnectionString string
	// SchemaName is the schema to use for tables. Defaults to "orderpulse".
	SchemaName string
	// MaxOpenConns sets the maximum number of open connections.
	MaxOpenConns int
	// MaxIdleConns sets the maximum number of idle connections.
	MaxIdleConns int
}

func (c PostgresConfig) withDefaults() PostgresConfig {
	if c.SchemaName == "" {
		c.SchemaName = defaultSchemaName
	}
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 10
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 5
	}
	return c
}

// PostgresStore implements OrderStore and DeadLetterStore on one database.
type PostgresStore struct {
	db     *sqlx.DB
	config PostgresConfig
}

// NewPostgresStore opens the database, applies connection limits, and creates
// the schema when missing.
func NewPostgresStore(cfg PostgresConfig) (*PostgresStore, error) {
	if cfg.ConnectionString == "" {
		return nil, errors.New("PostgreSQL connection string is required")
	}
	cfg = cfg.withDefaults()

	db, err := sqlx.Open("postgres", cfg.ConnectionString)
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

	s := &PostgresStore{db: db, config: cfg}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) initSchema() error {
	// #nosec G201 - schema name comes from config defaults, not user input
	if _, err := s.db.Exec(fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, s.config.SchemaName)); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	// #nosec G201 - schema name comes from config defaults, not user input
	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %[1]s.orders (
		id BIGSERIAL PRIMARY KEY,
		order_number TEXT NOT NULL UNIQUE,
		order_type TEXT NOT NULL,
		order_status TEXT NOT NULL DEFAULT '',
		phase TEXT NOT NULL,
		open BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		assigned_at TIMESTAMPTZ,
		delivered_at TIMESTAMPTZ,
		expected_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		timeout_status TEXT NOT NULL DEFAULT 'NORMAL',
		warning_sent BOOLEAN NOT NULL DEFAULT FALSE,
		timeout_count INTEGER NOT NULL DEFAULT 0,
		intervention_at TIMESTAMPTZ,
		owner_id TEXT NOT NULL DEFAULT '',
		handler_id TEXT NOT NULL DEFAULT '',
		version BIGINT NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_orders_type_open
		ON %[1]s.orders(order_type, open)
		WHERE open;

	CREATE TABLE IF NOT EXISTS %[1]s.dead_letter_records (
		id BIGSERIAL PRIMARY KEY,
		message_id TEXT NOT NULL UNIQUE,
		original_topic TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		payload BYTEA,
		first_failed_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		final_retry_count INTEGER NOT NULL DEFAULT 0,
		resolved BOOLEAN NOT NULL DEFAULT FALSE,
		resolved_at TIMESTAMPTZ,
		resolution_note TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_dlr_topic ON %[1]s.dead_letter_records(original_topic);
	CREATE INDEX IF NOT EXISTS idx_dlr_unresolved ON %[1]s.dead_letter_records(first_failed_at)
		WHERE NOT resolved;
	`, s.config.SchemaName)

	_, err := s.db.Exec(schema)
	return err
}

// Close releases the underlying database handle.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

const orderColumns = `id, order_number, order_type, order_status, phase, open,
	created_at, assigned_at, delivered_at, expected_at, completed_at,
	timeout_status, warning_sent, timeout_count, intervention_at,
	owner_id, handler_id, version`

func (s *PostgresStore) FindOpenOrders(ctx context.Context, orderType timeout.OrderType) ([]*Order, error) {
	// #nosec G201 - schema name comes from config defaults, not user input
	query := fmt.Sprintf(`SELECT %s FROM %s.orders WHERE order_type = $1 AND open ORDER BY id`,
		orderColumns, s.config.SchemaName)

	var orders []*Order
	if err := s.db.SelectContext(ctx, &orders, query, string(orderType)); err != nil {
		return nil, fmt.Errorf("failed to load open orders: %w", err)
	}
	return orders, nil
}

func (s *PostgresStore) FindOrder(ctx context.Context, id int64) (*Order, error) {
	// #nosec G201 - schema name comes from config defaults, not user input
	query := fmt.Sprintf(`SELECT %s FROM %s.orders WHERE id = $1`, orderColumns, s.config.SchemaName)

	var order Order
	if err := s.db.GetContext(ctx, &order, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, xerrors.ErrOrderNotFound
		}
		return nil, fmt.Errorf("failed to load order %d: %w", id, err)
	}
	return &order, nil
}

func (s *PostgresStore) CASUpdateTimeoutStatus(ctx context.Context, id int64, expectedVersion int64, patch timeout.StatusPatch) (bool, error) {
	// intervention_at is write-once: COALESCE keeps the existing value.
	// #nosec G201 - schema name comes from config defaults, not user input
	query := fmt.Sprintf(`
		UPDATE %s.orders
		SET timeout_status = $1,
			warning_sent = COALESCE($2, warning_sent),
			timeout_count = timeout_count + $3,
			intervention_at = COALESCE(intervention_at, $4),
			version = version + 1
		WHERE id = $5 AND version = $6
	`, s.config.SchemaName)

	res, err := s.db.ExecContext(ctx, query,
		string(patch.Status),
		patch.WarningSent,
		patch.TimeoutCountDelta,
		patch.InterventionAt,
		id,
		expectedVersion,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update timeout status for order %d: %w", id, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return affected == 1, nil
}

func (s *PostgresStore) Append(ctx context.Context, rec DeadLetterRecord) error {
	// #nosec G201 - schema name comes from config defaults, not user input
	query := fmt.Sprintf(`
		INSERT INTO %s.dead_letter_records
			(message_id, original_topic, reason, payload, first_failed_at, final_retry_count)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (message_id) DO NOTHING
	`, s.config.SchemaName)

	res, err := s.db.ExecContext(ctx, query,
		rec.MessageID, rec.OriginalTopic, rec.Reason, rec.Payload,
		rec.FirstFailedAt, rec.FinalRetryCount,
	)
	if err != nil {
		return fmt.Errorf("failed to append dead-letter record: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return xerrors.ErrDuplicateRecord
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, messageID string) (DeadLetterRecord, error) {
	// #nosec G201 - schema name comes from config defaults, not user input
	query := fmt.Sprintf(`
		SELECT message_id, original_topic, reason, payload, first_failed_at,
			final_retry_count, resolved, resolved_at, resolution_note
		FROM %s.dead_letter_records WHERE message_id = $1
	`, s.config.SchemaName)

	var rec DeadLetterRecord
	if err := s.db.GetContext(ctx, &rec, query, messageID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return DeadLetterRecord{}, xerrors.ErrRecordNotFound
		}
		return DeadLetterRecord{}, fmt.Errorf("failed to load dead-letter record: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) Resolve(ctx context.Context, messageID, note string) error {
	// #nosec G201 - schema name comes from config defaults, not user input
	query := fmt.Sprintf(`
		UPDATE %s.dead_letter_records
		SET resolved = TRUE, resolved_at = NOW(), resolution_note = $2
		WHERE message_id = $1
	`, s.config.SchemaName)

	res, err := s.db.ExecContext(ctx, query, messageID, note)
	if err != nil {
		return fmt.Errorf("failed to resolve dead-letter record: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return xerrors.ErrRecordNotFound
	}
	return nil
}

func (s *PostgresStore) ListUnresolved(ctx context.Context, limit int) ([]DeadLetterRecord, error) {
	// #nosec G201 - schema name comes from config defaults, not user input
	query := fmt.Sprintf(`
		SELECT message_id, original_topic, reason, payload, first_failed_at,
			final_retry_count, resolved, resolved_at, resolution_note
		FROM %s.dead_letter_records
		WHERE NOT resolved
		ORDER BY first_failed_at
		LIMIT $1
	`, s.config.SchemaName)

	if limit <= 0 {
		limit = 100
	}

	var records []DeadLetterRecord
	if err := s.db.SelectContext(ctx, &records, query, limit); err != nil {
		return nil, fmt.Errorf("failed to list unresolved dead-letter records: %w", err)
	}
	return records, nil
}
