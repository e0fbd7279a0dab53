package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Config struct {
	host     string
	user     string
	password string
	port     string
	dbname   string
	sslmode  string
}

func (c Config) ConnStr() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", c.user, c.password, c.host, c.port, c.dbname, c.sslmode)
}

func NewConfig(host, user, password, port, dbname, sslmode string) Config {
	return Config{
		host:     host,
		user:     user,
		password: password,
		port:     port,
		dbname:   dbname,
		sslmode:  sslmode,
	}
}

func NewPool(ctx context.Context, config Config) (*pgxpool.Pool, error) {
	p, err := pgxpool.New(ctx, config.ConnStr())
	if err != nil {
		return nil, err
	}

	err = p.Ping(ctx)
	if err != nil {
		return nil, err
	}

	return p, nil
}

var ErrNoRows = errors.New("no rows in result set")

// Capabilities is detected once during Initialize and stays immutable for
// the lifetime of the process. PointMetadata is false on databases created
// before the extended register metadata columns were introduced.
type Capabilities struct {
	PointMetadata bool
}

type Storage struct {
	pool *pgxpool.Pool
	caps Capabilities
}

func NewWithPool(pool *pgxpool.Pool) *Storage {
	return &Storage{pool: pool}
}

func New(ctx context.Context, config Config) (*Storage, error) {
	pool, err := NewPool(ctx, config)
	if err != nil {
		return nil, err
	}

	return &Storage{pool: pool}, nil
}

func (s *Storage) Capabilities() Capabilities {
	return s.caps
}

func (s *Storage) Initialize(ctx context.Context) error {
	err := s.createTables(ctx)
	if err != nil {
		return err
	}

	caps, err := s.detectCapabilities(ctx)
	if err != nil {
		return err
	}

	s.caps = caps

	return nil
}

func (s *Storage) createTables(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS points (
			point_id		INT		NOT NULL,
			register_id		TEXT	NOT NULL DEFAULT '-',
			title			TEXT	NOT NULL DEFAULT '',
			register_type	TEXT	NOT NULL DEFAULT '-',
			scale			INT		NOT NULL DEFAULT 1,
			decimal_places	INT		NOT NULL DEFAULT 0,
			unit			TEXT	NOT NULL DEFAULT '',
			variable_type	TEXT	NOT NULL DEFAULT '-',
			variable_size	TEXT	NOT NULL DEFAULT '-',
			min_value		INT		NOT NULL DEFAULT 0,
			max_value		INT		NOT NULL DEFAULT 0,
			writable		BOOLEAN	NOT NULL DEFAULT FALSE,
			created_on		timestamp with time zone NOT NULL DEFAULT CURRENT_TIMESTAMP,
			modified_on		timestamp with time zone NOT NULL DEFAULT CURRENT_TIMESTAMP,
			CONSTRAINT pkey_points PRIMARY KEY (point_id)
		);

		CREATE TABLE IF NOT EXISTS point_history (
			point_id	INT		NOT NULL,
			device_id	INT		NOT NULL DEFAULT 0,
			raw_value	INT		NOT NULL,
			origin		TEXT	NOT NULL DEFAULT 'auto',
			time		timestamp with time zone NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		CREATE INDEX IF NOT EXISTS point_history_latest_idx ON point_history (point_id, device_id, time DESC);

		CREATE TABLE IF NOT EXISTS point_annotations (
			point_id	INT		NOT NULL,
			menu_path	TEXT	NOT NULL,
			modified_on	timestamp with time zone NOT NULL DEFAULT CURRENT_TIMESTAMP,
			CONSTRAINT pkey_point_annotations PRIMARY KEY (point_id)
		);

		CREATE TABLE IF NOT EXISTS devices (
			device_id		INT		NOT NULL,
			serial_number	TEXT	NOT NULL DEFAULT '',
			name			TEXT	NOT NULL DEFAULT '',
			manufacturer	TEXT	NOT NULL DEFAULT '',
			firmware_id		TEXT	NOT NULL DEFAULT '',
			last_synced		timestamp with time zone NULL,
			created_on		timestamp with time zone NOT NULL DEFAULT CURRENT_TIMESTAMP,
			modified_on		timestamp with time zone NOT NULL DEFAULT CURRENT_TIMESTAMP,
			CONSTRAINT pkey_devices PRIMARY KEY (device_id)
		);

		CREATE TABLE IF NOT EXISTS notifications (
			id			BIGINT GENERATED ALWAYS AS IDENTITY,
			device_id	INT		NOT NULL DEFAULT 0,
			alarm_id	INT		NOT NULL,
			severity	INT		NOT NULL DEFAULT 0,
			header		TEXT	NOT NULL DEFAULT '',
			description	TEXT	NOT NULL DEFAULT '',
			equip_name	TEXT	NOT NULL DEFAULT '',
			time		timestamp with time zone NOT NULL,
			reset_at	timestamp with time zone NULL,
			created_on	timestamp with time zone NOT NULL DEFAULT CURRENT_TIMESTAMP,
			CONSTRAINT pkey_notifications PRIMARY KEY (id),
			CONSTRAINT uniq_notifications_natural_key UNIQUE (device_id, alarm_id, time)
		);

		CREATE TABLE IF NOT EXISTS notification_dispatches (
			device_id	INT		NOT NULL DEFAULT 0,
			alarm_id	INT		NOT NULL,
			channel		TEXT	NOT NULL DEFAULT '',
			sent_at		timestamp with time zone NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		CREATE INDEX IF NOT EXISTS notification_dispatches_latest_idx ON notification_dispatches (device_id, alarm_id, sent_at DESC);
	`)
	if err != nil {
		return err
	}

	return nil
}

// detectCapabilities probes the schema once so that the rest of the process
// can treat the result as an immutable feature flag. Databases created by
// early versions lack the extended register metadata columns on points.
func (s *Storage) detectCapabilities(ctx context.Context) (Capabilities, error) {
	var hasMetadata bool

	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM information_schema.columns
			WHERE table_name = 'points' AND column_name = 'variable_type'
		)
	`).Scan(&hasMetadata)
	if err != nil {
		return Capabilities{}, err
	}

	return Capabilities{PointMetadata: hasMetadata}, nil
}

func (s *Storage) Close() {
	s.pool.Close()
}
