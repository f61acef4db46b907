package storage

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"time"

	_ "github.com/lib/pq"

	"github.com/Hamza-Labs-Core/zajel-sub008/internal/logger"
)

var (
	validHostPattern = regexp.MustCompile(`^[a-zA-Z0-9.\-_]+$`)
	validNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)
)

// PostgresConfig configures the membership store's connection pool.
type PostgresConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

func (c PostgresConfig) validate() error {
	if !validHostPattern.MatchString(c.Host) {
		return fmt.Errorf("invalid db host: %s", c.Host)
	}
	if !validNamePattern.MatchString(c.User) || !validNamePattern.MatchString(c.DBName) {
		return fmt.Errorf("invalid db user or name")
	}
	if c.SSLMode == "disable" {
		logger.Storage().Warn().Msg("postgres SSL mode is disabled; use 'require' in production")
	}
	return nil
}

// MembershipRow is a hash-ring node as persisted in Postgres.
type MembershipRow struct {
	ServerID    string
	NodeID      string
	Endpoint    string
	PublicKey   string
	Status      string
	Incarnation int64
	LastSeen    time.Time
}

// MembershipStore is the Postgres-backed durable record of hash-ring
// membership. It is the only relational table in the system — everything
// else is TTL-bearing and lives in Redis.
type MembershipStore struct {
	db *sql.DB
}

func NewMembershipStore(cfg PostgresConfig) (*MembershipStore, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid postgres config: %w", err)
	}

	dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(1 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &MembershipStore{db: db}, nil
}

// NewMembershipStoreForTesting wraps a pre-opened *sql.DB (a go-sqlmock
// connection in tests).
func NewMembershipStoreForTesting(db *sql.DB) *MembershipStore {
	return &MembershipStore{db: db}
}

func (s *MembershipStore) Close() error {
	return s.db.Close()
}

// Migrate creates the membership table if absent.
func (s *MembershipStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS membership (
			server_id   TEXT PRIMARY KEY,
			node_id     TEXT NOT NULL,
			endpoint    TEXT NOT NULL,
			public_key  TEXT NOT NULL DEFAULT '',
			status      TEXT NOT NULL DEFAULT 'alive',
			incarnation BIGINT NOT NULL DEFAULT 0,
			last_seen   TIMESTAMPTZ NOT NULL DEFAULT now(),
			metadata    JSONB NOT NULL DEFAULT '{}'::jsonb
		)
	`)
	if err != nil {
		return fmt.Errorf("migrate membership table: %w", err)
	}
	return nil
}

// Upsert writes or refreshes a node row.
func (s *MembershipStore) Upsert(ctx context.Context, row MembershipRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO membership (server_id, node_id, endpoint, public_key, status, incarnation, last_seen)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (server_id) DO UPDATE SET
			node_id     = EXCLUDED.node_id,
			endpoint    = EXCLUDED.endpoint,
			public_key  = EXCLUDED.public_key,
			status      = EXCLUDED.status,
			incarnation = EXCLUDED.incarnation,
			last_seen   = EXCLUDED.last_seen
	`, row.ServerID, row.NodeID, row.Endpoint, row.PublicKey, row.Status, row.Incarnation, row.LastSeen)
	if err != nil {
		return fmt.Errorf("upsert membership row: %w", err)
	}
	return nil
}

// UpdateStatus mutates just the status/incarnation columns.
func (s *MembershipStore) UpdateStatus(ctx context.Context, serverID, status string, incarnation int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE membership SET status = $2, incarnation = $3, last_seen = now() WHERE server_id = $1
	`, serverID, status, incarnation)
	if err != nil {
		return fmt.Errorf("update membership status: %w", err)
	}
	return nil
}

func (s *MembershipStore) Remove(ctx context.Context, serverID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM membership WHERE server_id = $1`, serverID)
	if err != nil {
		return fmt.Errorf("remove membership row: %w", err)
	}
	return nil
}

// List returns every known node, including non-alive ones (the ring
// filters to alive nodes at routing time).
func (s *MembershipStore) List(ctx context.Context) ([]MembershipRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT server_id, node_id, endpoint, public_key, status, incarnation, last_seen FROM membership
	`)
	if err != nil {
		return nil, fmt.Errorf("list membership rows: %w", err)
	}
	defer rows.Close()

	var out []MembershipRow
	for rows.Next() {
		var r MembershipRow
		if err := rows.Scan(&r.ServerID, &r.NodeID, &r.Endpoint, &r.PublicKey, &r.Status, &r.Incarnation, &r.LastSeen); err != nil {
			return nil, fmt.Errorf("scan membership row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
