// Package account stores user metadata in Postgres: account membership, the
// per-user target database connection, query quotas, and an audit log of
// submitted questions.
package account

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sqlinsight/engine/pkg/saga"
)

// Sentinel errors surfaced as HTTP 4xx by the API layer.
var (
	ErrUserNotFound     = errors.New("user not found")
	ErrNoDatabaseConfig = errors.New("no database config for user")
	ErrQuotaExceeded    = errors.New("query quota exceeded")
)

// User is one registered platform user.
type User struct {
	ID             int64
	AccountID      string
	Email          string
	QuotaRemaining int
}

// Store provides access to user metadata. Safe for concurrent use; pgxpool
// manages connections internally.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the metadata database and runs pending migrations.
func NewStore(ctx context.Context, databaseURL string) (*Store, error) {
	if err := runMigrations(databaseURL); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping metadata database: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewStoreFromPool wraps an existing pool without running migrations.
// Used by tests that manage schema themselves.
func NewStoreFromPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// GetUser looks a user up by id.
func (s *Store) GetUser(ctx context.Context, userID int64) (User, error) {
	var u User
	err := s.pool.QueryRow(ctx,
		`SELECT id, account_id, email, quota_remaining FROM users WHERE id = $1`, userID).
		Scan(&u.ID, &u.AccountID, &u.Email, &u.QuotaRemaining)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("get user %d: %w", userID, err)
	}
	return u, nil
}

// GetDatabaseConfig returns the user's target database connection descriptor.
func (s *Store) GetDatabaseConfig(ctx context.Context, userID int64) (saga.DBConfig, error) {
	var cfg saga.DBConfig
	err := s.pool.QueryRow(ctx,
		`SELECT host, port, database_name, db_user, db_password, dialect
		 FROM database_configs WHERE user_id = $1`, userID).
		Scan(&cfg.Host, &cfg.Port, &cfg.Database, &cfg.User, &cfg.Password, &cfg.Dialect)
	if errors.Is(err, pgx.ErrNoRows) {
		return saga.DBConfig{}, ErrNoDatabaseConfig
	}
	if err != nil {
		return saga.DBConfig{}, fmt.Errorf("get database config for user %d: %w", userID, err)
	}
	return cfg, nil
}

// DecrementQuota atomically consumes one query from the user's quota.
// Returns ErrQuotaExceeded when none remain.
func (s *Store) DecrementQuota(ctx context.Context, userID int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE users SET quota_remaining = quota_remaining - 1
		 WHERE id = $1 AND quota_remaining > 0`, userID)
	if err != nil {
		return fmt.Errorf("decrement quota for user %d: %w", userID, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetUser(ctx, userID); err != nil {
			return err
		}
		return ErrQuotaExceeded
	}
	return nil
}

// LogUsage writes one audit row for a submitted question.
func (s *Store) LogUsage(ctx context.Context, userID int64, sagaID, question string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO usage_logs (user_id, saga_id, question) VALUES ($1, $2, $3)`,
		userID, sagaID, question)
	if err != nil {
		return fmt.Errorf("log usage for user %d: %w", userID, err)
	}
	return nil
}
