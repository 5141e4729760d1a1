// Package profile persists caller profile image paths.
package profile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when the caller has no profile row.
var ErrNotFound = errors.New("profile not found")

// Store updates the image path shown on a caller's profile.
type Store interface {
	UpdateProfileImage(ctx context.Context, callerID, path string) error
}

const imageField = "image"

// RedisStore keeps profiles as hashes under profile:<id>.
type RedisStore struct {
	client redis.UniversalClient
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func profileKey(id string) string { return "profile:" + id }

func (s *RedisStore) UpdateProfileImage(ctx context.Context, callerID, path string) error {
	if s == nil || s.client == nil {
		return errors.New("profile: redis client required")
	}
	if strings.TrimSpace(callerID) == "" {
		return errors.New("profile: caller id required")
	}
	if err := s.client.HSet(ctx, profileKey(callerID), imageField, path).Err(); err != nil {
		return fmt.Errorf("update profile image: %w", err)
	}
	return nil
}

// ProfileImage returns the stored image path, or ErrNotFound.
func (s *RedisStore) ProfileImage(ctx context.Context, callerID string) (string, error) {
	path, err := s.client.HGet(ctx, profileKey(callerID), imageField).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read profile image: %w", err)
	}
	return path, nil
}

// PostgresStore updates the users table.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres connects and pings the database.
func OpenPostgres(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	if databaseURL == "" {
		return nil, errors.New("profile: database url required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const updateImageSQL = `UPDATE users SET "profileImage" = $1 WHERE id = $2`

func (s *PostgresStore) UpdateProfileImage(ctx context.Context, callerID, path string) error {
	res, err := s.db.ExecContext(ctx, updateImageSQL, path, callerID)
	if err != nil {
		return fmt.Errorf("update profile image: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update profile image: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
