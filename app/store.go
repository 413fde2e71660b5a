package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultSessionFile is where the session is cached when nothing else is configured.
const DefaultSessionFile = "/app/session/garmin_session.json"

// SessionStore persists the Garmin session between runs.
type SessionStore interface {
	Load(ctx context.Context) (*Session, error)
	Save(ctx context.Context, s *Session) error
	Delete(ctx context.Context) error
}

// FileSessionStore keeps the session in a single JSON file, optionally sealed.
type FileSessionStore struct {
	path string
	key  *[32]byte
}

func NewFileSessionStore(path string, key *[32]byte) *FileSessionStore {
	if path == "" {
		path = DefaultSessionFile
	}
	return &FileSessionStore{path: path, key: key}
}

func (fs *FileSessionStore) Load(ctx context.Context) (*Session, error) {
	data, err := os.ReadFile(fs.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoSession
		}
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}

	return decodeSession(data, fs.key)
}

func (fs *FileSessionStore) Save(ctx context.Context, s *Session) error {
	data, err := encodeSession(s, fs.key)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(fs.path), 0700); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}

	if err := os.WriteFile(fs.path, data, 0600); err != nil {
		return fmt.Errorf("failed to write session file: %w", err)
	}

	slog.Debug("saved session", "path", fs.path)
	return nil
}

// Delete removes the session file. A missing file is not an error.
func (fs *FileSessionStore) Delete(ctx context.Context) error {
	err := os.Remove(fs.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove session file: %w", err)
	}

	if err == nil {
		slog.Info("removed session file", "path", fs.path)
	}
	return nil
}

// RedisSessionStore keeps the session under one redis key per account.
type RedisSessionStore struct {
	client *redis.Client
	email  string
	key    *[32]byte
	now    func() time.Time
}

// NewRedisSessionStore parses a redis URL such as redis://localhost:6379/0.
func NewRedisSessionStore(redisURL string, email string, key *[32]byte) (*RedisSessionStore, error) {
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("cannot parse redis url: %w", err)
	}

	return &RedisSessionStore{
		client: redis.NewClient(options),
		email:  email,
		key:    key,
		now:    time.Now,
	}, nil
}

func (rs *RedisSessionStore) redisKey() string {
	return fmt.Sprintf("garmin:session:%s", rs.email)
}

func (rs *RedisSessionStore) Load(ctx context.Context) (*Session, error) {
	data, err := rs.client.Get(ctx, rs.redisKey()).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrNoSession
		}
		return nil, fmt.Errorf("failed to fetch session from redis: %w", err)
	}

	return decodeSession(data, rs.key)
}

// Save stores the session with a TTL matching the OAuth1 token lifetime.
func (rs *RedisSessionStore) Save(ctx context.Context, s *Session) error {
	data, err := encodeSession(s, rs.key)
	if err != nil {
		return err
	}

	// a zero TTL stores the key without expiry
	ttl := max(s.RefreshExpiresAt.Sub(rs.now()), 0)

	if err := rs.client.Set(ctx, rs.redisKey(), data, ttl).Err(); err != nil {
		slog.Error("error saving session", "err", err)
		return fmt.Errorf("failed to save session to redis: %w", err)
	}

	slog.Debug("saved session", "key", rs.redisKey())
	return nil
}

func (rs *RedisSessionStore) Delete(ctx context.Context) error {
	if err := rs.client.Del(ctx, rs.redisKey()).Err(); err != nil {
		return fmt.Errorf("failed to delete session from redis: %w", err)
	}
	return nil
}

func (rs *RedisSessionStore) Close() error {
	return rs.client.Close()
}
