// Package config resolves runtime settings stored in the system_config table.
// An environment variable always wins over the stored row.
package config

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Dialect adapts the queries to the database driver
type Dialect struct {
	// Placeholder returns the n-th (1 based) bind parameter
	Placeholder func(n int) string
	// Now returns the value stored in updated_at
	Now func() any
}

var (
	Postgres = Dialect{
		Placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
		Now:         func() any { return time.Now().UTC() },
	}
	SQLite = Dialect{
		Placeholder: func(int) string { return "?" },
		Now:         func() any { return time.Now().UTC().UnixMicro() },
	}
)

// Service provides access to dynamic configuration values stored in the system_config table.
// A nil db leaves only environment overrides and defaults.
type Service struct {
	db      *sql.DB
	dialect Dialect
	mu      sync.RWMutex
	cache   map[string]cachedEntry
}

type cachedEntry struct {
	value     string
	expiresAt time.Time
}

const defaultTTL = time.Minute

func New(db *sql.DB, dialect Dialect) *Service {
	return &Service{db: db, dialect: dialect, cache: make(map[string]cachedEntry)}
}

// lookup returns the raw value and whether it was found anywhere
func (s *Service) lookup(ctx context.Context, key string) (string, bool, error) {
	if v, ok := s.envOverride(key); ok {
		return v, true, nil
	}

	if v, ok := s.getFromCache(key); ok {
		return v, true, nil
	}

	if s.db == nil {
		return "", false, nil
	}

	q := `SELECT value FROM system_config WHERE key = ` + s.dialect.Placeholder(1) + ` LIMIT 1`

	var v string

	err := s.db.QueryRowContext(ctx, q, key).Scan(&v)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}

		return "", false, err
	}

	s.putInCache(key, v)

	return v, true, nil
}

// GetString returns a string config value. The env var name is derived from
// key by uppercasing and replacing dots with underscores.
func (s *Service) GetString(ctx context.Context, key string, defaultValue string) (string, error) {
	v, ok, err := s.lookup(ctx, key)
	if err != nil {
		return "", err
	}

	if !ok {
		return defaultValue, nil
	}

	return v, nil
}

// GetInt returns an integer config value. Unparsable values fall back to defaultValue.
func (s *Service) GetInt(ctx context.Context, key string, defaultValue int) (int, error) {
	v, ok, err := s.lookup(ctx, key)
	if err != nil || !ok {
		return defaultValue, err
	}

	parsed, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return defaultValue, nil
	}

	return parsed, nil
}

func (s *Service) GetBool(ctx context.Context, key string, defaultValue bool) (bool, error) {
	v, ok, err := s.lookup(ctx, key)
	if err != nil || !ok {
		return defaultValue, err
	}

	return strings.EqualFold(v, "true") || v == "1", nil
}

// GetDuration accepts time.ParseDuration syntax or a plain number of seconds
func (s *Service) GetDuration(ctx context.Context, key string, defaultValue time.Duration) (time.Duration, error) {
	v, ok, err := s.lookup(ctx, key)
	if err != nil || !ok {
		return defaultValue, err
	}

	v = strings.TrimSpace(v)

	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}

	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultValue, nil
	}

	return d, nil
}

// GetRequiredString returns a required value or an error if missing.
func (s *Service) GetRequiredString(ctx context.Context, key string) (string, error) {
	v, err := s.GetString(ctx, key, "")
	if err != nil || v == "" {
		return "", fmt.Errorf("missing required config: %s", key)
	}

	return v, nil
}

// Upsert writes a configuration value
func (s *Service) Upsert(ctx context.Context, key, value string) error {
	if s.db == nil {
		return errors.New("config: no database configured")
	}

	p := s.dialect.Placeholder

	q := `INSERT INTO system_config (key, value, updated_at) VALUES (` + p(1) + `, ` + p(2) + `, ` + p(3) + `)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, q, key, value, s.dialect.Now())
	if err == nil {
		s.mu.Lock()
		delete(s.cache, key)
		s.mu.Unlock()
	}

	return err
}

func (s *Service) envOverride(key string) (string, bool) {
	envKey := strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
	if v := os.Getenv(envKey); v != "" {
		return v, true
	}

	return "", false
}

func (s *Service) getFromCache(key string) (string, bool) {
	s.mu.RLock()
	entry, ok := s.cache[key]
	s.mu.RUnlock()

	if !ok {
		return "", false
	}

	if time.Now().After(entry.expiresAt) {
		s.mu.Lock()
		delete(s.cache, key)
		s.mu.Unlock()

		return "", false
	}

	return entry.value, true
}

func (s *Service) putInCache(key, value string) {
	s.mu.Lock()
	s.cache[key] = cachedEntry{value: value, expiresAt: time.Now().Add(defaultTTL)}
	s.mu.Unlock()
}
