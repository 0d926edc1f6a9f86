// Package storage implements the kernel's scoped key-value store: a
// thin Redis-backed JSON layer shared by every plugin (and by the
// kernel's own evolution subsystem) that namespaces every key
// by owner, so no plugin can read or clobber another's data.
//
// Grounded on internal/redisclient/client.go's pooled go-redis/v9
// client construction, generalized from the job queue's byte-payload
// Redis usage to a JSON-marshaling key-value facade matching
// pluginmanager.DataStore/evolution.DataStore's shape.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/exiv-ai/kernel/internal/config"
)

const maxKeyBytes = 255

// Store is a namespaced JSON key-value facade over Redis. Every method
// takes an owner id (a plugin's dotted namespace, or a kernel
// subsystem id like "core.evolution") and prefixes the
// underlying Redis key with it, so the owner id in storage keys is
// never attacker-controlled: it is always the caller's own identity,
// never a value read from an event payload.
type Store struct {
	rdb *redis.Client
}

// New builds a Store from kernel configuration, pooling connections
// the same way the job queue's redisclient.New does.
func New(cfg config.Redis) *Store {
	poolSize := 10 * runtime.NumCPU()
	return &Store{rdb: redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     poolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})}
}

// NewWithClient wraps an already-constructed client, used by tests
// against miniredis and by callers that need a shared client across
// more than one kernel subsystem.
func NewWithClient(rdb *redis.Client) *Store { return &Store{rdb: rdb} }

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.rdb.Close() }

func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("storage: key must not be empty")
	}
	if len(key) > maxKeyBytes {
		return fmt.Errorf("storage: key exceeds %d bytes", maxKeyBytes)
	}
	if strings.ContainsRune(key, 0) {
		return fmt.Errorf("storage: key must not contain a null byte")
	}
	return nil
}

func scopedKey(ownerID, key string) string {
	return "kv:" + ownerID + ":" + key
}

// escapeGlob neutralizes Redis SCAN's glob metacharacters (*, ?, [, ])
// in a key prefix before it's used as a MATCH pattern, so a prefix
// containing one of those characters matches literally rather than as
// a wildcard.
func escapeGlob(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)
	return r.Replace(s)
}

// SetJSON marshals value and stores it under ownerID's namespace with
// no expiry; evolution and plugin state is long-lived by default.
func (s *Store) SetJSON(ctx context.Context, ownerID, key string, value any) error {
	if err := validateKey(key); err != nil {
		return err
	}
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("storage: marshal %s/%s: %w", ownerID, key, err)
	}
	if err := s.rdb.Set(ctx, scopedKey(ownerID, key), b, 0).Err(); err != nil {
		return fmt.Errorf("storage: set %s/%s: %w", ownerID, key, err)
	}
	return nil
}

// GetJSON unmarshals the stored value into out, returning false (no
// error) when the key doesn't exist.
func (s *Store) GetJSON(ctx context.Context, ownerID, key string, out any) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	val, err := s.rdb.Get(ctx, scopedKey(ownerID, key)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("storage: get %s/%s: %w", ownerID, key, err)
	}
	if err := json.Unmarshal([]byte(val), out); err != nil {
		return false, fmt.Errorf("storage: unmarshal %s/%s: %w", ownerID, key, err)
	}
	return true, nil
}

// GetAllJSON scans ownerID's namespace for every key with the given
// prefix and returns the raw JSON values keyed by their unscoped key
// (caller's key, with the ownerID namespace stripped off).
func (s *Store) GetAllJSON(ctx context.Context, ownerID, keyPrefix string) (map[string]string, error) {
	pattern := scopedKey(ownerID, escapeGlob(keyPrefix)) + "*"
	stripPrefix := scopedKey(ownerID, "")

	out := make(map[string]string)
	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("storage: scan %s/%s*: %w", ownerID, keyPrefix, err)
		}
		if len(keys) > 0 {
			vals, err := s.rdb.MGet(ctx, keys...).Result()
			if err != nil {
				return nil, fmt.Errorf("storage: mget %s/%s*: %w", ownerID, keyPrefix, err)
			}
			for i, k := range keys {
				if vals[i] == nil {
					continue // deleted between SCAN and MGET
				}
				str, ok := vals[i].(string)
				if !ok {
					continue
				}
				out[strings.TrimPrefix(k, stripPrefix)] = str
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return out, nil
}

// IncrementCounter atomically increments and returns the counter at
// key, the kernel's stand-in for the original's UPSERT-RETURNING
// counter: Redis INCR is itself atomic, so no transaction is needed.
func (s *Store) IncrementCounter(ctx context.Context, ownerID, key string) (int64, error) {
	if err := validateKey(key); err != nil {
		return 0, err
	}
	n, err := s.rdb.Incr(ctx, scopedKey(ownerID, key)).Result()
	if err != nil {
		return 0, fmt.Errorf("storage: incr %s/%s: %w", ownerID, key, err)
	}
	return n, nil
}

// Ping verifies connectivity, used by the kernel's HTTP readiness check.
func (s *Store) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.rdb.Ping(pingCtx).Err()
}

// Scoped binds an owner id, so callers that already know their own
// identity don't have to thread it through every call. The argument
// each method receives in its own signature is always overridden by
// the bound ownerID, matching pluginmanager.DataStore's
// "ignoredPluginID" contract.
func (s *Store) Scoped(ownerID string) *ScopedStore {
	return &ScopedStore{store: s, ownerID: ownerID}
}

// ScopedStore is a Store pre-bound to one owner id.
type ScopedStore struct {
	store   *Store
	ownerID string
}

func (s *ScopedStore) SetJSON(ctx context.Context, _, key string, value any) error {
	return s.store.SetJSON(ctx, s.ownerID, key, value)
}

func (s *ScopedStore) GetJSON(ctx context.Context, _, key string, out any) (bool, error) {
	return s.store.GetJSON(ctx, s.ownerID, key, out)
}

func (s *ScopedStore) GetAllJSON(ctx context.Context, _, keyPrefix string) (map[string]string, error) {
	return s.store.GetAllJSON(ctx, s.ownerID, keyPrefix)
}

func (s *ScopedStore) IncrementCounter(ctx context.Context, _, key string) (int64, error) {
	return s.store.IncrementCounter(ctx, s.ownerID, key)
}
