package storage

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	valkey "github.com/valkey-io/valkey-go"
)

const defaultNamespace = "shellcache"

type RedisTLSConfig struct {
	Enabled bool
	CAFile  string
}

type RedisConfig struct {
	Address   string
	Username  string
	Password  string
	DB        int
	Namespace string
	TLS       RedisTLSConfig
}

// redisStorage keeps generation names in a set and each generation in its own
// hash keyed by request key.
type redisStorage struct {
	client    valkey.Client
	namespace string
}

type redisCache struct {
	storage *redisStorage
	name    string
}

func NewRedis(cfg RedisConfig) (CacheStorage, error) {
	if cfg.Address == "" {
		return nil, errors.New("storage: redis address required")
	}
	namespace := strings.TrimSpace(cfg.Namespace)
	if namespace == "" {
		namespace = defaultNamespace
	}

	option := valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	}

	if cfg.TLS.Enabled {
		tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
		if cfg.TLS.CAFile != "" {
			caData, err := os.ReadFile(cfg.TLS.CAFile)
			if err != nil {
				return nil, fmt.Errorf("storage: read redis ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				return nil, errors.New("storage: redis ca file contains no certificates")
			}
			tlsConfig.RootCAs = pool
		}
		option.TLSConfig = tlsConfig
	}

	client, err := valkey.NewClient(option)
	if err != nil {
		return nil, fmt.Errorf("storage: redis client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("storage: redis ping: %w", err)
	}

	return &redisStorage{client: client, namespace: namespace}, nil
}

func (s *redisStorage) generationsKey() string {
	return s.namespace + ":generations"
}

func (s *redisStorage) generationKey(name string) string {
	return s.namespace + ":gen:" + name
}

func (s *redisStorage) Open(ctx context.Context, name string) (Cache, error) {
	cmd := s.client.B().Sadd().Key(s.generationsKey()).Member(name).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return nil, fmt.Errorf("storage: redis open %s: %w", name, err)
	}
	return &redisCache{storage: s, name: name}, nil
}

func (s *redisStorage) Has(ctx context.Context, name string) (bool, error) {
	cmd := s.client.B().Sismember().Key(s.generationsKey()).Member(name).Build()
	n, err := s.client.Do(ctx, cmd).ToInt64()
	if err != nil {
		return false, fmt.Errorf("storage: redis has %s: %w", name, err)
	}
	return n == 1, nil
}

func (s *redisStorage) Keys(ctx context.Context) ([]string, error) {
	names, err := s.client.Do(ctx, s.client.B().Smembers().Key(s.generationsKey()).Build()).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("storage: redis list generations: %w", err)
	}
	slices.Sort(names)
	return names, nil
}

func (s *redisStorage) Delete(ctx context.Context, name string) (bool, error) {
	removed, err := s.client.Do(ctx, s.client.B().Srem().Key(s.generationsKey()).Member(name).Build()).ToInt64()
	if err != nil {
		return false, fmt.Errorf("storage: redis delete %s: %w", name, err)
	}
	if err := s.client.Do(ctx, s.client.B().Del().Key(s.generationKey(name)).Build()).Error(); err != nil {
		return removed > 0, fmt.Errorf("storage: redis delete %s entries: %w", name, err)
	}
	return removed > 0, nil
}

func (s *redisStorage) Close(context.Context) error {
	s.client.Close()
	return nil
}

func (c *redisCache) Name() string { return c.name }

func (c *redisCache) Match(ctx context.Context, key string) (Entry, bool, error) {
	client := c.storage.client
	resp := client.Do(ctx, client.B().Hget().Key(c.storage.generationKey(c.name)).Field(key).Build())
	if err := resp.Error(); err != nil {
		if errors.Is(err, valkey.Nil) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("storage: redis match: %w", err)
	}
	payload, err := resp.AsBytes()
	if err != nil {
		return Entry{}, false, fmt.Errorf("storage: redis match bytes: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(payload, &entry); err != nil {
		return Entry{}, false, fmt.Errorf("storage: redis unmarshal: %w", err)
	}
	return entry, true, nil
}

// putIfListed writes one entry only while the generation is still listed.
// KEYS: generations set, generation hash. ARGV: name, field, payload.
var putIfListed = valkey.NewLuaScript(`
if redis.call('SISMEMBER', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[2], ARGV[2], ARGV[3])
return 1
`)

// Put refuses to write into a generation that is no longer listed so a late
// write cannot resurrect a deleted generation's hash. The membership check and
// the write run as one script.
func (c *redisCache) Put(ctx context.Context, key string, entry Entry) error {
	if entry.StoredAt.IsZero() {
		entry.StoredAt = time.Now().UTC()
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("storage: redis marshal: %w", err)
	}
	s := c.storage
	keys := []string{s.generationsKey(), s.generationKey(c.name)}
	written, err := putIfListed.Exec(ctx, s.client, keys, []string{c.name, key, string(payload)}).ToInt64()
	if err != nil {
		return fmt.Errorf("storage: redis put: %w", err)
	}
	if written == 0 {
		return ErrDeleted
	}
	return nil
}

func (c *redisCache) Keys(ctx context.Context) ([]string, error) {
	client := c.storage.client
	keys, err := client.Do(ctx, client.B().Hkeys().Key(c.storage.generationKey(c.name)).Build()).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("storage: redis keys: %w", err)
	}
	slices.Sort(keys)
	return keys, nil
}

func (c *redisCache) Size(ctx context.Context) (int64, error) {
	client := c.storage.client
	size, err := client.Do(ctx, client.B().Hlen().Key(c.storage.generationKey(c.name)).Build()).ToInt64()
	if err != nil {
		return 0, fmt.Errorf("storage: redis size: %w", err)
	}
	return size, nil
}
