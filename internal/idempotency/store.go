package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/blues/aidefund/internal/config"
	"github.com/redis/go-redis/v9"
)

// ErrInProgress 同一个键的请求仍在处理中
var ErrInProgress = errors.New("request with this idempotency key is in progress")

// Response 已完成请求的响应快照
type Response struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body"`
}

// Store 幂等键存储。
// Begin 预占键：首次返回 (nil, nil)；已完成返回缓存的响应；处理中返回 ErrInProgress。
type Store interface {
	Begin(ctx context.Context, key string) (*Response, error)
	Complete(ctx context.Context, key string, resp Response) error
	Release(ctx context.Context, key string) error
}

const (
	keyPrefix     = "aidefund:idempotency:"
	pendingMarker = "pending"
)

// RedisStore 基于 Redis 的幂等存储，多实例部署时使用
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

// NewRedisClient 按配置创建 Redis 客户端并测试连接
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}

func (s *RedisStore) Begin(ctx context.Context, key string) (*Response, error) {
	ok, err := s.client.SetNX(ctx, keyPrefix+key, pendingMarker, s.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to reserve idempotency key: %w", err)
	}
	if ok {
		return nil, nil
	}

	val, err := s.client.Get(ctx, keyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		// 键刚好过期，重新预占
		return s.Begin(ctx, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read idempotency key: %w", err)
	}
	if val == pendingMarker {
		return nil, ErrInProgress
	}

	var resp Response
	if err := json.Unmarshal([]byte(val), &resp); err != nil {
		return nil, fmt.Errorf("failed to decode cached response: %w", err)
	}
	return &resp, nil
}

func (s *RedisStore) Complete(ctx context.Context, key string, resp Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, keyPrefix+key, data, s.ttl).Err()
}

func (s *RedisStore) Release(ctx context.Context, key string) error {
	return s.client.Del(ctx, keyPrefix+key).Err()
}

type memoryEntry struct {
	resp      *Response
	expiresAt time.Time
}

// MemoryStore 进程内幂等存储，未配置 Redis 时使用
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	ttl     time.Duration
	now     func() time.Time
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry), ttl: ttl, now: time.Now}
}

func (s *MemoryStore) Begin(ctx context.Context, key string) (*Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.evict(now)

	entry, ok := s.entries[key]
	if !ok {
		s.entries[key] = memoryEntry{expiresAt: now.Add(s.ttl)}
		return nil, nil
	}
	if entry.resp == nil {
		return nil, ErrInProgress
	}
	resp := *entry.resp
	return &resp, nil
}

func (s *MemoryStore) Complete(ctx context.Context, key string, resp Response) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memoryEntry{resp: &resp, expiresAt: s.now().Add(s.ttl)}
	return nil
}

func (s *MemoryStore) Release(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *MemoryStore) evict(now time.Time) {
	for k, e := range s.entries {
		if now.After(e.expiresAt) {
			delete(s.entries, k)
		}
	}
}
