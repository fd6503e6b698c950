package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store using Redis. It provides distributed
// chat storage suitable for multi-node deployments.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	mu     sync.RWMutex
	closed bool
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string
	// Password is the Redis password (optional).
	Password string
	// DB is the Redis database number.
	DB int
	// Prefix is the key prefix for all chat keys (default: "supportflow:chat:").
	Prefix string
	// SessionTTL is the session expiry duration (0 = never expire).
	SessionTTL time.Duration
	// PoolSize is the connection pool size (default: 10).
	PoolSize int
}

// NewRedisStore creates a new Redis chat store.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "supportflow:chat:"
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: poolSize,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisStore{
		client: client,
		prefix: prefix,
		ttl:    cfg.SessionTTL,
	}, nil
}

// NewRedisStoreFromClient creates a Redis store from an existing
// client. This is useful for testing with miniredis.
func NewRedisStoreFromClient(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "supportflow:chat:"
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}
}

// Key helpers
func (s *RedisStore) sessionKey(sessionID string) string {
	return s.prefix + "session:" + sessionID
}

func (s *RedisStore) messagesKey(sessionID string) string {
	return s.prefix + "messages:" + sessionID
}

func (s *RedisStore) userIndexKey(userID string) string {
	return s.prefix + "user:" + userID
}

func (s *RedisStore) checkClosed() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// PutSession creates or replaces session state.
func (s *RedisStore) PutSession(ctx context.Context, sess *Session) (err error) {
	defer func() { recordOp("put_session", err) }()
	if err := s.checkClosed(); err != nil {
		return err
	}

	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.sessionKey(sess.ID), data, s.ttl)
	if sess.UserID != "" {
		pipe.SAdd(ctx, s.userIndexKey(sess.UserID), sess.ID)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("put session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by ID.
func (s *RedisStore) GetSession(ctx context.Context, sessionID string) (sess *Session, err error) {
	defer func() { recordOp("get_session", err) }()
	if err := s.checkClosed(); err != nil {
		return nil, err
	}

	data, err := s.client.Get(ctx, s.sessionKey(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}

	var got Session
	if err := json.Unmarshal(data, &got); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &got, nil
}

// UpdateSession applies fn to the stored session and writes the result
// atomically using an optimistic WATCH transaction.
func (s *RedisStore) UpdateSession(ctx context.Context, sessionID string, fn func(*Session) error) (err error) {
	defer func() { recordOp("update_session", err) }()
	if err := s.checkClosed(); err != nil {
		return err
	}

	key := s.sessionKey(sessionID)
	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrSessionNotFound
			}
			return err
		}

		var sess Session
		if err := json.Unmarshal(data, &sess); err != nil {
			return fmt.Errorf("unmarshal session: %w", err)
		}
		if err := fn(&sess); err != nil {
			return err
		}

		updated, err := json.Marshal(&sess)
		if err != nil {
			return fmt.Errorf("marshal session: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, s.ttl)
			return nil
		})
		return err
	}

	// Retry a few times on write conflicts; concurrent messages on the
	// same session contend on the counter update.
	for i := 0; i < 5; i++ {
		err := s.client.Watch(ctx, txn, key)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if errors.Is(err, ErrSessionNotFound) {
			return err
		}
		return fmt.Errorf("update session: %w", err)
	}
	return fmt.Errorf("update session: %w", redis.TxFailedErr)
}

// AppendMessage persists a message at the tail of the session's list.
func (s *RedisStore) AppendMessage(ctx context.Context, msg *Message) (err error) {
	defer func() { recordOp("append_message", err) }()
	if err := s.checkClosed(); err != nil {
		return err
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	if err := s.client.RPush(ctx, s.messagesKey(msg.SessionID), data).Err(); err != nil {
		return fmt.Errorf("append message: %w", err)
	}

	if s.ttl > 0 {
		// Expire failure is non-fatal; the message was already saved
		// and the TTL is re-applied on the next append.
		_ = s.client.Expire(ctx, s.messagesKey(msg.SessionID), s.ttl).Err()
	}
	return nil
}

// ListMessages returns a session's messages in append order, which is
// also timestamp order for a single-writer session.
func (s *RedisStore) ListMessages(ctx context.Context, sessionID string, opts ListOptions) (msgs []*Message, err error) {
	defer func() { recordOp("list_messages", err) }()
	if err := s.checkClosed(); err != nil {
		return nil, err
	}

	start := int64(opts.Offset)
	stop := int64(-1)
	if opts.Limit > 0 {
		stop = start + int64(opts.Limit) - 1
	}

	data, err := s.client.LRange(ctx, s.messagesKey(sessionID), start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	msgs = make([]*Message, 0, len(data))
	for _, d := range data {
		var msg Message
		if err := json.Unmarshal([]byte(d), &msg); err != nil {
			return nil, fmt.Errorf("unmarshal message: %w", err)
		}
		msgs = append(msgs, &msg)
	}
	return msgs, nil
}

// ListSessions returns sessions for a user.
func (s *RedisStore) ListSessions(ctx context.Context, userID string, opts ListOptions) (out []*Session, err error) {
	defer func() { recordOp("list_sessions", err) }()
	if err := s.checkClosed(); err != nil {
		return nil, err
	}

	ids, err := s.client.SMembers(ctx, s.userIndexKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	sessions := make([]*Session, 0, len(ids))
	for _, id := range ids {
		sess, err := s.GetSession(ctx, id)
		if err != nil {
			if errors.Is(err, ErrSessionNotFound) {
				// Session expired, clean up the index.
				s.client.SRem(ctx, s.userIndexKey(userID), id)
				continue
			}
			return nil, err
		}
		sessions = append(sessions, sess)
	}

	// Redis sets are unordered; sort for deterministic pagination.
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
	return page(sessions, opts), nil
}

// Close releases resources held by the store.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}

// Ping checks if the Redis connection is alive.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	return s.client.Ping(ctx).Err()
}
