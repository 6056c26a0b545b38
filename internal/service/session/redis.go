package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/zhouzirui/mindwell/internal/model/therapy"
)

const defaultTTL = 24 * time.Hour

// RedisStore 将会话与消息保存在 Redis 中，键在 TTL 后过期。
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// RedisOptions 描述 Redis 连接参数。
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// NewRedisStore 建立连接并执行一次 Ping。
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisStoreWithClient(client, opts.TTL), nil
}

// NewRedisStoreWithClient 复用已有的客户端。
func NewRedisStoreWithClient(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &RedisStore{client: client, ttl: ttl}
}

// Close 关闭底层连接。
func (r *RedisStore) Close() error {
	return r.client.Close()
}

func sessionKey(id string) string  { return fmt.Sprintf("session:%s", id) }
func messagesKey(id string) string { return fmt.Sprintf("session_messages:%s", id) }

func (r *RedisStore) CreateSession(ctx context.Context, session therapy.Session) error {
	return r.putSession(ctx, session)
}

func (r *RedisStore) GetSession(ctx context.Context, sessionID string) (therapy.Session, error) {
	data, err := r.client.Get(ctx, sessionKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return therapy.Session{}, ErrSessionNotFound
	}
	if err != nil {
		return therapy.Session{}, fmt.Errorf("get session: %w", err)
	}
	var session therapy.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return therapy.Session{}, fmt.Errorf("decode session: %w", err)
	}
	return session, nil
}

func (r *RedisStore) UpdateSession(ctx context.Context, session therapy.Session) error {
	exists, err := r.client.Exists(ctx, sessionKey(session.ID)).Result()
	if err != nil {
		return fmt.Errorf("check session: %w", err)
	}
	if exists == 0 {
		return ErrSessionNotFound
	}
	return r.putSession(ctx, session)
}

func (r *RedisStore) putSession(ctx context.Context, session therapy.Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := r.client.Set(ctx, sessionKey(session.ID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (r *RedisStore) AppendMessage(ctx context.Context, sessionID string, message therapy.Message) error {
	if _, err := r.GetSession(ctx, sessionID); err != nil {
		return err
	}
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	key := messagesKey(sessionID)
	pipe := r.client.TxPipeline()
	pipe.RPush(ctx, key, data)
	pipe.Expire(ctx, key, r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

func (r *RedisStore) Messages(ctx context.Context, sessionID string) ([]therapy.Message, error) {
	if _, err := r.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	raw, err := r.client.LRange(ctx, messagesKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	messages := make([]therapy.Message, 0, len(raw))
	for _, item := range raw {
		var msg therapy.Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			continue // 跳过无法解析的消息
		}
		messages = append(messages, msg)
	}
	return messages, nil
}
