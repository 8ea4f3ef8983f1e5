package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	dbinit "github.com/rebeccapanel/Rebecca-sub001/db/init"

	"github.com/redis/go-redis/v9"
)

// RedisCache Redis缓存客户端
type RedisCache struct {
	client *redis.Client
	ctx    context.Context
}

// NewRedisCache 创建新的Redis缓存客户端
func NewRedisCache(addr, password string, db int) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 5,
	})

	ctx := context.Background()

	// 测试连接
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisCache{
		client: client,
		ctx:    ctx,
	}, nil
}

// Close 关闭Redis连接
func (r *RedisCache) Close() error {
	return r.client.Close()
}

// === Session 操作 ===

// SetSession 设置管理会话
func (r *RedisCache) SetSession(token string, session *dbinit.Session, ttl time.Duration) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	key := fmt.Sprintf("session:%s", token)
	return r.client.Set(r.ctx, key, data, ttl).Err()
}

// GetSession 获取管理会话
func (r *RedisCache) GetSession(token string) (*dbinit.Session, error) {
	key := fmt.Sprintf("session:%s", token)
	data, err := r.client.Get(r.ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	session := &dbinit.Session{}
	if err := json.Unmarshal(data, session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}

	return session, nil
}

// DeleteSession 删除管理会话
func (r *RedisCache) DeleteSession(token string) error {
	key := fmt.Sprintf("session:%s", token)
	return r.client.Del(r.ctx, key).Err()
}

// === 实时流量计数 ===

// IncrementTraffic 累加节点实时流量计数（管道原子执行）
func (r *RedisCache) IncrementTraffic(nodeID string, uplink, downlink int64) error {
	pipe := r.client.Pipeline()

	keyUp := fmt.Sprintf("traffic:%s:up", nodeID)
	keyDown := fmt.Sprintf("traffic:%s:down", nodeID)

	pipe.IncrBy(r.ctx, keyUp, uplink)
	pipe.IncrBy(r.ctx, keyDown, downlink)

	// 实时计数仅用于面板展示，1小时后过期
	pipe.Expire(r.ctx, keyUp, time.Hour)
	pipe.Expire(r.ctx, keyDown, time.Hour)

	_, err := pipe.Exec(r.ctx)
	return err
}

// GetTraffic 获取节点实时流量计数
func (r *RedisCache) GetTraffic(nodeID string) (uplink, downlink int64, err error) {
	keyUp := fmt.Sprintf("traffic:%s:up", nodeID)
	keyDown := fmt.Sprintf("traffic:%s:down", nodeID)

	pipe := r.client.Pipeline()
	cmdUp := pipe.Get(r.ctx, keyUp)
	cmdDown := pipe.Get(r.ctx, keyDown)

	_, err = pipe.Exec(r.ctx)
	if err != nil && err != redis.Nil {
		return 0, 0, err
	}

	uplink, _ = cmdUp.Int64()
	downlink, _ = cmdDown.Int64()

	return uplink, downlink, nil
}

// === 订阅响应缓存 ===

// SetSubscriptionPayload 缓存凭据键对应的订阅响应体
func (r *RedisCache) SetSubscriptionPayload(key, payload string, ttl time.Duration) error {
	return r.client.Set(r.ctx, fmt.Sprintf("sub:%s", key), payload, ttl).Err()
}

// GetSubscriptionPayload 读取缓存的订阅响应体
func (r *RedisCache) GetSubscriptionPayload(key string) (string, error) {
	val, err := r.client.Get(r.ctx, fmt.Sprintf("sub:%s", key)).Result()
	if err == redis.Nil {
		return "", nil
	}
	return val, err
}

// InvalidateSubscription 使凭据键的订阅缓存失效（换键或改状态后调用）
func (r *RedisCache) InvalidateSubscription(key string) error {
	return r.client.Del(r.ctx, fmt.Sprintf("sub:%s", key)).Err()
}

// === 通用缓存操作 ===

// Set 设置缓存
func (r *RedisCache) Set(key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return r.client.Set(r.ctx, key, data, ttl).Err()
}

// Get 获取缓存
func (r *RedisCache) Get(key string, dest interface{}) error {
	data, err := r.client.Get(r.ctx, key).Bytes()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return err
	}

	return json.Unmarshal(data, dest)
}

// Delete 删除缓存
func (r *RedisCache) Delete(key string) error {
	return r.client.Del(r.ctx, key).Err()
}

// Exists 检查缓存是否存在
func (r *RedisCache) Exists(key string) (bool, error) {
	n, err := r.client.Exists(r.ctx, key).Result()
	return n > 0, err
}
