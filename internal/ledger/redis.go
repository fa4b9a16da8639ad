package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	backend "github.com/redis/go-redis/v9"

	"github.com/JasonSnail/FECP/internal/types"
)

// Redis 是基于 Redis List 的账本实现
// 每个实体一个 key，RPUSH 追加，天然保序；实体集合另存一个索引 key
type Redis struct {
	client *backend.Client
	prefix string
}

// RedisOption 配置 Redis 账本
type RedisOption func(*Redis)

// WithPrefix 设置 key 前缀
func WithPrefix(prefix string) RedisOption {
	return func(r *Redis) {
		r.prefix = prefix
	}
}

// NewRedis 按地址创建一个 Redis 账本
func NewRedis(addr string, db int, opts ...RedisOption) *Redis {
	client := backend.NewClient(&backend.Options{
		Addr: addr,
		DB:   db,
	})
	return NewRedisFromClient(client, opts...)
}

// NewRedisFromClient 复用已有客户端创建账本，测试时配合 miniredis 使用
func NewRedisFromClient(client *backend.Client, opts ...RedisOption) *Redis {
	r := &Redis{client: client, prefix: "fecp:ledger:"}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Redis) key(entityID string) string {
	return r.prefix + entityID
}

func (r *Redis) indexKey() string {
	return r.prefix + "index"
}

// Append 用 pipeline 一次性追加整批记录
func (r *Redis) Append(ctx context.Context, records ...types.TransitionRecord) error {
	if len(records) == 0 {
		return nil
	}
	pipe := r.client.TxPipeline()
	for _, rec := range records {
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		pipe.RPush(ctx, r.key(rec.EntityID), data)
		pipe.SAdd(ctx, r.indexKey(), rec.EntityID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ledger append failed: %w", err)
	}
	return nil
}

// QueryByEntity 读取实体的完整列表并按时间窗过滤
func (r *Redis) QueryByEntity(ctx context.Context, entityID string, from, to time.Time) ([]types.TransitionRecord, error) {
	raw, err := r.client.LRange(ctx, r.key(entityID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("ledger query failed: %w", err)
	}
	var out []types.TransitionRecord
	for _, item := range raw {
		var rec types.TransitionRecord
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			return nil, err
		}
		if inWindow(rec, from, to) {
			out = append(out, rec)
		}
	}
	sortRecords(out)
	return out, nil
}

// Replay 遍历索引集合，取回所有实体的记录
func (r *Redis) Replay(ctx context.Context) ([]types.TransitionRecord, error) {
	ids, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("ledger replay failed: %w", err)
	}
	var out []types.TransitionRecord
	for _, id := range ids {
		records, err := r.QueryByEntity(ctx, id, time.Time{}, time.Time{})
		if err != nil {
			return nil, err
		}
		out = append(out, records...)
	}
	sortRecords(out)
	return out, nil
}

// Close 关闭底层客户端
func (r *Redis) Close() error {
	return r.client.Close()
}
