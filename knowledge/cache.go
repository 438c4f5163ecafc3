package knowledge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// =============================================================================
// 💾 检索结果缓存
// =============================================================================
// 相同 (知识库集合, 查询串) 的检索结果在短 TTL 内直接复用，避免会话循环中
// 对外部知识库的重复调用。缓存故障一律 fail-open：记日志、按未命中处理。

// CacheConfig 缓存配置。
type CacheConfig struct {
	// Redis 地址
	Addr string `yaml:"addr" json:"addr"`
	// 密码
	Password string `yaml:"password" json:"password"`
	// 数据库编号
	DB int `yaml:"db" json:"db"`
	// 结果过期时间
	TTL time.Duration `yaml:"ttl" json:"ttl"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" json:"pool_size"`
}

// DefaultCacheConfig 返回默认缓存配置。
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Addr:     "localhost:6379",
		DB:       0,
		TTL:      2 * time.Minute,
		PoolSize: 10,
	}
}

// QueryCache Redis 检索结果缓存。为 nil 时所有操作为 no-op。
type QueryCache struct {
	redis  *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewQueryCache 创建检索缓存并验证连通性。
func NewQueryCache(cfg CacheConfig, logger *zap.Logger) (*QueryCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect retrieval cache: %w", err)
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultCacheConfig().TTL
	}
	logger.Info("retrieval cache initialized",
		zap.String("addr", cfg.Addr),
		zap.Duration("ttl", ttl),
	)
	return &QueryCache{
		redis:  client,
		ttl:    ttl,
		logger: logger.With(zap.String("component", "knowledge_cache")),
	}, nil
}

// CacheKey 由知识库集合与查询串派生稳定缓存键。
func CacheKey(sourceIDs []string, query string) string {
	h := sha256.New()
	h.Write([]byte(strings.Join(sourceIDs, ",")))
	h.Write([]byte{0})
	h.Write([]byte(query))
	return "mrc:retrieval:" + hex.EncodeToString(h.Sum(nil))[:32]
}

// Get 读取缓存结果。未命中或任何缓存故障返回 (nil, false)。
func (c *QueryCache) Get(ctx context.Context, key string) ([]Result, bool) {
	if c == nil {
		return nil, false
	}
	raw, err := c.redis.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		c.logger.Warn("retrieval cache get failed", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	var items []Result
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		c.logger.Warn("retrieval cache entry corrupt", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	return items, true
}

// Set 写入缓存结果。失败仅记日志。
func (c *QueryCache) Set(ctx context.Context, key string, items []Result) {
	if c == nil {
		return
	}
	raw, err := json.Marshal(items)
	if err != nil {
		c.logger.Warn("retrieval cache marshal failed", zap.Error(err))
		return
	}
	if err := c.redis.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		c.logger.Warn("retrieval cache set failed", zap.String("key", key), zap.Error(err))
	}
}

// Close 关闭缓存连接。
func (c *QueryCache) Close() error {
	if c == nil {
		return nil
	}
	return c.redis.Close()
}
