// Package cache 提供旁路缓存读取工具，内置缓存穿透与缓存击穿的防护。
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	rd "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	rediskey "voucher_rush/pkg/redis"
)

var (
	// ErrMiss 表示后端确认不存在（含命中空值标记的情况），属于业务性缺失而非故障。
	ErrMiss = errors.New("cache: entity not found")
	// ErrRebuildContended 表示互斥重建在重试上限内始终抢不到锁。
	ErrRebuildContended = errors.New("cache: rebuild lock contended")
)

const (
	// nullTTL 空值标记的过期时间：足够短，避免后端新插入的数据被长期遮蔽。
	nullTTL = 2 * time.Minute
	// rebuildLockLease 重建锁租约，兜底重建方崩溃。
	rebuildLockLease = 10 * time.Second
	// mutexRetrySleep / mutexMaxRetries 抢锁失败后的固定退避与重试上限。
	mutexRetrySleep = 50 * time.Millisecond
	mutexMaxRetries = 20
	// asyncRebuildTimeout 逻辑过期异步重建的独立超时（脱离请求上下文）。
	asyncRebuildTimeout = 10 * time.Second
)

// Client 旁路缓存客户端。值以 JSON 字符串形式存入 Redis。
type Client struct {
	rdb *rd.Client
	log *logrus.Logger
}

func NewClient(rdb *rd.Client, log *logrus.Logger) *Client {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Client{rdb: rdb, log: log}
}

// Loader 回源函数：返回 (nil, nil) 表示后端确认不存在。
type Loader[T any] func(ctx context.Context) (*T, error)

// Set 以 TTL 过期的方式写入缓存。
func Set(ctx context.Context, c *Client, key string, value any, ttl time.Duration) error {
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, key, b, ttl).Err()
}

// redisData 逻辑过期的信封结构：store 层永不过期，过期语义由 ExpireAt 承载。
type redisData struct {
	ExpireAt time.Time       `json:"expire_at"`
	Data     json.RawMessage `json:"data"`
}

// SetWithLogicalExpire 以逻辑过期的方式写入缓存（不设置 store 层 TTL）。
func SetWithLogicalExpire(ctx context.Context, c *Client, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	b, err := json.Marshal(redisData{ExpireAt: time.Now().Add(ttl), Data: raw})
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, key, b, 0).Err()
}

// QueryWithPassThrough 旁路缓存读取，解决缓存穿透：
// 命中空值标记直接按不存在返回，不触发回源；回源为空则写入短 TTL 的空值标记。
func QueryWithPassThrough[T any](ctx context.Context, c *Client, key string, ttl time.Duration, dbFallback Loader[T]) (*T, error) {
	v, hit, err := lookup[T](ctx, c, key)
	if err != nil || hit {
		return v, err
	}

	// 缓存中不存在，回源查询
	return loadAndFill(ctx, c, key, ttl, dbFallback)
}

// QueryWithMutex 旁路缓存读取，解决缓存穿透 + 缓存击穿：
// 重建路径由以缓存 key 命名的分布式锁保护，抢不到锁则退避重试，重试有上限。
func QueryWithMutex[T any](ctx context.Context, c *Client, key string, ttl time.Duration, dbFallback Loader[T]) (*T, error) {
	for attempt := 0; attempt < mutexMaxRetries; attempt++ {
		v, hit, err := lookup[T](ctx, c, key)
		if err != nil || hit {
			return v, err
		}

		lock := rediskey.NewLock(c.rdb, key)
		ok, err := lock.TryLock(ctx, rebuildLockLease)
		if err != nil {
			return nil, err
		}
		if !ok {
			// 失败，则进入休眠并重试
			select {
			case <-time.After(mutexRetrySleep):
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		// 无论回源成败都要释放互斥锁
		v, err = func() (*T, error) {
			defer func() {
				if uerr := lock.Unlock(context.WithoutCancel(ctx)); uerr != nil {
					c.log.WithField("key", key).WithError(uerr).Warn("release rebuild lock")
				}
			}()

			// 拿到锁后再查一次缓存，期间可能已被其他持有者重建完成
			v, hit, err := lookup[T](ctx, c, key)
			if err != nil || hit {
				return v, err
			}
			return loadAndFill(ctx, c, key, ttl, dbFallback)
		}()
		return v, err
	}
	return nil, ErrRebuildContended
}

// QueryWithLogicalExpire 热点 key 的逻辑过期读取，解决缓存击穿：
// key 不存在视为未预热，直接按不存在返回；已过期则触发一次互斥保护的异步重建，
// 并立即返回旧值，读路径不被重建阻塞。
func QueryWithLogicalExpire[T any](ctx context.Context, c *Client, key string, ttl time.Duration, dbFallback Loader[T]) (*T, error) {
	s, err := c.rdb.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			// 非热点数据未预热，不回源
			return nil, ErrMiss
		}
		return nil, err
	}

	var rdata redisData
	if err := json.Unmarshal([]byte(s), &rdata); err != nil {
		return nil, err
	}
	var v T
	if err := json.Unmarshal(rdata.Data, &v); err != nil {
		return nil, err
	}

	if time.Now().Before(rdata.ExpireAt) {
		return &v, nil
	}

	// 已逻辑过期：抢重建锁，抢到则后台异步重建，抢不到说明有人在建，直接返回旧值
	lock := rediskey.NewLock(c.rdb, key)
	ok, err := lock.TryLock(ctx, rebuildLockLease)
	if err != nil {
		c.log.WithField("key", key).WithError(err).Warn("acquire rebuild lock")
		return &v, nil
	}
	if ok {
		go func() {
			rebuildCtx, cancel := context.WithTimeout(context.Background(), asyncRebuildTimeout)
			defer cancel()
			defer func() {
				if uerr := lock.Unlock(rebuildCtx); uerr != nil {
					c.log.WithField("key", key).WithError(uerr).Warn("release rebuild lock")
				}
			}()
			if err := Warm(rebuildCtx, c, key, ttl, dbFallback); err != nil {
				c.log.WithField("key", key).WithError(err).Error("async cache rebuild")
			}
		}()
	}
	return &v, nil
}

// Warm 回源并以逻辑过期的方式预热热点 key。
func Warm[T any](ctx context.Context, c *Client, key string, ttl time.Duration, dbFallback Loader[T]) error {
	v, err := dbFallback(ctx)
	if err != nil {
		return err
	}
	if v == nil {
		return ErrMiss
	}
	return SetWithLogicalExpire(ctx, c, key, v, ttl)
}

// lookup 查一次缓存。hit=true 时要么返回值，要么返回 ErrMiss（命中空值标记）。
func lookup[T any](ctx context.Context, c *Client, key string) (*T, bool, error) {
	s, err := c.rdb.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	// 命中的是空值标记，防止缓存穿透
	if s == rediskey.CacheNullValue {
		return nil, true, ErrMiss
	}
	var v T
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, true, err
	}
	return &v, true, nil
}

// loadAndFill 回源并按结果回填缓存：空结果写空值标记（短 TTL），有值写入 ttl。
func loadAndFill[T any](ctx context.Context, c *Client, key string, ttl time.Duration, dbFallback Loader[T]) (*T, error) {
	v, err := dbFallback(ctx)
	if err != nil {
		return nil, err
	}
	if v == nil {
		// 将空值写入缓存，防止缓存穿透问题
		if serr := c.rdb.Set(ctx, key, rediskey.CacheNullValue, nullTTL).Err(); serr != nil {
			return nil, serr
		}
		return nil, ErrMiss
	}
	if err := Set(ctx, c, key, v, ttl); err != nil {
		return nil, err
	}
	return v, nil
}
