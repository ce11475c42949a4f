package redis

import (
	"context"
	"time"

	"github.com/google/uuid"
	rd "github.com/redis/go-redis/v9"
)

// luaUnlockIfMatch 仅当锁值仍是自己的 token 时才删除，避免租约过期后误删他人新获取的锁。
const luaUnlockIfMatch = `
local lockKey = KEYS[1]
local token = ARGV[1]
if redis.call('GET', lockKey) == token then
  return redis.call('DEL', lockKey)
end
return 0
`

// processToken 进程级随机前缀：不同实例即使本地标识撞车也不会拼出同一个锁 token。
var processToken = uuid.New().String() + "-"

// Lock 基于共享 Redis 的分布式互斥锁。
// 租约 TTL 兜底持有者崩溃的场景，token 比对兜底租约过期后误删的场景。
type Lock struct {
	rdb   *rd.Client
	key   string
	token string
}

// NewLock 创建一把以 name 为资源名的锁，每次创建生成独立 token。
func NewLock(rdb *rd.Client, name string) *Lock {
	return &Lock{
		rdb:   rdb,
		key:   LockKey(name),
		token: processToken + uuid.New().String(),
	}
}

// TryLock 非阻塞抢锁：SET NX + 租约 TTL。抢不到立即返回 false，不等待。
func (l *Lock) TryLock(ctx context.Context, lease time.Duration) (bool, error) {
	return l.rdb.SetNX(ctx, l.key, l.token, lease).Result()
}

// Unlock 安全释放：Lua 内一次完成「校验 token + 删除」。
// 非持有者调用（token 不匹配）等价于空操作，真正的持有者不受影响。
func (l *Lock) Unlock(ctx context.Context) error {
	return l.rdb.Eval(ctx, luaUnlockIfMatch, []string{l.key}, l.token).Err()
}

// Token 返回本次抢锁使用的 token，仅用于观测与测试。
func (l *Lock) Token() string { return l.token }
