package redis

import (
	"context"

	rd "github.com/redis/go-redis/v9"
)

// luaRollbackReservation 回滚一次秒杀预占：
// 以 SREM 是否真正移除用户作为幂等闸门，只有首次回滚会加回库存。
const luaRollbackReservation = `
local stockKey = KEYS[1]
local orderSetKey = KEYS[2]
local userID = ARGV[1]
if redis.call('SREM', orderSetKey, userID) == 1 then
  redis.call('INCRBY', stockKey, 1)
  return 1
end
return 0
`

// RollbackReservation 幂等回补库存并撤销用户去重标记：
// - 首次回滚返回 true
// - 重复回滚返回 false（不会重复加库存）
func RollbackReservation(ctx context.Context, rdb *rd.Client, voucherID, userID uint64) (bool, error) {
	n, err := rdb.Eval(ctx, luaRollbackReservation,
		[]string{SeckillStockKey(voucherID), SeckillOrderSetKey(voucherID)},
		userID).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
