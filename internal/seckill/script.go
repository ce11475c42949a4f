package seckill

// luaReserve：一次往返内完成「库存校验 + 一人一单校验 + 扣减 + 去重登记」。
// 原子性是防超卖的关键：两个并发请求不可能都看到最后一件库存并各自扣减。
// KEYS[1]=库存key，KEYS[2]=已购用户集合key，ARGV[1]=用户ID
// 返回：0 成功，1 库存不足，2 重复下单
const luaReserve = `
local stockKey = KEYS[1]
local orderKey = KEYS[2]
local userId = ARGV[1]

-- 判断库存是否充足
if tonumber(redis.call('GET', stockKey) or '0') <= 0 then
  return 1
end

-- 判断用户是否已经下过单
if redis.call('SISMEMBER', orderKey, userId) == 1 then
  return 2
end

-- 扣库存 + 登记用户
redis.call('DECRBY', stockKey, 1)
redis.call('SADD', orderKey, userId)
return 0
`

// luaReserve 的返回码
const (
	reserveOK                = 0
	reserveInsufficientStock = 1
	reserveDuplicate         = 2
)
