package redis

import "fmt"

// CacheNullValue 是写入缓存的空值标记：后端确认不存在，与 key 缺失区分开。
const CacheNullValue = ""

// ShopCacheKey 统一约定商户缓存键名。
func ShopCacheKey(shopID uint64) string {
	return fmt.Sprintf("cache:shop:%d", shopID)
}

// VoucherCacheKey 秒杀券基础信息（价格、活动时间段）的缓存键名。
func VoucherCacheKey(voucherID uint64) string {
	return fmt.Sprintf("cache:voucher:%d", voucherID)
}

// SeckillStockKey 秒杀券的实时库存键名。
func SeckillStockKey(voucherID uint64) string {
	return fmt.Sprintf("seckill:stock:%d", voucherID)
}

// SeckillOrderSetKey 记录某张券已下单用户的去重集合。
func SeckillOrderSetKey(voucherID uint64) string {
	return fmt.Sprintf("seckill:order:%d", voucherID)
}

// LockKey 分布式锁键名，name 为业务内约定的资源名。
func LockKey(name string) string {
	return "lock:" + name
}

// OrderLockName 以用户维度串行化落单的锁资源名。
func OrderLockName(userID uint64) string {
	return fmt.Sprintf("order:%d", userID)
}

// IcrKey ID 生成器按业务前缀、按天的自增序列键名。
func IcrKey(prefix, date string) string {
	return fmt.Sprintf("icr:%s:%s", prefix, date)
}

// RateLimitKey 购买接口按用户限流的键名。
func RateLimitKey(userID uint64) string {
	return fmt.Sprintf("rate_limit:seckill:user:%d", userID)
}

// RateLimitIPKey 取不到已认证身份时按来源 IP 限流的键名。
func RateLimitIPKey(ip string) string {
	return fmt.Sprintf("rate_limit:seckill:ip:%s", ip)
}
