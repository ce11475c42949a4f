// Package idgen 基于 Redis 自增序列实现全局唯一 ID 生成。
package idgen

import (
	"context"
	"time"

	rd "github.com/redis/go-redis/v9"

	rediskey "voucher_rush/pkg/redis"
)

const (
	// beginTimestamp 2022-01-01 00:00:00 UTC 的秒级时间戳，作为时间段的起点。
	beginTimestamp int64 = 1640995200
	// counterBits 低位序列号的位宽，单前缀单日最多 2^32 个 ID。
	counterBits = 32
)

// Worker 生成「高位时间段 + 低位当日序列号」拼接的 64 位 ID。
// 序列号 key 按 (业务前缀, UTC 日期) 划分，INCR 首次访问惰性创建，自然按天重置。
type Worker struct {
	rdb *rd.Client
	now func() time.Time
}

func NewWorker(rdb *rd.Client) *Worker {
	return &Worker{rdb: rdb, now: time.Now}
}

// NextID 生成一个 ID。同一前缀内 ID 随时间非递减；
// 不同前缀的 ID 值可能重叠，调用方不得跨前缀比较排序。
func (w *Worker) NextID(ctx context.Context, prefix string) (int64, error) {
	now := w.now().UTC()
	timestamp := now.Unix() - beginTimestamp

	// Redis 自增实现当日序列号
	date := now.Format("20060102")
	count, err := w.rdb.Incr(ctx, rediskey.IcrKey(prefix, date)).Result()
	if err != nil {
		return 0, err
	}

	// 位运算拼接
	return timestamp<<counterBits | count, nil
}
