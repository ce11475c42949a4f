package queue

import (
	"context"

	rd "github.com/redis/go-redis/v9"

	"voucher_rush/internal/seckill"
)

// Outbox 实现 seckill.TaskSink：预占成功后把任务 XADD 进 Redis Stream。
// 与 Lua 预占同在一个 Redis 上，写入失败时由调用方统一回滚预占。
type Outbox struct {
	rdb    *rd.Client
	stream string
}

func NewOutbox(rdb *rd.Client, stream string) *Outbox {
	return &Outbox{rdb: rdb, stream: stream}
}

func (o *Outbox) Submit(ctx context.Context, task seckill.OrderTask) error {
	return o.rdb.XAdd(ctx, &rd.XAddArgs{
		Stream: o.stream,
		Values: taskToStreamValues(task),
	}).Err()
}
