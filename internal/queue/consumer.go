package queue

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"voucher_rush/internal/seckill"
)

// lockRetryBackoff 用户落库锁被占时的重试间隔。锁租约 5s，冲突是瞬态的。
const lockRetryBackoff = 100 * time.Millisecond

// Persister 执行落库任务的收口，由 seckill.Service 实现。
type Persister interface {
	PersistOrder(ctx context.Context, task seckill.OrderTask) error
}

// Consumer 消费 Kafka 中的落库任务并写入数据库。
type Consumer struct {
	r         *kafka.Reader
	persister Persister
	log       *logrus.Logger
}

func NewConsumer(brokers []string, topic, groupID string, persister Persister, log *logrus.Logger) *Consumer {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Consumer{
		r: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			Topic:    topic,
			GroupID:  groupID,
			MinBytes: 1e3,
			MaxBytes: 1e6,
		}),
		persister: persister,
		log:       log,
	}
}

func (c *Consumer) Close() error { return c.r.Close() }

// Run 拉取并落库，直到 ctx 取消。
// 位移在落库成功后才提交：进程崩溃时未完成的消息会被重投，不丢单。
func (c *Consumer) Run(ctx context.Context) {
	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			return // ctx cancel / 连接断开等
		}

		if err := c.handle(ctx, m); err != nil {
			return
		}
		if err := c.r.CommitMessages(ctx, m); err != nil {
			c.log.WithError(err).Warn("consumer commit offset")
		}
	}
}

// handle 处理单条消息。只有 ctx 取消才返回错误；
// 其余结局（成功、幂等命中、坏消息、落库兜底丢弃）都算处理完毕，由调用方提交位移。
func (c *Consumer) handle(ctx context.Context, m kafka.Message) error {
	var task seckill.OrderTask
	if err := json.Unmarshal(m.Value, &task); err != nil {
		c.log.WithError(err).Error("consumer unmarshal")
		return nil
	}
	if err := validateTask(task); err != nil {
		c.log.WithError(err).Error("consumer invalid task")
		return nil
	}

	for {
		err := c.persister.PersistOrder(ctx, task)
		switch {
		case err == nil:
			return nil
		// 幂等：重复消费命中一人一单复查或唯一索引冲突，直接当作成功
		case errors.Is(err, seckill.ErrDuplicateOrder) || errorsLikeUnique(err):
			return nil
		// 锁冲突是瞬态的（同一用户的其他落库正在进行），退避后重试而不是丢单
		case errors.Is(err, seckill.ErrLockContended):
			select {
			case <-time.After(lockRetryBackoff):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		default:
			// 其余失败记录日志后丢弃，与内存 worker 的兜底语义一致
			c.log.WithFields(logrus.Fields{
				"order_id":   task.OrderID,
				"user_id":    task.UserID,
				"voucher_id": task.VoucherID,
			}).WithError(err).Error("consumer persist order dropped")
			return nil
		}
	}
}

func errorsLikeUnique(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "UNIQUE") || strings.Contains(s, "unique")
}
