// Package seckill 秒杀下单流水线：
// Redis Lua 原子资格校验 + 预占 → 有界队列解耦 → 单 worker 串行落库。
package seckill

import (
	"context"
	"errors"
	"time"

	rd "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"voucher_rush/internal/cache"
	"voucher_rush/internal/model"
	"voucher_rush/pkg/idgen"
	rediskey "voucher_rush/pkg/redis"
)

const (
	// orderIDPrefix ID 生成器的业务前缀。
	orderIDPrefix = "order"
	// orderLockLease 用户维度落库锁的租约。
	orderLockLease = 5 * time.Second
	// voucherCacheTTL 券基础信息的缓存时长。
	voucherCacheTTL = 30 * time.Minute
)

// OrderTask 在快路径（资格校验 + 预占）与慢路径（持久化）之间流转的瞬态任务。
// 用户身份随任务显式携带，worker 不再从任何环境态推导。
type OrderTask struct {
	OrderID   int64  `json:"order_id"`
	UserID    uint64 `json:"user_id"`
	VoucherID uint64 `json:"voucher_id"`
	Amount    int64  `json:"amount"` // 分
}

// TaskSink 接收预占成功后的落库任务。Submit 不得阻塞：
// 队列饱和时返回 ErrQueueFull，由调用方回滚预占。
type TaskSink interface {
	Submit(ctx context.Context, task OrderTask) error
}

// Service 秒杀服务。默认使用进程内有界队列 + RunWorker 消费；
// 传入外部 TaskSink（如 Redis Stream outbox）可切换为持久化链路。
type Service struct {
	db    *gorm.DB
	rdb   *rd.Client
	cache *cache.Client
	idgen *idgen.Worker
	log   *logrus.Logger

	sink  TaskSink
	tasks chan OrderTask
	now   func() time.Time
}

func NewService(db *gorm.DB, rdb *rd.Client, cacheClient *cache.Client, idWorker *idgen.Worker, queueSize int, sink TaskSink, log *logrus.Logger) *Service {
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Service{
		db:    db,
		rdb:   rdb,
		cache: cacheClient,
		idgen: idWorker,
		log:   log,
		now:   time.Now,
	}
	if sink != nil {
		s.sink = sink
	} else {
		s.tasks = make(chan OrderTask, queueSize)
		s.sink = memorySink{tasks: s.tasks}
	}
	return s
}

// memorySink 进程内有界队列：满了立即拒绝而不是阻塞请求线程。
type memorySink struct {
	tasks chan OrderTask
}

func (m memorySink) Submit(_ context.Context, task OrderTask) error {
	select {
	case m.tasks <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

// Seckill 秒杀下单入口。
// 关键流程：
// 1. 券信息走缓存，校验活动时间窗
// 2. Lua 一次往返完成库存 + 一人一单校验与预占
// 3. 生成订单 ID，投递落库任务，立即返回订单 ID（不等待持久化）
// 任一步失败都会回滚已完成的预占，不遗留半途状态。
func (s *Service) Seckill(ctx context.Context, voucherID, userID uint64) (Result, error) {
	voucher, err := s.getVoucher(ctx, voucherID)
	if err != nil {
		if errors.Is(err, cache.ErrMiss) {
			return Result{Reason: ReasonVoucherNotFound}, nil
		}
		if errors.Is(err, cache.ErrRebuildContended) {
			return Result{Reason: ReasonBusy}, nil
		}
		return Result{}, err
	}

	now := s.now()
	if now.Before(voucher.BeginTime) {
		return Result{Reason: ReasonNotStarted}, nil
	}
	if now.After(voucher.EndTime) {
		return Result{Reason: ReasonEnded}, nil
	}

	// Lua 原子资格校验 + 预占
	code, err := s.rdb.Eval(ctx, luaReserve,
		[]string{rediskey.SeckillStockKey(voucherID), rediskey.SeckillOrderSetKey(voucherID)},
		userID).Int()
	if err != nil {
		return Result{}, err
	}
	switch code {
	case reserveInsufficientStock:
		return Result{Reason: ReasonInsufficientStock}, nil
	case reserveDuplicate:
		return Result{Reason: ReasonDuplicate}, nil
	}

	orderID, err := s.idgen.NextID(ctx, orderIDPrefix)
	if err != nil {
		s.rollbackReservation(ctx, voucherID, userID)
		return Result{}, err
	}

	task := OrderTask{
		OrderID:   orderID,
		UserID:    userID,
		VoucherID: voucherID,
		Amount:    voucher.SalePrice,
	}
	if err := s.sink.Submit(ctx, task); err != nil {
		s.rollbackReservation(ctx, voucherID, userID)
		if errors.Is(err, ErrQueueFull) {
			return Result{Reason: ReasonBusy}, nil
		}
		return Result{}, err
	}

	return Result{OrderID: orderID, Reason: ReasonOK}, nil
}

// RunWorker 单消费者串行消费进程内队列，直到 ctx 取消。
// 落库失败只记录日志并丢弃任务：快路径已向用户返回成功，这里是兜底复核。
func (s *Service) RunWorker(ctx context.Context) {
	if s.tasks == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-s.tasks:
			if err := s.PersistOrder(ctx, task); err != nil {
				s.log.WithFields(logrus.Fields{
					"order_id":   task.OrderID,
					"user_id":    task.UserID,
					"voucher_id": task.VoucherID,
				}).WithError(err).Error("order persistence dropped")
			}
		}
	}
}

// PersistOrder 持久化一个落库任务：
// 按用户加分布式锁串行化（快路径已去重，这里是纵深防御），
// 复查一人一单，条件扣减权威库存，插入订单行，整体一个事务。
func (s *Service) PersistOrder(ctx context.Context, task OrderTask) error {
	lock := rediskey.NewLock(s.rdb, rediskey.OrderLockName(task.UserID))
	ok, err := lock.TryLock(ctx, orderLockLease)
	if err != nil {
		return err
	}
	if !ok {
		return ErrLockContended
	}
	defer func() {
		if uerr := lock.Unlock(context.WithoutCancel(ctx)); uerr != nil {
			s.log.WithField("user_id", task.UserID).WithError(uerr).Warn("release order lock")
		}
	}()

	return s.createOrder(ctx, task)
}

// createOrder 显式事务边界：所有状态通过参数传入。
func (s *Service) createOrder(ctx context.Context, task OrderTask) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 判断用户是否已经抢过该券
		var count int64
		if err := tx.Model(&model.VoucherOrder{}).
			Where("user_id = ? AND voucher_id = ?", task.UserID, task.VoucherID).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrDuplicateOrder
		}

		// 扣减权威库存，stock > 0 守卫防负数
		res := tx.Model(&model.SeckillVoucher{}).
			Where("id = ? AND stock > 0", task.VoucherID).
			UpdateColumn("stock", gorm.Expr("stock - 1"))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrOutOfStock
		}

		return tx.Create(&model.VoucherOrder{
			ID:        task.OrderID,
			UserID:    task.UserID,
			VoucherID: task.VoucherID,
			Amount:    task.Amount,
		}).Error
	})
}

// PreloadStock 将券的数据库库存预热到 Redis，并清空已购集合（重新开售场景）。
func (s *Service) PreloadStock(ctx context.Context, voucherID uint64, ttl time.Duration) error {
	var voucher model.SeckillVoucher
	if err := s.db.WithContext(ctx).First(&voucher, voucherID).Error; err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, rediskey.SeckillStockKey(voucherID), voucher.Stock, ttl)
	pipe.Del(ctx, rediskey.SeckillOrderSetKey(voucherID))
	_, err := pipe.Exec(ctx)
	return err
}

// LiveStock 查询 Redis 中的实时库存。key 不存在按 0 返回。
func (s *Service) LiveStock(ctx context.Context, voucherID uint64) (int64, error) {
	val, err := s.rdb.Get(ctx, rediskey.SeckillStockKey(voucherID)).Int64()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return 0, nil
		}
		return 0, err
	}
	return val, nil
}

// getVoucher 券基础信息走旁路缓存（价格与时间窗稳定，实时库存另走 Redis）。
// 开售瞬间券 key 是典型热 key，重建用互斥策略，避免缓存失效时并发请求击穿到数据库。
func (s *Service) getVoucher(ctx context.Context, voucherID uint64) (*model.SeckillVoucher, error) {
	return cache.QueryWithMutex(ctx, s.cache, rediskey.VoucherCacheKey(voucherID), voucherCacheTTL,
		func(ctx context.Context) (*model.SeckillVoucher, error) {
			var voucher model.SeckillVoucher
			if err := s.db.WithContext(ctx).First(&voucher, voucherID).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return nil, nil
				}
				return nil, err
			}
			return &voucher, nil
		})
}

// rollbackReservation 回滚 Lua 预占。回滚本身失败只能记日志，留待人工对账。
func (s *Service) rollbackReservation(ctx context.Context, voucherID, userID uint64) {
	ctx = context.WithoutCancel(ctx)
	if _, err := rediskey.RollbackReservation(ctx, s.rdb, voucherID, userID); err != nil {
		s.log.WithFields(logrus.Fields{
			"voucher_id": voucherID,
			"user_id":    userID,
		}).WithError(err).Error("rollback reservation")
	}
}
