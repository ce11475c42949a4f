package seckill

import (
	"context"
	"io"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	rd "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"voucher_rush/internal/cache"
	"voucher_rush/internal/model"
	"voucher_rush/pkg/idgen"
	rediskey "voucher_rush/pkg/redis"
)

type testEnv struct {
	svc       *Service
	mr        *miniredis.Miniredis
	rdb       *rd.Client
	db        *gorm.DB
	voucherID uint64
}

func newTestEnv(t *testing.T, stock int64, begin, end time.Time, queueSize int) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := rd.NewClient(&rd.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "seckill.db")), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&model.SeckillVoucher{}, &model.VoucherOrder{}))

	log := logrus.New()
	log.SetOutput(io.Discard)

	svc := NewService(db, rdb, cache.NewClient(rdb, log), idgen.NewWorker(rdb), queueSize, nil, log)

	voucher := &model.SeckillVoucher{
		Title:     "100元代金券",
		SalePrice: 8000,
		Stock:     stock,
		BeginTime: begin,
		EndTime:   end,
	}
	require.NoError(t, db.Create(voucher).Error)
	require.NoError(t, svc.PreloadStock(context.Background(), voucher.ID, time.Hour))

	return &testEnv{svc: svc, mr: mr, rdb: rdb, db: db, voucherID: voucher.ID}
}

func activeWindow() (time.Time, time.Time) {
	now := time.Now()
	return now.Add(-time.Hour), now.Add(time.Hour)
}

func (e *testEnv) liveStock(t *testing.T) int64 {
	t.Helper()
	stock, err := e.svc.LiveStock(context.Background(), e.voucherID)
	require.NoError(t, err)
	return stock
}

func TestSeckillTwoUsersOneUnit(t *testing.T) {
	begin, end := activeWindow()
	env := newTestEnv(t, 1, begin, end, 64)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]Result, 2)
	for i, userID := range []uint64{101, 102} {
		wg.Add(1)
		go func(idx int, uid uint64) {
			defer wg.Done()
			res, err := env.svc.Seckill(ctx, env.voucherID, uid)
			assert.NoError(t, err)
			results[idx] = res
		}(i, userID)
	}
	wg.Wait()

	wins, losses := 0, 0
	for _, res := range results {
		switch res.Reason {
		case ReasonOK:
			wins++
			assert.NotZero(t, res.OrderID)
		case ReasonInsufficientStock:
			losses++
		default:
			t.Fatalf("unexpected reason %q", res.Reason)
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, losses)
	assert.Equal(t, int64(0), env.liveStock(t))
}

func TestSeckillLastUnitNeverOversold(t *testing.T) {
	begin, end := activeWindow()
	env := newTestEnv(t, 1, begin, end, 128)
	ctx := context.Background()

	const n = 50
	var wg sync.WaitGroup
	results := make([]Result, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			res, err := env.svc.Seckill(ctx, env.voucherID, uint64(1000+idx))
			assert.NoError(t, err)
			results[idx] = res
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, res := range results {
		if res.OK() {
			wins++
		} else {
			assert.Equal(t, ReasonInsufficientStock, res.Reason)
		}
	}
	// 最后一件库存只能被一个请求抢到，且库存绝不为负
	assert.Equal(t, 1, wins)
	assert.GreaterOrEqual(t, env.liveStock(t), int64(0))
	assert.Equal(t, int64(0), env.liveStock(t))
}

func TestSeckillOnePerUser(t *testing.T) {
	begin, end := activeWindow()
	env := newTestEnv(t, 10, begin, end, 64)
	ctx := context.Background()

	res, err := env.svc.Seckill(ctx, env.voucherID, 7)
	require.NoError(t, err)
	require.True(t, res.OK())

	// 第二次下单被一人一单拦下
	res, err = env.svc.Seckill(ctx, env.voucherID, 7)
	require.NoError(t, err)
	assert.Equal(t, ReasonDuplicate, res.Reason)
	assert.Equal(t, int64(9), env.liveStock(t))
}

func TestSeckillSameUserConcurrent(t *testing.T) {
	begin, end := activeWindow()
	env := newTestEnv(t, 10, begin, end, 64)
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	results := make([]Result, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			res, err := env.svc.Seckill(ctx, env.voucherID, 7)
			assert.NoError(t, err)
			results[idx] = res
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, res := range results {
		if res.OK() {
			wins++
		} else {
			assert.Equal(t, ReasonDuplicate, res.Reason)
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, int64(9), env.liveStock(t))
}

func TestSeckillValidityWindow(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name   string
		begin  time.Time
		end    time.Time
		reason Reason
	}{
		{"not started", now.Add(time.Hour), now.Add(2 * time.Hour), ReasonNotStarted},
		{"ended", now.Add(-2 * time.Hour), now.Add(-time.Hour), ReasonEnded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, 5, tt.begin, tt.end, 64)
			res, err := env.svc.Seckill(context.Background(), env.voucherID, 7)
			require.NoError(t, err)
			assert.Equal(t, tt.reason, res.Reason)
			// 时间窗外不得动库存
			assert.Equal(t, int64(5), env.liveStock(t))
		})
	}
}

func TestSeckillColdVoucherCacheSingleRebuild(t *testing.T) {
	begin, end := activeWindow()
	env := newTestEnv(t, 20, begin, end, 64)
	ctx := context.Background()

	// 券缓存 key 冷启动：并发请求同时到达时，互斥重建应保证只回源一次
	var voucherSelects int64
	require.NoError(t, env.db.Callback().Query().After("gorm:query").
		Register("count_voucher_selects", func(tx *gorm.DB) {
			if tx.Statement.Table == "seckill_vouchers" {
				atomic.AddInt64(&voucherSelects, 1)
			}
		}))

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			res, err := env.svc.Seckill(ctx, env.voucherID, uint64(2000+idx))
			assert.NoError(t, err)
			assert.True(t, res.OK())
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), atomic.LoadInt64(&voucherSelects))
}

func TestSeckillVoucherNotFound(t *testing.T) {
	begin, end := activeWindow()
	env := newTestEnv(t, 1, begin, end, 64)

	res, err := env.svc.Seckill(context.Background(), env.voucherID+100, 7)
	require.NoError(t, err)
	assert.Equal(t, ReasonVoucherNotFound, res.Reason)
}

func TestSeckillQueueFullRollsBackReservation(t *testing.T) {
	begin, end := activeWindow()
	// 无缓冲队列且无消费者：投递必然失败
	env := newTestEnv(t, 1, begin, end, 0)
	ctx := context.Background()

	res, err := env.svc.Seckill(ctx, env.voucherID, 7)
	require.NoError(t, err)
	assert.Equal(t, ReasonBusy, res.Reason)

	// 预占已回滚：库存复原，去重标记清除，用户可重试
	assert.Equal(t, int64(1), env.liveStock(t))
	isMember, err := env.rdb.SIsMember(ctx, rediskey.SeckillOrderSetKey(env.voucherID), "7").Result()
	require.NoError(t, err)
	assert.False(t, isMember)
}

func TestWorkerPersistsOrder(t *testing.T) {
	begin, end := activeWindow()
	env := newTestEnv(t, 3, begin, end, 64)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go env.svc.RunWorker(ctx)

	res, err := env.svc.Seckill(ctx, env.voucherID, 7)
	require.NoError(t, err)
	require.True(t, res.OK())

	// worker 异步落库：订单行出现，权威库存随之扣减
	require.Eventually(t, func() bool {
		var order model.VoucherOrder
		return env.db.First(&order, res.OrderID).Error == nil
	}, 2*time.Second, 20*time.Millisecond)

	var order model.VoucherOrder
	require.NoError(t, env.db.First(&order, res.OrderID).Error)
	assert.Equal(t, uint64(7), order.UserID)
	assert.Equal(t, env.voucherID, order.VoucherID)
	assert.Equal(t, int64(8000), order.Amount)

	var voucher model.SeckillVoucher
	require.NoError(t, env.db.First(&voucher, env.voucherID).Error)
	assert.Equal(t, int64(2), voucher.Stock)
}

func TestPersistOrderDuplicateDropped(t *testing.T) {
	begin, end := activeWindow()
	env := newTestEnv(t, 3, begin, end, 64)
	ctx := context.Background()

	require.NoError(t, env.db.Create(&model.VoucherOrder{
		ID: 1, UserID: 7, VoucherID: env.voucherID, Amount: 8000,
	}).Error)

	err := env.svc.PersistOrder(ctx, OrderTask{OrderID: 2, UserID: 7, VoucherID: env.voucherID, Amount: 8000})
	assert.ErrorIs(t, err, ErrDuplicateOrder)

	// 复核失败不得扣减权威库存
	var voucher model.SeckillVoucher
	require.NoError(t, env.db.First(&voucher, env.voucherID).Error)
	assert.Equal(t, int64(3), voucher.Stock)
}

func TestPersistOrderStockGuard(t *testing.T) {
	begin, end := activeWindow()
	env := newTestEnv(t, 1, begin, end, 64)
	ctx := context.Background()

	require.NoError(t, env.db.Model(&model.SeckillVoucher{}).
		Where("id = ?", env.voucherID).
		UpdateColumn("stock", 0).Error)

	err := env.svc.PersistOrder(ctx, OrderTask{OrderID: 3, UserID: 8, VoucherID: env.voucherID, Amount: 8000})
	assert.ErrorIs(t, err, ErrOutOfStock)

	// stock > 0 守卫生效：不插订单、不产生负库存
	var count int64
	require.NoError(t, env.db.Model(&model.VoucherOrder{}).Count(&count).Error)
	assert.Equal(t, int64(0), count)

	var voucher model.SeckillVoucher
	require.NoError(t, env.db.First(&voucher, env.voucherID).Error)
	assert.Equal(t, int64(0), voucher.Stock)
}

func TestPersistOrderLockContended(t *testing.T) {
	begin, end := activeWindow()
	env := newTestEnv(t, 1, begin, end, 64)
	ctx := context.Background()

	holder := rediskey.NewLock(env.rdb, rediskey.OrderLockName(9))
	ok, err := holder.TryLock(ctx, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	err = env.svc.PersistOrder(ctx, OrderTask{OrderID: 4, UserID: 9, VoucherID: env.voucherID, Amount: 8000})
	assert.ErrorIs(t, err, ErrLockContended)
}
