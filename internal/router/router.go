package router

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"voucher_rush/internal/config"
	"voucher_rush/internal/middleware"
	"voucher_rush/internal/model"
	"voucher_rush/internal/seckill"
	"voucher_rush/internal/shop"
	"voucher_rush/pkg/idgen"

	rd "github.com/redis/go-redis/v9"
)

// Setup 注册全部 HTTP 路由。
func Setup(r *gin.Engine, db *gorm.DB, rdb *rd.Client, shopSvc *shop.Service, seckillSvc *seckill.Service, idWorker *idgen.Worker, cfg config.AppConfig) {
	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"msg": "pong"})
	})

	// Shops（读走缓存）
	r.GET("/api/shops/:id", getShop(shopSvc))
	r.GET("/api/hot_shops/:id", getHotShop(shopSvc))
	r.PUT("/api/shops/:id", updateShop(shopSvc))
	r.POST("/api/shops/:id/warm", warmShop(shopSvc, cfg.AdminToken))

	// Vouchers
	r.POST("/api/vouchers", createVoucher(db, seckillSvc, cfg.AdminToken, cfg.StockCacheTTL))
	r.POST("/api/vouchers/:voucher_id/preload", preloadStock(seckillSvc, cfg.AdminToken, cfg.StockCacheTTL))
	r.GET("/api/seckill/stock/:voucher_id", getStock(seckillSvc))

	// Seckill：需要已认证身份，并做按用户限流
	r.POST("/api/seckill/:voucher_id",
		middleware.Auth(),
		middleware.RedisRateLimit(rdb, cfg.BuyRateLimit, cfg.BuyRateWindow),
		doSeckill(seckillSvc))

	// ID 生成器
	r.GET("/api/ids/next", nextID(idWorker))
}

// getShop 按 id 查询商户（互斥重建策略）。
func getShop(svc *shop.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "商户ID无效"})
			return
		}
		s, err := svc.GetByID(c.Request.Context(), id)
		if err != nil {
			if errors.Is(err, shop.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"code": 404, "msg": "商户不存在"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": s})
	}
}

// getHotShop 按 id 查询热点商户（逻辑过期策略，过期仍返回旧值）。
func getHotShop(svc *shop.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "商户ID无效"})
			return
		}
		s, err := svc.GetHotByID(c.Request.Context(), id)
		if err != nil {
			if errors.Is(err, shop.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"code": 404, "msg": "商户未预热或不存在"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": s})
	}
}

// updateShop 更新商户信息：先更新数据库，再删除缓存。
func updateShop(svc *shop.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "商户ID无效"})
			return
		}
		var s model.Shop
		if err := c.ShouldBindJSON(&s); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
			return
		}
		s.ID = id
		if err := svc.Update(c.Request.Context(), &s); err != nil {
			if errors.Is(err, shop.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"code": 404, "msg": "商户不存在"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "msg": "更新成功"})
	}
}

// warmShop 将热点商户预热进缓存（逻辑过期方式），要求管理员 token。
func warmShop(svc *shop.Service, adminToken string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("X-Admin-Token") != adminToken {
			c.JSON(http.StatusUnauthorized, gin.H{"code": 401, "msg": "admin token 无效"})
			return
		}
		id, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "商户ID无效"})
			return
		}
		if err := svc.WarmHotKey(c.Request.Context(), id); err != nil {
			if errors.Is(err, shop.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"code": 404, "msg": "商户不存在"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "msg": "预热成功"})
	}
}

// createVoucher 创建秒杀券（含时间窗校验），并把库存预热进 Redis。
func createVoucher(db *gorm.DB, svc *seckill.Service, adminToken string, stockTTL time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("X-Admin-Token") != adminToken {
			c.JSON(http.StatusUnauthorized, gin.H{"code": 401, "msg": "admin token 无效"})
			return
		}
		var req struct {
			Title     string `json:"title" binding:"required"`
			Stock     int64  `json:"stock" binding:"required,min=1"`
			SalePrice int64  `json:"sale_price" binding:"required,min=1"`
			BeginTime string `json:"begin_time" binding:"required"`
			EndTime   string `json:"end_time" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
			return
		}
		begin, err := time.Parse(time.RFC3339, req.BeginTime)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "begin_time 格式错误，请用 RFC3339"})
			return
		}
		end, err := time.Parse(time.RFC3339, req.EndTime)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "end_time 格式错误，请用 RFC3339"})
			return
		}
		if !end.After(begin) {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "end_time 必须晚于 begin_time"})
			return
		}
		v := &model.SeckillVoucher{
			Title:     req.Title,
			Stock:     req.Stock,
			SalePrice: req.SalePrice,
			BeginTime: begin,
			EndTime:   end,
		}
		if err := db.WithContext(c.Request.Context()).Create(v).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		if err := svc.PreloadStock(c.Request.Context(), v.ID, stockTTL); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": "预热库存失败: " + err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": v})
	}
}

// preloadStock 将 DB 库存重新预热到 Redis，供高并发扣减。
// 该接口要求简单管理员 token，避免被任意调用重置库存。
func preloadStock(svc *seckill.Service, adminToken string, ttl time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("X-Admin-Token") != adminToken {
			c.JSON(http.StatusUnauthorized, gin.H{"code": 401, "msg": "admin token 无效"})
			return
		}
		id, err := strconv.ParseUint(c.Param("voucher_id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "券ID无效"})
			return
		}
		if err := svc.PreloadStock(c.Request.Context(), id, ttl); err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"code": 404, "msg": "券不存在"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "msg": "预热成功"})
	}
}

// getStock 查询 Redis 中的实时库存。
func getStock(svc *seckill.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Param("voucher_id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "券ID无效"})
			return
		}
		stock, err := svc.LiveStock(c.Request.Context(), id)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": gin.H{"stock": stock}})
	}
}

// doSeckill 秒杀下单入口，身份由认证中间件提供并显式传入服务层。
func doSeckill(svc *seckill.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		voucherID, err := strconv.ParseUint(c.Param("voucher_id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "券ID无效"})
			return
		}
		userID, ok := middleware.CurrentUserID(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"code": 401, "msg": "未登录或登录已过期"})
			return
		}

		res, err := svc.Seckill(c.Request.Context(), voucherID, userID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		if !res.OK() {
			status := http.StatusBadRequest
			switch res.Reason {
			case seckill.ReasonVoucherNotFound:
				status = http.StatusNotFound
			case seckill.ReasonBusy:
				// 队列饱和，预占已回滚，可重试
				status = http.StatusServiceUnavailable
			}
			c.JSON(status, gin.H{"code": status, "reason": res.Reason})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": gin.H{"order_id": res.OrderID}})
	}
}

// nextID 按业务前缀生成一个全局唯一 ID。
func nextID(idWorker *idgen.Worker) gin.HandlerFunc {
	return func(c *gin.Context) {
		prefix := c.Query("prefix")
		if prefix == "" {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "prefix 必填"})
			return
		}
		id, err := idWorker.NextID(c.Request.Context(), prefix)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": gin.H{"id": id}})
	}
}
