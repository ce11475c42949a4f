// Package shop 商户查询服务：读走缓存，写走「先库后删缓存」的双写策略。
package shop

import (
	"context"
	"errors"
	"fmt"
	"time"

	rd "github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"voucher_rush/internal/cache"
	"voucher_rush/internal/model"
	rediskey "voucher_rush/pkg/redis"
)

// ErrNotFound 商户不存在（含缓存空值标记命中）。
var ErrNotFound = errors.New("shop: not found")

// hotKeyLogicalTTL 热点商户预热后的逻辑过期时长。
const hotKeyLogicalTTL = 10 * time.Minute

type Service struct {
	db    *gorm.DB
	rdb   *rd.Client
	cache *cache.Client
	ttl   time.Duration
}

func NewService(db *gorm.DB, rdb *rd.Client, cacheClient *cache.Client, ttl time.Duration) *Service {
	return &Service{db: db, rdb: rdb, cache: cacheClient, ttl: ttl}
}

// GetByID 按 id 查询商户，互斥重建策略（防穿透 + 防击穿）。
func (s *Service) GetByID(ctx context.Context, id uint64) (*model.Shop, error) {
	v, err := cache.QueryWithMutex(ctx, s.cache, rediskey.ShopCacheKey(id), s.ttl, s.loader(id))
	if errors.Is(err, cache.ErrMiss) {
		return nil, ErrNotFound
	}
	return v, err
}

// GetHotByID 按 id 查询热点商户，逻辑过期策略：过期返回旧值并触发异步重建。
func (s *Service) GetHotByID(ctx context.Context, id uint64) (*model.Shop, error) {
	v, err := cache.QueryWithLogicalExpire(ctx, s.cache, rediskey.ShopCacheKey(id), hotKeyLogicalTTL, s.loader(id))
	if errors.Is(err, cache.ErrMiss) {
		return nil, ErrNotFound
	}
	return v, err
}

// Update 更新商户信息：先更新数据库，再删除缓存，保持双写一致。
func (s *Service) Update(ctx context.Context, shop *model.Shop) error {
	if shop.ID == 0 {
		return fmt.Errorf("shop: id is required")
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.Shop{}).Where("id = ?", shop.ID).Updates(shop)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return err
	}
	return s.rdb.Del(ctx, rediskey.ShopCacheKey(shop.ID)).Err()
}

// WarmHotKey 将热点商户提前写入缓存（逻辑过期方式）。
func (s *Service) WarmHotKey(ctx context.Context, id uint64) error {
	err := cache.Warm(ctx, s.cache, rediskey.ShopCacheKey(id), hotKeyLogicalTTL, s.loader(id))
	if errors.Is(err, cache.ErrMiss) {
		return ErrNotFound
	}
	return err
}

// loader 构造回源函数：数据库查不到时返回 (nil, nil)，由缓存层写空值标记。
func (s *Service) loader(id uint64) cache.Loader[model.Shop] {
	return func(ctx context.Context) (*model.Shop, error) {
		var shop model.Shop
		if err := s.db.WithContext(ctx).First(&shop, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, nil
			}
			return nil, err
		}
		return &shop, nil
	}
}
