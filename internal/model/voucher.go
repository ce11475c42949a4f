package model

import (
	"time"
)

// SeckillVoucher 秒杀券：库存、秒杀价、活动时间段。
// Stock 是数据库中的权威库存；秒杀实时扣减走 Redis，由后台 worker 回写。
type SeckillVoucher struct {
	ID        uint64    `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Title     string    `gorm:"size:128;not null" json:"title"`
	SalePrice int64     `gorm:"not null" json:"sale_price"` // 单位：分
	Stock     int64     `gorm:"not null;default:0" json:"stock"`
	BeginTime time.Time `gorm:"not null" json:"begin_time"`
	EndTime   time.Time `gorm:"not null" json:"end_time"`
}

func (SeckillVoucher) TableName() string { return "seckill_vouchers" }
