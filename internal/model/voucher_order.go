package model

import (
	"time"
)

// VoucherOrder 秒杀订单。ID 由 ID 生成器下发，全局唯一且同前缀内按创建时间可排序。
// (user_id, voucher_id) 唯一索引是一人一单在持久层的最后一道防线。
type VoucherOrder struct {
	ID        int64     `gorm:"primarykey;autoIncrement:false" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	UserID    uint64 `gorm:"not null;uniqueIndex:idx_user_voucher" json:"user_id"`
	VoucherID uint64 `gorm:"not null;uniqueIndex:idx_user_voucher;index" json:"voucher_id"`
	Amount    int64  `gorm:"not null" json:"amount"` // 成交金额，单位分
	Status    int    `gorm:"not null;default:0" json:"status"` // 0 待支付 1 已支付 2 已取消
}

// 显式实现结构，确定表名
func (VoucherOrder) TableName() string { return "voucher_orders" }
