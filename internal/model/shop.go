package model

import (
	"time"
)

// Shop 商户信息，读多写少，走缓存。
type Shop struct {
	ID        uint64    `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Name      string `gorm:"size:128;not null" json:"name"`
	Area      string `gorm:"size:64" json:"area"`
	Address   string `gorm:"size:255" json:"address"`
	AvgPrice  int64  `gorm:"not null;default:0" json:"avg_price"` // 单位：分
	Sold      int64  `gorm:"not null;default:0" json:"sold"`
	Score     int    `gorm:"not null;default:0" json:"score"` // 评分 ×10 存整数
	OpenHours string `gorm:"size:64" json:"open_hours"`
}

func (Shop) TableName() string { return "shops" }
