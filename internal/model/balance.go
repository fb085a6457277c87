package model

import (
	"github.com/shopspring/decimal"
)

// Balance 余额记录，按 (代币, 账户) 唯一
// 余额为 0 的记录不落库，查询时默认 0
type Balance struct {
	TokenID uint64          `gorm:"primaryKey;autoIncrement:false" json:"token_id"`
	Account Account         `gorm:"primaryKey;type:varchar(128)" json:"account"`
	Amount  decimal.Decimal `gorm:"type:decimal(65,0);not null" json:"amount"`
}

func (Balance) TableName() string {
	return "balance"
}
