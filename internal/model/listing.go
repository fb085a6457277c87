package model

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	ListingStatusActive    = "ACTIVE"
	ListingStatusFilled    = "FILLED"
	ListingStatusCancelled = "CANCELLED"
)

// ValidStatusTransitions 挂单状态机
// ACTIVE 可以自环（部分成交），FILLED 和 CANCELLED 是终态
var ValidStatusTransitions = map[string][]string{
	ListingStatusActive: {ListingStatusActive, ListingStatusFilled, ListingStatusCancelled},
}

func CanTransitionTo(currentStatus, targetStatus string) bool {
	allowedStatuses, exists := ValidStatusTransitions[currentStatus]
	if !exists {
		return false
	}
	for _, s := range allowedStatuses {
		if s == targetStatus {
			return true
		}
	}
	return false
}

// Listing 卖家挂单：以 PriceTokenID 计价出售 Amount 个 TokenID
type Listing struct {
	ID           uint64          `gorm:"primaryKey;autoIncrement:false" json:"id"`
	TokenID      uint64          `gorm:"index;not null" json:"token_id"`
	Seller       Account         `gorm:"type:varchar(128);index;not null" json:"seller"`
	Amount       decimal.Decimal `gorm:"type:decimal(65,0);not null" json:"amount"` // 剩余可售数量
	PriceTokenID uint64          `gorm:"not null" json:"price_token_id"`
	PricePerUnit decimal.Decimal `gorm:"type:decimal(65,0);not null" json:"price_per_unit"`
	Status       string          `gorm:"type:varchar(20);index;not null" json:"status"`
	CreatedAt    time.Time       `gorm:"not null" json:"created_at"`
}

func (Listing) TableName() string {
	return "listing"
}

func (l Listing) IsActive() bool {
	return l.Status == ListingStatusActive
}
