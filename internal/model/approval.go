package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Approval 授权额度，按 (代币, 所有者, 被授权者) 唯一
// 再次 approve 会覆盖原额度，而不是累加
type Approval struct {
	TokenID   uint64          `gorm:"primaryKey;autoIncrement:false" json:"token_id"`
	Owner     Account         `gorm:"primaryKey;type:varchar(128)" json:"owner"`
	Spender   Account         `gorm:"primaryKey;type:varchar(128)" json:"spender"`
	Allowance decimal.Decimal `gorm:"type:decimal(65,0);not null" json:"allowance"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
}

func (Approval) TableName() string {
	return "approval"
}

// Live 返回在 now 时刻仍然有效的额度，过期视为 0
func (a Approval) Live(now time.Time) decimal.Decimal {
	if a.ExpiresAt != nil && !now.Before(*a.ExpiresAt) {
		return decimal.Zero
	}
	return a.Allowance
}
