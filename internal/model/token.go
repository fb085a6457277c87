package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Token 代币元数据，创建后不可修改（供应量只在铸造时确定，没有销毁路径）
type Token struct {
	ID             uint64          `gorm:"primaryKey;autoIncrement:false" json:"id"`
	Name           string          `gorm:"type:varchar(64);not null" json:"name"`
	Symbol         string          `gorm:"type:varchar(16);index;not null" json:"symbol"`
	Decimals       uint8           `gorm:"not null" json:"decimals"`
	TotalSupply    decimal.Decimal `gorm:"type:decimal(65,0);not null" json:"total_supply"`
	MintingAccount Account         `gorm:"type:varchar(128);index;not null" json:"minting_account"`
	LogoURL        *string         `gorm:"type:varchar(512)" json:"logo_url,omitempty"`
	CreatedAt      time.Time       `gorm:"not null" json:"created_at"`
}

func (Token) TableName() string {
	return "token"
}

// MetadataEntry ICRC 风格的元数据键值
type MetadataEntry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Metadata 返回代币的标准元数据列表
func (t Token) Metadata() []MetadataEntry {
	entries := []MetadataEntry{
		{Key: "icrc1:name", Value: t.Name},
		{Key: "icrc1:symbol", Value: t.Symbol},
		{Key: "icrc1:decimals", Value: decimal.NewFromInt(int64(t.Decimals)).String()},
		{Key: "icrc1:total_supply", Value: t.TotalSupply.String()},
		{Key: "icrc1:minting_account", Value: t.MintingAccount.String()},
	}
	if t.LogoURL != nil {
		entries = append(entries, MetadataEntry{Key: "icrc1:logo", Value: *t.LogoURL})
	}
	return entries
}
