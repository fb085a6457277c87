package model

import (
	"time"
)

type Role string

const (
	RoleAdmin   Role = "ADMIN"
	RoleCreator Role = "CREATOR"
	RoleUser    Role = "USER"
)

func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleCreator, RoleUser:
		return true
	}
	return false
}

// UserProfile 用户画像，首次交互时懒创建
type UserProfile struct {
	Account       Account   `gorm:"primaryKey;type:varchar(128)" json:"account"`
	Role          Role      `gorm:"type:varchar(16);not null" json:"role"`
	CreatedAt     time.Time `gorm:"not null" json:"created_at"`
	LastActive    time.Time `gorm:"not null" json:"last_active"`
	TokensCreated uint64    `gorm:"not null;default:0" json:"tokens_created"`
	Verified      bool      `gorm:"not null;default:false" json:"verified"`
}

func (UserProfile) TableName() string {
	return "user_profile"
}
