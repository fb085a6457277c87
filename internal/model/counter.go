package model

const (
	CounterToken   = "token"
	CounterListing = "listing"
)

// Counter 自增 ID 计数器，只在创建成功时推进
type Counter struct {
	Name string `gorm:"primaryKey;type:varchar(32)" json:"name"`
	Next uint64 `gorm:"not null" json:"next"`
}

func (Counter) TableName() string {
	return "id_counter"
}
