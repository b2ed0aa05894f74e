package model

import (
	"time"
)

// Account 用户积分账户表
// 记录钱包地址对应的聊天积分余额，首次消费时惰性创建，永不物理删除
type Account struct {
	ID             int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	AccountID      string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"account_id"`                             // 钱包地址（小写）
	Balance        int64      `gorm:"not null;default:0" json:"balance"`                                                   // 可用积分，1 积分 = 1000 词
	OnChainBalance string     `gorm:"column:onchain_balance;type:varchar(80);not null;default:'0'" json:"onchain_balance"` // 最近一次同步的链上 BEZ 余额（最小单位）
	LastSyncedAt   *time.Time `json:"last_synced_at"`
	Version        int        `gorm:"not null;default:0" json:"version"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Account) TableName() string {
	return "account"
}
