package model

import (
	"time"
)

// ============================================================================
// 账本事件类型
// ============================================================================

const (
	EventTokenCreated     = "TOKEN_CREATED"
	EventTransfer         = "TRANSFER"
	EventApproval         = "APPROVAL"
	EventListingCreated   = "LISTING_CREATED"
	EventListingCancelled = "LISTING_CANCELLED"
	EventTradeSettled     = "TRADE_SETTLED"
	EventTradeUnwound     = "TRADE_UNWOUND"
	EventReconciliation   = "RECONCILIATION_FAILED"
	EventRoleChanged      = "ROLE_CHANGED"
)

// LedgerEvent 状态事务提交后产生的领域事件
// 只有事务成功提交时才会被投递，回滚的事务不产生事件
type LedgerEvent struct {
	Key        string                 `json:"key"`
	Type       string                 `json:"type"`
	Payload    map[string]interface{} `json:"payload"`
	OccurredAt time.Time              `json:"occurred_at"`
}
