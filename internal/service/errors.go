package service

import (
	"errors"
	"fmt"

	"tokenmarket/internal/model"

	"github.com/shopspring/decimal"
)

var (
	ErrAnonymousNotAllowed    = errors.New("匿名账户不允许此操作")
	ErrInsufficientPermission = errors.New("权限不足")
	ErrInvalidName            = errors.New("代币名称长度必须在 2-50 之间")
	ErrInvalidSymbol          = errors.New("代币符号长度必须在 2-10 之间")
	ErrInvalidSupply          = errors.New("初始供应量必须为正整数")
	ErrInvalidAmount          = errors.New("金额必须为非负整数")
	ErrInvalidPrice           = errors.New("挂单价格不合法")
	ErrInvalidRole            = errors.New("角色不合法")
	ErrReservedAccount        = errors.New("系统保留账户不能参与此操作")

	ErrTokenNotFound         = errors.New("代币不存在")
	ErrInsufficientBalance   = errors.New("余额不足")
	ErrInsufficientAllowance = errors.New("授权额度不足")
	ErrSelfTransfer          = errors.New("不能向自己转账")
	ErrSelfApproval          = errors.New("不能给自己授权")

	ErrListingNotFound          = errors.New("挂单不存在")
	ErrListingInactive          = errors.New("挂单已失效")
	ErrInsufficientListedAmount = errors.New("挂单剩余数量不足")
	ErrNotSeller                = errors.New("只有卖家可以取消挂单")
	ErrSelfTrade                = errors.New("不能购买自己的挂单")
	ErrPaymentFailed            = errors.New("支付失败")
	ErrTokenTransferFailed      = errors.New("代币交割失败")

	// ErrReconciliationFailed 补偿动作本身失败，账本需要人工对账
	ErrReconciliationFailed = errors.New("补偿失败，需要人工对账")
)

// ReconciliationError 交易补偿失败的致命错误
// 与普通业务错误区分：它意味着买卖双方的余额没有回到一致状态
type ReconciliationError struct {
	TradeNo   string
	ListingID uint64
	Buyer     model.Account
	Seller    model.Account
	Stage     string
	Amount    decimal.Decimal
	Cause     error
	LegError  error
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("%s: trade=%s listing=%d stage=%s buyer=%s seller=%s amount=%s leg_err=%v cause=%v",
		ErrReconciliationFailed, e.TradeNo, e.ListingID, e.Stage, e.Buyer, e.Seller, e.Amount, e.LegError, e.Cause)
}

func (e *ReconciliationError) Is(target error) bool {
	return target == ErrReconciliationFailed
}

func (e *ReconciliationError) Unwrap() error {
	return e.Cause
}

// IsFatal 判断是否为需要人工介入的致命错误
func IsFatal(err error) bool {
	return errors.Is(err, ErrReconciliationFailed)
}

// maxAmountDigits 与快照表 decimal(65,0) 列一致，超出的金额无法落库
const maxAmountDigits = 65

// validAmount 金额必须是非负整数（代币最小单位），且不超过 maxAmountDigits 位
func validAmount(amount decimal.Decimal) bool {
	if amount.IsNegative() || !amount.IsInteger() {
		return false
	}
	return len(amount.BigInt().String()) <= maxAmountDigits
}
