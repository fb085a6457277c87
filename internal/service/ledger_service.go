package service

import (
	"context"
	"fmt"
	"time"

	"tokenmarket/internal/model"
	"tokenmarket/internal/store"

	"github.com/shopspring/decimal"
)

type LedgerService struct {
	store    *store.Store
	profiles *ProfileService
	reserved map[model.Account]struct{}
}

// NewLedgerService reserved 为系统账户（撮合账户），只能通过 SettleLeg 作为代扣方出现
func NewLedgerService(st *store.Store, profiles *ProfileService, reserved ...model.Account) *LedgerService {
	s := &LedgerService{
		store:    st,
		profiles: profiles,
		reserved: make(map[model.Account]struct{}, len(reserved)),
	}
	for _, a := range reserved {
		s.reserved[a] = struct{}{}
	}
	return s
}

func (s *LedgerService) isReserved(accounts ...model.Account) bool {
	for _, a := range accounts {
		if _, ok := s.reserved[a]; ok {
			return true
		}
	}
	return false
}

// moveBalance 在事务内从 from 向 to 划转，余额不足时不修改任何数据
func moveBalance(tx *store.Tx, tokenID uint64, from, to model.Account, amount decimal.Decimal) error {
	if _, ok := tx.Token(tokenID); !ok {
		return ErrTokenNotFound
	}
	fromBalance := tx.Balance(tokenID, from)
	if fromBalance.LessThan(amount) {
		return fmt.Errorf("%w: account=%s balance=%s need=%s", ErrInsufficientBalance, from, fromBalance, amount)
	}
	if amount.IsZero() {
		return nil
	}
	if err := tx.SetBalance(tokenID, from, fromBalance.Sub(amount)); err != nil {
		return err
	}
	return tx.SetBalance(tokenID, to, tx.Balance(tokenID, to).Add(amount))
}

// restoreAllowance 把已消耗的额度加回授权记录
// 记录已因额度归零被删除时按 grant 重建，保留原来的过期时间
func restoreAllowance(tx *store.Tx, grant model.Approval, amount decimal.Decimal) error {
	current, ok := tx.Approval(grant.TokenID, grant.Owner, grant.Spender)
	if !ok {
		current = grant
		current.Allowance = decimal.Zero
	}
	current.Allowance = current.Allowance.Add(amount)
	return tx.PutApproval(current)
}

// Transfer 直接转账
func (s *LedgerService) Transfer(ctx context.Context, caller model.Account, tokenID uint64, to model.Account, amount decimal.Decimal) error {
	if caller.IsAnonymous() || to.IsAnonymous() {
		return ErrAnonymousNotAllowed
	}
	if s.isReserved(caller, to) {
		return ErrReservedAccount
	}
	if caller == to {
		return ErrSelfTransfer
	}
	if !validAmount(amount) {
		return ErrInvalidAmount
	}

	return s.store.Transaction(ctx, func(tx *store.Tx) error {
		s.profiles.touch(tx, caller)
		if err := moveBalance(tx, tokenID, caller, to, amount); err != nil {
			return err
		}
		tx.Emit(model.EventTransfer, map[string]interface{}{
			"token_id": tokenID,
			"from":     caller,
			"to":       to,
			"amount":   amount.String(),
		})
		return nil
	})
}

// Approve 设置授权额度，覆盖旧值而不是累加；额度为 0 等同于撤销
func (s *LedgerService) Approve(ctx context.Context, caller model.Account, tokenID uint64, spender model.Account, allowance decimal.Decimal, expiresAt *time.Time) error {
	if caller.IsAnonymous() || spender.IsAnonymous() {
		return ErrAnonymousNotAllowed
	}
	if s.isReserved(caller) {
		return ErrReservedAccount
	}
	if caller == spender {
		return ErrSelfApproval
	}
	if !validAmount(allowance) {
		return ErrInvalidAmount
	}

	return s.store.Transaction(ctx, func(tx *store.Tx) error {
		s.profiles.touch(tx, caller)
		if _, ok := tx.Token(tokenID); !ok {
			return ErrTokenNotFound
		}
		if err := tx.PutApproval(model.Approval{
			TokenID:   tokenID,
			Owner:     caller,
			Spender:   spender,
			Allowance: allowance,
			ExpiresAt: expiresAt,
		}); err != nil {
			return err
		}
		tx.Emit(model.EventApproval, map[string]interface{}{
			"token_id":  tokenID,
			"owner":     caller,
			"spender":   spender,
			"allowance": allowance.String(),
		})
		return nil
	})
}

// TransferFrom 代扣转账
//
// spender == owner 时完全等同于 Transfer，不检查授权。
// 否则先确认授权额度，再划转余额，划转成功后才扣减额度；
// 三步在同一个事务里，划转失败时额度保持原值。
func (s *LedgerService) TransferFrom(ctx context.Context, spender model.Account, tokenID uint64, owner, recipient model.Account, amount decimal.Decimal) error {
	if spender.IsAnonymous() {
		return ErrAnonymousNotAllowed
	}
	if spender == owner {
		return s.Transfer(ctx, spender, tokenID, recipient, amount)
	}
	if s.isReserved(spender, owner, recipient) {
		return ErrReservedAccount
	}
	if err := checkDelegated(owner, recipient, amount); err != nil {
		return err
	}

	return s.store.Transaction(ctx, func(tx *store.Tx) error {
		s.profiles.touch(tx, spender)
		return spendAllowance(tx, spender, tokenID, owner, recipient, amount)
	})
}

// SettleLeg 撮合账户代扣一条成交腿，与 initiator 的画像刷新在同一个事务里提交
func (s *LedgerService) SettleLeg(ctx context.Context, initiator, spender model.Account, tokenID uint64, owner, recipient model.Account, amount decimal.Decimal) error {
	if initiator.IsAnonymous() || spender.IsAnonymous() {
		return ErrAnonymousNotAllowed
	}
	if spender == owner {
		return ErrSelfTransfer
	}
	if err := checkDelegated(owner, recipient, amount); err != nil {
		return err
	}

	return s.store.Transaction(ctx, func(tx *store.Tx) error {
		s.profiles.touch(tx, initiator)
		s.profiles.touch(tx, spender)
		return spendAllowance(tx, spender, tokenID, owner, recipient, amount)
	})
}

// Compensate 系统发起的反向划转：from 把 amount 退回 grant.Owner，
// 同时把 grant 上被成交消耗的额度加回去。不刷新任何人的画像。
func (s *LedgerService) Compensate(ctx context.Context, grant model.Approval, from model.Account, amount decimal.Decimal) error {
	if !validAmount(amount) {
		return ErrInvalidAmount
	}
	return s.store.Transaction(ctx, func(tx *store.Tx) error {
		if err := moveBalance(tx, grant.TokenID, from, grant.Owner, amount); err != nil {
			return err
		}
		if err := restoreAllowance(tx, grant, amount); err != nil {
			return err
		}
		tx.Emit(model.EventTransfer, map[string]interface{}{
			"token_id":     grant.TokenID,
			"from":         from,
			"to":           grant.Owner,
			"amount":       amount.String(),
			"compensation": true,
		})
		return nil
	})
}

func checkDelegated(owner, recipient model.Account, amount decimal.Decimal) error {
	if owner.IsAnonymous() || recipient.IsAnonymous() {
		return ErrAnonymousNotAllowed
	}
	if owner == recipient {
		return ErrSelfTransfer
	}
	if !validAmount(amount) {
		return ErrInvalidAmount
	}
	return nil
}

// spendAllowance 确认额度、划转、扣减额度，任何一步失败整个事务回滚
func spendAllowance(tx *store.Tx, spender model.Account, tokenID uint64, owner, recipient model.Account, amount decimal.Decimal) error {
	if _, ok := tx.Token(tokenID); !ok {
		return ErrTokenNotFound
	}

	approval, ok := tx.Approval(tokenID, owner, spender)
	if !ok {
		approval = model.Approval{TokenID: tokenID, Owner: owner, Spender: spender}
	}
	live := approval.Live(tx.Now())
	if live.LessThan(amount) {
		return fmt.Errorf("%w: owner=%s spender=%s allowance=%s need=%s", ErrInsufficientAllowance, owner, spender, live, amount)
	}

	if err := moveBalance(tx, tokenID, owner, recipient, amount); err != nil {
		return err
	}

	approval.Allowance = live.Sub(amount)
	if err := tx.PutApproval(approval); err != nil {
		return err
	}

	tx.Emit(model.EventTransfer, map[string]interface{}{
		"token_id": tokenID,
		"from":     owner,
		"to":       recipient,
		"spender":  spender,
		"amount":   amount.String(),
	})
	return nil
}

// BalanceOf 查询余额，未知代币返回 false
func (s *LedgerService) BalanceOf(ctx context.Context, tokenID uint64, account model.Account) (decimal.Decimal, bool) {
	var (
		balance decimal.Decimal
		ok      bool
	)
	s.store.View(func(tx *store.Tx) {
		if _, ok = tx.Token(tokenID); ok {
			balance = tx.Balance(tokenID, account)
		}
	})
	return balance, ok
}

// Allowance 查询当前有效额度，过期授权视为 0
func (s *LedgerService) Allowance(ctx context.Context, tokenID uint64, owner, spender model.Account) decimal.Decimal {
	allowance := decimal.Zero
	s.store.View(func(tx *store.Tx) {
		if approval, ok := tx.Approval(tokenID, owner, spender); ok {
			allowance = approval.Live(tx.Now())
		}
	})
	return allowance
}

// Holdings 账户持有的全部非零余额
func (s *LedgerService) Holdings(ctx context.Context, account model.Account) []model.Balance {
	var holdings []model.Balance
	s.store.View(func(tx *store.Tx) {
		holdings = tx.Holdings(account)
	})
	return holdings
}
