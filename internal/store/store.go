package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"tokenmarket/internal/model"
	"tokenmarket/pkg/idgen"

	"github.com/shopspring/decimal"
)

// ============================================================================
// 内存账本状态
// ============================================================================
//
// 主数据（代币、余额、授权、挂单、用户画像、ID 计数器）是唯一的事实来源，
// 快照只导出主数据；按账户的持仓索引、按卖家的挂单索引属于派生数据，
// 每次写入时同步维护，加载快照时从主数据完整重建，从不持久化。
//
// 每个 Transaction 在持有互斥锁期间执行完毕。fn 返回错误时按 undo 日志逆序回滚，
// 因此被拒绝的操作不会留下任何部分修改。
//
// ============================================================================

var (
	ErrNegativeAmount  = errors.New("金额不能为负数")
	ErrCorruptSnapshot = errors.New("快照数据不一致")
)

// EventSink 接收已提交事务产生的事件
type EventSink interface {
	Publish(ctx context.Context, events []model.LedgerEvent)
}

type balanceKey struct {
	tokenID uint64
	account model.Account
}

type approvalKey struct {
	tokenID uint64
	owner   model.Account
	spender model.Account
}

type Store struct {
	mu   sync.Mutex
	now  func() time.Time
	sink EventSink

	tokens    map[uint64]model.Token
	balances  map[balanceKey]decimal.Decimal
	approvals map[approvalKey]model.Approval
	listings  map[uint64]model.Listing
	profiles  map[model.Account]model.UserProfile
	counters  map[string]uint64

	// 派生索引
	holdings       map[model.Account]map[uint64]struct{}
	sellerListings map[model.Account][]uint64
}

type Option func(*Store)

// WithClock 替换时间源（测试用）
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

func WithEventSink(sink EventSink) Option {
	return func(s *Store) {
		s.sink = sink
	}
}

func New(opts ...Option) *Store {
	s := &Store{now: time.Now}
	s.reset()
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) reset() {
	s.tokens = make(map[uint64]model.Token)
	s.balances = make(map[balanceKey]decimal.Decimal)
	s.approvals = make(map[approvalKey]model.Approval)
	s.listings = make(map[uint64]model.Listing)
	s.profiles = make(map[model.Account]model.UserProfile)
	s.counters = make(map[string]uint64)
	s.holdings = make(map[model.Account]map[uint64]struct{})
	s.sellerListings = make(map[model.Account][]uint64)
}

// Transaction 原子地执行 fn，fn 返回错误（或 panic）时所有修改被撤销
func (s *Store) Transaction(ctx context.Context, fn func(tx *Tx) error) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &Tx{s: s, now: s.now()}
	defer func() {
		if r := recover(); r != nil {
			tx.rollback()
			panic(r)
		}
	}()

	if err = fn(tx); err != nil {
		tx.rollback()
		return err
	}

	if len(tx.events) > 0 && s.sink != nil {
		// 事务已经提交，调用方取消也不能丢事件
		s.sink.Publish(context.WithoutCancel(ctx), tx.events)
	}
	return nil
}

// View 在锁内执行只读操作
func (s *Store) View(fn func(tx *Tx)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&Tx{s: s, now: s.now(), readOnly: true})
}

// Tx 单个状态事务的句柄，只能在 Transaction / View 回调内使用
type Tx struct {
	s        *Store
	now      time.Time
	readOnly bool
	undo     []func()
	events   []model.LedgerEvent
}

func (tx *Tx) Now() time.Time {
	return tx.now
}

func (tx *Tx) record(undo func()) {
	if tx.readOnly {
		panic("store: write inside View")
	}
	tx.undo = append(tx.undo, undo)
}

func (tx *Tx) rollback() {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
	tx.events = nil
}

// Emit 记录一个事件，只有事务提交后才会被投递
func (tx *Tx) Emit(eventType string, payload map[string]interface{}) {
	if tx.readOnly {
		panic("store: emit inside View")
	}
	tx.events = append(tx.events, model.LedgerEvent{
		Key:        idgen.GenerateEventKey(),
		Type:       eventType,
		Payload:    payload,
		OccurredAt: tx.now,
	})
}

// ---------------------------------------------------------------------------
// ID 计数器
// ---------------------------------------------------------------------------

// NextID 分配下一个 ID，从 1 开始；事务回滚时计数器一并回退
func (tx *Tx) NextID(counter string) uint64 {
	prev, existed := tx.s.counters[counter]
	id := prev
	if id == 0 {
		id = 1
	}
	tx.s.counters[counter] = id + 1
	tx.record(func() {
		if existed {
			tx.s.counters[counter] = prev
		} else {
			delete(tx.s.counters, counter)
		}
	})
	return id
}

// ---------------------------------------------------------------------------
// 代币
// ---------------------------------------------------------------------------

func (tx *Tx) Token(id uint64) (model.Token, bool) {
	t, ok := tx.s.tokens[id]
	return t, ok
}

func (tx *Tx) PutToken(t model.Token) {
	prev, existed := tx.s.tokens[t.ID]
	tx.s.tokens[t.ID] = t
	tx.record(func() {
		if existed {
			tx.s.tokens[t.ID] = prev
		} else {
			delete(tx.s.tokens, t.ID)
		}
	})
}

func (tx *Tx) Tokens() []model.Token {
	tokens := make([]model.Token, 0, len(tx.s.tokens))
	for _, t := range tx.s.tokens {
		tokens = append(tokens, t)
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i].ID < tokens[j].ID })
	return tokens
}

// ---------------------------------------------------------------------------
// 余额
// ---------------------------------------------------------------------------

func (tx *Tx) Balance(tokenID uint64, account model.Account) decimal.Decimal {
	if amount, ok := tx.s.balances[balanceKey{tokenID, account}]; ok {
		return amount
	}
	return decimal.Zero
}

// SetBalance 覆盖余额；为 0 时删除记录
func (tx *Tx) SetBalance(tokenID uint64, account model.Account, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("%w: token=%d account=%s amount=%s", ErrNegativeAmount, tokenID, account, amount)
	}
	key := balanceKey{tokenID, account}
	prev, existed := tx.s.balances[key]
	tx.s.setBalance(key, amount)
	tx.record(func() {
		if existed {
			tx.s.setBalance(key, prev)
		} else {
			tx.s.setBalance(key, decimal.Zero)
		}
	})
	return nil
}

func (s *Store) setBalance(key balanceKey, amount decimal.Decimal) {
	if amount.IsZero() {
		delete(s.balances, key)
		if held, ok := s.holdings[key.account]; ok {
			delete(held, key.tokenID)
			if len(held) == 0 {
				delete(s.holdings, key.account)
			}
		}
		return
	}
	s.balances[key] = amount
	held, ok := s.holdings[key.account]
	if !ok {
		held = make(map[uint64]struct{})
		s.holdings[key.account] = held
	}
	held[key.tokenID] = struct{}{}
}

// Holdings 通过派生索引返回账户的所有非零余额
func (tx *Tx) Holdings(account model.Account) []model.Balance {
	held := tx.s.holdings[account]
	result := make([]model.Balance, 0, len(held))
	for tokenID := range held {
		result = append(result, model.Balance{
			TokenID: tokenID,
			Account: account,
			Amount:  tx.s.balances[balanceKey{tokenID, account}],
		})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].TokenID < result[j].TokenID })
	return result
}

// ---------------------------------------------------------------------------
// 授权
// ---------------------------------------------------------------------------

func (tx *Tx) Approval(tokenID uint64, owner, spender model.Account) (model.Approval, bool) {
	a, ok := tx.s.approvals[approvalKey{tokenID, owner, spender}]
	return a, ok
}

// PutApproval 覆盖授权；额度为 0 时删除记录
func (tx *Tx) PutApproval(a model.Approval) error {
	if a.Allowance.IsNegative() {
		return fmt.Errorf("%w: allowance=%s", ErrNegativeAmount, a.Allowance)
	}
	key := approvalKey{a.TokenID, a.Owner, a.Spender}
	prev, existed := tx.s.approvals[key]
	if a.Allowance.IsZero() {
		delete(tx.s.approvals, key)
	} else {
		tx.s.approvals[key] = a
	}
	tx.record(func() {
		if existed {
			tx.s.approvals[key] = prev
		} else {
			delete(tx.s.approvals, key)
		}
	})
	return nil
}

// ---------------------------------------------------------------------------
// 挂单
// ---------------------------------------------------------------------------

func (tx *Tx) Listing(id uint64) (model.Listing, bool) {
	l, ok := tx.s.listings[id]
	return l, ok
}

func (tx *Tx) PutListing(l model.Listing) {
	prev, existed := tx.s.listings[l.ID]
	tx.s.listings[l.ID] = l
	if !existed {
		tx.s.sellerListings[l.Seller] = append(tx.s.sellerListings[l.Seller], l.ID)
	}
	tx.record(func() {
		if existed {
			tx.s.listings[l.ID] = prev
			return
		}
		delete(tx.s.listings, l.ID)
		ids := tx.s.sellerListings[l.Seller]
		tx.s.sellerListings[l.Seller] = ids[:len(ids)-1]
		if len(tx.s.sellerListings[l.Seller]) == 0 {
			delete(tx.s.sellerListings, l.Seller)
		}
	})
}

func (tx *Tx) Listings() []model.Listing {
	listings := make([]model.Listing, 0, len(tx.s.listings))
	for _, l := range tx.s.listings {
		listings = append(listings, l)
	}
	sort.Slice(listings, func(i, j int) bool { return listings[i].ID < listings[j].ID })
	return listings
}

// ListingsBySeller 通过派生索引按创建顺序返回卖家的挂单
func (tx *Tx) ListingsBySeller(seller model.Account) []model.Listing {
	ids := tx.s.sellerListings[seller]
	listings := make([]model.Listing, 0, len(ids))
	for _, id := range ids {
		listings = append(listings, tx.s.listings[id])
	}
	return listings
}

// ---------------------------------------------------------------------------
// 用户画像
// ---------------------------------------------------------------------------

func (tx *Tx) Profile(account model.Account) (model.UserProfile, bool) {
	p, ok := tx.s.profiles[account]
	return p, ok
}

func (tx *Tx) PutProfile(p model.UserProfile) {
	prev, existed := tx.s.profiles[p.Account]
	tx.s.profiles[p.Account] = p
	tx.record(func() {
		if existed {
			tx.s.profiles[p.Account] = prev
		} else {
			delete(tx.s.profiles, p.Account)
		}
	})
}
