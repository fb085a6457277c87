package service

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"tokenmarket/internal/model"
	"tokenmarket/internal/store"
	"tokenmarket/pkg/idgen"

	"github.com/shopspring/decimal"
)

// ============================================================================
// 撮合结算
// ============================================================================
//
// 一笔成交分两条腿，各自是独立提交的账本事务：
//
//   Leg A  买家 -> 卖家  支付计价代币（totalPrice）
//   ----   挂起点：其他操作可以在这里读写同一批余额、授权和挂单
//   Leg B  卖家 -> 买家  交割挂单代币（amount）
//   收尾   按实时状态扣减挂单剩余数量
//
// 挂起之前读到的任何值在挂起之后都不可信，每一步都重新读取实时状态：
// 余额和授权由 TransferFrom 在自己的事务里重新校验；挂单在收尾时重新校验，
// 已经无法承接本次成交（被取消或被其他买家吃掉）时两条腿一起回滚。
//
// Leg B 失败时把 Leg A 的款项退回买家；退款本身失败属于致命的对账错误。
// 退款和回滚都会把两条腿消耗的授权额度加回去，被拒绝的成交不留下额度损耗。
//
// ============================================================================

const (
	TradeStagePayment  = "PAYMENT"
	TradeStageDelivery = "DELIVERY"
	TradeStageFinalize = "FINALIZE"
	TradeStageRefund   = "REFUND"
	TradeStageUnwind   = "UNWIND"
)

// Settlement 结算所需的账本操作，每次调用是一个独立提交的事务
type Settlement interface {
	SettleLeg(ctx context.Context, initiator, spender model.Account, tokenID uint64, owner, recipient model.Account, amount decimal.Decimal) error
	Compensate(ctx context.Context, grant model.Approval, from model.Account, amount decimal.Decimal) error
}

// PendingTrade 进行中的成交
type PendingTrade struct {
	TradeNo      string          `json:"trade_no"`
	ListingID    uint64          `json:"listing_id"`
	Buyer        model.Account   `json:"buyer"`
	Seller       model.Account   `json:"seller"`
	Amount       decimal.Decimal `json:"amount"`
	PriceTokenID uint64          `json:"price_token_id"`
	TotalPrice   decimal.Decimal `json:"total_price"`
	Stage        string          `json:"stage"`
	StartedAt    time.Time       `json:"started_at"`
}

// TradeReceipt 成交回执
type TradeReceipt struct {
	TradeNo      string          `json:"trade_no"`
	ListingID    uint64          `json:"listing_id"`
	Buyer        model.Account   `json:"buyer"`
	Seller       model.Account   `json:"seller"`
	TokenID      uint64          `json:"token_id"`
	Amount       decimal.Decimal `json:"amount"`
	PriceTokenID uint64          `json:"price_token_id"`
	TotalPrice   decimal.Decimal `json:"total_price"`
	Remaining    decimal.Decimal `json:"remaining"`
	Status       string          `json:"status"`
	SettledAt    time.Time       `json:"settled_at"`
}

// SuspendHook 在 Leg A 提交之后、Leg B 开始之前被调用
type SuspendHook func(ctx context.Context, trade PendingTrade)

type MarketOption func(*MarketService)

func WithSuspendHook(hook SuspendHook) MarketOption {
	return func(s *MarketService) {
		s.suspend = hook
	}
}

type MarketService struct {
	store    *store.Store
	ledger   Settlement
	profiles *ProfileService
	engine   model.Account
	suspend  SuspendHook

	mu      sync.Mutex
	pending map[string]*PendingTrade
}

func NewMarketService(st *store.Store, ledger Settlement, profiles *ProfileService, engine model.Account, opts ...MarketOption) *MarketService {
	s := &MarketService{
		store:    st,
		ledger:   ledger,
		profiles: profiles,
		engine:   engine,
		pending:  make(map[string]*PendingTrade),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EngineAccount 买卖双方需要向该账户授权
func (s *MarketService) EngineAccount() model.Account {
	return s.engine
}

// CreateListing 创建挂单，卖家余额只在创建时检查一次
func (s *MarketService) CreateListing(ctx context.Context, seller model.Account, tokenID uint64, amount decimal.Decimal, priceTokenID uint64, pricePerUnit decimal.Decimal) (uint64, error) {
	if seller.IsAnonymous() {
		return 0, ErrAnonymousNotAllowed
	}
	if seller == s.engine {
		return 0, ErrReservedAccount
	}
	if !validAmount(amount) || !amount.IsPositive() {
		return 0, ErrInvalidAmount
	}
	if !validAmount(pricePerUnit) || !pricePerUnit.IsPositive() {
		return 0, ErrInvalidPrice
	}

	var listingID uint64
	err := s.store.Transaction(ctx, func(tx *store.Tx) error {
		s.profiles.touch(tx, seller)
		if _, ok := tx.Token(tokenID); !ok {
			return ErrTokenNotFound
		}
		if _, ok := tx.Token(priceTokenID); !ok {
			return ErrTokenNotFound
		}
		if tokenID == priceTokenID {
			return ErrInvalidPrice
		}
		if balance := tx.Balance(tokenID, seller); balance.LessThan(amount) {
			return fmt.Errorf("%w: seller=%s balance=%s listed=%s", ErrInsufficientBalance, seller, balance, amount)
		}

		listingID = tx.NextID(model.CounterListing)
		tx.PutListing(model.Listing{
			ID:           listingID,
			TokenID:      tokenID,
			Seller:       seller,
			Amount:       amount,
			PriceTokenID: priceTokenID,
			PricePerUnit: pricePerUnit,
			Status:       model.ListingStatusActive,
			CreatedAt:    tx.Now(),
		})
		tx.Emit(model.EventListingCreated, map[string]interface{}{
			"listing_id":     listingID,
			"token_id":       tokenID,
			"seller":         seller,
			"amount":         amount.String(),
			"price_token_id": priceTokenID,
			"price_per_unit": pricePerUnit.String(),
		})
		return nil
	})
	if err != nil {
		return 0, err
	}

	log.Printf("[MarketService] 挂单创建成功: listingID=%d, seller=%s, tokenID=%d, amount=%s, price=%s",
		listingID, seller, tokenID, amount, pricePerUnit)
	return listingID, nil
}

// Buy 按挂单价格购买 amount 个代币
func (s *MarketService) Buy(ctx context.Context, buyer model.Account, listingID uint64, amount decimal.Decimal) (*TradeReceipt, error) {
	if buyer.IsAnonymous() {
		return nil, ErrAnonymousNotAllowed
	}
	if buyer == s.engine {
		return nil, ErrReservedAccount
	}
	if !validAmount(amount) || !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	// 1. 校验挂单，只读；买家画像随 Leg A 一起提交
	var (
		listing model.Listing
		grants  tradeGrants
		err     error
	)
	s.store.View(func(tx *store.Tx) {
		listing, err = checkFill(tx, listingID, amount)
		if err != nil {
			return
		}
		if listing.Seller == buyer {
			err = ErrSelfTrade
			return
		}
		grants = s.grantsOf(tx, buyer, listing)
	})
	if err != nil {
		return nil, err
	}

	// 2. 计算总价
	totalPrice := amount.Mul(listing.PricePerUnit)
	trade := &PendingTrade{
		TradeNo:      idgen.GenerateTradeNo(),
		ListingID:    listingID,
		Buyer:        buyer,
		Seller:       listing.Seller,
		Amount:       amount,
		PriceTokenID: listing.PriceTokenID,
		TotalPrice:   totalPrice,
		Stage:        TradeStagePayment,
		StartedAt:    time.Now(),
	}
	s.track(trade)
	defer s.untrack(trade.TradeNo)

	// 3. Leg A：买家付款
	if err := s.ledger.SettleLeg(ctx, buyer, s.engine, listing.PriceTokenID, buyer, listing.Seller, totalPrice); err != nil {
		log.Printf("[MarketService] 付款失败: tradeNo=%s, listingID=%d, buyer=%s, err=%v", trade.TradeNo, listingID, buyer, err)
		return nil, fmt.Errorf("%w: %w", ErrPaymentFailed, err)
	}

	// Leg A 已经提交，之后无论调用方是否取消都必须走完
	ctx = context.WithoutCancel(ctx)

	// 4. 挂起点
	s.setStage(trade, TradeStageDelivery)
	if s.suspend != nil {
		s.suspend(ctx, *trade)
	}

	// 5. Leg B：卖家交割
	if legErr := s.ledger.SettleLeg(ctx, buyer, s.engine, listing.TokenID, listing.Seller, buyer, amount); legErr != nil {
		log.Printf("[MarketService] 交割失败，开始退款: tradeNo=%s, listingID=%d, err=%v", trade.TradeNo, listingID, legErr)
		s.setStage(trade, TradeStageRefund)
		if refundErr := s.ledger.Compensate(ctx, grants.payment, listing.Seller, totalPrice); refundErr != nil {
			return nil, s.reconcile(ctx, trade, TradeStageRefund, legErr, refundErr)
		}
		s.recordUnwound(ctx, trade, legErr)
		return nil, fmt.Errorf("%w: %w", ErrTokenTransferFailed, legErr)
	}

	// 6. 按实时状态收尾
	s.setStage(trade, TradeStageFinalize)
	receipt, liveErr, err := s.finalize(ctx, trade, listing, grants)
	if err != nil {
		return nil, s.reconcile(ctx, trade, TradeStageUnwind, liveErr, err)
	}
	if liveErr != nil {
		log.Printf("[MarketService] 挂单状态已变化，成交回滚: tradeNo=%s, listingID=%d, err=%v", trade.TradeNo, listingID, liveErr)
		return nil, liveErr
	}

	log.Printf("[MarketService] 成交: tradeNo=%s, listingID=%d, buyer=%s, seller=%s, amount=%s, totalPrice=%s, remaining=%s",
		trade.TradeNo, listingID, buyer, listing.Seller, amount, totalPrice, receipt.Remaining)
	return receipt, nil
}

// checkFill 读取实时挂单并确认它还能承接 amount
func checkFill(tx *store.Tx, listingID uint64, amount decimal.Decimal) (model.Listing, error) {
	listing, ok := tx.Listing(listingID)
	if !ok {
		return listing, ErrListingNotFound
	}
	if !listing.IsActive() {
		return listing, ErrListingInactive
	}
	if listing.Amount.LessThan(amount) {
		return listing, fmt.Errorf("%w: remaining=%s want=%s", ErrInsufficientListedAmount, listing.Amount, amount)
	}
	return listing, nil
}

// tradeGrants 两条腿使用的授权，补偿时按它们恢复额度
type tradeGrants struct {
	payment  model.Approval
	delivery model.Approval
}

func (s *MarketService) grantsOf(tx *store.Tx, buyer model.Account, listing model.Listing) tradeGrants {
	grant := func(tokenID uint64, owner model.Account) model.Approval {
		g := model.Approval{TokenID: tokenID, Owner: owner, Spender: s.engine}
		if a, ok := tx.Approval(tokenID, owner, s.engine); ok {
			g.ExpiresAt = a.ExpiresAt
		}
		return g
	}
	return tradeGrants{
		payment:  grant(listing.PriceTokenID, buyer),
		delivery: grant(listing.TokenID, listing.Seller),
	}
}

// finalize 扣减挂单剩余数量
// 挂单已经无法承接时在同一个事务里反向执行两条腿并加回额度，返回 liveErr；
// 反向划转失败时事务整体回滚并返回 err
func (s *MarketService) finalize(ctx context.Context, trade *PendingTrade, listing model.Listing, grants tradeGrants) (receipt *TradeReceipt, liveErr error, err error) {
	err = s.store.Transaction(ctx, func(tx *store.Tx) error {
		live, checkErr := checkFill(tx, trade.ListingID, trade.Amount)
		if checkErr != nil {
			liveErr = checkErr
			if err := moveBalance(tx, listing.TokenID, trade.Buyer, trade.Seller, trade.Amount); err != nil {
				return err
			}
			if err := moveBalance(tx, trade.PriceTokenID, trade.Seller, trade.Buyer, trade.TotalPrice); err != nil {
				return err
			}
			if err := restoreAllowance(tx, grants.delivery, trade.Amount); err != nil {
				return err
			}
			if err := restoreAllowance(tx, grants.payment, trade.TotalPrice); err != nil {
				return err
			}
			tx.Emit(model.EventTradeUnwound, map[string]interface{}{
				"trade_no":   trade.TradeNo,
				"listing_id": trade.ListingID,
				"buyer":      trade.Buyer,
				"seller":     trade.Seller,
				"reason":     checkErr.Error(),
			})
			return nil
		}

		live.Amount = live.Amount.Sub(trade.Amount)
		target := model.ListingStatusActive
		if live.Amount.IsZero() {
			target = model.ListingStatusFilled
		}
		if !model.CanTransitionTo(live.Status, target) {
			return fmt.Errorf("listing %d: %s -> %s", live.ID, live.Status, target)
		}
		live.Status = target
		tx.PutListing(live)

		receipt = &TradeReceipt{
			TradeNo:      trade.TradeNo,
			ListingID:    live.ID,
			Buyer:        trade.Buyer,
			Seller:       trade.Seller,
			TokenID:      live.TokenID,
			Amount:       trade.Amount,
			PriceTokenID: trade.PriceTokenID,
			TotalPrice:   trade.TotalPrice,
			Remaining:    live.Amount,
			Status:       live.Status,
			SettledAt:    tx.Now(),
		}
		tx.Emit(model.EventTradeSettled, map[string]interface{}{
			"trade_no":       trade.TradeNo,
			"listing_id":     live.ID,
			"buyer":          trade.Buyer,
			"seller":         trade.Seller,
			"token_id":       live.TokenID,
			"amount":         trade.Amount.String(),
			"price_token_id": trade.PriceTokenID,
			"total_price":    trade.TotalPrice.String(),
			"remaining":      live.Amount.String(),
			"status":         live.Status,
		})
		return nil
	})
	if err != nil {
		return nil, liveErr, err
	}
	return receipt, liveErr, nil
}

// reconcile 补偿失败：记录并发出事件，返回致命错误
func (s *MarketService) reconcile(ctx context.Context, trade *PendingTrade, stage string, legErr, cause error) error {
	recErr := &ReconciliationError{
		TradeNo:   trade.TradeNo,
		ListingID: trade.ListingID,
		Buyer:     trade.Buyer,
		Seller:    trade.Seller,
		Stage:     stage,
		Amount:    trade.TotalPrice,
		Cause:     cause,
		LegError:  legErr,
	}
	log.Printf("[MarketService] 严重错误，需要人工对账: %v", recErr)

	err := s.store.Transaction(ctx, func(tx *store.Tx) error {
		tx.Emit(model.EventReconciliation, map[string]interface{}{
			"trade_no":       trade.TradeNo,
			"listing_id":     trade.ListingID,
			"buyer":          trade.Buyer,
			"seller":         trade.Seller,
			"stage":          stage,
			"price_token_id": trade.PriceTokenID,
			"total_price":    trade.TotalPrice.String(),
			"error":          recErr.Error(),
		})
		return nil
	})
	if err != nil {
		log.Printf("[MarketService] 记录对账事件失败: tradeNo=%s, err=%v", trade.TradeNo, err)
	}
	return recErr
}

func (s *MarketService) recordUnwound(ctx context.Context, trade *PendingTrade, legErr error) {
	err := s.store.Transaction(ctx, func(tx *store.Tx) error {
		tx.Emit(model.EventTradeUnwound, map[string]interface{}{
			"trade_no":   trade.TradeNo,
			"listing_id": trade.ListingID,
			"buyer":      trade.Buyer,
			"seller":     trade.Seller,
			"reason":     legErr.Error(),
		})
		return nil
	})
	if err != nil {
		log.Printf("[MarketService] 记录回滚事件失败: tradeNo=%s, err=%v", trade.TradeNo, err)
	}
}

// CancelListing 卖家取消挂单，无论剩余多少都直接进入 CANCELLED
func (s *MarketService) CancelListing(ctx context.Context, caller model.Account, listingID uint64) error {
	if caller.IsAnonymous() {
		return ErrAnonymousNotAllowed
	}
	if caller == s.engine {
		return ErrReservedAccount
	}

	err := s.store.Transaction(ctx, func(tx *store.Tx) error {
		s.profiles.touch(tx, caller)
		listing, ok := tx.Listing(listingID)
		if !ok {
			return ErrListingNotFound
		}
		if listing.Seller != caller {
			return ErrNotSeller
		}
		if !model.CanTransitionTo(listing.Status, model.ListingStatusCancelled) {
			return ErrListingInactive
		}
		listing.Status = model.ListingStatusCancelled
		tx.PutListing(listing)

		tx.Emit(model.EventListingCancelled, map[string]interface{}{
			"listing_id": listingID,
			"seller":     caller,
			"remaining":  listing.Amount.String(),
		})
		return nil
	})
	if err != nil {
		return err
	}

	log.Printf("[MarketService] 挂单已取消: listingID=%d, seller=%s", listingID, caller)
	return nil
}

func (s *MarketService) GetListing(ctx context.Context, listingID uint64) (*model.Listing, bool) {
	var (
		listing model.Listing
		ok      bool
	)
	s.store.View(func(tx *store.Tx) {
		listing, ok = tx.Listing(listingID)
	})
	if !ok {
		return nil, false
	}
	return &listing, true
}

// ListingFilter 挂单查询条件，零值表示不过滤
type ListingFilter struct {
	Seller     model.Account
	TokenID    uint64
	ActiveOnly bool
}

func (s *MarketService) ListListings(ctx context.Context, filter ListingFilter) []model.Listing {
	var candidates []model.Listing
	s.store.View(func(tx *store.Tx) {
		if filter.Seller != "" {
			candidates = tx.ListingsBySeller(filter.Seller)
		} else {
			candidates = tx.Listings()
		}
	})

	result := make([]model.Listing, 0, len(candidates))
	for _, l := range candidates {
		if filter.TokenID != 0 && l.TokenID != filter.TokenID {
			continue
		}
		if filter.ActiveOnly && !l.IsActive() {
			continue
		}
		result = append(result, l)
	}
	return result
}

// PendingTrades 返回开始时间早于 olderThan 之前的进行中成交，按开始时间排序
func (s *MarketService) PendingTrades(olderThan time.Duration) []PendingTrade {
	cutoff := time.Now().Add(-olderThan)

	s.mu.Lock()
	defer s.mu.Unlock()

	trades := make([]PendingTrade, 0, len(s.pending))
	for _, t := range s.pending {
		if !t.StartedAt.After(cutoff) {
			trades = append(trades, *t)
		}
	}
	sort.Slice(trades, func(i, j int) bool { return trades[i].StartedAt.Before(trades[j].StartedAt) })
	return trades
}

func (s *MarketService) track(trade *PendingTrade) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[trade.TradeNo] = trade
}

func (s *MarketService) untrack(tradeNo string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, tradeNo)
}

func (s *MarketService) setStage(trade *PendingTrade, stage string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	trade.Stage = stage
}
