package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"tokenmarket/internal/model"
	"tokenmarket/internal/store"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// market 场景：alice 持有 ALP，bob 持有 BET，双方都已向撮合账户授权
type market struct {
	*fixture
	alp     uint64
	beta    uint64
	listing uint64
}

func newMarket(t *testing.T, opts ...MarketOption) *market {
	t.Helper()
	ctx := context.Background()
	f := newFixture(t, OpenPlatform(), opts...)
	m := &market{fixture: f}

	m.alp = f.mint(t, "alice", "Alpha", "ALP", 1000000)
	m.beta = f.mint(t, "bob", "Beta", "BET", 500)

	var err error
	m.listing, err = f.market.CreateListing(ctx, "alice", m.alp, d(100), m.beta, d(2))
	require.NoError(t, err)

	require.NoError(t, f.ledger.Approve(ctx, "bob", m.beta, engine, d(200), nil))
	require.NoError(t, f.ledger.Approve(ctx, "alice", m.alp, engine, d(100), nil))
	return m
}

func (m *market) requireListing(t *testing.T, amount int64, status string) {
	t.Helper()
	l, ok := m.market.GetListing(context.Background(), m.listing)
	require.True(t, ok)
	require.True(t, l.Amount.Equal(d(amount)), "listing amount: got %s want %d", l.Amount, amount)
	require.Equal(t, status, l.Status)
}

func TestBuyAlphaBetaScenario(t *testing.T) {
	m := newMarket(t)

	receipt, err := m.market.Buy(context.Background(), "bob", m.listing, d(50))
	require.NoError(t, err)

	m.requireListing(t, 50, model.ListingStatusActive)
	m.requireBalance(t, m.alp, "bob", 50)
	m.requireBalance(t, m.beta, "bob", 400)
	m.requireBalance(t, m.beta, "alice", 100)
	m.requireBalance(t, m.alp, "alice", 999950)

	assert.True(t, receipt.TotalPrice.Equal(d(100)))
	assert.True(t, receipt.Remaining.Equal(d(50)))
	assert.Equal(t, model.ListingStatusActive, receipt.Status)
	assert.NotEmpty(t, receipt.TradeNo)

	m.requireAllowance(t, m.beta, "bob", engine, 100)
	m.requireAllowance(t, m.alp, "alice", engine, 50)
	assert.Contains(t, m.sink.types(), model.EventTradeSettled)
	assert.NoError(t, m.store.CheckConservation())
	assert.Empty(t, m.market.PendingTrades(0))
}

func TestBuyPreservesPairTotals(t *testing.T) {
	m := newMarket(t)
	sum := func(tokenID uint64) decimal.Decimal {
		return m.balance(t, tokenID, "alice").Add(m.balance(t, tokenID, "bob"))
	}
	alpBefore, betaBefore := sum(m.alp), sum(m.beta)

	_, err := m.market.Buy(context.Background(), "bob", m.listing, d(30))
	require.NoError(t, err)

	assert.True(t, sum(m.alp).Equal(alpBefore))
	assert.True(t, sum(m.beta).Equal(betaBefore))
}

func TestBuyFillsListing(t *testing.T) {
	m := newMarket(t)
	ctx := context.Background()

	_, err := m.market.Buy(ctx, "bob", m.listing, d(60))
	require.NoError(t, err)
	receipt, err := m.market.Buy(ctx, "bob", m.listing, d(40))
	require.NoError(t, err)
	assert.Equal(t, model.ListingStatusFilled, receipt.Status)
	m.requireListing(t, 0, model.ListingStatusFilled)

	_, err = m.market.Buy(ctx, "bob", m.listing, d(1))
	assert.ErrorIs(t, err, ErrListingInactive)
	assert.ErrorIs(t, m.market.CancelListing(ctx, "alice", m.listing), ErrListingInactive)
}

func TestBuyValidation(t *testing.T) {
	m := newMarket(t)
	ctx := context.Background()
	before := m.ledgerState()

	_, err := m.market.Buy(ctx, "bob", 99, d(1))
	assert.ErrorIs(t, err, ErrListingNotFound)
	_, err = m.market.Buy(ctx, "bob", m.listing, d(101))
	assert.ErrorIs(t, err, ErrInsufficientListedAmount)
	_, err = m.market.Buy(ctx, "bob", m.listing, d(0))
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = m.market.Buy(ctx, "alice", m.listing, d(1))
	assert.ErrorIs(t, err, ErrSelfTrade)
	_, err = m.market.Buy(ctx, model.AnonymousAccount, m.listing, d(1))
	assert.ErrorIs(t, err, ErrAnonymousNotAllowed)

	assert.Equal(t, before, m.ledgerState())
}

func TestBuyPaymentFailureChangesNothing(t *testing.T) {
	m := newMarket(t)
	ctx := context.Background()
	// carol 有钱但没有授权
	require.NoError(t, m.ledger.Transfer(ctx, "bob", m.beta, "carol", d(100)))
	before := m.ledgerState()

	_, err := m.market.Buy(ctx, "carol", m.listing, d(10))
	assert.ErrorIs(t, err, ErrPaymentFailed)
	assert.ErrorIs(t, err, ErrInsufficientAllowance)
	assert.False(t, IsFatal(err))
	assert.Equal(t, before, m.ledgerState())
	// 付款被拒绝时买家画像也不落库
	_, found := m.profiles.GetProfile(ctx, "carol")
	assert.False(t, found)

	// 授权够但余额不够
	require.NoError(t, m.ledger.Approve(ctx, "carol", m.beta, engine, d(1000), nil))
	_, err = m.market.Buy(ctx, "carol", m.listing, d(60))
	assert.ErrorIs(t, err, ErrPaymentFailed)
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	m.requireBalance(t, m.beta, "carol", 100)
	m.requireListing(t, 100, model.ListingStatusActive)
}

func TestBuyDeliveryFailureRefundsBuyer(t *testing.T) {
	m := newMarket(t)
	ctx := context.Background()
	// 卖家撤销了授权
	require.NoError(t, m.ledger.Approve(ctx, "alice", m.alp, engine, d(0), nil))
	sellerBefore, _ := m.profiles.GetProfile(ctx, "alice")
	m.clock.Advance(time.Minute)

	_, err := m.market.Buy(ctx, "bob", m.listing, d(50))
	assert.ErrorIs(t, err, ErrTokenTransferFailed)
	assert.False(t, IsFatal(err))

	m.requireBalance(t, m.beta, "bob", 500)
	m.requireBalance(t, m.beta, "alice", 0)
	m.requireBalance(t, m.alp, "bob", 0)
	m.requireAllowance(t, m.beta, "bob", engine, 200)
	// 退款是系统动作，不刷新卖家的活跃时间
	sellerAfter, _ := m.profiles.GetProfile(ctx, "alice")
	assert.True(t, sellerBefore.LastActive.Equal(sellerAfter.LastActive))
	m.requireListing(t, 100, model.ListingStatusActive)
	assert.Contains(t, m.sink.types(), model.EventTradeUnwound)
	assert.NoError(t, m.store.CheckConservation())
}

func TestBuyAgainstStaleListingFails(t *testing.T) {
	f := newFixture(t, OpenPlatform())
	ctx := context.Background()
	alp := f.mint(t, "alice", "Alpha", "ALP", 1000)
	beta := f.mint(t, "bob", "Beta", "BET", 5000)

	listingID, err := f.market.CreateListing(ctx, "alice", alp, d(1000), beta, d(1))
	require.NoError(t, err)
	require.NoError(t, f.ledger.Approve(ctx, "alice", alp, engine, d(1000), nil))
	require.NoError(t, f.ledger.Approve(ctx, "bob", beta, engine, d(5000), nil))

	// 创建挂单之后卖家把大部分余额转走，挂单不会重新校验
	require.NoError(t, f.ledger.Transfer(ctx, "alice", alp, "carol", d(900)))

	_, err = f.market.Buy(ctx, "bob", listingID, d(500))
	assert.ErrorIs(t, err, ErrTokenTransferFailed)
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	f.requireBalance(t, beta, "bob", 5000)
	f.requireBalance(t, alp, "alice", 100)

	// 余额覆盖范围内的购买仍然成功
	_, err = f.market.Buy(ctx, "bob", listingID, d(100))
	require.NoError(t, err)
	f.requireBalance(t, alp, "bob", 100)
	assert.NoError(t, f.store.CheckConservation())
}

// failingSettlement 真实账本之上注入故障：卖家交割失败、退款失败
type failingSettlement struct {
	ledger       *LedgerService
	failDelivery bool
	failRefund   bool
}

var errInjected = errors.New("injected failure")

func (s *failingSettlement) SettleLeg(ctx context.Context, initiator, spender model.Account, tokenID uint64, owner, recipient model.Account, amount decimal.Decimal) error {
	if s.failDelivery && owner == "alice" {
		return errInjected
	}
	return s.ledger.SettleLeg(ctx, initiator, spender, tokenID, owner, recipient, amount)
}

func (s *failingSettlement) Compensate(ctx context.Context, grant model.Approval, from model.Account, amount decimal.Decimal) error {
	if s.failRefund {
		return errInjected
	}
	return s.ledger.Compensate(ctx, grant, from, amount)
}

func TestBuyRefundFailureIsFatal(t *testing.T) {
	m := newMarket(t)
	m.market = NewMarketService(m.store, &failingSettlement{ledger: m.ledger, failDelivery: true, failRefund: true}, m.profiles, engine)

	_, err := m.market.Buy(context.Background(), "bob", m.listing, d(50))
	require.Error(t, err)
	assert.True(t, IsFatal(err))
	assert.ErrorIs(t, err, ErrReconciliationFailed)
	assert.ErrorIs(t, err, errInjected)

	var recErr *ReconciliationError
	require.ErrorAs(t, err, &recErr)
	assert.Equal(t, TradeStageRefund, recErr.Stage)
	assert.Equal(t, model.Account("bob"), recErr.Buyer)
	assert.Equal(t, model.Account("alice"), recErr.Seller)
	assert.True(t, recErr.Amount.Equal(d(100)))
	assert.NotEmpty(t, recErr.TradeNo)
	assert.Contains(t, m.sink.types(), model.EventReconciliation)

	// 致命错误只影响本次调用：Leg A 已生效，其余状态保持一致
	m.requireBalance(t, m.beta, "bob", 400)
	m.requireBalance(t, m.beta, "alice", 100)
	m.requireListing(t, 100, model.ListingStatusActive)
	assert.NoError(t, m.store.CheckConservation())
	assert.Empty(t, m.market.PendingTrades(0))
}

func TestBuyRefundSucceedsWithInjectedDeliveryFailure(t *testing.T) {
	m := newMarket(t)
	m.market = NewMarketService(m.store, &failingSettlement{ledger: m.ledger, failDelivery: true}, m.profiles, engine)

	_, err := m.market.Buy(context.Background(), "bob", m.listing, d(50))
	assert.ErrorIs(t, err, ErrTokenTransferFailed)
	assert.ErrorIs(t, err, errInjected)
	m.requireBalance(t, m.beta, "bob", 500)
}

func TestBuyUnwindsWhenListingCancelledDuringSuspension(t *testing.T) {
	var m *market
	hook := func(ctx context.Context, trade PendingTrade) {
		require.NoError(t, m.market.CancelListing(ctx, "alice", trade.ListingID))
	}
	m = newMarket(t, WithSuspendHook(hook))

	_, err := m.market.Buy(context.Background(), "bob", m.listing, d(50))
	assert.ErrorIs(t, err, ErrListingInactive)
	assert.False(t, IsFatal(err))

	m.requireBalance(t, m.beta, "bob", 500)
	m.requireBalance(t, m.beta, "alice", 0)
	m.requireBalance(t, m.alp, "bob", 0)
	m.requireBalance(t, m.alp, "alice", 1000000)
	m.requireAllowance(t, m.beta, "bob", engine, 200)
	m.requireAllowance(t, m.alp, "alice", engine, 100)
	m.requireListing(t, 100, model.ListingStatusCancelled)
	assert.Contains(t, m.sink.types(), model.EventTradeUnwound)
	assert.NoError(t, m.store.CheckConservation())
}

func TestBuyRevalidatesAfterConcurrentFill(t *testing.T) {
	var (
		m        *market
		innerErr error
		nested   bool
	)
	hook := func(ctx context.Context, trade PendingTrade) {
		if nested {
			return
		}
		nested = true
		// 挂起期间另一个买家把剩余数量全部买走
		_, innerErr = m.market.Buy(ctx, "carol", trade.ListingID, d(100))
	}
	m = newMarket(t, WithSuspendHook(hook))
	ctx := context.Background()
	require.NoError(t, m.ledger.Transfer(ctx, "bob", m.beta, "carol", d(300)))
	require.NoError(t, m.ledger.Approve(ctx, "carol", m.beta, engine, d(200), nil))
	require.NoError(t, m.ledger.Approve(ctx, "alice", m.alp, engine, d(200), nil))

	_, err := m.market.Buy(ctx, "bob", m.listing, d(50))
	require.NoError(t, innerErr)
	assert.ErrorIs(t, err, ErrListingInactive)

	m.requireListing(t, 0, model.ListingStatusFilled)
	m.requireBalance(t, m.alp, "carol", 100)
	m.requireBalance(t, m.alp, "bob", 0)
	m.requireBalance(t, m.beta, "bob", 200)
	m.requireBalance(t, m.beta, "carol", 100)
	m.requireBalance(t, m.beta, "alice", 200)
	// carol 的成交消耗了额度，bob 被回滚的成交没有
	m.requireAllowance(t, m.beta, "bob", engine, 200)
	m.requireAllowance(t, m.beta, "carol", engine, 0)
	m.requireAllowance(t, m.alp, "alice", engine, 100)
	assert.NoError(t, m.store.CheckConservation())
}

func TestBuyUnwindRestoresExhaustedGrant(t *testing.T) {
	var m *market
	expires := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	m = newMarket(t, WithSuspendHook(func(ctx context.Context, trade PendingTrade) {
		require.NoError(t, m.market.CancelListing(ctx, "alice", trade.ListingID))
	}))
	ctx := context.Background()
	// 额度正好用完，记录在 Leg A 之后被删除
	require.NoError(t, m.ledger.Approve(ctx, "bob", m.beta, engine, d(20), &expires))

	_, err := m.market.Buy(ctx, "bob", m.listing, d(10))
	assert.ErrorIs(t, err, ErrListingInactive)

	m.requireAllowance(t, m.beta, "bob", engine, 20)
	m.store.View(func(tx *store.Tx) {
		a, ok := tx.Approval(m.beta, "bob", engine)
		require.True(t, ok)
		require.NotNil(t, a.ExpiresAt)
		assert.True(t, a.ExpiresAt.Equal(expires))
	})
}

func TestReservedEngineAccount(t *testing.T) {
	m := newMarket(t)
	ctx := context.Background()

	_, err := m.market.Buy(ctx, engine, m.listing, d(1))
	assert.ErrorIs(t, err, ErrReservedAccount)
	_, err = m.market.CreateListing(ctx, engine, m.alp, d(1), m.beta, d(1))
	assert.ErrorIs(t, err, ErrReservedAccount)
	assert.ErrorIs(t, m.market.CancelListing(ctx, engine, m.listing), ErrReservedAccount)
}

func TestBuyCompletesAfterCallerCancels(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := newMarket(t, WithSuspendHook(func(context.Context, PendingTrade) { cancel() }))
	receipt, err := m.market.Buy(ctx, "bob", m.listing, d(10))
	require.NoError(t, err)
	assert.True(t, receipt.Remaining.Equal(d(90)))
	m.requireBalance(t, m.alp, "bob", 10)
}

func TestPendingTradesVisibleDuringSuspension(t *testing.T) {
	var (
		m       *market
		pending []PendingTrade
	)
	m = newMarket(t, WithSuspendHook(func(context.Context, PendingTrade) {
		pending = m.market.PendingTrades(0)
	}))

	_, err := m.market.Buy(context.Background(), "bob", m.listing, d(5))
	require.NoError(t, err)

	require.Len(t, pending, 1)
	assert.Equal(t, TradeStageDelivery, pending[0].Stage)
	assert.Equal(t, model.Account("bob"), pending[0].Buyer)
	assert.True(t, pending[0].TotalPrice.Equal(d(10)))
	assert.Empty(t, m.market.PendingTrades(0))
	assert.Empty(t, m.market.PendingTrades(time.Hour))
}

func TestCancelListing(t *testing.T) {
	m := newMarket(t)
	ctx := context.Background()
	_, err := m.market.Buy(ctx, "bob", m.listing, d(10))
	require.NoError(t, err)

	assert.ErrorIs(t, m.market.CancelListing(ctx, "bob", m.listing), ErrNotSeller)
	m.requireListing(t, 90, model.ListingStatusActive)

	require.NoError(t, m.market.CancelListing(ctx, "alice", m.listing))
	m.requireListing(t, 90, model.ListingStatusCancelled)

	assert.ErrorIs(t, m.market.CancelListing(ctx, "alice", m.listing), ErrListingInactive)
	_, err = m.market.Buy(ctx, "bob", m.listing, d(1))
	assert.ErrorIs(t, err, ErrListingInactive)

	assert.ErrorIs(t, m.market.CancelListing(ctx, "alice", 99), ErrListingNotFound)
	assert.ErrorIs(t, m.market.CancelListing(ctx, "", m.listing), ErrAnonymousNotAllowed)
	assert.Contains(t, m.sink.types(), model.EventListingCancelled)
}

func TestCreateListingValidation(t *testing.T) {
	f := newFixture(t, OpenPlatform())
	ctx := context.Background()
	alp := f.mint(t, "alice", "Alpha", "ALP", 1000)
	beta := f.mint(t, "bob", "Beta", "BET", 1000)
	before := f.store.Export()

	cases := []struct {
		name    string
		seller  model.Account
		token   uint64
		amount  decimal.Decimal
		priceID uint64
		price   decimal.Decimal
		want    error
	}{
		{"anonymous", model.AnonymousAccount, alp, d(1), beta, d(1), ErrAnonymousNotAllowed},
		{"zero amount", "alice", alp, d(0), beta, d(1), ErrInvalidAmount},
		{"zero price", "alice", alp, d(1), beta, d(0), ErrInvalidPrice},
		{"fractional price", "alice", alp, d(1), beta, decimal.RequireFromString("0.5"), ErrInvalidPrice},
		{"unknown token", "alice", 99, d(1), beta, d(1), ErrTokenNotFound},
		{"unknown price token", "alice", alp, d(1), 99, d(1), ErrTokenNotFound},
		{"priced in itself", "alice", alp, d(1), alp, d(1), ErrInvalidPrice},
		{"over balance", "alice", alp, d(1001), beta, d(1), ErrInsufficientBalance},
		{"no balance", "carol", alp, d(1), beta, d(1), ErrInsufficientBalance},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.market.CreateListing(ctx, tc.seller, tc.token, tc.amount, tc.priceID, tc.price)
			assert.ErrorIs(t, err, tc.want)
			assert.Equal(t, before, f.store.Export())
		})
	}

	id, err := f.market.CreateListing(ctx, "alice", alp, d(1000), beta, d(3))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), id)
	// 挂单不冻结余额
	f.requireBalance(t, alp, "alice", 1000)
}

func TestListListings(t *testing.T) {
	m := newMarket(t)
	ctx := context.Background()

	second, err := m.market.CreateListing(ctx, "bob", m.beta, d(10), m.alp, d(1))
	require.NoError(t, err)
	third, err := m.market.CreateListing(ctx, "alice", m.alp, d(5), m.beta, d(1))
	require.NoError(t, err)
	require.NoError(t, m.market.CancelListing(ctx, "alice", third))

	assert.Len(t, m.market.ListListings(ctx, ListingFilter{}), 3)

	byAlice := m.market.ListListings(ctx, ListingFilter{Seller: "alice"})
	require.Len(t, byAlice, 2)
	assert.Equal(t, m.listing, byAlice[0].ID)
	assert.Equal(t, third, byAlice[1].ID)

	active := m.market.ListListings(ctx, ListingFilter{Seller: "alice", ActiveOnly: true})
	require.Len(t, active, 1)
	assert.Equal(t, m.listing, active[0].ID)

	byToken := m.market.ListListings(ctx, ListingFilter{TokenID: m.beta})
	require.Len(t, byToken, 1)
	assert.Equal(t, second, byToken[0].ID)

	assert.Empty(t, m.market.ListListings(ctx, ListingFilter{Seller: "nobody"}))
}

func TestMarketConservationAcrossSequence(t *testing.T) {
	m := newMarket(t)
	ctx := context.Background()

	steps := []func() error{
		func() error { _, err := m.market.Buy(ctx, "bob", m.listing, d(20)); return err },
		func() error { return m.ledger.Transfer(ctx, "bob", m.alp, "carol", d(5)) },
		func() error { _, err := m.market.Buy(ctx, "bob", m.listing, d(500)); return err },
		func() error { return m.ledger.Approve(ctx, "alice", m.alp, engine, d(0), nil) },
		func() error { _, err := m.market.Buy(ctx, "bob", m.listing, d(10)); return err },
		func() error { return m.market.CancelListing(ctx, "alice", m.listing) },
	}
	for _, step := range steps {
		_ = step()
		require.NoError(t, m.store.CheckConservation())
	}
	m.requireBalance(t, m.beta, "bob", 460)
	m.requireBalance(t, m.alp, "bob", 15)
}
