package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"tokenmarket/internal/model"
	"tokenmarket/internal/store"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

const engine = model.Account("marketplace")

type recordingSink struct {
	mu     sync.Mutex
	events []model.LedgerEvent
}

func (r *recordingSink) Publish(_ context.Context, events []model.LedgerEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events...)
}

func (r *recordingSink) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]string, 0, len(r.events))
	for _, e := range r.events {
		types = append(types, e.Type)
	}
	return types
}

// testClock 可手动推进的时钟
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	clock    *testClock
	sink     *recordingSink
	store    *store.Store
	profiles *ProfileService
	tokens   *TokenService
	ledger   *LedgerService
	market   *MarketService
}

func newFixture(t *testing.T, policy CreatePolicy, opts ...MarketOption) *fixture {
	t.Helper()
	f := &fixture{clock: newTestClock(), sink: &recordingSink{}}
	f.store = store.New(store.WithClock(f.clock.Now), store.WithEventSink(f.sink))
	f.profiles = NewProfileService(f.store, AdminAllowList([]string{"root"}), policy)
	f.tokens = NewTokenService(f.store, f.profiles, nil)
	f.ledger = NewLedgerService(f.store, f.profiles, engine)
	f.market = NewMarketService(f.store, f.ledger, f.profiles, engine, opts...)
	return f
}

func d(v int64) decimal.Decimal {
	return decimal.NewFromInt(v)
}

func (f *fixture) mint(t *testing.T, owner model.Account, name, symbol string, supply int64) uint64 {
	t.Helper()
	id, err := f.tokens.CreateToken(context.Background(), owner, &CreateTokenRequest{
		Name:          name,
		Symbol:        symbol,
		InitialSupply: d(supply),
		Decimals:      8,
	})
	require.NoError(t, err)
	return id
}

func (f *fixture) balance(t *testing.T, tokenID uint64, account model.Account) decimal.Decimal {
	t.Helper()
	b, ok := f.ledger.BalanceOf(context.Background(), tokenID, account)
	require.True(t, ok)
	return b
}

func (f *fixture) requireBalance(t *testing.T, tokenID uint64, account model.Account, want int64) {
	t.Helper()
	got := f.balance(t, tokenID, account)
	require.True(t, got.Equal(d(want)), "balance token=%d account=%s: got %s want %d", tokenID, account, got, want)
}

func (f *fixture) requireAllowance(t *testing.T, tokenID uint64, owner, spender model.Account, want int64) {
	t.Helper()
	got := f.ledger.Allowance(context.Background(), tokenID, owner, spender)
	require.True(t, got.Equal(d(want)), "allowance token=%d %s->%s: got %s want %d", tokenID, owner, spender, got, want)
}

// ledgerState 余额、授权、挂单，不含用户画像的活跃时间
type ledgerState struct {
	Balances  []model.Balance
	Approvals []model.Approval
	Listings  []model.Listing
}

func (f *fixture) ledgerState() ledgerState {
	snap := f.store.Export()
	return ledgerState{Balances: snap.Balances, Approvals: snap.Approvals, Listings: snap.Listings}
}
