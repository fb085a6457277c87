package store

import (
	"fmt"
	"sort"

	"tokenmarket/internal/model"

	"github.com/shopspring/decimal"
)

// Snapshot 某一时刻的主数据，不包含任何派生索引
type Snapshot struct {
	Tokens    []model.Token       `json:"tokens"`
	Balances  []model.Balance     `json:"balances"`
	Approvals []model.Approval    `json:"approvals"`
	Listings  []model.Listing     `json:"listings"`
	Profiles  []model.UserProfile `json:"profiles"`
	Counters  []model.Counter     `json:"counters"`
}

// Export 导出规范化快照，所有集合按主键排序，相同状态总是得到相同快照
func (s *Store) Export() *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := &Snapshot{
		Tokens:    make([]model.Token, 0, len(s.tokens)),
		Balances:  make([]model.Balance, 0, len(s.balances)),
		Approvals: make([]model.Approval, 0, len(s.approvals)),
		Listings:  make([]model.Listing, 0, len(s.listings)),
		Profiles:  make([]model.UserProfile, 0, len(s.profiles)),
		Counters:  make([]model.Counter, 0, len(s.counters)),
	}

	for _, t := range s.tokens {
		snap.Tokens = append(snap.Tokens, t)
	}
	for k, amount := range s.balances {
		snap.Balances = append(snap.Balances, model.Balance{TokenID: k.tokenID, Account: k.account, Amount: amount})
	}
	for _, a := range s.approvals {
		snap.Approvals = append(snap.Approvals, a)
	}
	for _, l := range s.listings {
		snap.Listings = append(snap.Listings, l)
	}
	for _, p := range s.profiles {
		snap.Profiles = append(snap.Profiles, p)
	}
	for name, next := range s.counters {
		snap.Counters = append(snap.Counters, model.Counter{Name: name, Next: next})
	}

	sort.Slice(snap.Tokens, func(i, j int) bool { return snap.Tokens[i].ID < snap.Tokens[j].ID })
	sort.Slice(snap.Balances, func(i, j int) bool {
		a, b := snap.Balances[i], snap.Balances[j]
		if a.TokenID != b.TokenID {
			return a.TokenID < b.TokenID
		}
		return a.Account < b.Account
	})
	sort.Slice(snap.Approvals, func(i, j int) bool {
		a, b := snap.Approvals[i], snap.Approvals[j]
		if a.TokenID != b.TokenID {
			return a.TokenID < b.TokenID
		}
		if a.Owner != b.Owner {
			return a.Owner < b.Owner
		}
		return a.Spender < b.Spender
	})
	sort.Slice(snap.Listings, func(i, j int) bool { return snap.Listings[i].ID < snap.Listings[j].ID })
	sort.Slice(snap.Profiles, func(i, j int) bool { return snap.Profiles[i].Account < snap.Profiles[j].Account })
	sort.Slice(snap.Counters, func(i, j int) bool { return snap.Counters[i].Name < snap.Counters[j].Name })

	return snap
}

// Load 用快照替换全部状态并重建派生索引
// 快照先完整校验，任何不一致都会拒绝加载，当前状态保持不变
func (s *Store) Load(snap *Snapshot) error {
	if snap == nil {
		return fmt.Errorf("%w: nil snapshot", ErrCorruptSnapshot)
	}

	next := New(WithClock(s.now), WithEventSink(s.sink))

	for _, t := range snap.Tokens {
		if _, dup := next.tokens[t.ID]; dup {
			return fmt.Errorf("%w: duplicate token %d", ErrCorruptSnapshot, t.ID)
		}
		next.tokens[t.ID] = t
	}

	supply := make(map[uint64]decimal.Decimal, len(snap.Tokens))
	for _, b := range snap.Balances {
		if _, ok := next.tokens[b.TokenID]; !ok {
			return fmt.Errorf("%w: balance for unknown token %d", ErrCorruptSnapshot, b.TokenID)
		}
		if b.Amount.IsNegative() {
			return fmt.Errorf("%w: negative balance token=%d account=%s", ErrCorruptSnapshot, b.TokenID, b.Account)
		}
		key := balanceKey{b.TokenID, b.Account}
		if _, dup := next.balances[key]; dup {
			return fmt.Errorf("%w: duplicate balance token=%d account=%s", ErrCorruptSnapshot, b.TokenID, b.Account)
		}
		next.setBalance(key, b.Amount)
		supply[b.TokenID] = supply[b.TokenID].Add(b.Amount)
	}
	for id, t := range next.tokens {
		if !supply[id].Equal(t.TotalSupply) {
			return fmt.Errorf("%w: token %d balances sum %s != total supply %s", ErrCorruptSnapshot, id, supply[id], t.TotalSupply)
		}
	}

	for _, a := range snap.Approvals {
		if _, ok := next.tokens[a.TokenID]; !ok {
			return fmt.Errorf("%w: approval for unknown token %d", ErrCorruptSnapshot, a.TokenID)
		}
		if a.Allowance.IsNegative() {
			return fmt.Errorf("%w: negative allowance token=%d owner=%s", ErrCorruptSnapshot, a.TokenID, a.Owner)
		}
		next.approvals[approvalKey{a.TokenID, a.Owner, a.Spender}] = a
	}

	listings := append([]model.Listing(nil), snap.Listings...)
	sort.Slice(listings, func(i, j int) bool { return listings[i].ID < listings[j].ID })
	for _, l := range listings {
		if _, dup := next.listings[l.ID]; dup {
			return fmt.Errorf("%w: duplicate listing %d", ErrCorruptSnapshot, l.ID)
		}
		if l.Amount.IsNegative() {
			return fmt.Errorf("%w: negative listing amount %d", ErrCorruptSnapshot, l.ID)
		}
		next.listings[l.ID] = l
		next.sellerListings[l.Seller] = append(next.sellerListings[l.Seller], l.ID)
	}

	for _, p := range snap.Profiles {
		next.profiles[p.Account] = p
	}
	for _, c := range snap.Counters {
		next.counters[c.Name] = c.Next
	}
	for id := range next.tokens {
		if id >= next.counters[model.CounterToken] {
			return fmt.Errorf("%w: token counter %d not beyond token %d", ErrCorruptSnapshot, next.counters[model.CounterToken], id)
		}
	}
	for id := range next.listings {
		if id >= next.counters[model.CounterListing] {
			return fmt.Errorf("%w: listing counter %d not beyond listing %d", ErrCorruptSnapshot, next.counters[model.CounterListing], id)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = next.tokens
	s.balances = next.balances
	s.approvals = next.approvals
	s.listings = next.listings
	s.profiles = next.profiles
	s.counters = next.counters
	s.holdings = next.holdings
	s.sellerListings = next.sellerListings
	return nil
}

// CheckConservation 校验每个代币的余额之和等于总供应量
func (s *Store) CheckConservation() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	supply := make(map[uint64]decimal.Decimal, len(s.tokens))
	for k, amount := range s.balances {
		supply[k.tokenID] = supply[k.tokenID].Add(amount)
	}
	for id, t := range s.tokens {
		if !supply[id].Equal(t.TotalSupply) {
			return fmt.Errorf("token %d: balances sum %s != total supply %s", id, supply[id], t.TotalSupply)
		}
	}
	return nil
}
