package service

import (
	"context"
	"log"
	"unicode/utf8"

	"tokenmarket/internal/model"
	"tokenmarket/internal/store"

	"github.com/shopspring/decimal"
)

// TokenCache 代币元数据的只读缓存，元数据不可变，因此永远不需要失效
type TokenCache interface {
	Get(ctx context.Context, tokenID uint64) (*model.Token, error)
	Set(ctx context.Context, token *model.Token) error
}

type TokenService struct {
	store    *store.Store
	profiles *ProfileService
	cache    TokenCache
}

func NewTokenService(st *store.Store, profiles *ProfileService, cache TokenCache) *TokenService {
	return &TokenService{
		store:    st,
		profiles: profiles,
		cache:    cache,
	}
}

type CreateTokenRequest struct {
	Name          string
	Symbol        string
	InitialSupply decimal.Decimal
	Decimals      uint8
	LogoURL       *string
}

// CreateToken 发行代币
//
// 校验顺序（第一个失败即返回）：匿名 -> 发币权限 -> 名称 -> 符号 -> 供应量。
// 元数据写入和向创建者铸造全部供应量在同一个状态事务内完成，
// 不会出现有代币无余额（或反之）的中间状态；失败时 ID 计数器也不会前进。
func (s *TokenService) CreateToken(ctx context.Context, caller model.Account, req *CreateTokenRequest) (uint64, error) {
	if caller.IsAnonymous() {
		return 0, ErrAnonymousNotAllowed
	}

	var token model.Token
	err := s.store.Transaction(ctx, func(tx *store.Tx) error {
		profile := s.profiles.touch(tx, caller)
		if !s.profiles.canCreate(profile) {
			return ErrInsufficientPermission
		}

		if n := utf8.RuneCountInString(req.Name); n < 2 || n > 50 {
			return ErrInvalidName
		}
		if n := utf8.RuneCountInString(req.Symbol); n < 2 || n > 10 {
			return ErrInvalidSymbol
		}
		if !validAmount(req.InitialSupply) || !req.InitialSupply.IsPositive() {
			return ErrInvalidSupply
		}

		token = model.Token{
			ID:             tx.NextID(model.CounterToken),
			Name:           req.Name,
			Symbol:         req.Symbol,
			Decimals:       req.Decimals,
			TotalSupply:    req.InitialSupply,
			MintingAccount: caller,
			LogoURL:        req.LogoURL,
			CreatedAt:      tx.Now(),
		}
		tx.PutToken(token)
		if err := tx.SetBalance(token.ID, caller, req.InitialSupply); err != nil {
			return err
		}

		profile.TokensCreated++
		tx.PutProfile(profile)

		tx.Emit(model.EventTokenCreated, map[string]interface{}{
			"token_id":     token.ID,
			"symbol":       token.Symbol,
			"total_supply": token.TotalSupply.String(),
			"minter":       caller,
		})
		return nil
	})
	if err != nil {
		return 0, err
	}

	log.Printf("[TokenService] 代币创建成功: tokenID=%d, symbol=%s, supply=%s, minter=%s",
		token.ID, token.Symbol, token.TotalSupply, caller)
	return token.ID, nil
}

// GetToken 查询代币信息，未知 ID 返回 false
func (s *TokenService) GetToken(ctx context.Context, tokenID uint64) (*model.Token, bool) {
	if s.cache != nil {
		cached, err := s.cache.Get(ctx, tokenID)
		if err != nil {
			log.Printf("[TokenService] 读取缓存失败: tokenID=%d, err=%v", tokenID, err)
		} else if cached != nil {
			return cached, true
		}
	}

	var (
		token model.Token
		ok    bool
	)
	s.store.View(func(tx *store.Tx) {
		token, ok = tx.Token(tokenID)
	})
	if !ok {
		return nil, false
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, &token); err != nil {
			log.Printf("[TokenService] 写入缓存失败: tokenID=%d, err=%v", tokenID, err)
		}
	}
	return &token, true
}

// TokenMetadata 返回标准元数据键值列表
func (s *TokenService) TokenMetadata(ctx context.Context, tokenID uint64) ([]model.MetadataEntry, bool) {
	token, ok := s.GetToken(ctx, tokenID)
	if !ok {
		return nil, false
	}
	return token.Metadata(), true
}

func (s *TokenService) TotalSupply(ctx context.Context, tokenID uint64) (decimal.Decimal, bool) {
	token, ok := s.GetToken(ctx, tokenID)
	if !ok {
		return decimal.Zero, false
	}
	return token.TotalSupply, true
}

func (s *TokenService) ListTokens(ctx context.Context) []model.Token {
	var tokens []model.Token
	s.store.View(func(tx *store.Tx) {
		tokens = tx.Tokens()
	})
	return tokens
}
