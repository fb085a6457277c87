package handler

import (
	"errors"
	"log"
	"strconv"
	"time"

	"tokenmarket/internal/model"
	"tokenmarket/internal/service"
	"tokenmarket/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// Handler 统一处理器，包含所有服务依赖
type Handler struct {
	profileService *service.ProfileService
	tokenService   *service.TokenService
	ledgerService  *service.LedgerService
	marketService  *service.MarketService
}

func NewHandler(profiles *service.ProfileService, tokens *service.TokenService, ledger *service.LedgerService, market *service.MarketService) *Handler {
	return &Handler{
		profileService: profiles,
		tokenService:   tokens,
		ledgerService:  ledger,
		marketService:  market,
	}
}

// errorCodes 业务错误到响应码的映射，按顺序匹配
var errorCodes = []struct {
	err  error
	code int
}{
	{service.ErrReconciliationFailed, response.CodeReconciliationFailed},
	{service.ErrPaymentFailed, response.CodePaymentFailed},
	{service.ErrTokenTransferFailed, response.CodeTokenTransferFailed},
	{service.ErrAnonymousNotAllowed, response.CodeUnauthorized},
	{service.ErrInsufficientPermission, response.CodeForbidden},
	{service.ErrReservedAccount, response.CodeForbidden},
	{service.ErrInvalidName, response.CodeInvalidToken},
	{service.ErrInvalidSymbol, response.CodeInvalidToken},
	{service.ErrInvalidSupply, response.CodeInvalidToken},
	{service.ErrInvalidAmount, response.CodeInvalidAmount},
	{service.ErrInvalidPrice, response.CodeInvalidAmount},
	{service.ErrInvalidRole, response.CodeParamError},
	{service.ErrTokenNotFound, response.CodeTokenNotFound},
	{service.ErrInsufficientBalance, response.CodeBalanceNotEnough},
	{service.ErrInsufficientAllowance, response.CodeAllowanceNotEnough},
	{service.ErrSelfTransfer, response.CodeSelfDealing},
	{service.ErrSelfApproval, response.CodeSelfDealing},
	{service.ErrSelfTrade, response.CodeSelfDealing},
	{service.ErrListingNotFound, response.CodeListingNotFound},
	{service.ErrListingInactive, response.CodeListingInactive},
	{service.ErrInsufficientListedAmount, response.CodeListedAmountNotEnough},
	{service.ErrNotSeller, response.CodeNotSeller},
}

func writeError(c *gin.Context, err error) {
	for _, e := range errorCodes {
		if errors.Is(err, e.err) {
			response.BusinessError(c, e.code, err.Error())
			return
		}
	}
	log.Printf("[Handler] 未知错误: path=%s, err=%v", c.Request.URL.Path, err)
	response.ServerError(c, err.Error())
}

func idParam(c *gin.Context, name string) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil {
		response.ParamError(c, name+" 参数错误")
		return 0, false
	}
	return id, true
}

// ============================================================
// 代币
// ============================================================

type CreateTokenRequest struct {
	Name          string          `json:"name"`
	Symbol        string          `json:"symbol"`
	InitialSupply decimal.Decimal `json:"initial_supply"`
	Decimals      uint8           `json:"decimals"`
	LogoURL       *string         `json:"logo_url"`
}

// CreateToken 发行代币，全部供应量铸造给调用方
// POST /api/v1/tokens
func (h *Handler) CreateToken(c *gin.Context) {
	var req CreateTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	tokenID, err := h.tokenService.CreateToken(c.Request.Context(), Caller(c), &service.CreateTokenRequest{
		Name:          req.Name,
		Symbol:        req.Symbol,
		InitialSupply: req.InitialSupply,
		Decimals:      req.Decimals,
		LogoURL:       req.LogoURL,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, gin.H{"token_id": tokenID})
}

// ListTokens GET /api/v1/tokens
func (h *Handler) ListTokens(c *gin.Context) {
	tokens := h.tokenService.ListTokens(c.Request.Context())
	response.Success(c, gin.H{
		"list":  tokens,
		"total": len(tokens),
	})
}

// GetToken GET /api/v1/tokens/:id
func (h *Handler) GetToken(c *gin.Context) {
	tokenID, ok := idParam(c, "id")
	if !ok {
		return
	}
	token, found := h.tokenService.GetToken(c.Request.Context(), tokenID)
	if !found {
		writeError(c, service.ErrTokenNotFound)
		return
	}
	response.Success(c, token)
}

// GetTokenMetadata GET /api/v1/tokens/:id/metadata
func (h *Handler) GetTokenMetadata(c *gin.Context) {
	tokenID, ok := idParam(c, "id")
	if !ok {
		return
	}
	metadata, found := h.tokenService.TokenMetadata(c.Request.Context(), tokenID)
	if !found {
		writeError(c, service.ErrTokenNotFound)
		return
	}
	response.Success(c, metadata)
}

// GetTotalSupply GET /api/v1/tokens/:id/supply
func (h *Handler) GetTotalSupply(c *gin.Context) {
	tokenID, ok := idParam(c, "id")
	if !ok {
		return
	}
	supply, found := h.tokenService.TotalSupply(c.Request.Context(), tokenID)
	if !found {
		writeError(c, service.ErrTokenNotFound)
		return
	}
	response.Success(c, gin.H{
		"token_id":     tokenID,
		"total_supply": supply,
	})
}

// GetBalance GET /api/v1/tokens/:id/balances/:account
func (h *Handler) GetBalance(c *gin.Context) {
	tokenID, ok := idParam(c, "id")
	if !ok {
		return
	}
	account := model.Account(c.Param("account"))
	balance, found := h.ledgerService.BalanceOf(c.Request.Context(), tokenID, account)
	if !found {
		writeError(c, service.ErrTokenNotFound)
		return
	}
	response.Success(c, gin.H{
		"token_id": tokenID,
		"account":  account,
		"balance":  balance,
	})
}

// ============================================================
// 账本
// ============================================================

type TransferRequest struct {
	TokenID uint64          `json:"token_id" binding:"required"`
	To      model.Account   `json:"to" binding:"required"`
	Amount  decimal.Decimal `json:"amount"`
}

// Transfer POST /api/v1/ledger/transfer
func (h *Handler) Transfer(c *gin.Context) {
	var req TransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	if err := h.ledgerService.Transfer(c.Request.Context(), Caller(c), req.TokenID, req.To, req.Amount); err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"message": "转账成功"})
}

type ApproveRequest struct {
	TokenID   uint64          `json:"token_id" binding:"required"`
	Spender   model.Account   `json:"spender" binding:"required"`
	Allowance decimal.Decimal `json:"allowance"`
	ExpiresAt *time.Time      `json:"expires_at"`
}

// Approve 设置授权额度（覆盖）
// POST /api/v1/ledger/approve
func (h *Handler) Approve(c *gin.Context) {
	var req ApproveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	if err := h.ledgerService.Approve(c.Request.Context(), Caller(c), req.TokenID, req.Spender, req.Allowance, req.ExpiresAt); err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"message": "授权成功"})
}

type TransferFromRequest struct {
	TokenID   uint64          `json:"token_id" binding:"required"`
	Owner     model.Account   `json:"owner" binding:"required"`
	Recipient model.Account   `json:"recipient" binding:"required"`
	Amount    decimal.Decimal `json:"amount"`
}

// TransferFrom 调用方作为被授权者代扣
// POST /api/v1/ledger/transfer-from
func (h *Handler) TransferFrom(c *gin.Context) {
	var req TransferFromRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	if err := h.ledgerService.TransferFrom(c.Request.Context(), Caller(c), req.TokenID, req.Owner, req.Recipient, req.Amount); err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"message": "转账成功"})
}

// GetAllowance GET /api/v1/ledger/allowance?token_id=1&owner=a&spender=b
func (h *Handler) GetAllowance(c *gin.Context) {
	tokenID, err := strconv.ParseUint(c.Query("token_id"), 10, 64)
	if err != nil {
		response.ParamError(c, "token_id 参数错误")
		return
	}
	owner := model.Account(c.Query("owner"))
	spender := model.Account(c.Query("spender"))
	if owner == "" || spender == "" {
		response.ParamError(c, "owner 和 spender 不能为空")
		return
	}

	response.Success(c, gin.H{
		"token_id":  tokenID,
		"owner":     owner,
		"spender":   spender,
		"allowance": h.ledgerService.Allowance(c.Request.Context(), tokenID, owner, spender),
	})
}

// GetHoldings GET /api/v1/accounts/:account/holdings
func (h *Handler) GetHoldings(c *gin.Context) {
	account := model.Account(c.Param("account"))
	response.Success(c, gin.H{
		"account":  account,
		"holdings": h.ledgerService.Holdings(c.Request.Context(), account),
	})
}

// ============================================================
// 挂单与成交
// ============================================================

type CreateListingRequest struct {
	TokenID      uint64          `json:"token_id" binding:"required"`
	Amount       decimal.Decimal `json:"amount"`
	PriceTokenID uint64          `json:"price_token_id" binding:"required"`
	PricePerUnit decimal.Decimal `json:"price_per_unit"`
}

// CreateListing POST /api/v1/listings
func (h *Handler) CreateListing(c *gin.Context) {
	var req CreateListingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	listingID, err := h.marketService.CreateListing(c.Request.Context(), Caller(c), req.TokenID, req.Amount, req.PriceTokenID, req.PricePerUnit)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"listing_id": listingID})
}

// ListListings GET /api/v1/listings?seller=a&token_id=1&active=true
func (h *Handler) ListListings(c *gin.Context) {
	filter := service.ListingFilter{
		Seller:     model.Account(c.Query("seller")),
		ActiveOnly: c.Query("active") == "true",
	}
	if raw := c.Query("token_id"); raw != "" {
		tokenID, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			response.ParamError(c, "token_id 参数错误")
			return
		}
		filter.TokenID = tokenID
	}

	listings := h.marketService.ListListings(c.Request.Context(), filter)
	response.Success(c, gin.H{
		"list":  listings,
		"total": len(listings),
	})
}

// GetListing GET /api/v1/listings/:id
func (h *Handler) GetListing(c *gin.Context) {
	listingID, ok := idParam(c, "id")
	if !ok {
		return
	}
	listing, found := h.marketService.GetListing(c.Request.Context(), listingID)
	if !found {
		writeError(c, service.ErrListingNotFound)
		return
	}
	response.Success(c, listing)
}

type BuyRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// Buy 购买挂单
// POST /api/v1/listings/:id/buy
//
// 买家需要事先向撮合账户授权计价代币，卖家需要授权挂单代币
func (h *Handler) Buy(c *gin.Context) {
	listingID, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req BuyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	receipt, err := h.marketService.Buy(c.Request.Context(), Caller(c), listingID, req.Amount)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, receipt)
}

// CancelListing POST /api/v1/listings/:id/cancel
func (h *Handler) CancelListing(c *gin.Context) {
	listingID, ok := idParam(c, "id")
	if !ok {
		return
	}
	if err := h.marketService.CancelListing(c.Request.Context(), Caller(c), listingID); err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"message": "挂单已取消"})
}

// ============================================================
// 用户画像
// ============================================================

// GetMyProfile GET /api/v1/profiles/me
func (h *Handler) GetMyProfile(c *gin.Context) {
	profile, err := h.profileService.GetOrCreateProfile(c.Request.Context(), Caller(c))
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{
		"profile":        profile,
		"can_create":     h.profileService.HasCreatePermission(c.Request.Context(), profile.Account),
		"engine_account": h.marketService.EngineAccount(),
	})
}

// GetProfile GET /api/v1/profiles/:account
func (h *Handler) GetProfile(c *gin.Context) {
	profile, found := h.profileService.GetProfile(c.Request.Context(), model.Account(c.Param("account")))
	if !found {
		response.BusinessError(c, response.CodeProfileNotFound, "用户画像不存在")
		return
	}
	response.Success(c, profile)
}

type SetRoleRequest struct {
	Role model.Role `json:"role" binding:"required"`
}

// SetRole 只有 ADMIN 可以调用
// POST /api/v1/profiles/:account/role
func (h *Handler) SetRole(c *gin.Context) {
	var req SetRoleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	if !req.Role.Valid() {
		writeError(c, service.ErrInvalidRole)
		return
	}

	target := model.Account(c.Param("account"))
	if !h.profileService.SetRole(c.Request.Context(), Caller(c), target, req.Role) {
		response.BusinessError(c, response.CodeForbidden, "无权修改角色")
		return
	}
	response.Success(c, gin.H{
		"account": target,
		"role":    req.Role,
	})
}

// VerifyProfile POST /api/v1/profiles/:account/verify
func (h *Handler) VerifyProfile(c *gin.Context) {
	target := model.Account(c.Param("account"))
	if !h.profileService.Verify(c.Request.Context(), Caller(c), target) {
		response.BusinessError(c, response.CodeForbidden, "无权认证账户")
		return
	}
	response.Success(c, gin.H{
		"account":  target,
		"verified": true,
	})
}
