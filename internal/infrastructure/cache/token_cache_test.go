package cache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"tokenmarket/internal/model"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, ttl time.Duration) (*TokenCache, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewTokenCache(client, ttl), mr
}

func TestTokenKey(t *testing.T) {
	assert.Equal(t, "token:meta:e1:42", TokenKey("e1", 42))
}

func TestTokenCacheMissReturnsNil(t *testing.T) {
	c, _ := newTestCache(t, time.Minute)

	got, err := c.Get(context.Background(), 1)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestTokenCacheSetAppliesTTL(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestCache(t, 90*time.Second)

	token := &model.Token{ID: 3, Name: "Beta", Symbol: "BET", TotalSupply: decimal.NewFromInt(500), MintingAccount: "bob"}
	require.NoError(t, c.Set(ctx, token))

	key := c.key(3)
	assert.True(t, mr.Exists(key))
	assert.Equal(t, 90*time.Second, mr.TTL(key))

	got, err := c.Get(ctx, 3)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "BET", got.Symbol)
	assert.True(t, got.TotalSupply.Equal(decimal.NewFromInt(500)))

	mr.FastForward(91 * time.Second)
	got, err = c.Get(ctx, 3)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestTokenCacheInvalidateHidesOldEntries(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t, time.Minute)

	require.NoError(t, c.Set(ctx, &model.Token{ID: 1, Symbol: "ALP", TotalSupply: decimal.NewFromInt(1)}))
	oldKey := c.key(1)

	require.NoError(t, c.Invalidate(ctx))
	assert.NotEqual(t, oldKey, c.key(1))

	got, err := c.Get(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, got)

	// 同一个 ID 在新 epoch 下写入的是新代币
	require.NoError(t, c.Set(ctx, &model.Token{ID: 1, Symbol: "GAM", TotalSupply: decimal.NewFromInt(7)}))
	got, err = c.Get(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "GAM", got.Symbol)
}

func TestTokenCacheSurfacesCorruptEntry(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestCache(t, time.Minute)

	require.NoError(t, mr.Set(c.key(9), "{not json"))
	_, err := c.Get(ctx, 9)
	assert.Error(t, err)
}

func TestDecodeToken(t *testing.T) {
	logo := "https://example.com/alp.png"
	token := model.Token{
		ID:             7,
		Name:           "Alpha",
		Symbol:         "ALP",
		Decimals:       8,
		TotalSupply:    decimal.RequireFromString("1000000000000000000000"),
		MintingAccount: "alice",
		LogoURL:        &logo,
		CreatedAt:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	data, err := json.Marshal(&token)
	require.NoError(t, err)

	got, err := decodeToken(data)
	require.NoError(t, err)
	assert.Equal(t, token.ID, got.ID)
	assert.Equal(t, token.Symbol, got.Symbol)
	assert.True(t, token.TotalSupply.Equal(got.TotalSupply))
	require.NotNil(t, got.LogoURL)
	assert.Equal(t, logo, *got.LogoURL)
	assert.True(t, token.CreatedAt.Equal(got.CreatedAt))

	_, err = decodeToken([]byte("{not json"))
	assert.Error(t, err)
}
