package main

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mixaill76/evm_gateway/internal/accounts"
	"github.com/mixaill76/evm_gateway/internal/config"
	"github.com/mixaill76/evm_gateway/internal/gwerr"
	"github.com/mixaill76/evm_gateway/internal/jsonrpc"
	"github.com/mixaill76/evm_gateway/internal/ratelimit"
	"github.com/mixaill76/evm_gateway/internal/testhelpers"
)

func TestTierLimits(t *testing.T) {
	cfg := &config.Config{RateLimit: config.RateLimitConfig{Tiers: map[string]config.TierConfig{
		"free":  {RequestsPerMinute: 30, DailyCap: 500},
		"bogus": {RequestsPerMinute: 1},
	}}}

	got := tierLimits(cfg)
	assert.Equal(t, map[accounts.Tier]ratelimit.Limits{
		accounts.TierFree: {RequestsPerMinute: 30, DailyCap: 500},
	}, got)
}

func TestBuildAccountStore_Static(t *testing.T) {
	cfg := &config.Config{Accounts: config.AccountsConfig{Keys: []config.KeyConfig{
		{Key: "sk-one", ID: "k1", AccountID: "a1", Tier: "pro", Status: "active"},
		{Key: "sk-two", ID: "k2", AccountID: "a2", Tier: "free", Status: "revoked"},
	}}}

	store, err := buildAccountStore(cfg, nil, testhelpers.NewTestLogger())
	require.NoError(t, err)

	key, err := store.Lookup(context.Background(), accounts.HashKey("sk-one"))
	require.NoError(t, err)
	assert.Equal(t, "k1", key.ID)
	assert.Equal(t, accounts.TierPro, key.Tier)

	key, err = store.Lookup(context.Background(), accounts.HashKey("sk-two"))
	require.NoError(t, err)
	assert.Equal(t, accounts.StatusRevoked, key.Status)

	_, err = store.Lookup(context.Background(), accounts.HashKey("sk-three"))
	assert.ErrorIs(t, err, accounts.ErrKeyNotFound)
}

func TestBuildAccountStore_InvalidTier(t *testing.T) {
	cfg := &config.Config{Accounts: config.AccountsConfig{Keys: []config.KeyConfig{
		{Key: "sk-one", ID: "k1", Tier: "gold", Status: "active"},
	}}}

	_, err := buildAccountStore(cfg, nil, testhelpers.NewTestLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "k1")
}

func TestBuildRegistry(t *testing.T) {
	node := testhelpers.NewRPCUpstream(t, func(req jsonrpc.Request) (interface{}, *jsonrpc.Error) {
		return "0x99", nil
	})
	cfg := &config.Config{
		Networks: []config.NetworkConfig{
			{
				Name:           "Ethereum",
				ChainID:        1,
				Endpoints:      []config.EndpointConfig{{Name: "a", URL: node.URL}, {Name: "b", URL: node.URL}},
				AllowedMethods: []string{"eth_blockNumber"},
				ExtraMethods:   []string{"trace_block"},
			},
			{Name: "polygon", ChainID: 137, Endpoints: []config.EndpointConfig{{Name: "p", URL: node.URL}}},
		},
	}
	cfg.ApplyDefaults()

	registry := buildRegistry(cfg, nil, testhelpers.NewTestLogger())
	defer registry.Close()

	eth, ok := registry.Get("ethereum")
	require.True(t, ok)
	assert.Equal(t, uint64(1), eth.ChainID())
	assert.Len(t, eth.Endpoints(), 2)
	assert.True(t, eth.MethodAllowed("trace_block"))
	assert.False(t, eth.MethodAllowed("eth_call"))

	poly, ok := registry.Get("polygon")
	require.True(t, ok)
	assert.True(t, poly.MethodAllowed("trace_block"))
	assert.True(t, poly.MethodAllowed("eth_call"))

	result, err := eth.Call(context.Background(), "eth_blockNumber", nil, time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `"0x99"`, string(result))
}

func TestDatabaseConfig(t *testing.T) {
	cfg := &config.Config{
		Accounts: config.AccountsConfig{DatabaseURL: "postgres://localhost/gw"},
		Database: config.DatabaseConfig{MaxConns: 7, MinConns: 2, ConnectTimeout: 3 * time.Second},
	}
	dbCfg := databaseConfig(cfg)
	assert.Equal(t, "postgres://localhost/gw", dbCfg.DatabaseURL)
	assert.Equal(t, int32(7), dbCfg.MaxConns)
	assert.Equal(t, int32(2), dbCfg.MinConns)
	assert.Equal(t, 3*time.Second, dbCfg.ConnectTimeout)
}

func TestBuildRegistry_DefaultRetriesOnce(t *testing.T) {
	nodes := []*testhelpers.RPCUpstream{
		testhelpers.NewStatusUpstream(t, http.StatusBadGateway, ""),
		testhelpers.NewStatusUpstream(t, http.StatusBadGateway, ""),
		testhelpers.NewStatusUpstream(t, http.StatusBadGateway, ""),
	}
	cfg := &config.Config{Networks: []config.NetworkConfig{{
		Name:    "ethereum",
		ChainID: 1,
		Endpoints: []config.EndpointConfig{
			{Name: "a", URL: nodes[0].URL},
			{Name: "b", URL: nodes[1].URL},
			{Name: "c", URL: nodes[2].URL},
		},
	}}}
	cfg.ApplyDefaults()

	registry := buildRegistry(cfg, nil, testhelpers.NewTestLogger())
	defer registry.Close()
	eth, ok := registry.Get("ethereum")
	require.True(t, ok)

	_, err := eth.Call(context.Background(), "eth_blockNumber", nil, time.Second)
	assert.True(t, errors.Is(err, gwerr.ErrAllEndpointsDown))

	attempts := 0
	for _, n := range nodes {
		attempts += n.Calls()
	}
	assert.Equal(t, 2, attempts)
}
