package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opsbot/goledger/internal/domain"
	"github.com/opsbot/goledger/internal/ports"
)

func TestLedgerClient_RegisterSendsStringAmount(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/operations" || r.Method != http.MethodPost {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Api-Key") != "secret" {
			t.Errorf("api key header missing")
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(map[string]string{"operationId": "op-1"})
	}))
	defer srv.Close()

	c := NewLedgerClient(srv.URL, "secret", 2*time.Second)
	opID, err := c.Register(context.Background(), ports.LedgerOperation{
		ClientID: "alice",
		AssetID:  "BTC",
		Amount:   decimal.RequireFromString("0.10000000"),
		Comment:  "cash-in tx-1",
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if opID != "op-1" {
		t.Fatalf("operation id = %q", opID)
	}
	// 金额必须是字符串，不允许 float
	if _, ok := got["amount"].(string); !ok {
		t.Fatalf("amount sent as %T, want string", got["amount"])
	}
}

func TestLedgerClient_RegisterRejectsEmptyOperationID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{})
	}))
	defer srv.Close()

	c := NewLedgerClient(srv.URL, "", 2*time.Second)
	if _, err := c.Register(context.Background(), ports.LedgerOperation{ClientID: "a", AssetID: "BTC"}); err == nil {
		t.Fatal("empty operation id must be an error")
	}
}

func TestDictionaryClient_NotFoundMapsToNil(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := NewDictionaryClient(srv.URL, 2*time.Second)
	asset, err := c.GetAsset(context.Background(), "NOPE")
	if err != nil {
		t.Fatalf("404 must not be an error, got %v", err)
	}
	if asset != nil {
		t.Fatalf("asset = %+v, want nil", asset)
	}

	trusted, err := c.IsClientTrusted(context.Background(), "ghost")
	if err != nil || trusted {
		t.Fatalf("unknown client must be untrusted: %v %v", trusted, err)
	}
}

func TestDictionaryClient_GetAsset(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id": "ETH-T", "accuracy": 6, "blockchain": "ethereum",
			"erc20Contract": "0xdeadbeef",
		})
	}))
	defer srv.Close()

	c := NewDictionaryClient(srv.URL, 2*time.Second)
	asset, err := c.GetAsset(context.Background(), "ETH-T")
	if err != nil || asset == nil {
		t.Fatalf("GetAsset: %v %v", asset, err)
	}
	if asset.Blockchain != domain.BlockchainEthereum || asset.ERC20Contract != "0xdeadbeef" {
		t.Fatalf("asset = %+v", asset)
	}
	if got := domain.SelectChannel(asset, false); got != domain.ChannelEthereumERC20 {
		t.Fatalf("channel = %s, want ethereum-erc20", got)
	}
}

func TestEthereumChannel_RejectsBadAddressBeforeHTTP(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	c := NewChannel(domain.ChannelEthereum, srv.URL, "0x8ba1f109551bD432803012645Ac136ddd64DBA72", 2*time.Second)
	err := c.Submit(context.Background(), ports.Submission{
		TransactionID: "tx-1",
		ToAddress:     "not-an-address",
		Amount:        decimal.RequireFromString("1"),
		AssetID:       "ETH",
	})
	if err == nil {
		t.Fatal("invalid address must fail")
	}
	if called {
		t.Fatal("bad address must be rejected before any HTTP call")
	}
}

func TestChannel_SubmitUsesHotWalletFallback(t *testing.T) {
	var got submitRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewChannel(domain.ChannelBitcoin, srv.URL, "hot-wallet-1", 2*time.Second)
	err := c.Submit(context.Background(), ports.Submission{
		TransactionID: "tx-2",
		ToAddress:     "1BvBMSEYstWetqTFn5Au4m4GFg7xJaNVN2",
		Amount:        decimal.RequireFromString("0.5"),
		AssetID:       "BTC",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if got.FromAddress != "hot-wallet-1" {
		t.Fatalf("from = %q, want hot wallet fallback", got.FromAddress)
	}
	if got.Amount != "0.5" {
		t.Fatalf("amount = %q", got.Amount)
	}
}

func TestChannel_BreakerFailsFastAfterConsecutiveFailures(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewChannel(domain.ChannelBitcoin, srv.URL, "hot-wallet-1", 2*time.Second)
	sub := ports.Submission{
		TransactionID: "tx-b",
		ToAddress:     "1BvBMSEYstWetqTFn5Au4m4GFg7xJaNVN2",
		Amount:        decimal.RequireFromString("0.1"),
		AssetID:       "BTC",
	}
	for i := 0; i < breakerMaxFailures; i++ {
		if err := c.Submit(context.Background(), sub); err == nil {
			t.Fatalf("submit %d must fail on 502", i)
		}
	}
	if calls != breakerMaxFailures {
		t.Fatalf("gateway calls = %d, want %d", calls, breakerMaxFailures)
	}

	// 熔断后快速失败，不再打网关
	if err := c.Submit(context.Background(), sub); err == nil {
		t.Fatal("open breaker must reject submission")
	}
	if calls != breakerMaxFailures {
		t.Fatalf("open breaker still reached gateway: calls = %d", calls)
	}
}
