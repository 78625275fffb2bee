package domain

import (
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestFoldTradeLegs_Conservation(t *testing.T) {
	// 一笔 BTC/USD 成交拆成三条部分成交腿
	legs := []TradeLeg{
		{ClientID: "alice", AssetID: "BTC", Amount: d("0.9")},
		{ClientID: "alice", AssetID: "BTC", Amount: d("0.3")},
		{ClientID: "alice", AssetID: "USD", Amount: d("-10845")},
		{ClientID: "bob", AssetID: "BTC", Amount: d("-1.2")},
		{ClientID: "bob", AssetID: "USD", Amount: d("10845")},
	}

	n := 0
	transfers := FoldTradeLegs(legs, func() string { n++; return fmt.Sprintf("t-%d", n) })
	if len(transfers) != 4 {
		t.Fatalf("expected 4 aggregated transfers, got %d: %+v", len(transfers), transfers)
	}

	if !CheckConservation(transfers, d("0.000000001")) {
		t.Fatalf("conservation violated: %+v", transfers)
	}

	// alice 的 BTC 腿净额应为 1.2
	if !transfers[0].Amount.Equal(d("1.2")) || transfers[0].ClientID != "alice" || transfers[0].AssetID != "BTC" {
		t.Fatalf("unexpected first transfer: %+v", transfers[0])
	}
	// 每条净划转都应拿到 transfer id
	for _, tr := range transfers {
		if tr.TransferID == "" {
			t.Fatalf("missing transfer id: %+v", tr)
		}
	}
}

func TestFoldTradeLegs_DropsZeroNet(t *testing.T) {
	legs := []TradeLeg{
		{ClientID: "alice", AssetID: "ETH", Amount: d("5")},
		{ClientID: "alice", AssetID: "ETH", Amount: d("-5")},
		{ClientID: "bob", AssetID: "ETH", Amount: d("1")},
	}
	transfers := FoldTradeLegs(legs, nil)
	if len(transfers) != 1 {
		t.Fatalf("expected zero-net legs to be dropped, got %+v", transfers)
	}
	if transfers[0].ClientID != "bob" {
		t.Fatalf("unexpected survivor: %+v", transfers[0])
	}
}

func TestPostingAmount(t *testing.T) {
	// 出金：扣除手续费后截断到 2 位精度并取负
	got := PostingAmount(d("100.129"), d("0.5"), 2, PostingCashOut)
	if !got.Equal(d("-99.62")) {
		t.Fatalf("cashout posting got=%s want=-99.62", got)
	}

	// 入金：正数，精度截断不做四舍五入
	got = PostingAmount(d("0.123456789"), decimal.Zero, 8, PostingCashIn)
	if !got.Equal(d("0.12345678")) {
		t.Fatalf("cashin posting got=%s want=0.12345678", got)
	}
}

func TestSelectChannel(t *testing.T) {
	cases := []struct {
		name    string
		asset   *Asset
		trusted bool
		want    SubmissionChannel
	}{
		{"bitcoin", &Asset{ID: "BTC", Blockchain: BlockchainBitcoin}, false, ChannelBitcoin},
		{"eth native", &Asset{ID: "ETH", Blockchain: BlockchainEthereum}, false, ChannelEthereum},
		{"erc20", &Asset{ID: "LKK", Blockchain: BlockchainEthereum, ERC20Contract: "0xabc"}, false, ChannelEthereumERC20},
		{"colored", &Asset{ID: "LKC", Blockchain: BlockchainColored}, false, ChannelColored},
		{"chrono", &Asset{ID: "TIME", Blockchain: BlockchainChrono}, false, ChannelChrono},
		{"trusted asset", &Asset{ID: "BTC", Blockchain: BlockchainBitcoin, IsTrusted: true}, false, ChannelNone},
		{"trusted client", &Asset{ID: "BTC", Blockchain: BlockchainBitcoin}, true, ChannelNone},
		{"offchain", &Asset{ID: "USD", Blockchain: BlockchainNone}, false, ChannelNone},
	}
	for _, tc := range cases {
		if got := SelectChannel(tc.asset, tc.trusted); got != tc.want {
			t.Fatalf("%s: got=%q want=%q", tc.name, got, tc.want)
		}
	}
}
