package domain

import (
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TradeLeg 撮合引擎产生的一条原始成交腿
type TradeLeg struct {
	ClientID string
	AssetID  string
	Amount   decimal.Decimal // 带符号：买入为正，卖出为负
}

// AggregatedTransfer 把同一 (client, asset) 的多条成交腿折叠后的净划转
//
// 临时对象：只在一次 trade/swap 处理内存在，不单独持久化。
// TransferID 在折叠时铸造一次；重试场景下由调用方从 context 复用。
type AggregatedTransfer struct {
	ClientID   string
	AssetID    string
	Amount     decimal.Decimal
	TransferID string
}

// FoldTradeLegs 将原始成交腿折叠为每 (client, asset) 一条净划转。
// 金额为零的组合被丢弃。mintID 为空时使用 uuid。
// 输出按 (clientID, assetID) 排序，保证重放时的确定性。
func FoldTradeLegs(legs []TradeLeg, mintID func() string) []AggregatedTransfer {
	if mintID == nil {
		mintID = uuid.NewString
	}

	type key struct{ client, asset string }
	sums := make(map[key]decimal.Decimal)
	for _, leg := range legs {
		k := key{leg.ClientID, leg.AssetID}
		sums[k] = sums[k].Add(leg.Amount)
	}

	out := make([]AggregatedTransfer, 0, len(sums))
	for k, amount := range sums {
		if amount.IsZero() {
			continue
		}
		out = append(out, AggregatedTransfer{
			ClientID: k.client,
			AssetID:  k.asset,
			Amount:   amount,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ClientID != out[j].ClientID {
			return out[i].ClientID < out[j].ClientID
		}
		return out[i].AssetID < out[j].AssetID
	})
	for i := range out {
		out[i].TransferID = mintID()
	}
	return out
}

// CheckConservation 校验守恒：任意一笔 trade/swap 中，
// 同一资产在双方之间的净划转之和必须为零（epsilon 容差内）。
func CheckConservation(transfers []AggregatedTransfer, epsilon decimal.Decimal) bool {
	perAsset := make(map[string]decimal.Decimal)
	for _, t := range transfers {
		perAsset[t.AssetID] = perAsset[t.AssetID].Add(t.Amount)
	}
	for _, sum := range perAsset {
		if sum.Abs().GreaterThan(epsilon) {
			return false
		}
	}
	return true
}
