package marketmath

import "github.com/shopspring/decimal"

// epsilon 聚合量判零的容差。
// 低于该值的聚合量视为零，避免除以接近零的数放大误差。
var epsilon = decimal.New(1, -9) // 1e-9

// Fill 一条原始部分成交（撮合引擎口径）。
//
// Volume 是订单 base 侧的量，OppositeVolume 是对侧资产的量，
// Price 是该笔成交自带的价格。
type Fill struct {
	Volume         decimal.Decimal
	OppositeVolume decimal.Decimal
	Price          decimal.Decimal
}

// Side 合成交易的方向（决定截断时的舍入方向）。
type Side int

const (
	SideBuy  Side = iota // 买方合成价：向上取整
	SideSell             // 卖方合成价：向下取整
)

// EffectivePrice 把多笔部分成交折叠成一个合成价（纯函数）。
//
// 规则：
//   - 单笔成交，或任一侧聚合量在 epsilon 内为零：原样返回该笔的价格；
//   - 否则 有效价 = 报价资产侧聚合量 / 基础资产侧聚合量，
//     quoteIsOpposite 指明报价资产在哪一侧；
//   - 结果按交易对精度截断：买方向上、卖方向下。
//     不对称舍入保证折叠不会把零头让给对手方。
func EffectivePrice(fills []Fill, quoteIsOpposite bool, accuracy int32, side Side) decimal.Decimal {
	if len(fills) == 0 {
		return decimal.Zero
	}

	var volume, opposite decimal.Decimal
	for _, f := range fills {
		volume = volume.Add(f.Volume)
		opposite = opposite.Add(f.OppositeVolume)
	}

	if len(fills) == 1 || volume.Abs().LessThanOrEqual(epsilon) || opposite.Abs().LessThanOrEqual(epsilon) {
		return fills[0].Price
	}

	var price decimal.Decimal
	if quoteIsOpposite {
		price = opposite.Div(volume)
	} else {
		price = volume.Div(opposite)
	}

	if side == SideBuy {
		return price.RoundUp(accuracy)
	}
	return price.RoundDown(accuracy)
}
