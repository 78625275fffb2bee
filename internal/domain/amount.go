package domain

import "github.com/shopspring/decimal"

// PostingDirection 记账方向
type PostingDirection int

const (
	PostingCashIn  PostingDirection = 1  // 入金：正数
	PostingCashOut PostingDirection = -1 // 出金：负数
)

// PostingAmount 计算带符号的记账金额。
//
// 手续费在记账前扣除，结果按资产声明的精度截断（朝零方向，不做四舍五入），
// 再根据方向取正负。入金为正，出金为负。
func PostingAmount(amount, fee decimal.Decimal, accuracy int32, dir PostingDirection) decimal.Decimal {
	net := amount.Sub(fee).Truncate(accuracy)
	if dir == PostingCashOut {
		return net.Neg()
	}
	return net
}
