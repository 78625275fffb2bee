package handlers

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/opsbot/goledger/internal/bus"
	"github.com/opsbot/goledger/internal/domain"
	"github.com/opsbot/goledger/internal/events"
	"github.com/opsbot/goledger/internal/ports"
	"github.com/opsbot/goledger/pkg/marketmath"
)

// conservationEpsilon 守恒校验容差（折叠后的净划转按资产求和必须为零）
var conservationEpsilon = decimal.New(1, -9)

// handleSwapOffchain 链下互换：把撮合引擎的原始成交腿折叠成
// 每 (client, asset) 一条净划转并逐笔入账。以 order id 为幂等 key。
func (s *Service) handleSwapOffchain(ctx context.Context, msg bus.Message) bus.Result {
	cmd, ok := msg.(SwapOffchainCommand)
	if !ok {
		return badType(msg)
	}

	if err := s.ensureRecord(cmd.OrderID, domain.CommandSwapOffchain, cmd); err != nil {
		return bus.Fail(0, err.Error())
	}
	wc, err := s.loadContext(cmd.OrderID, domain.WorkflowSwap)
	if errors.Is(err, errKindMismatch) {
		return s.abandon(ctx, cmd.ClientID, cmd.OrderID, "swap-context-corrupt", err.Error())
	}
	if err != nil {
		return bus.Fail(0, "load context: "+err.Error())
	}
	wc.Swap.OrderID = cmd.OrderID

	transfers := domain.FoldTradeLegs(cmd.Legs, s.mintID)
	if !domain.CheckConservation(transfers, conservationEpsilon) {
		// 守恒被破坏说明撮合结果本身有问题，入账只会放大损害
		return s.abandon(ctx, cmd.ClientID, cmd.OrderID, "swap-conservation-violated",
			fmt.Sprintf("trade legs do not conserve per-asset value, legs=%d", len(cmd.Legs)))
	}

	// 每登记一笔就持久化一次：部分成功后重投只补缺口
	for i, t := range transfers {
		if i < len(wc.Swap.Operations) {
			continue
		}
		opID, err := s.register(ctx, ports.LedgerOperation{
			ClientID: t.ClientID,
			AssetID:  t.AssetID,
			Amount:   t.Amount,
			Comment:  "trade " + cmd.OrderID,
		})
		if err != nil {
			return bus.Fail(0, fmt.Sprintf("register trade transfer %d/%d: %v", i+1, len(transfers), err))
		}
		wc.Swap.Operations = append(wc.Swap.Operations, opID)
		if err := s.saveState(cmd.OrderID, wc); err != nil {
			return bus.Fail(0, err.Error())
		}
	}

	// 部分成交折叠成一个对外口径的合成价
	var price decimal.Decimal
	if len(cmd.Fills) > 0 {
		price = marketmath.EffectivePrice(cmd.Fills, cmd.QuoteIsOpposite, cmd.PriceAccuracy, cmd.Side)
	}

	handlersLog.Infof("✅ 互换已入账: order=%s legs=%d transfers=%d price=%s",
		cmd.OrderID, len(cmd.Legs), len(transfers), price)

	s.mustPublish(ctx, events.TradeCreatedEvent{
		OrderID:   cmd.OrderID,
		ClientID:  cmd.ClientID,
		Timestamp: s.now(),
	})
	s.mustPublish(ctx, events.LimitOrderExecutedEvent{
		OrderID:   cmd.OrderID,
		ClientID:  cmd.ClientID,
		AssetPair: cmd.AssetPair,
		Price:     price,
		Timestamp: s.now(),
	})
	return bus.Ok()
}

// handleMaterialize untrusted 客户端的成交需要一条以 order id 为 key 的
// 流水占位行，后续链下附件往这条记录上合并
func (s *Service) handleMaterialize(ctx context.Context, msg bus.Message) bus.Result {
	cmd, ok := msg.(MaterializeTransactionCommand)
	if !ok {
		return badType(msg)
	}
	if err := s.deps.Ledger.CreateOrUpdate(cmd.OrderID, domain.CommandSwapOffchain); err != nil {
		return bus.Fail(0, "materialize record: "+err.Error())
	}
	handlersLog.Debugf("流水占位行已就绪: order=%s client=%s", cmd.OrderID, cmd.ClientID)
	return bus.Ok()
}
