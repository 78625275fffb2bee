package sagas

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opsbot/goledger/internal/bus"
	"github.com/opsbot/goledger/internal/domain"
	"github.com/opsbot/goledger/internal/events"
	"github.com/opsbot/goledger/internal/handlers"
	"github.com/opsbot/goledger/internal/ports"
	"github.com/opsbot/goledger/internal/store"
)

var sagasLog = logrus.WithField("component", "sagas")

// Deps saga 层的协作方。saga 只做一件事：消费事件、投递下一条命令。
// 业务状态一律走 handler，saga 自己不记账。
type Deps struct {
	Bus      *bus.Router
	Assets   ports.AssetCache
	Contexts store.ContextStore
	Notifier ports.NotificationSender
	History  ports.OperationHistoryWriter
}

// Sagas 事件编排层
type Sagas struct {
	deps   Deps
	mintID func() string
}

// New 创建编排层
func New(deps Deps) *Sagas {
	return &Sagas{deps: deps, mintID: uuid.NewString}
}

// SetIDMinter 注入 id 生成器（测试用）
func (s *Sagas) SetIDMinter(mint func() string) {
	if mint != nil {
		s.mintID = mint
	}
}

// onCashOutStateSaved 远期提现：出金状态落库后投递链接命令。
// 普通出金在这里没有后续动作（链上提交由 handler 直接投递）。
func (s *Sagas) onCashOutStateSaved(ctx context.Context, msg bus.Message) bus.Result {
	evt, ok := msg.(events.CashOutStateSavedEvent)
	if !ok {
		return badType(msg)
	}
	if !evt.ForwardWithdrawal {
		return bus.Ok()
	}

	err := s.deps.Bus.Send(ctx, handlers.LinkForwardWithdrawalCommand{
		TransactionID:       evt.TransactionID,
		ClientID:            evt.ClientID,
		ForwardWithdrawalID: evt.ForwardWithdrawalID,
	})
	if err != nil {
		return bus.Fail(0, "dispatch link command: "+err.Error())
	}
	sagasLog.Infof("📝 远期提现链接命令已投递: tx=%s link=%s", evt.TransactionID, evt.ForwardWithdrawalID)
	return bus.Ok()
}

// onTransferCreated 转账编排：链上资产且收款方不可信时发起伴随链上
// 转账，否则直接终结。伴随转账的事务 id 铸一次后存入 context 复用。
func (s *Sagas) onTransferCreated(ctx context.Context, msg bus.Message) bus.Result {
	evt, ok := msg.(events.TransferCreatedEvent)
	if !ok {
		return badType(msg)
	}

	asset, err := s.deps.Assets.GetAsset(ctx, evt.AssetID)
	if err != nil {
		return bus.Fail(0, "resolve asset: "+err.Error())
	}
	if asset == nil {
		sagasLog.Warnf("⚠️ 转账事件携带未知资产，忽略: tx=%s asset=%s", evt.TransactionID, evt.AssetID)
		return bus.Ok()
	}
	trusted, err := s.deps.Assets.IsClientTrusted(ctx, evt.ToClientID)
	if err != nil {
		return bus.Fail(0, "resolve trust flag: "+err.Error())
	}

	wc := &domain.WorkflowContext{}
	if err := s.deps.Contexts.Get(evt.TransactionID, wc); err != nil {
		return bus.Fail(0, "load transfer context: "+err.Error())
	}
	if wc.Kind != domain.WorkflowTransfer || wc.Transfer == nil {
		sagasLog.Warnf("⚠️ 转账 context 损坏，忽略: tx=%s kind=%s", evt.TransactionID, wc.Kind)
		return bus.Ok()
	}

	channel := domain.SelectChannel(asset, trusted)
	if channel == domain.ChannelNone {
		err := s.deps.Bus.Send(ctx, handlers.CompleteOperationCommand{
			TransactionID: evt.TransactionID,
			ClientID:      evt.FromClientID,
			OperationID:   wc.Transfer.Legs[evt.FromClientID],
		})
		if err != nil {
			return bus.Fail(0, "dispatch complete: "+err.Error())
		}
		return bus.Ok()
	}

	if wc.Transfer.CompanionTransferID == "" {
		wc.Transfer.CompanionTransferID = s.mintID()
		if err := s.deps.Contexts.Set(evt.TransactionID, wc); err != nil {
			return bus.Fail(0, "save companion id: "+err.Error())
		}
	}
	err = s.deps.Bus.Send(ctx, handlers.SubmitTransactionCommand{
		TransactionID:       wc.Transfer.CompanionTransferID,
		ParentTransactionID: evt.TransactionID,
		Channel:             channel,
		ClientID:            evt.ToClientID,
		OperationID:         wc.Transfer.Legs[evt.ToClientID],
		Amount:              evt.Amount,
		AssetID:             evt.AssetID,
		Workflow:            domain.WorkflowTransfer,
	})
	if err != nil {
		return bus.Fail(0, "dispatch companion submission: "+err.Error())
	}
	sagasLog.Infof("📝 伴随链上转账已投递: tx=%s companion=%s channel=%s",
		evt.TransactionID, wc.Transfer.CompanionTransferID, channel)
	return bus.Ok()
}

// onTradeCreated untrusted 发起方的成交需要物化一条流水占位行
func (s *Sagas) onTradeCreated(ctx context.Context, msg bus.Message) bus.Result {
	evt, ok := msg.(events.TradeCreatedEvent)
	if !ok {
		return badType(msg)
	}
	trusted, err := s.deps.Assets.IsClientTrusted(ctx, evt.ClientID)
	if err != nil {
		return bus.Fail(0, "resolve trust flag: "+err.Error())
	}
	if trusted {
		return bus.Ok()
	}
	err = s.deps.Bus.Send(ctx, handlers.MaterializeTransactionCommand{
		OrderID:  evt.OrderID,
		ClientID: evt.ClientID,
	})
	if err != nil {
		return bus.Fail(0, "dispatch materialize: "+err.Error())
	}
	return bus.Ok()
}

// onLimitOrderExecutedHistory 历史表面：客户端操作计数 +1。
// 可信客户端（做市商）的成交不进历史计数。
func (s *Sagas) onLimitOrderExecutedHistory(ctx context.Context, msg bus.Message) bus.Result {
	evt, ok := msg.(events.LimitOrderExecutedEvent)
	if !ok {
		return badType(msg)
	}
	if s.deps.History == nil {
		return bus.Ok()
	}
	trusted, err := s.deps.Assets.IsClientTrusted(ctx, evt.ClientID)
	if err != nil {
		return bus.Fail(0, "resolve trust flag: "+err.Error())
	}
	if trusted {
		return bus.Ok()
	}
	if err := s.deps.History.IncrementOperations(ctx, evt.ClientID, 1); err != nil {
		return bus.Fail(0, "increment history counter: "+err.Error())
	}
	return bus.Ok()
}

// onLimitOrderExecutedNotify 通知表面：推送成交通知。
// 可信客户端不推送。
func (s *Sagas) onLimitOrderExecutedNotify(ctx context.Context, msg bus.Message) bus.Result {
	evt, ok := msg.(events.LimitOrderExecutedEvent)
	if !ok {
		return badType(msg)
	}
	if s.deps.Notifier == nil {
		return bus.Ok()
	}
	trusted, err := s.deps.Assets.IsClientTrusted(ctx, evt.ClientID)
	if err != nil {
		return bus.Fail(0, "resolve trust flag: "+err.Error())
	}
	if trusted {
		return bus.Ok()
	}
	message := fmt.Sprintf("Your limit order %s was executed at %s",
		evt.OrderID, evt.Timestamp.Format(time.RFC3339))
	if !evt.Price.IsZero() {
		message = fmt.Sprintf("Your limit order %s was executed at price %s %s",
			evt.OrderID, evt.Price, evt.AssetPair)
	}
	if err := s.deps.Notifier.Push(ctx, evt.ClientID, message); err != nil {
		return bus.Fail(0, "push notification: "+err.Error())
	}
	return bus.Ok()
}

// onTransferCreatedNotify 通知表面：告知收款方入账。
// 与编排订阅者独立投递、独立重试，一边失败不拖累另一边。
func (s *Sagas) onTransferCreatedNotify(ctx context.Context, msg bus.Message) bus.Result {
	evt, ok := msg.(events.TransferCreatedEvent)
	if !ok {
		return badType(msg)
	}
	if s.deps.Notifier == nil {
		return bus.Ok()
	}
	message := fmt.Sprintf("You received %s %s", evt.Amount, evt.AssetID)
	if err := s.deps.Notifier.Push(ctx, evt.ToClientID, message); err != nil {
		return bus.Fail(0, "push notification: "+err.Error())
	}
	return bus.Ok()
}

var errBadType = errors.New("sagas: unexpected message payload")

func badType(msg bus.Message) bus.Result {
	return bus.Fail(0, fmt.Sprintf("%v: %T for %s", errBadType, msg, msg.MessageType()))
}
