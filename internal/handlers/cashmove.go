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
	"github.com/opsbot/goledger/internal/store"
)

// 现金移动类 handler（入金 / 出金 / 转账 / 销毁）。
//
// 共同骨架：
//  1. 解析资产元数据与客户端可信标记
//  2. 流水记录 insert-if-absent
//  3. 读工作流 context；operation id 已存在则跳过登记（幂等护栏）
//  4. 登记账务操作，把 operation id 写回 context 并持久化
//  5. 发布 state-saved 事件
//  6. 需要链上结算时投递提交命令，否则直接终结

func (s *Service) handleIssue(ctx context.Context, msg bus.Message) bus.Result {
	cmd, ok := msg.(IssueCommand)
	if !ok {
		return badType(msg)
	}

	asset, trusted, res := s.resolve(ctx, cmd.ClientID, cmd.AssetID, cmd.TransactionID)
	if res != nil {
		return *res
	}
	if err := s.ensureRecord(cmd.TransactionID, domain.CommandIssue, cmd); err != nil {
		return bus.Fail(0, err.Error())
	}

	wc, err := s.loadContext(cmd.TransactionID, domain.WorkflowIssue)
	if errors.Is(err, errKindMismatch) {
		return s.abandon(ctx, cmd.ClientID, cmd.TransactionID, "issue-context-corrupt", err.Error())
	}
	if err != nil {
		return bus.Fail(0, "load context: "+err.Error())
	}

	if wc.Issue.OperationID == "" {
		amount := domain.PostingAmount(cmd.Amount, cmd.Fee, asset.Accuracy, domain.PostingCashIn)
		opID, err := s.register(ctx, ports.LedgerOperation{
			ClientID: cmd.ClientID,
			AssetID:  cmd.AssetID,
			Amount:   amount,
			Comment:  "cash-in " + cmd.TransactionID,
		})
		if err != nil {
			return bus.Fail(0, "register cash-in: "+err.Error())
		}
		wc.Issue.OperationID = opID
		if err := s.saveState(cmd.TransactionID, wc); err != nil {
			return bus.Fail(0, err.Error())
		}
		handlersLog.Infof("✅ 入金已登记: tx=%s client=%s asset=%s amount=%s op=%s",
			cmd.TransactionID, cmd.ClientID, cmd.AssetID, amount, opID)
	}

	s.mustPublish(ctx, events.IssueStateSavedEvent{
		TransactionID: cmd.TransactionID,
		ClientID:      cmd.ClientID,
		AssetID:       cmd.AssetID,
		Amount:        cmd.Amount,
		Timestamp:     s.now(),
	})

	return s.dispatchOrComplete(ctx, dispatchArgs{
		txID:        cmd.TransactionID,
		clientID:    cmd.ClientID,
		assetID:     cmd.AssetID,
		operationID: wc.Issue.OperationID,
		fromAddress: cmd.ClientID, // 入金侧地址由网关按客户端解析
		toAddress:   "",
		amount:      domain.PostingAmount(cmd.Amount, cmd.Fee, asset.Accuracy, domain.PostingCashIn),
		asset:       asset,
		trusted:     trusted,
		workflow:    domain.WorkflowIssue,
	})
}

func (s *Service) handleCashOut(ctx context.Context, msg bus.Message) bus.Result {
	cmd, ok := msg.(CashOutCommand)
	if !ok {
		return badType(msg)
	}

	asset, trusted, res := s.resolve(ctx, cmd.ClientID, cmd.AssetID, cmd.TransactionID)
	if res != nil {
		return *res
	}
	if err := s.ensureRecord(cmd.TransactionID, domain.CommandCashOut, cmd); err != nil {
		return bus.Fail(0, err.Error())
	}

	wc, err := s.loadContext(cmd.TransactionID, domain.WorkflowCashOut)
	if errors.Is(err, errKindMismatch) {
		return s.abandon(ctx, cmd.ClientID, cmd.TransactionID, "cashout-context-corrupt", err.Error())
	}
	if err != nil {
		return bus.Fail(0, "load context: "+err.Error())
	}
	wc.CashOut.Address = cmd.ToAddress

	if wc.CashOut.OperationID == "" {
		amount := domain.PostingAmount(cmd.Amount, cmd.Fee, asset.Accuracy, domain.PostingCashOut)
		opID, err := s.register(ctx, ports.LedgerOperation{
			ClientID: cmd.ClientID,
			AssetID:  cmd.AssetID,
			Amount:   amount,
			Comment:  "cash-out " + cmd.TransactionID,
		})
		if err != nil {
			return bus.Fail(0, "register cash-out: "+err.Error())
		}
		wc.CashOut.OperationID = opID
		if err := s.saveState(cmd.TransactionID, wc); err != nil {
			return bus.Fail(0, err.Error())
		}
		handlersLog.Infof("✅ 出金已登记: tx=%s client=%s asset=%s amount=%s op=%s",
			cmd.TransactionID, cmd.ClientID, cmd.AssetID, amount, opID)
	}

	// 远期提现：额外登记一笔未来起息的入金，并铸一个链接 id。
	// 真正的挂接由 ForwardWithdrawalSaga 通过专门的链接命令完成。
	if asset.IsForwardWithdrawal() {
		if r := s.registerForwardCashIn(ctx, cmd, asset, wc); r != nil {
			return *r
		}
		s.mustPublish(ctx, events.CashOutStateSavedEvent{
			TransactionID:       cmd.TransactionID,
			ClientID:            cmd.ClientID,
			AssetID:             cmd.AssetID,
			Amount:              cmd.Amount,
			ForwardWithdrawal:   true,
			ForwardWithdrawalID: wc.CashOut.ForwardWithdrawalID,
			Timestamp:           s.now(),
		})
		return bus.Ok()
	}

	s.mustPublish(ctx, events.CashOutStateSavedEvent{
		TransactionID: cmd.TransactionID,
		ClientID:      cmd.ClientID,
		AssetID:       cmd.AssetID,
		Amount:        cmd.Amount,
		Timestamp:     s.now(),
	})

	return s.dispatchOrComplete(ctx, dispatchArgs{
		txID:        cmd.TransactionID,
		clientID:    cmd.ClientID,
		assetID:     cmd.AssetID,
		operationID: wc.CashOut.OperationID,
		fromAddress: cmd.FromAddress,
		toAddress:   cmd.ToAddress,
		amount:      domain.PostingAmount(cmd.Amount, cmd.Fee, asset.Accuracy, domain.PostingCashOut),
		asset:       asset,
		trusted:     trusted,
		workflow:    domain.WorkflowCashOut,
	})
}

// registerForwardCashIn 远期提现的第二笔账：未来起息的入金。
// 两个 operation id 各有各的幂等护栏，重投时已完成的步骤全部跳过。
func (s *Service) registerForwardCashIn(ctx context.Context, cmd CashOutCommand, asset *domain.Asset, wc *domain.WorkflowContext) *bus.Result {
	fail := func(reason string) *bus.Result {
		r := bus.Fail(0, reason)
		return &r
	}

	if wc.CashOut.ForwardCashInID == "" {
		valueDate := s.now().AddDate(0, 0, asset.ForwardFrozenDays)
		amount := domain.PostingAmount(cmd.Amount, cmd.Fee, asset.Accuracy, domain.PostingCashIn)
		opID, err := s.register(ctx, ports.LedgerOperation{
			ClientID:  cmd.ClientID,
			AssetID:   asset.ForwardBaseAssetID,
			Amount:    amount,
			Comment:   fmt.Sprintf("forward cash-in for %s (frozen %d days)", cmd.TransactionID, asset.ForwardFrozenDays),
			ValueDate: &valueDate,
		})
		if err != nil {
			return fail("register forward cash-in: " + err.Error())
		}
		wc.CashOut.ForwardCashInID = opID
		wc.CashOut.ForwardValueDate = &valueDate
		if err := s.saveState(cmd.TransactionID, wc); err != nil {
			return fail(err.Error())
		}
		handlersLog.Infof("✅ 远期入金已登记: tx=%s baseAsset=%s valueDate=%s op=%s",
			cmd.TransactionID, asset.ForwardBaseAssetID, valueDate.Format("2006-01-02"), opID)
	}

	if wc.CashOut.ForwardWithdrawalID == "" {
		wc.CashOut.ForwardWithdrawalID = s.mintID()
		if err := s.saveState(cmd.TransactionID, wc); err != nil {
			return fail(err.Error())
		}
	}
	return nil
}

func (s *Service) handleTransfer(ctx context.Context, msg bus.Message) bus.Result {
	cmd, ok := msg.(TransferCommand)
	if !ok {
		return badType(msg)
	}

	asset, _, res := s.resolve(ctx, cmd.FromClientID, cmd.AssetID, cmd.TransactionID)
	if res != nil {
		return *res
	}
	if err := s.ensureRecord(cmd.TransactionID, domain.CommandTransfer, cmd); err != nil {
		return bus.Fail(0, err.Error())
	}

	wc, err := s.loadContext(cmd.TransactionID, domain.WorkflowTransfer)
	if errors.Is(err, errKindMismatch) {
		return s.abandon(ctx, cmd.FromClientID, cmd.TransactionID, "transfer-context-corrupt", err.Error())
	}
	if err != nil {
		return bus.Fail(0, "load context: "+err.Error())
	}

	wc.Transfer.FromClientID = cmd.FromClientID

	// 两条腿分别护栏：借记腿成功、贷记腿失败重投时，只补贷记腿
	if wc.Transfer.Legs[cmd.FromClientID] == "" {
		debit := cmd.Amount.Truncate(asset.Accuracy).Neg()
		opID, err := s.register(ctx, ports.LedgerOperation{
			ClientID: cmd.FromClientID,
			AssetID:  cmd.AssetID,
			Amount:   debit,
			Comment:  "transfer out " + cmd.TransactionID,
		})
		if err != nil {
			return bus.Fail(0, "register debit leg: "+err.Error())
		}
		wc.Transfer.Legs[cmd.FromClientID] = opID
		if err := s.saveState(cmd.TransactionID, wc); err != nil {
			return bus.Fail(0, err.Error())
		}
	}
	if wc.Transfer.Legs[cmd.ToClientID] == "" {
		credit := domain.PostingAmount(cmd.Amount, cmd.Fee, asset.Accuracy, domain.PostingCashIn)
		opID, err := s.register(ctx, ports.LedgerOperation{
			ClientID: cmd.ToClientID,
			AssetID:  cmd.AssetID,
			Amount:   credit,
			Comment:  "transfer in " + cmd.TransactionID,
		})
		if err != nil {
			return bus.Fail(0, "register credit leg: "+err.Error())
		}
		wc.Transfer.Legs[cmd.ToClientID] = opID
		if err := s.saveState(cmd.TransactionID, wc); err != nil {
			return bus.Fail(0, err.Error())
		}
	}

	handlersLog.Infof("✅ 转账两腿已入账: tx=%s %s -> %s asset=%s amount=%s",
		cmd.TransactionID, cmd.FromClientID, cmd.ToClientID, cmd.AssetID, cmd.Amount)

	s.mustPublish(ctx, events.TransferCreatedEvent{
		TransactionID: cmd.TransactionID,
		FromClientID:  cmd.FromClientID,
		ToClientID:    cmd.ToClientID,
		AssetID:       cmd.AssetID,
		Amount:        cmd.Amount,
		Timestamp:     s.now(),
	})
	return bus.Ok()
}

func (s *Service) handleDestroy(ctx context.Context, msg bus.Message) bus.Result {
	cmd, ok := msg.(DestroyCommand)
	if !ok {
		return badType(msg)
	}

	asset, _, res := s.resolve(ctx, cmd.ClientID, cmd.AssetID, cmd.TransactionID)
	if res != nil {
		return *res
	}
	if err := s.ensureRecord(cmd.TransactionID, domain.CommandDestroy, cmd); err != nil {
		return bus.Fail(0, err.Error())
	}

	wc, err := s.loadContext(cmd.TransactionID, domain.WorkflowCashOut)
	if errors.Is(err, errKindMismatch) {
		return s.abandon(ctx, cmd.ClientID, cmd.TransactionID, "destroy-context-corrupt", err.Error())
	}
	if err != nil {
		return bus.Fail(0, "load context: "+err.Error())
	}

	if wc.CashOut.OperationID == "" {
		amount := cmd.Amount.Truncate(asset.Accuracy).Neg()
		opID, err := s.register(ctx, ports.LedgerOperation{
			ClientID: cmd.ClientID,
			AssetID:  cmd.AssetID,
			Amount:   amount,
			Comment:  "destroy " + cmd.TransactionID,
		})
		if err != nil {
			return bus.Fail(0, "register destroy: "+err.Error())
		}
		wc.CashOut.OperationID = opID
		if err := s.saveState(cmd.TransactionID, wc); err != nil {
			return bus.Fail(0, err.Error())
		}
		handlersLog.Infof("✅ 销毁已登记: tx=%s client=%s asset=%s amount=%s",
			cmd.TransactionID, cmd.ClientID, cmd.AssetID, amount)
	}

	// 销毁是纯账务动作，不走链上提交
	return s.sendComplete(ctx, cmd.TransactionID, cmd.ClientID, wc.CashOut.OperationID)
}

// resolve 资产元数据 + 可信标记。
// 上游出错 → 瞬态失败重投；资产不存在 → 领域不一致，放弃。
func (s *Service) resolve(ctx context.Context, clientID, assetID, txID string) (*domain.Asset, bool, *bus.Result) {
	asset, err := s.deps.Assets.GetAsset(ctx, assetID)
	if err != nil {
		r := bus.Fail(0, "resolve asset: "+err.Error())
		return nil, false, &r
	}
	if asset == nil {
		r := s.abandon(ctx, clientID, txID, "unknown-asset", "asset not found: "+assetID)
		return nil, false, &r
	}
	trusted, err := s.deps.Assets.IsClientTrusted(ctx, clientID)
	if err != nil {
		r := bus.Fail(0, "resolve trust flag: "+err.Error())
		return nil, false, &r
	}
	return asset, trusted, nil
}

type dispatchArgs struct {
	txID        string
	clientID    string
	assetID     string
	operationID string
	fromAddress string
	toAddress   string
	amount      decimal.Decimal
	asset       *domain.Asset
	trusted     bool
	workflow    domain.WorkflowKind
}

// dispatchOrComplete 通道选择：需要链上结算投递提交命令，否则直接终结
func (s *Service) dispatchOrComplete(ctx context.Context, a dispatchArgs) bus.Result {
	channel := domain.SelectChannel(a.asset, a.trusted)
	if channel == domain.ChannelNone {
		return s.sendComplete(ctx, a.txID, a.clientID, a.operationID)
	}

	sub := SubmitTransactionCommand{
		TransactionID: a.txID,
		Channel:       channel,
		ClientID:      a.clientID,
		OperationID:   a.operationID,
		FromAddress:   a.fromAddress,
		ToAddress:     a.toAddress,
		Amount:        a.amount.Abs(), // 链上金额永远为正，方向由通道语义决定
		AssetID:       a.assetID,
		Workflow:      a.workflow,
	}
	if err := s.deps.Bus.Send(ctx, sub); err != nil {
		return bus.Fail(0, "dispatch submission: "+err.Error())
	}
	if err := s.deps.Ledger.Update(a.txID, store.UpdateFields{Channel: &channel}); err != nil {
		return bus.Fail(0, "mark dispatched: "+err.Error())
	}
	handlersLog.Infof("📝 链上提交已投递: tx=%s channel=%s", a.txID, channel)
	return bus.Ok()
}

func (s *Service) sendComplete(ctx context.Context, txID, clientID, operationID string) bus.Result {
	err := s.deps.Bus.Send(ctx, CompleteOperationCommand{
		TransactionID: txID,
		ClientID:      clientID,
		OperationID:   operationID,
	})
	if err != nil {
		return bus.Fail(0, "dispatch complete: "+err.Error())
	}
	return bus.Ok()
}

// mustPublish 事件发布失败只记日志：state 已落库，订阅方可以靠重放补
func (s *Service) mustPublish(ctx context.Context, evt bus.Message) {
	if err := s.deps.Bus.Publish(ctx, evt); err != nil {
		handlersLog.Errorf("❌ 事件发布失败: type=%s id=%s err=%v", evt.MessageType(), evt.ID(), err)
	}
}
