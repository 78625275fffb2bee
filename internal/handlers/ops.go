package handlers

import (
	"context"
	"errors"
	"fmt"

	"github.com/opsbot/goledger/internal/bus"
	"github.com/opsbot/goledger/internal/domain"
	"github.com/opsbot/goledger/internal/events"
	"github.com/opsbot/goledger/internal/metrics"
	"github.com/opsbot/goledger/internal/ports"
	"github.com/opsbot/goledger/internal/store"
)

// handleManualUpdate 运维入口：人工修正流水记录。
// 记录不存在时先建最小行，修正动作本身落审计。
func (s *Service) handleManualUpdate(ctx context.Context, msg bus.Message) bus.Result {
	cmd, ok := msg.(ManualUpdateCommand)
	if !ok {
		return badType(msg)
	}

	ct := cmd.CommandType
	if ct == "" {
		ct = domain.CommandManualUpdate
	}
	if err := s.deps.Ledger.CreateOrUpdate(cmd.TransactionID, ct); err != nil {
		return bus.Fail(0, "ensure record: "+err.Error())
	}

	fields := store.UpdateFields{}
	if cmd.BlockchainHash != "" {
		fields.BlockchainHash = &cmd.BlockchainHash
	}
	if err := s.deps.Ledger.Update(cmd.TransactionID, fields); err != nil {
		return bus.Fail(0, "apply manual update: "+err.Error())
	}

	handlersLog.Infof("📝 人工修正已应用: tx=%s hash=%q comment=%q",
		cmd.TransactionID, cmd.BlockchainHash, cmd.Comment)
	s.audit(ctx, "", cmd.TransactionID, "manual-update", cmd.Comment)
	return bus.Ok()
}

// handleLinkForward 把远期入金 operation 挂接到原始出金上
func (s *Service) handleLinkForward(ctx context.Context, msg bus.Message) bus.Result {
	cmd, ok := msg.(LinkForwardWithdrawalCommand)
	if !ok {
		return badType(msg)
	}

	wc, err := s.loadContext(cmd.TransactionID, domain.WorkflowCashOut)
	if errors.Is(err, errKindMismatch) {
		return s.abandon(ctx, cmd.ClientID, cmd.TransactionID, "link-context-corrupt", err.Error())
	}
	if err != nil {
		return bus.Fail(0, "load context: "+err.Error())
	}
	if wc.CashOut.ForwardCashInID == "" {
		// 链接命令先于出金处理到达（或 context 丢失）：数据不一致
		return s.abandon(ctx, cmd.ClientID, cmd.TransactionID, "link-missing-cashin",
			"forward cash-in operation not registered yet")
	}

	err = s.deps.Accounts.LinkForwardWithdrawal(ctx, cmd.ClientID, cmd.ForwardWithdrawalID, wc.CashOut.ForwardCashInID)
	if err != nil {
		return bus.Fail(0, "link forward withdrawal: "+err.Error())
	}
	if err := s.finishRecord(cmd.TransactionID, map[string]any{
		"forwardWithdrawalId": cmd.ForwardWithdrawalID,
		"forwardCashInId":     wc.CashOut.ForwardCashInID,
	}); err != nil {
		return bus.Fail(0, err.Error())
	}

	handlersLog.Infof("✅ 远期提现已挂接: tx=%s link=%s cashInOp=%s",
		cmd.TransactionID, cmd.ForwardWithdrawalID, wc.CashOut.ForwardCashInID)
	return bus.Ok()
}

// handleComplete 终结整条工作流：记录落响应，账务操作标记已结算
func (s *Service) handleComplete(ctx context.Context, msg bus.Message) bus.Result {
	cmd, ok := msg.(CompleteOperationCommand)
	if !ok {
		return badType(msg)
	}

	if cmd.OperationID != "" {
		if err := s.deps.Accounts.SetIsSettled(ctx, cmd.ClientID, cmd.OperationID, true); err != nil {
			return bus.Fail(0, "mark settled: "+err.Error())
		}
	}
	if err := s.finishRecord(cmd.TransactionID, map[string]any{"status": "completed"}); err != nil {
		// 记录可能是以 order id 之外的 key 建的；找不到按不一致处理
		if errors.Is(err, store.ErrNotExists) {
			return s.abandon(ctx, cmd.ClientID, cmd.TransactionID, "complete-missing-record",
				"transaction record not found")
		}
		return bus.Fail(0, err.Error())
	}

	s.mustPublish(ctx, events.OperationCompletedEvent{
		TransactionID: cmd.TransactionID,
		Timestamp:     s.now(),
	})
	handlersLog.Infof("✅ 工作流已终结: tx=%s", cmd.TransactionID)
	return bus.Ok()
}

// handleSubmit 链上提交：按通道路由到对应网关。
// 瞬态错误交给总线重投；重投耗尽后死信回调负责触发出金补偿。
func (s *Service) handleSubmit(ctx context.Context, msg bus.Message) bus.Result {
	cmd, ok := msg.(SubmitTransactionCommand)
	if !ok {
		return badType(msg)
	}

	channel := s.channelFor(cmd.Channel)
	if channel == nil {
		return bus.Fail(0, fmt.Sprintf("no channel configured: %s", cmd.Channel))
	}

	// 伴随提交用的是新铸的事务 id：先落一条链接到父事务的记录，
	// 网关回报哈希时才能找回原始事务并终结它
	if cmd.ParentTransactionID != "" {
		_, err := s.deps.Ledger.TryCreate(&domain.TransactionRecord{
			TransactionID:       cmd.TransactionID,
			CommandType:         domain.CommandTransfer,
			CreatedAt:           s.now(),
			ParentTransactionID: cmd.ParentTransactionID,
			Channel:             cmd.Channel,
		})
		if err != nil {
			return bus.Fail(0, "create companion record: "+err.Error())
		}
	}

	err := channel.Submit(ctx, ports.Submission{
		TransactionID: cmd.TransactionID,
		FromAddress:   cmd.FromAddress,
		ToAddress:     cmd.ToAddress,
		Amount:        cmd.Amount,
		AssetID:       cmd.AssetID,
	})
	if err != nil {
		return bus.Fail(0, "submit to "+string(cmd.Channel)+": "+err.Error())
	}

	metrics.SubmissionsSent.Add(1)
	handlersLog.Infof("🚀 已提交链上: tx=%s channel=%s to=%s amount=%s",
		cmd.TransactionID, cmd.Channel, cmd.ToAddress, cmd.Amount)
	return bus.Ok()
}

// handleHashObserved 网关回报交易哈希：合并进记录、回写账务、终结工作流。
// 回报的是伴随事务时，顺着父事务链接把原始事务也终结掉。
func (s *Service) handleHashObserved(ctx context.Context, msg bus.Message) bus.Result {
	evt, ok := msg.(events.BlockchainHashObservedEvent)
	if !ok {
		return badType(msg)
	}

	rec, err := s.deps.Ledger.FindByTransactionID(evt.TransactionID)
	if err != nil {
		return bus.Fail(0, "find record: "+err.Error())
	}
	if rec == nil {
		return s.abandon(ctx, evt.ClientID, evt.TransactionID, "hash-missing-record",
			"hash observed for unknown transaction")
	}
	if err := s.deps.Ledger.Update(evt.TransactionID, store.UpdateFields{BlockchainHash: &evt.Hash}); err != nil {
		return bus.Fail(0, "merge hash: "+err.Error())
	}
	if evt.OperationID != "" {
		if err := s.deps.Accounts.UpdateBlockchainHash(ctx, evt.ClientID, evt.OperationID, evt.Hash); err != nil {
			return bus.Fail(0, "propagate hash: "+err.Error())
		}
		if err := s.deps.Accounts.SetIsSettled(ctx, evt.ClientID, evt.OperationID, true); err != nil {
			return bus.Fail(0, "mark settled: "+err.Error())
		}
	}

	if rec.ParentTransactionID != "" {
		if r := s.completeParentTransfer(ctx, rec.ParentTransactionID); r != nil {
			return *r
		}
	}

	s.mustPublish(ctx, events.OperationCompletedEvent{
		TransactionID: evt.TransactionID,
		Timestamp:     s.now(),
	})
	handlersLog.Infof("✅ 链上哈希已回写: tx=%s hash=%s", evt.TransactionID, evt.Hash)
	return bus.Ok()
}

// completeParentTransfer 伴随链上转账回报后，终结原始转账：
// 置 Completed、投递借记腿的终结命令释放原始调用方
func (s *Service) completeParentTransfer(ctx context.Context, parentID string) *bus.Result {
	fail := func(reason string) *bus.Result {
		r := bus.Fail(0, reason)
		return &r
	}

	wc, err := s.loadContext(parentID, domain.WorkflowTransfer)
	if errors.Is(err, errKindMismatch) {
		r := s.abandon(ctx, "", parentID, "transfer-context-corrupt", err.Error())
		return &r
	}
	if err != nil {
		return fail("load transfer context: " + err.Error())
	}

	if !wc.Transfer.Completed {
		wc.Transfer.Completed = true
		if err := s.saveState(parentID, wc); err != nil {
			return fail(err.Error())
		}
	}
	// 终结命令可重复投递：结算标记与响应落库都是幂等的
	err = s.deps.Bus.Send(ctx, CompleteOperationCommand{
		TransactionID: parentID,
		ClientID:      wc.Transfer.FromClientID,
		OperationID:   wc.Transfer.Legs[wc.Transfer.FromClientID],
	})
	if err != nil {
		return fail("dispatch complete: " + err.Error())
	}
	handlersLog.Infof("✅ 伴随事务已回报，原始转账终结: parent=%s", parentID)
	return nil
}

// handleCashOutFailed 出金补偿（auto-redeem）：链上提交终态失败后，
// 把扣掉的余额再记回去。补偿本身有界重试，耗尽后只剩审计告警。
func (s *Service) handleCashOutFailed(ctx context.Context, msg bus.Message) bus.Result {
	evt, ok := msg.(events.CashOutFailedEvent)
	if !ok {
		return badType(msg)
	}

	wc, err := s.loadContext(evt.TransactionID, domain.WorkflowCashOut)
	if errors.Is(err, errKindMismatch) {
		return s.abandon(ctx, evt.ClientID, evt.TransactionID, "redeem-context-corrupt", err.Error())
	}
	if err != nil {
		return bus.Fail(0, "load context: "+err.Error())
	}

	if wc.CashOut.RedeemOperationID != "" {
		return bus.Ok() // 已补偿过
	}
	if wc.CashOut.RedeemAttempts >= maxRedeemAttempts {
		handlersLog.Errorf("💀 出金补偿次数耗尽: tx=%s attempts=%d", evt.TransactionID, wc.CashOut.RedeemAttempts)
		s.audit(ctx, evt.ClientID, evt.TransactionID, "redeem-exhausted",
			fmt.Sprintf("auto redeem failed %d times, manual intervention required", wc.CashOut.RedeemAttempts))
		return bus.Ok()
	}

	// 先持久化次数再登记：崩溃重投也不会突破上限
	wc.CashOut.RedeemAttempts++
	if err := s.saveState(evt.TransactionID, wc); err != nil {
		return bus.Fail(0, err.Error())
	}

	opID, err := s.register(ctx, ports.LedgerOperation{
		ClientID: evt.ClientID,
		AssetID:  evt.AssetID,
		Amount:   evt.Amount.Abs(),
		Comment:  "auto redeem for failed cash-out " + evt.TransactionID,
	})
	if err != nil {
		return bus.Fail(0, "register redeem: "+err.Error())
	}
	wc.CashOut.RedeemOperationID = opID
	if err := s.saveState(evt.TransactionID, wc); err != nil {
		return bus.Fail(0, err.Error())
	}

	metrics.RedeemsExecuted.Add(1)
	handlersLog.Warnf("♻️ 出金已补偿: tx=%s redeemOp=%s reason=%s", evt.TransactionID, opID, evt.Error)
	s.audit(ctx, evt.ClientID, evt.TransactionID, "cashout-redeemed",
		"cash-out failed on-chain, balance redeemed: "+evt.Error)
	return bus.Ok()
}
