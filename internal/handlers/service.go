package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opsbot/goledger/internal/bus"
	"github.com/opsbot/goledger/internal/domain"
	"github.com/opsbot/goledger/internal/events"
	"github.com/opsbot/goledger/internal/metrics"
	"github.com/opsbot/goledger/internal/ports"
	"github.com/opsbot/goledger/internal/store"
)

var handlersLog = logrus.WithField("component", "handlers")

// maxRedeemAttempts 出金失败补偿（auto-redeem）的最大尝试次数。
// 次数持久化在工作流 context 里，跨重投递生效。
const maxRedeemAttempts = 5

// Auditor 客户端可见事件日志（终态失败、人工修正等都要落一条）
type Auditor interface {
	Record(ctx context.Context, clientID, transactionID, kind, message string) error
}

// Deps 处理核心的外部协作方
type Deps struct {
	Ledger   store.LedgerStore
	Contexts store.ContextStore
	Assets   ports.AssetCache
	Accounts ports.LedgerService
	Bus      *bus.Router
	Audit    Auditor
	Channels []ports.BlockchainChannel
}

// Service 命令处理核心。
//
// 所有 handler 都假设 at-least-once 投递：同一命令可能被重复交付，
// 幂等性靠两道护栏保证：流水记录的 insert-if-absent，
// 以及工作流 context 里的 operation id 检查。
type Service struct {
	deps   Deps
	now    func() time.Time
	mintID func() string
}

// New 创建处理核心
func New(deps Deps) *Service {
	return &Service{
		deps:   deps,
		now:    time.Now,
		mintID: uuid.NewString,
	}
}

// SetClock 注入时钟（测试用）
func (s *Service) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// SetIDMinter 注入 id 生成器（测试用）
func (s *Service) SetIDMinter(mint func() string) {
	if mint != nil {
		s.mintID = mint
	}
}

// Register 把全部 handler 挂到总线上
func (s *Service) Register(r *bus.Router) {
	r.Handle(TypeIssue, "issue-handler", s.handleIssue)
	r.Handle(TypeCashOut, "cashout-handler", s.handleCashOut)
	r.Handle(TypeTransfer, "transfer-handler", s.handleTransfer)
	r.Handle(TypeDestroy, "destroy-handler", s.handleDestroy)
	r.Handle(TypeSwapOffchain, "swap-offchain-handler", s.handleSwapOffchain)
	r.Handle(TypeManualUpdate, "manual-update-handler", s.handleManualUpdate)
	r.Handle(TypeLinkForward, "link-forward-handler", s.handleLinkForward)
	r.Handle(TypeMaterialize, "materialize-handler", s.handleMaterialize)
	r.Handle(TypeComplete, "complete-handler", s.handleComplete)
	r.Handle(TypeSubmit, "submit-handler", s.handleSubmit)
	r.Handle(events.TypeHashObserved, "hash-observed-handler", s.handleHashObserved)
	r.Handle(events.TypeCashOutFailed, "auto-redeem-handler", s.handleCashOutFailed)
}

// errKindMismatch 持久化的 context 与期望的工作流种类不一致。
// 属于领域数据损坏，不是瞬态故障：重投不可能修好它。
var errKindMismatch = errors.New("handlers: workflow context kind mismatch")

// ensureRecord 流水记录的 insert-if-absent；请求原文只在首次创建时落库
func (s *Service) ensureRecord(id string, ct domain.CommandType, cmd any) error {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	rec := &domain.TransactionRecord{
		TransactionID:  id,
		CommandType:    ct,
		CreatedAt:      s.now(),
		RequestPayload: payload,
	}
	if _, err := s.deps.Ledger.TryCreate(rec); err != nil {
		return fmt.Errorf("create record: %w", err)
	}
	return nil
}

// loadContext 读取工作流 context；不存在时默认构造
func (s *Service) loadContext(key string, kind domain.WorkflowKind) (*domain.WorkflowContext, error) {
	wc := &domain.WorkflowContext{}
	err := s.deps.Contexts.Get(key, wc)
	if errors.Is(err, store.ErrNotExists) {
		return domain.NewWorkflowContext(kind), nil
	}
	if err != nil {
		return nil, err
	}
	if wc.Kind != kind {
		return nil, errKindMismatch
	}
	return wc, nil
}

// saveState 持久化工作流 context，并把快照合并进流水记录
func (s *Service) saveState(key string, wc *domain.WorkflowContext) error {
	if err := s.deps.Contexts.Set(key, wc); err != nil {
		return fmt.Errorf("save context: %w", err)
	}
	snapshot, err := json.Marshal(wc)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}
	if err := s.deps.Ledger.Update(key, store.UpdateFields{Context: snapshot}); err != nil {
		return fmt.Errorf("merge context into record: %w", err)
	}
	return nil
}

// finishRecord 把响应负载合并进流水记录（首次写入同时落 RespondedAt）
func (s *Service) finishRecord(id string, response any) error {
	payload, err := json.Marshal(response)
	if err != nil {
		return fmt.Errorf("marshal response: %w", err)
	}
	return s.deps.Ledger.Update(id, store.UpdateFields{Response: payload})
}

// audit 落一条客户端可见事件；审计失败只记日志，绝不阻塞主流程
func (s *Service) audit(ctx context.Context, clientID, txID, kind, message string) {
	if s.deps.Audit == nil {
		return
	}
	if err := s.deps.Audit.Record(ctx, clientID, txID, kind, message); err != nil {
		handlersLog.Errorf("❌ 审计写入失败: tx=%s kind=%s err=%v", txID, kind, err)
	}
}

// abandon 领域不一致：记审计、打日志、确认消息（重投救不了数据问题）
func (s *Service) abandon(ctx context.Context, clientID, txID, kind, message string) bus.Result {
	handlersLog.Warnf("⚠️ 放弃处理: tx=%s kind=%s reason=%s", txID, kind, message)
	s.audit(ctx, clientID, txID, kind, message)
	return bus.Ok()
}

// register 登记账务操作并更新计数器
func (s *Service) register(ctx context.Context, op ports.LedgerOperation) (string, error) {
	opID, err := s.deps.Accounts.Register(ctx, op)
	if err == nil {
		metrics.OperationsRegistered.Add(1)
	}
	return opID, err
}

// channelFor 按通道名找网关实现；找不到返回 nil
func (s *Service) channelFor(ch domain.SubmissionChannel) ports.BlockchainChannel {
	for _, c := range s.deps.Channels {
		if c.Channel() == ch {
			return c
		}
	}
	return nil
}

func badType(msg bus.Message) bus.Result {
	return bus.Fail(0, fmt.Sprintf("unexpected message payload %T for type %s", msg, msg.MessageType()))
}
