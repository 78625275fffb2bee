package domain

import "time"

// WorkflowKind 工作流种类（tagged variant 的判别标记）
type WorkflowKind string

const (
	WorkflowIssue    WorkflowKind = "issue"
	WorkflowCashOut  WorkflowKind = "cashout"
	WorkflowTransfer WorkflowKind = "transfer"
	WorkflowSwap     WorkflowKind = "swap"
)

// WorkflowContext 跨消息跳转携带的每事务工作流状态
//
// 以 tagged variant 建模：Kind 指明哪一个分支有效，其余分支为 nil。
// 不做运行时类型探测；存储层只负责字节，schema 由调用方持有。
//
// 关键不变量：某一步一旦把 operation id 写进 context，
// 该步的所有重试都必须复用这个 id，绝不能重新生成。
type WorkflowContext struct {
	Kind     WorkflowKind     `json:"kind"`
	Issue    *IssueContext    `json:"issue,omitempty"`
	CashOut  *CashOutContext  `json:"cashout,omitempty"`
	Transfer *TransferContext `json:"transfer,omitempty"`
	Swap     *SwapContext     `json:"swap,omitempty"`
}

// NewWorkflowContext 默认构造指定种类的 context（首次读取为空时使用）
func NewWorkflowContext(kind WorkflowKind) *WorkflowContext {
	wc := &WorkflowContext{Kind: kind}
	switch kind {
	case WorkflowIssue:
		wc.Issue = &IssueContext{}
	case WorkflowCashOut:
		wc.CashOut = &CashOutContext{}
	case WorkflowTransfer:
		wc.Transfer = &TransferContext{Legs: map[string]string{}}
	case WorkflowSwap:
		wc.Swap = &SwapContext{}
	}
	return wc
}

// IssueContext 入金工作流状态
type IssueContext struct {
	OperationID string `json:"operationId,omitempty"` // 已登记的账务操作 id（幂等护栏）
	Address     string `json:"address,omitempty"`     // 解析出的入金地址
}

// CashOutContext 出金工作流状态
type CashOutContext struct {
	OperationID         string     `json:"operationId,omitempty"`
	Address             string     `json:"address,omitempty"` // 目标链上地址
	ForwardWithdrawalID string     `json:"forwardWithdrawalId,omitempty"`
	ForwardCashInID     string     `json:"forwardCashInId,omitempty"` // 远期入金的 operation id
	ForwardValueDate    *time.Time `json:"forwardValueDate,omitempty"`
	RedeemAttempts      int        `json:"redeemAttempts,omitempty"` // 失败补偿（auto-redeem）已尝试次数
	RedeemOperationID   string     `json:"redeemOperationId,omitempty"`
}

// TransferContext 转账工作流状态
type TransferContext struct {
	// FromClientID 借记腿（付款方）的 clientID
	FromClientID string `json:"fromClientId,omitempty"`
	// Legs 每条腿的 operation id，key 为 clientID
	Legs map[string]string `json:"legs,omitempty"`
	// CompanionTransferID 伴随链上转账的事务 id（由 TransferSaga 写入）
	CompanionTransferID string `json:"companionTransferId,omitempty"`
	// Completed 伴随链上转账回报后置位，终结命令由此发出
	Completed bool `json:"completed,omitempty"`
}

// SwapContext 链下互换工作流状态（以 order id 为 key 存储）
type SwapContext struct {
	OrderID string `json:"orderId,omitempty"`
	// Operations 构成这笔 swap 的账务操作 id 列表（按登记顺序）
	Operations []string `json:"operations,omitempty"`
}
