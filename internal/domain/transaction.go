package domain

import (
	"encoding/json"
	"time"
)

// CommandType 账务操作类型（写入流水记录，永不删除）
type CommandType string

const (
	CommandIssue        CommandType = "issue"         // 入金（cash-in）
	CommandCashOut      CommandType = "cashout"       // 出金
	CommandTransfer     CommandType = "transfer"      // 内部转账
	CommandDestroy      CommandType = "destroy"       // 销毁
	CommandSwapOffchain CommandType = "swap-offchain" // 链下互换
	CommandManualUpdate CommandType = "manual-update" // 人工修正
)

// TransactionRecord 每笔账务操作的流水记录（审计轨迹）
//
// 第一个触达该 transaction id 的 handler 负责创建（insert-if-absent），
// 之后的每一步只做字段级合并更新：未提供的字段保持原值。
type TransactionRecord struct {
	TransactionID string      `json:"transactionId"`
	CommandType   CommandType `json:"commandType"`
	CreatedAt     time.Time   `json:"createdAt"`
	// ParentTransactionID 非空表示这是父事务派生出的伴随事务
	// （如转账的伴随链上转账），回报路径靠它找回原始事务
	ParentTransactionID string            `json:"parentTransactionId,omitempty"`
	RequestPayload      json.RawMessage   `json:"requestPayload,omitempty"`
	ContextPayload      json.RawMessage   `json:"contextPayload,omitempty"`
	ResponsePayload     json.RawMessage   `json:"responsePayload,omitempty"`
	Channel             SubmissionChannel `json:"channel,omitempty"` // 已投递的链上提交通道
	BlockchainHash      string            `json:"blockchainHash,omitempty"`
	RespondedAt         *time.Time        `json:"respondedAt,omitempty"`
}

// TransactionState 单笔事务的推进状态（只用于观测，不参与幂等判断）
type TransactionState string

const (
	StateCreated      TransactionState = "created"
	StateContextSaved TransactionState = "context-saved"
	StateDispatched   TransactionState = "dispatched"
	StateHashObserved TransactionState = "hash-observed"
	StateFinalized    TransactionState = "finalized"
)

// State 从记录字段推导推进状态（观测视图，越靠后的标记优先）
func (r *TransactionRecord) State() TransactionState {
	switch {
	case r == nil:
		return ""
	case r.RespondedAt != nil:
		return StateFinalized
	case r.BlockchainHash != "":
		return StateHashObserved
	case r.Channel != ChannelNone:
		return StateDispatched
	case r.ContextPayload != nil:
		return StateContextSaved
	default:
		return StateCreated
	}
}
