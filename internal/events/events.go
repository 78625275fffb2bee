package events

import (
	"time"

	"github.com/shopspring/decimal"
)

// 事件类型名（总线路由 key）。
// 路由表（internal/sagas/routes.go）静态引用这些常量，
// 不允许在订阅处散落字符串字面量。
const (
	TypeIssueStateSaved    = "event.issue.state-saved"
	TypeCashOutStateSaved  = "event.cashout.state-saved"
	TypeTransferCreated    = "event.transfer.created"
	TypeTradeCreated       = "event.trade.created"
	TypeLimitOrderExecuted = "event.limit-order.executed"
	TypeOperationCompleted = "event.operation.completed"
	TypeHashObserved       = "event.blockchain.hash-observed"
	TypeCashOutFailed      = "event.cashout.failed"
)

// IssueStateSavedEvent 入金工作流的 context 已持久化
type IssueStateSavedEvent struct {
	TransactionID string
	ClientID      string
	AssetID       string
	Amount        decimal.Decimal
	Timestamp     time.Time
}

func (e IssueStateSavedEvent) MessageType() string { return TypeIssueStateSaved }
func (e IssueStateSavedEvent) ID() string          { return e.TransactionID }

// CashOutStateSavedEvent 出金工作流的 context 已持久化
type CashOutStateSavedEvent struct {
	TransactionID       string
	ClientID            string
	AssetID             string
	Amount              decimal.Decimal
	ForwardWithdrawal   bool   // 是否为远期提现（延迟兑换）
	ForwardWithdrawalID string // 远期提现链接 id（仅远期时有值）
	Timestamp           time.Time
}

func (e CashOutStateSavedEvent) MessageType() string { return TypeCashOutStateSaved }
func (e CashOutStateSavedEvent) ID() string          { return e.TransactionID }

// TransferCreatedEvent 转账已登记（两条腿都已入账）
type TransferCreatedEvent struct {
	TransactionID string
	FromClientID  string
	ToClientID    string
	AssetID       string
	Amount        decimal.Decimal
	Timestamp     time.Time
}

func (e TransferCreatedEvent) MessageType() string { return TypeTransferCreated }
func (e TransferCreatedEvent) ID() string          { return e.TransactionID }

// TradeCreatedEvent 成交已折叠入账（swap/trade 工作流）
type TradeCreatedEvent struct {
	OrderID   string
	ClientID  string
	Timestamp time.Time
}

func (e TradeCreatedEvent) MessageType() string { return TypeTradeCreated }
func (e TradeCreatedEvent) ID() string          { return e.OrderID }

// LimitOrderExecutedEvent 限价单已执行（历史/通知表面消费）。
// Price 是多笔部分成交折叠出的合成价；无法计算时为零值。
type LimitOrderExecutedEvent struct {
	OrderID   string
	ClientID  string
	AssetPair string
	Price     decimal.Decimal
	Timestamp time.Time
}

func (e LimitOrderExecutedEvent) MessageType() string { return TypeLimitOrderExecuted }
func (e LimitOrderExecutedEvent) ID() string          { return e.OrderID }

// OperationCompletedEvent 整条工作流终结，释放原始调用方
type OperationCompletedEvent struct {
	TransactionID string
	Timestamp     time.Time
}

func (e OperationCompletedEvent) MessageType() string { return TypeOperationCompleted }
func (e OperationCompletedEvent) ID() string          { return e.TransactionID }

// BlockchainHashObservedEvent 链上网关回报了交易哈希
type BlockchainHashObservedEvent struct {
	TransactionID string
	ClientID      string
	OperationID   string
	Hash          string
	Timestamp     time.Time
}

func (e BlockchainHashObservedEvent) MessageType() string { return TypeHashObserved }
func (e BlockchainHashObservedEvent) ID() string          { return e.TransactionID }

// CashOutFailedEvent 链上出金提交失败（触发补偿）
type CashOutFailedEvent struct {
	TransactionID string
	ClientID      string
	AssetID       string
	Amount        decimal.Decimal
	Error         string
	Timestamp     time.Time
}

func (e CashOutFailedEvent) MessageType() string { return TypeCashOutFailed }
func (e CashOutFailedEvent) ID() string          { return e.TransactionID }
