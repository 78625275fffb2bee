package handlers

import (
	"github.com/shopspring/decimal"

	"github.com/opsbot/goledger/internal/domain"
	"github.com/opsbot/goledger/pkg/marketmath"
)

// 命令类型名（总线路由 key）
const (
	TypeIssue        = "command.issue"
	TypeCashOut      = "command.cashout"
	TypeTransfer     = "command.transfer"
	TypeDestroy      = "command.destroy"
	TypeSwapOffchain = "command.swap-offchain"
	TypeManualUpdate = "command.manual-update"
	TypeLinkForward  = "command.link-forward-withdrawal"
	TypeMaterialize  = "command.materialize-transaction"
	TypeComplete     = "command.complete-operation"
	TypeSubmit       = "command.submit-transaction"
)

// IssueCommand 入金命令（上游网关观察到入账后发出）
type IssueCommand struct {
	TransactionID string
	ClientID      string
	AssetID       string
	Amount        decimal.Decimal
	Fee           decimal.Decimal
}

func (c IssueCommand) MessageType() string { return TypeIssue }
func (c IssueCommand) ID() string          { return c.TransactionID }

// CashOutCommand 出金命令
type CashOutCommand struct {
	TransactionID string
	ClientID      string
	AssetID       string
	Amount        decimal.Decimal
	Fee           decimal.Decimal
	ToAddress     string // 目标链上地址（链下资产可为空）
	FromAddress   string // 热钱包地址（由网关配置兜底）
}

func (c CashOutCommand) MessageType() string { return TypeCashOut }
func (c CashOutCommand) ID() string          { return c.TransactionID }

// TransferCommand 客户端间转账命令
type TransferCommand struct {
	TransactionID string
	FromClientID  string
	ToClientID    string
	AssetID       string
	Amount        decimal.Decimal
	Fee           decimal.Decimal
	ToAddress     string // 目的地链上地址（需要伴随链上转账时使用）
	FromAddress   string
}

func (c TransferCommand) MessageType() string { return TypeTransfer }
func (c TransferCommand) ID() string          { return c.TransactionID }

// DestroyCommand 销毁命令（负向记账，不走链上提交）
type DestroyCommand struct {
	TransactionID string
	ClientID      string
	AssetID       string
	Amount        decimal.Decimal
}

func (c DestroyCommand) MessageType() string { return TypeDestroy }
func (c DestroyCommand) ID() string          { return c.TransactionID }

// SwapOffchainCommand 链下互换：撮合结果的原始成交腿，按 order id 处理。
// Fills 是未折叠的部分成交，只用来算合成价；入账走 Legs。
type SwapOffchainCommand struct {
	OrderID         string
	ClientID        string // 发起方（限价单所有者）
	AssetPair       string
	Legs            []domain.TradeLeg
	Fills           []marketmath.Fill
	PriceAccuracy   int32
	Side            marketmath.Side
	QuoteIsOpposite bool // 报价资产在对侧腿上
}

func (c SwapOffchainCommand) MessageType() string { return TypeSwapOffchain }
func (c SwapOffchainCommand) ID() string          { return c.OrderID }

// ManualUpdateCommand 人工修正流水记录（运维入口）
type ManualUpdateCommand struct {
	TransactionID  string
	CommandType    domain.CommandType
	BlockchainHash string // 为空表示不更新
	Comment        string
}

func (c ManualUpdateCommand) MessageType() string { return TypeManualUpdate }
func (c ManualUpdateCommand) ID() string          { return c.TransactionID }

// LinkForwardWithdrawalCommand 把远期入金挂接到原始出金上
type LinkForwardWithdrawalCommand struct {
	TransactionID       string
	ClientID            string
	ForwardWithdrawalID string
}

func (c LinkForwardWithdrawalCommand) MessageType() string { return TypeLinkForward }
func (c LinkForwardWithdrawalCommand) ID() string          { return c.TransactionID }

// MaterializeTransactionCommand 为 untrusted 客户端的成交预创建流水占位行
// （以 order id 为 key，等待后续链下附件）
type MaterializeTransactionCommand struct {
	OrderID  string
	ClientID string
}

func (c MaterializeTransactionCommand) MessageType() string { return TypeMaterialize }
func (c MaterializeTransactionCommand) ID() string          { return c.OrderID }

// CompleteOperationCommand 终结整条工作流，释放原始调用方
type CompleteOperationCommand struct {
	TransactionID string
	ClientID      string
	OperationID   string
}

func (c CompleteOperationCommand) MessageType() string { return TypeComplete }
func (c CompleteOperationCommand) ID() string          { return c.TransactionID }

// SubmitTransactionCommand 链上提交命令（由通道选择函数路由）
type SubmitTransactionCommand struct {
	TransactionID string
	// ParentTransactionID 非空表示这是一笔伴随提交（如转账的伴随链上
	// 转账）：提交前会以 TransactionID 建一条链接到父事务的流水记录
	ParentTransactionID string
	Channel             domain.SubmissionChannel
	ClientID            string
	OperationID         string
	FromAddress         string
	ToAddress           string
	Amount              decimal.Decimal
	AssetID             string
	// Workflow 产生本次提交的工作流（死信补偿时区分出金与其他）
	Workflow domain.WorkflowKind
}

func (c SubmitTransactionCommand) MessageType() string { return TypeSubmit }
func (c SubmitTransactionCommand) ID() string          { return c.TransactionID }
