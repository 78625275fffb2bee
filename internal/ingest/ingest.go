package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/opsbot/goledger/internal/bus"
	"github.com/opsbot/goledger/internal/domain"
	"github.com/opsbot/goledger/internal/events"
	"github.com/opsbot/goledger/internal/handlers"
	"github.com/opsbot/goledger/pkg/marketmath"
	"github.com/opsbot/goledger/pkg/syncgroup"
)

var ingestLog = logrus.WithField("component", "ingest")

// Envelope 撮合引擎事件流的外层信封
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// 信封类型
const (
	envCashIn       = "cash-in"
	envCashOut      = "cash-out"
	envTransfer     = "transfer"
	envDestroy      = "destroy"
	envLimitOrder   = "limit-order-executed"
	envHashObserved = "blockchain-hash"
)

type cashInPayload struct {
	TransactionID string          `json:"transactionId"`
	ClientID      string          `json:"clientId"`
	AssetID       string          `json:"assetId"`
	Amount        decimal.Decimal `json:"amount"`
	Fee           decimal.Decimal `json:"fee"`
}

type cashOutPayload struct {
	TransactionID string          `json:"transactionId"`
	ClientID      string          `json:"clientId"`
	AssetID       string          `json:"assetId"`
	Amount        decimal.Decimal `json:"amount"`
	Fee           decimal.Decimal `json:"fee"`
	ToAddress     string          `json:"toAddress"`
}

type transferPayload struct {
	TransactionID string          `json:"transactionId"`
	FromClientID  string          `json:"fromClientId"`
	ToClientID    string          `json:"toClientId"`
	AssetID       string          `json:"assetId"`
	Amount        decimal.Decimal `json:"amount"`
	Fee           decimal.Decimal `json:"fee"`
	ToAddress     string          `json:"toAddress"`
}

type destroyPayload struct {
	TransactionID string          `json:"transactionId"`
	ClientID      string          `json:"clientId"`
	AssetID       string          `json:"assetId"`
	Amount        decimal.Decimal `json:"amount"`
}

type tradeLegPayload struct {
	ClientID string          `json:"clientId"`
	AssetID  string          `json:"assetId"`
	Amount   decimal.Decimal `json:"amount"`
}

type fillPayload struct {
	Volume         decimal.Decimal `json:"volume"`
	OppositeVolume decimal.Decimal `json:"oppositeVolume"`
	Price          decimal.Decimal `json:"price"`
}

type limitOrderPayload struct {
	OrderID         string            `json:"orderId"`
	ClientID        string            `json:"clientId"`
	AssetPair       string            `json:"assetPair"`
	Legs            []tradeLegPayload `json:"legs"`
	Fills           []fillPayload     `json:"fills"`
	PriceAccuracy   int32             `json:"priceAccuracy"`
	Side            string            `json:"side"` // buy / sell
	QuoteIsOpposite bool              `json:"quoteIsOpposite"`
}

type hashPayload struct {
	TransactionID string `json:"transactionId"`
	ClientID      string `json:"clientId"`
	OperationID   string `json:"operationId"`
	Hash          string `json:"hash"`
}

// Decode 把一条信封解码成总线消息。
// 未知类型返回错误，由调用方决定丢弃还是告警。
func Decode(raw []byte) (bus.Message, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("ingest: malformed envelope: %w", err)
	}

	switch env.Type {
	case envCashIn:
		var p cashInPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("ingest: bad cash-in payload: %w", err)
		}
		return handlers.IssueCommand{
			TransactionID: p.TransactionID, ClientID: p.ClientID,
			AssetID: p.AssetID, Amount: p.Amount, Fee: p.Fee,
		}, nil
	case envCashOut:
		var p cashOutPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("ingest: bad cash-out payload: %w", err)
		}
		return handlers.CashOutCommand{
			TransactionID: p.TransactionID, ClientID: p.ClientID,
			AssetID: p.AssetID, Amount: p.Amount, Fee: p.Fee, ToAddress: p.ToAddress,
		}, nil
	case envTransfer:
		var p transferPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("ingest: bad transfer payload: %w", err)
		}
		return handlers.TransferCommand{
			TransactionID: p.TransactionID, FromClientID: p.FromClientID, ToClientID: p.ToClientID,
			AssetID: p.AssetID, Amount: p.Amount, Fee: p.Fee, ToAddress: p.ToAddress,
		}, nil
	case envDestroy:
		var p destroyPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("ingest: bad destroy payload: %w", err)
		}
		return handlers.DestroyCommand{
			TransactionID: p.TransactionID, ClientID: p.ClientID,
			AssetID: p.AssetID, Amount: p.Amount,
		}, nil
	case envLimitOrder:
		var p limitOrderPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("ingest: bad limit-order payload: %w", err)
		}
		legs := make([]domain.TradeLeg, 0, len(p.Legs))
		for _, l := range p.Legs {
			legs = append(legs, domain.TradeLeg{ClientID: l.ClientID, AssetID: l.AssetID, Amount: l.Amount})
		}
		fills := make([]marketmath.Fill, 0, len(p.Fills))
		for _, f := range p.Fills {
			fills = append(fills, marketmath.Fill{Volume: f.Volume, OppositeVolume: f.OppositeVolume, Price: f.Price})
		}
		side := marketmath.SideBuy
		if p.Side == "sell" {
			side = marketmath.SideSell
		}
		return handlers.SwapOffchainCommand{
			OrderID: p.OrderID, ClientID: p.ClientID, AssetPair: p.AssetPair,
			Legs: legs, Fills: fills,
			PriceAccuracy: p.PriceAccuracy, Side: side, QuoteIsOpposite: p.QuoteIsOpposite,
		}, nil
	case envHashObserved:
		var p hashPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("ingest: bad hash payload: %w", err)
		}
		return events.BlockchainHashObservedEvent{
			TransactionID: p.TransactionID, ClientID: p.ClientID,
			OperationID: p.OperationID, Hash: p.Hash, Timestamp: time.Now(),
		}, nil
	default:
		return nil, fmt.Errorf("ingest: unknown envelope type: %s", env.Type)
	}
}

// Listener 撮合引擎事件流监听器。
// 断线自动重连；消息解码后投递到总线，总线的去重器兜住重连导致的重放。
type Listener struct {
	url            string
	bus            *bus.Router
	reconnectDelay time.Duration
	sg             *syncgroup.SyncGroup
	cancel         context.CancelFunc
}

// NewListener 创建监听器
func NewListener(url string, router *bus.Router, reconnectDelay time.Duration) *Listener {
	if reconnectDelay <= 0 {
		reconnectDelay = 5 * time.Second
	}
	return &Listener{
		url:            url,
		bus:            router,
		reconnectDelay: reconnectDelay,
		sg:             syncgroup.NewSyncGroup(),
	}
}

// Start 启动连接循环（非阻塞）
func (l *Listener) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.sg.Add(func() { l.run(ctx) })
	l.sg.Run()
}

// Stop 停止监听并等待退出
func (l *Listener) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
	l.sg.Wait()
}

func (l *Listener) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := l.connectAndRead(ctx); err != nil && ctx.Err() == nil {
			ingestLog.Warnf("🔁 事件流断开，%s 后重连: %v", l.reconnectDelay, err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(l.reconnectDelay):
		}
	}
}

func (l *Listener) connectAndRead(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 30 * time.Second}
	conn, _, err := dialer.DialContext(ctx, l.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	ingestLog.Infof("🚀 事件流已连接: %s", l.url)

	// ctx 取消时主动关闭连接，打断阻塞中的 ReadMessage
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		msg, err := Decode(raw)
		if err != nil {
			// 坏消息丢弃并告警，不拖垮整条流
			ingestLog.Errorf("❌ 事件解码失败，已丢弃: %v", err)
			continue
		}
		if err := l.bus.Send(ctx, msg); err != nil {
			return err
		}
		ingestLog.Debugf("事件已入队: type=%s id=%s", msg.MessageType(), msg.ID())
	}
}
