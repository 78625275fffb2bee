package sagas

import (
	"github.com/opsbot/goledger/internal/bus"
	"github.com/opsbot/goledger/internal/events"
)

// Route 一条静态订阅：事件类型 -> 具名 saga 订阅者。
// 全部订阅集中在这张表里，审阅路由只需要看这一个地方。
type Route struct {
	EventType string
	Saga      string
	Handler   bus.HandlerFunc
}

// Routes 返回完整路由表
func (s *Sagas) Routes() []Route {
	return []Route{
		{events.TypeCashOutStateSaved, "forward-withdrawal-saga", s.onCashOutStateSaved},
		{events.TypeTransferCreated, "transfer-saga", s.onTransferCreated},
		{events.TypeTransferCreated, "notifications-saga", s.onTransferCreatedNotify},
		{events.TypeTradeCreated, "trade-saga", s.onTradeCreated},
		{events.TypeLimitOrderExecuted, "history-saga", s.onLimitOrderExecutedHistory},
		{events.TypeLimitOrderExecuted, "notifications-saga", s.onLimitOrderExecutedNotify},
	}
}

// Register 把路由表挂到总线上
func (s *Sagas) Register(r *bus.Router) {
	for _, rt := range s.Routes() {
		r.Handle(rt.EventType, rt.Saga, rt.Handler)
	}
}
