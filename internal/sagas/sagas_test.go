package sagas

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opsbot/goledger/internal/bus"
	"github.com/opsbot/goledger/internal/domain"
	"github.com/opsbot/goledger/internal/events"
	"github.com/opsbot/goledger/internal/handlers"
	"github.com/opsbot/goledger/internal/store"
)

type stubAssets struct {
	assets  map[string]*domain.Asset
	trusted map[string]bool
}

func (s *stubAssets) GetAsset(_ context.Context, assetID string) (*domain.Asset, error) {
	return s.assets[assetID], nil
}

func (s *stubAssets) IsClientTrusted(_ context.Context, clientID string) (bool, error) {
	return s.trusted[clientID], nil
}

type stubNotifier struct{ pushed []string }

func (n *stubNotifier) Push(_ context.Context, clientID, message string) error {
	n.pushed = append(n.pushed, clientID+": "+message)
	return nil
}

type stubHistory struct{ counts map[string]int }

func (h *stubHistory) IncrementOperations(_ context.Context, clientID string, delta int) error {
	if h.counts == nil {
		h.counts = map[string]int{}
	}
	h.counts[clientID] += delta
	return nil
}

func newTestBus(t *testing.T) *bus.Router {
	t.Helper()
	r := bus.NewRouter(bus.Options{Workers: 2, QueueSize: 64, MaxAttempts: 3, RetryDelay: 10 * time.Millisecond})
	r.Start(context.Background())
	t.Cleanup(r.Stop)
	return r
}

// record 订阅一个消息类型，把投递到的消息转入 channel
func record(r *bus.Router, msgType string) chan bus.Message {
	ch := make(chan bus.Message, 8)
	r.Handle(msgType, "recorder", func(_ context.Context, m bus.Message) bus.Result {
		ch <- m
		return bus.Ok()
	})
	return ch
}

func waitMsg(t *testing.T, ch chan bus.Message) bus.Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatched message")
		return nil
	}
}

func TestForwardWithdrawalSaga_DispatchesLinkCommand(t *testing.T) {
	r := newTestBus(t)
	got := record(r, handlers.TypeLinkForward)
	s := New(Deps{Bus: r})

	evt := events.CashOutStateSavedEvent{
		TransactionID:       "tx-1",
		ClientID:            "bob",
		ForwardWithdrawal:   true,
		ForwardWithdrawalID: "fwd-1",
	}
	if res := s.onCashOutStateSaved(context.Background(), evt); res != bus.Ok() {
		t.Fatalf("saga failed: %+v", res)
	}

	cmd := waitMsg(t, got).(handlers.LinkForwardWithdrawalCommand)
	if cmd.TransactionID != "tx-1" || cmd.ForwardWithdrawalID != "fwd-1" {
		t.Fatalf("link command = %+v", cmd)
	}
}

func TestForwardWithdrawalSaga_IgnoresPlainCashOut(t *testing.T) {
	r := newTestBus(t)
	got := record(r, handlers.TypeLinkForward)
	s := New(Deps{Bus: r})

	evt := events.CashOutStateSavedEvent{TransactionID: "tx-2", ClientID: "bob"}
	if res := s.onCashOutStateSaved(context.Background(), evt); res != bus.Ok() {
		t.Fatalf("saga failed: %+v", res)
	}
	select {
	case m := <-got:
		t.Fatalf("plain cash-out must not dispatch link command, got %+v", m)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTransferSaga_OffchainCompletesWithDebitLeg(t *testing.T) {
	r := newTestBus(t)
	got := record(r, handlers.TypeComplete)
	mem := store.NewMemoryStore()

	wc := domain.NewWorkflowContext(domain.WorkflowTransfer)
	wc.Transfer.Legs = map[string]string{"alice": "op-1", "bob": "op-2"}
	if err := mem.Set("tx-t", wc); err != nil {
		t.Fatal(err)
	}

	s := New(Deps{
		Bus:      r,
		Contexts: mem,
		Assets:   &stubAssets{assets: map[string]*domain.Asset{"USD": {ID: "USD", Blockchain: domain.BlockchainNone}}},
	})

	evt := events.TransferCreatedEvent{
		TransactionID: "tx-t", FromClientID: "alice", ToClientID: "bob", AssetID: "USD",
	}
	if res := s.onTransferCreated(context.Background(), evt); res != bus.Ok() {
		t.Fatalf("saga failed: %+v", res)
	}

	cmd := waitMsg(t, got).(handlers.CompleteOperationCommand)
	if cmd.TransactionID != "tx-t" || cmd.OperationID != "op-1" {
		t.Fatalf("complete command = %+v", cmd)
	}
}

func TestTransferSaga_CompanionIDReusedAcrossRedelivery(t *testing.T) {
	r := newTestBus(t)
	got := record(r, handlers.TypeSubmit)
	mem := store.NewMemoryStore()

	wc := domain.NewWorkflowContext(domain.WorkflowTransfer)
	wc.Transfer.Legs = map[string]string{"alice": "op-1", "bob": "op-2"}
	if err := mem.Set("tx-c", wc); err != nil {
		t.Fatal(err)
	}

	s := New(Deps{
		Bus:      r,
		Contexts: mem,
		Assets:   &stubAssets{assets: map[string]*domain.Asset{"BTC": {ID: "BTC", Blockchain: domain.BlockchainBitcoin}}},
	})
	n := 0
	s.SetIDMinter(func() string { n++; return fmt.Sprintf("companion-%d", n) })

	evt := events.TransferCreatedEvent{
		TransactionID: "tx-c", FromClientID: "alice", ToClientID: "bob", AssetID: "BTC",
		Amount: decimal.RequireFromString("0.5"),
	}
	for i := 0; i < 2; i++ {
		if res := s.onTransferCreated(context.Background(), evt); res != bus.Ok() {
			t.Fatalf("delivery %d failed: %+v", i, res)
		}
	}

	first := waitMsg(t, got).(handlers.SubmitTransactionCommand)
	second := waitMsg(t, got).(handlers.SubmitTransactionCommand)
	if first.TransactionID != "companion-1" || second.TransactionID != "companion-1" {
		t.Fatalf("companion id must be minted once: %q vs %q", first.TransactionID, second.TransactionID)
	}
	if first.Channel != domain.ChannelBitcoin || first.OperationID != "op-2" {
		t.Fatalf("submission = %+v", first)
	}
	if first.ParentTransactionID != "tx-c" {
		t.Fatalf("companion parent = %q, want tx-c", first.ParentTransactionID)
	}
}

func TestTradeSaga_TrustedClientSkipsMaterialize(t *testing.T) {
	r := newTestBus(t)
	got := record(r, handlers.TypeMaterialize)
	s := New(Deps{Bus: r, Assets: &stubAssets{trusted: map[string]bool{"mm-1": true}}})

	evt := events.TradeCreatedEvent{OrderID: "order-1", ClientID: "mm-1"}
	if res := s.onTradeCreated(context.Background(), evt); res != bus.Ok() {
		t.Fatalf("saga failed: %+v", res)
	}
	select {
	case m := <-got:
		t.Fatalf("trusted client must not materialize, got %+v", m)
	case <-time.After(100 * time.Millisecond):
	}

	evt2 := events.TradeCreatedEvent{OrderID: "order-2", ClientID: "retail-1"}
	if res := s.onTradeCreated(context.Background(), evt2); res != bus.Ok() {
		t.Fatalf("saga failed: %+v", res)
	}
	cmd := waitMsg(t, got).(handlers.MaterializeTransactionCommand)
	if cmd.OrderID != "order-2" {
		t.Fatalf("materialize command = %+v", cmd)
	}
}

func TestHistoryAndNotificationSubscribers(t *testing.T) {
	n := &stubNotifier{}
	h := &stubHistory{}
	s := New(Deps{
		Notifier: n,
		History:  h,
		Assets:   &stubAssets{trusted: map[string]bool{"mm-1": true}},
	})

	evt := events.LimitOrderExecutedEvent{OrderID: "order-1", ClientID: "alice", Timestamp: time.Unix(0, 0)}
	if res := s.onLimitOrderExecutedHistory(context.Background(), evt); res != bus.Ok() {
		t.Fatalf("history saga failed: %+v", res)
	}
	if res := s.onLimitOrderExecutedNotify(context.Background(), evt); res != bus.Ok() {
		t.Fatalf("notify saga failed: %+v", res)
	}
	if h.counts["alice"] != 1 {
		t.Fatalf("history count = %d", h.counts["alice"])
	}
	if len(n.pushed) != 1 {
		t.Fatalf("pushed = %v", n.pushed)
	}

	// 可信客户端：不计数、不推送
	trustedEvt := events.LimitOrderExecutedEvent{OrderID: "order-2", ClientID: "mm-1", Timestamp: time.Unix(0, 0)}
	if res := s.onLimitOrderExecutedHistory(context.Background(), trustedEvt); res != bus.Ok() {
		t.Fatalf("history saga failed for trusted client: %+v", res)
	}
	if res := s.onLimitOrderExecutedNotify(context.Background(), trustedEvt); res != bus.Ok() {
		t.Fatalf("notify saga failed for trusted client: %+v", res)
	}
	if h.counts["mm-1"] != 0 {
		t.Fatalf("trusted client history count = %d, want 0", h.counts["mm-1"])
	}
	if len(n.pushed) != 1 {
		t.Fatalf("trusted client must not be notified: %v", n.pushed)
	}
}

func TestRoutes_StaticTableCoversAllEvents(t *testing.T) {
	s := New(Deps{})
	want := map[string][]string{
		events.TypeCashOutStateSaved:  {"forward-withdrawal-saga"},
		events.TypeTransferCreated:    {"transfer-saga", "notifications-saga"},
		events.TypeTradeCreated:       {"trade-saga"},
		events.TypeLimitOrderExecuted: {"history-saga", "notifications-saga"},
	}

	got := map[string][]string{}
	for _, rt := range s.Routes() {
		got[rt.EventType] = append(got[rt.EventType], rt.Saga)
		if rt.Handler == nil {
			t.Fatalf("route %s/%s has nil handler", rt.EventType, rt.Saga)
		}
	}
	for evtType, sagaNames := range want {
		if len(got[evtType]) != len(sagaNames) {
			t.Fatalf("event %s: subscribers = %v, want %v", evtType, got[evtType], sagaNames)
		}
		for i, name := range sagaNames {
			if got[evtType][i] != name {
				t.Fatalf("event %s: subscribers = %v, want %v", evtType, got[evtType], sagaNames)
			}
		}
	}
}
