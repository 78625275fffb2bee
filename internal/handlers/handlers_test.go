package handlers

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opsbot/goledger/internal/bus"
	"github.com/opsbot/goledger/internal/domain"
	"github.com/opsbot/goledger/internal/events"
	"github.com/opsbot/goledger/internal/ports"
	"github.com/opsbot/goledger/internal/store"
)

type stubAccounts struct {
	calls      int
	failOnCall int // 第 N 次调用失败一次（0 表示从不失败）
	registered []ports.LedgerOperation
	linked     []string
	settled    []string
	hashes     []string
}

func (a *stubAccounts) Register(_ context.Context, op ports.LedgerOperation) (string, error) {
	a.calls++
	if a.calls == a.failOnCall {
		return "", errors.New("ledger service unavailable")
	}
	a.registered = append(a.registered, op)
	return fmt.Sprintf("op-%d", a.calls), nil
}

func (a *stubAccounts) UpdateBlockchainHash(_ context.Context, clientID, operationID, hash string) error {
	a.hashes = append(a.hashes, operationID+"="+hash)
	return nil
}

func (a *stubAccounts) SetIsSettled(_ context.Context, clientID, operationID string, settled bool) error {
	a.settled = append(a.settled, operationID)
	return nil
}

func (a *stubAccounts) LinkForwardWithdrawal(_ context.Context, clientID, forwardID, cashInID string) error {
	a.linked = append(a.linked, forwardID+"->"+cashInID)
	return nil
}

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

type stubAudit struct {
	entries []string
}

func (a *stubAudit) Record(_ context.Context, clientID, txID, kind, message string) error {
	a.entries = append(a.entries, kind)
	return nil
}

type fixture struct {
	svc      *Service
	mem      *store.MemoryStore
	accounts *stubAccounts
	audit    *stubAudit
}

func newFixture(assets map[string]*domain.Asset) *fixture {
	mem := store.NewMemoryStore()
	accounts := &stubAccounts{}
	auditor := &stubAudit{}
	svc := New(Deps{
		Ledger:   mem,
		Contexts: mem,
		Assets:   &stubAssets{assets: assets, trusted: map[string]bool{}},
		Accounts: accounts,
		Bus:      bus.NewRouter(bus.Options{}),
		Audit:    auditor,
	})
	svc.SetClock(func() time.Time { return time.Unix(1700000000, 0).UTC() })
	n := 0
	svc.SetIDMinter(func() string { n++; return fmt.Sprintf("minted-%d", n) })
	return &fixture{svc: svc, mem: mem, accounts: accounts, audit: auditor}
}

func offchainAsset(id string) *domain.Asset {
	return &domain.Asset{ID: id, Accuracy: 2, Blockchain: domain.BlockchainNone}
}

func TestIssue_ReplayDoesNotReRegister(t *testing.T) {
	f := newFixture(map[string]*domain.Asset{"USD": offchainAsset("USD")})
	cmd := IssueCommand{
		TransactionID: "tx-1",
		ClientID:      "alice",
		AssetID:       "USD",
		Amount:        decimal.RequireFromString("100.129"),
		Fee:           decimal.RequireFromString("0.5"),
	}

	for i := 0; i < 3; i++ {
		if res := f.svc.handleIssue(context.Background(), cmd); !resOk(res) {
			t.Fatalf("attempt %d failed: %+v", i, res)
		}
	}

	if f.accounts.calls != 1 {
		t.Fatalf("register must run exactly once, got %d", f.accounts.calls)
	}
	got := f.accounts.registered[0]
	if want := decimal.RequireFromString("99.62"); !got.Amount.Equal(want) {
		t.Fatalf("posting amount = %s, want %s", got.Amount, want)
	}

	rec, err := f.mem.FindByTransactionID("tx-1")
	if err != nil || rec == nil {
		t.Fatalf("record missing: rec=%v err=%v", rec, err)
	}
	if rec.CommandType != domain.CommandIssue || rec.RequestPayload == nil {
		t.Fatalf("record not fully populated: %+v", rec)
	}

	wc := &domain.WorkflowContext{}
	if err := f.mem.Get("tx-1", wc); err != nil {
		t.Fatalf("context missing: %v", err)
	}
	if wc.Issue.OperationID != "op-1" {
		t.Fatalf("operation id = %q, want op-1", wc.Issue.OperationID)
	}
}

func TestCashOut_ForwardWithdrawalRegistersBothLegs(t *testing.T) {
	f := newFixture(map[string]*domain.Asset{
		"BTC-FWD": {
			ID:                 "BTC-FWD",
			Accuracy:           8,
			Blockchain:         domain.BlockchainNone,
			ForwardBaseAssetID: "BTC",
			ForwardFrozenDays:  30,
		},
	})
	cmd := CashOutCommand{
		TransactionID: "tx-fwd",
		ClientID:      "bob",
		AssetID:       "BTC-FWD",
		Amount:        decimal.RequireFromString("1.5"),
	}

	for i := 0; i < 2; i++ {
		if res := f.svc.handleCashOut(context.Background(), cmd); !resOk(res) {
			t.Fatalf("attempt %d failed: %+v", i, res)
		}
	}

	// 一笔出金 + 一笔远期入金，重放不追加
	if f.accounts.calls != 2 {
		t.Fatalf("register calls = %d, want 2", f.accounts.calls)
	}
	cashOut, fwd := f.accounts.registered[0], f.accounts.registered[1]
	if !cashOut.Amount.IsNegative() {
		t.Fatalf("cash-out amount must be negative, got %s", cashOut.Amount)
	}
	if fwd.AssetID != "BTC" {
		t.Fatalf("forward leg asset = %s, want base asset BTC", fwd.AssetID)
	}
	if fwd.ValueDate == nil {
		t.Fatal("forward leg must carry a future value date")
	}
	wantDate := time.Unix(1700000000, 0).UTC().AddDate(0, 0, 30)
	if !fwd.ValueDate.Equal(wantDate) {
		t.Fatalf("value date = %s, want %s", fwd.ValueDate, wantDate)
	}

	wc := &domain.WorkflowContext{}
	if err := f.mem.Get("tx-fwd", wc); err != nil {
		t.Fatalf("context missing: %v", err)
	}
	if wc.CashOut.ForwardWithdrawalID != "minted-1" {
		t.Fatalf("forward withdrawal id = %q, want minted-1", wc.CashOut.ForwardWithdrawalID)
	}
}

func TestTransfer_CreditLegRetriedAlone(t *testing.T) {
	f := newFixture(map[string]*domain.Asset{"USD": offchainAsset("USD")})
	f.accounts.failOnCall = 2 // 借记腿成功，贷记腿第一次失败
	cmd := TransferCommand{
		TransactionID: "tx-t",
		FromClientID:  "alice",
		ToClientID:    "bob",
		AssetID:       "USD",
		Amount:        decimal.RequireFromString("50"),
	}

	if res := f.svc.handleTransfer(context.Background(), cmd); resOk(res) {
		t.Fatal("first attempt must fail on the credit leg")
	}
	if res := f.svc.handleTransfer(context.Background(), cmd); !resOk(res) {
		t.Fatalf("retry failed: %+v", res)
	}

	// 3 次调用：借记、失败的贷记、补上的贷记；实际入账 2 笔
	if f.accounts.calls != 3 || len(f.accounts.registered) != 2 {
		t.Fatalf("calls=%d registered=%d, want 3/2", f.accounts.calls, len(f.accounts.registered))
	}
	debit, credit := f.accounts.registered[0], f.accounts.registered[1]
	if !debit.Amount.Equal(decimal.RequireFromString("-50")) {
		t.Fatalf("debit = %s, want -50", debit.Amount)
	}
	if credit.ClientID != "bob" || !credit.Amount.Equal(decimal.RequireFromString("50")) {
		t.Fatalf("credit leg wrong: %+v", credit)
	}
}

func TestSwap_ConservationViolationAbandons(t *testing.T) {
	f := newFixture(nil)
	cmd := SwapOffchainCommand{
		OrderID:  "order-bad",
		ClientID: "alice",
		Legs: []domain.TradeLeg{
			{ClientID: "alice", AssetID: "BTC", Amount: decimal.RequireFromString("1")},
			{ClientID: "bob", AssetID: "BTC", Amount: decimal.RequireFromString("-0.5")},
		},
	}

	if res := f.svc.handleSwapOffchain(context.Background(), cmd); !resOk(res) {
		t.Fatalf("conservation violation must be acknowledged, not retried: %+v", res)
	}
	if f.accounts.calls != 0 {
		t.Fatalf("no operation may be registered, got %d", f.accounts.calls)
	}
	if len(f.audit.entries) != 1 || f.audit.entries[0] != "swap-conservation-violated" {
		t.Fatalf("audit entries = %v", f.audit.entries)
	}
}

func TestSwap_PartialFailureResumesFromGap(t *testing.T) {
	f := newFixture(nil)
	f.accounts.failOnCall = 2
	cmd := SwapOffchainCommand{
		OrderID:  "order-1",
		ClientID: "alice",
		Legs: []domain.TradeLeg{
			{ClientID: "alice", AssetID: "BTC", Amount: decimal.RequireFromString("1")},
			{ClientID: "alice", AssetID: "USD", Amount: decimal.RequireFromString("-9000")},
			{ClientID: "bob", AssetID: "BTC", Amount: decimal.RequireFromString("-1")},
			{ClientID: "bob", AssetID: "USD", Amount: decimal.RequireFromString("9000")},
		},
	}

	if res := f.svc.handleSwapOffchain(context.Background(), cmd); resOk(res) {
		t.Fatal("first attempt must fail mid-way")
	}
	if res := f.svc.handleSwapOffchain(context.Background(), cmd); !resOk(res) {
		t.Fatalf("retry failed: %+v", res)
	}

	// 4 笔净划转；第一轮登记 1 笔后失败，第二轮从缺口续登
	if len(f.accounts.registered) != 4 {
		t.Fatalf("registered = %d, want 4", len(f.accounts.registered))
	}
	wc := &domain.WorkflowContext{}
	if err := f.mem.Get("order-1", wc); err != nil {
		t.Fatalf("context missing: %v", err)
	}
	if len(wc.Swap.Operations) != 4 {
		t.Fatalf("operations tracked = %d, want 4", len(wc.Swap.Operations))
	}
}

func TestCashOutFailed_RedeemOnceThenIdempotent(t *testing.T) {
	f := newFixture(nil)
	if err := f.mem.CreateOrUpdate("tx-r", domain.CommandCashOut); err != nil {
		t.Fatal(err)
	}
	evt := events.CashOutFailedEvent{
		TransactionID: "tx-r",
		ClientID:      "carol",
		AssetID:       "ETH",
		Amount:        decimal.RequireFromString("-2"),
		Error:         "gateway rejected",
	}

	for i := 0; i < 3; i++ {
		if res := f.svc.handleCashOutFailed(context.Background(), evt); !resOk(res) {
			t.Fatalf("attempt %d failed: %+v", i, res)
		}
	}

	if f.accounts.calls != 1 {
		t.Fatalf("redeem must register exactly once, got %d", f.accounts.calls)
	}
	if got := f.accounts.registered[0].Amount; !got.Equal(decimal.RequireFromString("2")) {
		t.Fatalf("redeem amount = %s, want 2 (abs)", got)
	}
}

func TestCashOutFailed_AttemptsBounded(t *testing.T) {
	f := newFixture(nil)
	wc := domain.NewWorkflowContext(domain.WorkflowCashOut)
	wc.CashOut.RedeemAttempts = maxRedeemAttempts
	if err := f.mem.Set("tx-x", wc); err != nil {
		t.Fatal(err)
	}
	if err := f.mem.CreateOrUpdate("tx-x", domain.CommandCashOut); err != nil {
		t.Fatal(err)
	}

	evt := events.CashOutFailedEvent{TransactionID: "tx-x", ClientID: "dave", AssetID: "ETH",
		Amount: decimal.RequireFromString("-1"), Error: "boom"}
	if res := f.svc.handleCashOutFailed(context.Background(), evt); !resOk(res) {
		t.Fatalf("exhausted redeem must acknowledge: %+v", res)
	}
	if f.accounts.calls != 0 {
		t.Fatalf("no further redeem allowed, got %d registers", f.accounts.calls)
	}
	if len(f.audit.entries) != 1 || f.audit.entries[0] != "redeem-exhausted" {
		t.Fatalf("audit entries = %v", f.audit.entries)
	}
}

func TestHashObserved_PropagatesAndSettles(t *testing.T) {
	f := newFixture(nil)
	if err := f.mem.CreateOrUpdate("tx-h", domain.CommandCashOut); err != nil {
		t.Fatal(err)
	}

	evt := events.BlockchainHashObservedEvent{
		TransactionID: "tx-h",
		ClientID:      "alice",
		OperationID:   "op-9",
		Hash:          "0xabc",
	}
	if res := f.svc.handleHashObserved(context.Background(), evt); !resOk(res) {
		t.Fatalf("hash observed failed: %+v", res)
	}

	rec, _ := f.mem.FindByTransactionID("tx-h")
	if rec.BlockchainHash != "0xabc" {
		t.Fatalf("record hash = %q", rec.BlockchainHash)
	}
	if len(f.accounts.hashes) != 1 || f.accounts.hashes[0] != "op-9=0xabc" {
		t.Fatalf("hash not propagated: %v", f.accounts.hashes)
	}
	if len(f.accounts.settled) != 1 || f.accounts.settled[0] != "op-9" {
		t.Fatalf("operation not settled: %v", f.accounts.settled)
	}
}

func TestManualUpdate_CreatesMinimalRecordAndAudits(t *testing.T) {
	f := newFixture(nil)
	cmd := ManualUpdateCommand{
		TransactionID:  "tx-m",
		BlockchainHash: "0xdef",
		Comment:        "backfill missing hash",
	}
	if res := f.svc.handleManualUpdate(context.Background(), cmd); !resOk(res) {
		t.Fatalf("manual update failed: %+v", res)
	}

	rec, _ := f.mem.FindByTransactionID("tx-m")
	if rec == nil || rec.BlockchainHash != "0xdef" {
		t.Fatalf("record = %+v", rec)
	}
	if rec.CommandType != domain.CommandManualUpdate {
		t.Fatalf("command type = %s", rec.CommandType)
	}
	if len(f.audit.entries) != 1 || f.audit.entries[0] != "manual-update" {
		t.Fatalf("audit entries = %v", f.audit.entries)
	}
}

func TestLinkForward_RequiresRegisteredCashIn(t *testing.T) {
	f := newFixture(nil)
	if err := f.mem.CreateOrUpdate("tx-l", domain.CommandCashOut); err != nil {
		t.Fatal(err)
	}
	wc := domain.NewWorkflowContext(domain.WorkflowCashOut)
	wc.CashOut.ForwardCashInID = "op-7"
	if err := f.mem.Set("tx-l", wc); err != nil {
		t.Fatal(err)
	}

	cmd := LinkForwardWithdrawalCommand{
		TransactionID:       "tx-l",
		ClientID:            "bob",
		ForwardWithdrawalID: "fwd-1",
	}
	if res := f.svc.handleLinkForward(context.Background(), cmd); !resOk(res) {
		t.Fatalf("link failed: %+v", res)
	}
	if len(f.accounts.linked) != 1 || f.accounts.linked[0] != "fwd-1->op-7" {
		t.Fatalf("linked = %v", f.accounts.linked)
	}
	rec, _ := f.mem.FindByTransactionID("tx-l")
	if rec.RespondedAt == nil {
		t.Fatal("link must finish the record")
	}
}

func resOk(r bus.Result) bool {
	return r == bus.Ok()
}

type stubChannel struct {
	channel domain.SubmissionChannel
	subs    []ports.Submission
}

func (c *stubChannel) Channel() domain.SubmissionChannel { return c.channel }

func (c *stubChannel) Submit(_ context.Context, sub ports.Submission) error {
	c.subs = append(c.subs, sub)
	return nil
}

func waitComplete(t *testing.T, ch chan bus.Message) CompleteOperationCommand {
	t.Helper()
	select {
	case m := <-ch:
		return m.(CompleteOperationCommand)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for complete command")
		return CompleteOperationCommand{}
	}
}

func TestCompanionHashObserved_FinishesOriginalTransfer(t *testing.T) {
	f := newFixture(nil)
	ch := &stubChannel{channel: domain.ChannelBitcoin}
	f.svc.deps.Channels = []ports.BlockchainChannel{ch}

	r := f.svc.deps.Bus
	r.Start(context.Background())
	defer r.Stop()
	completes := make(chan bus.Message, 4)
	r.Handle(TypeComplete, "recorder", func(_ context.Context, m bus.Message) bus.Result {
		completes <- m
		return bus.Ok()
	})

	// 原始转账：记录与 context 就位，两腿已入账
	if err := f.mem.CreateOrUpdate("tx-orig", domain.CommandTransfer); err != nil {
		t.Fatal(err)
	}
	wc := domain.NewWorkflowContext(domain.WorkflowTransfer)
	wc.Transfer.FromClientID = "alice"
	wc.Transfer.Legs = map[string]string{"alice": "op-1", "bob": "op-2"}
	wc.Transfer.CompanionTransferID = "companion-1"
	if err := f.mem.Set("tx-orig", wc); err != nil {
		t.Fatal(err)
	}

	sub := SubmitTransactionCommand{
		TransactionID:       "companion-1",
		ParentTransactionID: "tx-orig",
		Channel:             domain.ChannelBitcoin,
		ClientID:            "bob",
		OperationID:         "op-2",
		Amount:              decimal.RequireFromString("0.5"),
		AssetID:             "BTC",
		Workflow:            domain.WorkflowTransfer,
	}
	if res := f.svc.handleSubmit(context.Background(), sub); !resOk(res) {
		t.Fatalf("submit failed: %+v", res)
	}
	if len(ch.subs) != 1 {
		t.Fatalf("channel submissions = %d, want 1", len(ch.subs))
	}
	rec, err := f.mem.FindByTransactionID("companion-1")
	if err != nil || rec == nil {
		t.Fatalf("companion record missing: rec=%v err=%v", rec, err)
	}
	if rec.ParentTransactionID != "tx-orig" || rec.State() != domain.StateDispatched {
		t.Fatalf("companion record = %+v", rec)
	}

	evt := events.BlockchainHashObservedEvent{
		TransactionID: "companion-1",
		ClientID:      "bob",
		OperationID:   "op-2",
		Hash:          "0xfeed",
	}
	for i := 0; i < 2; i++ {
		if res := f.svc.handleHashObserved(context.Background(), evt); !resOk(res) {
			t.Fatalf("hash observed attempt %d failed: %+v", i, res)
		}
	}

	rec, _ = f.mem.FindByTransactionID("companion-1")
	if rec.BlockchainHash != "0xfeed" {
		t.Fatalf("companion hash = %q", rec.BlockchainHash)
	}
	if len(f.accounts.settled) == 0 || f.accounts.settled[0] != "op-2" {
		t.Fatalf("credit leg not settled: %v", f.accounts.settled)
	}

	got := &domain.WorkflowContext{}
	if err := f.mem.Get("tx-orig", got); err != nil {
		t.Fatal(err)
	}
	if !got.Transfer.Completed {
		t.Fatal("original transfer must be marked completed")
	}

	cmd := waitComplete(t, completes)
	if cmd.TransactionID != "tx-orig" || cmd.ClientID != "alice" || cmd.OperationID != "op-1" {
		t.Fatalf("complete command = %+v", cmd)
	}
}
