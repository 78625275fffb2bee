package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestLog(t *testing.T) *Log {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestLog_RecordAndQuery(t *testing.T) {
	l := openTestLog(t)
	l.SetClock(func() time.Time { return time.Unix(1700000000, 0) })
	ctx := context.Background()

	events := []struct{ client, tx, kind string }{
		{"alice", "tx-1", "cashout-redeemed"},
		{"alice", "tx-2", "manual-update"},
		{"bob", "tx-1", "redeem-exhausted"},
	}
	for _, e := range events {
		if err := l.Record(ctx, e.client, e.tx, e.kind, "details"); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	byClient, err := l.ByClient(ctx, "alice", 10)
	if err != nil {
		t.Fatalf("ByClient: %v", err)
	}
	if len(byClient) != 2 {
		t.Fatalf("alice events = %d, want 2", len(byClient))
	}
	// 倒序：最新的在前
	if byClient[0].Kind != "manual-update" {
		t.Fatalf("order wrong: %+v", byClient)
	}

	byTx, err := l.ByTransaction(ctx, "tx-1")
	if err != nil {
		t.Fatalf("ByTransaction: %v", err)
	}
	if len(byTx) != 2 {
		t.Fatalf("tx-1 events = %d, want 2", len(byTx))
	}
	if byTx[0].ClientID != "alice" || byTx[1].ClientID != "bob" {
		t.Fatalf("tx order wrong: %+v", byTx)
	}
}

func TestLog_ByClientLimit(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := l.Record(ctx, "carol", "tx-n", "notified", ""); err != nil {
			t.Fatal(err)
		}
	}
	got, err := l.ByClient(ctx, "carol", 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("limit ignored, got %d", len(got))
	}
}
