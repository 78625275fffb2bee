package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opsbot/goledger/internal/dedup"
)

type testMsg struct {
	Type string
	Key  string
}

func (m testMsg) MessageType() string { return m.Type }
func (m testMsg) ID() string          { return m.Key }

func newTestRouter(t *testing.T, opts Options) *Router {
	t.Helper()
	r := NewRouter(opts)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		r.Stop()
	})
	r.Start(ctx)
	return r
}

func TestRouter_DeliversToAllSubscribers(t *testing.T) {
	r := newTestRouter(t, Options{Workers: 2, QueueSize: 16})

	var a, b int32
	done := make(chan struct{}, 2)
	r.Handle("evt", "sub-a", func(ctx context.Context, msg Message) Result {
		atomic.AddInt32(&a, 1)
		done <- struct{}{}
		return Ok()
	})
	r.Handle("evt", "sub-b", func(ctx context.Context, msg Message) Result {
		atomic.AddInt32(&b, 1)
		done <- struct{}{}
		return Ok()
	})

	if err := r.Publish(context.Background(), testMsg{Type: "evt", Key: "e1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for delivery %d", i)
		}
	}
	if atomic.LoadInt32(&a) != 1 || atomic.LoadInt32(&b) != 1 {
		t.Fatalf("fan-out mismatch: a=%d b=%d", a, b)
	}
}

func TestRouter_DeadLetterBoundary(t *testing.T) {
	r := newTestRouter(t, Options{Workers: 1, QueueSize: 16, MaxAttempts: 3, RetryDelay: time.Millisecond})

	var calls int32
	dead := make(chan DeadLetter, 1)
	r.OnDeadLetter(func(dl DeadLetter) { dead <- dl })
	r.Handle("cmd", "always-fail", func(ctx context.Context, msg Message) Result {
		atomic.AddInt32(&calls, 1)
		return Fail(time.Millisecond, "boom")
	})

	if err := r.Send(context.Background(), testMsg{Type: "cmd", Key: "c1"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	var dl DeadLetter
	select {
	case dl = <-dead:
	case <-time.After(2 * time.Second):
		t.Fatalf("message never dead-lettered")
	}
	if dl.Attempts != 3 || dl.Reason != "boom" {
		t.Fatalf("unexpected dead letter: %+v", dl)
	}

	// 死信后不再重投
	time.Sleep(20 * time.Millisecond)
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("redelivery continued after dead letter: calls=%d", got)
	}
	if got := len(r.DeadLetters()); got != 1 {
		t.Fatalf("expected 1 dead letter, got %d", got)
	}
}

func TestRouter_RetryThenSucceed(t *testing.T) {
	r := newTestRouter(t, Options{Workers: 1, QueueSize: 16, MaxAttempts: 5, RetryDelay: time.Millisecond})

	var calls int32
	ok := make(chan struct{})
	r.Handle("cmd", "flaky", func(ctx context.Context, msg Message) Result {
		if atomic.AddInt32(&calls, 1) < 3 {
			return Fail(time.Millisecond, "transient")
		}
		close(ok)
		return Ok()
	})

	if err := r.Send(context.Background(), testMsg{Type: "cmd", Key: "c2"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case <-ok:
	case <-time.After(2 * time.Second):
		t.Fatalf("message never succeeded")
	}
	if got := len(r.DeadLetters()); got != 0 {
		t.Fatalf("unexpected dead letters: %d", got)
	}
}

func TestRouter_DedupSuppressesReplay(t *testing.T) {
	r := newTestRouter(t, Options{Workers: 1, QueueSize: 16})
	d := dedup.New(time.Minute, 4)
	r.SetDeduper(d)

	var calls int32
	var wg sync.WaitGroup
	wg.Add(1)
	r.Handle("cmd", "once", func(ctx context.Context, msg Message) Result {
		atomic.AddInt32(&calls, 1)
		wg.Done()
		return Ok()
	})

	msg := testMsg{Type: "cmd", Key: "c3"}
	if err := r.Send(context.Background(), msg); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := r.Send(context.Background(), msg); err != nil {
		t.Fatalf("replay send: %v", err)
	}
	wg.Wait()
	time.Sleep(20 * time.Millisecond)
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("replay not suppressed: calls=%d", got)
	}
	if r.GetStats().Deduplicated != 1 {
		t.Fatalf("dedup counter mismatch: %+v", r.GetStats())
	}
}

func TestRouter_Redrive(t *testing.T) {
	r := newTestRouter(t, Options{Workers: 1, QueueSize: 16, MaxAttempts: 1, RetryDelay: time.Millisecond})

	var fail int32 = 1
	handled := make(chan struct{}, 4)
	dead := make(chan DeadLetter, 1)
	r.OnDeadLetter(func(dl DeadLetter) { dead <- dl })
	r.Handle("cmd", "recoverable", func(ctx context.Context, msg Message) Result {
		if atomic.LoadInt32(&fail) == 1 {
			return Fail(time.Millisecond, "downstream outage")
		}
		handled <- struct{}{}
		return Ok()
	})

	if err := r.Send(context.Background(), testMsg{Type: "cmd", Key: "c4"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case <-dead:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected dead letter")
	}

	// 故障恢复后人工重投
	atomic.StoreInt32(&fail, 0)
	if err := r.Redrive(context.Background(), "c4"); err != nil {
		t.Fatalf("redrive: %v", err)
	}
	select {
	case <-handled:
	case <-time.After(2 * time.Second):
		t.Fatalf("redriven message never handled")
	}
	if got := len(r.DeadLetters()); got != 0 {
		t.Fatalf("dead letter not cleared after redrive: %d", got)
	}
}
