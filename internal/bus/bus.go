package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opsbot/goledger/internal/dedup"
	"github.com/opsbot/goledger/pkg/syncgroup"
)

var busLog = logrus.WithField("component", "bus")

// Message 总线上流转的命令/事件。
// 与处理引擎解耦：总线只认类型名和消息 id。
type Message interface {
	MessageType() string
	ID() string
}

// Result handler 的处理结果：Ok 确认，或 Fail 并指定重投延迟
type Result struct {
	ok     bool
	delay  time.Duration
	reason string
}

// Ok 确认消息已处理完成
func Ok() Result { return Result{ok: true} }

// Fail 处理失败，delay 后重投；reason 用于观测与死信记录
func Fail(delay time.Duration, reason string) Result {
	return Result{ok: false, delay: delay, reason: reason}
}

// HandlerFunc 消息处理函数。
// 实现必须假设 at-least-once 投递：同一消息可能被重复交付。
type HandlerFunc func(ctx context.Context, msg Message) Result

// DeadLetter 死信：重投次数耗尽后的最终归宿
type DeadLetter struct {
	Message  Message
	Reason   string
	Attempts int
	At       time.Time
}

// Options 总线参数
type Options struct {
	Workers     int           // 处理并发度（有界）
	QueueSize   int           // 队列容量（有界，满时 Send/Publish 阻塞形成背压）
	MaxAttempts int           // 单条消息的最大投递次数，超过即死信
	RetryDelay  time.Duration // handler 未指定延迟时的默认重投间隔
}

func (o *Options) withDefaults() {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 1024
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 7
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 3 * time.Second
	}
}

// Stats 总线计数器快照
type Stats struct {
	Delivered    int64
	Retried      int64
	DeadLettered int64
	Deduplicated int64
}

type delivery struct {
	msg      Message
	handler  HandlerFunc
	name     string // handler 登记名（观测用）
	attempts int
}

// Router 进程内消息总线。
//
// 投递语义：at-least-once。worker 池与队列都有界，队列满时发送方
// 阻塞（对上游形成背压）。单条消息处理期间不做中途取消：一步要么
// 完成并确认，要么失败后整条重投。重投次数有界，耗尽进死信。
type Router struct {
	opts  Options
	queue chan delivery

	mu       sync.Mutex
	handlers map[string][]namedHandler
	dead     []DeadLetter
	onDead   func(DeadLetter)
	stats    Stats

	deduper *dedup.Deduplicator // 可选：入口处的短窗口重放过滤

	sg      *syncgroup.SyncGroup
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

type namedHandler struct {
	name string
	fn   HandlerFunc
}

// NewRouter 创建总线
func NewRouter(opts Options) *Router {
	opts.withDefaults()
	return &Router{
		opts:     opts,
		queue:    make(chan delivery, opts.QueueSize),
		handlers: make(map[string][]namedHandler),
		sg:       syncgroup.NewSyncGroup(),
	}
}

// SetDeduper 挂接去重器（可选）。重复消息在入队前被丢弃。
func (r *Router) SetDeduper(d *dedup.Deduplicator) { r.deduper = d }

// OnDeadLetter 注册死信回调（审计落库等）
func (r *Router) OnDeadLetter(fn func(DeadLetter)) { r.onDead = fn }

// Handle 登记某消息类型的处理函数。
// 命令通常只有一个 handler；事件允许多个订阅者，每个订阅者独立投递、
// 独立重试，互不影响。
func (r *Router) Handle(msgType, name string, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[msgType] = append(r.handlers[msgType], namedHandler{name: name, fn: fn})
}

// Start 启动 worker 池（非阻塞）
func (r *Router) Start(ctx context.Context) {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.mu.Unlock()

	for i := 0; i < r.opts.Workers; i++ {
		r.sg.Add(r.worker)
	}
	r.sg.Run()
	busLog.Infof("🚀 总线已启动: workers=%d queue=%d maxAttempts=%d",
		r.opts.Workers, r.opts.QueueSize, r.opts.MaxAttempts)
}

// Stop 停止总线并等待 worker 退出
func (r *Router) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	r.sg.Wait()
	busLog.Info("🛑 总线已停止")
}

// Send 发送命令。队列满时阻塞（背压），ctx 取消时放弃。
func (r *Router) Send(ctx context.Context, msg Message) error {
	return r.enqueue(ctx, msg)
}

// Publish 发布事件。与 Send 同队列，按订阅者扇出。
func (r *Router) Publish(ctx context.Context, msg Message) error {
	return r.enqueue(ctx, msg)
}

func (r *Router) enqueue(ctx context.Context, msg Message) error {
	return r.enqueueWith(ctx, msg, true)
}

func (r *Router) enqueueWith(ctx context.Context, msg Message, dedupe bool) error {
	if msg == nil {
		return fmt.Errorf("bus: nil message")
	}
	if dedupe && r.deduper != nil && !r.deduper.EnsureNotDuplicate(msg) {
		r.mu.Lock()
		r.stats.Deduplicated++
		r.mu.Unlock()
		busLog.Debugf("重复消息已丢弃: type=%s id=%s", msg.MessageType(), msg.ID())
		return nil
	}

	r.mu.Lock()
	subscribers := r.handlers[msg.MessageType()]
	r.mu.Unlock()
	if len(subscribers) == 0 {
		busLog.Warnf("⚠️ 无订阅者的消息: type=%s id=%s", msg.MessageType(), msg.ID())
		return nil
	}

	// 扇出：每个订阅者一份独立投递
	for _, sub := range subscribers {
		d := delivery{msg: msg, handler: sub.fn, name: sub.name, attempts: 0}
		select {
		case r.queue <- d:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (r *Router) worker() {
	for {
		select {
		case d := <-r.queue:
			r.dispatch(d)
		case <-r.ctx.Done():
			return
		}
	}
}

func (r *Router) dispatch(d delivery) {
	defer func() {
		if rec := recover(); rec != nil {
			busLog.Errorf("❌ handler panic: type=%s id=%s handler=%s panic=%v",
				d.msg.MessageType(), d.msg.ID(), d.name, rec)
			r.failed(d, fmt.Sprintf("panic: %v", rec), 0)
		}
	}()

	d.attempts++
	res := d.handler(r.ctx, d.msg)
	if res.ok {
		r.mu.Lock()
		r.stats.Delivered++
		r.mu.Unlock()
		return
	}
	r.failed(d, res.reason, res.delay)
}

// failed 失败路径：有界重投，耗尽进死信
func (r *Router) failed(d delivery, reason string, delay time.Duration) {
	if d.attempts >= r.opts.MaxAttempts {
		dl := DeadLetter{Message: d.msg, Reason: reason, Attempts: d.attempts, At: time.Now()}
		r.mu.Lock()
		r.dead = append(r.dead, dl)
		r.stats.DeadLettered++
		onDead := r.onDead
		r.mu.Unlock()

		busLog.Errorf("💀 消息进入死信: type=%s id=%s handler=%s attempts=%d reason=%s",
			d.msg.MessageType(), d.msg.ID(), d.name, d.attempts, reason)
		if onDead != nil {
			onDead(dl)
		}
		return
	}

	if delay <= 0 {
		delay = r.opts.RetryDelay
	}
	r.mu.Lock()
	r.stats.Retried++
	r.mu.Unlock()
	busLog.Warnf("🔁 消息将重投: type=%s id=%s attempt=%d/%d delay=%s reason=%s",
		d.msg.MessageType(), d.msg.ID(), d.attempts, r.opts.MaxAttempts, delay, reason)

	time.AfterFunc(delay, func() {
		select {
		case r.queue <- d:
		case <-r.ctx.Done():
		}
	})
}

// DeadLetters 返回死信快照
func (r *Router) DeadLetters() []DeadLetter {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]DeadLetter, len(r.dead))
	copy(out, r.dead)
	return out
}

// Redrive 把一条死信重新投入队列（人工恢复入口），计数清零。
func (r *Router) Redrive(ctx context.Context, msgID string) error {
	r.mu.Lock()
	idx := -1
	for i, dl := range r.dead {
		if dl.Message.ID() == msgID {
			idx = i
			break
		}
	}
	if idx < 0 {
		r.mu.Unlock()
		return fmt.Errorf("bus: dead letter not found: %s", msgID)
	}
	dl := r.dead[idx]
	r.dead = append(r.dead[:idx], r.dead[idx+1:]...)
	r.mu.Unlock()

	// 重投绕过去重器：死信恢复是显式的人工动作
	busLog.Infof("♻️ 死信重投: type=%s id=%s", dl.Message.MessageType(), dl.Message.ID())
	return r.enqueueWith(ctx, dl.Message, false)
}

// GetStats 返回计数器快照
func (r *Router) GetStats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}
