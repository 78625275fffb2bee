package shutdown

import (
	"context"
	"sync"

	"github.com/opsbot/goledger/pkg/logger"
)

// Handler 关闭回调。ctx 到期后回调应尽快放弃收尾工作。
type Handler func(ctx context.Context)

// Manager 收集各组件的关闭回调，退出时统一执行。
// 回调并发执行：存储、总线、HTTP 服务之间没有关闭顺序依赖。
type Manager struct {
	mu        sync.Mutex
	callbacks []Handler
}

// NewManager 创建关闭管理器
func NewManager() *Manager {
	return &Manager{}
}

// OnShutdown 注册关闭回调
func (m *Manager) OnShutdown(handler Handler) {
	if handler == nil {
		return
	}
	m.mu.Lock()
	m.callbacks = append(m.callbacks, handler)
	m.mu.Unlock()
}

// Shutdown 执行所有已注册的回调并阻塞等待。
// ctx 应带超时，超时后不再等慢回调，直接返回。
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	callbacks := m.callbacks
	m.mu.Unlock()

	if len(callbacks) == 0 {
		return
	}
	logger.Infof("开始优雅关闭，共 %d 个回调", len(callbacks))

	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		for _, cb := range callbacks {
			wg.Add(1)
			go func(h Handler) {
				defer wg.Done()
				h(ctx)
			}(cb)
		}
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("所有关闭回调已完成")
	case <-ctx.Done():
		logger.Warnf("⚠️ 关闭超时，放弃等待剩余回调: %v", ctx.Err())
	}
}
