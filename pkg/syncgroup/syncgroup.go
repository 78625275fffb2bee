package syncgroup

import "sync"

// SyncGroup 对 sync.WaitGroup 的包装：Add 只登记函数，Run 统一起
// goroutine 并自动配对 Add/Done，消除手写 wg.Add(1)/defer wg.Done()
// 漏配的风险。
type SyncGroup struct {
	wg sync.WaitGroup

	mu      sync.Mutex
	pending []func()
	running int
}

// NewSyncGroup 创建 SyncGroup
func NewSyncGroup() *SyncGroup {
	return &SyncGroup{}
}

// Add 登记一个待启动的函数。上一批 goroutine 还在运行时登记无效，
// 需要先 WaitAndClear。
func (g *SyncGroup) Add(fn func()) {
	if fn == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running > 0 {
		return
	}
	g.pending = append(g.pending, fn)
}

// Run 启动所有已登记的函数，每个一条 goroutine。
// 启动后清空登记列表；上一批还没退完时调用是 no-op。
func (g *SyncGroup) Run() {
	g.mu.Lock()
	if g.running > 0 {
		g.mu.Unlock()
		return
	}
	fns := g.pending
	g.pending = nil
	g.running = len(fns)
	g.mu.Unlock()

	for _, fn := range fns {
		g.wg.Add(1)
		go func(run func()) {
			defer func() {
				g.mu.Lock()
				g.running--
				g.mu.Unlock()
				g.wg.Done()
			}()
			run()
		}(fn)
	}
}

// Wait 阻塞直到当前批次全部退出
func (g *SyncGroup) Wait() {
	g.wg.Wait()
}

// WaitAndClear 等待当前批次退出并允许复用
func (g *SyncGroup) WaitAndClear() {
	g.wg.Wait()
	g.mu.Lock()
	g.pending = nil
	g.running = 0
	g.mu.Unlock()
}
