package sigchan

// Chan 非阻塞信号通道：只表达"发生过"，不携带数据。
// 连续多次 Emit 会折叠成一次唤醒，适合做脏标记或节流触发。
type Chan struct {
	c chan struct{}
}

// New 创建信号通道。bufferSize 决定最多积压多少次未消费的信号。
func New(bufferSize int) *Chan {
	if bufferSize < 1 {
		bufferSize = 1
	}
	return &Chan{c: make(chan struct{}, bufferSize)}
}

// Emit 发出信号。通道已满时直接丢弃，绝不阻塞发送方。
func (c *Chan) Emit() {
	select {
	case c.c <- struct{}{}:
	default:
	}
}

// C 暴露底层 channel，供 select 使用
func (c *Chan) C() <-chan struct{} {
	return c.c
}

// TryRecv 非阻塞地消费一个信号，没有信号时返回 false
func (c *Chan) TryRecv() bool {
	select {
	case <-c.c:
		return true
	default:
		return false
	}
}
