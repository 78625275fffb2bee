package dedup

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sync"
	"time"
)

// DefaultWindow 默认去重窗口
const DefaultWindow = 10 * time.Minute

// Deduplicator 短窗口内的消息重放过滤器。
//
// 设计目标：
//   - 不允许误判（指纹基于消息的规范化 JSON，而不是有损位图）
//   - check-then-insert 对单个 key 原子（分片锁）
//   - 只是 best-effort 的快速过滤，真正的幂等保障在 handler 的
//     operation-id 护栏里，这里漏掉重复也不会造成重复记账
type Deduplicator struct {
	ttl    time.Duration
	shards []dedupShard
	now    func() time.Time // 可注入时钟，便于测试过期行为
}

type dedupShard struct {
	mu sync.Mutex
	m  map[uint64]time.Time // fingerprint -> expiresAt
}

// New 创建去重器。ttl<=0 时取默认 10 分钟。
func New(ttl time.Duration, shardCount int) *Deduplicator {
	if ttl <= 0 {
		ttl = DefaultWindow
	}
	if shardCount <= 0 {
		shardCount = 64
	}
	shards := make([]dedupShard, shardCount)
	for i := range shards {
		shards[i].m = make(map[uint64]time.Time)
	}
	return &Deduplicator{ttl: ttl, shards: shards, now: time.Now}
}

// SetClock 注入时钟（测试用）。
func (d *Deduplicator) SetClock(now func() time.Time) {
	if now != nil {
		d.now = now
	}
}

// EnsureNotDuplicate 检查并登记一条消息。
//   - 首次出现：登记指纹并返回 true
//   - 窗口内重复：返回 false，同时把该指纹的窗口重新拉满
//     （滑动过期：持续重放的消息会被持续压制）
//
// 指纹无法计算（消息不可序列化）时放行：宁可重复处理一次，
// 也不能静默丢消息。
func (d *Deduplicator) EnsureNotDuplicate(msg any) bool {
	fp, err := Fingerprint(msg)
	if err != nil {
		return true
	}
	now := d.now()
	sh := &d.shards[int(fp%uint64(len(d.shards)))]
	sh.mu.Lock()
	defer sh.mu.Unlock()

	// 惰性清理：只在访问到的 shard 上清理过期项
	for k, exp := range sh.m {
		if !exp.After(now) {
			delete(sh.m, k)
		}
	}

	dup := false
	if exp, ok := sh.m[fp]; ok && exp.After(now) {
		dup = true
	}
	sh.m[fp] = now.Add(d.ttl)
	return !dup
}

// Fingerprint 计算消息的规范化指纹。
//
// 结构相等的消息必须得到相同指纹：encoding/json 对 struct 字段
// 按声明顺序、对 map 按 key 排序输出，因此同类型同内容的消息
// 序列化结果逐字节一致。类型名参与哈希，避免不同类型碰巧同形。
func Fingerprint(msg any) (uint64, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return 0, err
	}
	h := fnv.New64a()
	_, _ = fmt.Fprintf(h, "%T|", msg)
	_, _ = h.Write(raw)
	return h.Sum64(), nil
}
