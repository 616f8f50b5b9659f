package events

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/betbot/copyflow/pkg/logger"
)

// Message 总线上的一条消息
type Message struct {
	ID          string    // 消息 ID（日志/排障串联用）
	Topic       string    // 发布主题（例如 trade:0xabc...）
	Payload     any       // 事件负载
	PublishedAt time.Time // 发布时间
}

// Handler 订阅回调
// 同一个订阅内按入队顺序串行调用；回调耗时只阻塞自己的分发循环。
type Handler func(msg Message)

// subscription 单个订阅：独立缓冲队列 + 分发 goroutine
type subscription struct {
	pattern string
	ch      chan Message
	done    chan struct{}
}

// Bus 进程内主题发布/订阅总线
// 语义：至少一次、仅同主题同发布方内尽力有序、无持久化 ——
// 订阅者不在线就会错过消息（实时尽力而为的特性，不是账本）。
type Bus struct {
	mu      sync.RWMutex
	subs    []*subscription
	bufSize int
	dropped atomic.Uint64
	closed  bool
	wg      sync.WaitGroup
}

// NewBus 创建新的事件总线
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Bus{bufSize: bufferSize}
}

// Subscribe 按模式订阅，返回取消函数
// pattern 支持精确主题或前缀通配（例如 "trade:*"）。
func (b *Bus) Subscribe(pattern string, handler Handler) (cancel func()) {
	sub := &subscription{
		pattern: pattern,
		ch:      make(chan Message, b.bufSize),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case <-sub.done:
				return
			case msg, ok := <-sub.ch:
				if !ok {
					return
				}
				handler(msg)
			}
		}
	}()

	return func() { b.unsubscribe(sub) }
}

func (b *Bus) unsubscribe(sub *subscription) {
	b.mu.Lock()
	for i, s := range b.subs {
		if s == sub {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			break
		}
	}
	b.mu.Unlock()
	close(sub.done)
}

// Publish 发布消息到所有匹配的订阅
// 订阅队列满时丢弃并告警（尽力而为，不阻塞发布方）。
func (b *Bus) Publish(topic string, payload any) {
	msg := Message{ID: uuid.NewString(), Topic: topic, Payload: payload, PublishedAt: time.Now()}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, sub := range b.subs {
		if !matchTopic(sub.pattern, topic) {
			continue
		}
		select {
		case sub.ch <- msg:
		default:
			b.dropped.Add(1)
			logger.Warnf("事件总线订阅队列已满，丢弃消息: topic=%s pattern=%s", topic, sub.pattern)
		}
	}
}

// Dropped 返回累计丢弃的消息数
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close 关闭总线并等待所有分发循环退出
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, sub := range subs {
		close(sub.done)
	}
	b.wg.Wait()
}

// matchTopic 主题匹配：精确或前缀通配（"trade:*"）
func matchTopic(pattern, topic string) bool {
	if pattern == topic || pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(topic, strings.TrimSuffix(pattern, "*"))
	}
	return false
}
