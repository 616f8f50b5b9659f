package feed

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/betbot/copyflow/internal/metrics"
	"github.com/betbot/copyflow/pkg/logger"
	"github.com/betbot/copyflow/pkg/sigchan"
)

// State 连接状态机的状态
// Disconnected → Connecting → Connected → Backoff → Connecting
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateBackoff
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateBackoff:
		return "backoff"
	default:
		return "unknown"
	}
}

// Config 推送源客户端配置
type Config struct {
	URL                  string
	ProxyURL             string
	HeartbeatInterval    time.Duration // 心跳发送间隔
	SilenceTimeout       time.Duration // 入站静默超时，超时强制重连
	BackoffMin           time.Duration // 重连退避下限
	BackoffMax           time.Duration // 重连退避上限
	UptimeResetThreshold time.Duration // 连接稳定多久后重置退避
	WriteTimeout         time.Duration
	HandshakeTimeout     time.Duration
}

func (c *Config) withDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.SilenceTimeout <= 0 {
		c.SilenceTimeout = 30 * time.Second
	}
	if c.BackoffMin <= 0 {
		c.BackoffMin = time.Second
	}
	if c.BackoffMax < c.BackoffMin {
		c.BackoffMax = 60 * time.Second
	}
	if c.UptimeResetThreshold <= 0 {
		c.UptimeResetThreshold = 30 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 30 * time.Second
	}
}

// Client 推送行情源客户端
// 最多一条存活连接；订阅/退订在未连接时只改期望集合，连接建立后
// 全量重发（不假设交易所侧会保留 session）。网络/解析错误只触发
// 退避重连，从不终止进程。
type Client struct {
	cfg     Config
	onFrame Handler

	mu      sync.Mutex
	conn    *websocket.Conn
	desired map[string]struct{} // 期望订阅集合（连接断开期间缓冲）
	state   State

	epoch       atomic.Uint64 // 连接纪元，重连递增
	wake        *sigchan.Chan // 期望集合变化时唤醒管理循环
	connectedAt time.Time
	backoff     time.Duration

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool

	// 统计（ops 快照用）
	lastInboundNano atomic.Int64
	framesReceived  atomic.Uint64
	parseErrors     atomic.Uint64
	reconnects      atomic.Uint64
	backoffCapHits  atomic.Uint64
}

// NewClient 创建推送源客户端
func NewClient(cfg Config, onFrame Handler) *Client {
	cfg.withDefaults()
	return &Client{
		cfg:     cfg,
		onFrame: onFrame,
		desired: make(map[string]struct{}),
		wake:    sigchan.New(1),
		backoff: cfg.BackoffMin,
	}
}

// Start 启动管理循环（不会立即建连：第一笔非空订阅才触发连接）
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return errors.New("feed client 已经启动")
	}
	if c.cfg.URL == "" {
		return errors.New("feed URL 为空")
	}
	c.started = true

	c.ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go c.run()
	return nil
}

// Close 停止客户端并等待所有 goroutine 退出
func (c *Client) Close() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	cancel := c.cancel
	conn := c.conn
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	c.wg.Wait()

	c.mu.Lock()
	c.started = false
	c.state = StateDisconnected
	c.mu.Unlock()
}

// Subscribe 订阅资产 ID；已在集合中的 ID 忽略
// 未连接时只记录期望，连接后增量下发。
func (c *Client) Subscribe(ids ...string) error {
	c.mu.Lock()
	newIDs := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := c.desired[id]; !ok {
			c.desired[id] = struct{}{}
			newIDs = append(newIDs, id)
		}
	}
	conn := c.conn
	connected := c.state == StateConnected
	c.mu.Unlock()

	// 唤醒管理循环（可能处于空闲等待）
	c.wake.Emit()

	if len(newIDs) == 0 || !connected || conn == nil {
		return nil
	}
	return c.send(conn, SubscriptionRequest{Action: ActionSubscribe, IDs: newIDs})
}

// Unsubscribe 取消订阅；未订阅的 ID 是 no-op
func (c *Client) Unsubscribe(ids ...string) error {
	c.mu.Lock()
	removed := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := c.desired[id]; ok {
			delete(c.desired, id)
			removed = append(removed, id)
		}
	}
	conn := c.conn
	connected := c.state == StateConnected
	c.mu.Unlock()

	if len(removed) == 0 || !connected || conn == nil {
		return nil
	}
	return c.send(conn, SubscriptionRequest{Action: ActionUnsubscribe, IDs: removed})
}

// SubscriptionCount 当前期望订阅数量
func (c *Client) SubscriptionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.desired)
}

// SubscribedIDs 当前期望订阅集合的快照
func (c *Client) SubscribedIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.desired))
	for id := range c.desired {
		ids = append(ids, id)
	}
	return ids
}

// State 当前状态
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Epoch 当前连接纪元
func (c *Client) Epoch() uint64 {
	return c.epoch.Load()
}

// DebugSnapshot 返回一行排障快照，可并发调用
func (c *Client) DebugSnapshot() string {
	c.mu.Lock()
	state := c.state
	subs := len(c.desired)
	c.mu.Unlock()

	lastInbound := ""
	if nano := c.lastInboundNano.Load(); nano > 0 {
		lastInbound = time.Unix(0, nano).Format(time.RFC3339Nano)
	}

	return fmt.Sprintf(
		"state=%s subs=%d epoch=%d frames=%d parseErrs=%d reconnects=%d lastInbound=%s",
		state, subs, c.epoch.Load(), c.framesReceived.Load(),
		c.parseErrors.Load(), c.reconnects.Load(), lastInbound,
	)
}

// run 连接管理循环：整个重连状态机都由这个 goroutine 驱动
func (c *Client) run() {
	defer c.wg.Done()

	for {
		// 空闲等待：没有订阅需求就不建连
		if !c.waitForInterest() {
			return
		}

		c.setState(StateConnecting)
		conn, err := c.dial()
		if err != nil {
			logger.Warnf("feed 连接失败: %v", err)
			if !c.sleepBackoff() {
				return
			}
			continue
		}

		epoch := c.epoch.Add(1)
		c.mu.Lock()
		c.conn = conn
		c.state = StateConnected
		ids := make([]string, 0, len(c.desired))
		for id := range c.desired {
			ids = append(ids, id)
		}
		c.mu.Unlock()
		c.connectedAt = time.Now()
		c.lastInboundNano.Store(time.Now().UnixNano())

		logger.Infof("feed 已连接: epoch=%d subs=%d", epoch, len(ids))

		// 全量重发当前订阅集（不假设服务端保留了 session）
		if len(ids) > 0 {
			if err := c.send(conn, SubscriptionRequest{Action: ActionSubscribe, IDs: ids}); err != nil {
				logger.Warnf("feed 重发订阅失败: %v", err)
				_ = conn.Close()
				c.clearConn()
				if !c.sleepBackoff() {
					return
				}
				continue
			}
		}

		// 读循环 + 心跳循环，绑定这一条连接
		readerDone := make(chan struct{})
		hbStop := make(chan struct{})
		go c.readLoop(conn, epoch, readerDone)
		go c.heartbeatLoop(conn, hbStop)

		select {
		case <-c.ctx.Done():
			_ = conn.Close()
			close(hbStop)
			<-readerDone
			c.clearConn()
			return
		case <-readerDone:
			close(hbStop)
		}

		// 稳定在线足够久才重置退避，避免“连上即断”的快速循环打满重连
		if time.Since(c.connectedAt) >= c.cfg.UptimeResetThreshold {
			c.resetBackoff()
		}
		c.clearConn()
		c.reconnects.Add(1)
		metrics.FeedReconnects.Add(1)

		if c.ctx.Err() != nil {
			return
		}
		if !c.sleepBackoff() {
			return
		}
	}
}

// waitForInterest 阻塞直到期望集合非空；返回 false 表示已取消
func (c *Client) waitForInterest() bool {
	for {
		if c.ctx.Err() != nil {
			return false
		}
		c.mu.Lock()
		n := len(c.desired)
		if c.state != StateDisconnected && n == 0 {
			c.state = StateDisconnected
		}
		c.mu.Unlock()
		if n > 0 {
			return true
		}

		select {
		case <-c.ctx.Done():
			return false
		case <-c.wake.C():
		}
	}
}

// dial 建立一条新连接
func (c *Client) dial() (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: c.cfg.HandshakeTimeout,
	}

	if c.cfg.ProxyURL != "" {
		proxyURL, err := url.Parse(c.cfg.ProxyURL)
		if err != nil {
			return nil, errors.Wrap(err, "无效的代理 URL")
		}
		dialer.Proxy = http.ProxyURL(proxyURL)
	}

	conn, _, err := dialer.Dial(c.cfg.URL, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "连接 feed 失败: %s", c.cfg.URL)
	}
	return conn, nil
}

// send 发送一条 JSON 消息（带写超时）
func (c *Client) send(conn *websocket.Conn, msg any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := conn.WriteJSON(msg); err != nil {
		return errors.Wrap(err, "feed 发送消息失败")
	}
	return nil
}

// readLoop 读循环：读下一帧或等到静默超时
// 帧在一条连接内按接收顺序投递；纪元随帧带出，消费方丢弃陈旧纪元。
func (c *Client) readLoop(conn *websocket.Conn, epoch uint64, done chan<- struct{}) {
	defer close(done)

	// 捕获 "repeated read on failed websocket connection" 这类 panic，
	// 只结束本连接的读循环，由管理循环负责重连。
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("feed 读循环 panic: %v", r)
		}
	}()

	for {
		if c.ctx.Err() != nil {
			return
		}

		// 入站静默超时：到点没有任何消息（含心跳）就强制重连
		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.SilenceTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Warnf("feed 读取错误: %v", err)
			} else {
				logger.Debugf("feed 连接结束: %v", err)
			}
			_ = conn.Close()
			return
		}

		c.lastInboundNano.Store(time.Now().UnixNano())

		frame := DecodeFrame(data)
		switch f := frame.(type) {
		case HeartbeatFrame:
			// 心跳只刷新活性，已在上面更新
			continue
		case UnknownFrame:
			// 单帧畸形：丢弃并记录，不拆连接
			c.parseErrors.Add(1)
			logger.Debugf("feed 未识别帧: len=%d preview=%q", len(f.Raw), truncateForLog(string(f.Raw), 200))
			continue
		default:
		}

		// 陈旧纪元的帧直接丢弃（重连后不保证跨连接有序）
		if epoch != c.epoch.Load() {
			continue
		}

		c.framesReceived.Add(1)
		if c.onFrame != nil {
			c.onFrame(frame, epoch)
		}
	}
}

// heartbeatLoop 心跳循环：定期发 PING 文本保活
func (c *Client) heartbeatLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, []byte("PING")); err != nil {
				logger.Debugf("feed 心跳发送失败: %v", err)
				// 连接大概率已坏，关掉让读循环退出并触发重连
				_ = conn.Close()
				return
			}
		}
	}
}

// sleepBackoff 退避等待（可被取消），然后把退避时间翻倍直到上限
// 返回 false 表示客户端已停止。
func (c *Client) sleepBackoff() bool {
	c.setState(StateBackoff)

	c.mu.Lock()
	delay := c.backoff
	c.backoff *= 2
	if c.backoff > c.cfg.BackoffMax {
		c.backoff = c.cfg.BackoffMax
		c.backoffCapHits.Add(1)
		// 反复打到退避上限值得运维关注
		if n := c.backoffCapHits.Load(); n%10 == 1 {
			logger.Warnf("feed 重连退避已达上限 %v（累计 %d 次）", c.cfg.BackoffMax, n)
		}
	}
	c.mu.Unlock()

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-c.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (c *Client) resetBackoff() {
	c.mu.Lock()
	c.backoff = c.cfg.BackoffMin
	c.mu.Unlock()
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Client) clearConn() {
	c.mu.Lock()
	c.conn = nil
	if c.state == StateConnected {
		c.state = StateDisconnected
	}
	c.mu.Unlock()
}

func truncateForLog(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	return s[:n] + "...(truncated)"
}
