package feed

import (
	"bytes"
	"encoding/json"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/betbot/tradebot/pkg/sigchan"
)

// Client 管理到事件源的单条 WebSocket 连接。
// 断线后无限次重连（指数退避 + 抖动，封顶 BackoffMax），
// 重连成功先整体重放期望订阅集，再继续投递消息。
type Client struct {
	config *Config
	route  RouteFunc
	log    *logrus.Entry

	conn   *websocket.Conn
	connMu sync.Mutex
	connID string // 当前连接标识，日志用

	running   bool
	runningMu sync.RWMutex

	// desired 是期望订阅集：Subscribe/Unsubscribe 维护，
	// 连接状态只是它的投影，重连后整体重放。
	desired map[string]bool
	subMu   sync.RWMutex

	// lastSeq 各主题最近序号，用于断档检测。重连后清零。
	lastSeq map[string]uint64
	seqMu   sync.Mutex

	// lastActivity 最近一次入站帧时间。任何消息都算活跃，不只认 PONG
	lastActivity time.Time
	activityMu   sync.RWMutex

	// reconnectSig 聚合重连请求：心跳超时、写失败都只是"请求重连"，
	// 真正的断开收敛到一处执行
	reconnectSig *sigchan.Chan

	stopCh chan struct{}
	doneCh chan struct{}
}

func NewClient(config *Config, route RouteFunc) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	return &Client{
		config:       config,
		route:        route,
		log:          logrus.WithField("module", "feed"),
		desired:      make(map[string]bool),
		lastSeq:      make(map[string]uint64),
		lastActivity:     time.Now(),
		reconnectSig: sigchan.New(1),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
}

// Start 建立连接并启动读取/心跳循环。
// 初次连接失败不算致命：readLoop 会按退避继续尝试。
func (c *Client) Start() error {
	c.runningMu.Lock()
	if c.running {
		c.runningMu.Unlock()
		return errors.New("feed client already running")
	}
	c.running = true
	c.runningMu.Unlock()

	if err := c.connect(); err != nil {
		c.log.Warnf("⚠️ 初始连接失败，进入重连: %v", err)
	}

	go c.readLoop()
	go c.pingLoop()
	go c.reconnectLoop()

	c.log.Infof("🔌 事件源客户端已启动: %s", c.config.Endpoint)
	return nil
}

// Stop 优雅关闭连接。
func (c *Client) Stop() {
	c.runningMu.Lock()
	if !c.running {
		c.runningMu.Unlock()
		return
	}
	c.running = false
	c.runningMu.Unlock()

	close(c.stopCh)

	c.connMu.Lock()
	if c.conn != nil {
		c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.conn.Close()
		c.conn = nil
	}
	c.connMu.Unlock()

	select {
	case <-c.doneCh:
	case <-time.After(5 * time.Second):
		c.log.Warn("⚠️ 关闭等待超时")
	}
	c.log.Info("🔌 事件源客户端已停止")
}

// Subscribe 把主题加入期望订阅集并尝试下发订阅请求。
// 当前没有连接时只记录期望，重连成功后统一重放。
func (c *Client) Subscribe(topics ...string) error {
	c.subMu.Lock()
	newTopics := make([]string, 0, len(topics))
	for _, t := range topics {
		if !c.desired[t] {
			c.desired[t] = true
			newTopics = append(newTopics, t)
		}
	}
	c.subMu.Unlock()

	if len(newTopics) == 0 {
		return nil
	}
	if err := c.send(subscribeRequest{Action: "subscribe", Topics: newTopics, AuthToken: c.config.AuthToken}); err != nil {
		// 期望集已更新，断线期间订阅靠重连重放兑现
		c.log.Debugf("订阅请求暂未送达（等待重连重放）: %v", err)
		return nil
	}
	c.log.Infof("📡 已订阅 %d 个主题", len(newTopics))
	return nil
}

// Unsubscribe 从期望订阅集移除主题。
func (c *Client) Unsubscribe(topics ...string) error {
	c.subMu.Lock()
	removed := make([]string, 0, len(topics))
	for _, t := range topics {
		if c.desired[t] {
			delete(c.desired, t)
			removed = append(removed, t)
		}
	}
	c.subMu.Unlock()

	if len(removed) == 0 {
		return nil
	}
	if err := c.send(subscribeRequest{Action: "unsubscribe", Topics: removed}); err != nil {
		c.log.Debugf("退订请求暂未送达: %v", err)
	}
	return nil
}

// SubscriptionCount 期望订阅集大小。
func (c *Client) SubscriptionCount() int {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	return len(c.desired)
}

// ConnID 当前连接标识（诊断用）。
func (c *Client) ConnID() string {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.connID
}

func (c *Client) send(req subscribeRequest) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return errors.New("not connected")
	}
	return c.conn.WriteJSON(req)
}

// connect 建立连接并重置心跳、序号状态。调用方负责随后重放订阅。
func (c *Client) connect() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}

	dialer := websocket.Dialer{
		ReadBufferSize:   c.config.ReadBufferSize,
		WriteBufferSize:  c.config.WriteBufferSize,
		HandshakeTimeout: c.config.HandshakeTimeout,
	}
	headers := make(http.Header)
	headers.Set("User-Agent", "tradebot/1.0")

	conn, _, err := dialer.Dial(c.config.Endpoint, headers)
	if err != nil {
		return errors.Wrap(err, "dial")
	}

	c.conn = conn
	c.connID = uuid.NewString()[:8]

	c.activityMu.Lock()
	c.lastActivity = time.Now()
	c.activityMu.Unlock()

	// 新连接上序号从头来，旧水位作废
	c.seqMu.Lock()
	c.lastSeq = make(map[string]uint64)
	c.seqMu.Unlock()

	c.log.Infof("✅ 已连接 [conn=%s]", c.connID)
	return nil
}

// resubscribe 重连后整体重放期望订阅集。
func (c *Client) resubscribe() error {
	c.subMu.RLock()
	topics := make([]string, 0, len(c.desired))
	for t := range c.desired {
		topics = append(topics, t)
	}
	c.subMu.RUnlock()

	if len(topics) == 0 {
		return nil
	}
	if err := c.send(subscribeRequest{Action: "subscribe", Topics: topics, AuthToken: c.config.AuthToken}); err != nil {
		return err
	}
	c.log.Infof("📡 重连后已重放 %d 个订阅", len(topics))
	return nil
}

// readLoop 读取循环。连接为空或读取出错都走 reconnect，没有次数上限。
func (c *Client) readLoop() {
	defer close(c.doneCh)

	attempts := 0
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()

		if conn == nil {
			attempts++
			if !c.backoffWait(attempts) {
				return
			}
			if err := c.connect(); err != nil {
				c.log.Warnf("🔁 重连失败（第 %d 次）: %v", attempts, err)
				continue
			}
			if err := c.resubscribe(); err != nil {
				c.log.Warnf("⚠️ 重放订阅失败，重建连接: %v", err)
				c.dropConn()
				continue
			}
			attempts = 0
			continue
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			c.dropConn()
			select {
			case <-c.stopCh:
				return
			default:
			}
			c.log.Warnf("📴 连接断开: %v", err)
			continue
		}

		c.handleMessage(message)
	}
}

// backoffWait 按指数退避 + 抖动等待，返回 false 表示客户端正在关闭。
func (c *Client) backoffWait(attempts int) bool {
	delay := c.config.BackoffBase
	for i := 1; i < attempts && delay < c.config.BackoffMax; i++ {
		delay *= 2
	}
	if delay > c.config.BackoffMax {
		delay = c.config.BackoffMax
	}
	// 抖动 ±25%，避免多实例同时重连
	jitter := time.Duration(rand.Int63n(int64(delay)/2+1)) - delay/4
	delay += jitter

	select {
	case <-c.stopCh:
		return false
	case <-time.After(delay):
		return true
	}
}

// Reconnect 请求重建连接，多次请求会合并成一次。
func (c *Client) Reconnect() {
	c.reconnectSig.Emit()
}

// reconnectLoop 收敛重连请求：收到信号后断开当前连接，重建交给 readLoop。
func (c *Client) reconnectLoop() {
	for {
		select {
		case <-c.stopCh:
			return
		case <-c.reconnectSig.C():
			c.dropConn()
		}
	}
}

// dropConn 清理当前连接，readLoop 随后进入重连。
func (c *Client) dropConn() {
	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connMu.Unlock()
}

// pingLoop 心跳循环：定期发 PING 文本帧，同时检查入站活跃水位。
// 超过 HeartbeatTimeout 没有任何入站帧视同断线，强制重建连接。
func (c *Client) pingLoop() {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.connMu.Lock()
			conn := c.conn
			c.connMu.Unlock()
			if conn == nil {
				continue
			}

			c.activityMu.RLock()
			silence := time.Since(c.lastActivity)
			c.activityMu.RUnlock()
			if silence > c.config.HeartbeatTimeout {
				c.log.Warnf("💔 心跳超时（%v 无任何入站帧），重建连接", silence.Round(time.Second))
				c.Reconnect()
				continue
			}

			if err := conn.WriteMessage(websocket.TextMessage, []byte("PING")); err != nil {
				c.log.Warnf("⚠️ PING 发送失败: %v", err)
				c.Reconnect()
			}
		}
	}
}

// handleMessage 处理一条原始消息：PONG 心跳或信封。
// 正常投递中的连接不应因为上游不回 PONG 被误判断线，
// 所以任何入站帧都刷新活跃水位。
func (c *Client) handleMessage(data []byte) {
	c.activityMu.Lock()
	c.lastActivity = time.Now()
	c.activityMu.Unlock()

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] != '{' && trimmed[0] != '[' {
		text := string(trimmed)
		if text == "PONG" || text == "pong" {
			return
		}
		c.log.Debugf("忽略非 JSON 文本消息: %s", text)
		return
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err == nil && env.Topic != "" {
		c.deliver(env)
		return
	}

	// 部分上游把信封打包成数组下发
	var envs []Envelope
	if err := json.Unmarshal(data, &envs); err == nil {
		for _, e := range envs {
			if e.Topic != "" {
				c.deliver(e)
			}
		}
		return
	}

	preview := string(data)
	if len(preview) > 100 {
		preview = preview[:100] + "..."
	}
	c.log.Warnf("⚠️ 无法解析的消息: %s", preview)
}

// deliver 做断档检测后交给路由回调。
func (c *Client) deliver(env Envelope) {
	if env.Sequence > 0 {
		c.seqMu.Lock()
		last := c.lastSeq[env.Topic]
		if last > 0 && env.Sequence != last+1 {
			c.log.Warnf("⚠️ 主题 %s 序号断档: %d -> %d", env.Topic, last, env.Sequence)
		}
		if env.Sequence > last {
			c.lastSeq[env.Topic] = env.Sequence
		}
		c.seqMu.Unlock()
	}
	if c.route != nil {
		c.route(env)
	}
}
