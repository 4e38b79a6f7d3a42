package feed

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeUpstream 测试用事件源：记录订阅请求，支持主动断线和下发消息
type fakeUpstream struct {
	upgrader websocket.Upgrader
	subs     chan subscribeRequest
	reject   atomic.Bool // 模拟上游不可用

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{subs: make(chan subscribeRequest, 16)}
}

func (f *fakeUpstream) handler(w http.ResponseWriter, r *http.Request) {
	if f.reject.Load() {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	f.mu.Lock()
	f.conns = append(f.conns, conn)
	f.mu.Unlock()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if string(data) == "PING" {
			conn.WriteMessage(websocket.TextMessage, []byte("PONG"))
			continue
		}
		var req subscribeRequest
		if json.Unmarshal(data, &req) == nil && req.Action != "" {
			f.subs <- req
		}
	}
}

func (f *fakeUpstream) conn(i int) *websocket.Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.conns) {
		return nil
	}
	return f.conns[i]
}

func (f *fakeUpstream) connCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

func testConfig(endpoint string) *Config {
	cfg := DefaultConfig()
	cfg.Endpoint = endpoint
	cfg.BackoffBase = 10 * time.Millisecond
	cfg.BackoffMax = 50 * time.Millisecond
	cfg.PingInterval = 20 * time.Millisecond
	cfg.HeartbeatTimeout = time.Second
	return cfg
}

func waitSub(t *testing.T, f *fakeUpstream) subscribeRequest {
	t.Helper()
	select {
	case req := <-f.subs:
		return req
	case <-time.After(2 * time.Second):
		t.Fatal("等待订阅请求超时")
		return subscribeRequest{}
	}
}

// TestClient_SubscribeAndDeliver 订阅后信封被投递到路由回调
func TestClient_SubscribeAndDeliver(t *testing.T) {
	f := newFakeUpstream()
	srv := httptest.NewServer(http.HandlerFunc(f.handler))
	defer srv.Close()
	endpoint := "ws" + strings.TrimPrefix(srv.URL, "http")

	delivered := make(chan Envelope, 8)
	c := NewClient(testConfig(endpoint), func(e Envelope) { delivered <- e })
	if err := c.Start(); err != nil {
		t.Fatalf("启动失败: %v", err)
	}
	defer c.Stop()

	if err := c.Subscribe(PriceTopic("m1")); err != nil {
		t.Fatalf("订阅失败: %v", err)
	}
	req := waitSub(t, f)
	if req.Action != "subscribe" || len(req.Topics) != 1 || req.Topics[0] != "prices.m1" {
		t.Fatalf("订阅请求不符: %+v", req)
	}

	env := Envelope{Topic: "prices.m1", Sequence: 1, Payload: json.RawMessage(`{"market":"m1","price":"0.5"}`)}
	data, _ := json.Marshal(env)
	if err := f.conn(0).WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("下发消息失败: %v", err)
	}

	select {
	case got := <-delivered:
		if got.Topic != "prices.m1" || got.Sequence != 1 {
			t.Errorf("投递的信封不符: %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("等待投递超时")
	}
}

// TestClient_ResubscribeAfterReconnect 断线重连后期望订阅集被整体重放
func TestClient_ResubscribeAfterReconnect(t *testing.T) {
	f := newFakeUpstream()
	srv := httptest.NewServer(http.HandlerFunc(f.handler))
	defer srv.Close()
	endpoint := "ws" + strings.TrimPrefix(srv.URL, "http")

	c := NewClient(testConfig(endpoint), nil)
	if err := c.Start(); err != nil {
		t.Fatalf("启动失败: %v", err)
	}
	defer c.Stop()

	// 三个订阅分两次下发
	c.Subscribe(PriceTopic("m1"), PriceTopic("m2"))
	c.Subscribe(TopicTrades)
	waitSub(t, f)
	waitSub(t, f)

	// 服务端强制断线
	f.conn(0).Close()

	// 重连后的订阅重放应包含全部 3 个主题
	req := waitSub(t, f)
	sort.Strings(req.Topics)
	want := []string{"prices.m1", "prices.m2", "trades"}
	if len(req.Topics) != 3 {
		t.Fatalf("重放应包含 3 个主题，得到 %v", req.Topics)
	}
	for i, topic := range want {
		if req.Topics[i] != topic {
			t.Errorf("重放主题不符: 期望 %v，得到 %v", want, req.Topics)
			break
		}
	}
	if f.connCount() < 2 {
		t.Error("应该发生了重连")
	}
	if c.SubscriptionCount() != 3 {
		t.Errorf("期望订阅集应保持 3 个，得到 %d", c.SubscriptionCount())
	}
}

// TestClient_SubscribeWhileDisconnected 断线期间的订阅记入期望集，重连后兑现
func TestClient_SubscribeWhileDisconnected(t *testing.T) {
	f := newFakeUpstream()
	f.reject.Store(true) // 上游先不可用
	srv := httptest.NewServer(http.HandlerFunc(f.handler))
	defer srv.Close()
	endpoint := "ws" + strings.TrimPrefix(srv.URL, "http")

	c := NewClient(testConfig(endpoint), nil)
	if err := c.Start(); err != nil {
		t.Fatalf("启动失败: %v", err)
	}
	defer c.Stop()

	if err := c.Subscribe(PriceTopic("m1")); err != nil {
		t.Fatalf("断线期间订阅不应报错: %v", err)
	}
	if c.SubscriptionCount() != 1 {
		t.Errorf("期望订阅集应记录 1 个主题，得到 %d", c.SubscriptionCount())
	}

	// 上游恢复
	f.reject.Store(false)

	req := waitSub(t, f)
	if len(req.Topics) != 1 || req.Topics[0] != "prices.m1" {
		t.Errorf("重连后应兑现断线期间的订阅，得到 %+v", req)
	}
}

// TestClient_ForceReconnect 外部请求重连后建立新连接并重放订阅
func TestClient_ForceReconnect(t *testing.T) {
	f := newFakeUpstream()
	srv := httptest.NewServer(http.HandlerFunc(f.handler))
	defer srv.Close()
	endpoint := "ws" + strings.TrimPrefix(srv.URL, "http")

	c := NewClient(testConfig(endpoint), nil)
	if err := c.Start(); err != nil {
		t.Fatalf("启动失败: %v", err)
	}
	defer c.Stop()

	c.Subscribe(PriceTopic("m1"))
	waitSub(t, f)
	firstID := c.ConnID()

	c.Reconnect()

	req := waitSub(t, f)
	if len(req.Topics) != 1 || req.Topics[0] != "prices.m1" {
		t.Errorf("重连后应重放订阅，得到 %+v", req)
	}
	if f.connCount() < 2 {
		t.Error("应该建立了新连接")
	}
	if c.ConnID() == firstID {
		t.Error("重连后连接标识应变化")
	}
}

// TestClient_SequenceGapDetection 序号断档只记录，不影响投递
func TestClient_SequenceGapDetection(t *testing.T) {
	delivered := make(chan Envelope, 8)
	c := NewClient(DefaultConfig(), func(e Envelope) { delivered <- e })

	for _, seq := range []uint64{1, 2, 5} { // 3、4 丢失
		data, _ := json.Marshal(Envelope{Topic: "trades", Sequence: seq, Payload: json.RawMessage(`{}`)})
		c.handleMessage(data)
	}

	if len(delivered) != 3 {
		t.Errorf("断档不应阻止投递，期望 3 条，得到 %d", len(delivered))
	}
}

// TestClient_AnyInboundFrameUpdatesHeartbeat 任何入站帧都刷新活跃水位：
// 持续投递信封但不回 PONG 的连接不应被误判断线
func TestClient_AnyInboundFrameUpdatesHeartbeat(t *testing.T) {
	c := NewClient(DefaultConfig(), nil)

	envelope, _ := json.Marshal(Envelope{Topic: "trades", Sequence: 1, Payload: json.RawMessage(`{}`)})
	for _, frame := range [][]byte{[]byte("PONG"), envelope} {
		c.activityMu.Lock()
		c.lastActivity = time.Now().Add(-time.Hour)
		c.activityMu.Unlock()

		c.handleMessage(frame)

		c.activityMu.RLock()
		stale := time.Since(c.lastActivity) > time.Second
		c.activityMu.RUnlock()
		if stale {
			t.Errorf("帧 %q 应刷新活跃水位", frame)
		}
	}
}

// TestClient_EnvelopeArray 数组形式的信封逐条投递
func TestClient_EnvelopeArray(t *testing.T) {
	delivered := make(chan Envelope, 8)
	c := NewClient(DefaultConfig(), func(e Envelope) { delivered <- e })

	data, _ := json.Marshal([]Envelope{
		{Topic: "trades", Sequence: 1, Payload: json.RawMessage(`{}`)},
		{Topic: "trades", Sequence: 2, Payload: json.RawMessage(`{}`)},
	})
	c.handleMessage(data)

	if len(delivered) != 2 {
		t.Errorf("期望投递 2 条，得到 %d", len(delivered))
	}
}
