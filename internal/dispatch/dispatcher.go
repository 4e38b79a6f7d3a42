// Package dispatch 把事件源信封按主题分发给各个消费者。
// 每个注册项一条有界通道和一个投递 goroutine：慢消费者只拖慢自己，
// 通道满时丢弃并记日志（上游不支持回放，阻塞只会把断档变成心跳超时）。
package dispatch

import (
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/betbot/tradebot/internal/feed"
)

// Handler 主题消费者。在专属 goroutine 中被调用，按到达顺序串行消费。
type Handler func(env feed.Envelope)

type registration struct {
	topic    string
	isPrefix bool
	handler  Handler
	ch       chan feed.Envelope
}

// Dispatcher 主题路由器。
type Dispatcher struct {
	log *logrus.Entry

	mu      sync.RWMutex
	regs    []*registration
	started bool

	buffer int
	wg     sync.WaitGroup

	dropped   map[string]uint64
	droppedMu sync.Mutex
}

func NewDispatcher(buffer int) *Dispatcher {
	if buffer <= 0 {
		buffer = 256
	}
	return &Dispatcher{
		log:     logrus.WithField("module", "dispatch"),
		buffer:  buffer,
		dropped: make(map[string]uint64),
	}
}

// Register 注册精确主题的消费者。必须在 Start 之前调用。
func (d *Dispatcher) Register(topic string, h Handler) {
	d.register(topic, false, h)
}

// RegisterPrefix 注册主题前缀的消费者（如所有 prices.* 主题）。
func (d *Dispatcher) RegisterPrefix(prefix string, h Handler) {
	d.register(prefix, true, h)
}

func (d *Dispatcher) register(topic string, isPrefix bool, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		d.log.Errorf("❌ 启动后注册被忽略: %s", topic)
		return
	}
	d.regs = append(d.regs, &registration{
		topic:    topic,
		isPrefix: isPrefix,
		handler:  h,
		ch:       make(chan feed.Envelope, d.buffer),
	})
}

// Start 为每个注册项启动投递 goroutine。
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return
	}
	d.started = true

	for _, reg := range d.regs {
		d.wg.Add(1)
		go d.consumeLoop(reg)
	}
	d.log.Infof("🚦 分发器已启动，%d 个消费者", len(d.regs))
}

// Stop 关闭所有通道并等待投递 goroutine 退出（未消费的消息会被处理完）。
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return
	}
	for _, reg := range d.regs {
		close(reg.ch)
	}
	d.mu.Unlock()

	d.wg.Wait()
	d.log.Info("🚦 分发器已停止")
}

// Route 把信封投递给所有匹配的消费者。通道满时丢弃该消费者的这条消息。
// 作为 feed.RouteFunc 挂到客户端上。
func (d *Dispatcher) Route(env feed.Envelope) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	matched := false
	for _, reg := range d.regs {
		if !reg.matches(env.Topic) {
			continue
		}
		matched = true
		select {
		case reg.ch <- env:
		default:
			d.droppedMu.Lock()
			d.dropped[reg.topic]++
			n := d.dropped[reg.topic]
			d.droppedMu.Unlock()
			d.log.Warnf("⚠️ 消费者 %s 通道已满，丢弃消息 (topic=%s, 累计丢弃 %d)", reg.topic, env.Topic, n)
		}
	}
	if !matched {
		d.log.Debugf("无消费者的主题: %s", env.Topic)
	}
}

// DroppedCount 某个注册项累计丢弃的消息数（诊断用）。
func (d *Dispatcher) DroppedCount(topic string) uint64 {
	d.droppedMu.Lock()
	defer d.droppedMu.Unlock()
	return d.dropped[topic]
}

func (r *registration) matches(topic string) bool {
	if r.isPrefix {
		return strings.HasPrefix(topic, r.topic)
	}
	return topic == r.topic
}

// consumeLoop 串行消费单个注册项的消息，panic 只打日志不传染。
func (d *Dispatcher) consumeLoop(reg *registration) {
	defer d.wg.Done()
	for env := range reg.ch {
		d.invoke(reg, env)
	}
}

func (d *Dispatcher) invoke(reg *registration, env feed.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Errorf("💥 消费者 %s 处理 %s 消息时 panic: %v", reg.topic, env.Topic, r)
		}
	}()
	reg.handler(env)
}
