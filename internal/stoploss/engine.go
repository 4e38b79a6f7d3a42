// Package stoploss 实现止损引擎：消费价格 tick，命中触发价后
// 通过 CAS 抢占执行权，保证每个 watch 至多下一次平仓单。
package stoploss

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/tradebot/internal/common"
	"github.com/betbot/tradebot/internal/domain"
	"github.com/betbot/tradebot/internal/feed"
	"github.com/betbot/tradebot/internal/ports"
)

// WatchStore 引擎需要的持久化能力（由 store.DB 提供）。
type WatchStore interface {
	InsertWatch(ctx context.Context, w *domain.StopLossWatch) error
	UpdateWatchState(ctx context.Context, id string, state domain.WatchState, retryCount int32) error
	ListNonTerminalWatches(ctx context.Context) ([]*domain.StopLossWatch, error)
}

// Options 执行参数。
type Options struct {
	MaxRetries   int32         // 单次触发的最大重试次数
	RetryBackoff time.Duration // 重试间隔基数（线性递增）
}

// Engine 止损引擎。
// 内存索引是运行时权威，存储只负责重启恢复；
// 状态迁移全部走 watch 上的 CAS，价格风暴下也只会触发一次。
type Engine struct {
	store    WatchStore
	placer   ports.OrderPlacer
	notifier ports.Notifier
	inflight *common.InFlightRegistry
	opts     Options
	log      *logrus.Entry

	mu         sync.RWMutex
	byMarket   map[string][]*domain.StopLossWatch
	byPosition map[string]*domain.StopLossWatch

	execWG sync.WaitGroup // 在途执行，Stop 时排空
}

func NewEngine(st WatchStore, placer ports.OrderPlacer, notifier ports.Notifier, inflight *common.InFlightRegistry, opts Options) *Engine {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 500 * time.Millisecond
	}
	if notifier == nil {
		notifier = ports.NopNotifier{}
	}
	return &Engine{
		store:      st,
		placer:     placer,
		notifier:   notifier,
		inflight:   inflight,
		opts:       opts,
		log:        logrus.WithField("module", "stoploss"),
		byMarket:   make(map[string][]*domain.StopLossWatch),
		byPosition: make(map[string]*domain.StopLossWatch),
	}
}

// Recover 重启后从存储重建内存索引。
// armed 直接复位布防；triggered 尚未下单，继续执行；
// executing 无法确认订单是否已发出，判 failed 交人工核对，绝不自动重发。
func (e *Engine) Recover(ctx context.Context) error {
	watches, err := e.store.ListNonTerminalWatches(ctx)
	if err != nil {
		return errors.Wrap(err, "recover watches")
	}

	for _, w := range watches {
		switch w.State() {
		case domain.WatchArmed:
			e.index(w)
			e.log.Infof("📉 [止损] 恢复布防: watch=%s market=%s trigger=%s", w.ID, w.MarketID, w.TriggerPrice)
		case domain.WatchTriggered:
			e.index(w)
			e.log.Warnf("📉 [止损] 恢复已触发的 watch，继续执行: %s", w.ID)
			e.execWG.Add(1)
			go e.execute(w, w.TriggerPrice)
		case domain.WatchExecuting:
			w.RestoreState(domain.WatchFailed, w.RetryCount())
			if err := e.store.UpdateWatchState(ctx, w.ID, domain.WatchFailed, w.RetryCount()); err != nil {
				e.log.Errorf("❌ [止损] 恢复时标记失败出错: %v", err)
			}
			e.log.Warnf("🚨 [止损] watch %s 崩溃前正在下单，已判 failed，请人工核对订单", w.ID)
			e.notifier.NotifyStopLossFailed(w, errors.New("restarted mid-execution, order state unknown"))
		}
	}
	e.log.Infof("📉 [止损] 恢复完成，活跃 watch %d 个", len(e.byPosition))
	return nil
}

// Arm 为仓位布防一个止损 watch。同一仓位同时只允许一个非终态 watch。
func (e *Engine) Arm(ctx context.Context, w *domain.StopLossWatch) error {
	e.mu.Lock()
	if existing, ok := e.byPosition[w.PositionID]; ok && !existing.State().IsTerminal() {
		e.mu.Unlock()
		return errors.Errorf("position %s already has an active watch (%s)", w.PositionID, existing.ID)
	}
	e.mu.Unlock()

	if err := e.store.InsertWatch(ctx, w); err != nil {
		return err
	}
	e.index(w)
	e.log.Infof("📉 [止损] 已布防: watch=%s market=%s trigger=%s dir=%s fraction=%s",
		w.ID, w.MarketID, w.TriggerPrice, w.Direction, w.SellFraction)
	return nil
}

// Cancel 撤销仓位上的 watch。已进入执行的撤不掉。
func (e *Engine) Cancel(ctx context.Context, positionID string) error {
	e.mu.RLock()
	w, ok := e.byPosition[positionID]
	e.mu.RUnlock()
	if !ok {
		return errors.Errorf("no watch for position %s", positionID)
	}

	if !w.TryTransition(domain.WatchArmed, domain.WatchCancelled) &&
		!w.TryTransition(domain.WatchTriggered, domain.WatchCancelled) {
		return errors.Errorf("watch %s is %s, cannot cancel", w.ID, w.State())
	}
	if err := e.store.UpdateWatchState(ctx, w.ID, domain.WatchCancelled, w.RetryCount()); err != nil {
		e.log.Errorf("❌ [止损] 持久化撤销状态失败: %v", err)
	}
	e.unindex(w)
	e.log.Infof("📉 [止损] 已撤销: watch=%s", w.ID)
	return nil
}

// ActiveCount 当前活跃 watch 数。
func (e *Engine) ActiveCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.byPosition)
}

// HandleTick 作为 dispatch.Handler 挂在价格主题上。
func (e *Engine) HandleTick(env feed.Envelope) {
	var tick domain.PriceTick
	if err := json.Unmarshal(env.Payload, &tick); err != nil {
		e.log.Warnf("⚠️ [止损] 无法解析价格 tick: %v", err)
		return
	}
	if tick.MarketID == "" {
		return
	}
	e.OnPrice(tick)
}

// OnPrice 用一个价格 tick 评估该市场的所有 watch。
// Armed -> Triggered 的 CAS 是去重点：并发 tick 同时命中时只有一个赢。
func (e *Engine) OnPrice(tick domain.PriceTick) {
	e.mu.RLock()
	watches := e.byMarket[tick.MarketID]
	e.mu.RUnlock()

	now := time.Now()
	for _, w := range watches {
		w.RecordEvaluation(tick.Price, now)
		if w.State() != domain.WatchArmed || !w.ShouldTrigger(tick.Price) {
			continue
		}
		if !w.TryTransition(domain.WatchArmed, domain.WatchTriggered) {
			continue // 并发 tick 输掉了 CAS
		}
		e.log.Infof("🎯 [止损] 触发: watch=%s market=%s price=%s trigger=%s",
			w.ID, w.MarketID, tick.Price, w.TriggerPrice)
		if err := e.store.UpdateWatchState(context.Background(), w.ID, domain.WatchTriggered, w.RetryCount()); err != nil {
			e.log.Errorf("❌ [止损] 持久化触发状态失败: %v", err)
		}
		e.execWG.Add(1)
		go e.execute(w, tick.Price)
	}
}

// Stop 等待在途执行全部落地。
func (e *Engine) Stop() {
	e.execWG.Wait()
	e.log.Info("📉 [止损] 引擎已停止")
}

// execute 执行平仓。带重试，重试耗尽或不可重试错误判 failed。
func (e *Engine) execute(w *domain.StopLossWatch, price decimal.Decimal) {
	defer e.execWG.Done()

	if !w.TryTransition(domain.WatchTriggered, domain.WatchExecuting) {
		return // 触发后被撤销
	}
	ctx := context.Background()
	if err := e.store.UpdateWatchState(ctx, w.ID, domain.WatchExecuting, w.RetryCount()); err != nil {
		e.log.Errorf("❌ [止损] 持久化执行状态失败: %v", err)
	}

	// 对账器据此推迟该仓位的漂移纠正
	key := domain.PositionKey(w.UserID, w.MarketID)
	e.inflight.Begin(key)
	defer e.inflight.End(key)

	var lastErr error
	for {
		res, err := e.placer.PlaceOrder(ctx, w.UserID, w.MarketID, domain.SideSell, w.SellFraction)
		if err == nil {
			w.TryTransition(domain.WatchExecuting, domain.WatchCompleted)
			if perr := e.store.UpdateWatchState(ctx, w.ID, domain.WatchCompleted, w.RetryCount()); perr != nil {
				e.log.Errorf("❌ [止损] 持久化完成状态失败: %v", perr)
			}
			e.unindex(w)
			e.log.Infof("✅ [止损] 平仓单已提交: watch=%s order=%s status=%s", w.ID, res.OrderID, res.Status)
			e.notifier.NotifyStopLossTriggered(w, price, res)
			return
		}

		lastErr = err
		if !ports.IsRetryable(err) {
			e.log.Warnf("🚫 [止损] 不可重试的下单失败: watch=%s err=%v", w.ID, err)
			break
		}
		attempt := w.IncRetry()
		if attempt >= e.opts.MaxRetries {
			e.log.Warnf("🚫 [止损] 重试耗尽（%d 次）: watch=%s err=%v", attempt, w.ID, err)
			break
		}
		backoff := e.opts.RetryBackoff * time.Duration(attempt)
		e.log.Warnf("🔁 [止损] 下单失败，%v 后重试（第 %d 次）: %v", backoff, attempt, err)
		time.Sleep(backoff)
	}

	w.TryTransition(domain.WatchExecuting, domain.WatchFailed)
	if perr := e.store.UpdateWatchState(ctx, w.ID, domain.WatchFailed, w.RetryCount()); perr != nil {
		e.log.Errorf("❌ [止损] 持久化失败状态出错: %v", perr)
	}
	e.unindex(w)
	e.log.Errorf("🚨 [止损] 执行失败，需要人工介入: watch=%s position=%s err=%v", w.ID, w.PositionID, lastErr)
	e.notifier.NotifyStopLossFailed(w, lastErr)
}

func (e *Engine) index(w *domain.StopLossWatch) {
	e.mu.Lock()
	e.byPosition[w.PositionID] = w
	e.byMarket[w.MarketID] = append(e.byMarket[w.MarketID], w)
	e.mu.Unlock()
}

func (e *Engine) unindex(w *domain.StopLossWatch) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cur, ok := e.byPosition[w.PositionID]; ok && cur == w {
		delete(e.byPosition, w.PositionID)
	}
	// 重建而不是原地搬移：OnPrice 在锁外遍历旧切片快照，
	// 原地 append 会改写它正在读的底层数组
	list := e.byMarket[w.MarketID]
	next := make([]*domain.StopLossWatch, 0, len(list))
	for _, x := range list {
		if x != w {
			next = append(next, x)
		}
	}
	if len(next) == 0 {
		delete(e.byMarket, w.MarketID)
	} else {
		e.byMarket[w.MarketID] = next
	}
}
