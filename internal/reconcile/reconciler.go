package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/tradebot/internal/common"
	"github.com/betbot/tradebot/internal/domain"
	"github.com/betbot/tradebot/internal/ports"
	"github.com/betbot/tradebot/pkg/syncgroup"
)

// Options 对账参数。
type Options struct {
	Interval       time.Duration   // 对账周期
	DriftTolerance decimal.Decimal // 规模差小于该值视为一致
	ReviewCycles   int             // 连续漂移多少个周期后转人工
}

// Reconciler 周期性拉取交易所权威仓位，与本地快照比对：
//   - 差值在容差内：视为一致，清零漂移计数；
//   - 有漂移且该仓位有在途订单：推迟到下个周期（成交落地前比对没有意义）；
//   - 有漂移且无在途订单：远端覆盖本地；
//   - 连续 ReviewCycles 个周期仍漂移：打 DriftFlag 记录操作员日志，
//     停止自动覆盖，避免和未知的外部变更来回拉锯。
type Reconciler struct {
	book     *SnapshotBook
	venue    ports.VenueQuery
	inflight *common.InFlightRegistry
	opts     Options
	log      *logrus.Entry

	userIDs []string

	mu          sync.Mutex
	driftCycles map[string]int // 仓位键 -> 连续漂移周期数

	stopCh chan struct{}
	doneCh chan struct{}
}

func NewReconciler(book *SnapshotBook, venue ports.VenueQuery, inflight *common.InFlightRegistry, userIDs []string, opts Options) *Reconciler {
	if opts.Interval <= 0 {
		opts.Interval = 60 * time.Second
	}
	if opts.DriftTolerance.IsZero() {
		opts.DriftTolerance = decimal.NewFromFloat(0.0001)
	}
	if opts.ReviewCycles <= 0 {
		opts.ReviewCycles = 3
	}
	return &Reconciler{
		book:        book,
		venue:       venue,
		inflight:    inflight,
		opts:        opts,
		log:         logrus.WithField("module", "reconcile"),
		userIDs:     userIDs,
		driftCycles: make(map[string]int),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Start 启动对账循环。
func (r *Reconciler) Start(ctx context.Context) {
	go func() {
		defer close(r.doneCh)
		ticker := time.NewTicker(r.opts.Interval)
		defer ticker.Stop()

		r.log.Infof("🔄 [对账] 已启动，周期 %v，容差 %s", r.opts.Interval, r.opts.DriftTolerance)
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopCh:
				return
			case <-ticker.C:
				r.ReconcileOnce(ctx)
			}
		}
	}()
}

// Stop 停止对账循环。
func (r *Reconciler) Stop() {
	close(r.stopCh)
	select {
	case <-r.doneCh:
	case <-time.After(5 * time.Second):
		r.log.Warn("⚠️ [对账] 停止等待超时")
	}
}

// ReconcileOnce 执行一轮对账。单独暴露方便测试和手动触发。
// 各用户的仓位拉取互不依赖，并发执行，整轮等全部用户完成后返回。
func (r *Reconciler) ReconcileOnce(ctx context.Context) {
	sg := syncgroup.NewSyncGroup()
	for _, userID := range r.userIDs {
		uid := userID
		sg.Add(func() {
			remote, err := r.venue.GetPositions(ctx, uid)
			if err != nil {
				r.log.Warnf("⚠️ [对账] 拉取 %s 的仓位失败，本轮跳过: %v", uid, err)
				return
			}
			seen := make(map[string]bool, len(remote))
			for _, rp := range remote {
				seen[rp.Key()] = true
				r.reconcilePosition(rp)
			}
			// 本地有、远端没有的仓位按远端规模为零对账
			for _, lp := range r.book.All() {
				if lp.UserID != uid || seen[domain.PositionKey(lp.UserID, lp.MarketID)] {
					continue
				}
				r.reconcilePosition(domain.PositionSnapshot{
					UserID:   uid,
					MarketID: lp.MarketID,
					Source:   domain.SnapshotRemote,
				})
			}
		})
	}
	sg.Run()
	sg.WaitAndClear()
}

func (r *Reconciler) reconcilePosition(remote domain.PositionSnapshot) {
	key := remote.Key()
	local, ok := r.book.Get(remote.UserID, remote.MarketID)

	var diff decimal.Decimal
	if ok {
		diff = remote.Size.Sub(local.Size).Abs()
	} else {
		diff = remote.Size.Abs()
	}

	if diff.LessThanOrEqual(r.opts.DriftTolerance) {
		r.clearDrift(key)
		if ok {
			// 一致时只刷新对账时间，不动仓位本身
			r.book.Touch(remote.UserID, remote.MarketID)
			if local.DriftFlag {
				r.book.SetDriftFlag(remote.UserID, remote.MarketID, false)
				r.log.Infof("✅ [对账] 仓位 %s 漂移已消除", key)
			}
		}
		return
	}

	// 有在途订单时比对没有意义，推迟到下个周期
	if r.inflight.Active(key) {
		r.log.Infof("⏳ [对账] 仓位 %s 有在途订单，本轮推迟", key)
		return
	}

	cycles := r.bumpDrift(key)
	if cycles >= r.opts.ReviewCycles {
		// 反复纠正还在漂移，说明有未知的外部变更在拉锯，停止自动覆盖
		r.book.SetDriftFlag(remote.UserID, remote.MarketID, true)
		if cycles == r.opts.ReviewCycles {
			r.log.Errorf("🚨 [对账] 仓位 %s 连续 %d 个周期漂移（本地=%s 远端=%s），已打标转人工，停止自动纠正",
				key, cycles, local.Size, remote.Size)
		} else {
			r.log.Debugf("[对账] 仓位 %s 仍在漂移（第 %d 个周期），等待人工处理", key, cycles)
		}
		return
	}

	r.book.Overwrite(remote)
	r.log.Warnf("🔧 [对账] 仓位 %s 漂移 %s（本地=%s 远端=%s），已用远端覆盖（第 %d 次）",
		key, diff, local.Size, remote.Size, cycles)
}

func (r *Reconciler) bumpDrift(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.driftCycles[key]++
	return r.driftCycles[key]
}

func (r *Reconciler) clearDrift(key string) {
	r.mu.Lock()
	delete(r.driftCycles, key)
	r.mu.Unlock()
}

// DriftCycles 某仓位当前连续漂移周期数（测试用）。
func (r *Reconciler) DriftCycles(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.driftCycles[key]
}
