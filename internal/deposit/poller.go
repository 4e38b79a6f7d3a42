package deposit

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/betbot/tradebot/internal/domain"
	"github.com/betbot/tradebot/internal/ports"
	"github.com/betbot/tradebot/pkg/persistence"
)

// pollCursor 轮询进度，持久化后重启不丢。
// 回退一个确认深度重扫，宁可重复观察（闸门会去重）也不漏块。
type pollCursor struct {
	SinceBlock uint64 `json:"since_block"`
}

// Poller 链上轮询兜底：webhook 推送延迟或丢失时由它保证正确性，
// 同时负责推进 pending 事件的确认数。
type Poller struct {
	detector *Detector
	venue    ports.VenueQuery
	wallets  []common.Address
	interval time.Duration
	cursor   persistence.Store
	log      *logrus.Entry

	stopCh chan struct{}
	doneCh chan struct{}
}

func NewPoller(detector *Detector, venue ports.VenueQuery, wallets []common.Address, interval time.Duration, cursorStore persistence.Store) *Poller {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Poller{
		detector: detector,
		venue:    venue,
		wallets:  wallets,
		interval: interval,
		cursor:   cursorStore,
		log:      logrus.WithField("module", "deposit.poller"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start 启动轮询循环。
func (p *Poller) Start(ctx context.Context) {
	go func() {
		defer close(p.doneCh)

		cur := p.loadCursor()
		p.log.Infof("⛓️ [轮询] 已启动，间隔 %v，游标 block=%d，监控钱包 %d 个", p.interval, cur.SinceBlock, len(p.wallets))

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stopCh:
				return
			case <-ticker.C:
				cur = p.PollOnce(ctx, cur)
			}
		}
	}()
}

// Stop 停止轮询。
func (p *Poller) Stop() {
	close(p.stopCh)
	select {
	case <-p.doneCh:
	case <-time.After(5 * time.Second):
		p.log.Warn("⚠️ [轮询] 停止等待超时")
	}
}

// PollOnce 拉一轮所有监控钱包的近期转账，返回推进后的游标。
// 查询起点从游标回退一个确认深度：游标之后的区块里可能还有
// 确认数不足、停在 pending 的事件（含 webhook 先到的），
// 回退重扫才能把它们的确认数推进到入账。单独暴露方便测试。
func (p *Poller) PollOnce(ctx context.Context, cur pollCursor) pollCursor {
	since := cur.SinceBlock
	if rewind := p.detector.ConfirmDepth(); since > rewind {
		since -= rewind
	} else {
		since = 0
	}

	maxBlock := cur.SinceBlock
	for _, wallet := range p.wallets {
		transfers, err := p.venue.GetRecentTransfers(ctx, wallet, since)
		if err != nil {
			p.log.Warnf("⚠️ [轮询] 拉取 %s 的转账失败，本轮跳过: %v", wallet.Hex(), err)
			continue
		}
		for _, t := range transfers {
			t.Channel = domain.ChannelPoll
			t.Wallet = wallet
			if err := p.detector.Observe(ctx, t); err != nil {
				p.log.Errorf("❌ [轮询] 处理转账失败: tx=%s err=%v", t.TxHash.Hex(), err)
			}
			if t.BlockNumber > maxBlock {
				maxBlock = t.BlockNumber
			}
		}
	}

	if maxBlock != cur.SinceBlock {
		cur.SinceBlock = maxBlock
		if err := p.cursor.Save(&cur); err != nil {
			p.log.Errorf("❌ [轮询] 保存游标失败: %v", err)
		}
	}
	return cur
}

func (p *Poller) loadCursor() pollCursor {
	var cur pollCursor
	if err := p.cursor.Load(&cur); err != nil {
		if err != persistence.ErrNotExists {
			p.log.Warnf("⚠️ [轮询] 加载游标失败，从 0 开始: %v", err)
		}
		return pollCursor{}
	}
	return cur
}
