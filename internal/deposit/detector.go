// Package deposit 实现存款探测：webhook 推送和链上轮询两条独立通道
// 汇入同一个以 txHash 为键的去重闸门，确认深度达标后入账一次。
package deposit

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/betbot/tradebot/internal/domain"
	"github.com/betbot/tradebot/internal/ports"
	"github.com/betbot/tradebot/internal/store"
)

// EventStore 探测器需要的持久化能力（由 store.DB 提供）。
type EventStore interface {
	ObserveDeposit(ctx context.Context, t domain.Transfer) (store.ObserveOutcome, error)
	MarkConfirmed(ctx context.Context, txHash string, confirmations uint64) (bool, error)
	TryBeginCredit(ctx context.Context, txHash string) (bool, error)
	MarkCredited(ctx context.Context, txHash string) error
	RevertCrediting(ctx context.Context, txHash string) error
	GetDeposit(ctx context.Context, txHash string) (*domain.DepositEvent, error)
	ListUncredited(ctx context.Context) ([]*domain.DepositEvent, error)
}

// Detector 存款探测器。
// 去重闸门是存储层的条件 UPDATE（confirmed -> crediting），
// webhook 和轮询并发到达时只有一个赢家能发起入账；
// 账本协作方自身对 txHash 幂等，作为第二道防线。
type Detector struct {
	store        EventStore
	ledger       ports.BalanceLedger
	notifier     ports.Notifier
	confirmDepth uint64
	log          *logrus.Entry
}

func NewDetector(st EventStore, ledger ports.BalanceLedger, notifier ports.Notifier, confirmDepth uint64) *Detector {
	if notifier == nil {
		notifier = ports.NopNotifier{}
	}
	return &Detector{
		store:        st,
		ledger:       ledger,
		notifier:     notifier,
		confirmDepth: confirmDepth,
		log:          logrus.WithField("module", "deposit"),
	}
}

// ConfirmDepth 入账所需确认数。
func (d *Detector) ConfirmDepth() uint64 {
	return d.confirmDepth
}

// Observe 处理一次转账观察（两条通道共用入口）。
func (d *Detector) Observe(ctx context.Context, t domain.Transfer) error {
	hash := t.TxHash.Hex()

	outcome, err := d.store.ObserveDeposit(ctx, t)
	if err != nil {
		return errors.Wrap(err, "observe")
	}

	switch outcome {
	case store.ObserveNew:
		d.log.Infof("💰 [存款] 新观察: tx=%s wallet=%s amount=%s channel=%s conf=%d",
			hash, t.Wallet.Hex(), t.Amount, t.Channel, t.Confirmations)
	case store.ObserveDuplicate:
		d.log.Infof("🔁 [存款] 重复观察（已入账）: tx=%s channel=%s", hash, t.Channel)
		return nil
	case store.ObserveProgress:
		d.log.Debugf("[存款] 确认数刷新: tx=%s conf=%d channel=%s", hash, t.Confirmations, t.Channel)
	}

	if t.Confirmations < d.confirmDepth {
		d.log.Debugf("[存款] 确认数不足（%d/%d），继续等待: tx=%s", t.Confirmations, d.confirmDepth, hash)
		return nil
	}

	if ok, err := d.store.MarkConfirmed(ctx, hash, t.Confirmations); err != nil {
		return errors.Wrap(err, "mark confirmed")
	} else if ok {
		d.log.Infof("✅ [存款] 已确认（%d 确认）: tx=%s", t.Confirmations, hash)
	}

	return d.tryCredit(ctx, hash)
}

// tryCredit 入账的原子点：条件 UPDATE 抢 confirmed -> crediting，
// 输掉的调用者直接返回，不会产生第二笔入账。
func (d *Detector) tryCredit(ctx context.Context, txHash string) error {
	won, err := d.store.TryBeginCredit(ctx, txHash)
	if err != nil {
		return errors.Wrap(err, "begin credit")
	}
	if !won {
		return nil
	}

	ev, err := d.store.GetDeposit(ctx, txHash)
	if err != nil {
		// 回退让下一次观察重试
		if rerr := d.store.RevertCrediting(ctx, txHash); rerr != nil {
			d.log.Errorf("❌ [存款] 回退 crediting 失败: tx=%s err=%v", txHash, rerr)
		}
		return errors.Wrap(err, "load deposit")
	}

	applied, err := d.ledger.Credit(ctx,
		domain.NormalizeAddress(ev.WalletAddress), ev.Amount, common.HexToHash(ev.TxHash))
	if err != nil {
		if rerr := d.store.RevertCrediting(ctx, txHash); rerr != nil {
			d.log.Errorf("❌ [存款] 回退 crediting 失败: tx=%s err=%v", txHash, rerr)
		}
		d.log.Warnf("⚠️ [存款] 入账调用失败，等待下一次观察重试: tx=%s err=%v", txHash, err)
		return errors.Wrap(err, "credit")
	}
	if !applied {
		// 账本早已见过该 txHash（第二道防线生效），仍然收尾本地状态
		d.log.Warnf("⚠️ [存款] 账本报告 txHash 已入账过: tx=%s", txHash)
	}

	if err := d.store.MarkCredited(ctx, txHash); err != nil {
		d.log.Errorf("❌ [存款] 标记 credited 失败: tx=%s err=%v", txHash, err)
	}
	d.log.Infof("🎉 [存款] 入账完成: tx=%s wallet=%s amount=%s", txHash, ev.WalletAddress, ev.Amount)
	if applied {
		d.notifier.NotifyDepositCredited(ev)
	}
	return nil
}

// Recover 重启后处理未入账的事件：
// crediting（崩溃在入账中途）先回退再重新走闸门，账本幂等兜底；
// confirmed 直接重新走闸门；pending 留给轮询继续喂确认数。
func (d *Detector) Recover(ctx context.Context) error {
	events, err := d.store.ListUncredited(ctx)
	if err != nil {
		return errors.Wrap(err, "list uncredited")
	}
	for _, ev := range events {
		switch ev.Status {
		case domain.DepositCrediting:
			d.log.Warnf("🔄 [存款] 恢复中途入账: tx=%s", ev.TxHash)
			if err := d.store.RevertCrediting(ctx, ev.TxHash); err != nil {
				d.log.Errorf("❌ [存款] 恢复回退失败: tx=%s err=%v", ev.TxHash, err)
				continue
			}
			if err := d.tryCredit(ctx, ev.TxHash); err != nil {
				d.log.Errorf("❌ [存款] 恢复入账失败: tx=%s err=%v", ev.TxHash, err)
			}
		case domain.DepositConfirmed:
			if err := d.tryCredit(ctx, ev.TxHash); err != nil {
				d.log.Errorf("❌ [存款] 恢复入账失败: tx=%s err=%v", ev.TxHash, err)
			}
		case domain.DepositPending:
			d.log.Infof("⏳ [存款] 待确认事件等待轮询推进: tx=%s conf=%d/%d", ev.TxHash, ev.Confirmations, d.confirmDepth)
		}
	}
	return nil
}
