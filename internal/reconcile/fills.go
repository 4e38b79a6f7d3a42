package reconcile

import (
	"encoding/json"

	"github.com/sirupsen/logrus"

	"github.com/betbot/tradebot/internal/domain"
	"github.com/betbot/tradebot/internal/feed"
)

// FillConsumer 消费本方订单的成交回报，把确认成交增量记入本地快照。
// 止损平仓和镜像单的下单结果不直接改本地仓位，
// 统一等交易所的成交回报落到这里，避免同一笔成交记两次。
type FillConsumer struct {
	book *SnapshotBook
	log  *logrus.Entry
}

func NewFillConsumer(book *SnapshotBook) *FillConsumer {
	return &FillConsumer{
		book: book,
		log:  logrus.WithField("module", "reconcile.fills"),
	}
}

// HandleFill 作为 dispatch.Handler 挂在成交回报主题上。
func (f *FillConsumer) HandleFill(env feed.Envelope) {
	var fill domain.OrderFill
	if err := json.Unmarshal(env.Payload, &fill); err != nil {
		f.log.Warnf("⚠️ [成交] 无法解析成交回报: %v", err)
		return
	}
	if fill.UserID == "" || fill.MarketID == "" || !fill.Size.IsPositive() {
		f.log.Warnf("⚠️ [成交] 回报字段不完整，忽略: order=%s", fill.OrderID)
		return
	}

	f.book.ApplyFill(fill.UserID, fill.MarketID, fill.Side, fill.Size, fill.Price)
	f.log.Infof("📒 [成交] 已入账本地仓位: order=%s user=%s market=%s side=%s size=%s price=%s",
		fill.OrderID, fill.UserID, fill.MarketID, fill.Side, fill.Size, fill.Price)
}
