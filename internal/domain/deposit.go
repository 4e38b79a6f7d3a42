package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// DepositChannel 存款观察到达的渠道。
type DepositChannel string

const (
	ChannelWebhook DepositChannel = "webhook" // 节点服务商回调推送
	ChannelPoll    DepositChannel = "poll"    // 周期性链上轮询
)

// DepositStatus 存款事件状态。同一 txHash 只有一个事件行，
// pending -> confirmed -> crediting -> credited 单向推进；
// duplicate 表示对已入账事件的重复观察，不产生新行。
type DepositStatus string

const (
	DepositPending   DepositStatus = "pending"
	DepositConfirmed DepositStatus = "confirmed"
	DepositCrediting DepositStatus = "crediting" // 入账原子点：条件 UPDATE 的赢家持有
	DepositCredited  DepositStatus = "credited"
	DepositDuplicate DepositStatus = "duplicate"
)

func (s DepositStatus) String() string { return string(s) }

// IsFinal 入账完成或判定重复后事件不可再变。
func (s DepositStatus) IsFinal() bool {
	return s == DepositCredited || s == DepositDuplicate
}

// Transfer 一次链上转账观察（webhook 或轮询产出，尚未去重）。
type Transfer struct {
	TxHash        common.Hash
	Wallet        common.Address // 收款钱包
	From          common.Address
	Amount        decimal.Decimal
	BlockNumber   uint64
	Confirmations uint64
	Channel       DepositChannel
}

// DepositEvent 去重后的存款事件（每个 txHash 一条）。
type DepositEvent struct {
	TxHash        string
	WalletAddress string
	Amount        decimal.Decimal
	SourceChannel DepositChannel // 首次观察到的渠道
	Confirmations uint64
	Status        DepositStatus
	ObservedAt    time.Time
	CreditedAt    *time.Time
}

// NormalizeTxHash 统一 txHash 形式（小写 0x 前缀），两条渠道的同笔交易才能撞上同一主键。
func NormalizeTxHash(s string) string {
	return common.HexToHash(s).Hex()
}

// NormalizeAddress 统一地址形式。
func NormalizeAddress(s string) common.Address {
	return common.HexToAddress(s)
}
