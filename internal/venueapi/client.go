// Package venueapi 是交易所 REST 协作方的实现：
// 下单、仓位查询、近期转账、余额、入账调用都走这里。
package venueapi

import (
	"context"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/tradebot/internal/domain"
	"github.com/betbot/tradebot/internal/ports"
)

// Config 客户端配置。
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client 实现 ports.OrderPlacer / ports.VenueQuery / ports.BalanceLedger。
type Client struct {
	http *resty.Client
	log  *logrus.Entry
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	base := strings.TrimSuffix(cfg.BaseURL, "/")

	// resty 会自动读取 HTTP_PROXY / HTTPS_PROXY 环境变量
	hc := resty.New().
		SetBaseURL(base).
		SetTimeout(cfg.Timeout).
		SetRetryCount(3).
		SetRetryWaitTime(1 * time.Second).
		SetRetryMaxWaitTime(10 * time.Second).
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			// 只对只读请求自动重试：下单和入账必须恰好一次，
			// 重试决策交给上层按哨兵错误分类处理
			if resp == nil || resp.Request.Method != resty.MethodGet {
				return false
			}
			return err != nil || resp.StatusCode() >= 500
		}).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "tradebot/1.0")
	if cfg.APIKey != "" {
		hc.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	}

	return &Client{
		http: hc,
		log:  logrus.WithField("module", "venueapi"),
	}
}

type orderRequest struct {
	UserID   string `json:"user_id"`
	MarketID string `json:"market_id"`
	Side     string `json:"side"`
	Size     string `json:"size"`
}

type orderResponse struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
}

// PlaceOrder 下单。错误按类别映射成哨兵错误，上层据此决定是否重试。
func (c *Client) PlaceOrder(ctx context.Context, userID, marketID string, side domain.OrderSide, sizeOrFraction decimal.Decimal) (*domain.OrderResult, error) {
	var out orderResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(orderRequest{UserID: userID, MarketID: marketID, Side: string(side), Size: sizeOrFraction.String()}).
		SetResult(&out).
		SetError(&out).
		Post("/orders")
	if err != nil {
		return nil, classifyTransportErr(err)
	}
	if resp.IsError() {
		return nil, classifyOrderErr(resp.StatusCode(), out.Error)
	}
	return &domain.OrderResult{OrderID: out.OrderID, Status: domain.OrderStatus(out.Status)}, nil
}

type positionItem struct {
	MarketID      string          `json:"market_id"`
	Size          decimal.Decimal `json:"size"`
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price"`
}

// GetPositions 拉取用户的权威仓位视图。
func (c *Client) GetPositions(ctx context.Context, userID string) ([]domain.PositionSnapshot, error) {
	var items []positionItem
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("user_id", userID).
		SetResult(&items).
		Get("/positions")
	if err != nil {
		return nil, classifyTransportErr(err)
	}
	if resp.IsError() {
		return nil, errors.Errorf("get positions: HTTP %d", resp.StatusCode())
	}

	out := make([]domain.PositionSnapshot, 0, len(items))
	for _, it := range items {
		out = append(out, domain.PositionSnapshot{
			UserID:        userID,
			MarketID:      it.MarketID,
			Size:          it.Size,
			AvgEntryPrice: it.AvgEntryPrice,
			Source:        domain.SnapshotRemote,
		})
	}
	return out, nil
}

type transferItem struct {
	TxHash        string          `json:"tx_hash"`
	From          string          `json:"from"`
	Amount        decimal.Decimal `json:"amount"`
	BlockNumber   uint64          `json:"block_number"`
	Confirmations uint64          `json:"confirmations"`
}

// GetRecentTransfers 拉取钱包自 sinceBlock 以来的入账转账（轮询兜底用）。
func (c *Client) GetRecentTransfers(ctx context.Context, wallet common.Address, sinceBlock uint64) ([]domain.Transfer, error) {
	var items []transferItem
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("wallet", wallet.Hex()).
		SetQueryParam("since_block", strconv.FormatUint(sinceBlock, 10)).
		SetResult(&items).
		Get("/transfers")
	if err != nil {
		return nil, classifyTransportErr(err)
	}
	if resp.IsError() {
		return nil, errors.Errorf("get transfers: HTTP %d", resp.StatusCode())
	}

	out := make([]domain.Transfer, 0, len(items))
	for _, it := range items {
		out = append(out, domain.Transfer{
			TxHash:        common.HexToHash(it.TxHash),
			Wallet:        wallet,
			From:          common.HexToAddress(it.From),
			Amount:        it.Amount,
			BlockNumber:   it.BlockNumber,
			Confirmations: it.Confirmations,
			Channel:       domain.ChannelPoll,
		})
	}
	return out, nil
}

type creditRequest struct {
	Wallet string `json:"wallet"`
	Amount string `json:"amount"`
	TxHash string `json:"tx_hash"`
}

type creditResponse struct {
	Applied bool `json:"applied"`
}

// Credit 调用账本入账。账本服务端以 txHash 幂等，applied=false 表示早已入账过。
func (c *Client) Credit(ctx context.Context, walletAddress common.Address, amount decimal.Decimal, txHash common.Hash) (bool, error) {
	var out creditResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(creditRequest{Wallet: walletAddress.Hex(), Amount: amount.String(), TxHash: txHash.Hex()}).
		SetResult(&out).
		Post("/ledger/credit")
	if err != nil {
		return false, classifyTransportErr(err)
	}
	if resp.IsError() {
		return false, errors.Errorf("credit: HTTP %d", resp.StatusCode())
	}
	return out.Applied, nil
}

type balanceResponse struct {
	Available decimal.Decimal `json:"available"`
}

// AvailableBalance 查询跟单者可用余额。
func (c *Client) AvailableBalance(ctx context.Context, followerID string) (decimal.Decimal, error) {
	var out balanceResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("user_id", followerID).
		SetResult(&out).
		Get("/balance")
	if err != nil {
		return decimal.Zero, classifyTransportErr(err)
	}
	if resp.IsError() {
		return decimal.Zero, errors.Errorf("get balance: HTTP %d", resp.StatusCode())
	}
	return out.Available, nil
}

func classifyTransportErr(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return errors.Wrap(ports.ErrNetwork, netErr.Error())
	}
	return errors.Wrap(ports.ErrNetwork, err.Error())
}

func classifyOrderErr(status int, msg string) error {
	switch {
	case status == 402 || strings.Contains(strings.ToLower(msg), "insufficient"):
		return errors.Wrapf(ports.ErrInsufficientBalance, "HTTP %d: %s", status, msg)
	case status >= 500:
		return errors.Wrapf(ports.ErrNetwork, "HTTP %d: %s", status, msg)
	default:
		return errors.Wrapf(ports.ErrVenueRejected, "HTTP %d: %s", status, msg)
	}
}

var (
	_ ports.OrderPlacer   = (*Client)(nil)
	_ ports.VenueQuery    = (*Client)(nil)
	_ ports.BalanceLedger = (*Client)(nil)
)
