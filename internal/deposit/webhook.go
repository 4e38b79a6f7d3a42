package deposit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/tradebot/internal/domain"
)

// WebhookConfig 回调服务配置。
type WebhookConfig struct {
	Listen        string // 监听地址，如 ":8081"
	SigningSecret string // HMAC-SHA256 共享密钥
}

// webhookPayload 节点服务商的地址活动推送。
type webhookPayload struct {
	WebhookID string `json:"webhookId"`
	Type      string `json:"type"` // ADDRESS_ACTIVITY
	Event     struct {
		Network  string         `json:"network"`
		Activity []activityItem `json:"activity"`
	} `json:"event"`
}

type activityItem struct {
	FromAddress string          `json:"fromAddress"`
	ToAddress   string          `json:"toAddress"`
	Value       decimal.Decimal `json:"value"`
	Hash        string          `json:"hash"`
	Category    string          `json:"category"` // token / external
	BlockNum    string          `json:"blockNum"` // hex
}

// WebhookServer 接收存款推送的 HTTP 服务。
// 签名对原始请求体做 HMAC-SHA256 校验，不合法的请求 401 拒绝、零副作用——
// 签名失败按潜在攻击处理，不是可重试错误。
type WebhookServer struct {
	cfg       WebhookConfig
	detector  *Detector
	monitored map[common.Address]bool
	log       *logrus.Entry

	srv *http.Server
}

func NewWebhookServer(cfg WebhookConfig, detector *Detector, monitored []common.Address) *WebhookServer {
	set := make(map[common.Address]bool, len(monitored))
	for _, a := range monitored {
		set[a] = true
	}
	return &WebhookServer{
		cfg:       cfg,
		detector:  detector,
		monitored: set,
		log:       logrus.WithField("module", "deposit.webhook"),
	}
}

// Router 组装路由（拆出来方便 httptest）。
func (s *WebhookServer) Router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.POST("/webhook/deposits", s.handleDeposit)
	return r
}

// Start 启动监听。
func (s *WebhookServer) Start() error {
	s.srv = &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Errorf("❌ [Webhook] 服务异常退出: %v", err)
		}
	}()
	s.log.Infof("🌐 [Webhook] 已监听 %s", s.cfg.Listen)
	return nil
}

// Stop 优雅关闭。
func (s *WebhookServer) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *WebhookServer) handleDeposit(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.Status(http.StatusBadRequest)
		return
	}

	if !s.verifySignature(body, c.GetHeader("X-Alchemy-Signature")) {
		s.log.Warnf("🚫 [Webhook] 签名校验失败，拒绝请求 (remote=%s)", c.ClientIP())
		c.Status(http.StatusUnauthorized)
		return
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		s.log.Warnf("⚠️ [Webhook] 请求体解析失败: %v", err)
		c.Status(http.StatusBadRequest)
		return
	}
	if payload.Type != "ADDRESS_ACTIVITY" {
		c.Status(http.StatusOK) // 其他类型直接确认，避免服务商重发
		return
	}

	for _, item := range payload.Event.Activity {
		if item.Hash == "" || !item.Value.IsPositive() {
			continue
		}
		wallet := common.HexToAddress(item.ToAddress)
		if len(s.monitored) > 0 && !s.monitored[wallet] {
			continue
		}
		// 推送不带确认数，从 0 起步，由轮询推进到确认深度
		t := domain.Transfer{
			TxHash:  common.HexToHash(item.Hash),
			Wallet:  wallet,
			From:    common.HexToAddress(item.FromAddress),
			Amount:  item.Value,
			Channel: domain.ChannelWebhook,
		}
		if err := s.detector.Observe(c.Request.Context(), t); err != nil {
			s.log.Errorf("❌ [Webhook] 处理转账失败: tx=%s err=%v", item.Hash, err)
		}
	}
	c.Status(http.StatusOK)
}

// verifySignature 用共享密钥对原始请求体做 HMAC-SHA256 比对。
func (s *WebhookServer) verifySignature(body []byte, signature string) bool {
	if s.cfg.SigningSecret == "" || signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(s.cfg.SigningSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

