package gateway

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"

	"github.com/opsbot/goledger/internal/domain"
	"github.com/opsbot/goledger/internal/ports"
	"github.com/opsbot/goledger/internal/risk"
)

// 通道级断路器默认参数：连续 5 笔失败熔断，30 秒后半开探测
const (
	breakerMaxFailures = 5
	breakerCooldown    = 30 * time.Second
)

// HTTPChannel 一个链上提交通道的 HTTP 网关（实现 ports.BlockchainChannel）。
// 以太坊族的通道在出站前做地址格式校验，格式错误直接失败，
// 不浪费网关调用。网关整体故障由断路器兜住：熔断期间快速失败，
// 失败的提交留在总线上按重投间隔回来。
type HTTPChannel struct {
	channel   domain.SubmissionChannel
	client    *resty.Client
	hotWallet string
	breaker   *risk.Breaker
}

// NewChannel 创建一个通道网关
func NewChannel(channel domain.SubmissionChannel, baseURL, hotWallet string, timeout time.Duration) *HTTPChannel {
	return &HTTPChannel{
		channel:   channel,
		client:    newClient(baseURL, timeout),
		hotWallet: hotWallet,
		breaker: risk.NewBreaker(risk.BreakerConfig{
			MaxConsecutiveFailures: breakerMaxFailures,
			Cooldown:               breakerCooldown,
		}),
	}
}

// Channel 返回通道标识
func (c *HTTPChannel) Channel() domain.SubmissionChannel { return c.channel }

type submitRequest struct {
	TransactionID string `json:"transactionId"`
	FromAddress   string `json:"fromAddress"`
	ToAddress     string `json:"toAddress"`
	Amount        string `json:"amount"`
	AssetID       string `json:"assetId"`
}

// Submit 提交一笔链上交易
func (c *HTTPChannel) Submit(ctx context.Context, sub ports.Submission) error {
	from := sub.FromAddress
	if from == "" {
		from = c.hotWallet
	}
	if c.isEthereum() {
		if sub.ToAddress != "" && !common.IsHexAddress(sub.ToAddress) {
			return errors.Errorf("invalid ethereum address: %s", sub.ToAddress)
		}
		if from != "" && !common.IsHexAddress(from) {
			return errors.Errorf("invalid ethereum from address: %s", from)
		}
	}

	if err := c.breaker.Allow(); err != nil {
		return errors.Wrapf(err, "%s channel", c.channel)
	}
	if err := limiter.Wait(ctx, "channel:"+string(c.channel)); err != nil {
		return err
	}
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(submitRequest{
			TransactionID: sub.TransactionID,
			FromAddress:   from,
			ToAddress:     sub.ToAddress,
			Amount:        sub.Amount.String(),
			AssetID:       sub.AssetID,
		}).
		Post("/api/transactions")
	if err != nil {
		c.breaker.OnFailure()
		return errors.Wrapf(err, "submit to %s channel failed", c.channel)
	}
	if !resp.IsSuccess() {
		c.breaker.OnFailure()
		return errors.Errorf("submit to %s channel non-2xx: %d %s", c.channel, resp.StatusCode(), resp.String())
	}
	c.breaker.OnSuccess()
	gatewayLog.Infof("🚀 交易已提交 %s 网关: tx=%s to=%s", c.channel, sub.TransactionID, sub.ToAddress)
	return nil
}

func (c *HTTPChannel) isEthereum() bool {
	return c.channel == domain.ChannelEthereum || c.channel == domain.ChannelEthereumERC20
}
