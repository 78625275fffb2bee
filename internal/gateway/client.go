package gateway

import (
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"

	"github.com/opsbot/goledger/internal/domain"
	"github.com/opsbot/goledger/pkg/ratelimit"
)

var gatewayLog = logrus.WithField("component", "gateway")

// newClient 所有出站 HTTP 客户端的公共底座。
// resty 自带瞬态重试；429 时优先听 Retry-After 头。
func newClient(baseURL string, timeout time.Duration) *resty.Client {
	if strings.HasSuffix(baseURL, "/") {
		baseURL = baseURL[:len(baseURL)-1]
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(3).
		SetRetryWaitTime(1 * time.Second).
		SetRetryMaxWaitTime(10 * time.Second).
		SetRetryAfter(func(client *resty.Client, resp *resty.Response) (time.Duration, error) {
			if resp.StatusCode() == 429 {
				if retryAfter := resp.Header().Get("Retry-After"); retryAfter != "" {
					if seconds, err := time.ParseDuration(retryAfter + "s"); err == nil {
						return seconds, nil
					}
				}
				return 10 * time.Second, nil
			}
			return 0, nil
		})
}

// limiter 网关共享的速率限制管理器
var limiter = ratelimit.NewRateLimitManager()

// ConfigureChannelRPS 按配置覆盖链上通道的提交速率上限。
// rps <= 0 保持 ratelimit 包里的默认值。
func ConfigureChannelRPS(rps int) {
	if rps <= 0 {
		return
	}
	for _, ch := range []domain.SubmissionChannel{
		domain.ChannelBitcoin,
		domain.ChannelEthereum,
		domain.ChannelEthereumERC20,
		domain.ChannelColored,
		domain.ChannelChrono,
	} {
		limiter.SetLimiter("channel:"+string(ch), ratelimit.NewSlidingWindow(rps*10, 10*time.Second))
	}
}
