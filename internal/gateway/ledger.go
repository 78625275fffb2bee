package gateway

import (
	"context"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"

	"github.com/opsbot/goledger/internal/ports"
)

// LedgerClient 账务/余额服务的 HTTP 客户端（实现 ports.LedgerService）
type LedgerClient struct {
	client *resty.Client
}

// NewLedgerClient 创建账务服务客户端
func NewLedgerClient(baseURL, apiKey string, timeout time.Duration) *LedgerClient {
	c := newClient(baseURL, timeout)
	if apiKey != "" {
		c.SetHeader("Api-Key", apiKey)
	}
	return &LedgerClient{client: c}
}

type registerRequest struct {
	ClientID  string     `json:"clientId"`
	AssetID   string     `json:"assetId"`
	Amount    string     `json:"amount"`
	Comment   string     `json:"comment,omitempty"`
	ValueDate *time.Time `json:"valueDate,omitempty"`
}

type registerResponse struct {
	OperationID string `json:"operationId"`
}

// Register 登记一笔账务操作，返回 operation id
func (c *LedgerClient) Register(ctx context.Context, op ports.LedgerOperation) (string, error) {
	if err := limiter.Wait(ctx, "ledger:register"); err != nil {
		return "", err
	}
	var out registerResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(registerRequest{
			ClientID:  op.ClientID,
			AssetID:   op.AssetID,
			Amount:    op.Amount.String(), // 金额走字符串，避免 float 精度损失
			Comment:   op.Comment,
			ValueDate: op.ValueDate,
		}).
		SetResult(&out).
		Post("/api/operations")
	if err != nil {
		return "", errors.Wrap(err, "ledger register request failed")
	}
	if !resp.IsSuccess() {
		return "", errors.Errorf("ledger register non-2xx: %d %s", resp.StatusCode(), resp.String())
	}
	if out.OperationID == "" {
		return "", errors.New("ledger register returned empty operation id")
	}
	gatewayLog.Debugf("账务操作已登记: client=%s asset=%s amount=%s op=%s",
		op.ClientID, op.AssetID, op.Amount, out.OperationID)
	return out.OperationID, nil
}

// UpdateBlockchainHash 回写链上交易哈希
func (c *LedgerClient) UpdateBlockchainHash(ctx context.Context, clientID, operationID, hash string) error {
	if err := limiter.Wait(ctx, "ledger:update"); err != nil {
		return err
	}
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(map[string]string{"clientId": clientID, "hash": hash}).
		Post("/api/operations/" + operationID + "/hash")
	if err != nil {
		return errors.Wrap(err, "update blockchain hash request failed")
	}
	if !resp.IsSuccess() {
		return errors.Errorf("update blockchain hash non-2xx: %d", resp.StatusCode())
	}
	return nil
}

// SetIsSettled 标记操作的结算状态
func (c *LedgerClient) SetIsSettled(ctx context.Context, clientID, operationID string, settled bool) error {
	if err := limiter.Wait(ctx, "ledger:update"); err != nil {
		return err
	}
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(map[string]any{"clientId": clientID, "settled": settled}).
		Post("/api/operations/" + operationID + "/settled")
	if err != nil {
		return errors.Wrap(err, "set settled request failed")
	}
	if !resp.IsSuccess() {
		return errors.Errorf("set settled non-2xx: %d", resp.StatusCode())
	}
	return nil
}

// LinkForwardWithdrawal 把远期入金操作挂接到原始出金上
func (c *LedgerClient) LinkForwardWithdrawal(ctx context.Context, clientID, forwardWithdrawalID, cashInOperationID string) error {
	if err := limiter.Wait(ctx, "ledger:update"); err != nil {
		return err
	}
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"clientId":          clientID,
			"cashInOperationId": cashInOperationID,
		}).
		Post("/api/forward-withdrawals/" + forwardWithdrawalID + "/link")
	if err != nil {
		return errors.Wrap(err, "link forward withdrawal request failed")
	}
	if !resp.IsSuccess() {
		return errors.Errorf("link forward withdrawal non-2xx: %d", resp.StatusCode())
	}
	return nil
}
