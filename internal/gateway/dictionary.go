package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"

	"github.com/opsbot/goledger/internal/domain"
)

// DictionaryClient 资产字典 / 客户端档案服务的 HTTP 客户端
// （实现 ports.AssetCache 的上游，通常包在 assets.Service 缓存层后面）
type DictionaryClient struct {
	client *resty.Client
}

// NewDictionaryClient 创建字典服务客户端
func NewDictionaryClient(baseURL string, timeout time.Duration) *DictionaryClient {
	return &DictionaryClient{client: newClient(baseURL, timeout)}
}

type assetResponse struct {
	ID                 string `json:"id"`
	DisplayID          string `json:"displayId"`
	Accuracy           int32  `json:"accuracy"`
	Blockchain         string `json:"blockchain"`
	ERC20Contract      string `json:"erc20Contract"`
	IsTrusted          bool   `json:"isTrusted"`
	ForwardBaseAssetID string `json:"forwardBaseAssetId"`
	ForwardFrozenDays  int    `json:"forwardFrozenDays"`
}

// GetAsset 拉取资产元数据；404 映射为 (nil, nil)
func (c *DictionaryClient) GetAsset(ctx context.Context, assetID string) (*domain.Asset, error) {
	if err := limiter.Wait(ctx, "dictionary:assets"); err != nil {
		return nil, err
	}
	var out assetResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/api/assets/" + assetID)
	if err != nil {
		return nil, errors.Wrap(err, "get asset request failed")
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, nil
	}
	if !resp.IsSuccess() {
		return nil, errors.Errorf("get asset non-2xx: %d", resp.StatusCode())
	}
	return &domain.Asset{
		ID:                 out.ID,
		DisplayID:          out.DisplayID,
		Accuracy:           out.Accuracy,
		Blockchain:         domain.BlockchainFamily(out.Blockchain),
		ERC20Contract:      out.ERC20Contract,
		IsTrusted:          out.IsTrusted,
		ForwardBaseAssetID: out.ForwardBaseAssetID,
		ForwardFrozenDays:  out.ForwardFrozenDays,
	}, nil
}

type trustedResponse struct {
	IsTrusted bool `json:"isTrusted"`
}

// IsClientTrusted 查询客户端可信标记
func (c *DictionaryClient) IsClientTrusted(ctx context.Context, clientID string) (bool, error) {
	if err := limiter.Wait(ctx, "dictionary:clients"); err != nil {
		return false, err
	}
	var out trustedResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/api/clients/" + clientID + "/trusted")
	if err != nil {
		return false, errors.Wrap(err, "get trust flag request failed")
	}
	if resp.StatusCode() == http.StatusNotFound {
		// 未知客户端按不可信处理
		return false, nil
	}
	if !resp.IsSuccess() {
		return false, errors.Errorf("get trust flag non-2xx: %d", resp.StatusCode())
	}
	return out.IsTrusted, nil
}
