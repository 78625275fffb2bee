package assets

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opsbot/goledger/internal/domain"
	"github.com/opsbot/goledger/internal/ports"
	"github.com/opsbot/goledger/pkg/cache"
)

var assetsLog = logrus.WithField("component", "assets")

// 缓存 TTL：资产元数据变化很少，客户端可信标记要求短 TTL
const (
	assetTTL = 5 * time.Minute
	trustTTL = 30 * time.Second
)

// Service 资产元数据缓存层。
//
// 包装上游字典服务：资产元数据按中等 TTL 缓存，
// 客户端可信标记用显式短 TTL 缓存（替代逐批次的临时 memoization），
// 时钟可注入便于测试。
type Service struct {
	upstream ports.AssetCache
	assets   *cache.InMemoryCache[string, *domain.Asset]
	trusted  *cache.InMemoryCache[string, bool]
}

// NewService 创建缓存层
func NewService(upstream ports.AssetCache) *Service {
	return &Service{
		upstream: upstream,
		assets:   cache.NewInMemoryCache[string, *domain.Asset](assetTTL),
		trusted:  cache.NewInMemoryCache[string, bool](trustTTL),
	}
}

// SetClock 注入时钟（测试用）
func (s *Service) SetClock(now func() time.Time) {
	s.assets.SetClock(now)
	s.trusted.SetClock(now)
}

// GetAsset 解析资产元数据（先查缓存）
func (s *Service) GetAsset(ctx context.Context, assetID string) (*domain.Asset, error) {
	if a, ok := s.assets.Get(assetID); ok {
		return a, nil
	}
	a, err := s.upstream.GetAsset(ctx, assetID)
	if err != nil {
		return nil, err
	}
	if a == nil {
		// 未知资产不是错误：调用方按领域不一致处理（abandon）
		return nil, nil
	}
	s.assets.Set(assetID, a, 0)
	assetsLog.Debugf("资产元数据已缓存: assetID=%s blockchain=%s trusted=%v", assetID, a.Blockchain, a.IsTrusted)
	return a, nil
}

// IsClientTrusted 查询客户端可信标记（短 TTL 缓存）
func (s *Service) IsClientTrusted(ctx context.Context, clientID string) (bool, error) {
	if v, ok := s.trusted.Get(clientID); ok {
		return v, nil
	}
	v, err := s.upstream.IsClientTrusted(ctx, clientID)
	if err != nil {
		return false, err
	}
	s.trusted.Set(clientID, v, 0)
	return v, nil
}
