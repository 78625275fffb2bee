package gateway

import (
	"context"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
)

// NotificationClient 客户端通知服务（实现 ports.NotificationSender）
type NotificationClient struct {
	client *resty.Client
}

// NewNotificationClient 创建通知客户端
func NewNotificationClient(baseURL string, timeout time.Duration) *NotificationClient {
	return &NotificationClient{client: newClient(baseURL, timeout)}
}

// Push 推送一条客户端通知
func (c *NotificationClient) Push(ctx context.Context, clientID, message string) error {
	if err := limiter.Wait(ctx, "notifications:push"); err != nil {
		return err
	}
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(map[string]string{"clientId": clientID, "message": message}).
		Post("/api/notifications")
	if err != nil {
		return errors.Wrap(err, "push notification request failed")
	}
	if !resp.IsSuccess() {
		return errors.Errorf("push notification non-2xx: %d", resp.StatusCode())
	}
	return nil
}

// HistoryClient 操作历史计数服务（实现 ports.OperationHistoryWriter）
type HistoryClient struct {
	client *resty.Client
}

// NewHistoryClient 创建历史计数客户端
func NewHistoryClient(baseURL string, timeout time.Duration) *HistoryClient {
	return &HistoryClient{client: newClient(baseURL, timeout)}
}

// IncrementOperations 客户端操作计数 +delta
func (c *HistoryClient) IncrementOperations(ctx context.Context, clientID string, delta int) error {
	if err := limiter.Wait(ctx, "notifications:push"); err != nil {
		return err
	}
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(map[string]any{"clientId": clientID, "delta": delta}).
		Post("/api/operations-history/increment")
	if err != nil {
		return errors.Wrap(err, "increment history request failed")
	}
	if !resp.IsSuccess() {
		return errors.Errorf("increment history non-2xx: %d", resp.StatusCode())
	}
	return nil
}
