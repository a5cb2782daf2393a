package push

import (
	"context"
	"fmt"
	"time"

	"wisefido-snapshot/internal/config"
	"wisefido-snapshot/internal/models"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// statusResponse 推送授权状态响应
type statusResponse struct {
	Status models.PushStatus `json:"status"`
}

// Client 推送授权客户端
//
// 未配置云端地址时使用 PUSH_STATUS 的静态值，Register 不做任何事。
type Client struct {
	httpClient *resty.Client
	static     models.PushStatus
	logger     *zap.Logger
}

// NewClient 创建推送授权客户端
func NewClient(cfg *config.Config, logger *zap.Logger) *Client {
	c := &Client{
		static: parseStatus(cfg.Push.Status),
		logger: logger,
	}
	if cfg.Cloud.BaseURL != "" {
		c.httpClient = resty.New().
			SetBaseURL(cfg.Cloud.BaseURL).
			SetTimeout(10 * time.Second).
			SetHeader("Accept", "application/json")
		if cfg.Cloud.Token != "" {
			c.httpClient.SetAuthToken(cfg.Cloud.Token)
		}
	}
	return c
}

// Status 读取当前授权状态
func (c *Client) Status(ctx context.Context) (models.PushStatus, error) {
	if c.httpClient == nil {
		return c.static, nil
	}
	var out statusResponse
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/api/v1/push/status")
	if err != nil {
		return "", fmt.Errorf("failed to read push status: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("push status error: %s", resp.Status())
	}
	return parseStatus(string(out.Status)), nil
}

// Register 请求推送授权
func (c *Client) Register(ctx context.Context) error {
	if c.httpClient == nil {
		return nil
	}
	resp, err := c.httpClient.R().
		SetContext(ctx).
		Post("/api/v1/push/register")
	if err != nil {
		return fmt.Errorf("failed to register push: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("push register error: %s", resp.Status())
	}
	c.logger.Info("Push registration requested")
	return nil
}

func parseStatus(s string) models.PushStatus {
	switch models.PushStatus(s) {
	case models.PushAuthorized, models.PushDenied:
		return models.PushStatus(s)
	}
	return models.PushUndetermined
}
