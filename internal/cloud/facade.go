package cloud

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"wisefido-snapshot/internal/config"
	"wisefido-snapshot/internal/models"
	"wisefido-snapshot/internal/mqtt"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// SyncResponse 云端同步接口响应
type SyncResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// sensorStatusMessage 单个传感器的同步状态消息
type sensorStatusMessage struct {
	Status models.NetworkSyncStatus `json:"status"`
}

// Facade 云同步门面：HTTP 触发同步，MQTT 接收云端广播的状态
type Facade struct {
	httpClient  *resty.Client
	broker      mqtt.Broker
	statusTopic string
	sensorTopic string
	qos         byte
	logger      *zap.Logger

	events chan models.CloudEvent
}

// NewFacade 创建云同步门面；broker 为 nil 时只有本地触发的同步事件
func NewFacade(cfg *config.Config, broker mqtt.Broker, logger *zap.Logger) *Facade {
	client := resty.New().
		SetBaseURL(cfg.Cloud.BaseURL).
		SetTimeout(30 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(3 * time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if cfg.Cloud.Token != "" {
		client.SetAuthToken(cfg.Cloud.Token)
	}

	return &Facade{
		httpClient:  client,
		broker:      broker,
		statusTopic: cfg.Cloud.StatusTopic,
		sensorTopic: cfg.Cloud.SensorStatusTopic,
		qos:         cfg.MQTT.QoS,
		logger:      logger,
		events:      make(chan models.CloudEvent, 64),
	}
}

// Start 订阅云端状态主题
func (f *Facade) Start() error {
	if f.broker == nil {
		return nil
	}
	if err := f.broker.Subscribe(f.statusTopic, f.qos, f.handleStatus); err != nil {
		return err
	}
	return f.broker.Subscribe(f.sensorTopic, f.qos, f.handleSensorStatus)
}

// Events 同步事件
func (f *Facade) Events() <-chan models.CloudEvent {
	return f.events
}

// SyncNow 立即同步
func (f *Facade) SyncNow(ctx context.Context) error {
	return f.sync(ctx, "/api/v1/sync/now")
}

// SyncAll 全量同步
func (f *Facade) SyncAll(ctx context.Context) error {
	return f.sync(ctx, "/api/v1/sync/all")
}

func (f *Facade) sync(ctx context.Context, path string) error {
	f.publish(models.CloudEvent{Kind: models.CloudSyncStarted})

	var response SyncResponse
	resp, err := f.httpClient.R().
		SetContext(ctx).
		SetResult(&response).
		Post(path)
	if err != nil {
		f.logger.Error("Cloud sync call failed", zap.String("path", path), zap.Error(err))
		f.publish(models.CloudEvent{Kind: models.CloudSyncFailed, Error: err.Error()})
		return fmt.Errorf("failed to call cloud sync: %w", err)
	}
	if resp.IsError() || response.Code != 0 {
		msg := response.Message
		if msg == "" {
			msg = resp.Status()
		}
		f.logger.Error("Cloud sync returned error",
			zap.String("path", path),
			zap.Int("status_code", resp.StatusCode()),
			zap.Int("code", response.Code),
			zap.String("message", msg),
		)
		f.publish(models.CloudEvent{Kind: models.CloudSyncFailed, Error: msg})
		return fmt.Errorf("cloud sync error: %s (status: %d)", msg, resp.StatusCode())
	}

	f.logger.Info("Cloud sync completed", zap.String("path", path))
	f.publish(models.CloudEvent{Kind: models.CloudSyncCompleted})
	return nil
}

func (f *Facade) handleStatus(_ string, payload []byte) error {
	var ev models.CloudEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return fmt.Errorf("invalid cloud status payload: %w", err)
	}
	switch ev.Kind {
	case models.CloudSyncStarted, models.CloudSyncCompleted, models.CloudSyncFailed, models.CloudAuthChanged:
		f.publish(ev)
		return nil
	}
	return fmt.Errorf("unknown cloud event kind %q", ev.Kind)
}

func (f *Facade) handleSensorStatus(topic string, payload []byte) error {
	sensorID, ok := mqtt.TopicSegment(f.sensorTopic, topic)
	if !ok {
		return fmt.Errorf("unexpected sensor status topic %s", topic)
	}
	var msg sensorStatusMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("invalid sensor status payload: %w", err)
	}
	f.publish(models.CloudEvent{Kind: models.CloudSensorStatus, SensorID: sensorID, Status: msg.Status})
	return nil
}

func (f *Facade) publish(ev models.CloudEvent) {
	select {
	case f.events <- ev:
	default:
		f.logger.Warn("Cloud event queue full, dropping event", zap.String("kind", string(ev.Kind)))
	}
}
