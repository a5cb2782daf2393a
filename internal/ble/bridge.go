package ble

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"wisefido-snapshot/internal/config"
	"wisefido-snapshot/internal/models"
	"wisefido-snapshot/internal/mqtt"

	"go.uber.org/zap"
)

// connectionMessage 单个传感器的连接状态消息
type connectionMessage struct {
	Connected bool `json:"connected"`
}

// keepMessage keep-connection 指令
type keepMessage struct {
	Keep bool `json:"keep"`
}

// Bridge 通过 MQTT 与蓝牙网关通信
type Bridge struct {
	broker       mqtt.Broker
	connTopic    string
	adapterTopic string
	qos          byte
	logger       *zap.Logger

	events  chan models.BLEEvent
	adapter chan models.BluetoothState
}

// NewBridge 创建蓝牙桥
func NewBridge(broker mqtt.Broker, cfg *config.Config, logger *zap.Logger) *Bridge {
	return &Bridge{
		broker:       broker,
		connTopic:    cfg.BLE.ConnectionTopic,
		adapterTopic: cfg.BLE.AdapterTopic,
		qos:          cfg.MQTT.QoS,
		logger:       logger,
		events:       make(chan models.BLEEvent, 64),
		adapter:      make(chan models.BluetoothState, 8),
	}
}

// Start 订阅连接与适配器主题
func (b *Bridge) Start() error {
	if err := b.broker.Subscribe(b.connTopic, b.qos, b.handleConnection); err != nil {
		return err
	}
	if err := b.broker.Subscribe(b.adapterTopic, b.qos, b.handleAdapter); err != nil {
		return err
	}
	b.logger.Info("BLE bridge started",
		zap.String("connection_topic", b.connTopic),
		zap.String("adapter_topic", b.adapterTopic),
	)
	return nil
}

func (b *Bridge) Events() <-chan models.BLEEvent {
	return b.events
}

func (b *Bridge) AdapterStates() <-chan models.BluetoothState {
	return b.adapter
}

// SetKeepConnection 下发保持连接指令（retained，网关重连后仍可读到）
func (b *Bridge) SetKeepConnection(ctx context.Context, sensorID string, keep bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(keepMessage{Keep: keep})
	if err != nil {
		return err
	}
	return b.broker.Publish(b.keepTopic(sensorID), b.qos, true, payload)
}

// keepTopic 连接主题最后一段换成 keep，如 ble/<id>/keep
func (b *Bridge) keepTopic(sensorID string) string {
	topic := mqtt.FillTopic(b.connTopic, sensorID)
	if i := strings.LastIndex(topic, "/"); i >= 0 {
		return topic[:i] + "/keep"
	}
	return topic + "/keep"
}

func (b *Bridge) handleConnection(topic string, payload []byte) error {
	sensorID, ok := mqtt.TopicSegment(b.connTopic, topic)
	if !ok {
		return fmt.Errorf("unexpected connection topic %s", topic)
	}
	var msg connectionMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("invalid connection payload: %w", err)
	}
	select {
	case b.events <- models.BLEEvent{SensorID: sensorID, Connected: msg.Connected}:
	default:
		b.logger.Warn("BLE event queue full, dropping event", zap.String("sensor_id", sensorID))
	}
	return nil
}

func (b *Bridge) handleAdapter(_ string, payload []byte) error {
	var st models.BluetoothState
	if err := json.Unmarshal(payload, &st); err != nil {
		return fmt.Errorf("invalid adapter payload: %w", err)
	}
	select {
	case b.adapter <- st:
	default:
		b.logger.Warn("Bluetooth state queue full, dropping state")
	}
	return nil
}
