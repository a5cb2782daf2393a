package reactor

import (
	"context"
	"fmt"
	"time"

	"wisefido-snapshot/internal/config"
	"wisefido-snapshot/internal/models"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// Loader 初始状态来源
type Loader interface {
	ListSensors(ctx context.Context) ([]models.Sensor, error)
	ListSettings(ctx context.Context) ([]models.SensorSettings, error)
}

// Options reactor 参数
type Options struct {
	SensorStream   string
	SettingsStream string
	RecordStream   string
	Group          string
	Consumer       string
	BatchSize      int64
	Block          time.Duration
	MaxBackoff     time.Duration
}

// OptionsFromConfig 从服务配置构造参数
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		SensorStream:   cfg.Streams.SensorEvents,
		SettingsStream: cfg.Streams.SettingsEvents,
		RecordStream:   cfg.Streams.Records,
		Group:          cfg.Streams.ConsumerGroup,
		Consumer:       cfg.Streams.ConsumerName,
		BatchSize:      cfg.Streams.BatchSize,
	}
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 10
	}
	if o.Block <= 0 {
		o.Block = 5 * time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 30 * time.Second
	}
	return o
}

// SensorEvent 传感器变化消息
type SensorEvent struct {
	EventType models.ChangeKind `json:"event_type"`
	Sensor    models.Sensor     `json:"sensor"`
	Timestamp int64             `json:"timestamp"`
}

// SettingsEvent 传感器设置变化消息
type SettingsEvent struct {
	EventType models.ChangeKind     `json:"event_type"`
	Settings  models.SensorSettings `json:"settings"`
	Timestamp int64                 `json:"timestamp"`
}

// Reactor 基于 Redis Streams 的传感器 reactor 与记录源
//
// 每个观察先从 Loader 发出一次 initial，之后按消费者组读取增量。
type Reactor struct {
	client *redis.Client
	loader Loader
	opts   Options
	logger *zap.Logger
}

// New 创建 reactor
func New(client *redis.Client, loader Loader, opts Options, logger *zap.Logger) *Reactor {
	return &Reactor{
		client: client,
		loader: loader,
		opts:   opts.withDefaults(),
		logger: logger,
	}
}

// WithGroup 使用另一个消费者组读取同一组流，组之间各自收到全部消息
func (r *Reactor) WithGroup(group, consumer string) *Reactor {
	cp := *r
	cp.opts.Group = group
	cp.opts.Consumer = consumer
	return &cp
}

// Sensors 观察传感器集合；ctx 取消时关闭通道
func (r *Reactor) Sensors(ctx context.Context) <-chan models.SensorChange {
	out := make(chan models.SensorChange, 16)
	go func() {
		defer close(out)
		send := func(c models.SensorChange) bool {
			select {
			case out <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if err := r.ensureGroup(ctx, r.opts.SensorStream); err != nil {
			send(models.SensorChange{Kind: models.ChangeKindError, Err: err})
			return
		}
		r.retry(ctx, "load sensors", func() error {
			sensors, err := r.loader.ListSensors(ctx)
			if err != nil {
				send(models.SensorChange{Kind: models.ChangeKindError, Err: err})
				return err
			}
			send(models.SensorChange{Kind: models.ChangeKindInitial, Sensors: sensors})
			return nil
		})

		r.consume(ctx, r.opts.SensorStream, func(msg StreamMessage) error {
			var ev SensorEvent
			if err := decodeData(msg, &ev); err != nil {
				return err
			}
			if !validKind(ev.EventType) {
				return fmt.Errorf("unknown sensor event type %q", ev.EventType)
			}
			if ev.Sensor.ID == "" {
				return fmt.Errorf("sensor event %s has no sensor id", msg.ID)
			}
			if !send(models.SensorChange{Kind: ev.EventType, Sensor: ev.Sensor}) {
				return ctx.Err()
			}
			return nil
		})
	}()
	return out
}

// Settings 观察传感器设置；ctx 取消时关闭通道
func (r *Reactor) Settings(ctx context.Context) <-chan models.SettingsChange {
	out := make(chan models.SettingsChange, 16)
	go func() {
		defer close(out)
		send := func(c models.SettingsChange) bool {
			select {
			case out <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if err := r.ensureGroup(ctx, r.opts.SettingsStream); err != nil {
			send(models.SettingsChange{Kind: models.ChangeKindError, Err: err})
			return
		}
		r.retry(ctx, "load settings", func() error {
			settings, err := r.loader.ListSettings(ctx)
			if err != nil {
				send(models.SettingsChange{Kind: models.ChangeKindError, Err: err})
				return err
			}
			send(models.SettingsChange{Kind: models.ChangeKindInitial, Settings: settings})
			return nil
		})

		r.consume(ctx, r.opts.SettingsStream, func(msg StreamMessage) error {
			var ev SettingsEvent
			if err := decodeData(msg, &ev); err != nil {
				return err
			}
			if !validKind(ev.EventType) {
				return fmt.Errorf("unknown settings event type %q", ev.EventType)
			}
			if !send(models.SettingsChange{Kind: ev.EventType, Setting: ev.Settings}) {
				return ctx.Err()
			}
			return nil
		})
	}()
	return out
}

// Records 观察指定传感器的新记录；ids 为空时接收全部传感器
func (r *Reactor) Records(ctx context.Context, ids []string) <-chan models.Record {
	out := make(chan models.Record, 64)
	wanted := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		wanted[id] = struct{}{}
	}

	go func() {
		defer close(out)
		if err := r.ensureGroup(ctx, r.opts.RecordStream); err != nil {
			r.logger.Error("Failed to create record consumer group",
				zap.String("stream", r.opts.RecordStream),
				zap.Error(err),
			)
			return
		}
		r.consume(ctx, r.opts.RecordStream, func(msg StreamMessage) error {
			var rec models.Record
			if err := decodeData(msg, &rec); err != nil {
				return err
			}
			if len(wanted) > 0 {
				if _, ok := wanted[rec.SensorID]; !ok {
					return nil
				}
			}
			select {
			case out <- rec:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}()
	return out
}

// PublishSensor 发布传感器变化
func (r *Reactor) PublishSensor(ctx context.Context, kind models.ChangeKind, sensor models.Sensor) error {
	_, err := PublishJSON(ctx, r.client, r.opts.SensorStream, SensorEvent{
		EventType: kind,
		Sensor:    sensor,
		Timestamp: time.Now().Unix(),
	})
	return err
}

// PublishSettings 发布设置变化
func (r *Reactor) PublishSettings(ctx context.Context, kind models.ChangeKind, settings models.SensorSettings) error {
	_, err := PublishJSON(ctx, r.client, r.opts.SettingsStream, SettingsEvent{
		EventType: kind,
		Settings:  settings,
		Timestamp: time.Now().Unix(),
	})
	return err
}

// PublishRecord 发布一条传感器记录
func (r *Reactor) PublishRecord(ctx context.Context, rec models.Record) error {
	_, err := PublishJSON(ctx, r.client, r.opts.RecordStream, rec)
	return err
}

func (r *Reactor) ensureGroup(ctx context.Context, stream string) error {
	if err := EnsureGroup(ctx, r.client, stream, r.opts.Group); err != nil {
		return fmt.Errorf("failed to create consumer group %s on %s: %w", r.opts.Group, stream, err)
	}
	return nil
}

// consume 读取并确认消息直到 ctx 取消（失败时指数退避）
func (r *Reactor) consume(ctx context.Context, stream string, handle func(StreamMessage) error) {
	r.logger.Info("Stream consumer started",
		zap.String("stream", stream),
		zap.String("consumer_group", r.opts.Group),
		zap.String("consumer_name", r.opts.Consumer),
	)
	r.retry(ctx, "consume "+stream, func() error {
		for ctx.Err() == nil {
			messages, err := ReadGroup(ctx, r.client, stream, r.opts.Group, r.opts.Consumer, r.opts.BatchSize, r.opts.Block)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("failed to read from stream: %w", err)
			}
			for _, msg := range messages {
				if err := handle(msg); err != nil {
					if ctx.Err() != nil {
						return nil
					}
					r.logger.Error("Failed to process stream message",
						zap.String("stream", stream),
						zap.String("message_id", msg.ID),
						zap.Error(err),
					)
					continue
				}
				if err := r.client.XAck(ctx, stream, r.opts.Group, msg.ID).Err(); err != nil {
					r.logger.Warn("Failed to ack message",
						zap.String("message_id", msg.ID),
						zap.Error(err),
					)
				}
			}
		}
		return nil
	})
}

// retry 重复执行 fn 直到成功或 ctx 取消，失败时从 1s 开始指数退避
func (r *Reactor) retry(ctx context.Context, what string, fn func() error) {
	backoff := time.Second
	for ctx.Err() == nil {
		err := fn()
		if err == nil {
			return
		}
		r.logger.Error("Reactor operation failed",
			zap.String("operation", what),
			zap.Error(err),
			zap.Duration("backoff", backoff),
		)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
			backoff *= 2
			if backoff > r.opts.MaxBackoff {
				backoff = r.opts.MaxBackoff
			}
		}
	}
}

func validKind(k models.ChangeKind) bool {
	switch k {
	case models.ChangeKindInsert, models.ChangeKindUpdate, models.ChangeKindDelete:
		return true
	}
	return false
}
