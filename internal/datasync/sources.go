package datasync

import (
	"context"
	"errors"
	"time"

	"wisefido-snapshot/internal/config"
	"wisefido-snapshot/internal/models"
	"wisefido-snapshot/internal/preferences"
	"wisefido-snapshot/internal/store"
	"wisefido-snapshot/internal/units"
)

// SensorReactor 传感器身份与设置的变化源
type SensorReactor interface {
	Sensors(ctx context.Context) <-chan models.SensorChange
	Settings(ctx context.Context) <-chan models.SettingsChange
}

// RecordSource 订阅一组传感器的读数
type RecordSource interface {
	Records(ctx context.Context, sensorIDs []string) <-chan models.Record
}

// StorageReader 读取最新缓存记录；没有记录时返回 (nil, nil)
type StorageReader interface {
	LatestRecord(ctx context.Context, sensorID string) (*models.Record, error)
}

// BackgroundLoader 读取传感器背景图引用
type BackgroundLoader interface {
	Background(ctx context.Context, sensorID string) (string, error)
}

// Participant 随快照生命周期注册/注销的协作方（均在 loop 上调用）
type Participant interface {
	Attach(s *models.Snapshot, sensor models.Sensor) bool
	Detach(sensorID string)
	SensorChanged(s *models.Snapshot, sensor models.Sensor) bool
}

// Preparer 可选的协作方接口：Attach 之前在 loop 之外预热，受 ctx 限时
type Preparer interface {
	Prepare(ctx context.Context, sensors []models.Sensor)
}

// AlertSyncer 新出现测量类型时同步对应报警
type AlertSyncer interface {
	SyncAlerts(s *models.Snapshot, types []models.AlertType) int
}

// Deps 引擎依赖；除 Units / Preferences 外均可为 nil
type Deps struct {
	Reactor      SensorReactor
	Records      RecordSource
	Storage      StorageReader
	Backgrounds  BackgroundLoader
	Units        *units.Service
	Preferences  *preferences.Store
	Alerts       AlertSyncer
	Participants []Participant
}

// Options 引擎参数
type Options struct {
	ReadTimeout     time.Duration // 初始构建时读取最新记录的等待上限
	BackgroundQueue int           // 背景图加载队列长度
}

// DefaultOptions 默认参数
func DefaultOptions() Options {
	return Options{
		ReadTimeout:     150 * time.Millisecond,
		BackgroundQueue: 64,
	}
}

// OptionsFromConfig 从服务配置构造参数
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		ReadTimeout:     cfg.Snapshot.ReadTimeout,
		BackgroundQueue: cfg.Snapshot.BackgroundQueue,
	}.withDefaults()
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = d.ReadTimeout
	}
	if o.BackgroundQueue <= 0 {
		o.BackgroundQueue = d.BackgroundQueue
	}
	return o
}

// KVBackgrounds 从 KV 读取背景图引用
type KVBackgrounds struct {
	kv     store.KV
	prefix string
}

// NewKVBackgrounds 创建 KV 背景图读取器
func NewKVBackgrounds(kv store.KV, prefix string) *KVBackgrounds {
	return &KVBackgrounds{kv: kv, prefix: prefix}
}

// Background 未设置时返回空字符串
func (b *KVBackgrounds) Background(ctx context.Context, sensorID string) (string, error) {
	ref, err := b.kv.Get(ctx, b.prefix+sensorID)
	if errors.Is(err, store.ErrMiss) {
		return "", nil
	}
	return ref, err
}

// SetBackground 写入背景图引用
func (b *KVBackgrounds) SetBackground(ctx context.Context, sensorID, ref string) error {
	if ref == "" {
		return b.kv.Del(ctx, b.prefix+sensorID)
	}
	return b.kv.Set(ctx, b.prefix+sensorID, ref, 0)
}
