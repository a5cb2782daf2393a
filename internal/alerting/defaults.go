package alerting

import (
	"time"

	"wisefido-snapshot/internal/config"
	"wisefido-snapshot/internal/models"
)

// 各报警类型的默认阈值范围
var defaultBounds = map[models.AlertType][2]float64{
	models.AlertTemperature:      {-40, 85},
	models.AlertRelativeHumidity: {0, 100},
	models.AlertPressure:         {500, 1155},
	models.AlertSignal:           {-105, 0},
	models.AlertCarbonDioxide:    {350, 2500},
	models.AlertPM25:             {0, 250},
	models.AlertVOC:              {0, 500},
	models.AlertNOx:              {0, 500},
	models.AlertLuminosity:       {0, 10000},
	models.AlertSound:            {0, 127},
}

// DefaultBounds 默认阈值；非测量类报警返回 nil
func DefaultBounds(t models.AlertType) (lower, upper *float64) {
	b, ok := defaultBounds[t]
	if !ok {
		return nil, nil
	}
	lo, hi := b[0], b[1]
	return &lo, &hi
}

// Options 报警引擎参数
type Options struct {
	Debounce             time.Duration
	FlushInterval        time.Duration
	MuteRefreshInterval  time.Duration
	CloudUnseenDefault   time.Duration
	CloudUnseenMinimum   time.Duration
	ServiceSessionActive bool
	ConditionReadTimeout time.Duration // loop 之外预热条件缓存的等待上限
	ConditionRetry       time.Duration // 预热失败后的重试间隔
}

// DefaultOptions 300ms 防抖、100ms 合并、5s 静音扫描、云连接 15 分钟（最少 2 分钟）
func DefaultOptions() Options {
	return Options{
		Debounce:             300 * time.Millisecond,
		FlushInterval:        100 * time.Millisecond,
		MuteRefreshInterval:  5 * time.Second,
		CloudUnseenDefault:   900 * time.Second,
		CloudUnseenMinimum:   120 * time.Second,
		ConditionReadTimeout: 2 * time.Second,
		ConditionRetry:       5 * time.Second,
	}
}

// OptionsFromConfig 从服务配置构造
func OptionsFromConfig(cfg *config.Config) Options {
	o := Options{
		Debounce:             cfg.Alert.Debounce,
		FlushInterval:        cfg.Alert.FlushInterval,
		MuteRefreshInterval:  cfg.Alert.MuteRefreshInterval,
		CloudUnseenDefault:   cfg.Alert.CloudUnseenDefault,
		CloudUnseenMinimum:   cfg.Alert.CloudUnseenMinimum,
		ServiceSessionActive: cfg.Alert.ServiceSessionActive,
	}
	return o.withDefaults()
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Debounce <= 0 {
		o.Debounce = d.Debounce
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = d.FlushInterval
	}
	if o.MuteRefreshInterval <= 0 {
		o.MuteRefreshInterval = d.MuteRefreshInterval
	}
	if o.CloudUnseenMinimum <= 0 {
		o.CloudUnseenMinimum = d.CloudUnseenMinimum
	}
	if o.CloudUnseenDefault <= 0 {
		o.CloudUnseenDefault = d.CloudUnseenDefault
	}
	if o.ConditionReadTimeout <= 0 {
		o.ConditionReadTimeout = d.ConditionReadTimeout
	}
	if o.ConditionRetry <= 0 {
		o.ConditionRetry = d.ConditionRetry
	}
	if o.CloudUnseenDefault < o.CloudUnseenMinimum {
		o.CloudUnseenDefault = o.CloudUnseenMinimum
	}
	return o
}

// ClampUnseen 云连接未见时长不得低于最小值
func (o Options) ClampUnseen(d time.Duration) time.Duration {
	if d < o.CloudUnseenMinimum {
		return o.CloudUnseenMinimum
	}
	return d
}

func (o Options) defaultConfig(t models.AlertType) models.AlertConfig {
	c := models.AlertConfig{Type: t}
	lower, upper := DefaultBounds(t)
	c = c.WithBounds(lower, upper)
	if t == models.AlertCloudConnection {
		d := o.CloudUnseenDefault
		c = c.WithUnseenDuration(&d)
	}
	return c
}
