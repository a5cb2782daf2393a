package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MaxIdle  int
}

// GetDSN 获取数据库连接字符串
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// MQTTConfig MQTT配置
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	QoS      byte
}

// Config 传感器快照服务配置
type Config struct {
	Database DatabaseConfig
	Redis    RedisConfig
	MQTT     MQTTConfig

	// Redis Streams（传感器 reactor 与记录流）
	Streams struct {
		SensorEvents   string // 传感器增删改事件流，如 "sensor:events"
		SettingsEvents string // 传感器设置事件流，如 "sensor:settings:events"
		Records        string // 传感器读数流，如 "sensor:records"
		ConsumerGroup  string
		ConsumerName   string
		BatchSize      int64
	}

	// 快照同步配置
	Snapshot struct {
		ReadTimeout      time.Duration // 初始构建时读取最新记录的等待上限，默认 150ms
		BackgroundQueue  int           // 背景图加载队列长度
		BackgroundPrefix string        // 背景图引用的 KV 键前缀
		PreferencePrefix string        // 显示偏好 KV 键前缀
	}

	// 报警引擎配置
	Alert struct {
		Debounce             time.Duration // 阈值/描述写入防抖，默认 300ms
		FlushInterval        time.Duration // 待更新合并刷新间隔，默认 100ms
		MuteRefreshInterval  time.Duration // 静音过期扫描间隔，默认 5s
		CloudUnseenDefault   time.Duration // 云连接报警默认未见时长，默认 15 分钟
		CloudUnseenMinimum   time.Duration // 云连接报警最小未见时长，默认 2 分钟
		ServiceSessionActive bool          // 是否存在活动的后台服务会话
		KeyPrefix            string        // 报警状态哈希键前缀
		ChangeChannel        string        // 报警条件变化的 pub/sub 通道
	}

	Coordinator struct {
		ObserverSweepInterval time.Duration
	}

	Cloud struct {
		BaseURL           string
		Token             string
		StatusTopic       string // 同步状态主题
		SensorStatusTopic string // 单个传感器网络同步状态主题（含通配符）
	}

	BLE struct {
		ConnectionTopic string // 连接状态主题（含通配符），如 "ble/+/connection"
		AdapterTopic    string // 适配器电源/权限状态主题
		KeepPrefix      string // keep-connection 标志 KV 键前缀
	}

	Push struct {
		Status string // authorized / denied / undetermined
	}

	HTTP struct {
		Addr string
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置
func Load() (*Config, error) {
	// 存在 .env 时先加载（不覆盖已有环境变量）
	_ = godotenv.Load()

	cfg := &Config{}

	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = getEnvInt("DB_PORT", 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "owlrd")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")
	cfg.Database.MaxConns = getEnvInt("DB_MAX_CONNS", 10)
	cfg.Database.MaxIdle = getEnvInt("DB_MAX_IDLE", 2)

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = getEnvInt("REDIS_DB", 0)

	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "tcp://localhost:1883")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "wisefido-snapshot")
	cfg.MQTT.Username = getEnv("MQTT_USERNAME", "")
	cfg.MQTT.Password = getEnv("MQTT_PASSWORD", "")
	cfg.MQTT.QoS = 1

	cfg.Streams.SensorEvents = getEnv("STREAM_SENSOR_EVENTS", "sensor:events")
	cfg.Streams.SettingsEvents = getEnv("STREAM_SETTINGS_EVENTS", "sensor:settings:events")
	cfg.Streams.Records = getEnv("STREAM_RECORDS", "sensor:records")
	cfg.Streams.ConsumerGroup = getEnv("CONSUMER_GROUP", "snapshot-group")
	cfg.Streams.ConsumerName = getEnv("CONSUMER_NAME", "snapshot-1")
	cfg.Streams.BatchSize = 10

	cfg.Snapshot.ReadTimeout = getEnvMillis("SNAPSHOT_READ_TIMEOUT_MS", 150*time.Millisecond)
	cfg.Snapshot.BackgroundQueue = getEnvInt("SNAPSHOT_BACKGROUND_QUEUE", 64)
	cfg.Snapshot.BackgroundPrefix = getEnv("SNAPSHOT_BACKGROUND_PREFIX", "sensor:background:")
	cfg.Snapshot.PreferencePrefix = getEnv("SNAPSHOT_PREFERENCE_PREFIX", "sensor:display:")

	cfg.Alert.Debounce = getEnvMillis("ALERT_DEBOUNCE_MS", 300*time.Millisecond)
	cfg.Alert.FlushInterval = getEnvMillis("ALERT_FLUSH_MS", 100*time.Millisecond)
	cfg.Alert.MuteRefreshInterval = getEnvMillis("ALERT_MUTE_REFRESH_MS", 5*time.Second)
	cfg.Alert.CloudUnseenDefault = time.Duration(getEnvInt("ALERT_CLOUD_UNSEEN_SEC", 900)) * time.Second
	cfg.Alert.CloudUnseenMinimum = time.Duration(getEnvInt("ALERT_CLOUD_UNSEEN_MIN_SEC", 120)) * time.Second
	cfg.Alert.ServiceSessionActive = getEnv("ALERT_SERVICE_SESSION", "false") == "true"
	cfg.Alert.KeyPrefix = getEnv("ALERT_KEY_PREFIX", "alert:condition:")
	cfg.Alert.ChangeChannel = getEnv("ALERT_CHANGE_CHANNEL", "alert:changes")

	cfg.Coordinator.ObserverSweepInterval = time.Duration(getEnvInt("OBSERVER_SWEEP_SEC", 30)) * time.Second

	cfg.Cloud.BaseURL = getEnv("CLOUD_BASE_URL", "http://localhost:8080")
	cfg.Cloud.Token = getEnv("CLOUD_TOKEN", "")
	cfg.Cloud.StatusTopic = getEnv("CLOUD_STATUS_TOPIC", "cloud/sync/status")
	cfg.Cloud.SensorStatusTopic = getEnv("CLOUD_SENSOR_STATUS_TOPIC", "cloud/sensor/+/status")

	cfg.BLE.ConnectionTopic = getEnv("BLE_CONNECTION_TOPIC", "ble/+/connection")
	cfg.BLE.AdapterTopic = getEnv("BLE_ADAPTER_TOPIC", "ble/adapter")
	cfg.BLE.KeepPrefix = getEnv("BLE_KEEP_PREFIX", "ble:keep:")

	cfg.Push.Status = getEnv("PUSH_STATUS", "undetermined")

	cfg.HTTP.Addr = getEnv("HTTP_ADDR", ":8090")

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	// 云连接报警未见时长不得低于最小值
	if cfg.Alert.CloudUnseenDefault < cfg.Alert.CloudUnseenMinimum {
		cfg.Alert.CloudUnseenDefault = cfg.Alert.CloudUnseenMinimum
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return v
}

func getEnvMillis(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	ms, err := strconv.Atoi(value)
	if err != nil || ms <= 0 {
		return defaultValue
	}
	return time.Duration(ms) * time.Millisecond
}
