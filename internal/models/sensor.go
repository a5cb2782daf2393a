package models

// Sensor 外部 reactor 提供的传感器身份与归属信息（核心只读）
type Sensor struct {
	ID            string   `json:"id"`
	LuID          *string  `json:"luid,omitempty"`   // 本地蓝牙标识
	MacID         *string  `json:"mac_id,omitempty"` // 网络 MAC 标识
	Name          string   `json:"name"`
	Version       int      `json:"version"` // 数据格式版本
	Firmware      string   `json:"firmware"`
	IsConnectable bool     `json:"is_connectable"`
	IsOwner       bool     `json:"is_owner"`
	IsCloud       bool     `json:"is_cloud"`
	IsClaimed     bool     `json:"is_claimed"`
	CanShare      bool     `json:"can_share"`
	OwnerName     string   `json:"owner_name"`
	PlanTier      string   `json:"plan_tier"`
	SharedTo      []string `json:"shared_to,omitempty"`
	MaxShareCount int      `json:"max_share_count"`
}

// SensorSettings 传感器本地设置（校准偏移与显示顺序）
type SensorSettings struct {
	SensorID          string   `json:"sensor_id"`
	TemperatureOffset *float64 `json:"temperature_offset,omitempty"`
	HumidityOffset    *float64 `json:"humidity_offset,omitempty"` // 0..1 比例
	PressureOffset    *float64 `json:"pressure_offset,omitempty"` // Pa
	DisplayOrder      []string `json:"display_order,omitempty"`   // variant code 列表
	DefaultOrder      bool     `json:"default_order"`
}

// ChangeKind reactor 事件类型
type ChangeKind string

const (
	ChangeKindInitial ChangeKind = "initial"
	ChangeKindInsert  ChangeKind = "insert"
	ChangeKindUpdate  ChangeKind = "update"
	ChangeKindDelete  ChangeKind = "delete"
	ChangeKindError   ChangeKind = "error"
)

// SensorChange 传感器身份变化事件
type SensorChange struct {
	Kind    ChangeKind
	Sensors []Sensor // 仅 initial
	Sensor  Sensor
	Err     error
}

// SettingsChange 传感器设置变化事件
type SettingsChange struct {
	Kind     ChangeKind
	Settings []SensorSettings // 仅 initial
	Setting  SensorSettings
	Err      error
}
