package models

import "time"

// EventKind 对外事件类型
type EventKind string

const (
	EventSnapshotsUpdated      EventKind = "snapshotsUpdated"
	EventSnapshotUpdated       EventKind = "snapshotUpdated"
	EventNewSensorAdded        EventKind = "newSensorAdded"
	EventAlertsChanged         EventKind = "alertsChanged"
	EventBluetoothStateChanged EventKind = "bluetoothStateChanged"
	EventConnectionChanged     EventKind = "connectionChanged"
	EventCloudSyncChanged      EventKind = "cloudSyncChanged"
	EventAuthChanged           EventKind = "authChanged"
	EventError                 EventKind = "error"
)

// ListChange 快照列表变化分类
type ListChange string

const (
	ListChangeNone    ListChange = ""
	ListChangeInitial ListChange = "initial"
	ListChangeReorder ListChange = "reorder"
	ListChangeInsert  ListChange = "insert"
	ListChangeDelete  ListChange = "delete"
	ListChangeUpdate  ListChange = "update"
	ListChangeMixed   ListChange = "mixed"
)

// Event 发往观察者的单个事件
type Event struct {
	Kind EventKind `json:"kind"`

	// snapshotsUpdated
	Change   ListChange `json:"change,omitempty"`
	IDs      []string   `json:"ids,omitempty"`
	Inserted []string   `json:"inserted,omitempty"`
	Deleted  []string   `json:"deleted,omitempty"`
	Updated  []string   `json:"updated,omitempty"`

	// snapshotUpdated / newSensorAdded / connectionChanged
	SnapshotID string `json:"snapshot_id,omitempty"`
	Forced     bool   `json:"forced,omitempty"`

	Bluetooth *BluetoothState `json:"bluetooth,omitempty"`
	Cloud     *CloudEvent     `json:"cloud,omitempty"`

	Err error     `json:"-"`
	At  time.Time `json:"at"`
}

// ErrorMessage 便于 JSON 输出
func (e Event) ErrorMessage() string {
	if e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

// EventSink 引擎向协调器投递事件（必须在 dispatch loop 上调用）
type EventSink interface {
	Emit(Event)
}

// EventSinkFunc 函数适配器
type EventSinkFunc func(Event)

func (f EventSinkFunc) Emit(e Event) { f(e) }

// ConditionState 报警条件评估器中保存的单个 (传感器, 报警类型) 状态
type ConditionState struct {
	IsOn           bool           `json:"is_on"`
	MutedTill      *time.Time     `json:"muted_till,omitempty"`
	Lower          *float64       `json:"lower,omitempty"`
	Upper          *float64       `json:"upper,omitempty"`
	Description    string         `json:"description,omitempty"`
	UnseenDuration *time.Duration `json:"unseen_duration,omitempty"`
}

// ConditionChange 评估器广播的变化，Origin 为写入方标识
type ConditionChange struct {
	SensorID string    `json:"sensor_id"`
	Type     AlertType `json:"type"`
	Origin   string    `json:"origin"`
}

// TriggerEvent 报警触发/解除信号
type TriggerEvent struct {
	SensorID  string    `json:"sensor_id"`
	Type      AlertType `json:"type"`
	Triggered bool      `json:"triggered"`
	At        time.Time `json:"at"`
}

// BLEEvent 单个传感器的蓝牙连接变化
type BLEEvent struct {
	SensorID  string `json:"sensor_id"`
	Connected bool   `json:"connected"`
}

// BluetoothState 蓝牙适配器电源与权限状态
type BluetoothState struct {
	PoweredOn  bool `json:"powered_on"`
	Authorized bool `json:"authorized"`
}

// CloudEventKind 云同步事件类型
type CloudEventKind string

const (
	CloudSyncStarted   CloudEventKind = "started"
	CloudSyncCompleted CloudEventKind = "completed"
	CloudSyncFailed    CloudEventKind = "failed"
	CloudAuthChanged   CloudEventKind = "auth"
	CloudSensorStatus  CloudEventKind = "sensorStatus"
)

// CloudEvent 云同步门面广播的事件
type CloudEvent struct {
	Kind       CloudEventKind    `json:"kind"`
	SensorID   string            `json:"sensor_id,omitempty"`
	Status     NetworkSyncStatus `json:"status,omitempty"`
	Authorized bool              `json:"authorized,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// PushStatus 推送授权状态
type PushStatus string

const (
	PushAuthorized   PushStatus = "authorized"
	PushDenied       PushStatus = "denied"
	PushUndetermined PushStatus = "undetermined"
)
