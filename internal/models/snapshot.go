package models

import (
	"reflect"
	"sync"
	"time"
)

// NetworkSyncStatus 云端同步状态
type NetworkSyncStatus string

const (
	SyncStatusNone     NetworkSyncStatus = "none"
	SyncStatusSyncing  NetworkSyncStatus = "syncing"
	SyncStatusComplete NetworkSyncStatus = "complete"
	SyncStatusOnHold   NetworkSyncStatus = "onHold"
	SyncStatusFailed   NetworkSyncStatus = "failed"
)

// Indicator 指标网格中的一格
type Indicator struct {
	Variant Variant `json:"variant"`
	Value   string  `json:"value"`
	Unit    string  `json:"unit"`
}

// DisplayData 展示数据
type DisplayData struct {
	Name           string       `json:"name"`
	Version        int          `json:"version"`
	Firmware       string       `json:"firmware"`
	Background     string       `json:"background,omitempty"`
	Indicators     []Indicator  `json:"indicators"`
	HasNoData      bool         `json:"has_no_data"`
	LatestRecordAt *time.Time   `json:"latest_record_at,omitempty"`
	Source         RecordSource `json:"source,omitempty"`
}

// ConnectionData 连接数据（ConnectionTracker 独占写入）
type ConnectionData struct {
	IsConnected    bool              `json:"is_connected"`
	IsConnectable  bool              `json:"is_connectable"`
	KeepConnection bool              `json:"keep_connection"`
	SyncStatus     NetworkSyncStatus `json:"sync_status"`
}

// Metadata 元数据
type Metadata struct {
	IsCloud          bool `json:"is_cloud"`
	IsOwner          bool `json:"is_owner"`
	IsConnectable    bool `json:"is_connectable"`
	CanShareTag      bool `json:"can_share_tag"`
	IsAlertAvailable bool `json:"is_alert_available"`
}

// Ownership 归属信息
type Ownership struct {
	OwnerName     string   `json:"owner_name"`
	PlanTier      string   `json:"plan_tier"`
	SharedTo      []string `json:"shared_to,omitempty"`
	MaxShareCount int      `json:"max_share_count"`
	CanClaim      bool     `json:"can_claim"`
}

// Capabilities 能力开关
type Capabilities struct {
	PushEnabled                    bool `json:"push_enabled"`
	PushAvailable                  bool `json:"push_available"`
	CloudAlertsAvailable           bool `json:"cloud_alerts_available"`
	CloudConnectionAlertsAvailable bool `json:"cloud_connection_alerts_available"`
	ShowSwitchLabels               bool `json:"show_switch_labels"`
}

// Calibration 格式化后的校准偏移
type Calibration struct {
	Temperature string `json:"temperature,omitempty"`
	Humidity    string `json:"humidity,omitempty"`
	Pressure    string `json:"pressure,omitempty"`
}

// MeasurementVisibility 可见性；约束：Visible ⊆ Available，Hidden = Available − Visible
type MeasurementVisibility struct {
	Available        []Variant `json:"available"`
	Visible          []Variant `json:"visible"`
	Hidden           []Variant `json:"hidden"`
	UsesDefaultOrder bool      `json:"uses_default_order"`
}

// Valid 校验可见性约束
func (v MeasurementVisibility) Valid() bool {
	available := make(map[Variant]bool, len(v.Available))
	for _, a := range v.Available {
		available[a] = true
	}
	seen := make(map[Variant]bool, len(v.Available))
	for _, x := range v.Visible {
		if !available[x] || seen[x] {
			return false
		}
		seen[x] = true
	}
	for _, x := range v.Hidden {
		if !available[x] || seen[x] {
			return false
		}
		seen[x] = true
	}
	return len(seen) == len(available)
}

// SameSets 可用/可见集合（含顺序）是否一致
func (v *MeasurementVisibility) SameSets(o *MeasurementVisibility) bool {
	if v == nil || o == nil {
		return v == nil && o == nil
	}
	return VariantsEqual(v.Available, o.Available) && VariantsEqual(v.Visible, o.Visible)
}

func (v *MeasurementVisibility) clone() *MeasurementVisibility {
	if v == nil {
		return nil
	}
	return &MeasurementVisibility{
		Available:        append([]Variant(nil), v.Available...),
		Visible:          append([]Variant(nil), v.Visible...),
		Hidden:           append([]Variant(nil), v.Hidden...),
		UsesDefaultOrder: v.UsesDefaultOrder,
	}
}

// Identity 快照身份
type Identity struct {
	ID    string  `json:"id"`
	LuID  *string `json:"luid,omitempty"`
	MacID *string `json:"mac_id,omitempty"`
}

// Snapshot 单个传感器的聚合视图状态
//
// 各 section 只能通过对应的 Update*/Set* 方法整体替换；读取返回副本。
type Snapshot struct {
	mu sync.RWMutex

	identity     Identity
	display      DisplayData
	connection   ConnectionData
	metadata     Metadata
	ownership    Ownership
	capabilities Capabilities
	calibration  Calibration

	measurementAlerts map[MeasurementType]AlertConfig
	otherAlerts       map[AlertType]AlertConfig

	visibility *MeasurementVisibility
	revision   uint64
}

// NewSnapshot 根据传感器创建快照
func NewSnapshot(sensor Sensor) *Snapshot {
	s := &Snapshot{
		measurementAlerts: make(map[MeasurementType]AlertConfig),
		otherAlerts:       make(map[AlertType]AlertConfig),
	}
	s.identity = Identity{ID: sensor.ID, LuID: sensor.LuID, MacID: sensor.MacID}
	s.display = DisplayData{
		Name:      sensor.Name,
		Version:   sensor.Version,
		Firmware:  sensor.Firmware,
		HasNoData: true,
	}
	s.connection = ConnectionData{IsConnectable: sensor.IsConnectable, SyncStatus: SyncStatusNone}
	s.metadata = MetadataFromSensor(sensor, false)
	s.ownership = OwnershipFromSensor(sensor)
	return s
}

// MetadataFromSensor 从传感器构造元数据
func MetadataFromSensor(sensor Sensor, alertAvailable bool) Metadata {
	return Metadata{
		IsCloud:          sensor.IsCloud,
		IsOwner:          sensor.IsOwner,
		IsConnectable:    sensor.IsConnectable,
		CanShareTag:      sensor.CanShare && sensor.IsOwner,
		IsAlertAvailable: alertAvailable,
	}
}

// OwnershipFromSensor 从传感器构造归属信息
func OwnershipFromSensor(sensor Sensor) Ownership {
	return Ownership{
		OwnerName:     sensor.OwnerName,
		PlanTier:      sensor.PlanTier,
		SharedTo:      append([]string(nil), sensor.SharedTo...),
		MaxShareCount: sensor.MaxShareCount,
		CanClaim:      !sensor.IsClaimed && sensor.IsOwner,
	}
}

func (s *Snapshot) ID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity.ID
}

func (s *Snapshot) Identity() Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity
}

// SetIdentity 复用快照时更新身份（同一物理传感器的 id 可能变化）
func (s *Snapshot) SetIdentity(sensor Sensor) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := Identity{ID: sensor.ID, LuID: sensor.LuID, MacID: sensor.MacID}
	if reflect.DeepEqual(next, s.identity) {
		return false
	}
	s.identity = next
	s.revision++
	return true
}

// Revision 每次成功修改后递增
func (s *Snapshot) Revision() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.revision
}

func (s *Snapshot) Display() DisplayData {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneDisplay(s.display)
}

// UpdateDisplay 在副本上执行 fn，有变化时整体替换并返回 true
func (s *Snapshot) UpdateDisplay(fn func(*DisplayData)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := cloneDisplay(s.display)
	fn(&next)
	if reflect.DeepEqual(next, s.display) {
		return false
	}
	s.display = next
	s.revision++
	return true
}

func (s *Snapshot) Connection() ConnectionData {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connection
}

func (s *Snapshot) UpdateConnection(fn func(*ConnectionData)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.connection
	fn(&next)
	if next == s.connection {
		return false
	}
	s.connection = next
	s.revision++
	return true
}

func (s *Snapshot) Metadata() Metadata {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.metadata
}

func (s *Snapshot) UpdateMetadata(fn func(*Metadata)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.metadata
	fn(&next)
	if next == s.metadata {
		return false
	}
	s.metadata = next
	s.revision++
	return true
}

func (s *Snapshot) Ownership() Ownership {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o := s.ownership
	o.SharedTo = append([]string(nil), o.SharedTo...)
	return o
}

func (s *Snapshot) UpdateOwnership(fn func(*Ownership)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.ownership
	next.SharedTo = append([]string(nil), next.SharedTo...)
	fn(&next)
	if ownershipEqual(next, s.ownership) {
		return false
	}
	s.ownership = next
	s.revision++
	return true
}

func (s *Snapshot) Capabilities() Capabilities {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.capabilities
}

func (s *Snapshot) UpdateCapabilities(fn func(*Capabilities)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.capabilities
	fn(&next)
	if next == s.capabilities {
		return false
	}
	s.capabilities = next
	s.revision++
	return true
}

func (s *Snapshot) Calibration() Calibration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.calibration
}

func (s *Snapshot) SetCalibration(c Calibration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c == s.calibration {
		return false
	}
	s.calibration = c
	s.revision++
	return true
}

// AlertConfig 读取指定类型的报警配置
func (s *Snapshot) AlertConfig(t AlertType) (AlertConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if m, ok := t.Measurement(); ok {
		c, found := s.measurementAlerts[m]
		return c, found
	}
	c, found := s.otherAlerts[t]
	return c, found
}

// SetAlertConfig 整体替换报警配置，字段无变化时返回 false
func (s *Snapshot) SetAlertConfig(c AlertConfig) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := c.Type.Measurement(); ok {
		if prev, found := s.measurementAlerts[m]; found && prev.Equal(c) {
			return false
		}
		s.measurementAlerts[m] = c.clone()
	} else {
		if prev, found := s.otherAlerts[c.Type]; found && prev.Equal(c) {
			return false
		}
		s.otherAlerts[c.Type] = c.clone()
	}
	s.revision++
	return true
}

// AlertConfigs 所有报警配置（先测量类，再非测量类）
func (s *Snapshot) AlertConfigs() []AlertConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]AlertConfig, 0, len(s.measurementAlerts)+len(s.otherAlerts))
	for _, c := range s.measurementAlerts {
		out = append(out, c.clone())
	}
	for _, c := range s.otherAlerts {
		out = append(out, c.clone())
	}
	return out
}

func (s *Snapshot) Visibility() *MeasurementVisibility {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.visibility.clone()
}

func (s *Snapshot) SetVisibility(v *MeasurementVisibility) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if reflect.DeepEqual(v, s.visibility) {
		return false
	}
	s.visibility = v.clone()
	s.revision++
	return true
}

// Fingerprint 协调器做列表浅比较使用的字段
type Fingerprint struct {
	ID             string
	LatestRecordAt time.Time
	Name           string
	Background     string
	OwnerName      string
	IsOwner        bool
	IsCloud        bool
}

func (s *Snapshot) Fingerprint() Fingerprint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fp := Fingerprint{
		ID:         s.identity.ID,
		Name:       s.display.Name,
		Background: s.display.Background,
		OwnerName:  s.ownership.OwnerName,
		IsOwner:    s.metadata.IsOwner,
		IsCloud:    s.metadata.IsCloud,
	}
	if s.display.LatestRecordAt != nil {
		fp.LatestRecordAt = *s.display.LatestRecordAt
	}
	return fp
}

// SnapshotView 快照的只读副本（用于 JSON 输出与导出）
type SnapshotView struct {
	Identity     Identity               `json:"identity"`
	Display      DisplayData            `json:"display"`
	Connection   ConnectionData         `json:"connection"`
	Metadata     Metadata               `json:"metadata"`
	Ownership    Ownership              `json:"ownership"`
	Capabilities Capabilities           `json:"capabilities"`
	Calibration  Calibration            `json:"calibration"`
	Alerts       []AlertConfig          `json:"alerts"`
	Visibility   *MeasurementVisibility `json:"visibility,omitempty"`
	Revision     uint64                 `json:"revision"`
}

func (s *Snapshot) View() SnapshotView {
	alerts := s.AlertConfigs()
	s.mu.RLock()
	defer s.mu.RUnlock()
	o := s.ownership
	o.SharedTo = append([]string(nil), o.SharedTo...)
	return SnapshotView{
		Identity:     s.identity,
		Display:      cloneDisplay(s.display),
		Connection:   s.connection,
		Metadata:     s.metadata,
		Ownership:    o,
		Capabilities: s.capabilities,
		Calibration:  s.calibration,
		Alerts:       alerts,
		Visibility:   s.visibility.clone(),
		Revision:     s.revision,
	}
}

func cloneDisplay(d DisplayData) DisplayData {
	out := d
	out.Indicators = append([]Indicator(nil), d.Indicators...)
	out.LatestRecordAt = cloneTime(d.LatestRecordAt)
	return out
}

func ownershipEqual(a, b Ownership) bool {
	if a.OwnerName != b.OwnerName || a.PlanTier != b.PlanTier || a.MaxShareCount != b.MaxShareCount || a.CanClaim != b.CanClaim {
		return false
	}
	if len(a.SharedTo) != len(b.SharedTo) {
		return false
	}
	for i := range a.SharedTo {
		if a.SharedTo[i] != b.SharedTo[i] {
			return false
		}
	}
	return true
}
