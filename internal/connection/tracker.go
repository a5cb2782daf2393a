package connection

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"wisefido-snapshot/internal/dispatch"
	"wisefido-snapshot/internal/models"
	"wisefido-snapshot/internal/store"

	"go.uber.org/zap"
)

// BLETransport 蓝牙传输层
type BLETransport interface {
	Events() <-chan models.BLEEvent
	AdapterStates() <-chan models.BluetoothState
	SetKeepConnection(ctx context.Context, sensorID string, keep bool) error
}

// CloudEvents 云同步事件源
type CloudEvents interface {
	Events() <-chan models.CloudEvent
}

type entry struct {
	snapshot *models.Snapshot
	sensor   models.Sensor
}

// Tracker 连接状态跟踪器，只写快照的 ConnectionData
//
// 连接事实（BLE 事件、KV 中的 keep 标志）在 loop 之外读写，再投递到 loop 修改快照。
type Tracker struct {
	loop   *dispatch.Loop
	sink   models.EventSink
	kv     store.KV
	prefix string
	ble    BLETransport
	cloud  CloudEvents
	logger *zap.Logger

	mu      sync.RWMutex
	entries map[string]*entry
	ctx     context.Context

	// 尚未 attach 的传感器也先记录连接事实
	factsMu   sync.Mutex
	connected map[string]bool

	// loop 上访问
	bluetooth    models.BluetoothState
	hasBluetooth bool
}

// NewTracker 创建连接跟踪器；ble / cloud / kv 均可为 nil
func NewTracker(loop *dispatch.Loop, sink models.EventSink, kv store.KV, keepPrefix string, ble BLETransport, cloud CloudEvents, logger *zap.Logger) *Tracker {
	return &Tracker{
		loop:      loop,
		sink:      sink,
		kv:        kv,
		prefix:    keepPrefix,
		ble:       ble,
		cloud:     cloud,
		logger:    logger,
		entries:   make(map[string]*entry),
		ctx:       context.Background(),
		connected: make(map[string]bool),
	}
}

// SetSink 注入事件出口
func (t *Tracker) SetSink(sink models.EventSink) {
	t.sink = sink
}

// Start 启动 BLE 与云事件监听
func (t *Tracker) Start(ctx context.Context) {
	t.mu.Lock()
	t.ctx = ctx
	t.mu.Unlock()

	if t.ble != nil {
		go t.watchBLE(ctx)
	}
	if t.cloud != nil {
		go t.watchCloud(ctx)
	}
}

func (t *Tracker) watchBLE(ctx context.Context) {
	events := t.ble.Events()
	adapter := t.ble.AdapterStates()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			t.factsMu.Lock()
			t.connected[ev.SensorID] = ev.Connected
			t.factsMu.Unlock()
			t.loop.Post(func() { t.handleBLE(ev) })
		case st, ok := <-adapter:
			if !ok {
				adapter = nil
				continue
			}
			t.loop.Post(func() { t.handleAdapter(st) })
		}
	}
}

func (t *Tracker) watchCloud(ctx context.Context) {
	events := t.cloud.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			t.loop.Post(func() { t.handleCloud(ev) })
		}
	}
}

func (t *Tracker) keepKey(sensorID string) string {
	return t.prefix + sensorID
}

func (t *Tracker) lookup(id string) (*entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ent, ok := t.entries[id]
	if !ok {
		return nil, false
	}
	return &entry{snapshot: ent.snapshot, sensor: ent.sensor}, true
}

func (t *Tracker) isConnected(id string) bool {
	t.factsMu.Lock()
	defer t.factsMu.Unlock()
	return t.connected[id]
}

// Attach 注册快照，并在后台读取 keep 标志
func (t *Tracker) Attach(s *models.Snapshot, sensor models.Sensor) bool {
	t.mu.Lock()
	t.entries[s.ID()] = &entry{snapshot: s, sensor: sensor}
	ctx := t.ctx
	t.mu.Unlock()

	connected := t.isConnected(s.ID())
	changed := s.UpdateConnection(func(c *models.ConnectionData) {
		c.IsConnectable = sensor.IsConnectable
		c.IsConnected = connected
		if c.SyncStatus == "" {
			c.SyncStatus = models.SyncStatusNone
		}
	})

	if t.kv != nil {
		id := s.ID()
		go t.loadKeep(ctx, id)
	}
	return changed
}

func (t *Tracker) loadKeep(ctx context.Context, id string) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	raw, err := t.kv.Get(ctx, t.keepKey(id))
	if err != nil {
		if !errors.Is(err, store.ErrMiss) {
			t.logger.Warn("Failed to load keep-connection flag", zap.String("sensor_id", id), zap.Error(err))
		}
		return
	}
	keep, err := strconv.ParseBool(raw)
	if err != nil {
		return
	}
	t.loop.Post(func() { t.applyKeep(id, keep) })
}

// Detach 注销快照并丢弃其连接事实
func (t *Tracker) Detach(id string) {
	t.mu.Lock()
	delete(t.entries, id)
	t.mu.Unlock()

	t.factsMu.Lock()
	delete(t.connected, id)
	t.factsMu.Unlock()
}

// SensorChanged 同步 isConnectable
func (t *Tracker) SensorChanged(s *models.Snapshot, sensor models.Sensor) bool {
	t.mu.Lock()
	t.entries[s.ID()] = &entry{snapshot: s, sensor: sensor}
	t.mu.Unlock()
	return s.UpdateConnection(func(c *models.ConnectionData) { c.IsConnectable = sensor.IsConnectable })
}

// SetKeepConnection 持久化 keep 标志并通知 BLE 层（在调用方 goroutine 上做 I/O）
func (t *Tracker) SetKeepConnection(ctx context.Context, sensorID string, keep bool) error {
	if _, ok := t.lookup(sensorID); !ok {
		return fmt.Errorf("unknown sensor %s", sensorID)
	}
	if t.kv != nil {
		if err := t.kv.Set(ctx, t.keepKey(sensorID), strconv.FormatBool(keep), 0); err != nil {
			return fmt.Errorf("failed to persist keep-connection flag: %w", err)
		}
	}
	if t.ble != nil {
		if err := t.ble.SetKeepConnection(ctx, sensorID, keep); err != nil {
			t.logger.Warn("Failed to forward keep-connection to BLE", zap.String("sensor_id", sensorID), zap.Error(err))
		}
	}
	t.loop.Post(func() { t.applyKeep(sensorID, keep) })
	return nil
}

func (t *Tracker) applyKeep(id string, keep bool) {
	ent, ok := t.lookup(id)
	if !ok {
		return
	}
	if ent.snapshot.UpdateConnection(func(c *models.ConnectionData) { c.KeepConnection = keep }) {
		t.emit(models.Event{Kind: models.EventSnapshotUpdated, SnapshotID: id})
	}
}

func (t *Tracker) handleBLE(ev models.BLEEvent) {
	ent, ok := t.lookup(ev.SensorID)
	if !ok {
		return
	}
	if !ent.snapshot.UpdateConnection(func(c *models.ConnectionData) { c.IsConnected = ev.Connected }) {
		return
	}
	t.logger.Debug("BLE connection changed", zap.String("sensor_id", ev.SensorID), zap.Bool("connected", ev.Connected))
	t.emit(models.Event{Kind: models.EventConnectionChanged, SnapshotID: ev.SensorID})
	t.emit(models.Event{Kind: models.EventSnapshotUpdated, SnapshotID: ev.SensorID})
}

func (t *Tracker) handleAdapter(st models.BluetoothState) {
	if t.hasBluetooth && st == t.bluetooth {
		return
	}
	t.bluetooth = st
	t.hasBluetooth = true
	state := st
	t.emit(models.Event{Kind: models.EventBluetoothStateChanged, Bluetooth: &state})
}

// BluetoothState 最近一次适配器状态（在 loop 上调用）
func (t *Tracker) BluetoothState() (models.BluetoothState, bool) {
	return t.bluetooth, t.hasBluetooth
}

func (t *Tracker) handleCloud(ev models.CloudEvent) {
	switch ev.Kind {
	case models.CloudSyncStarted:
		t.setCloudStatus(models.SyncStatusSyncing)
	case models.CloudSyncCompleted:
		t.setCloudStatus(models.SyncStatusComplete)
	case models.CloudSyncFailed:
		t.setCloudStatus(models.SyncStatusFailed)
	case models.CloudSensorStatus:
		if ent, ok := t.lookup(ev.SensorID); ok && ent.sensor.IsCloud {
			if ent.snapshot.UpdateConnection(func(c *models.ConnectionData) { c.SyncStatus = ev.Status }) {
				t.emit(models.Event{Kind: models.EventSnapshotUpdated, SnapshotID: ev.SensorID})
			}
		}
		return
	case models.CloudAuthChanged:
		cloud := ev
		t.emit(models.Event{Kind: models.EventAuthChanged, Cloud: &cloud})
		return
	default:
		return
	}
	cloud := ev
	t.emit(models.Event{Kind: models.EventCloudSyncChanged, Cloud: &cloud})
}

func (t *Tracker) setCloudStatus(status models.NetworkSyncStatus) {
	t.mu.RLock()
	targets := make([]*entry, 0, len(t.entries))
	for _, ent := range t.entries {
		if ent.sensor.IsCloud {
			targets = append(targets, ent)
		}
	}
	t.mu.RUnlock()
	sort.Slice(targets, func(i, j int) bool { return targets[i].sensor.ID < targets[j].sensor.ID })

	for _, ent := range targets {
		if ent.snapshot.UpdateConnection(func(c *models.ConnectionData) { c.SyncStatus = status }) {
			t.emit(models.Event{Kind: models.EventSnapshotUpdated, SnapshotID: ent.snapshot.ID()})
		}
	}
}

func (t *Tracker) emit(e models.Event) {
	if t.sink == nil {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	t.sink.Emit(e)
}
