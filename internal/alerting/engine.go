package alerting

import (
	"context"
	"sort"
	"sync"
	"time"

	"wisefido-snapshot/internal/dispatch"
	"wisefido-snapshot/internal/models"
	"wisefido-snapshot/internal/profile"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Conditions 外部报警条件评估器
//
// Cached 只读本地缓存，可在 loop 上调用；Preload 访问后端，只能在 loop 之外调用。
type Conditions interface {
	Cached(sensorID string, t models.AlertType) (models.ConditionState, bool)
	Preload(ctx context.Context, sensorID string, types []models.AlertType) error
	SetActive(ctx context.Context, sensorID string, t models.AlertType, active bool, origin string) error
	SetBounds(ctx context.Context, sensorID string, t models.AlertType, lower, upper *float64, origin string) error
	SetDescription(ctx context.Context, sensorID string, t models.AlertType, description string, origin string) error
	SetMutedTill(ctx context.Context, sensorID string, t models.AlertType, till *time.Time, origin string) error
	SetUnseenDuration(ctx context.Context, sensorID string, d time.Duration, origin string) error
	Changes() <-chan models.ConditionChange
	Triggers() <-chan models.TriggerEvent
}

type entry struct {
	snapshot *models.Snapshot
	sensor   models.Sensor
}

type debounceKey struct {
	sensorID string
	alert    models.AlertType
}

// pendingWrite 一个防抖键上尚未写入评估器的字段
type pendingWrite struct {
	timer       *dispatch.Timer
	bounds      bool
	description bool
	unseen      bool
}

// Engine 报警评估引擎
//
// 只写快照的 AlertData、Capabilities 与 Metadata.IsAlertAvailable。
// 除标注可跨 goroutine 调用的方法外，其余方法都必须在 dispatch loop 上执行。
type Engine struct {
	loop       *dispatch.Loop
	conditions Conditions
	sink       models.EventSink
	opts       Options
	logger     *zap.Logger
	origin     string
	now        func() time.Time

	// 快照索引：并发读，独占写
	mu      sync.RWMutex
	entries map[string]*entry

	// 重入保护
	guardMu sync.Mutex
	syncing bool

	ctx    context.Context
	cancel context.CancelFunc

	// 以下字段只在 loop 上访问
	debouncers    map[debounceKey]*pendingWrite
	pending       map[string]struct{}
	pendingOrder  []string
	flushTimer    *dispatch.Timer
	refreshCount  int
	refreshTicker *dispatch.Ticker
	push          models.PushStatus
	triggered     map[debounceKey]bool
	warming       map[string]bool
	retryTimers   map[string]*dispatch.Timer
}

// NewEngine 创建报警评估引擎
func NewEngine(loop *dispatch.Loop, conditions Conditions, sink models.EventSink, opts Options, logger *zap.Logger) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		loop:        loop,
		conditions:  conditions,
		sink:        sink,
		opts:        opts.withDefaults(),
		logger:      logger,
		origin:      uuid.NewString(),
		now:         time.Now,
		entries:     make(map[string]*entry),
		ctx:         ctx,
		cancel:      cancel,
		debouncers:  make(map[debounceKey]*pendingWrite),
		pending:     make(map[string]struct{}),
		push:        models.PushUndetermined,
		triggered:   make(map[debounceKey]bool),
		warming:     make(map[string]bool),
		retryTimers: make(map[string]*dispatch.Timer),
	}
}

// Origin 本引擎写入评估器时使用的来源标识
func (e *Engine) Origin() string {
	return e.origin
}

// SetSink 在协调器组装完成后注入事件出口
func (e *Engine) SetSink(sink models.EventSink) {
	e.sink = sink
}

// Start 转发评估器的变化与触发信号到 loop（可跨 goroutine 调用）
func (e *Engine) Start(ctx context.Context) {
	go e.forward(ctx)
}

func (e *Engine) forward(ctx context.Context) {
	changes := e.conditions.Changes()
	triggers := e.conditions.Triggers()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.ctx.Done():
			return
		case c, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			if c.Origin == e.origin {
				continue
			}
			if e.isSyncing() {
				e.logger.Debug("Skip condition change during full sync",
					zap.String("sensor_id", c.SensorID),
					zap.String("alert_type", string(c.Type)),
				)
				continue
			}
			e.loop.Post(func() { e.handleConditionChange(c) })
		case tr, ok := <-triggers:
			if !ok {
				triggers = nil
				continue
			}
			e.loop.Post(func() { e.handleTrigger(tr) })
		}
	}
}

// Stop 停止转发并放弃所有未写入的防抖修改（可跨 goroutine 调用）
func (e *Engine) Stop() {
	e.cancel()
	e.loop.Post(e.stopTimers)
}

func (e *Engine) stopTimers() {
	for key, pw := range e.debouncers {
		pw.timer.Stop()
		delete(e.debouncers, key)
	}
	for id, timer := range e.retryTimers {
		timer.Stop()
		delete(e.retryTimers, id)
	}
	e.flushTimer.Stop()
	e.flushTimer = nil
	e.pending = make(map[string]struct{})
	e.pendingOrder = nil
	e.refreshTicker.Stop()
	e.refreshTicker = nil
	e.refreshCount = 0
}

func (e *Engine) beginSync() bool {
	e.guardMu.Lock()
	defer e.guardMu.Unlock()
	if e.syncing {
		return false
	}
	e.syncing = true
	return true
}

func (e *Engine) endSync() {
	e.guardMu.Lock()
	e.syncing = false
	e.guardMu.Unlock()
}

func (e *Engine) isSyncing() bool {
	e.guardMu.Lock()
	defer e.guardMu.Unlock()
	return e.syncing
}

func (e *Engine) lookup(id string) (*entry, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ent, ok := e.entries[id]
	if !ok {
		return nil, false
	}
	return &entry{snapshot: ent.snapshot, sensor: ent.sensor}, true
}

func (e *Engine) all() []*entry {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*entry, 0, len(e.entries))
	for _, ent := range e.entries {
		out = append(out, &entry{snapshot: ent.snapshot, sensor: ent.sensor})
	}
	return out
}

// Attach 注册快照并做一次全量同步
func (e *Engine) Attach(s *models.Snapshot, sensor models.Sensor) bool {
	e.mu.Lock()
	e.entries[s.ID()] = &entry{snapshot: s, sensor: sensor}
	e.mu.Unlock()
	e.SyncAllAlerts(s, sensor)
	return false
}

// Detach 注销快照，放弃其未写入的防抖修改
func (e *Engine) Detach(id string) {
	e.mu.Lock()
	delete(e.entries, id)
	e.mu.Unlock()

	if timer, ok := e.retryTimers[id]; ok {
		timer.Stop()
		delete(e.retryTimers, id)
	}
	for key := range e.triggered {
		if key.sensorID == id {
			delete(e.triggered, key)
		}
	}
	for key, pw := range e.debouncers {
		if key.sensorID == id {
			pw.timer.Stop()
			delete(e.debouncers, key)
		}
	}
	if _, ok := e.pending[id]; ok {
		delete(e.pending, id)
		order := e.pendingOrder[:0]
		for _, p := range e.pendingOrder {
			if p != id {
				order = append(order, p)
			}
		}
		e.pendingOrder = order
	}
}

// SensorChanged 传感器元数据变化：刷新能力开关，格式变化时全量同步
func (e *Engine) SensorChanged(s *models.Snapshot, sensor models.Sensor) bool {
	e.mu.Lock()
	prev, ok := e.entries[s.ID()]
	e.entries[s.ID()] = &entry{snapshot: s, sensor: sensor}
	e.mu.Unlock()

	if !ok || prev.sensor.Version != sensor.Version {
		e.SyncAllAlerts(s, sensor)
	} else {
		e.applyCapabilities(s, sensor)
	}
	if ok && prev.sensor.IsCloud != sensor.IsCloud {
		e.refreshFiring(s)
	}
	return false
}

func (e *Engine) alertTypes(sensor models.Sensor) []models.AlertType {
	types := profile.For(sensor.Version).AlertTypes()
	return append(types, models.NonMeasurementAlertTypes()...)
}

// SyncAllAlerts 全量对账：只在字段不同时写入新的 AlertConfig
func (e *Engine) SyncAllAlerts(s *models.Snapshot, sensor models.Sensor) int {
	if !e.beginSync() {
		e.logger.Debug("Full alert sync already in flight", zap.String("sensor_id", s.ID()))
		return 0
	}
	defer e.endSync()

	changed := e.syncTypes(s, e.alertTypes(sensor))
	if e.applyCapabilities(s, sensor) {
		changed++
	}
	return changed
}

// SyncAlerts 只同步指定的报警类型（新出现的测量类型）
func (e *Engine) SyncAlerts(s *models.Snapshot, types []models.AlertType) int {
	if !e.beginSync() {
		return 0
	}
	defer e.endSync()

	return e.syncTypes(s, types)
}

// syncTypes 同步给定类型；缓存未命中的类型交给后台预热，完成后再同步
func (e *Engine) syncTypes(s *models.Snapshot, types []models.AlertType) int {
	changed := 0
	var missing []models.AlertType
	for _, t := range types {
		ok, cached := e.syncOne(s, t)
		if !cached {
			missing = append(missing, t)
			continue
		}
		if ok {
			changed++
		}
	}
	if len(missing) > 0 {
		e.warm(s.ID(), missing)
	}
	return changed
}

// syncOne 返回 (是否写入新配置, 条件是否已缓存)
func (e *Engine) syncOne(s *models.Snapshot, t models.AlertType) (bool, bool) {
	// 防抖中的本地修改尚未写入评估器，此时评估器的值是旧的
	if _, ok := e.debouncers[debounceKey{sensorID: s.ID(), alert: t}]; ok {
		return false, true
	}
	st, ok := e.conditions.Cached(s.ID(), t)
	if !ok {
		return false, false
	}
	prev, found := s.AlertConfig(t)
	next := e.configFromState(prev, found, t, st)
	if found && prev.Equal(next) {
		return false, true
	}
	if !s.SetAlertConfig(next) {
		return false, true
	}
	e.enqueue(s.ID())
	return true, true
}

// warm 在 loop 之外预热条件缓存；同一传感器同时只有一次预热
func (e *Engine) warm(sensorID string, types []models.AlertType) {
	if e.warming[sensorID] {
		return
	}
	if timer, ok := e.retryTimers[sensorID]; ok {
		timer.Stop()
		delete(e.retryTimers, sensorID)
	}
	e.warming[sensorID] = true
	types = append([]models.AlertType(nil), types...)

	go func() {
		ctx, cancel := context.WithTimeout(e.ctx, e.opts.ConditionReadTimeout)
		err := e.conditions.Preload(ctx, sensorID, types)
		cancel()
		e.loop.Post(func() { e.warmed(sensorID, types, err) })
	}()
}

func (e *Engine) warmed(sensorID string, types []models.AlertType, err error) {
	delete(e.warming, sensorID)
	if e.ctx.Err() != nil {
		return
	}
	if _, ok := e.lookup(sensorID); !ok {
		return
	}
	if err != nil {
		e.logger.Warn("Failed to read alert conditions",
			zap.String("sensor_id", sensorID),
			zap.Int("types", len(types)),
			zap.Error(err),
		)
		e.retryTimers[sensorID] = e.loop.AfterFunc(e.opts.ConditionRetry, func() {
			delete(e.retryTimers, sensorID)
			if ent, ok := e.lookup(sensorID); ok {
				e.SyncAlerts(ent.snapshot, types)
			}
		})
		return
	}
	if ent, ok := e.lookup(sensorID); ok {
		e.SyncAlerts(ent.snapshot, types)
	}
}

// Prepare 在 loop 之外为一批传感器预热条件缓存，受 ctx 限时
func (e *Engine) Prepare(ctx context.Context, sensors []models.Sensor) {
	var wg sync.WaitGroup
	for _, sensor := range sensors {
		wg.Add(1)
		go func(sensor models.Sensor) {
			defer wg.Done()
			if err := e.conditions.Preload(ctx, sensor.ID, e.alertTypes(sensor)); err != nil {
				e.logger.Debug("Alert condition preload incomplete", zap.String("sensor_id", sensor.ID), zap.Error(err))
			}
		}(sensor)
	}
	wg.Wait()
}

func (e *Engine) configFromState(prev models.AlertConfig, found bool, t models.AlertType, st models.ConditionState) models.AlertConfig {
	base := prev
	if !found {
		base = e.opts.defaultConfig(t)
	}
	lower, upper := st.Lower, st.Upper
	if lower == nil && upper == nil {
		lower, upper = DefaultBounds(t)
	}
	next := base.
		WithActive(st.IsOn).
		WithMutedTill(st.MutedTill).
		WithBounds(lower, upper).
		WithDescription(st.Description)
	if t == models.AlertCloudConnection {
		d := e.opts.CloudUnseenDefault
		if st.UnseenDuration != nil {
			d = e.opts.ClampUnseen(*st.UnseenDuration)
		}
		next = next.WithUnseenDuration(&d)
	}
	if !st.IsOn {
		next = next.WithFiring(false)
	}
	return next
}

func (e *Engine) applyCapabilities(s *models.Snapshot, sensor models.Sensor) bool {
	caps := models.Capabilities{
		PushEnabled:                    e.push == models.PushAuthorized,
		PushAvailable:                  e.push != models.PushDenied,
		CloudAlertsAvailable:           sensor.IsCloud,
		CloudConnectionAlertsAvailable: sensor.IsCloud && sensor.IsOwner,
		ShowSwitchLabels:               !sensor.IsCloud,
	}
	changed := s.UpdateCapabilities(func(c *models.Capabilities) { *c = caps })
	available := !sensor.IsCloud || sensor.IsOwner
	if s.UpdateMetadata(func(m *models.Metadata) { m.IsAlertAvailable = available }) {
		changed = true
	}
	if changed {
		e.enqueue(s.ID())
	}
	return changed
}

// SetPushStatus 推送授权状态变化时刷新所有快照的能力开关（可跨 goroutine 调用）
func (e *Engine) SetPushStatus(status models.PushStatus) {
	e.loop.Post(func() {
		if e.push == status {
			return
		}
		e.push = status
		for _, ent := range e.all() {
			e.applyCapabilities(ent.snapshot, ent.sensor)
		}
	})
}

func (e *Engine) handleConditionChange(c models.ConditionChange) {
	if e.isSyncing() {
		return
	}
	ent, ok := e.lookup(c.SensorID)
	if !ok {
		return
	}
	e.syncTypes(ent.snapshot, []models.AlertType{c.Type})
}

func (e *Engine) handleTrigger(tr models.TriggerEvent) {
	ent, ok := e.lookup(tr.SensorID)
	if !ok {
		return
	}
	key := debounceKey{sensorID: tr.SensorID, alert: tr.Type}
	if tr.Triggered {
		e.triggered[key] = true
	} else {
		delete(e.triggered, key)
	}
	e.applyFiring(ent.snapshot, tr.Type)
}

// RefreshFiring 连接或云状态变化后按记住的触发状态重算 isFiring（在 loop 上调用）
func (e *Engine) RefreshFiring(sensorID string) {
	ent, ok := e.lookup(sensorID)
	if !ok {
		return
	}
	e.refreshFiring(ent.snapshot)
}

func (e *Engine) refreshFiring(s *models.Snapshot) {
	for _, t := range e.alertTypesOf(s) {
		e.applyFiring(s, t)
	}
}

// alertTypesOf 已触发或正在报警的类型
func (e *Engine) alertTypesOf(s *models.Snapshot) []models.AlertType {
	id := s.ID()
	var types []models.AlertType
	for key := range e.triggered {
		if key.sensorID == id {
			types = append(types, key.alert)
		}
	}
	for _, cfg := range s.AlertConfigs() {
		if cfg.IsFiring && !e.triggered[debounceKey{sensorID: id, alert: cfg.Type}] {
			types = append(types, cfg.Type)
		}
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// applyFiring isFiring = triggered && isFireable
func (e *Engine) applyFiring(s *models.Snapshot, t models.AlertType) {
	current, found := s.AlertConfig(t)
	if !found {
		current = e.opts.defaultConfig(t)
	}
	triggered := e.triggered[debounceKey{sensorID: s.ID(), alert: t}]
	fireable := s.Metadata().IsCloud || s.Connection().IsConnected || e.opts.ServiceSessionActive
	next := current.WithFiring(triggered && fireable)
	if found && next.Equal(current) {
		return
	}
	if s.SetAlertConfig(next) {
		e.logger.Info("Alert firing state changed",
			zap.String("sensor_id", s.ID()),
			zap.String("alert_type", string(t)),
			zap.Bool("firing", next.IsFiring),
		)
		e.enqueue(s.ID())
	}
}

func (e *Engine) enqueue(id string) {
	if _, ok := e.pending[id]; !ok {
		e.pending[id] = struct{}{}
		e.pendingOrder = append(e.pendingOrder, id)
	}
	if e.flushTimer == nil {
		e.flushTimer = e.loop.AfterFunc(e.opts.FlushInterval, e.flush)
	}
}

func (e *Engine) flush() {
	e.flushTimer = nil
	ids := e.pendingOrder
	e.pending = make(map[string]struct{})
	e.pendingOrder = nil
	if len(ids) == 0 || e.sink == nil {
		return
	}
	now := e.now()
	for _, id := range ids {
		e.sink.Emit(models.Event{Kind: models.EventSnapshotUpdated, SnapshotID: id, At: now})
	}
	e.sink.Emit(models.Event{Kind: models.EventAlertsChanged, IDs: ids, At: now})
}
