package datasync

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"wisefido-snapshot/internal/dispatch"
	"wisefido-snapshot/internal/models"
	"wisefido-snapshot/internal/preferences"
	"wisefido-snapshot/internal/profile"
	"wisefido-snapshot/internal/units"

	"go.uber.org/zap"
)

type backgroundJob struct {
	snapshot *models.Snapshot
	sensorID string
}

// Engine 传感器列表与快照列表的拥有者
//
// 快照结构字段只在 dispatch loop 上修改；listMu 让 loop 之外的拉取访问无竞争。
type Engine struct {
	loop         *dispatch.Loop
	reactor      SensorReactor
	recordSource RecordSource
	storage      StorageReader
	backgrounds  BackgroundLoader
	units        *units.Service
	prefs        *preferences.Store
	alerts       AlertSyncer
	participants []Participant
	sink         models.EventSink
	opts         Options
	logger       *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// 设置缓存，只能经 withSensorSettings 访问
	settingsMu sync.Mutex
	settings   map[string]models.SensorSettings

	listMu    sync.RWMutex
	snapshots []*models.Snapshot
	byID      map[string]*models.Snapshot
	sensors   map[string]models.Sensor
	order     []string

	bgJobs chan backgroundJob

	// 以下字段只在 loop 上访问
	latest       map[string]*models.Record
	recordCancel context.CancelFunc
}

// NewEngine 创建数据同步引擎
func NewEngine(loop *dispatch.Loop, deps Deps, sink models.EventSink, opts Options, logger *zap.Logger) *Engine {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	prefs := deps.Preferences
	if prefs == nil {
		prefs = preferences.NewStore(nil, "", logger)
	}
	fmtSvc := deps.Units
	if fmtSvc == nil {
		fmtSvc = units.NewService(units.DefaultPreferences(), logger)
	}
	return &Engine{
		loop:         loop,
		reactor:      deps.Reactor,
		recordSource: deps.Records,
		storage:      deps.Storage,
		backgrounds:  deps.Backgrounds,
		units:        fmtSvc,
		prefs:        prefs,
		alerts:       deps.Alerts,
		participants: deps.Participants,
		sink:         sink,
		opts:         opts,
		logger:       logger,
		ctx:          ctx,
		cancel:       cancel,
		settings:     make(map[string]models.SensorSettings),
		byID:         make(map[string]*models.Snapshot),
		sensors:      make(map[string]models.Sensor),
		bgJobs:       make(chan backgroundJob, opts.BackgroundQueue),
		latest:       make(map[string]*models.Record),
	}
}

// SetSink 注入事件出口
func (e *Engine) SetSink(sink models.EventSink) {
	e.sink = sink
}

// Start 启动传感器、设置、单位偏好的观察与背景图 worker
func (e *Engine) Start(ctx context.Context) {
	e.ctx, e.cancel = context.WithCancel(ctx)
	ctx = e.ctx

	if e.reactor != nil {
		go e.ObserveSensors(ctx)
		go e.ObserveSettings(ctx)
	}
	if e.backgrounds != nil {
		go e.backgroundWorker(ctx)
	}

	prefs, unsubscribe := e.units.Subscribe()
	go func() {
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case <-prefs:
				e.loop.Post(e.refreshAll)
			}
		}
	}()
}

// Stop 取消所有观察
func (e *Engine) Stop() {
	e.cancel()
}

// ObserveSensors 消费传感器 reactor，直到 ctx 取消或通道关闭
func (e *Engine) ObserveSensors(ctx context.Context) {
	changes := e.reactor.Sensors(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-changes:
			if !ok {
				return
			}
			e.handleSensorChange(ctx, change)
		}
	}
}

func (e *Engine) handleSensorChange(ctx context.Context, change models.SensorChange) {
	switch change.Kind {
	case models.ChangeKindInitial:
		sensors := append([]models.Sensor(nil), change.Sensors...)
		prepared := make(chan struct{})
		go func() {
			defer close(prepared)
			e.prepare(ctx, sensors)
		}()
		latest := e.readLatest(ctx, sensors)
		e.loadOrders(ctx, sensors)
		<-prepared
		e.loop.Post(func() { e.applyInitial(sensors, latest) })
	case models.ChangeKindInsert:
		sensor := change.Sensor
		e.prepare(ctx, []models.Sensor{sensor})
		e.loadOrders(ctx, []models.Sensor{sensor})
		e.loop.Post(func() { e.applyInsert(sensor) })
	case models.ChangeKindUpdate:
		sensor := change.Sensor
		e.loop.Post(func() { e.applyUpdate(sensor) })
	case models.ChangeKindDelete:
		id := change.Sensor.ID
		e.prefs.Clear(ctx, id)
		e.loop.Post(func() { e.applyDelete(id) })
	case models.ChangeKindError:
		e.reportError("sensor reactor", change.Err)
	}
}

// prepare 让协作方在 Attach 之前预热，等待不超过 ReadTimeout
func (e *Engine) prepare(ctx context.Context, sensors []models.Sensor) {
	if len(sensors) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, e.opts.ReadTimeout)
	defer cancel()
	for _, p := range e.participants {
		if pr, ok := p.(Preparer); ok {
			pr.Prepare(ctx, sensors)
		}
	}
}

// readLatest 初始构建时并发读取最新记录，总等待不超过 ReadTimeout
func (e *Engine) readLatest(ctx context.Context, sensors []models.Sensor) map[string]*models.Record {
	out := make(map[string]*models.Record, len(sensors))
	if e.storage == nil || len(sensors) == 0 {
		return out
	}
	ctx, cancel := context.WithTimeout(ctx, e.opts.ReadTimeout)
	defer cancel()

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, sensor := range sensors {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			rec, err := e.storage.LatestRecord(ctx, id)
			if err != nil {
				e.logger.Debug("Latest record not available", zap.String("sensor_id", id), zap.Error(err))
				return
			}
			if rec == nil {
				return
			}
			mu.Lock()
			out[id] = rec
			mu.Unlock()
		}(sensor.ID)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		e.logger.Debug("Latest record read timed out", zap.Duration("timeout", e.opts.ReadTimeout))
	}

	mu.Lock()
	defer mu.Unlock()
	result := make(map[string]*models.Record, len(out))
	for id, rec := range out {
		result[id] = rec
	}
	return result
}

// loadOrders 预先从 KV 读回显示顺序覆盖
func (e *Engine) loadOrders(ctx context.Context, sensors []models.Sensor) {
	for _, sensor := range sensors {
		if _, _, err := e.prefs.Load(ctx, sensor.ID); err != nil {
			e.logger.Warn("Failed to load display preference", zap.String("sensor_id", sensor.ID), zap.Error(err))
		}
	}
}

func (e *Engine) applyInitial(sensors []models.Sensor, latest map[string]*models.Record) {
	e.listMu.Lock()
	index := newIdentityIndex(e.snapshots)

	incoming := make(map[string]struct{}, len(sensors))
	for _, sensor := range sensors {
		incoming[sensor.ID] = struct{}{}
	}

	type built struct {
		snapshot *models.Snapshot
		sensor   models.Sensor
		attach   bool
	}
	list := make([]built, 0, len(sensors))
	var detached []string
	for _, sensor := range sensors {
		s, reused := index.take(sensor)
		attach := !reused
		if reused {
			oldID := s.ID()
			s.SetIdentity(sensor)
			if oldID != sensor.ID {
				detached = append(detached, oldID)
				if e.latest[sensor.ID] == nil && e.latest[oldID] != nil {
					e.latest[sensor.ID] = e.latest[oldID]
				}
				attach = true
			}
		} else {
			s = models.NewSnapshot(sensor)
		}
		list = append(list, built{snapshot: s, sensor: sensor, attach: attach})
	}
	for _, s := range index.remaining() {
		detached = append(detached, s.ID())
	}
	for _, id := range detached {
		if _, ok := incoming[id]; !ok {
			delete(e.latest, id)
		}
	}

	e.snapshots = make([]*models.Snapshot, 0, len(list))
	e.byID = make(map[string]*models.Snapshot, len(list))
	e.sensors = make(map[string]models.Sensor, len(list))
	for _, b := range list {
		e.snapshots = append(e.snapshots, b.snapshot)
		e.byID[b.sensor.ID] = b.snapshot
		e.sensors[b.sensor.ID] = b.sensor
	}
	if len(e.order) > 0 {
		e.sortLocked()
	}
	ids := e.idsLocked()
	e.listMu.Unlock()

	for _, id := range detached {
		e.detach(id)
	}
	for _, b := range list {
		id := b.sensor.ID
		if rec, ok := latest[id]; ok && newer(rec, e.latest[id]) {
			e.latest[id] = rec
		}
		e.applySensor(b.snapshot, b.sensor)
		if b.attach {
			e.attach(b.snapshot, b.sensor)
		} else {
			e.sensorChanged(b.snapshot, b.sensor)
		}
		e.render(b.snapshot, b.sensor)
	}

	e.logger.Info("Initial snapshots built", zap.Int("count", len(ids)), zap.Int("with_record", len(latest)))
	e.emit(models.Event{Kind: models.EventSnapshotsUpdated, Change: models.ListChangeInitial, IDs: ids})

	e.resubscribe()
	for _, b := range list {
		e.LoadBackground(b.snapshot, b.sensor)
	}
}

func (e *Engine) applyInsert(sensor models.Sensor) {
	if _, ok := e.lookup(sensor.ID); ok {
		e.applyUpdate(sensor)
		return
	}

	s := models.NewSnapshot(sensor)
	e.applySensor(s, sensor)

	e.listMu.Lock()
	// 手动顺序未包含的新传感器放在最前
	e.snapshots = append([]*models.Snapshot{s}, e.snapshots...)
	e.byID[sensor.ID] = s
	e.sensors[sensor.ID] = sensor
	if len(e.order) > 0 {
		e.sortLocked()
	}
	ids := e.idsLocked()
	e.listMu.Unlock()

	e.attach(s, sensor)
	e.render(s, sensor)

	e.logger.Info("Sensor added", zap.String("sensor_id", sensor.ID), zap.String("name", sensor.Name))
	e.emit(models.Event{Kind: models.EventNewSensorAdded, SnapshotID: sensor.ID})
	e.emit(models.Event{Kind: models.EventSnapshotsUpdated, IDs: ids})

	e.LoadBackground(s, sensor)
	e.resubscribe()
	go e.fetchLatest(sensor.ID)
}

// fetchLatest 新传感器的最新记录异步读取
func (e *Engine) fetchLatest(id string) {
	if e.storage == nil {
		return
	}
	rec, err := e.storage.LatestRecord(e.ctx, id)
	if err != nil {
		e.reportError("latest record", err)
		return
	}
	if rec == nil {
		return
	}
	r := *rec
	e.loop.Post(func() { e.applyRecord(r) })
}

func (e *Engine) applyUpdate(sensor models.Sensor) {
	s, ok := e.lookup(sensor.ID)
	if !ok {
		e.applyInsert(sensor)
		return
	}

	e.listMu.Lock()
	prev := e.sensors[sensor.ID]
	e.sensors[sensor.ID] = sensor
	e.listMu.Unlock()

	changed := e.applySensor(s, sensor)
	if e.sensorChanged(s, sensor) {
		changed = true
	}
	forced := false
	if prev.Version != sensor.Version {
		var rendered bool
		forced, rendered = e.render(s, sensor)
		changed = changed || rendered
	}
	if !changed {
		return
	}
	e.emit(models.Event{Kind: models.EventSnapshotUpdated, SnapshotID: sensor.ID, Forced: forced})
}

func (e *Engine) applyDelete(id string) {
	e.listMu.Lock()
	if _, ok := e.byID[id]; !ok {
		e.listMu.Unlock()
		return
	}
	out := e.snapshots[:0]
	for _, s := range e.snapshots {
		if s.ID() != id {
			out = append(out, s)
		}
	}
	for i := len(out); i < len(e.snapshots); i++ {
		e.snapshots[i] = nil
	}
	e.snapshots = out
	delete(e.byID, id)
	delete(e.sensors, id)
	ids := e.idsLocked()
	e.listMu.Unlock()

	delete(e.latest, id)
	e.detach(id)

	e.logger.Info("Sensor removed", zap.String("sensor_id", id))
	e.emit(models.Event{Kind: models.EventSnapshotsUpdated, IDs: ids})
	e.resubscribe()
}

// applySensor 只修补真正变化的结构字段
func (e *Engine) applySensor(s *models.Snapshot, sensor models.Sensor) bool {
	changed := s.SetIdentity(sensor)
	if s.UpdateDisplay(func(d *models.DisplayData) {
		d.Name = sensor.Name
		d.Version = sensor.Version
		d.Firmware = sensor.Firmware
	}) {
		changed = true
	}
	if s.UpdateMetadata(func(m *models.Metadata) {
		*m = models.MetadataFromSensor(sensor, m.IsAlertAvailable)
	}) {
		changed = true
	}
	if s.UpdateOwnership(func(o *models.Ownership) {
		*o = models.OwnershipFromSensor(sensor)
	}) {
		changed = true
	}
	if s.SetCalibration(e.units.FormatOffsets(e.settingsFor(sensor.ID))) {
		changed = true
	}
	return changed
}

func (e *Engine) attach(s *models.Snapshot, sensor models.Sensor) {
	for _, p := range e.participants {
		p.Attach(s, sensor)
	}
}

func (e *Engine) sensorChanged(s *models.Snapshot, sensor models.Sensor) bool {
	changed := false
	for _, p := range e.participants {
		if p.SensorChanged(s, sensor) {
			changed = true
		}
	}
	return changed
}

func (e *Engine) detach(id string) {
	for _, p := range e.participants {
		p.Detach(id)
	}
}

// resubscribe 传感器集合变化后重新订阅读数
func (e *Engine) resubscribe() {
	if e.recordSource == nil {
		return
	}
	if e.recordCancel != nil {
		e.recordCancel()
		e.recordCancel = nil
	}
	ids := e.IDs()
	if len(ids) == 0 {
		return
	}
	ctx, cancel := context.WithCancel(e.ctx)
	e.recordCancel = cancel
	records := e.recordSource.Records(ctx, ids)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case rec, ok := <-records:
				if !ok {
					return
				}
				e.loop.Post(func() { e.applyRecord(rec) })
			}
		}
	}()
}

// UpdateSnapshot 合并一条新读数（可跨 goroutine 调用）
func (e *Engine) UpdateSnapshot(sensorID string, record models.Record) {
	record.SensorID = sensorID
	e.loop.Post(func() { e.applyRecord(record) })
}

func (e *Engine) applyRecord(record models.Record) {
	s, ok := e.lookup(record.SensorID)
	if !ok {
		return
	}
	prev := e.latest[record.SensorID]
	if !newer(&record, prev) {
		e.logger.Debug("Stale record ignored",
			zap.String("sensor_id", record.SensorID),
			zap.Time("date", record.Date),
		)
		return
	}
	rec := record
	e.latest[record.SensorID] = &rec

	sensor, _ := e.Sensor(record.SensorID)
	forced, changed := e.render(s, sensor)
	if !changed {
		return
	}
	e.emit(models.Event{Kind: models.EventSnapshotUpdated, SnapshotID: record.SensorID, Forced: forced})
}

// newer 乱序到达的旧记录不覆盖新记录
func newer(rec, prev *models.Record) bool {
	if rec == nil {
		return false
	}
	return prev == nil || !rec.Date.Before(prev.Date)
}

// render 重新计算可用/可见变体与指标网格
//
// forced 表示可用或可见集合发生变化；changed 表示快照有任何变化。
func (e *Engine) render(s *models.Snapshot, sensor models.Sensor) (forced, changed bool) {
	id := s.ID()
	rec := e.latest[id]
	settings := e.settingsFor(id)
	prev := s.Visibility()

	var vis *models.MeasurementVisibility
	if rec != nil {
		p := profile.For(sensor.Version)
		var available []models.Variant
		for _, v := range p.IndicatorVariants() {
			if _, ok := e.units.Extract(v, rec, settings); ok {
				available = append(available, v)
			}
		}
		var order *profile.Order
		if o, ok := e.prefs.Get(id); ok {
			order = &o
		}
		vis = profile.ComputeVisibility(p, available, order, e.units.PreferredUnit)
	}

	forced = !prev.SameSets(vis)
	changed = s.SetVisibility(vis)

	var indicators []models.Indicator
	if vis != nil {
		for _, v := range vis.Visible {
			if ind, ok := e.units.Indicator(v, rec, settings); ok {
				indicators = append(indicators, ind)
			}
		}
	}
	if s.UpdateDisplay(func(d *models.DisplayData) {
		d.Indicators = indicators
		d.HasNoData = rec == nil
		if rec != nil {
			at := rec.Date
			d.LatestRecordAt = &at
			d.Source = rec.Source
		}
	}) {
		changed = true
	}

	if forced && vis != nil && e.alerts != nil {
		if types := newAlertTypes(prev, vis); len(types) > 0 {
			e.alerts.SyncAlerts(s, types)
		}
	}
	return forced, changed || forced
}

// newAlertTypes 本次新出现的测量类型对应的报警类型
func newAlertTypes(prev, next *models.MeasurementVisibility) []models.AlertType {
	had := make(map[models.MeasurementType]bool)
	if prev != nil {
		for _, v := range prev.Available {
			had[v.Type] = true
		}
	}
	seen := make(map[models.AlertType]bool)
	var out []models.AlertType
	for _, v := range next.Available {
		if had[v.Type] {
			continue
		}
		t, ok := models.AlertTypeFor(v.Type)
		if !ok || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

// refreshAll 单位偏好变化：重算全部指标网格
func (e *Engine) refreshAll() {
	for _, s := range e.Snapshots() {
		id := s.ID()
		sensor, ok := e.Sensor(id)
		if !ok {
			continue
		}
		changed := s.SetCalibration(e.units.FormatOffsets(e.settingsFor(id)))
		if _, rendered := e.render(s, sensor); rendered {
			changed = true
		}
		if changed {
			e.emit(models.Event{Kind: models.EventSnapshotUpdated, SnapshotID: id, Forced: true})
		}
	}
}

// ReorderSnapshots 按给定 id 顺序排序；为空时按名称（忽略大小写）排序（可跨 goroutine 调用）
func (e *Engine) ReorderSnapshots(orderedIDs []string) {
	order := append([]string(nil), orderedIDs...)
	e.loop.Post(func() {
		e.listMu.Lock()
		before := e.idsLocked()
		e.order = order
		e.sortLocked()
		after := e.idsLocked()
		e.listMu.Unlock()

		if stringsEqual(before, after) {
			return
		}
		e.emit(models.Event{Kind: models.EventSnapshotsUpdated, IDs: after})
	})
}

// sortLocked 稳定排序，调用方持有 listMu 写锁
func (e *Engine) sortLocked() {
	type keyed struct {
		snapshot *models.Snapshot
		rank     int
		name     string
	}
	items := make([]keyed, len(e.snapshots))
	if len(e.order) > 0 {
		rank := make(map[string]int, len(e.order))
		for i, id := range e.order {
			if _, dup := rank[id]; !dup {
				rank[id] = i
			}
		}
		for i, s := range e.snapshots {
			r, ok := rank[s.ID()]
			if !ok {
				r = -1
			}
			items[i] = keyed{snapshot: s, rank: r}
		}
		sort.SliceStable(items, func(i, j int) bool { return items[i].rank < items[j].rank })
	} else {
		for i, s := range e.snapshots {
			items[i] = keyed{snapshot: s, name: strings.ToLower(s.Display().Name)}
		}
		sort.SliceStable(items, func(i, j int) bool { return items[i].name < items[j].name })
	}
	for i, it := range items {
		e.snapshots[i] = it.snapshot
	}
}

// LoadBackground 投递到背景图 worker；队列已满时丢弃
func (e *Engine) LoadBackground(s *models.Snapshot, sensor models.Sensor) bool {
	if e.backgrounds == nil {
		return false
	}
	select {
	case e.bgJobs <- backgroundJob{snapshot: s, sensorID: sensor.ID}:
		return true
	default:
		e.logger.Warn("Background queue full, load dropped", zap.String("sensor_id", sensor.ID))
		return false
	}
}

func (e *Engine) backgroundWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-e.bgJobs:
			ref, err := e.backgrounds.Background(ctx, job.sensorID)
			if err != nil {
				e.logger.Warn("Failed to load background", zap.String("sensor_id", job.sensorID), zap.Error(err))
				continue
			}
			e.loop.Post(func() { e.applyBackground(job, ref) })
		}
	}
}

func (e *Engine) applyBackground(job backgroundJob, ref string) {
	current, ok := e.lookup(job.sensorID)
	if !ok || current != job.snapshot {
		return
	}
	if !current.UpdateDisplay(func(d *models.DisplayData) { d.Background = ref }) {
		return
	}
	e.emit(models.Event{Kind: models.EventSnapshotUpdated, SnapshotID: job.sensorID})
}

func (e *Engine) reportError(source string, err error) {
	if err == nil {
		return
	}
	e.logger.Error("Upstream error", zap.String("source", source), zap.Error(err))
	e.loop.Post(func() {
		e.emit(models.Event{Kind: models.EventError, Err: err})
	})
}

func (e *Engine) emit(ev models.Event) {
	if e.sink == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	e.sink.Emit(ev)
}

func (e *Engine) lookup(id string) (*models.Snapshot, bool) {
	e.listMu.RLock()
	defer e.listMu.RUnlock()
	s, ok := e.byID[id]
	return s, ok
}

func (e *Engine) idsLocked() []string {
	ids := make([]string, len(e.snapshots))
	for i, s := range e.snapshots {
		ids[i] = s.ID()
	}
	return ids
}

// Snapshots 当前有序快照列表
func (e *Engine) Snapshots() []*models.Snapshot {
	e.listMu.RLock()
	defer e.listMu.RUnlock()
	return append([]*models.Snapshot(nil), e.snapshots...)
}

// Snapshot 按 id 读取快照
func (e *Engine) Snapshot(id string) (*models.Snapshot, bool) {
	return e.lookup(id)
}

// Sensor 按 id 读取传感器
func (e *Engine) Sensor(id string) (models.Sensor, bool) {
	e.listMu.RLock()
	defer e.listMu.RUnlock()
	s, ok := e.sensors[id]
	return s, ok
}

// IDs 当前有序 id 列表
func (e *Engine) IDs() []string {
	e.listMu.RLock()
	defer e.listMu.RUnlock()
	return e.idsLocked()
}

func stringsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
