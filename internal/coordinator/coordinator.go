package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"wisefido-snapshot/internal/config"
	"wisefido-snapshot/internal/dispatch"
	"wisefido-snapshot/internal/models"
	"wisefido-snapshot/internal/units"

	"go.uber.org/zap"
)

// ErrCloudUnavailable 未配置云同步门面
var ErrCloudUnavailable = errors.New("cloud sync not configured")

// DataSync 快照列表拥有者
type DataSync interface {
	SetSink(models.EventSink)
	Start(ctx context.Context)
	Stop()
	Snapshots() []*models.Snapshot
	Snapshot(id string) (*models.Snapshot, bool)
	Sensor(id string) (models.Sensor, bool)
	ReorderSnapshots(orderedIDs []string)
}

// Alerts 报警引擎
type Alerts interface {
	SetSink(models.EventSink)
	Start(ctx context.Context)
	Stop()
	SetMuteRefresh(active bool)
	SetPushStatus(status models.PushStatus)
	SetAlertState(sensorID string, t models.AlertType, active bool)
	SetAlertBounds(sensorID string, t models.AlertType, lower, upper *float64)
	SetAlertDescription(sensorID string, t models.AlertType, description string)
	SetUnseenDuration(sensorID string, d time.Duration)
	MuteAlert(sensorID string, t models.AlertType, till time.Time)
	UnmuteAlert(sensorID string, t models.AlertType)
	RefreshFiring(sensorID string)
}

// Connections 连接状态跟踪
type Connections interface {
	SetSink(models.EventSink)
	Start(ctx context.Context)
	SetKeepConnection(ctx context.Context, sensorID string, keep bool) error
}

// CloudSync 云同步门面
type CloudSync interface {
	SyncNow(ctx context.Context) error
	SyncAll(ctx context.Context) error
}

// PushAuthorization 推送授权来源
type PushAuthorization interface {
	Status(ctx context.Context) (models.PushStatus, error)
	Register(ctx context.Context) error
}

// Options 协调器参数
type Options struct {
	SweepInterval time.Duration
}

// OptionsFromConfig 从服务配置构造参数
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{SweepInterval: cfg.Coordinator.ObserverSweepInterval}
}

// Coordinator 组合三个引擎，对快照列表变化分类，并在 dispatch loop 上按产生顺序分发事件
type Coordinator struct {
	loop   *dispatch.Loop
	data   DataSync
	alerts Alerts
	conn   Connections
	cloud  CloudSync
	push   PushAuthorization
	units  *units.Service
	opts   Options
	logger *zap.Logger

	mu        sync.RWMutex
	observers map[string]*Subscription
	order     []string

	cancel context.CancelFunc

	// 以下字段只在 loop 上访问
	published    listState
	hasPublished bool
	sweepTicker  *dispatch.Ticker
}

// New 创建协调器并把自己注入为各引擎的事件出口
func New(loop *dispatch.Loop, data DataSync, alerts Alerts, conn Connections, cloud CloudSync, push PushAuthorization, fmtSvc *units.Service, opts Options, logger *zap.Logger) *Coordinator {
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 30 * time.Second
	}
	c := &Coordinator{
		loop:      loop,
		data:      data,
		alerts:    alerts,
		conn:      conn,
		cloud:     cloud,
		push:      push,
		units:     fmtSvc,
		opts:      opts,
		logger:    logger,
		observers: make(map[string]*Subscription),
	}
	data.SetSink(c)
	if alerts != nil {
		alerts.SetSink(c)
	}
	if conn != nil {
		conn.SetSink(c)
	}
	return c
}

// Start 启动所有观察，初始分发推迟到 loop 的下一轮
func (c *Coordinator) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)

	if c.alerts != nil {
		c.alerts.Start(ctx)
	}
	if c.conn != nil {
		c.conn.Start(ctx)
	}
	c.data.Start(ctx)
	if c.push != nil {
		go c.RefreshPushStatus(ctx)
	}

	c.loop.Post(func() {
		c.sweepTicker = c.loop.Every(c.opts.SweepInterval, c.sweep)
		c.publishList(models.Event{Kind: models.EventSnapshotsUpdated, Change: models.ListChangeInitial})
	})
	c.logger.Info("Coordinator started", zap.Duration("sweep_interval", c.opts.SweepInterval))
}

// Stop 取消所有观察与定时器；防抖中的写入被放弃
func (c *Coordinator) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.data.Stop()
	if c.alerts != nil {
		c.alerts.Stop()
	}
	c.loop.Post(func() {
		c.sweepTicker.Stop()
		c.sweepTicker = nil
	})
	c.logger.Info("Coordinator stopped")
}

// RefreshPushStatus 读取推送授权，未决定时触发注册
func (c *Coordinator) RefreshPushStatus(ctx context.Context) {
	status, err := c.push.Status(ctx)
	if err != nil {
		c.logger.Warn("Failed to read push authorization", zap.Error(err))
		return
	}
	if status == models.PushUndetermined {
		if err := c.push.Register(ctx); err != nil {
			c.logger.Warn("Push registration failed", zap.Error(err))
		}
	}
	if c.alerts != nil {
		c.alerts.SetPushStatus(status)
	}
}

// Emit 引擎事件入口（在 loop 上调用）
func (c *Coordinator) Emit(e models.Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	switch e.Kind {
	case models.EventSnapshotsUpdated:
		c.publishList(e)
		return
	case models.EventSnapshotUpdated:
		c.refreshFingerprint(e.SnapshotID)
	case models.EventConnectionChanged:
		// 连接变化影响 isFireable，报警引擎按已知触发状态重算
		if c.alerts != nil {
			c.alerts.RefreshFiring(e.SnapshotID)
		}
	}
	c.deliver(e)
}

// publishList 与上次发布的列表比较，无变化时不发布
func (c *Coordinator) publishList(e models.Event) {
	next := captureList(c.data.Snapshots())

	change := models.ListChangeInitial
	var diff listDiff
	if c.hasPublished && e.Change != models.ListChangeInitial {
		change, diff = classify(c.published, next)
		if change == models.ListChangeNone {
			return
		}
	}
	c.published = next
	c.hasPublished = true

	c.deliver(models.Event{
		Kind:     models.EventSnapshotsUpdated,
		Change:   change,
		IDs:      append([]string(nil), next.ids...),
		Inserted: diff.inserted,
		Deleted:  diff.deleted,
		Updated:  diff.updated,
		At:       e.At,
	})
}

// refreshFingerprint 单项更新已单独通知，避免下次列表比较重复计为 update
func (c *Coordinator) refreshFingerprint(id string) {
	if !c.hasPublished {
		return
	}
	if _, ok := c.published.fps[id]; !ok {
		return
	}
	if s, ok := c.data.Snapshot(id); ok {
		c.published.fps[id] = s.Fingerprint()
	}
}

func (c *Coordinator) deliver(e models.Event) {
	for _, sub := range c.activeObservers() {
		sub.notify(e, c.logger)
	}
}

func (c *Coordinator) activeObservers() []*Subscription {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Subscription, 0, len(c.order))
	for _, id := range c.order {
		if sub, ok := c.observers[id]; ok && sub.alive() {
			out = append(out, sub)
		}
	}
	return out
}

// Subscribe 注册观察者（可跨 goroutine 调用）
func (c *Coordinator) Subscribe(observer Observer) *Subscription {
	sub := newSubscription(c, observer)
	c.mu.Lock()
	c.observers[sub.id] = sub
	c.order = append(c.order, sub.id)
	c.mu.Unlock()
	c.logger.Debug("Observer subscribed", zap.String("subscription_id", sub.id))
	return sub
}

func (c *Coordinator) remove(sub *Subscription) {
	c.mu.Lock()
	delete(c.observers, sub.id)
	order := c.order[:0]
	for _, id := range c.order {
		if id != sub.id {
			order = append(order, id)
		}
	}
	c.order = order
	c.mu.Unlock()
	if sub.releaseMuteRefresh() && c.alerts != nil {
		c.alerts.SetMuteRefresh(false)
	}
}

// sweep 清理已注销或失活的观察者
func (c *Coordinator) sweep() {
	c.mu.RLock()
	var dead []*Subscription
	for _, sub := range c.observers {
		if !sub.alive() {
			dead = append(dead, sub)
		}
	}
	c.mu.RUnlock()
	for _, sub := range dead {
		c.remove(sub)
	}
	if len(dead) > 0 {
		c.logger.Debug("Stale observers purged", zap.Int("count", len(dead)))
	}
}

// ObserverCount 当前注册的观察者数量
func (c *Coordinator) ObserverCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.observers)
}

// AllSnapshots 当前有序快照
func (c *Coordinator) AllSnapshots() []*models.Snapshot {
	return c.data.Snapshots()
}

// Snapshot 按 id 读取快照
func (c *Coordinator) Snapshot(id string) (*models.Snapshot, bool) {
	return c.data.Snapshot(id)
}

// Sensor 按 id 读取传感器
func (c *Coordinator) Sensor(id string) (models.Sensor, bool) {
	return c.data.Sensor(id)
}

// ReorderSnapshots 手动排序
func (c *Coordinator) ReorderSnapshots(orderedIDs []string) {
	c.data.ReorderSnapshots(orderedIDs)
}

// SyncNow 立即同步
func (c *Coordinator) SyncNow(ctx context.Context) error {
	if c.cloud == nil {
		return ErrCloudUnavailable
	}
	if err := c.cloud.SyncNow(ctx); err != nil {
		return fmt.Errorf("sync now: %w", err)
	}
	return nil
}

// SyncAll 全量同步
func (c *Coordinator) SyncAll(ctx context.Context) error {
	if c.cloud == nil {
		return ErrCloudUnavailable
	}
	if err := c.cloud.SyncAll(ctx); err != nil {
		return fmt.Errorf("sync all: %w", err)
	}
	return nil
}

// SetKeepConnection 设置保持蓝牙连接
func (c *Coordinator) SetKeepConnection(ctx context.Context, sensorID string, keep bool) error {
	if c.conn == nil {
		return errors.New("connection tracking not configured")
	}
	return c.conn.SetKeepConnection(ctx, sensorID, keep)
}

// SetUnitPreferences 更新首选单位，变化时所有快照强制刷新
func (c *Coordinator) SetUnitPreferences(p units.Preferences) bool {
	if c.units == nil {
		return false
	}
	return c.units.SetPreferences(p)
}

// UnitPreferences 当前首选单位
func (c *Coordinator) UnitPreferences() units.Preferences {
	if c.units == nil {
		return units.DefaultPreferences()
	}
	return c.units.Preferences()
}

func (c *Coordinator) SetAlertState(sensorID string, t models.AlertType, active bool) {
	c.alerts.SetAlertState(sensorID, t, active)
}

func (c *Coordinator) SetAlertBounds(sensorID string, t models.AlertType, lower, upper *float64) {
	c.alerts.SetAlertBounds(sensorID, t, lower, upper)
}

func (c *Coordinator) SetAlertDescription(sensorID string, t models.AlertType, description string) {
	c.alerts.SetAlertDescription(sensorID, t, description)
}

func (c *Coordinator) SetUnseenDuration(sensorID string, d time.Duration) {
	c.alerts.SetUnseenDuration(sensorID, d)
}

func (c *Coordinator) MuteAlert(sensorID string, t models.AlertType, till time.Time) {
	c.alerts.MuteAlert(sensorID, t, till)
}

func (c *Coordinator) UnmuteAlert(sensorID string, t models.AlertType) {
	c.alerts.UnmuteAlert(sensorID, t)
}
