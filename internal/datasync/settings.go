package datasync

import (
	"context"

	"wisefido-snapshot/internal/models"
	"wisefido-snapshot/internal/profile"

	"go.uber.org/zap"
)

// withSensorSettings 在锁内读写设置缓存；fn 中不得做 I/O
func (e *Engine) withSensorSettings(fn func(map[string]models.SensorSettings)) {
	e.settingsMu.Lock()
	defer e.settingsMu.Unlock()
	fn(e.settings)
}

// settingsFor 返回设置副本，不存在时为 nil
func (e *Engine) settingsFor(sensorID string) *models.SensorSettings {
	var out *models.SensorSettings
	e.withSensorSettings(func(m map[string]models.SensorSettings) {
		if s, ok := m[sensorID]; ok {
			c := s
			c.DisplayOrder = append([]string(nil), s.DisplayOrder...)
			out = &c
		}
	})
	return out
}

// ObserveSettings 消费传感器设置变化，直到 ctx 取消或通道关闭
func (e *Engine) ObserveSettings(ctx context.Context) {
	changes := e.reactor.Settings(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-changes:
			if !ok {
				return
			}
			e.handleSettingsChange(ctx, change)
		}
	}
}

func (e *Engine) handleSettingsChange(ctx context.Context, change models.SettingsChange) {
	var ids []string
	switch change.Kind {
	case models.ChangeKindInitial:
		e.withSensorSettings(func(m map[string]models.SensorSettings) {
			for id := range m {
				delete(m, id)
			}
			for _, s := range change.Settings {
				m[s.SensorID] = s
				ids = append(ids, s.SensorID)
			}
		})
		for _, s := range change.Settings {
			e.storeOrder(ctx, s)
		}
	case models.ChangeKindInsert, models.ChangeKindUpdate:
		s := change.Setting
		e.withSensorSettings(func(m map[string]models.SensorSettings) { m[s.SensorID] = s })
		e.storeOrder(ctx, s)
		ids = []string{s.SensorID}
	case models.ChangeKindDelete:
		id := change.Setting.SensorID
		e.withSensorSettings(func(m map[string]models.SensorSettings) { delete(m, id) })
		e.prefs.Clear(ctx, id)
		ids = []string{id}
	case models.ChangeKindError:
		e.reportError("settings reactor", change.Err)
		return
	default:
		return
	}
	e.loop.Post(func() { e.applySettings(ids) })
}

// storeOrder 设置中携带显示顺序时写入偏好存储
func (e *Engine) storeOrder(ctx context.Context, s models.SensorSettings) {
	if len(s.DisplayOrder) == 0 && !s.DefaultOrder {
		return
	}
	if e.prefs.Set(ctx, s.SensorID, profile.Order{Codes: s.DisplayOrder, UsesDefault: s.DefaultOrder}) {
		e.logger.Debug("Display order updated", zap.String("sensor_id", s.SensorID), zap.Strings("codes", s.DisplayOrder))
	}
}

// applySettings 刷新校准字符串与可见性
func (e *Engine) applySettings(ids []string) {
	for _, id := range ids {
		s, ok := e.lookup(id)
		if !ok {
			continue
		}
		sensor, _ := e.Sensor(id)
		changed := s.SetCalibration(e.units.FormatOffsets(e.settingsFor(id)))
		forced, rendered := e.render(s, sensor)
		if !changed && !rendered {
			continue
		}
		e.emit(models.Event{Kind: models.EventSnapshotUpdated, SnapshotID: id, Forced: forced})
	}
}
