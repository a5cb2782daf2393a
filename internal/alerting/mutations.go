package alerting

import (
	"time"

	"wisefido-snapshot/internal/models"

	"go.uber.org/zap"
)

// SetAlertState 开关报警；评估器立即写入（可跨 goroutine 调用）
func (e *Engine) SetAlertState(sensorID string, t models.AlertType, active bool) {
	e.loop.Post(func() {
		s, cfg, ok := e.current(sensorID, t)
		if !ok {
			return
		}
		next := cfg.WithActive(active)
		if !active {
			next = next.WithFiring(false)
		}
		e.store(s, next)
		if err := e.conditions.SetActive(e.ctx, sensorID, t, active, e.origin); err != nil {
			e.writeFailed("set_active", sensorID, t, err)
		}
	})
}

// SetAlertBounds 更新阈值；内存立即生效，评估器写入按 (类型, 快照) 防抖
func (e *Engine) SetAlertBounds(sensorID string, t models.AlertType, lower, upper *float64) {
	e.loop.Post(func() {
		s, cfg, ok := e.current(sensorID, t)
		if !ok {
			return
		}
		e.store(s, cfg.WithBounds(lower, upper))
		e.debounce(debounceKey{sensorID: sensorID, alert: t}, func(pw *pendingWrite) { pw.bounds = true })
	})
}

// SetAlertDescription 更新描述，评估器写入防抖
func (e *Engine) SetAlertDescription(sensorID string, t models.AlertType, description string) {
	e.loop.Post(func() {
		s, cfg, ok := e.current(sensorID, t)
		if !ok {
			return
		}
		e.store(s, cfg.WithDescription(description))
		e.debounce(debounceKey{sensorID: sensorID, alert: t}, func(pw *pendingWrite) { pw.description = true })
	})
}

// SetUnseenDuration 更新云连接报警的未见时长（不低于最小值），评估器写入防抖
func (e *Engine) SetUnseenDuration(sensorID string, d time.Duration) {
	d = e.opts.ClampUnseen(d)
	e.loop.Post(func() {
		s, cfg, ok := e.current(sensorID, models.AlertCloudConnection)
		if !ok {
			return
		}
		e.store(s, cfg.WithUnseenDuration(&d))
		e.debounce(debounceKey{sensorID: sensorID, alert: models.AlertCloudConnection}, func(pw *pendingWrite) { pw.unseen = true })
	})
}

// MuteAlert 静音到 till
func (e *Engine) MuteAlert(sensorID string, t models.AlertType, till time.Time) {
	e.loop.Post(func() { e.setMute(sensorID, t, &till) })
}

// UnmuteAlert 取消静音
func (e *Engine) UnmuteAlert(sensorID string, t models.AlertType) {
	e.loop.Post(func() { e.setMute(sensorID, t, nil) })
}

func (e *Engine) setMute(sensorID string, t models.AlertType, till *time.Time) {
	s, cfg, ok := e.current(sensorID, t)
	if !ok {
		return
	}
	e.store(s, cfg.WithMutedTill(till))
	if err := e.conditions.SetMutedTill(e.ctx, sensorID, t, till, e.origin); err != nil {
		e.writeFailed("set_muted_till", sensorID, t, err)
	}
}

// current 当前配置；尚未同步过的类型使用默认值
func (e *Engine) current(sensorID string, t models.AlertType) (*models.Snapshot, models.AlertConfig, bool) {
	ent, ok := e.lookup(sensorID)
	if !ok {
		e.logger.Debug("Alert mutation for unknown snapshot", zap.String("sensor_id", sensorID))
		return nil, models.AlertConfig{}, false
	}
	cfg, found := ent.snapshot.AlertConfig(t)
	if !found {
		cfg = e.opts.defaultConfig(t)
	}
	return ent.snapshot, cfg, true
}

func (e *Engine) store(s *models.Snapshot, cfg models.AlertConfig) {
	if s.SetAlertConfig(cfg) {
		e.enqueue(s.ID())
	}
}

// debounce 取消并替换该键上的定时器
func (e *Engine) debounce(key debounceKey, mark func(*pendingWrite)) {
	pw, ok := e.debouncers[key]
	if !ok {
		pw = &pendingWrite{}
		e.debouncers[key] = pw
	}
	pw.timer.Stop()
	mark(pw)
	pw.timer = e.loop.AfterFunc(e.opts.Debounce, func() { e.flushWrite(key) })
}

func (e *Engine) flushWrite(key debounceKey) {
	pw, ok := e.debouncers[key]
	if !ok {
		return
	}
	delete(e.debouncers, key)

	ent, ok := e.lookup(key.sensorID)
	if !ok {
		return
	}
	cfg, found := ent.snapshot.AlertConfig(key.alert)
	if !found {
		return
	}
	if pw.bounds {
		if err := e.conditions.SetBounds(e.ctx, key.sensorID, key.alert, cfg.Lower, cfg.Upper, e.origin); err != nil {
			e.writeFailed("set_bounds", key.sensorID, key.alert, err)
		}
	}
	if pw.description {
		if err := e.conditions.SetDescription(e.ctx, key.sensorID, key.alert, cfg.Description, e.origin); err != nil {
			e.writeFailed("set_description", key.sensorID, key.alert, err)
		}
	}
	if pw.unseen && cfg.UnseenDuration != nil {
		if err := e.conditions.SetUnseenDuration(e.ctx, key.sensorID, *cfg.UnseenDuration, e.origin); err != nil {
			e.writeFailed("set_unseen_duration", key.sensorID, key.alert, err)
		}
	}
}

// 评估器写入失败只记录：内存中的配置是界面的事实来源，下次同步会自我修正
func (e *Engine) writeFailed(op, sensorID string, t models.AlertType, err error) {
	e.logger.Warn("Alert condition write failed",
		zap.String("op", op),
		zap.String("sensor_id", sensorID),
		zap.String("alert_type", string(t)),
		zap.Error(err),
	)
}
