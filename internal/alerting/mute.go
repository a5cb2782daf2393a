package alerting

import (
	"go.uber.org/zap"
)

// SetMuteRefresh 观察者请求/释放静音过期扫描；计数大于 0 时定时扫描（可跨 goroutine 调用）
func (e *Engine) SetMuteRefresh(active bool) {
	e.loop.Post(func() {
		if active {
			e.refreshCount++
		} else if e.refreshCount > 0 {
			e.refreshCount--
		}

		switch {
		case e.refreshCount > 0 && e.refreshTicker == nil:
			e.refreshTicker = e.loop.Every(e.opts.MuteRefreshInterval, e.refreshMutes)
			e.logger.Debug("Mute refresh started", zap.Duration("interval", e.opts.MuteRefreshInterval))
		case e.refreshCount == 0 && e.refreshTicker != nil:
			e.refreshTicker.Stop()
			e.refreshTicker = nil
			e.logger.Debug("Mute refresh stopped")
		}
	})
}

// refreshMutes 清除已过期的 mutedTill
func (e *Engine) refreshMutes() {
	now := e.now()
	for _, ent := range e.all() {
		s := ent.snapshot
		for _, cfg := range s.AlertConfigs() {
			if cfg.MutedTill == nil || cfg.MutedTill.After(now) {
				continue
			}
			if s.SetAlertConfig(cfg.WithMutedTill(nil)) {
				e.enqueue(s.ID())
				if err := e.conditions.SetMutedTill(e.ctx, s.ID(), cfg.Type, nil, e.origin); err != nil {
					e.writeFailed("clear_muted_till", s.ID(), cfg.Type, err)
				}
			}
		}
	}
}
