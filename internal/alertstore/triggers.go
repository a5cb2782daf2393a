package alertstore

import (
	"context"
	"time"

	"wisefido-snapshot/internal/alerting"
	"wisefido-snapshot/internal/models"

	"go.uber.org/zap"
)

// 测量类报警对应的记录字段
var recordValues = map[models.AlertType]func(models.Record) *float64{
	models.AlertTemperature:      func(r models.Record) *float64 { return r.Temperature },
	models.AlertRelativeHumidity: func(r models.Record) *float64 { return r.Humidity },
	models.AlertPressure:         func(r models.Record) *float64 { return r.Pressure },
	models.AlertSignal:           func(r models.Record) *float64 { return intValue(r.RSSI) },
	models.AlertCarbonDioxide:    func(r models.Record) *float64 { return r.CO2 },
	models.AlertPM25:             func(r models.Record) *float64 { return r.PM25 },
	models.AlertVOC:              func(r models.Record) *float64 { return r.VOC },
	models.AlertNOx:              func(r models.Record) *float64 { return r.NOx },
	models.AlertLuminosity:       func(r models.Record) *float64 { return r.Luminosity },
	models.AlertSound:            func(r models.Record) *float64 { return r.SoundLevel },
}

// Consume 逐条评估记录直到通道关闭或 ctx 取消
func (s *Store) Consume(ctx context.Context, records <-chan models.Record) {
	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-records:
			if !ok {
				return
			}
			s.Process(rec)
		}
	}
}

// Process 评估一条记录；只在触发状态变化时发出信号
//
// 只评估缓存中已有的条件，条件在引擎注册快照时加载。
func (s *Store) Process(rec models.Record) {
	at := rec.Date
	if at.IsZero() {
		at = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastSeen[rec.SensorID] = s.now()

	for t, value := range recordValues {
		v := value(rec)
		if v == nil {
			continue
		}
		k := condKey{sensorID: rec.SensorID, alert: t}
		st, ok := s.cache[k]
		if !ok {
			continue
		}
		s.transitionLocked(k, st.IsOn && outOfBounds(t, *v, st), at)
	}

	if rec.Movement != nil {
		prev, seen := s.lastMovement[rec.SensorID]
		s.lastMovement[rec.SensorID] = *rec.Movement
		k := condKey{sensorID: rec.SensorID, alert: models.AlertMovement}
		if st, ok := s.cache[k]; ok {
			s.transitionLocked(k, st.IsOn && seen && prev != *rec.Movement, at)
		}
	}

	k := condKey{sensorID: rec.SensorID, alert: models.AlertCloudConnection}
	if s.triggered[k] {
		s.transitionLocked(k, false, at)
	}
}

// CheckUnseen 检查云连接报警：超过未见时长没有新记录即触发
func (s *Store) CheckUnseen(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, st := range s.cache {
		if k.alert != models.AlertCloudConnection {
			continue
		}
		last, ok := s.lastSeen[k.sensorID]
		if !ok {
			continue
		}
		d := s.opts.DefaultUnseen
		if st.UnseenDuration != nil {
			d = *st.UnseenDuration
		}
		s.transitionLocked(k, st.IsOn && now.Sub(last) > d, now)
	}
}

func (s *Store) unseenLoop(ctx context.Context) {
	ticker := time.NewTicker(s.opts.UnseenCheck)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.CheckUnseen(s.now())
		}
	}
}

// transitionLocked 调用方持有 s.mu
func (s *Store) transitionLocked(k condKey, triggered bool, at time.Time) {
	if s.triggered[k] == triggered {
		return
	}
	if triggered {
		s.triggered[k] = true
	} else {
		delete(s.triggered, k)
	}
	ev := models.TriggerEvent{SensorID: k.sensorID, Type: k.alert, Triggered: triggered, At: at}
	select {
	case s.triggers <- ev:
	default:
		s.logger.Warn("Trigger channel full, dropping event",
			zap.String("sensor_id", k.sensorID),
			zap.String("alert_type", string(k.alert)),
			zap.Bool("triggered", triggered),
		)
	}
}

func outOfBounds(t models.AlertType, v float64, st models.ConditionState) bool {
	lower, upper := st.Lower, st.Upper
	if lower == nil && upper == nil {
		lower, upper = alerting.DefaultBounds(t)
	}
	if lower != nil && v < *lower {
		return true
	}
	return upper != nil && v > *upper
}

func intValue(i *int) *float64 {
	if i == nil {
		return nil
	}
	f := float64(*i)
	return &f
}
