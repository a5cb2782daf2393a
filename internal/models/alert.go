package models

import "time"

// AlertType 报警类型
type AlertType string

const (
	AlertTemperature      AlertType = "temperature"
	AlertRelativeHumidity AlertType = "relativeHumidity"
	AlertPressure         AlertType = "pressure"
	AlertSignal           AlertType = "signal"
	AlertCarbonDioxide    AlertType = "carbonDioxide"
	AlertPM25             AlertType = "pMatter2_5"
	AlertVOC              AlertType = "voc"
	AlertNOx              AlertType = "nox"
	AlertLuminosity       AlertType = "luminosity"
	AlertSound            AlertType = "sound"

	// 非测量类报警
	AlertConnection      AlertType = "connection"
	AlertCloudConnection AlertType = "cloudConnection"
	AlertMovement        AlertType = "movement"
)

var measurementAlerts = map[MeasurementType]AlertType{
	MeasurementTemperature: AlertTemperature,
	MeasurementHumidity:    AlertRelativeHumidity,
	MeasurementPressure:    AlertPressure,
	MeasurementRSSI:        AlertSignal,
	MeasurementCO2:         AlertCarbonDioxide,
	MeasurementPM25:        AlertPM25,
	MeasurementVOC:         AlertVOC,
	MeasurementNOx:         AlertNOx,
	MeasurementLuminosity:  AlertLuminosity,
	MeasurementSound:       AlertSound,
}

// AlertTypeFor 测量类型对应的报警类型
func AlertTypeFor(m MeasurementType) (AlertType, bool) {
	t, ok := measurementAlerts[m]
	return t, ok
}

// Measurement 报警类型对应的测量类型（非测量类报警返回 false）
func (t AlertType) Measurement() (MeasurementType, bool) {
	for m, at := range measurementAlerts {
		if at == t {
			return m, true
		}
	}
	return "", false
}

// NonMeasurementAlertTypes 连接、云连接、移动三类报警
func NonMeasurementAlertTypes() []AlertType {
	return []AlertType{AlertConnection, AlertCloudConnection, AlertMovement}
}

// AlertConfig 单个报警类型的状态，不可变值类型：所有修改都返回新副本
type AlertConfig struct {
	Type           AlertType      `json:"type"`
	IsActive       bool           `json:"is_active"`
	IsFiring       bool           `json:"is_firing"`
	MutedTill      *time.Time     `json:"muted_till,omitempty"`
	Lower          *float64       `json:"lower,omitempty"`
	Upper          *float64       `json:"upper,omitempty"`
	Description    string         `json:"description,omitempty"`
	UnseenDuration *time.Duration `json:"unseen_duration,omitempty"` // 仅 cloudConnection
}

func (c AlertConfig) clone() AlertConfig {
	out := c
	out.MutedTill = cloneTime(c.MutedTill)
	out.Lower = cloneFloat(c.Lower)
	out.Upper = cloneFloat(c.Upper)
	if c.UnseenDuration != nil {
		d := *c.UnseenDuration
		out.UnseenDuration = &d
	}
	return out
}

func (c AlertConfig) WithActive(active bool) AlertConfig {
	out := c.clone()
	out.IsActive = active
	return out
}

func (c AlertConfig) WithFiring(firing bool) AlertConfig {
	out := c.clone()
	out.IsFiring = firing
	return out
}

func (c AlertConfig) WithMutedTill(till *time.Time) AlertConfig {
	out := c.clone()
	out.MutedTill = cloneTime(till)
	return out
}

func (c AlertConfig) WithBounds(lower, upper *float64) AlertConfig {
	out := c.clone()
	out.Lower = cloneFloat(lower)
	out.Upper = cloneFloat(upper)
	return out
}

func (c AlertConfig) WithDescription(description string) AlertConfig {
	out := c.clone()
	out.Description = description
	return out
}

func (c AlertConfig) WithUnseenDuration(d *time.Duration) AlertConfig {
	out := c.clone()
	if d == nil {
		out.UnseenDuration = nil
	} else {
		v := *d
		out.UnseenDuration = &v
	}
	return out
}

// IsMuted 在 now 时刻是否处于静音窗口
func (c AlertConfig) IsMuted(now time.Time) bool {
	return c.MutedTill != nil && c.MutedTill.After(now)
}

// Equal 字段级比较
func (c AlertConfig) Equal(o AlertConfig) bool {
	if c.Type != o.Type || c.IsActive != o.IsActive || c.IsFiring != o.IsFiring || c.Description != o.Description {
		return false
	}
	if !timePtrEqual(c.MutedTill, o.MutedTill) {
		return false
	}
	if !floatPtrEqual(c.Lower, o.Lower) || !floatPtrEqual(c.Upper, o.Upper) {
		return false
	}
	if (c.UnseenDuration == nil) != (o.UnseenDuration == nil) {
		return false
	}
	return c.UnseenDuration == nil || *c.UnseenDuration == *o.UnseenDuration
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func floatPtrEqual(a, b *float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
