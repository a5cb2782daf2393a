package units

import (
	"fmt"
	"strconv"
	"sync"

	"wisefido-snapshot/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Preferences 用户首选单位与精度
type Preferences struct {
	Temperature models.Unit `json:"temperature"`
	Humidity    models.Unit `json:"humidity"`
	Pressure    models.Unit `json:"pressure"`
	Decimals    int         `json:"decimals"`
}

// DefaultPreferences 默认 °C / %RH / hPa，两位小数
func DefaultPreferences() Preferences {
	return Preferences{
		Temperature: models.UnitCelsius,
		Humidity:    models.UnitRelativeHumidity,
		Pressure:    models.UnitHectopascal,
		Decimals:    2,
	}
}

// Service 测量值格式化服务，首选单位变化时向订阅者广播
type Service struct {
	mu     sync.RWMutex
	prefs  Preferences
	subs   map[string]chan Preferences
	logger *zap.Logger
}

// NewService 创建格式化服务
func NewService(prefs Preferences, logger *zap.Logger) *Service {
	return &Service{
		prefs:  normalize(prefs),
		subs:   make(map[string]chan Preferences),
		logger: logger,
	}
}

func normalize(p Preferences) Preferences {
	d := DefaultPreferences()
	switch p.Temperature {
	case models.UnitCelsius, models.UnitFahrenheit, models.UnitKelvin:
	default:
		p.Temperature = d.Temperature
	}
	switch p.Humidity {
	case models.UnitRelativeHumidity, models.UnitAbsoluteHumidity, models.UnitDewPoint:
	default:
		p.Humidity = d.Humidity
	}
	switch p.Pressure {
	case models.UnitHectopascal, models.UnitMillimetersHg, models.UnitInchesHg:
	default:
		p.Pressure = d.Pressure
	}
	if p.Decimals < 0 || p.Decimals > 4 {
		p.Decimals = d.Decimals
	}
	return p
}

// Preferences 当前首选项
func (s *Service) Preferences() Preferences {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.prefs
}

// PreferredUnit 测量类型的首选单位（无首选返回空）
func (s *Service) PreferredUnit(m models.MeasurementType) models.Unit {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch m {
	case models.MeasurementTemperature:
		return s.prefs.Temperature
	case models.MeasurementHumidity:
		return s.prefs.Humidity
	case models.MeasurementPressure:
		return s.prefs.Pressure
	}
	return ""
}

// SetPreferences 更新首选项，变化时广播；返回是否变化
func (s *Service) SetPreferences(p Preferences) bool {
	p = normalize(p)
	s.mu.Lock()
	if p == s.prefs {
		s.mu.Unlock()
		return false
	}
	s.prefs = p
	subs := make([]chan Preferences, 0, len(s.subs))
	for _, ch := range s.subs {
		subs = append(subs, ch)
	}
	s.mu.Unlock()

	s.logger.Info("Unit preferences changed",
		zap.String("temperature", string(p.Temperature)),
		zap.String("humidity", string(p.Humidity)),
		zap.String("pressure", string(p.Pressure)),
		zap.Int("decimals", p.Decimals),
	)

	for _, ch := range subs {
		// 只保留最新值
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- p:
		default:
		}
	}
	return true
}

// Subscribe 订阅首选项变化，返回取消函数
func (s *Service) Subscribe() (<-chan Preferences, func()) {
	id := uuid.NewString()
	ch := make(chan Preferences, 1)

	s.mu.Lock()
	s.subs[id] = ch
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

// Extract 从记录中提取变体的数值（已应用校准偏移）；缺少数据时返回 false
func (s *Service) Extract(v models.Variant, r *models.Record, settings *models.SensorSettings) (float64, bool) {
	if r == nil {
		return 0, false
	}
	switch v.Type {
	case models.MeasurementTemperature:
		t, ok := calibratedTemperature(r, settings)
		if !ok {
			return 0, false
		}
		return CelsiusTo(t, v.Unit), true
	case models.MeasurementHumidity:
		h, ok := calibratedHumidity(r, settings)
		if !ok {
			return 0, false
		}
		switch v.Unit {
		case models.UnitRelativeHumidity:
			return h, true
		case models.UnitAbsoluteHumidity:
			t, ok := calibratedTemperature(r, settings)
			if !ok {
				return 0, false
			}
			return AbsoluteHumidity(t, h), true
		case models.UnitDewPoint:
			t, ok := calibratedTemperature(r, settings)
			if !ok {
				return 0, false
			}
			return DewPoint(t, h)
		}
		return 0, false
	case models.MeasurementPressure:
		if r.Pressure == nil {
			return 0, false
		}
		p := *r.Pressure
		if settings != nil && settings.PressureOffset != nil {
			p += *settings.PressureOffset / 100
		}
		return HectopascalTo(p, v.Unit), true
	case models.MeasurementMovement:
		return intValue(r.Movement)
	case models.MeasurementRSSI:
		return intValue(r.RSSI)
	case models.MeasurementVoltage:
		return floatValue(r.Voltage)
	case models.MeasurementAccelerationX:
		return floatValue(r.AccelerationX)
	case models.MeasurementAccelerationY:
		return floatValue(r.AccelerationY)
	case models.MeasurementAccelerationZ:
		return floatValue(r.AccelerationZ)
	case models.MeasurementCO2:
		return floatValue(r.CO2)
	case models.MeasurementPM25:
		return floatValue(r.PM25)
	case models.MeasurementVOC:
		return floatValue(r.VOC)
	case models.MeasurementNOx:
		return floatValue(r.NOx)
	case models.MeasurementLuminosity:
		return floatValue(r.Luminosity)
	case models.MeasurementSound:
		return floatValue(r.SoundLevel)
	}
	return 0, false
}

// Format 按变体精度格式化数值
func (s *Service) Format(v models.Variant, value float64) string {
	return strconv.FormatFloat(value, 'f', s.decimals(v.Type), 64)
}

// Indicator 提取并格式化为一个指标格
func (s *Service) Indicator(v models.Variant, r *models.Record, settings *models.SensorSettings) (models.Indicator, bool) {
	value, ok := s.Extract(v, r, settings)
	if !ok {
		return models.Indicator{}, false
	}
	return models.Indicator{Variant: v, Value: s.Format(v, value), Unit: Symbol(v.Unit)}, true
}

// FormatOffsets 生成校准偏移显示字符串
func (s *Service) FormatOffsets(settings *models.SensorSettings) models.Calibration {
	var c models.Calibration
	if settings == nil {
		return c
	}
	prefs := s.Preferences()
	if settings.TemperatureOffset != nil {
		// 偏移量是差值，只做比例换算
		off := *settings.TemperatureOffset
		if prefs.Temperature == models.UnitFahrenheit {
			off = off * 9 / 5
		}
		c.Temperature = signed(off, prefs.Decimals) + " " + Symbol(prefs.Temperature)
	}
	if settings.HumidityOffset != nil {
		c.Humidity = signed(*settings.HumidityOffset*100, prefs.Decimals) + " " + Symbol(models.UnitRelativeHumidity)
	}
	if settings.PressureOffset != nil {
		c.Pressure = signed(HectopascalTo(*settings.PressureOffset/100, prefs.Pressure), prefs.Decimals) + " " + Symbol(prefs.Pressure)
	}
	return c
}

func (s *Service) decimals(m models.MeasurementType) int {
	switch m {
	case models.MeasurementTemperature, models.MeasurementHumidity, models.MeasurementPressure:
		return s.Preferences().Decimals
	case models.MeasurementVoltage, models.MeasurementAccelerationX, models.MeasurementAccelerationY, models.MeasurementAccelerationZ:
		return 3
	case models.MeasurementPM25, models.MeasurementSound:
		return 1
	}
	return 0
}

func calibratedTemperature(r *models.Record, settings *models.SensorSettings) (float64, bool) {
	if r.Temperature == nil {
		return 0, false
	}
	t := *r.Temperature
	if settings != nil && settings.TemperatureOffset != nil {
		t += *settings.TemperatureOffset
	}
	return t, true
}

func calibratedHumidity(r *models.Record, settings *models.SensorSettings) (float64, bool) {
	if r.Humidity == nil {
		return 0, false
	}
	h := *r.Humidity
	if settings != nil && settings.HumidityOffset != nil {
		h += *settings.HumidityOffset * 100
	}
	if h < 0 {
		h = 0
	}
	if h > 100 {
		h = 100
	}
	return h, true
}

func floatValue(v *float64) (float64, bool) {
	if v == nil {
		return 0, false
	}
	return *v, true
}

func intValue(v *int) (float64, bool) {
	if v == nil {
		return 0, false
	}
	return float64(*v), true
}

func signed(v float64, decimals int) string {
	return fmt.Sprintf("%+.*f", decimals, v)
}
