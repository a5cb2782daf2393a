package profile

import (
	"wisefido-snapshot/internal/models"
)

// 数据格式
const (
	FormatV2    = 2
	FormatV3    = 3
	FormatV4    = 4
	FormatV5    = 5
	FormatAirE0 = 0xE0
	FormatAirE1 = 0xE1
)

// Measurement 单个测量类型在某格式下的显示描述
type Measurement struct {
	Type             models.MeasurementType
	Units            []models.Unit // 第一个为默认单位
	Contexts         models.DisplayContext
	VisibleByDefault bool
}

// Profile 某数据格式的静态显示模板
type Profile struct {
	Format       int
	Measurements []Measurement
}

const all = models.ContextIndicator | models.ContextGraph | models.ContextAlert

var (
	temperature = Measurement{models.MeasurementTemperature, []models.Unit{models.UnitCelsius, models.UnitFahrenheit, models.UnitKelvin}, all, true}
	humidity    = Measurement{models.MeasurementHumidity, []models.Unit{models.UnitRelativeHumidity, models.UnitAbsoluteHumidity, models.UnitDewPoint}, all, true}
	pressure    = Measurement{models.MeasurementPressure, []models.Unit{models.UnitHectopascal, models.UnitMillimetersHg, models.UnitInchesHg}, all, true}
	movement    = Measurement{models.MeasurementMovement, []models.Unit{models.UnitCount}, models.ContextIndicator | models.ContextGraph, true}
	voltage     = Measurement{models.MeasurementVoltage, []models.Unit{models.UnitVolt}, models.ContextIndicator | models.ContextGraph, false}
	rssi        = Measurement{models.MeasurementRSSI, []models.Unit{models.UnitDBm}, all, false}
	accelX      = Measurement{models.MeasurementAccelerationX, []models.Unit{models.UnitGForce}, models.ContextIndicator | models.ContextGraph, false}
	accelY      = Measurement{models.MeasurementAccelerationY, []models.Unit{models.UnitGForce}, models.ContextIndicator | models.ContextGraph, false}
	accelZ      = Measurement{models.MeasurementAccelerationZ, []models.Unit{models.UnitGForce}, models.ContextIndicator | models.ContextGraph, false}
	co2         = Measurement{models.MeasurementCO2, []models.Unit{models.UnitPPM}, all, true}
	pm25        = Measurement{models.MeasurementPM25, []models.Unit{models.UnitMicrogramsM3}, all, true}
	voc         = Measurement{models.MeasurementVOC, []models.Unit{models.UnitIndex}, all, true}
	nox         = Measurement{models.MeasurementNOx, []models.Unit{models.UnitIndex}, all, true}
	luminosity  = Measurement{models.MeasurementLuminosity, []models.Unit{models.UnitLux}, all, true}
	sound       = Measurement{models.MeasurementSound, []models.Unit{models.UnitDecibel}, all, false}
)

var profiles = map[int]Profile{
	FormatV2:    {Format: FormatV2, Measurements: []Measurement{temperature, humidity, pressure, rssi}},
	FormatV3:    {Format: FormatV3, Measurements: []Measurement{temperature, humidity, pressure, accelX, accelY, accelZ, voltage, rssi}},
	FormatV4:    {Format: FormatV4, Measurements: []Measurement{temperature, humidity, pressure, rssi}},
	FormatV5:    {Format: FormatV5, Measurements: []Measurement{temperature, humidity, pressure, movement, accelX, accelY, accelZ, voltage, rssi}},
	FormatAirE0: {Format: FormatAirE0, Measurements: []Measurement{co2, pm25, voc, nox, temperature, humidity, pressure, luminosity, sound, rssi}},
	FormatAirE1: {Format: FormatAirE1, Measurements: []Measurement{co2, pm25, voc, nox, temperature, humidity, pressure, luminosity, rssi}},
}

// For 按数据格式返回模板，未知格式按 V5 处理
func For(format int) Profile {
	if p, ok := profiles[format]; ok {
		return p
	}
	return profiles[FormatV5]
}

// IndicatorVariants 参与指标网格的所有变体（模板顺序）
func (p Profile) IndicatorVariants() []models.Variant {
	var out []models.Variant
	for _, m := range p.Measurements {
		if !m.Contexts.Has(models.ContextIndicator) {
			continue
		}
		for _, u := range m.Units {
			out = append(out, models.Variant{Type: m.Type, Unit: u})
		}
	}
	return out
}

// AlertTypes 模板中可报警的测量类型对应的报警类型
func (p Profile) AlertTypes() []models.AlertType {
	var out []models.AlertType
	for _, m := range p.Measurements {
		if !m.Contexts.Has(models.ContextAlert) {
			continue
		}
		if t, ok := models.AlertTypeFor(m.Type); ok {
			out = append(out, t)
		}
	}
	return out
}

// DefaultVisible 默认显示的变体；单位优先使用 preferred 返回的单位
func (p Profile) DefaultVisible(preferred func(models.MeasurementType) models.Unit) []models.Variant {
	var out []models.Variant
	for _, m := range p.Measurements {
		if !m.VisibleByDefault || !m.Contexts.Has(models.ContextIndicator) || len(m.Units) == 0 {
			continue
		}
		unit := m.Units[0]
		if preferred != nil {
			if u := preferred(m.Type); u != "" && containsUnit(m.Units, u) {
				unit = u
			}
		}
		out = append(out, models.Variant{Type: m.Type, Unit: unit})
	}
	return out
}

func containsUnit(units []models.Unit, u models.Unit) bool {
	for _, x := range units {
		if x == u {
			return true
		}
	}
	return false
}
