package models

import "strings"

// MeasurementType 测量类型
type MeasurementType string

const (
	MeasurementTemperature   MeasurementType = "temperature"
	MeasurementHumidity      MeasurementType = "humidity"
	MeasurementPressure      MeasurementType = "pressure"
	MeasurementMovement      MeasurementType = "movement"
	MeasurementVoltage       MeasurementType = "voltage"
	MeasurementRSSI          MeasurementType = "rssi"
	MeasurementAccelerationX MeasurementType = "accelerationX"
	MeasurementAccelerationY MeasurementType = "accelerationY"
	MeasurementAccelerationZ MeasurementType = "accelerationZ"
	MeasurementCO2           MeasurementType = "co2"
	MeasurementPM25          MeasurementType = "pm25"
	MeasurementVOC           MeasurementType = "voc"
	MeasurementNOx           MeasurementType = "nox"
	MeasurementLuminosity    MeasurementType = "luminosity"
	MeasurementSound         MeasurementType = "sound"
)

// Unit 显示单位
type Unit string

const (
	UnitCelsius          Unit = "c"
	UnitFahrenheit       Unit = "f"
	UnitKelvin           Unit = "k"
	UnitRelativeHumidity Unit = "rh"
	UnitAbsoluteHumidity Unit = "ah"
	UnitDewPoint         Unit = "dew"
	UnitHectopascal      Unit = "hpa"
	UnitMillimetersHg    Unit = "mmhg"
	UnitInchesHg         Unit = "inhg"
	UnitCount            Unit = "count"
	UnitVolt             Unit = "v"
	UnitDBm              Unit = "dbm"
	UnitGForce           Unit = "g"
	UnitPPM              Unit = "ppm"
	UnitMicrogramsM3     Unit = "ugm3"
	UnitIndex            Unit = "index"
	UnitLux              Unit = "lx"
	UnitDecibel          Unit = "dba"
)

// Variant 测量类型 + 具体显示单位
type Variant struct {
	Type MeasurementType `json:"type"`
	Unit Unit            `json:"unit"`
}

// Code 形如 "temperature_c"，用于显示偏好持久化
func (v Variant) Code() string {
	return string(v.Type) + "_" + string(v.Unit)
}

// ParseVariantCode 解析 Code() 的结果
func ParseVariantCode(code string) (Variant, bool) {
	i := strings.LastIndex(code, "_")
	if i <= 0 || i == len(code)-1 {
		return Variant{}, false
	}
	return Variant{Type: MeasurementType(code[:i]), Unit: Unit(code[i+1:])}, true
}

// DisplayContext 变体参与的显示场景（位掩码）
type DisplayContext uint8

const (
	ContextIndicator DisplayContext = 1 << iota
	ContextGraph
	ContextAlert
)

// Has 是否包含指定场景
func (c DisplayContext) Has(o DisplayContext) bool {
	return c&o != 0
}

// VariantsEqual 按顺序比较两个变体列表
func VariantsEqual(a, b []Variant) bool {
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
