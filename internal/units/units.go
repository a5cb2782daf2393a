package units

import (
	"math"

	"wisefido-snapshot/internal/models"
)

// Symbol 单位显示符号
func Symbol(u models.Unit) string {
	switch u {
	case models.UnitCelsius, models.UnitDewPoint:
		return "°C"
	case models.UnitFahrenheit:
		return "°F"
	case models.UnitKelvin:
		return "K"
	case models.UnitRelativeHumidity:
		return "%"
	case models.UnitAbsoluteHumidity:
		return "g/m³"
	case models.UnitHectopascal:
		return "hPa"
	case models.UnitMillimetersHg:
		return "mmHg"
	case models.UnitInchesHg:
		return "inHg"
	case models.UnitVolt:
		return "V"
	case models.UnitDBm:
		return "dBm"
	case models.UnitGForce:
		return "g"
	case models.UnitPPM:
		return "ppm"
	case models.UnitMicrogramsM3:
		return "µg/m³"
	case models.UnitLux:
		return "lx"
	case models.UnitDecibel:
		return "dBA"
	}
	return ""
}

// CelsiusTo 温度换算
func CelsiusTo(c float64, u models.Unit) float64 {
	switch u {
	case models.UnitFahrenheit:
		return c*9/5 + 32
	case models.UnitKelvin:
		return c + 273.15
	}
	return c
}

// HectopascalTo 气压换算
func HectopascalTo(hpa float64, u models.Unit) float64 {
	switch u {
	case models.UnitMillimetersHg:
		return hpa * 0.750062
	case models.UnitInchesHg:
		return hpa * 0.02953
	}
	return hpa
}

// AbsoluteHumidity 由温度(°C)与相对湿度(%)计算绝对湿度 g/m³
func AbsoluteHumidity(tempC, rh float64) float64 {
	svp := 6.112 * math.Exp(17.67*tempC/(tempC+243.5))
	return svp * rh * 2.1674 / (273.15 + tempC)
}

// DewPoint Magnus 公式露点(°C)
func DewPoint(tempC, rh float64) (float64, bool) {
	if rh <= 0 {
		return 0, false
	}
	const a, b = 17.62, 243.12
	gamma := math.Log(rh/100) + a*tempC/(b+tempC)
	return b * gamma / (a - gamma), true
}
