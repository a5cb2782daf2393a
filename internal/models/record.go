package models

import "time"

// RecordSource 记录来源
type RecordSource string

const (
	SourceAdvertisement RecordSource = "advertisement"
	SourceHeartbeat     RecordSource = "heartbeat"
	SourceLog           RecordSource = "log"
	SourceCloud         RecordSource = "cloud"
)

// Record 一条传感器读数，缺失的测量值为 nil
type Record struct {
	SensorID string       `json:"sensor_id"`
	LuID     *string      `json:"luid,omitempty"`
	MacID    *string      `json:"mac_id,omitempty"`
	Date     time.Time    `json:"date"`
	Source   RecordSource `json:"source"`

	Temperature   *float64 `json:"temperature,omitempty"` // °C
	Humidity      *float64 `json:"humidity,omitempty"`    // 相对湿度 %
	Pressure      *float64 `json:"pressure,omitempty"`    // hPa
	AccelerationX *float64 `json:"acceleration_x,omitempty"`
	AccelerationY *float64 `json:"acceleration_y,omitempty"`
	AccelerationZ *float64 `json:"acceleration_z,omitempty"`
	Voltage       *float64 `json:"voltage,omitempty"`
	Movement      *int     `json:"movement_counter,omitempty"`
	Sequence      *int     `json:"measurement_sequence,omitempty"`
	TxPower       *int     `json:"tx_power,omitempty"`
	RSSI          *int     `json:"rssi,omitempty"`

	CO2        *float64 `json:"co2,omitempty"`
	PM25       *float64 `json:"pm25,omitempty"`
	VOC        *float64 `json:"voc,omitempty"`
	NOx        *float64 `json:"nox,omitempty"`
	Luminosity *float64 `json:"luminosity,omitempty"`
	SoundLevel *float64 `json:"sound_level,omitempty"`
}
