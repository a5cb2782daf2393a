package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"wisefido-snapshot/internal/models"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// ErrNotFound 传感器不存在
var ErrNotFound = errors.New("sensor not found")

// SensorRepository 传感器身份、设置与最新记录的只读访问
type SensorRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSensorRepository 创建传感器Repository
func NewSensorRepository(db *sql.DB, logger *zap.Logger) *SensorRepository {
	return &SensorRepository{db: db, logger: logger}
}

const sensorColumns = `
	sensor_id::text,
	luid,
	mac_id,
	name,
	data_version,
	firmware,
	is_connectable,
	is_owner,
	is_cloud,
	is_claimed,
	can_share,
	owner_name,
	plan_tier,
	shared_to,
	max_share_count`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSensor(row rowScanner) (models.Sensor, error) {
	var s models.Sensor
	var luid, macID, firmware, ownerName, planTier sql.NullString
	var sharedTo pq.StringArray
	err := row.Scan(
		&s.ID,
		&luid,
		&macID,
		&s.Name,
		&s.Version,
		&firmware,
		&s.IsConnectable,
		&s.IsOwner,
		&s.IsCloud,
		&s.IsClaimed,
		&s.CanShare,
		&ownerName,
		&planTier,
		&sharedTo,
		&s.MaxShareCount,
	)
	if err != nil {
		return s, err
	}
	s.LuID = nullString(luid)
	s.MacID = nullString(macID)
	s.Firmware = firmware.String
	s.OwnerName = ownerName.String
	s.PlanTier = planTier.String
	if len(sharedTo) > 0 {
		s.SharedTo = []string(sharedTo)
	}
	return s, nil
}

// ListSensors 所有传感器，按创建顺序
func (r *SensorRepository) ListSensors(ctx context.Context) ([]models.Sensor, error) {
	query := `SELECT` + sensorColumns + `
		FROM sensors
		ORDER BY created_at, sensor_id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query sensors: %w", err)
	}
	defer rows.Close()

	var sensors []models.Sensor
	for rows.Next() {
		s, err := scanSensor(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sensor: %w", err)
		}
		sensors = append(sensors, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sensors: %w", err)
	}
	return sensors, nil
}

// GetSensor 按 id 读取传感器
func (r *SensorRepository) GetSensor(ctx context.Context, sensorID string) (*models.Sensor, error) {
	query := `SELECT` + sensorColumns + `
		FROM sensors
		WHERE sensor_id = $1`

	s, err := scanSensor(r.db.QueryRowContext(ctx, query, sensorID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sensor %s: %w", sensorID, err)
	}
	return &s, nil
}

// ListSettings 所有传感器设置
func (r *SensorRepository) ListSettings(ctx context.Context) ([]models.SensorSettings, error) {
	query := `
		SELECT
			sensor_id::text,
			temperature_offset,
			humidity_offset,
			pressure_offset,
			display_order,
			default_order
		FROM sensor_settings
		ORDER BY sensor_id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query sensor settings: %w", err)
	}
	defer rows.Close()

	var out []models.SensorSettings
	for rows.Next() {
		var st models.SensorSettings
		var temp, hum, press sql.NullFloat64
		var order pq.StringArray
		if err := rows.Scan(&st.SensorID, &temp, &hum, &press, &order, &st.DefaultOrder); err != nil {
			return nil, fmt.Errorf("failed to scan sensor settings: %w", err)
		}
		st.TemperatureOffset = nullFloat(temp)
		st.HumidityOffset = nullFloat(hum)
		st.PressureOffset = nullFloat(press)
		if len(order) > 0 {
			st.DisplayOrder = []string(order)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sensor settings: %w", err)
	}
	return out, nil
}

// LatestRecord 传感器最新一条记录；没有记录时返回 (nil, nil)
func (r *SensorRepository) LatestRecord(ctx context.Context, sensorID string) (*models.Record, error) {
	query := `
		SELECT
			sensor_id::text,
			luid,
			mac_id,
			recorded_at,
			source,
			temperature,
			humidity,
			pressure,
			acceleration_x,
			acceleration_y,
			acceleration_z,
			voltage,
			movement_counter,
			measurement_sequence,
			tx_power,
			rssi,
			co2,
			pm25,
			voc,
			nox,
			luminosity,
			sound_level
		FROM sensor_records
		WHERE sensor_id = $1
		ORDER BY recorded_at DESC
		LIMIT 1`

	var rec models.Record
	var luid, macID, source sql.NullString
	var temp, hum, press, ax, ay, az, volt sql.NullFloat64
	var movement, sequence, txPower, rssi sql.NullInt64
	var co2, pm25, voc, nox, lum, sound sql.NullFloat64

	err := r.db.QueryRowContext(ctx, query, sensorID).Scan(
		&rec.SensorID,
		&luid,
		&macID,
		&rec.Date,
		&source,
		&temp,
		&hum,
		&press,
		&ax,
		&ay,
		&az,
		&volt,
		&movement,
		&sequence,
		&txPower,
		&rssi,
		&co2,
		&pm25,
		&voc,
		&nox,
		&lum,
		&sound,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read latest record for %s: %w", sensorID, err)
	}

	rec.LuID = nullString(luid)
	rec.MacID = nullString(macID)
	rec.Source = models.RecordSource(source.String)
	rec.Temperature = nullFloat(temp)
	rec.Humidity = nullFloat(hum)
	rec.Pressure = nullFloat(press)
	rec.AccelerationX = nullFloat(ax)
	rec.AccelerationY = nullFloat(ay)
	rec.AccelerationZ = nullFloat(az)
	rec.Voltage = nullFloat(volt)
	rec.Movement = nullInt(movement)
	rec.Sequence = nullInt(sequence)
	rec.TxPower = nullInt(txPower)
	rec.RSSI = nullInt(rssi)
	rec.CO2 = nullFloat(co2)
	rec.PM25 = nullFloat(pm25)
	rec.VOC = nullFloat(voc)
	rec.NOx = nullFloat(nox)
	rec.Luminosity = nullFloat(lum)
	rec.SoundLevel = nullFloat(sound)
	return &rec, nil
}

func nullString(v sql.NullString) *string {
	if !v.Valid || v.String == "" {
		return nil
	}
	s := v.String
	return &s
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func nullInt(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}
