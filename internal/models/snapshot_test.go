package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func f64(v float64) *float64 { return &v }

func TestParseVariantCode(t *testing.T) {
	v, ok := ParseVariantCode("temperature_c")
	require.True(t, ok)
	assert.Equal(t, Variant{Type: MeasurementTemperature, Unit: UnitCelsius}, v)
	assert.Equal(t, "temperature_c", v.Code())

	_, ok = ParseVariantCode("temperature")
	assert.False(t, ok)
	_, ok = ParseVariantCode("temperature_")
	assert.False(t, ok)
}

func TestAlertType_Measurement(t *testing.T) {
	m, ok := AlertRelativeHumidity.Measurement()
	require.True(t, ok)
	assert.Equal(t, MeasurementHumidity, m)

	_, ok = AlertMovement.Measurement()
	assert.False(t, ok)

	at, ok := AlertTypeFor(MeasurementRSSI)
	require.True(t, ok)
	assert.Equal(t, AlertSignal, at)
}

func TestAlertConfig_WithIsCopy(t *testing.T) {
	till := time.Now().Add(time.Hour)
	base := AlertConfig{Type: AlertTemperature, Lower: f64(-10), Upper: f64(30)}
	muted := base.WithMutedTill(&till)

	require.Nil(t, base.MutedTill)
	require.NotNil(t, muted.MutedTill)
	till = till.Add(time.Hour)
	assert.NotEqual(t, till, *muted.MutedTill)

	moved := base.WithBounds(f64(0), f64(20))
	assert.Equal(t, -10.0, *base.Lower)
	assert.Equal(t, 0.0, *moved.Lower)
	assert.False(t, base.Equal(moved))
	assert.True(t, base.Equal(base.WithActive(false)))
}

func TestAlertConfig_IsMuted(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Second)
	future := now.Add(time.Second)

	assert.False(t, AlertConfig{}.IsMuted(now))
	assert.False(t, AlertConfig{MutedTill: &past}.IsMuted(now))
	assert.True(t, AlertConfig{MutedTill: &future}.IsMuted(now))
}

func TestSnapshot_UpdatesReportChanges(t *testing.T) {
	s := NewSnapshot(Sensor{ID: "s1", Name: "Kitchen", Version: 5, IsConnectable: true})
	rev := s.Revision()

	assert.False(t, s.UpdateDisplay(func(d *DisplayData) { d.Name = "Kitchen" }))
	assert.Equal(t, rev, s.Revision())

	assert.True(t, s.UpdateDisplay(func(d *DisplayData) { d.Name = "Sauna" }))
	assert.Equal(t, "Sauna", s.Display().Name)
	assert.Equal(t, rev+1, s.Revision())

	assert.False(t, s.UpdateConnection(func(c *ConnectionData) { c.IsConnectable = true }))
	assert.True(t, s.UpdateConnection(func(c *ConnectionData) { c.IsConnected = true }))

	assert.False(t, s.UpdateOwnership(func(o *Ownership) { o.SharedTo = nil }))
	assert.True(t, s.UpdateOwnership(func(o *Ownership) { o.SharedTo = []string{"a@b.c"} }))
}

func TestSnapshot_DisplayIsCopied(t *testing.T) {
	s := NewSnapshot(Sensor{ID: "s1"})
	s.UpdateDisplay(func(d *DisplayData) {
		d.Indicators = []Indicator{{Variant: Variant{Type: MeasurementTemperature, Unit: UnitCelsius}, Value: "21.50"}}
	})

	d := s.Display()
	d.Indicators[0].Value = "99"
	assert.Equal(t, "21.50", s.Display().Indicators[0].Value)
}

func TestSnapshot_SetAlertConfig(t *testing.T) {
	s := NewSnapshot(Sensor{ID: "s1"})
	c := AlertConfig{Type: AlertTemperature, IsActive: true, Lower: f64(-40), Upper: f64(85)}

	assert.True(t, s.SetAlertConfig(c))
	assert.False(t, s.SetAlertConfig(c))

	got, ok := s.AlertConfig(AlertTemperature)
	require.True(t, ok)
	assert.True(t, got.Equal(c))

	assert.True(t, s.SetAlertConfig(AlertConfig{Type: AlertMovement}))
	_, ok = s.AlertConfig(AlertMovement)
	assert.True(t, ok)
	assert.Len(t, s.AlertConfigs(), 2)
}

func TestMeasurementVisibility_Valid(t *testing.T) {
	tc := Variant{Type: MeasurementTemperature, Unit: UnitCelsius}
	rh := Variant{Type: MeasurementHumidity, Unit: UnitRelativeHumidity}
	hpa := Variant{Type: MeasurementPressure, Unit: UnitHectopascal}

	assert.True(t, MeasurementVisibility{Available: []Variant{tc, rh, hpa}, Visible: []Variant{tc}, Hidden: []Variant{rh, hpa}}.Valid())
	assert.False(t, MeasurementVisibility{Available: []Variant{tc}, Visible: []Variant{tc, rh}}.Valid())
	assert.False(t, MeasurementVisibility{Available: []Variant{tc, rh}, Visible: []Variant{tc}, Hidden: []Variant{tc}}.Valid())
	assert.False(t, MeasurementVisibility{Available: []Variant{tc, rh}, Visible: []Variant{tc}}.Valid())
}

func TestSnapshot_Fingerprint(t *testing.T) {
	s := NewSnapshot(Sensor{ID: "s1", Name: "A", OwnerName: "o"})
	fp := s.Fingerprint()
	assert.Equal(t, "s1", fp.ID)
	assert.Equal(t, "A", fp.Name)
	assert.True(t, fp.LatestRecordAt.IsZero())

	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.UpdateDisplay(func(d *DisplayData) { d.LatestRecordAt = &at })
	assert.NotEqual(t, fp, s.Fingerprint())
}
