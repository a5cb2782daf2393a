package alerting

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"wisefido-snapshot/internal/dispatch"
	"wisefido-snapshot/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type boundsWrite struct {
	sensorID     string
	alert        models.AlertType
	lower, upper *float64
	origin       string
}

// fakeConditions 内存评估器，记录所有写入
type fakeConditions struct {
	mu           sync.Mutex
	states       map[string]models.ConditionState
	boundsWrites []boundsWrite
	descWrites   []string
	activeWrites int
	muteWrites   []*time.Time
	unseenWrites []time.Duration
	readErr      error
	writeErr     error
	changes      chan models.ConditionChange
	triggers     chan models.TriggerEvent

	// lazy 为 true 时只有 Preload 过的键才算已缓存
	lazy         bool
	loaded       map[string]bool
	preloads     int
	preloadDelay time.Duration
	onCached     func(id string)
}

func newFakeConditions() *fakeConditions {
	return &fakeConditions{
		states:   make(map[string]models.ConditionState),
		loaded:   make(map[string]bool),
		changes:  make(chan models.ConditionChange, 16),
		triggers: make(chan models.TriggerEvent, 16),
	}
}

func condKey(id string, t models.AlertType) string { return id + "|" + string(t) }

func (f *fakeConditions) put(id string, t models.AlertType, st models.ConditionState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[condKey(id, t)] = st
}

func (f *fakeConditions) Cached(id string, t models.AlertType) (models.ConditionState, bool) {
	f.mu.Lock()
	hook := f.onCached
	if f.lazy && !f.loaded[condKey(id, t)] {
		f.mu.Unlock()
		return models.ConditionState{}, false
	}
	st := f.states[condKey(id, t)]
	f.mu.Unlock()
	if hook != nil {
		hook(id)
	}
	return st, true
}

func (f *fakeConditions) Preload(ctx context.Context, id string, types []models.AlertType) error {
	f.mu.Lock()
	delay := f.preloadDelay
	f.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.preloads++
	if f.readErr != nil {
		return f.readErr
	}
	for _, t := range types {
		f.loaded[condKey(id, t)] = true
	}
	return nil
}

func (f *fakeConditions) setReadErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readErr = err
}

func (f *fakeConditions) SetActive(ctx context.Context, id string, t models.AlertType, active bool, origin string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activeWrites++
	st := f.states[condKey(id, t)]
	st.IsOn = active
	f.states[condKey(id, t)] = st
	return f.writeErr
}

func (f *fakeConditions) SetBounds(ctx context.Context, id string, t models.AlertType, lower, upper *float64, origin string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.boundsWrites = append(f.boundsWrites, boundsWrite{sensorID: id, alert: t, lower: lower, upper: upper, origin: origin})
	st := f.states[condKey(id, t)]
	st.Lower, st.Upper = lower, upper
	f.states[condKey(id, t)] = st
	return f.writeErr
}

func (f *fakeConditions) SetDescription(ctx context.Context, id string, t models.AlertType, d string, origin string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.descWrites = append(f.descWrites, d)
	return f.writeErr
}

func (f *fakeConditions) SetMutedTill(ctx context.Context, id string, t models.AlertType, till *time.Time, origin string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.muteWrites = append(f.muteWrites, till)
	st := f.states[condKey(id, t)]
	st.MutedTill = till
	f.states[condKey(id, t)] = st
	return f.writeErr
}

func (f *fakeConditions) SetUnseenDuration(ctx context.Context, id string, d time.Duration, origin string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unseenWrites = append(f.unseenWrites, d)
	return f.writeErr
}

func (f *fakeConditions) Changes() <-chan models.ConditionChange { return f.changes }
func (f *fakeConditions) Triggers() <-chan models.TriggerEvent { return f.triggers }

func (f *fakeConditions) boundsCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.boundsWrites)
}

// recordingSink 记录引擎发出的事件
type recordingSink struct {
	mu     sync.Mutex
	events []models.Event
}

func (r *recordingSink) Emit(e models.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingSink) snapshot() []models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Event(nil), r.events...)
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func testOptions() Options {
	return Options{
		Debounce:             30 * time.Millisecond,
		FlushInterval:        10 * time.Millisecond,
		MuteRefreshInterval:  20 * time.Millisecond,
		CloudUnseenDefault:   900 * time.Second,
		CloudUnseenMinimum:   120 * time.Second,
		ConditionReadTimeout: 200 * time.Millisecond,
		ConditionRetry:       20 * time.Millisecond,
	}
}

type harness struct {
	loop   *dispatch.Loop
	conds  *fakeConditions
	sink   *recordingSink
	engine *Engine
}

func newHarness(t *testing.T) *harness {
	loop := dispatch.New(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)

	h := &harness{loop: loop, conds: newFakeConditions(), sink: &recordingSink{}}
	h.engine = NewEngine(loop, h.conds, h.sink, testOptions(), zap.NewNop())
	h.engine.Start(ctx)

	t.Cleanup(func() {
		h.engine.Stop()
		cancel()
		<-loop.Done()
	})
	return h
}

func (h *harness) attach(t *testing.T, sensor models.Sensor) *models.Snapshot {
	s := models.NewSnapshot(sensor)
	require.NoError(t, h.loop.Call(context.Background(), func() { h.engine.Attach(s, sensor) }))
	return s
}

func (h *harness) sync(t *testing.T) {
	require.NoError(t, h.loop.Sync(context.Background()))
}

func (h *harness) waitFlush(t *testing.T) {
	time.Sleep(4 * testOptions().FlushInterval)
	h.sync(t)
}

func TestAttach_CreatesDefaultConfigs(t *testing.T) {
	h := newHarness(t)
	s := h.attach(t, models.Sensor{ID: "s1", Version: 5})

	temp, ok := s.AlertConfig(models.AlertTemperature)
	require.True(t, ok)
	assert.False(t, temp.IsActive)
	assert.Equal(t, -40.0, *temp.Lower)
	assert.Equal(t, 85.0, *temp.Upper)

	cloud, ok := s.AlertConfig(models.AlertCloudConnection)
	require.True(t, ok)
	require.NotNil(t, cloud.UnseenDuration)
	assert.Equal(t, 900*time.Second, *cloud.UnseenDuration)

	_, ok = s.AlertConfig(models.AlertMovement)
	assert.True(t, ok)
	_, ok = s.AlertConfig(models.AlertCarbonDioxide)
	assert.False(t, ok, "co2 is not part of format 5")

	assert.True(t, s.Metadata().IsAlertAvailable)
}

func TestSyncAllAlerts_Idempotent(t *testing.T) {
	h := newHarness(t)
	lo, hi := 10.0, 30.0
	h.conds.put("s1", models.AlertTemperature, models.ConditionState{IsOn: true, Lower: &lo, Upper: &hi, Description: "fridge"})
	sensor := models.Sensor{ID: "s1", Version: 5}
	s := h.attach(t, sensor)

	h.waitFlush(t)
	first := h.sink.count()
	require.Greater(t, first, 0)

	var changed int
	require.NoError(t, h.loop.Call(context.Background(), func() { changed = h.engine.SyncAllAlerts(s, sensor) }))
	assert.Equal(t, 0, changed)

	h.waitFlush(t)
	assert.Equal(t, first, h.sink.count())

	cfg, _ := s.AlertConfig(models.AlertTemperature)
	assert.True(t, cfg.IsActive)
	assert.Equal(t, "fridge", cfg.Description)
	assert.Equal(t, 10.0, *cfg.Lower)
}

func TestSyncAllAlerts_ReadErrorSkipsTypeAndRetries(t *testing.T) {
	h := newHarness(t)
	h.conds.lazy = true
	h.conds.readErr = errors.New("evaluator down")
	s := h.attach(t, models.Sensor{ID: "s1", Version: 5})

	_, ok := s.AlertConfig(models.AlertTemperature)
	assert.False(t, ok)

	h.conds.setReadErr(nil)
	require.Eventually(t, func() bool {
		_, ok := s.AlertConfig(models.AlertTemperature)
		return ok
	}, time.Second, 5*time.Millisecond)
}

func TestAttach_ColdCacheDoesNotBlockLoop(t *testing.T) {
	h := newHarness(t)
	h.conds.lazy = true
	h.conds.preloadDelay = 80 * time.Millisecond
	lo, hi := 2.0, 8.0
	h.conds.put("s1", models.AlertTemperature, models.ConditionState{IsOn: true, Lower: &lo, Upper: &hi})

	start := time.Now()
	s := h.attach(t, models.Sensor{ID: "s1", Version: 5})
	assert.Less(t, time.Since(start), 50*time.Millisecond)
	_, ok := s.AlertConfig(models.AlertTemperature)
	assert.False(t, ok)

	require.Eventually(t, func() bool {
		cfg, ok := s.AlertConfig(models.AlertTemperature)
		return ok && cfg.IsActive && *cfg.Upper == 8.0
	}, time.Second, 5*time.Millisecond)

	h.conds.mu.Lock()
	assert.Equal(t, 1, h.conds.preloads)
	h.conds.mu.Unlock()
}

func TestPrepare_WarmsCacheBeforeAttach(t *testing.T) {
	h := newHarness(t)
	h.conds.lazy = true
	sensor := models.Sensor{ID: "s1", Version: 5}

	h.engine.Prepare(context.Background(), []models.Sensor{sensor})
	s := h.attach(t, sensor)

	_, ok := s.AlertConfig(models.AlertTemperature)
	assert.True(t, ok)
	_, ok = s.AlertConfig(models.AlertCloudConnection)
	assert.True(t, ok)
}

func TestConditionChange_DroppedDuringFullSync(t *testing.T) {
	h := newHarness(t)
	other := h.attach(t, models.Sensor{ID: "s2", Version: 5})
	h.conds.put("s2", models.AlertTemperature, models.ConditionState{IsOn: true})

	var once sync.Once
	h.conds.mu.Lock()
	h.conds.onCached = func(id string) {
		if id != "s1" {
			return
		}
		once.Do(func() {
			h.conds.changes <- models.ConditionChange{SensorID: "s2", Type: models.AlertTemperature, Origin: "remote"}
			assert.Eventually(t, func() bool { return len(h.conds.changes) == 0 }, time.Second, time.Millisecond)
			time.Sleep(20 * time.Millisecond)
		})
	}
	h.conds.mu.Unlock()

	h.attach(t, models.Sensor{ID: "s1", Version: 5})
	h.sync(t)
	cfg, _ := other.AlertConfig(models.AlertTemperature)
	assert.False(t, cfg.IsActive)

	h.conds.changes <- models.ConditionChange{SensorID: "s2", Type: models.AlertTemperature, Origin: "remote"}
	require.Eventually(t, func() bool {
		cfg, _ := other.AlertConfig(models.AlertTemperature)
		return cfg.IsActive
	}, time.Second, 5*time.Millisecond)
}

func TestSetAlertBounds_DebouncesEvaluatorWrites(t *testing.T) {
	h := newHarness(t)
	s := h.attach(t, models.Sensor{ID: "s1", Version: 5})

	for i := 0; i < 10; i++ {
		lo, hi := float64(i), float64(i+20)
		h.engine.SetAlertBounds("s1", models.AlertTemperature, &lo, &hi)
	}
	h.sync(t)

	// 内存立即反映最后一次修改
	cfg, _ := s.AlertConfig(models.AlertTemperature)
	assert.Equal(t, 9.0, *cfg.Lower)
	assert.Equal(t, 0, h.conds.boundsCount())

	require.Eventually(t, func() bool { return h.conds.boundsCount() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(3 * testOptions().Debounce)
	h.sync(t)

	h.conds.mu.Lock()
	defer h.conds.mu.Unlock()
	require.Len(t, h.conds.boundsWrites, 1)
	w := h.conds.boundsWrites[0]
	assert.Equal(t, 9.0, *w.lower)
	assert.Equal(t, 29.0, *w.upper)
	assert.Equal(t, h.engine.Origin(), w.origin)
}

func TestSetAlertBounds_KeysAreIndependent(t *testing.T) {
	h := newHarness(t)
	h.attach(t, models.Sensor{ID: "s1", Version: 5})
	h.attach(t, models.Sensor{ID: "s2", Version: 5})

	lo, hi := 1.0, 2.0
	h.engine.SetAlertBounds("s1", models.AlertTemperature, &lo, &hi)
	h.engine.SetAlertBounds("s1", models.AlertRelativeHumidity, &lo, &hi)
	h.engine.SetAlertBounds("s2", models.AlertTemperature, &lo, &hi)
	h.engine.SetAlertDescription("s2", models.AlertTemperature, "garage")

	require.Eventually(t, func() bool { return h.conds.boundsCount() == 3 }, time.Second, 5*time.Millisecond)
	h.conds.mu.Lock()
	assert.Equal(t, []string{"garage"}, h.conds.descWrites)
	h.conds.mu.Unlock()
}

func TestStop_AbandonsDebouncedWrites(t *testing.T) {
	h := newHarness(t)
	h.attach(t, models.Sensor{ID: "s1", Version: 5})

	lo, hi := 1.0, 2.0
	h.engine.SetAlertBounds("s1", models.AlertTemperature, &lo, &hi)
	h.engine.Stop()
	h.sync(t)

	time.Sleep(3 * testOptions().Debounce)
	h.sync(t)
	assert.Equal(t, 0, h.conds.boundsCount())
}

func TestPendingUpdates_Coalesced(t *testing.T) {
	h := newHarness(t)
	h.attach(t, models.Sensor{ID: "s1", Version: 5})
	h.attach(t, models.Sensor{ID: "s2", Version: 5})
	h.waitFlush(t)
	before := h.sink.count()

	h.engine.SetAlertState("s1", models.AlertTemperature, true)
	h.engine.SetAlertState("s1", models.AlertRelativeHumidity, true)
	h.engine.SetAlertDescription("s1", models.AlertPressure, "x")
	h.engine.SetAlertState("s2", models.AlertTemperature, true)
	h.waitFlush(t)

	events := h.sink.snapshot()[before:]
	require.Len(t, events, 3)
	assert.Equal(t, models.EventSnapshotUpdated, events[0].Kind)
	assert.Equal(t, "s1", events[0].SnapshotID)
	assert.Equal(t, models.EventSnapshotUpdated, events[1].Kind)
	assert.Equal(t, "s2", events[1].SnapshotID)
	assert.Equal(t, models.EventAlertsChanged, events[2].Kind)
	assert.Equal(t, []string{"s1", "s2"}, events[2].IDs)
}

func TestSetAlertState_WriteFailureSwallowed(t *testing.T) {
	h := newHarness(t)
	s := h.attach(t, models.Sensor{ID: "s1", Version: 5})
	h.conds.mu.Lock()
	h.conds.writeErr = errors.New("readonly")
	h.conds.mu.Unlock()

	h.engine.SetAlertState("s1", models.AlertTemperature, true)
	h.sync(t)

	cfg, _ := s.AlertConfig(models.AlertTemperature)
	assert.True(t, cfg.IsActive)
}

func TestMuteRefresh_ClearsExpiredWhenActive(t *testing.T) {
	h := newHarness(t)
	s := h.attach(t, models.Sensor{ID: "s1", Version: 5})

	past := time.Now().Add(-time.Minute)
	h.engine.MuteAlert("s1", models.AlertTemperature, past)
	h.sync(t)
	cfg, _ := s.AlertConfig(models.AlertTemperature)
	require.NotNil(t, cfg.MutedTill)

	h.engine.SetMuteRefresh(true)
	require.Eventually(t, func() bool {
		c, _ := s.AlertConfig(models.AlertTemperature)
		return c.MutedTill == nil
	}, time.Second, 5*time.Millisecond)
}

func TestMuteRefresh_NeverClearsWhenInactive(t *testing.T) {
	h := newHarness(t)
	s := h.attach(t, models.Sensor{ID: "s1", Version: 5})

	past := time.Now().Add(-time.Minute)
	h.engine.MuteAlert("s1", models.AlertTemperature, past)
	h.engine.SetMuteRefresh(true)
	h.engine.SetMuteRefresh(false)
	h.sync(t)

	time.Sleep(5 * testOptions().MuteRefreshInterval)
	h.sync(t)
	cfg, _ := s.AlertConfig(models.AlertTemperature)
	assert.NotNil(t, cfg.MutedTill)
}

func TestMuteRefresh_KeepsFutureMutes(t *testing.T) {
	h := newHarness(t)
	s := h.attach(t, models.Sensor{ID: "s1", Version: 5})

	future := time.Now().Add(time.Hour)
	h.engine.MuteAlert("s1", models.AlertTemperature, future)
	h.engine.SetMuteRefresh(true)
	time.Sleep(3 * testOptions().MuteRefreshInterval)
	h.sync(t)

	cfg, _ := s.AlertConfig(models.AlertTemperature)
	require.NotNil(t, cfg.MutedTill)
	assert.True(t, cfg.IsMuted(time.Now()))

	h.engine.UnmuteAlert("s1", models.AlertTemperature)
	h.sync(t)
	cfg, _ = s.AlertConfig(models.AlertTemperature)
	assert.Nil(t, cfg.MutedTill)
}

func TestConditionChange_OwnOriginIgnored(t *testing.T) {
	h := newHarness(t)
	s := h.attach(t, models.Sensor{ID: "s1", Version: 5})

	h.conds.put("s1", models.AlertRelativeHumidity, models.ConditionState{IsOn: true})
	h.conds.changes <- models.ConditionChange{SensorID: "s1", Type: models.AlertRelativeHumidity, Origin: h.engine.Origin()}
	time.Sleep(20 * time.Millisecond)
	h.sync(t)

	cfg, _ := s.AlertConfig(models.AlertRelativeHumidity)
	assert.False(t, cfg.IsActive)

	h.conds.changes <- models.ConditionChange{SensorID: "s1", Type: models.AlertRelativeHumidity, Origin: "another-client"}
	require.Eventually(t, func() bool {
		c, _ := s.AlertConfig(models.AlertRelativeHumidity)
		return c.IsActive
	}, time.Second, 5*time.Millisecond)
}

func TestTrigger_FiringRequiresFireable(t *testing.T) {
	h := newHarness(t)
	s := h.attach(t, models.Sensor{ID: "s1", Version: 5})
	h.engine.SetAlertState("s1", models.AlertTemperature, true)
	h.waitFlush(t)
	before := h.sink.count()

	// 本地传感器未连接：不可触发
	h.conds.triggers <- models.TriggerEvent{SensorID: "s1", Type: models.AlertTemperature, Triggered: true}
	time.Sleep(20 * time.Millisecond)
	h.waitFlush(t)
	cfg, _ := s.AlertConfig(models.AlertTemperature)
	assert.False(t, cfg.IsFiring)
	assert.Equal(t, before, h.sink.count())

	s.UpdateConnection(func(c *models.ConnectionData) { c.IsConnected = true })
	h.conds.triggers <- models.TriggerEvent{SensorID: "s1", Type: models.AlertTemperature, Triggered: true}
	require.Eventually(t, func() bool {
		c, _ := s.AlertConfig(models.AlertTemperature)
		return c.IsFiring
	}, time.Second, 5*time.Millisecond)

	h.conds.triggers <- models.TriggerEvent{SensorID: "s1", Type: models.AlertTemperature, Triggered: false}
	require.Eventually(t, func() bool {
		c, _ := s.AlertConfig(models.AlertTemperature)
		return !c.IsFiring
	}, time.Second, 5*time.Millisecond)
}

func TestRefreshFiring_ConnectAfterTrigger(t *testing.T) {
	h := newHarness(t)
	s := h.attach(t, models.Sensor{ID: "s1", Version: 5})
	h.engine.SetAlertState("s1", models.AlertTemperature, true)

	h.conds.triggers <- models.TriggerEvent{SensorID: "s1", Type: models.AlertTemperature, Triggered: true}
	time.Sleep(20 * time.Millisecond)
	h.sync(t)
	cfg, _ := s.AlertConfig(models.AlertTemperature)
	require.False(t, cfg.IsFiring)

	// 连接后不会再有新的触发信号
	s.UpdateConnection(func(c *models.ConnectionData) { c.IsConnected = true })
	require.NoError(t, h.loop.Call(context.Background(), func() { h.engine.RefreshFiring("s1") }))
	cfg, _ = s.AlertConfig(models.AlertTemperature)
	assert.True(t, cfg.IsFiring)

	s.UpdateConnection(func(c *models.ConnectionData) { c.IsConnected = false })
	require.NoError(t, h.loop.Call(context.Background(), func() { h.engine.RefreshFiring("s1") }))
	cfg, _ = s.AlertConfig(models.AlertTemperature)
	assert.False(t, cfg.IsFiring)
}

func TestSensorChanged_BecomingCloudRefreshesFiring(t *testing.T) {
	h := newHarness(t)
	sensor := models.Sensor{ID: "s1", Version: 5}
	s := h.attach(t, sensor)
	h.engine.SetAlertState("s1", models.AlertTemperature, true)
	h.conds.triggers <- models.TriggerEvent{SensorID: "s1", Type: models.AlertTemperature, Triggered: true}
	time.Sleep(20 * time.Millisecond)
	h.sync(t)

	sensor.IsCloud = true
	sensor.IsOwner = true
	s.UpdateMetadata(func(m *models.Metadata) { m.IsCloud = true })
	require.NoError(t, h.loop.Call(context.Background(), func() { h.engine.SensorChanged(s, sensor) }))

	cfg, _ := s.AlertConfig(models.AlertTemperature)
	assert.True(t, cfg.IsFiring)
}

func TestTrigger_CloudSensorFireable(t *testing.T) {
	h := newHarness(t)
	s := h.attach(t, models.Sensor{ID: "c1", Version: 5, IsCloud: true, IsOwner: true})
	s.UpdateMetadata(func(m *models.Metadata) { m.IsCloud = true })

	h.conds.triggers <- models.TriggerEvent{SensorID: "c1", Type: models.AlertCloudConnection, Triggered: true}
	require.Eventually(t, func() bool {
		c, _ := s.AlertConfig(models.AlertCloudConnection)
		return c.IsFiring
	}, time.Second, 5*time.Millisecond)

	caps := s.Capabilities()
	assert.True(t, caps.CloudAlertsAvailable)
	assert.True(t, caps.CloudConnectionAlertsAvailable)
}

func TestSetUnseenDuration_Clamped(t *testing.T) {
	h := newHarness(t)
	s := h.attach(t, models.Sensor{ID: "s1", Version: 5})

	h.engine.SetUnseenDuration("s1", 30*time.Second)
	h.sync(t)
	cfg, _ := s.AlertConfig(models.AlertCloudConnection)
	assert.Equal(t, 120*time.Second, *cfg.UnseenDuration)

	require.Eventually(t, func() bool {
		h.conds.mu.Lock()
		defer h.conds.mu.Unlock()
		return len(h.conds.unseenWrites) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestSetPushStatus_UpdatesCapabilities(t *testing.T) {
	h := newHarness(t)
	s := h.attach(t, models.Sensor{ID: "s1", Version: 5})
	assert.False(t, s.Capabilities().PushEnabled)
	assert.True(t, s.Capabilities().PushAvailable)

	h.engine.SetPushStatus(models.PushAuthorized)
	h.sync(t)
	assert.True(t, s.Capabilities().PushEnabled)

	h.engine.SetPushStatus(models.PushDenied)
	h.sync(t)
	assert.False(t, s.Capabilities().PushAvailable)
}

func TestDetach_DropsPendingWork(t *testing.T) {
	h := newHarness(t)
	h.attach(t, models.Sensor{ID: "s1", Version: 5})
	h.waitFlush(t)
	before := h.sink.count()

	lo, hi := 1.0, 2.0
	h.engine.SetAlertBounds("s1", models.AlertTemperature, &lo, &hi)
	require.NoError(t, h.loop.Call(context.Background(), func() { h.engine.Detach("s1") }))

	time.Sleep(3 * testOptions().Debounce)
	h.sync(t)
	assert.Equal(t, 0, h.conds.boundsCount())
	assert.Equal(t, before, h.sink.count())
}

func TestDefaultBounds(t *testing.T) {
	lo, hi := DefaultBounds(models.AlertSignal)
	assert.Equal(t, -105.0, *lo)
	assert.Equal(t, 0.0, *hi)

	lo, hi = DefaultBounds(models.AlertMovement)
	assert.Nil(t, lo)
	assert.Nil(t, hi)
}

func TestOptions_Defaults(t *testing.T) {
	o := Options{CloudUnseenDefault: time.Minute}.withDefaults()
	assert.Equal(t, 300*time.Millisecond, o.Debounce)
	assert.Equal(t, 120*time.Second, o.CloudUnseenDefault)
	assert.Equal(t, 5*time.Second, o.MuteRefreshInterval)
}
