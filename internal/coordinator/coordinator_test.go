package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"wisefido-snapshot/internal/dispatch"
	"wisefido-snapshot/internal/models"
	"wisefido-snapshot/internal/units"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeData struct {
	mu    sync.Mutex
	snaps []*models.Snapshot
	order []string
	sink  models.EventSink
}

func (f *fakeData) SetSink(s models.EventSink) { f.sink = s }
func (f *fakeData) Start(ctx context.Context) {}
func (f *fakeData) Stop() {}

func (f *fakeData) Snapshots() []*models.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*models.Snapshot(nil), f.snaps...)
}

func (f *fakeData) Snapshot(id string) (*models.Snapshot, bool) {
	for _, s := range f.Snapshots() {
		if s.ID() == id {
			return s, true
		}
	}
	return nil, false
}

func (f *fakeData) Sensor(id string) (models.Sensor, bool) {
	if s, ok := f.Snapshot(id); ok {
		return models.Sensor{ID: id, Name: s.Display().Name}, true
	}
	return models.Sensor{}, false
}

func (f *fakeData) ReorderSnapshots(ids []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.order = append([]string(nil), ids...)
}

func (f *fakeData) set(snaps ...*models.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snaps = snaps
}

type fakeAlerts struct {
	mu      sync.Mutex
	refresh []bool
	push    []models.PushStatus
	mutes   []string
	firing  []string
}

func (f *fakeAlerts) SetSink(models.EventSink) {}
func (f *fakeAlerts) Start(ctx context.Context) {}
func (f *fakeAlerts) Stop() {}

func (f *fakeAlerts) SetMuteRefresh(active bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refresh = append(f.refresh, active)
}

func (f *fakeAlerts) SetPushStatus(status models.PushStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.push = append(f.push, status)
}

func (f *fakeAlerts) SetAlertState(string, models.AlertType, bool) {}
func (f *fakeAlerts) SetAlertBounds(string, models.AlertType, *float64, *float64) {}
func (f *fakeAlerts) SetAlertDescription(string, models.AlertType, string) {}
func (f *fakeAlerts) SetUnseenDuration(string, time.Duration) {}

func (f *fakeAlerts) MuteAlert(id string, t models.AlertType, till time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mutes = append(f.mutes, id+"/"+string(t))
}

func (f *fakeAlerts) UnmuteAlert(string, models.AlertType) {}

func (f *fakeAlerts) RefreshFiring(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.firing = append(f.firing, id)
}

func (f *fakeAlerts) refreshCalls() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bool(nil), f.refresh...)
}

type fakeCloud struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeCloud) SyncNow(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "now")
	return nil
}

func (f *fakeCloud) SyncAll(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "all")
	return errors.New("offline")
}

type fakePush struct {
	mu         sync.Mutex
	status     models.PushStatus
	registered int
}

func (f *fakePush) Status(ctx context.Context) (models.PushStatus, error) {
	return f.status, nil
}

func (f *fakePush) Register(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered++
	return nil
}

// recorder 观察者，记录收到的事件
type recorder struct {
	mu     sync.Mutex
	events []models.Event
	dead   bool
}

func (r *recorder) OnEvent(e models.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) Alive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.dead
}

func (r *recorder) all() []models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Event(nil), r.events...)
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

type harness struct {
	loop   *dispatch.Loop
	data   *fakeData
	alerts *fakeAlerts
	cloud  *fakeCloud
	push   *fakePush
	coord  *Coordinator
}

func newHarness(t *testing.T) *harness {
	loop := dispatch.New(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)

	h := &harness{
		loop:   loop,
		data:   &fakeData{},
		alerts: &fakeAlerts{},
		cloud:  &fakeCloud{},
		push:   &fakePush{status: models.PushUndetermined},
	}
	h.coord = New(loop, h.data, h.alerts, nil, h.cloud, h.push,
		units.NewService(units.DefaultPreferences(), zap.NewNop()),
		Options{SweepInterval: 20 * time.Millisecond}, zap.NewNop())

	t.Cleanup(func() {
		h.coord.Stop()
		cancel()
		<-loop.Done()
	})
	return h
}

func (h *harness) emit(t *testing.T, e models.Event) {
	require.NoError(t, h.loop.Call(context.Background(), func() { h.coord.Emit(e) }))
}

func snap(id, name string) *models.Snapshot {
	return models.NewSnapshot(models.Sensor{ID: id, Name: name, Version: 5})
}

func TestClassify(t *testing.T) {
	a, b, c, d := snap("A", "a"), snap("B", "b"), snap("C", "c"), snap("D", "d")
	base := captureList([]*models.Snapshot{a, b, c})

	tests := []struct {
		name string
		next []*models.Snapshot
		want models.ListChange
	}{
		{"unchanged", []*models.Snapshot{a, b, c}, models.ListChangeNone},
		{"reorder", []*models.Snapshot{c, a, b}, models.ListChangeReorder},
		{"insert", []*models.Snapshot{a, d, b, c}, models.ListChangeInsert},
		{"delete", []*models.Snapshot{a, c}, models.ListChangeDelete},
		{"insert and delete", []*models.Snapshot{a, b, d}, models.ListChangeMixed},
		{"delete and reorder", []*models.Snapshot{c, a}, models.ListChangeMixed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := classify(base, captureList(tt.next))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestClassify_UpdateByFingerprint(t *testing.T) {
	a, b := snap("A", "a"), snap("B", "b")
	prev := captureList([]*models.Snapshot{a, b})

	a.UpdateDisplay(func(d *models.DisplayData) { d.Name = "renamed" })
	change, diff := classify(prev, captureList([]*models.Snapshot{a, b}))
	assert.Equal(t, models.ListChangeUpdate, change)
	assert.Equal(t, []string{"A"}, diff.updated)

	// 指标值不在浅比较字段内
	b.UpdateDisplay(func(d *models.DisplayData) { d.Indicators = []models.Indicator{{Value: "1"}} })
	prev = captureList([]*models.Snapshot{a, b})
	change, _ = classify(prev, captureList([]*models.Snapshot{a, b}))
	assert.Equal(t, models.ListChangeNone, change)
}

func TestCoordinator_ReorderDetected(t *testing.T) {
	h := newHarness(t)
	a, b, c := snap("A", "a"), snap("B", "b"), snap("C", "c")
	h.data.set(a, b, c)
	rec := &recorder{}
	h.coord.Subscribe(rec)

	h.coord.Start(context.Background())
	require.NoError(t, h.loop.Sync(context.Background()))
	events := rec.all()
	require.NotEmpty(t, events)
	assert.Equal(t, models.ListChangeInitial, events[0].Change)
	assert.Equal(t, []string{"A", "B", "C"}, events[0].IDs)
	rec.reset()

	h.data.set(c, a, b)
	h.emit(t, models.Event{Kind: models.EventSnapshotsUpdated})
	events = rec.all()
	require.Len(t, events, 1)
	assert.Equal(t, models.ListChangeReorder, events[0].Change)
	assert.Equal(t, []string{"C", "A", "B"}, events[0].IDs)
}

func TestCoordinator_UnchangedListSuppressed(t *testing.T) {
	h := newHarness(t)
	h.data.set(snap("A", "a"))
	rec := &recorder{}
	h.coord.Subscribe(rec)
	h.coord.Start(context.Background())
	require.NoError(t, h.loop.Sync(context.Background()))
	rec.reset()

	h.emit(t, models.Event{Kind: models.EventSnapshotsUpdated})
	assert.Empty(t, rec.all())
}

func TestCoordinator_SingleUpdateRefreshesFingerprint(t *testing.T) {
	h := newHarness(t)
	a := snap("A", "a")
	h.data.set(a, snap("B", "b"))
	rec := &recorder{}
	h.coord.Subscribe(rec)
	h.coord.Start(context.Background())
	require.NoError(t, h.loop.Sync(context.Background()))
	rec.reset()

	a.UpdateDisplay(func(d *models.DisplayData) { d.Name = "renamed" })
	h.emit(t, models.Event{Kind: models.EventSnapshotUpdated, SnapshotID: "A"})
	h.emit(t, models.Event{Kind: models.EventSnapshotsUpdated})

	events := rec.all()
	require.Len(t, events, 1)
	assert.Equal(t, models.EventSnapshotUpdated, events[0].Kind)
}

func TestCoordinator_InsertWithUpdateIsMixed(t *testing.T) {
	h := newHarness(t)
	a := snap("A", "a")
	h.data.set(a)
	rec := &recorder{}
	h.coord.Subscribe(rec)
	h.coord.Start(context.Background())
	require.NoError(t, h.loop.Sync(context.Background()))
	rec.reset()

	a.UpdateDisplay(func(d *models.DisplayData) { d.Background = "bg.png" })
	h.data.set(snap("N", "new"), a)
	h.emit(t, models.Event{Kind: models.EventSnapshotsUpdated})

	events := rec.all()
	require.Len(t, events, 1)
	assert.Equal(t, models.ListChangeMixed, events[0].Change)
	assert.Equal(t, []string{"N"}, events[0].Inserted)
	assert.Equal(t, []string{"A"}, events[0].Updated)
}

func TestCoordinator_DeliveryOrderAndPanicIsolation(t *testing.T) {
	h := newHarness(t)
	h.coord.Subscribe(ObserverFunc(func(e models.Event) { panic("boom") }))
	rec := &recorder{}
	h.coord.Subscribe(rec)

	for _, id := range []string{"1", "2", "3"} {
		h.emit(t, models.Event{Kind: models.EventConnectionChanged, SnapshotID: id})
	}
	var ids []string
	for _, e := range rec.all() {
		ids = append(ids, e.SnapshotID)
	}
	assert.Equal(t, []string{"1", "2", "3"}, ids)
}

func TestSubscription_Unsubscribe(t *testing.T) {
	h := newHarness(t)
	rec := &recorder{}
	sub := h.coord.Subscribe(rec)
	sub.SetMuteRefresh(true)
	sub.SetMuteRefresh(true)
	assert.Equal(t, []bool{true}, h.alerts.refreshCalls())

	sub.Unsubscribe()
	sub.Unsubscribe()
	assert.Equal(t, []bool{true, false}, h.alerts.refreshCalls())
	assert.Equal(t, 0, h.coord.ObserverCount())

	h.emit(t, models.Event{Kind: models.EventAlertsChanged})
	assert.Empty(t, rec.all())
}

func TestSweep_PurgesDeadObservers(t *testing.T) {
	h := newHarness(t)
	rec := &recorder{}
	sub := h.coord.Subscribe(rec)
	sub.SetMuteRefresh(true)
	h.coord.Subscribe(&recorder{})
	h.coord.Start(context.Background())

	rec.mu.Lock()
	rec.dead = true
	rec.mu.Unlock()

	require.Eventually(t, func() bool { return h.coord.ObserverCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []bool{true, false}, h.alerts.refreshCalls())
}

func TestConnectionChange_RefreshesFiring(t *testing.T) {
	h := newHarness(t)
	h.emit(t, models.Event{Kind: models.EventConnectionChanged, SnapshotID: "A"})
	h.emit(t, models.Event{Kind: models.EventSnapshotUpdated, SnapshotID: "A"})

	h.alerts.mu.Lock()
	defer h.alerts.mu.Unlock()
	assert.Equal(t, []string{"A"}, h.alerts.firing)
}

func TestCloudPassthrough(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.coord.SyncNow(context.Background()))
	assert.Error(t, h.coord.SyncAll(context.Background()))
	assert.Equal(t, []string{"now", "all"}, h.cloud.calls)

	h.coord.cloud = nil
	assert.ErrorIs(t, h.coord.SyncNow(context.Background()), ErrCloudUnavailable)
}

func TestPushStatus_RegistersWhenUndetermined(t *testing.T) {
	h := newHarness(t)
	h.coord.RefreshPushStatus(context.Background())
	assert.Equal(t, 1, h.push.registered)
	assert.Equal(t, []models.PushStatus{models.PushUndetermined}, h.alerts.push)
}

func TestPassthroughs(t *testing.T) {
	h := newHarness(t)
	h.coord.ReorderSnapshots([]string{"B", "A"})
	assert.Equal(t, []string{"B", "A"}, h.data.order)

	h.coord.MuteAlert("A", models.AlertTemperature, time.Now().Add(time.Hour))
	assert.Equal(t, []string{"A/temperature"}, h.alerts.mutes)

	prefs := units.DefaultPreferences()
	prefs.Pressure = models.UnitInchesHg
	assert.True(t, h.coord.SetUnitPreferences(prefs))
	assert.Equal(t, models.UnitInchesHg, h.coord.UnitPreferences().Pressure)

	assert.Error(t, h.coord.SetKeepConnection(context.Background(), "A", true))
}
