package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"wisefido-snapshot/internal/coordinator"
	"wisefido-snapshot/internal/models"
	"wisefido-snapshot/internal/units"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeBackend struct {
	mu        sync.Mutex
	snapshots []*models.Snapshot
	sensors   map[string]models.Sensor
	prefs     units.Preferences
	syncErr   error
	keepErr   error
	calls     []string
}

func newFakeBackend(sensors ...models.Sensor) *fakeBackend {
	b := &fakeBackend{sensors: make(map[string]models.Sensor), prefs: units.DefaultPreferences()}
	for _, s := range sensors {
		b.snapshots = append(b.snapshots, models.NewSnapshot(s))
		b.sensors[s.ID] = s
	}
	return b
}

func (b *fakeBackend) record(format string, args ...any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, fmt.Sprintf(format, args...))
}

func (b *fakeBackend) AllSnapshots() []*models.Snapshot { return b.snapshots }

func (b *fakeBackend) Snapshot(id string) (*models.Snapshot, bool) {
	for _, s := range b.snapshots {
		if s.ID() == id {
			return s, true
		}
	}
	return nil, false
}

func (b *fakeBackend) Sensor(id string) (models.Sensor, bool) {
	s, ok := b.sensors[id]
	return s, ok
}

func (b *fakeBackend) ReorderSnapshots(ids []string) { b.record("reorder %v", ids) }

func (b *fakeBackend) SyncNow(ctx context.Context) error { return b.syncErr }

func (b *fakeBackend) SyncAll(ctx context.Context) error { return b.syncErr }

func (b *fakeBackend) SetKeepConnection(ctx context.Context, id string, keep bool) error {
	b.record("keep %s %v", id, keep)
	return b.keepErr
}

func (b *fakeBackend) SetUnitPreferences(p units.Preferences) bool {
	changed := p != b.prefs
	b.prefs = p
	return changed
}

func (b *fakeBackend) UnitPreferences() units.Preferences { return b.prefs }

func (b *fakeBackend) SetAlertState(id string, t models.AlertType, active bool) {
	b.record("state %s %s %v", id, t, active)
}

func (b *fakeBackend) SetAlertBounds(id string, t models.AlertType, lower, upper *float64) {
	b.record("bounds %s %s %v %v", id, t, *lower, *upper)
}

func (b *fakeBackend) SetAlertDescription(id string, t models.AlertType, d string) {
	b.record("description %s %s %s", id, t, d)
}

func (b *fakeBackend) SetUnseenDuration(id string, d time.Duration) { b.record("unseen %s %s", id, d) }

func (b *fakeBackend) MuteAlert(id string, t models.AlertType, till time.Time) {
	b.record("mute %s %s %s", id, t, till.UTC().Format(time.RFC3339))
}

func (b *fakeBackend) UnmuteAlert(id string, t models.AlertType) { b.record("unmute %s %s", id, t) }

type fakePublisher struct {
	records []models.Record
}

func (p *fakePublisher) PublishRecord(ctx context.Context, rec models.Record) error {
	p.records = append(p.records, rec)
	return nil
}

func setupRouter(b *fakeBackend, pub RecordPublisher) *Router {
	r := NewRouter(zap.NewNop())
	r.RegisterSnapshotRoutes(NewSnapshotHandler(b, pub, zap.NewNop()))
	return r
}

func do(t *testing.T, r http.Handler, method, path, body string) (*httptest.ResponseRecorder, Result[json.RawMessage]) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var res Result[json.RawMessage]
	if w.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	}
	return w, res
}

func TestListAndGetSnapshots(t *testing.T) {
	b := newFakeBackend(models.Sensor{ID: "s-1", Name: "Kitchen"}, models.Sensor{ID: "s-2", Name: "Garage"})
	r := setupRouter(b, nil)

	w, res := do(t, r, http.MethodGet, apiPrefix+"/snapshots", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, ResultSuccess, res.Code)
	var list struct {
		Items []models.SnapshotView `json:"items"`
		Total int                   `json:"total"`
	}
	require.NoError(t, json.Unmarshal(res.Result, &list))
	assert.Equal(t, 2, list.Total)
	assert.Equal(t, "Kitchen", list.Items[0].Display.Name)

	w, _ = do(t, r, http.MethodGet, apiPrefix+"/snapshots/s-2", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w, res = do(t, r, http.MethodGet, apiPrefix+"/snapshots/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, ResultError, res.Code)

	w, _ = do(t, r, http.MethodPost, apiPrefix+"/snapshots", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestGetSensor(t *testing.T) {
	r := setupRouter(newFakeBackend(models.Sensor{ID: "s-1", Name: "Kitchen", OwnerName: "alice"}), nil)

	w, res := do(t, r, http.MethodGet, apiPrefix+"/sensors/s-1", "")
	require.Equal(t, http.StatusOK, w.Code)
	var s models.Sensor
	require.NoError(t, json.Unmarshal(res.Result, &s))
	assert.Equal(t, "alice", s.OwnerName)
}

func TestAlertMutations(t *testing.T) {
	b := newFakeBackend(models.Sensor{ID: "s-1"})
	r := setupRouter(b, nil)

	w, _ := do(t, r, http.MethodPost, apiPrefix+"/alerts/s-1/temperature/state", `{"active":true}`)
	assert.Equal(t, http.StatusOK, w.Code)
	w, _ = do(t, r, http.MethodPost, apiPrefix+"/alerts/s-1/temperature/bounds", `{"lower":-5,"upper":30}`)
	assert.Equal(t, http.StatusOK, w.Code)
	w, _ = do(t, r, http.MethodPost, apiPrefix+"/alerts/s-1/temperature/description", `{"description":"freezer"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	w, _ = do(t, r, http.MethodPost, apiPrefix+"/alerts/s-1/temperature/mute", `{"till":"2026-08-01T10:00:00Z"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	w, _ = do(t, r, http.MethodDelete, apiPrefix+"/alerts/s-1/temperature/mute", "")
	assert.Equal(t, http.StatusOK, w.Code)
	w, _ = do(t, r, http.MethodPost, apiPrefix+"/alerts/s-1/unseen", `{"seconds":300}`)
	assert.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, []string{
		"state s-1 temperature true",
		"bounds s-1 temperature -5 30",
		"description s-1 temperature freezer",
		"mute s-1 temperature 2026-08-01T10:00:00Z",
		"unmute s-1 temperature",
		"unseen s-1 5m0s",
	}, b.calls)
}

func TestAlertMutations_Rejected(t *testing.T) {
	b := newFakeBackend(models.Sensor{ID: "s-1"})
	r := setupRouter(b, nil)

	w, _ := do(t, r, http.MethodPost, apiPrefix+"/alerts/s-1/temperature/bounds", `{"lower":40,"upper":30}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w, _ = do(t, r, http.MethodPost, apiPrefix+"/alerts/s-1/humidity/state", `{"active":true}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w, _ = do(t, r, http.MethodPost, apiPrefix+"/alerts/s-9/temperature/state", `{"active":true}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w, _ = do(t, r, http.MethodPost, apiPrefix+"/alerts/s-1/temperature/mute", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w, _ = do(t, r, http.MethodGet, apiPrefix+"/alerts/s-1/temperature/state", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	w, _ = do(t, r, http.MethodPost, apiPrefix+"/alerts/s-1/unseen", `{"seconds":0}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	assert.Empty(t, b.calls)
}

func TestReorderAndKeepConnection(t *testing.T) {
	b := newFakeBackend(models.Sensor{ID: "s-1"}, models.Sensor{ID: "s-2"})
	r := setupRouter(b, nil)

	w, _ := do(t, r, http.MethodPost, apiPrefix+"/snapshots/reorder", `{"ids":["s-2","s-1"]}`)
	assert.Equal(t, http.StatusOK, w.Code)
	w, _ = do(t, r, http.MethodPost, apiPrefix+"/connections/s-1/keep", `{"keep":true}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"reorder [s-2 s-1]", "keep s-1 true"}, b.calls)

	b.keepErr = errors.New("gateway offline")
	w, res := do(t, r, http.MethodPost, apiPrefix+"/connections/s-1/keep", `{"keep":false}`)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, "gateway offline", res.Message)
}

func TestSyncErrors(t *testing.T) {
	b := newFakeBackend()
	r := setupRouter(b, nil)

	w, _ := do(t, r, http.MethodPost, apiPrefix+"/sync/now", "")
	assert.Equal(t, http.StatusOK, w.Code)

	b.syncErr = coordinator.ErrCloudUnavailable
	w, _ = do(t, r, http.MethodPost, apiPrefix+"/sync/all", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	b.syncErr = errors.New("sync all: timeout")
	w, _ = do(t, r, http.MethodPost, apiPrefix+"/sync/all", "")
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestUnits(t *testing.T) {
	b := newFakeBackend()
	r := setupRouter(b, nil)

	w, res := do(t, r, http.MethodPut, apiPrefix+"/units", `{"temperature":"f"}`)
	require.Equal(t, http.StatusOK, w.Code)
	var out struct {
		Changed     bool              `json:"changed"`
		Preferences units.Preferences `json:"preferences"`
	}
	require.NoError(t, json.Unmarshal(res.Result, &out))
	assert.True(t, out.Changed)
	assert.Equal(t, models.UnitFahrenheit, out.Preferences.Temperature)
	assert.Equal(t, models.UnitHectopascal, out.Preferences.Pressure)

	w, res = do(t, r, http.MethodGet, apiPrefix+"/units", "")
	require.Equal(t, http.StatusOK, w.Code)
	var prefs units.Preferences
	require.NoError(t, json.Unmarshal(res.Result, &prefs))
	assert.Equal(t, models.UnitFahrenheit, prefs.Temperature)
}

func TestExport(t *testing.T) {
	r := setupRouter(newFakeBackend(models.Sensor{ID: "s-1", Name: "Kitchen"}), nil)

	req := httptest.NewRequest(http.MethodGet, apiPrefix+"/snapshots/export", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "spreadsheetml")
	assert.Contains(t, w.Header().Get("Content-Disposition"), ".xlsx")
	assert.Equal(t, []byte("PK"), w.Body.Bytes()[:2])
}

func TestIngestRecord(t *testing.T) {
	pub := &fakePublisher{}
	r := setupRouter(newFakeBackend(), pub)

	w, _ := do(t, r, http.MethodPost, apiPrefix+"/records", `{"sensor_id":"s-1","temperature":21.5}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	require.Len(t, pub.records, 1)
	assert.Equal(t, "s-1", pub.records[0].SensorID)
	assert.False(t, pub.records[0].Date.IsZero())

	w, _ = do(t, r, http.MethodPost, apiPrefix+"/records", `{"temperature":21.5}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = do(t, setupRouter(newFakeBackend(), nil), http.MethodPost, apiPrefix+"/records", `{"sensor_id":"s-1"}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
