package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"wisefido-snapshot/internal/coordinator"
	"wisefido-snapshot/internal/export"
	"wisefido-snapshot/internal/models"
	"wisefido-snapshot/internal/units"

	"go.uber.org/zap"
)

// Backend 快照服务门面
type Backend interface {
	AllSnapshots() []*models.Snapshot
	Snapshot(id string) (*models.Snapshot, bool)
	Sensor(id string) (models.Sensor, bool)
	ReorderSnapshots(orderedIDs []string)
	SyncNow(ctx context.Context) error
	SyncAll(ctx context.Context) error
	SetKeepConnection(ctx context.Context, sensorID string, keep bool) error
	SetUnitPreferences(p units.Preferences) bool
	UnitPreferences() units.Preferences
	SetAlertState(sensorID string, t models.AlertType, active bool)
	SetAlertBounds(sensorID string, t models.AlertType, lower, upper *float64)
	SetAlertDescription(sensorID string, t models.AlertType, description string)
	SetUnseenDuration(sensorID string, d time.Duration)
	MuteAlert(sensorID string, t models.AlertType, till time.Time)
	UnmuteAlert(sensorID string, t models.AlertType)
}

// RecordPublisher 记录写入流
type RecordPublisher interface {
	PublishRecord(ctx context.Context, rec models.Record) error
}

// SnapshotHandler 快照 HTTP 处理器
type SnapshotHandler struct {
	backend Backend
	records RecordPublisher
	logger  *zap.Logger
}

// NewSnapshotHandler records 可为 nil（不开放记录写入）
func NewSnapshotHandler(backend Backend, records RecordPublisher, logger *zap.Logger) *SnapshotHandler {
	return &SnapshotHandler{backend: backend, records: records, logger: logger}
}

func views(snapshots []*models.Snapshot) []models.SnapshotView {
	out := make([]models.SnapshotView, 0, len(snapshots))
	for _, s := range snapshots {
		out = append(out, s.View())
	}
	return out
}

func (h *SnapshotHandler) ListSnapshots(w http.ResponseWriter, r *http.Request) {
	list := views(h.backend.AllSnapshots())
	writeJSON(w, http.StatusOK, Ok(map[string]any{"items": list, "total": len(list)}))
}

func (h *SnapshotHandler) GetSnapshot(w http.ResponseWriter, r *http.Request, id string) {
	s, ok := h.backend.Snapshot(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, Fail("snapshot not found"))
		return
	}
	writeJSON(w, http.StatusOK, Ok(s.View()))
}

func (h *SnapshotHandler) GetSensor(w http.ResponseWriter, r *http.Request, id string) {
	sensor, ok := h.backend.Sensor(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, Fail("sensor not found"))
		return
	}
	writeJSON(w, http.StatusOK, Ok(sensor))
}

func (h *SnapshotHandler) Reorder(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IDs []string `json:"ids"`
	}
	if err := readBodyJSON(r, maxBodyBytes, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("invalid body"))
		return
	}
	h.backend.ReorderSnapshots(body.IDs)
	writeJSON(w, http.StatusOK, Ok[any](nil))
}

func (h *SnapshotHandler) Export(w http.ResponseWriter, r *http.Request) {
	data, err := export.Workbook(views(h.backend.AllSnapshots()))
	if err != nil {
		h.logger.Error("Failed to export snapshots", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("export failed"))
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="snapshots_`+time.Now().Format("20060102_150405")+`.xlsx"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// AlertAction alerts/{sensorID}/{type}/{state|bounds|description|mute}
func (h *SnapshotHandler) AlertAction(w http.ResponseWriter, r *http.Request, sensorID, typ, action string) {
	t := models.AlertType(typ)
	if !knownAlertType(t) {
		writeJSON(w, http.StatusBadRequest, Fail("unknown alert type"))
		return
	}
	if _, ok := h.backend.Snapshot(sensorID); !ok {
		writeJSON(w, http.StatusNotFound, Fail("snapshot not found"))
		return
	}

	switch {
	case action == "state" && r.Method == http.MethodPost:
		var body struct {
			Active bool `json:"active"`
		}
		if err := readBodyJSON(r, maxBodyBytes, &body); err != nil {
			writeJSON(w, http.StatusBadRequest, Fail("invalid body"))
			return
		}
		h.backend.SetAlertState(sensorID, t, body.Active)
	case action == "bounds" && r.Method == http.MethodPost:
		var body struct {
			Lower *float64 `json:"lower"`
			Upper *float64 `json:"upper"`
		}
		if err := readBodyJSON(r, maxBodyBytes, &body); err != nil {
			writeJSON(w, http.StatusBadRequest, Fail("invalid body"))
			return
		}
		if body.Lower != nil && body.Upper != nil && *body.Lower > *body.Upper {
			writeJSON(w, http.StatusBadRequest, Fail("lower bound exceeds upper bound"))
			return
		}
		h.backend.SetAlertBounds(sensorID, t, body.Lower, body.Upper)
	case action == "description" && r.Method == http.MethodPost:
		var body struct {
			Description string `json:"description"`
		}
		if err := readBodyJSON(r, maxBodyBytes, &body); err != nil {
			writeJSON(w, http.StatusBadRequest, Fail("invalid body"))
			return
		}
		h.backend.SetAlertDescription(sensorID, t, body.Description)
	case action == "mute" && r.Method == http.MethodPost:
		var body struct {
			Till time.Time `json:"till"`
		}
		if err := readBodyJSON(r, maxBodyBytes, &body); err != nil || body.Till.IsZero() {
			writeJSON(w, http.StatusBadRequest, Fail("invalid mute time"))
			return
		}
		h.backend.MuteAlert(sensorID, t, body.Till)
	case action == "mute" && r.Method == http.MethodDelete:
		h.backend.UnmuteAlert(sensorID, t)
	case action == "state" || action == "bounds" || action == "description" || action == "mute":
		methodNotAllowed(w)
		return
	default:
		writeJSON(w, http.StatusNotFound, Fail("not found"))
		return
	}
	writeJSON(w, http.StatusOK, Ok[any](nil))
}

func (h *SnapshotHandler) SetUnseen(w http.ResponseWriter, r *http.Request, sensorID string) {
	var body struct {
		Seconds int `json:"seconds"`
	}
	if err := readBodyJSON(r, maxBodyBytes, &body); err != nil || body.Seconds <= 0 {
		writeJSON(w, http.StatusBadRequest, Fail("invalid duration"))
		return
	}
	if _, ok := h.backend.Snapshot(sensorID); !ok {
		writeJSON(w, http.StatusNotFound, Fail("snapshot not found"))
		return
	}
	h.backend.SetUnseenDuration(sensorID, time.Duration(body.Seconds)*time.Second)
	writeJSON(w, http.StatusOK, Ok[any](nil))
}

func (h *SnapshotHandler) KeepConnection(w http.ResponseWriter, r *http.Request, sensorID string) {
	var body struct {
		Keep bool `json:"keep"`
	}
	if err := readBodyJSON(r, maxBodyBytes, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("invalid body"))
		return
	}
	if err := h.backend.SetKeepConnection(r.Context(), sensorID, body.Keep); err != nil {
		h.logger.Warn("Failed to set keep connection", zap.String("sensor_id", sensorID), zap.Error(err))
		writeJSON(w, http.StatusBadGateway, Fail(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, Ok[any](nil))
}

func (h *SnapshotHandler) SyncNow(w http.ResponseWriter, r *http.Request) {
	h.sync(w, h.backend.SyncNow(r.Context()))
}

func (h *SnapshotHandler) SyncAll(w http.ResponseWriter, r *http.Request) {
	h.sync(w, h.backend.SyncAll(r.Context()))
}

func (h *SnapshotHandler) sync(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, Ok[any](nil))
	case errors.Is(err, coordinator.ErrCloudUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, Fail(err.Error()))
	default:
		writeJSON(w, http.StatusBadGateway, Fail(err.Error()))
	}
}

func (h *SnapshotHandler) GetUnits(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Ok(h.backend.UnitPreferences()))
}

func (h *SnapshotHandler) SetUnits(w http.ResponseWriter, r *http.Request) {
	prefs := h.backend.UnitPreferences()
	if err := readBodyJSON(r, maxBodyBytes, &prefs); err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("invalid body"))
		return
	}
	changed := h.backend.SetUnitPreferences(prefs)
	writeJSON(w, http.StatusOK, Ok(map[string]any{"changed": changed, "preferences": h.backend.UnitPreferences()}))
}

func (h *SnapshotHandler) IngestRecord(w http.ResponseWriter, r *http.Request) {
	if h.records == nil {
		writeJSON(w, http.StatusServiceUnavailable, Fail("record ingest not configured"))
		return
	}
	var rec models.Record
	if err := readBodyJSON(r, maxBodyBytes, &rec); err != nil || rec.SensorID == "" {
		writeJSON(w, http.StatusBadRequest, Fail("invalid record"))
		return
	}
	if rec.Date.IsZero() {
		rec.Date = time.Now().UTC()
	}
	if err := h.records.PublishRecord(r.Context(), rec); err != nil {
		h.logger.Error("Failed to publish record", zap.String("sensor_id", rec.SensorID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("failed to publish record"))
		return
	}
	writeJSON(w, http.StatusAccepted, Ok[any](nil))
}

func knownAlertType(t models.AlertType) bool {
	if _, ok := t.Measurement(); ok {
		return true
	}
	for _, o := range models.NonMeasurementAlertTypes() {
		if o == t {
			return true
		}
	}
	return false
}
