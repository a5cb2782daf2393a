package httpapi

import (
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const apiPrefix = "/snapshot/api/v1"

// Router 使用标准库 http.ServeMux
type Router struct {
	mux    *http.ServeMux
	logger *zap.Logger
}

func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		mux:    http.NewServeMux(),
		logger: logger,
	}
}

func (r *Router) Handle(pattern string, h http.HandlerFunc) {
	r.mux.HandleFunc(pattern, h)
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	start := time.Now()
	r.mux.ServeHTTP(w, req)
	if !strings.HasSuffix(req.URL.Path, "/ws") {
		r.logger.Debug("HTTP request",
			zap.String("method", req.Method),
			zap.String("path", req.URL.Path),
			zap.Duration("duration", time.Since(start)),
		)
	}
}

// RegisterSnapshotRoutes 注册快照相关路由
func (r *Router) RegisterSnapshotRoutes(h *SnapshotHandler) {
	r.Handle("/health", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, Ok(map[string]any{"status": "ok"}))
	})

	r.Handle(apiPrefix+"/snapshots", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		h.ListSnapshots(w, req)
	})
	r.Handle(apiPrefix+"/snapshots/reorder", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		h.Reorder(w, req)
	})
	r.Handle(apiPrefix+"/snapshots/export", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		h.Export(w, req)
	})
	// snapshots/{id}
	r.Handle(apiPrefix+"/snapshots/", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		id := strings.TrimPrefix(req.URL.Path, apiPrefix+"/snapshots/")
		if id == "" || strings.Contains(id, "/") {
			writeJSON(w, http.StatusNotFound, Fail("not found"))
			return
		}
		h.GetSnapshot(w, req, id)
	})
	// sensors/{id}
	r.Handle(apiPrefix+"/sensors/", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		id := strings.TrimPrefix(req.URL.Path, apiPrefix+"/sensors/")
		if id == "" || strings.Contains(id, "/") {
			writeJSON(w, http.StatusNotFound, Fail("not found"))
			return
		}
		h.GetSensor(w, req, id)
	})
	// alerts/{sensorID}/unseen 与 alerts/{sensorID}/{type}/{action}
	r.Handle(apiPrefix+"/alerts/", func(w http.ResponseWriter, req *http.Request) {
		parts := strings.Split(strings.TrimPrefix(req.URL.Path, apiPrefix+"/alerts/"), "/")
		switch {
		case len(parts) == 2 && parts[0] != "" && parts[1] == "unseen":
			if req.Method != http.MethodPost {
				methodNotAllowed(w)
				return
			}
			h.SetUnseen(w, req, parts[0])
		case len(parts) == 3 && parts[0] != "" && parts[1] != "":
			h.AlertAction(w, req, parts[0], parts[1], parts[2])
		default:
			writeJSON(w, http.StatusNotFound, Fail("not found"))
		}
	})
	// connections/{id}/keep
	r.Handle(apiPrefix+"/connections/", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		rest := strings.TrimPrefix(req.URL.Path, apiPrefix+"/connections/")
		id, action, ok := strings.Cut(rest, "/")
		if !ok || id == "" || action != "keep" {
			writeJSON(w, http.StatusNotFound, Fail("not found"))
			return
		}
		h.KeepConnection(w, req, id)
	})
	r.Handle(apiPrefix+"/sync/now", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		h.SyncNow(w, req)
	})
	r.Handle(apiPrefix+"/sync/all", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		h.SyncAll(w, req)
	})
	r.Handle(apiPrefix+"/units", func(w http.ResponseWriter, req *http.Request) {
		switch req.Method {
		case http.MethodGet:
			h.GetUnits(w, req)
		case http.MethodPut:
			h.SetUnits(w, req)
		default:
			methodNotAllowed(w)
		}
	})
	r.Handle(apiPrefix+"/records", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		h.IngestRecord(w, req)
	})
}

// RegisterWebsocket 注册事件推送 websocket
func (r *Router) RegisterWebsocket(hub *Hub) {
	r.Handle(apiPrefix+"/ws", hub.ServeWS)
}
