package queryapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/tripwire/udevd/internal/auditstore"
	"github.com/tripwire/udevd/internal/device"
)

// Server holds the dependencies needed by the query handlers.
type Server struct {
	devices DeviceStore
	history HistoryStore
}

// NewServer builds a Server. history may be nil, in which case the
// events and audit endpoints respond 503 — Postgres history is optional
// per the DOMAIN STACK (a deployment may run with only the SQLite state
// store and no durable history backend).
func NewServer(devices DeviceStore, history HistoryStore) *Server {
	return &Server{devices: devices, history: history}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleGetDevices responds to GET /api/v1/devices.
//
// Query parameters:
//
//	subsystem – exact match filter (optional)
//
// Returns the current device_state snapshot: every devpath whose most
// recent dispatch outcome was "ok".
func (s *Server) handleGetDevices(w http.ResponseWriter, r *http.Request) {
	subsystem := r.URL.Query().Get("subsystem")

	devices, err := s.devices.List(r.Context(), subsystem)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list devices")
		return
	}
	if devices == nil {
		devices = []*device.Device{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(devices)
}

// handleGetDevice responds to GET /api/v1/devices/{devpath}. devpath is
// taken from the URL path with any leading slash restored, since sysfs
// devpaths are themselves slash-separated and chi's router would
// otherwise only match the first path segment.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request, devpath string) {
	dev, err := s.devices.Get(r.Context(), devpath)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get device")
		return
	}
	if dev == nil {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(dev)
}

// handleGetEvents responds to GET /api/v1/events.
//
// Query parameters:
//
//	devpath – exact match filter (optional)
//	from    – RFC3339 start of the dispatched_at window (required)
//	to      – RFC3339 end of the dispatched_at window (required)
//	limit   – maximum number of results (default 100, max 1000)
//	offset  – pagination offset (default 0)
func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, "event history is not configured")
		return
	}

	q := r.URL.Query()
	from, to, ok := parseWindow(w, q)
	if !ok {
		return
	}

	eq := auditstore.EventQuery{From: from, To: to, Devpath: q.Get("devpath")}

	if limitStr := q.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "'limit' must be a positive integer")
			return
		}
		if limit > 1000 {
			limit = 1000
		}
		eq.Limit = limit
	}
	if offsetStr := q.Get("offset"); offsetStr != "" {
		offset, err := strconv.Atoi(offsetStr)
		if err != nil || offset < 0 {
			writeError(w, http.StatusBadRequest, "'offset' must be a non-negative integer")
			return
		}
		eq.Offset = offset
	}

	events, err := s.history.QueryEvents(r.Context(), eq)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to query events")
		return
	}
	if events == nil {
		events = []auditstore.EventRecord{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(events)
}

// handleGetAudit responds to GET /api/v1/audit.
//
// Query parameters:
//
//	from – RFC3339 start of the ts window (required)
//	to   – RFC3339 end of the ts window (required)
func (s *Server) handleGetAudit(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, "audit history is not configured")
		return
	}

	from, to, ok := parseWindow(w, r.URL.Query())
	if !ok {
		return
	}

	entries, err := s.history.QueryAuditEntries(r.Context(), from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to query audit entries")
		return
	}
	if entries == nil {
		entries = []auditstore.AuditRecord{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(entries)
}

func parseWindow(w http.ResponseWriter, q interface{ Get(string) string }) (from, to time.Time, ok bool) {
	fromStr, toStr := q.Get("from"), q.Get("to")
	if fromStr == "" || toStr == "" {
		writeError(w, http.StatusBadRequest, "query parameters 'from' and 'to' are required (RFC3339)")
		return
	}
	var err error
	from, err = time.Parse(time.RFC3339, fromStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "'from' must be a valid RFC3339 timestamp")
		return
	}
	to, err = time.Parse(time.RFC3339, toStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "'to' must be a valid RFC3339 timestamp")
		return
	}
	if !to.After(from) {
		writeError(w, http.StatusBadRequest, "'to' must be after 'from'")
		return
	}
	return from, to, true
}
