package handler

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/tbui-lab/occprobe/internal/adapter/storage"
	"github.com/tbui-lab/occprobe/internal/core/domain"
	"github.com/tbui-lab/occprobe/internal/core/service"
	"github.com/tbui-lab/occprobe/internal/port"
)

type HTTPHandler struct {
	store port.RecordStore
	lock  port.RunLocker
}

type RaceHTTPRequest struct {
	ID                 string `json:"id"`
	ExpectedVersion    int64  `json:"expected_version"`
	Isolation          string `json:"isolation"`
	HoldMillis         int64  `json:"hold_ms"`
	RollbackBeforeHold bool   `json:"rollback_before_hold"`
}

type WriterHTTPOutcome struct {
	Writer      string `json:"writer"`
	FirstCount  int64  `json:"first_count"`
	SecondCount int64  `json:"second_count"`
	Conflict    bool   `json:"conflict"`
	Error       string `json:"error,omitempty"`
}

type RaceHTTPResponse struct {
	Writers      []WriterHTTPOutcome `json:"writers"`
	FinalVersion int64               `json:"final_version"`
	Conflicts    int                 `json:"conflicts"`
}

type RecordHTTPResponse struct {
	ID      string `json:"id"`
	Version int64  `json:"version,omitempty"`
	Removed int64  `json:"removed,omitempty"`
}

type ErrorHTTPResponse struct {
	Message string `json:"message"`
}

func NewHTTPHandler(store port.RecordStore, lock port.RunLocker) *HTTPHandler {
	return &HTTPHandler{store: store, lock: lock}
}

func (h *HTTPHandler) Race(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req RaceHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorHTTPResponse{Message: "invalid request body"})
		return
	}

	id, err := uuid.Parse(req.ID)
	if err != nil || req.ExpectedVersion < 1 {
		writeJSON(w, http.StatusBadRequest, ErrorHTTPResponse{Message: "id must be a UUID and expected_version >= 1"})
		return
	}

	iso, err := domain.ParseIsolation(req.Isolation)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorHTTPResponse{Message: err.Error()})
		return
	}

	cfg := service.RaceConfig{
		Isolation:          iso,
		Hold:               time.Duration(req.HoldMillis) * time.Millisecond,
		RollbackBeforeHold: req.RollbackBeforeHold,
	}
	svc := service.NewRaceService(h.store, h.lock, cfg)

	result, err := svc.RunScenario(r.Context(), id, req.ExpectedVersion)
	if err != nil {
		status := http.StatusInternalServerError
		message := "internal error"

		if errors.Is(err, service.ErrRunInProgress) {
			status = http.StatusConflict
			message = "run already in progress for this key"
		} else if errors.Is(err, storage.ErrNotFound) {
			status = http.StatusNotFound
			message = "record not found"
		}

		writeJSON(w, status, ErrorHTTPResponse{Message: message})
		return
	}

	resp := RaceHTTPResponse{FinalVersion: result.FinalVersion}
	for _, wr := range result.Writers {
		out := WriterHTTPOutcome{
			Writer:      wr.Writer,
			FirstCount:  wr.FirstCount,
			SecondCount: wr.SecondCount,
			Conflict:    service.IsConflict(wr.Err),
		}
		if wr.Err != nil && !out.Conflict {
			out.Error = wr.Err.Error()
		}
		if out.Conflict {
			resp.Conflicts++
		}
		resp.Writers = append(resp.Writers, out)
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *HTTPHandler) Records(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.createRecord(w, r)
	case http.MethodGet:
		h.readRecord(w, r)
	case http.MethodDelete:
		h.deleteRecord(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *HTTPHandler) createRecord(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorHTTPResponse{Message: "invalid request body"})
		return
	}

	id, err := uuid.Parse(req.ID)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorHTTPResponse{Message: "id must be a UUID"})
		return
	}

	if err := h.store.CreateRecord(r.Context(), id, sql.LevelDefault); err != nil {
		if errors.Is(err, storage.ErrDuplicateKey) {
			writeJSON(w, http.StatusConflict, ErrorHTTPResponse{Message: "record already exists"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, ErrorHTTPResponse{Message: "internal error"})
		return
	}

	writeJSON(w, http.StatusCreated, RecordHTTPResponse{ID: id.String(), Version: 1})
}

func (h *HTTPHandler) readRecord(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.URL.Query().Get("id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorHTTPResponse{Message: "id must be a UUID"})
		return
	}

	rec, err := h.store.ReadRecord(r.Context(), id, sql.LevelDefault)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, ErrorHTTPResponse{Message: "record not found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, ErrorHTTPResponse{Message: "internal error"})
		return
	}

	writeJSON(w, http.StatusOK, RecordHTTPResponse{ID: rec.ID.String(), Version: rec.Version})
}

func (h *HTTPHandler) deleteRecord(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.URL.Query().Get("id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorHTTPResponse{Message: "id must be a UUID"})
		return
	}

	removed, err := h.store.DeleteRecord(r.Context(), id, sql.LevelDefault)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, ErrorHTTPResponse{Message: "internal error"})
		return
	}

	writeJSON(w, http.StatusOK, RecordHTTPResponse{ID: id.String(), Removed: removed})
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
