package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"clinicq/internal/assign"
	"clinicq/internal/bulkops"
	"clinicq/internal/clock"
	"clinicq/internal/metrics"
	"clinicq/internal/models"
	"clinicq/internal/store"
)

// Assigner runs the morning appointment conversion batch.
type Assigner interface {
	Run(ctx context.Context, day string) (assign.Summary, error)
}

// BulkController runs the force-majeure mass transitions.
type BulkController interface {
	MassReschedule(ctx context.Context, scopeIDs []string, day string) (bulkops.Summary, error)
	MassCancel(ctx context.Context, scopeIDs []string, day string) (bulkops.Summary, error)
}

type Handler struct {
	store     store.Store
	assigner  Assigner
	bulk      BulkController
	clk       clock.Clock
	collector *metrics.Collector
}

func NewHandler(st store.Store, assigner Assigner, bulk BulkController, clk clock.Clock, collector *metrics.Collector) *Handler {
	return &Handler{
		store:     st,
		assigner:  assigner,
		bulk:      bulk,
		clk:       clk,
		collector: collector,
	}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/api/entries", h.handleEntries)
	mux.HandleFunc("/api/entries/", h.handleEntryByID)
	mux.HandleFunc("/api/queues/state", h.handleQueueState)
	mux.HandleFunc("/api/queues/entries", h.handleQueueEntries)
	mux.HandleFunc("/api/queues/config", h.handleQueueConfig)
	mux.HandleFunc("/api/queues/mass-reschedule", h.handleMassReschedule)
	mux.HandleFunc("/api/queues/mass-cancel", h.handleMassCancel)
	mux.HandleFunc("/api/sessions", h.handleSessions)
	mux.HandleFunc("/api/sessions/", h.handleSessionByToken)
	mux.HandleFunc("/api/assignments/run", h.handleAssignmentRun)
	return mux
}

type errorResponse struct {
	Error responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type createEntryRequest struct {
	ScopeID   string `json:"scope_id"`
	Day       string `json:"day"`
	PatientID string `json:"patient_id"`
	Source    string `json:"source"`
}

func (h *Handler) handleEntries(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req createEntryRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	req.ScopeID = strings.TrimSpace(req.ScopeID)
	req.Day = strings.TrimSpace(req.Day)
	req.PatientID = strings.TrimSpace(req.PatientID)
	req.Source = strings.TrimSpace(req.Source)

	if req.ScopeID == "" || req.PatientID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "scope_id and patient_id are required")
		return
	}
	if req.Source == "" {
		req.Source = models.SourceDesk
	}
	// The morning batch is the only producer of assignment entries.
	if req.Source == models.SourceMorningAssignment || !models.ValidSource(req.Source) {
		writeError(w, http.StatusBadRequest, "invalid_request", "source must be desk or online")
		return
	}
	if req.Day == "" {
		req.Day = clock.Today(h.clk)
	} else if _, err := clock.ParseDay(req.Day); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "day must be formatted YYYY-MM-DD")
		return
	}

	entry, err := h.store.CreateEntry(r.Context(), store.CreateEntryInput{
		ScopeID:   req.ScopeID,
		Day:       req.Day,
		PatientID: req.PatientID,
		Source:    req.Source,
		QueueTime: h.clk.Now(),
	})
	if err != nil {
		if reason, ok := store.DeniedReason(err); ok {
			h.collector.AdmissionDeniedTotal.WithLabelValues(reason).Inc()
		}
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}

	h.collector.EntriesCreatedTotal.WithLabelValues(entry.Source).Inc()
	writeJSON(w, http.StatusCreated, entry)
}

func (h *Handler) handleEntryByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/entries/")
	parts := strings.Split(strings.Trim(path, "/"), "/")

	switch {
	case len(parts) == 1 && parts[0] != "":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleGetEntry(w, r, parts[0])
	case len(parts) == 3 && parts[1] == "actions":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if parts[2] == "reschedule" {
			h.handleRescheduleEntry(w, r, parts[0])
			return
		}
		h.handleEntryAction(w, r, parts[0], parts[2])
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleGetEntry(w http.ResponseWriter, r *http.Request, entryID string) {
	entry, err := h.store.GetEntry(r.Context(), entryID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

var urlActions = map[string]string{
	"call":     store.ActionCall,
	"start":    store.ActionStartServing,
	"complete": store.ActionComplete,
	"no-show":  store.ActionNoShow,
	"cancel":   store.ActionCancel,
}

func (h *Handler) handleEntryAction(w http.ResponseWriter, r *http.Request, entryID, urlAction string) {
	action, ok := urlActions[urlAction]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	entry, err := h.store.TransitionEntry(r.Context(), store.TransitionInput{
		EntryID:    entryID,
		Action:     action,
		OccurredAt: h.clk.Now(),
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

type rescheduleRequest struct {
	TargetDay string `json:"target_day"`
}

func (h *Handler) handleRescheduleEntry(w http.ResponseWriter, r *http.Request, entryID string) {
	var req rescheduleRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	// An empty body means "reschedule to the next working day".
	if err := decoder.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	targetDay := strings.TrimSpace(req.TargetDay)
	if targetDay == "" {
		next, err := clock.NextBusinessDay(clock.Today(h.clk))
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
			return
		}
		targetDay = next
	} else if _, err := clock.ParseDay(targetDay); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "target_day must be formatted YYYY-MM-DD")
		return
	}

	entry, err := h.store.RescheduleEntry(r.Context(), entryID, targetDay)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *Handler) handleQueueState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	scopeID, day, ok := h.queueParams(w, r)
	if !ok {
		return
	}
	state, err := h.store.GetQueueState(r.Context(), scopeID, day)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (h *Handler) handleQueueEntries(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	scopeID, day, ok := h.queueParams(w, r)
	if !ok {
		return
	}
	entries, err := h.store.ListActiveEntries(r.Context(), scopeID, day)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	if entries == nil {
		entries = []models.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) queueParams(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	scopeID := strings.TrimSpace(r.URL.Query().Get("scope_id"))
	day := strings.TrimSpace(r.URL.Query().Get("day"))
	if scopeID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "scope_id is required")
		return "", "", false
	}
	if day == "" {
		day = clock.Today(h.clk)
	} else if _, err := clock.ParseDay(day); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "day must be formatted YYYY-MM-DD")
		return "", "", false
	}
	return scopeID, day, true
}

type queueConfigRequest struct {
	ScopeID          string  `json:"scope_id"`
	Day              string  `json:"day"`
	OnlineStartTime  *string `json:"online_start_time"`
	OnlineEndTime    *string `json:"online_end_time"`
	MaxOnlineEntries *int    `json:"max_online_entries"`
	IsOpen           *bool   `json:"is_open"`
}

func (h *Handler) handleQueueConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req queueConfigRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	req.ScopeID = strings.TrimSpace(req.ScopeID)
	req.Day = strings.TrimSpace(req.Day)
	if req.ScopeID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "scope_id is required")
		return
	}
	if req.Day == "" {
		req.Day = clock.Today(h.clk)
	} else if _, err := clock.ParseDay(req.Day); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "day must be formatted YYYY-MM-DD")
		return
	}
	for _, value := range []*string{req.OnlineStartTime, req.OnlineEndTime} {
		if value == nil {
			continue
		}
		if _, err := clock.MinutesOfDay(*value); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "window times must be formatted HH:MM")
			return
		}
	}
	if req.MaxOnlineEntries != nil && *req.MaxOnlineEntries < 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "max_online_entries must not be negative")
		return
	}

	queue, err := h.store.SetQueueConfig(r.Context(), store.QueueConfigInput{
		ScopeID:          req.ScopeID,
		Day:              req.Day,
		OnlineStartTime:  req.OnlineStartTime,
		OnlineEndTime:    req.OnlineEndTime,
		MaxOnlineEntries: req.MaxOnlineEntries,
		IsOpen:           req.IsOpen,
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, queue)
}

type createSessionRequest struct {
	ScopeID string `json:"scope_id"`
	Day     string `json:"day"`
}

func (h *Handler) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req createSessionRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	req.ScopeID = strings.TrimSpace(req.ScopeID)
	req.Day = strings.TrimSpace(req.Day)
	if req.ScopeID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "scope_id is required")
		return
	}
	if req.Day == "" {
		req.Day = clock.Today(h.clk)
	} else if _, err := clock.ParseDay(req.Day); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "day must be formatted YYYY-MM-DD")
		return
	}

	session, err := h.store.CreateSession(r.Context(), req.ScopeID, req.Day)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	h.collector.SessionsCreatedTotal.Inc()
	writeJSON(w, http.StatusCreated, session)
}

type resolveSessionResponse struct {
	Session models.JoinSession `json:"session"`
	Queue   models.QueueState  `json:"queue"`
}

type commitSessionRequest struct {
	PatientID string `json:"patient_id"`
}

func (h *Handler) handleSessionByToken(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	parts := strings.Split(strings.Trim(path, "/"), "/")

	switch {
	case len(parts) == 1 && parts[0] != "":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleResolveSession(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "commit":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleCommitSession(w, r, parts[0])
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleResolveSession(w http.ResponseWriter, r *http.Request, token string) {
	session, state, err := h.store.ResolveSession(r.Context(), token)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, resolveSessionResponse{Session: session, Queue: state})
}

func (h *Handler) handleCommitSession(w http.ResponseWriter, r *http.Request, token string) {
	var req commitSessionRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	req.PatientID = strings.TrimSpace(req.PatientID)
	if req.PatientID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "patient_id is required")
		return
	}

	entry, err := h.store.CommitSession(r.Context(), store.CommitSessionInput{
		Token:     token,
		PatientID: req.PatientID,
	})
	if err != nil {
		if reason, ok := store.DeniedReason(err); ok {
			h.collector.AdmissionDeniedTotal.WithLabelValues(reason).Inc()
		}
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}

	h.collector.SessionsCommittedTotal.Inc()
	h.collector.EntriesCreatedTotal.WithLabelValues(entry.Source).Inc()
	writeJSON(w, http.StatusCreated, entry)
}

type assignmentRunRequest struct {
	Day string `json:"day"`
}

func (h *Handler) handleAssignmentRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req assignmentRunRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	// An empty body runs the batch for today.
	if err := decoder.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	req.Day = strings.TrimSpace(req.Day)
	if req.Day == "" {
		req.Day = clock.Today(h.clk)
	} else if _, err := clock.ParseDay(req.Day); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "day must be formatted YYYY-MM-DD")
		return
	}

	summary, err := h.assigner.Run(r.Context(), req.Day)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

type bulkRequest struct {
	ScopeIDs []string `json:"scope_ids"`
	Day      string   `json:"day"`
}

func (h *Handler) decodeBulkRequest(w http.ResponseWriter, r *http.Request) (bulkRequest, bool) {
	var req bulkRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return req, false
	}

	scopes := make([]string, 0, len(req.ScopeIDs))
	for _, scopeID := range req.ScopeIDs {
		if trimmed := strings.TrimSpace(scopeID); trimmed != "" {
			scopes = append(scopes, trimmed)
		}
	}
	req.ScopeIDs = scopes
	if len(req.ScopeIDs) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "scope_ids is required")
		return req, false
	}

	req.Day = strings.TrimSpace(req.Day)
	if req.Day == "" {
		req.Day = clock.Today(h.clk)
	} else if _, err := clock.ParseDay(req.Day); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "day must be formatted YYYY-MM-DD")
		return req, false
	}
	return req, true
}

func (h *Handler) handleMassReschedule(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	req, ok := h.decodeBulkRequest(w, r)
	if !ok {
		return
	}
	summary, err := h.bulk.MassReschedule(r.Context(), req.ScopeIDs, req.Day)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) handleMassCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	req, ok := h.decodeBulkRequest(w, r)
	if !ok {
		return
	}
	summary, err := h.bulk.MassCancel(r.Context(), req.ScopeIDs, req.Day)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func mapError(err error) (int, string, string) {
	if reason, ok := store.DeniedReason(err); ok {
		return http.StatusConflict, reason, "admission denied"
	}
	switch {
	case errors.Is(err, store.ErrSessionExpired):
		return http.StatusConflict, "SESSION_EXPIRED", "join session has expired"
	case errors.Is(err, store.ErrSessionUsed):
		return http.StatusConflict, "SESSION_ALREADY_USED", "join session was already used"
	case errors.Is(err, store.ErrSessionNotFound):
		return http.StatusNotFound, "session_not_found", "session not found"
	case errors.Is(err, store.ErrEntryNotFound):
		return http.StatusNotFound, "entry_not_found", "entry not found"
	case errors.Is(err, store.ErrInvalidState):
		return http.StatusConflict, "invalid_state", "entry state does not allow this action"
	case store.IsTransient(err):
		return http.StatusServiceUnavailable, "storage_busy", "storage is busy, retry the request"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
