package components

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/harunnryd/tablesync/internal/compute"
	"github.com/harunnryd/tablesync/internal/config"
	"github.com/harunnryd/tablesync/internal/dispatch"
	"github.com/harunnryd/tablesync/internal/engine"
	tserrors "github.com/harunnryd/tablesync/internal/errors"
	"github.com/harunnryd/tablesync/internal/logger"
	"github.com/harunnryd/tablesync/internal/scheduler"
	"github.com/harunnryd/tablesync/internal/status"
)

const sseKeepalive = 15 * time.Second

type responseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

type apiResponse struct {
	Data any          `json:"data"`
	Meta responseMeta `json:"meta"`
}

type apiErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiError struct {
	Error apiErrorDetail `json:"error"`
	Meta  responseMeta   `json:"meta"`
}

type fieldStatusView struct {
	FieldID   string       `json:"field_id"`
	State     status.State `json:"state"`
	Value     any          `json:"value,omitempty"`
	LastValue any          `json:"last_value,omitempty"`
	CachedAt  *time.Time   `json:"cached_at,omitempty"`
	Error     string       `json:"error,omitempty"`
	Watched   bool         `json:"watched"`
}

type recordStatusView struct {
	RecordID string            `json:"record_id"`
	Fields   []fieldStatusView `json:"fields"`
}

type fieldOutcomeView struct {
	FieldID         string `json:"field_id"`
	Success         bool   `json:"success"`
	Message         string `json:"message,omitempty"`
	CalculatedCount int    `json:"calculated_count"`
	Error           string `json:"error,omitempty"`
}

type dispatchView struct {
	RecordID     string             `json:"record_id"`
	AllSucceeded bool               `json:"all_succeeded"`
	Fields       []fieldOutcomeView `json:"fields"`
}

type dispatchRequest struct {
	FieldIDs []string `json:"field_ids"`
	Force    *bool    `json:"force,omitempty"`
}

type updateRecordRequest struct {
	Values          map[string]any `json:"values"`
	DerivedFieldIDs []string       `json:"derived_field_ids,omitempty"`
}

type updateRecordView struct {
	Record           compute.Record `json:"record"`
	RecomputedFields []string       `json:"recomputed_fields"`
	Dispatch         *dispatchView  `json:"dispatch,omitempty"`
}

type watchRequest struct {
	Interval string `json:"interval,omitempty"`
}

type watchView struct {
	SessionID string `json:"session_id"`
	RecordID  string `json:"record_id"`
	FieldID   string `json:"field_id"`
	Interval  string `json:"interval"`
}

type refreshRequest struct {
	RecordIDs []string `json:"record_ids"`
}

func (h *HTTPServerComponent) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status": "ok",
	}

	if h.daemon != nil {
		components := make(map[string]any)
		for name, ch := range h.daemon.ComponentHealth() {
			entry := map[string]any{"healthy": ch.Healthy}
			if ch.Error != nil {
				entry["error"] = ch.Error.Error()
			}
			components[name] = entry
		}
		resp["daemon"] = h.daemon.Health()
		resp["uptime_seconds"] = int(h.daemon.Uptime().Seconds())
		resp["components"] = components
	}
	if eng := h.engineComp.GetEngine(); eng != nil {
		resp["watching"] = len(eng.Monitor().Active())
	}

	writeJSON(w, r, http.StatusOK, resp)
}

func (h *HTTPServerComponent) handleRecordStatus(w http.ResponseWriter, r *http.Request) {
	eng, ok := h.engineOrUnavailable(w, r)
	if !ok {
		return
	}
	recordID := r.PathValue("record_id")
	writeJSON(w, r, http.StatusOK, recordStatus(eng, recordID))
}

func (h *HTTPServerComponent) handleRecordEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "internal_error", "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Long-lived stream; lift the server write deadline.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	ch := h.broker.Subscribe(r.PathValue("record_id"))
	defer h.broker.Unsubscribe(ch)

	keepalive := time.NewTicker(sseKeepalive)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case event, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(event); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (h *HTTPServerComponent) handleDispatch(w http.ResponseWriter, r *http.Request) {
	eng, ok := h.engineOrUnavailable(w, r)
	if !ok {
		return
	}

	var req dispatchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_input", "invalid request body: "+err.Error())
		return
	}
	force := eng.DefaultForce()
	if req.Force != nil {
		force = *req.Force
	}

	// The batch outlives a dropped connection; its results land in the store.
	res, err := eng.Dispatch(context.WithoutCancel(r.Context()), r.PathValue("record_id"), req.FieldIDs, force)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, newDispatchView(res))
}

func (h *HTTPServerComponent) handleUpdateRecord(w http.ResponseWriter, r *http.Request) {
	eng, ok := h.engineOrUnavailable(w, r)
	if !ok {
		return
	}

	var req updateRecordRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_input", "invalid request body: "+err.Error())
		return
	}
	if len(req.Values) == 0 {
		writeError(w, r, http.StatusBadRequest, "invalid_input", "values are required")
		return
	}

	res, err := eng.EditAndRefresh(context.WithoutCancel(r.Context()), r.PathValue("record_id"), req.Values, req.DerivedFieldIDs)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, newUpdateRecordView(res))
}

func (h *HTTPServerComponent) handleWatch(w http.ResponseWriter, r *http.Request) {
	eng, ok := h.engineOrUnavailable(w, r)
	if !ok {
		return
	}

	var req watchRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, r, http.StatusBadRequest, "invalid_input", "invalid request body: "+err.Error())
		return
	}
	interval, err := config.DurationOrDefault(req.Interval, "0s")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_input", "invalid interval: "+err.Error())
		return
	}

	key := status.Key(r.PathValue("record_id"), r.PathValue("field_id"))
	session, err := eng.Watch(key, interval)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	logger.FromContext(r.Context()).Info("Watch started", "key", key.String(), "session_id", session.ID)
	writeJSON(w, r, http.StatusAccepted, watchView{
		SessionID: session.ID,
		RecordID:  key.RecordID,
		FieldID:   key.FieldID,
		Interval:  session.Interval.String(),
	})
}

func (h *HTTPServerComponent) handleUnwatch(w http.ResponseWriter, r *http.Request) {
	eng, ok := h.engineOrUnavailable(w, r)
	if !ok {
		return
	}

	key := status.Key(r.PathValue("record_id"), r.PathValue("field_id"))
	if !eng.Unwatch(key) {
		writeError(w, r, http.StatusNotFound, "not_found", "no active watch for "+key.String())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTPServerComponent) handleRefresh(w http.ResponseWriter, r *http.Request) {
	eng, ok := h.engineOrUnavailable(w, r)
	if !ok {
		return
	}

	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_input", "invalid request body: "+err.Error())
		return
	}
	if len(req.RecordIDs) == 0 {
		writeError(w, r, http.StatusBadRequest, "invalid_input", "record_ids are required")
		return
	}

	res, err := eng.RefreshRecords(context.WithoutCancel(r.Context()), req.RecordIDs)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, res)
}

func (h *HTTPServerComponent) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, ok := h.jobsOrUnavailable(w, r)
	if !ok {
		return
	}
	list, err := jobs.LoadJobs()
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, list)
}

func (h *HTTPServerComponent) handleAddJob(w http.ResponseWriter, r *http.Request) {
	jobs, ok := h.jobsOrUnavailable(w, r)
	if !ok {
		return
	}

	var job scheduler.Job
	if err := decodeJSON(r, &job); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_input", "invalid request body: "+err.Error())
		return
	}
	stored, err := jobs.Add(&job)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, stored)
}

func (h *HTTPServerComponent) handleRemoveJob(w http.ResponseWriter, r *http.Request) {
	jobs, ok := h.jobsOrUnavailable(w, r)
	if !ok {
		return
	}
	if err := jobs.Remove(r.PathValue("job_id")); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTPServerComponent) engineOrUnavailable(w http.ResponseWriter, r *http.Request) (*engine.Engine, bool) {
	eng := h.engineComp.GetEngine()
	if eng == nil {
		writeError(w, r, http.StatusServiceUnavailable, "unavailable", "engine not running")
		return nil, false
	}
	return eng, true
}

func (h *HTTPServerComponent) jobsOrUnavailable(w http.ResponseWriter, r *http.Request) (*scheduler.Store, bool) {
	if h.schedComp == nil || h.schedComp.GetScheduler() == nil {
		writeError(w, r, http.StatusServiceUnavailable, "unavailable", "scheduler not running")
		return nil, false
	}
	return h.schedComp.GetScheduler().Store(), true
}

func recordStatus(eng *engine.Engine, recordID string) recordStatusView {
	store := eng.Store()
	fields := store.Record(recordID)

	fieldIDs := make([]string, 0, len(fields))
	for fieldID := range fields {
		fieldIDs = append(fieldIDs, fieldID)
	}
	sort.Strings(fieldIDs)

	view := recordStatusView{RecordID: recordID, Fields: make([]fieldStatusView, 0, len(fieldIDs))}
	for _, fieldID := range fieldIDs {
		st := fields[fieldID]
		key := status.Key(recordID, fieldID)
		fv := fieldStatusView{
			FieldID: fieldID,
			State:   st.State,
			Value:   st.Value,
			Error:   st.Error,
		}
		if last, ok := store.Value(key); ok {
			fv.LastValue = last
		}
		if !st.CachedAt.IsZero() {
			at := st.CachedAt
			fv.CachedAt = &at
		}
		_, fv.Watched = eng.Monitor().Session(key)
		view.Fields = append(view.Fields, fv)
	}
	return view
}

func newDispatchView(res *dispatch.Result) *dispatchView {
	if res == nil {
		return nil
	}
	view := &dispatchView{RecordID: res.RecordID, AllSucceeded: res.AllSucceeded}
	for _, key := range res.Keys {
		out := res.PerField[key]
		view.Fields = append(view.Fields, fieldOutcomeView{
			FieldID:         key.FieldID,
			Success:         out.Success,
			Message:         out.Message,
			CalculatedCount: out.CalculatedCount,
			Error:           out.ErrorMessage(),
		})
	}
	return view
}

func newUpdateRecordView(res *engine.EditResult) updateRecordView {
	view := updateRecordView{
		Record:           res.Updated.Record,
		RecomputedFields: res.Updated.RecomputedFields,
		Dispatch:         newDispatchView(res.Dispatch),
	}
	if view.RecomputedFields == nil {
		view.RecomputedFields = []string{}
	}
	return view
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiResponse{
		Data: data,
		Meta: responseMeta{
			RequestID: logger.GetRequestID(r.Context()),
			Timestamp: time.Now().UTC(),
		},
	})
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiError{
		Error: apiErrorDetail{Code: code, Message: message},
		Meta: responseMeta{
			RequestID: logger.GetRequestID(r.Context()),
			Timestamp: time.Now().UTC(),
		},
	})
}

// writeServiceError maps the error taxonomy onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, tserrors.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, "invalid_input", err.Error())
	case errors.Is(err, tserrors.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, tserrors.ErrRemote):
		writeError(w, r, http.StatusBadGateway, "remote_error", tserrors.UserMessage(err))
	case errors.Is(err, tserrors.ErrTransport):
		writeError(w, r, http.StatusGatewayTimeout, "transport_error", err.Error())
	default:
		logger.FromContext(r.Context()).Error("Request failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, "internal_error", strings.TrimSpace(err.Error()))
	}
}

func decodeJSON(r *http.Request, target any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}
