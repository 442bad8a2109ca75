package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jonboulle/clockwork"

	"github.com/mrwolf/anchor-server/internal/engine"
	"github.com/mrwolf/anchor-server/internal/models"
	"github.com/mrwolf/anchor-server/internal/notify"
	"github.com/mrwolf/anchor-server/internal/signals"
)

// Version is reported by the health endpoint
var Version = "1.0.0"

const defaultSignalRange = 7 * 24 * time.Hour

// ErrorResponse is the standard error response format
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, status int, message, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error: message,
		Code:  code,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Failed to encode response: %v", err)
	}
}

type Handlers struct {
	engine *engine.Engine
	clock  clockwork.Clock
}

func NewHandlers(eng *engine.Engine, clock clockwork.Clock) *Handlers {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Handlers{engine: eng, clock: clock}
}

// Health handles GET /health
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	resp := models.HealthResponse{
		Status:    "ok",
		Database:  "connected",
		Notifiers: h.engine.Notifications().NotifierName(),
		Version:   Version,
	}
	status := http.StatusOK
	if err := h.engine.Health(r.Context()); err != nil {
		resp.Status = "degraded"
		resp.Database = "error: " + err.Error()
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, status, resp)
}

// PostSignal handles POST /signals
func (h *Handlers) PostSignal(w http.ResponseWriter, r *http.Request) {
	var s models.SignalSnapshot
	if err := json.NewDecoder(r.Body).Decode(&s); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "INVALID_BODY")
		return
	}
	if s.Timestamp.IsZero() {
		s.Timestamp = h.clock.Now()
	}

	if err := h.engine.IngestSignal(r.Context(), s); err != nil {
		if errors.Is(err, models.ErrInvalidSignal) {
			writeError(w, http.StatusUnprocessableEntity, err.Error(), "INVALID_SIGNAL")
			return
		}
		log.Printf("Failed to ingest signal: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to store signal", "STORE_ERROR")
		return
	}

	writeJSON(w, http.StatusCreated, s)
}

// GetSignals handles GET /signals?from&to
func (h *Handlers) GetSignals(w http.ResponseWriter, r *http.Request) {
	to := h.clock.Now()
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "to must be RFC3339", "INVALID_RANGE")
			return
		}
		to = t
	}
	from := to.Add(-defaultSignalRange)
	if v := r.URL.Query().Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "from must be RFC3339", "INVALID_RANGE")
			return
		}
		from = t
	}
	if !from.Before(to) {
		writeError(w, http.StatusBadRequest, "from must be before to", "INVALID_RANGE")
		return
	}

	snaps, err := h.engine.Signals(r.Context(), from, to)
	if err != nil {
		log.Printf("Failed to query signals: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to query signals", "DB_ERROR")
		return
	}
	if snaps == nil {
		snaps = []models.SignalSnapshot{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"from":    from,
		"to":      to,
		"signals": snaps,
	})
}

// AssessmentResponse is returned by GET /assessment
type AssessmentResponse struct {
	Assessment       *models.RiskAssessment `json:"assessment"`
	Latest           *models.SignalSnapshot `json:"latest"`
	ActiveWindow     *models.TriggerPattern `json:"active_window,omitempty"`
	InsufficientData bool                   `json:"insufficient_data"`
	Stale            bool                   `json:"stale"`
}

// Assessment handles GET /assessment
func (h *Handlers) Assessment(w http.ResponseWriter, r *http.Request) {
	insight, err := h.engine.Analyze(r.Context())
	if err != nil {
		log.Printf("Failed to analyze: %v", err)
		writeError(w, http.StatusInternalServerError, "analysis failed", "ANALYSIS_ERROR")
		return
	}
	if insight.Latest == nil {
		writeError(w, http.StatusNotFound, "no signals recorded yet", "NO_SIGNALS")
		return
	}

	writeJSON(w, http.StatusOK, AssessmentResponse{
		Assessment:       insight.Assessment,
		Latest:           insight.Latest,
		ActiveWindow:     insight.ActiveWindow,
		InsufficientData: insight.InsufficientData,
		Stale:            insight.Stale,
	})
}

// PatternsResponse is returned by GET /patterns
type PatternsResponse struct {
	Patterns         []models.TriggerPattern `json:"patterns"`
	Summary          models.EmotionalSummary `json:"summary"`
	Streak           signals.Streak          `json:"streak"`
	InsufficientData bool                    `json:"insufficient_data"`
}

// Patterns handles GET /patterns
func (h *Handlers) Patterns(w http.ResponseWriter, r *http.Request) {
	insight, err := h.engine.Analyze(r.Context())
	if err != nil {
		log.Printf("Failed to analyze: %v", err)
		writeError(w, http.StatusInternalServerError, "analysis failed", "ANALYSIS_ERROR")
		return
	}

	patterns := insight.Patterns
	if patterns == nil {
		patterns = []models.TriggerPattern{}
	}
	writeJSON(w, http.StatusOK, PatternsResponse{
		Patterns:         patterns,
		Summary:          insight.Summary,
		Streak:           insight.Streak,
		InsufficientData: insight.InsufficientData,
	})
}

// Recommendations handles GET /recommendations?minutes=N&limit=N
func (h *Handlers) Recommendations(w http.ResponseWriter, r *http.Request) {
	minutes, ok := queryInt(w, r, "minutes")
	if !ok {
		return
	}
	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}

	recs, insight, err := h.engine.Recommend(r.Context(), minutes, limit)
	if err != nil {
		log.Printf("Failed to rank recommendations: %v", err)
		writeError(w, http.StatusInternalServerError, "ranking failed", "RANK_ERROR")
		return
	}

	level := models.RiskLow
	if insight.Assessment != nil {
		level = insight.Assessment.Level
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"level":             level,
		"insufficient_data": insight.InsufficientData,
		"recommendations":   recs,
	})
}

func queryInt(w http.ResponseWriter, r *http.Request, key string) (int, bool) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		writeError(w, http.StatusBadRequest, key+" must be a non-negative integer", "INVALID_QUERY")
		return 0, false
	}
	return n, true
}

// PostOutcome handles POST /outcomes
func (h *Handlers) PostOutcome(w http.ResponseWriter, r *http.Request) {
	var o models.OutcomeRecord
	if err := json.NewDecoder(r.Body).Decode(&o); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "INVALID_BODY")
		return
	}
	if o.RecordedAt.IsZero() {
		o.RecordedAt = h.clock.Now()
	}

	weight, err := h.engine.RecordOutcome(r.Context(), o)
	if err != nil {
		h.writeEngineError(w, err, "failed to record outcome")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"recommendation_id": o.RecommendationID,
		"weight":            weight,
	})
}

// PostPerformance handles POST /performance
func (h *Handlers) PostPerformance(w http.ResponseWriter, r *http.Request) {
	var p models.PerformanceRecord
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "INVALID_BODY")
		return
	}

	difficulty, err := h.engine.RecordPerformance(r.Context(), p)
	if err != nil {
		h.writeEngineError(w, err, "failed to record performance")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"activity_id": p.ActivityID,
		"difficulty":  difficulty,
	})
}

// GetPreferences handles GET /preferences
func (h *Handlers) GetPreferences(w http.ResponseWriter, r *http.Request) {
	prefs, err := h.engine.Preferences(r.Context())
	if err != nil {
		log.Printf("Failed to load preferences: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to load preferences", "DB_ERROR")
		return
	}
	writeJSON(w, http.StatusOK, prefs)
}

// PutPreferences handles PUT /preferences
func (h *Handlers) PutPreferences(w http.ResponseWriter, r *http.Request) {
	var prefs models.Preferences
	if err := json.NewDecoder(r.Body).Decode(&prefs); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "INVALID_BODY")
		return
	}

	if err := h.engine.SavePreferences(r.Context(), prefs); err != nil {
		h.writeEngineError(w, err, "failed to save preferences")
		return
	}

	saved, err := h.engine.Preferences(r.Context())
	if err != nil {
		log.Printf("Failed to reload preferences: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to load preferences", "DB_ERROR")
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

// Notifications handles GET /notifications?status=&limit=
func (h *Handlers) Notifications(w http.ResponseWriter, r *http.Request) {
	status := models.NotificationStatus(r.URL.Query().Get("status"))
	switch status {
	case "", models.StatusPending, models.StatusDispatched, models.StatusCancelled:
	default:
		writeError(w, http.StatusBadRequest, "unknown status", "INVALID_QUERY")
		return
	}
	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}

	list, err := h.engine.ListNotifications(r.Context(), status, limit)
	if err != nil {
		log.Printf("Failed to list notifications: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list notifications", "DB_ERROR")
		return
	}
	if list == nil {
		list = []models.ScheduledNotification{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"notifications": list,
	})
}

// Dismiss handles POST /notifications/{id}/dismiss
func (h *Handlers) Dismiss(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	n, err := h.engine.Notifications().Dismiss(r.Context(), id)
	if err != nil {
		if errors.Is(err, notify.ErrNotPending) {
			writeError(w, http.StatusConflict, "notification is no longer pending", "NOT_PENDING")
			return
		}
		h.writeEngineError(w, err, "failed to dismiss notification")
		return
	}

	writeJSON(w, http.StatusOK, n)
}

// RunPass handles POST /pass
func (h *Handlers) RunPass(w http.ResponseWriter, r *http.Request) {
	report, err := h.engine.RunPass(r.Context(), "manual")
	if err != nil {
		log.Printf("Manual pass failed: %v", err)
		writeError(w, http.StatusInternalServerError, "scheduling pass failed", "PASS_ERROR")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// Catalog handles GET /catalog?category=
func (h *Handlers) Catalog(w http.ResponseWriter, r *http.Request) {
	cat := h.engine.Catalog()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"categories": cat.Categories(),
		"candidates": cat.ListCandidates(r.URL.Query().Get("category")),
	})
}

func (h *Handlers) writeEngineError(w http.ResponseWriter, err error, message string) {
	switch {
	case errors.Is(err, models.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error(), "INVALID_INPUT")
	case errors.Is(err, models.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error(), "NOT_FOUND")
	default:
		log.Printf("%s: %v", message, err)
		writeError(w, http.StatusInternalServerError, message, "INTERNAL")
	}
}
