package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/avlonitis/vigil/internal/alerting"
	"github.com/avlonitis/vigil/internal/database"
	"github.com/avlonitis/vigil/internal/eventscan"
	"github.com/avlonitis/vigil/internal/policy"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.db.HealthCheck(r.Context()); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"service": "vigil",
	})
}

func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	response := map[string]interface{}{
		"status": "running",
		"memory": map[string]interface{}{
			"alloc_mb": m.Alloc / 1024 / 1024,
			"sys_mb":   m.Sys / 1024 / 1024,
			"num_gc":   m.NumGC,
		},
		"goroutines": runtime.NumGoroutine(),
	}

	if cpuPercent, err := cpu.Percent(100*time.Millisecond, false); err == nil && len(cpuPercent) > 0 {
		response["cpu_percent"] = cpuPercent[0]
	}
	if memStat, err := mem.VirtualMemory(); err == nil {
		response["system_memory"] = map[string]interface{}{
			"used_percent": memStat.UsedPercent,
			"total_mb":     memStat.Total / 1024 / 1024,
		}
	}

	s.writeJSON(w, http.StatusOK, response)
}

type jobResponse struct {
	Name         string  `json:"name"`
	Kind         string  `json:"kind"`
	Status       string  `json:"status"`
	NextRunAt    *string `json:"next_run_at"`
	LastRunAt    *string `json:"last_run_at"`
	FailureCount int     `json:"failure_count"`
	LockOwner    string  `json:"lock_owner,omitempty"`
	LastError    string  `json:"last_error,omitempty"`
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.scheduler.Jobs()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]jobResponse, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, jobResponse{
			Name:         j.Name,
			Kind:         string(j.Kind),
			Status:       string(j.Status),
			NextRunAt:    formatTimePtr(j.NextRunAt),
			LastRunAt:    formatTimePtr(j.LastRunAt),
			FailureCount: j.FailureCount,
			LockOwner:    j.LockOwner,
			LastError:    j.LastError,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": out})
}

func (s *Server) handleRunJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.scheduler.RunNow(name); err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{
		"status": "scheduled",
		"job":    name,
	})
}

func (s *Server) handleAutonomyState(w http.ResponseWriter, r *http.Request) {
	state, err := s.engine.CurrentState()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	now := s.clock.Now()
	response := map[string]interface{}{
		"session_date":        policy.SessionDate(now),
		"full_auto":           s.autonomy.FullAuto(),
		"in_observation":      state.InObservation(now),
		"min_edge":            s.engine.EffectiveMinEdge(state),
		"max_trades_per_scan": s.engine.EffectiveMaxTradesPerScan(state),
		"leverage_cap":        s.engine.EffectiveLeverageCap(state),
	}
	if state != nil {
		if state.ObservationOnlyUntil != nil {
			response["observation_only_until"] = database.FormatTime(*state.ObservationOnlyUntil)
		}
		if state.Reason != "" {
			response["reason"] = state.Reason
		}
	}
	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleForceScan(w http.ResponseWriter, r *http.Request) {
	report, err := s.autonomy.RunScan(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleEventScan(w http.ResponseWriter, r *http.Request) {
	var body struct {
		EventKey  string `json:"event_key"`
		ItemCount int    `json:"item_count"`
		MinItems  int    `json:"min_items"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.EventKey == "" {
		s.writeError(w, http.StatusBadRequest, "event_key is required")
		return
	}

	decision, report, err := s.autonomy.RunEventScan(r.Context(), eventscan.Request{
		EventKey:  body.EventKey,
		ItemCount: body.ItemCount,
		MinItems:  body.MinItems,
	})
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	response := map[string]interface{}{"verdict": string(decision.Verdict)}
	if decision.Wait > 0 {
		response["wait_ms"] = decision.Wait.Milliseconds()
	}
	if report != nil {
		response["report"] = report
	}
	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Minutes int    `json:"minutes"`
		Reason  string `json:"reason"`
	}
	// An empty body means "pause with defaults".
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Minutes <= 0 {
		body.Minutes = 60
	}
	if body.Reason == "" {
		body.Reason = "paused via control surface"
	}

	now := s.clock.Now()
	state, err := s.engine.CurrentState()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if state == nil {
		state = &policy.State{SessionDate: policy.SessionDate(now)}
	}
	until := now.Add(time.Duration(body.Minutes) * time.Minute)
	state.ObservationOnlyUntil = &until
	state.Reason = body.Reason
	state.UpdatedAt = now

	if err := s.state.Upsert(*state); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":                 "paused",
		"observation_only_until": database.FormatTime(until),
	})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := s.state.Reset(policy.SessionDate(s.clock.Now())); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

func (s *Server) handleFullAuto(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.autonomy.SetFullAuto(body.Enabled)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"full_auto": body.Enabled})
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	status := alerting.Status(r.URL.Query().Get("status"))
	limit := queryInt(r, "limit", 50)

	alerts, err := s.alerts.List(status, limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"alerts": alerts})
}

func (s *Server) handleAckAlert(w http.ResponseWriter, r *http.Request) {
	var body struct {
		By string `json:"by"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.By == "" {
		body.By = "operator"
	}

	id := chi.URLParam(r, "id")
	if err := s.alerts.Acknowledge(id, body.By); err != nil {
		s.writeAlertError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "acknowledged", "id": id})
}

func (s *Server) handleResolveAlert(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Detail string `json:"detail"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	id := chi.URLParam(r, "id")
	if err := s.alerts.Resolve(id, body.Detail); err != nil {
		s.writeAlertError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "resolved", "id": id})
}

func (s *Server) handlePaperBook(w http.ResponseWriter, r *http.Request) {
	book, err := s.paper.BookState()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, book)
}

func (s *Server) handlePaperPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.paper.Positions()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"positions": positions})
}

func (s *Server) handlePaperOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := s.paper.OpenOrders()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"orders": orders})
}

func (s *Server) handlePaperFills(w http.ResponseWriter, r *http.Request) {
	fills, err := s.paper.Fills(queryInt(r, "limit", 100))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"fills": fills})
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	entries, err := s.journal.Recent(queryInt(r, "limit", 50))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError writes an error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) writeAlertError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, alerting.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, alerting.ErrInvalidTransition):
		s.writeError(w, http.StatusConflict, err.Error())
	default:
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := database.FormatTime(*t)
	return &s
}

func queryInt(r *http.Request, key string, fallback int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}
