package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/honeyshield/internal/domain"
	"github.com/xela07ax/honeyshield/internal/engine"
	"github.com/xela07ax/honeyshield/internal/honeypot"
	"github.com/xela07ax/honeyshield/internal/infra/auth"
	"github.com/xela07ax/honeyshield/internal/ingest"
	"github.com/xela07ax/honeyshield/internal/normalizer"
	"github.com/xela07ax/honeyshield/internal/response"
	"go.uber.org/zap"
)

const maxBody = 1 << 20

type eventResult struct {
	EventID   string `json:"event_id,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ingestEvents принимает одну запись или массив записей.
// POST /v1/events
func (s *Server) ingestEvents(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	raws, err := decodeBatch(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	results := make([]eventResult, 0, len(raws))
	accepted := 0
	for _, raw := range raws {
		done, err := s.deps.Ingest.Submit(r.Context(), raw, "http")
		if err != nil {
			if errors.Is(err, engine.ErrStopped) {
				writeError(w, http.StatusServiceUnavailable, "pipeline is stopped")
				return
			}
			results = append(results, eventResult{EventID: normalizer.NaturalID(raw), Error: err.Error()})
			continue
		}
		accepted++
		res := eventResult{EventID: normalizer.NaturalID(raw)}
		// Дубликат разрешается сразу, остальное обрабатывается асинхронно
		select {
		case out := <-done:
			res.EventID, res.Duplicate = out.EventID, out.Duplicate
			if out.Err != nil {
				res.Error = out.Err.Error()
			}
		default:
		}
		results = append(results, res)
	}

	code := http.StatusAccepted
	if accepted == 0 {
		code = http.StatusBadRequest
	}
	writeJSON(w, code, map[string]interface{}{"accepted": accepted, "results": results})
}

func decodeBatch(body []byte) ([]normalizer.RawEvent, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.UseNumber()
		var raws []normalizer.RawEvent
		if err := dec.Decode(&raws); err != nil {
			return nil, &domain.MalformedEventError{Field: "record", Reason: err.Error()}
		}
		return raws, nil
	}
	raw, err := ingest.Decode(trimmed)
	if err != nil {
		return nil, err
	}
	return []normalizer.RawEvent{raw}, nil
}

// GET /v1/profiles?limit=N
func (s *Server) listProfiles(w http.ResponseWriter, r *http.Request) {
	profiles := s.deps.Profiles.Top(limit(r, 50))
	out := make([]domain.ProfileView, 0, len(profiles))
	for _, p := range profiles {
		out = append(out, p.View())
	}
	writeJSON(w, http.StatusOK, out)
}

// GET /v1/profiles/{identity}
func (s *Server) getProfile(w http.ResponseWriter, r *http.Request) {
	identity := chi.URLParam(r, "identity")
	p, err := s.deps.Profiles.Get(r.Context(), identity)
	if err != nil {
		var notFound *domain.ProfileNotFoundError
		var unavailable *domain.ProfileStoreUnavailableError
		switch {
		case errors.As(err, &notFound):
			writeError(w, http.StatusNotFound, "profile not found")
		case errors.As(err, &unavailable):
			writeError(w, http.StatusServiceUnavailable, err.Error())
		default:
			s.logger.Error("profile lookup failed", zap.String("identity", identity), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to retrieve profile")
		}
		return
	}

	out := map[string]interface{}{
		"profile": p.View(),
		"state":   s.deps.Actions.State(identity),
		"actions": s.deps.Actions.Actions(identity),
		"alerts":  s.deps.Alerts.Alerts(identity, 20),
	}
	if s.deps.Status != nil {
		out["countermeasures"] = s.deps.Status.Status(identity)
	}
	writeJSON(w, http.StatusOK, out)
}

// GET /v1/actions?identity=X&status=active
func (s *Server) listActions(w http.ResponseWriter, r *http.Request) {
	status := domain.ActionStatus(r.URL.Query().Get("status"))
	out := make([]*domain.ResponseAction, 0)
	for _, a := range s.deps.Actions.Actions(r.URL.Query().Get("identity")) {
		if status == "" || a.Status == status {
			out = append(out, a)
		}
	}
	if n := limit(r, 0); n > 0 && len(out) > n {
		out = out[:n]
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getAction(w http.ResponseWriter, r *http.Request) {
	a, ok := s.deps.Actions.Action(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "action not found")
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// revertAction — ручной откат действующей контрмеры.
// POST /v1/actions/{id}/revert
func (s *Server) revertAction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	a, err := s.deps.Actions.Revert(r.Context(), id)
	switch {
	case err == nil:
		operator := "anonymous"
		if c, ok := auth.ClaimsFromContext(r.Context()); ok {
			operator = c.OperatorID
		}
		s.logger.Info("action reverted via api", zap.String("action_id", id), zap.String("operator", operator),
			zap.String("trace_id", TraceID(r.Context())))
		writeJSON(w, http.StatusOK, a)
	case errors.Is(err, response.ErrActionNotFound):
		writeError(w, http.StatusNotFound, "action not found")
	case errors.Is(err, response.ErrActionNotActive):
		writeError(w, http.StatusConflict, "action is not active")
	default:
		s.logger.Error("revert failed", zap.String("action_id", id), zap.Error(err))
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

// GET /v1/alerts?identity=X&limit=N
func (s *Server) listAlerts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Alerts.Alerts(r.URL.Query().Get("identity"), limit(r, 100)))
}

func (s *Server) getAlert(w http.ResponseWriter, r *http.Request) {
	a, ok := s.deps.Alerts.Alert(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "alert not found")
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) listHoneypots(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Honeypots.Descriptors())
}

func (s *Server) getHoneypot(w http.ResponseWriter, r *http.Request) {
	d, err := s.deps.Honeypots.Descriptor(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "honeypot not found")
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) listIntents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Honeypots.Pending())
}

type completionRequest struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// completeIntent — подтверждение исполнителя провижининга.
// POST /v1/honeypots/intents/{id}/complete
func (s *Server) completeIntent(w http.ResponseWriter, r *http.Request) {
	var req completionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	id := chi.URLParam(r, "id")
	err := s.deps.Honeypots.Complete(id, honeypot.Completion{
		IntentID:    id,
		Success:     req.Success,
		Error:       req.Error,
		CompletedAt: s.now().UTC(),
	})
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, honeypot.ErrUnknownIntent):
		writeError(w, http.StatusNotFound, "unknown or already resolved intent")
	default:
		writeError(w, http.StatusConflict, err.Error())
	}
}

// GET /v1/dashboard
func (s *Server) dashboard(w http.ResponseWriter, r *http.Request) {
	var d domain.Dashboard
	d.Risks.ByCategory = make(map[domain.Category]int64)
	d.Incidents.ActiveActions = make(map[domain.ActionKind]int)

	for i, p := range s.deps.Profiles.Top(0) {
		d.Activity.TrackedProfiles++
		d.Activity.TotalEvents += p.EventCount
		if p.CurrentRiskLevel >= 0.7 {
			d.Risks.HighRiskProfiles++
		}
		if i < 10 {
			d.Risks.TopSources = append(d.Risks.TopSources, domain.RiskPoint{Identity: p.SourceIdentity, Risk: p.CurrentRiskLevel})
		}
		if a := p.LatestAssessment(); a != nil {
			d.Risks.ByCategory[a.Category]++
		}
	}

	for _, a := range s.deps.Actions.Actions("") {
		switch a.Status {
		case domain.ActionActive:
			d.Incidents.ActiveActions[a.Kind]++
		case domain.ActionFailed:
			d.Incidents.FailedActions++
		}
	}

	since := s.now().Add(-time.Hour)
	for _, a := range s.deps.Alerts.Alerts("", 0) {
		if a.DispatchedAt.Before(since) {
			break
		}
		d.Incidents.RecentAlerts++
	}

	for _, h := range s.deps.Honeypots.Descriptors() {
		if h.State.Live() {
			d.Decoys.Live++
		}
		if h.State == domain.HoneypotCompromisedObserved {
			d.Decoys.Compromised++
		}
	}
	d.Decoys.PendingIntents = len(s.deps.Honeypots.Pending())

	writeJSON(w, http.StatusOK, d)
}

// GET /ready
func (s *Server) ready(w http.ResponseWriter, r *http.Request) {
	failed := make(map[string]string)
	for name, check := range s.deps.Checks {
		if err := check(r.Context()); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"status": "degraded", "failed": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func limit(r *http.Request, def int) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
