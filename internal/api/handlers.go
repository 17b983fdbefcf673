package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/joescharf/thinkflow/internal/apperr"
	"github.com/joescharf/thinkflow/internal/engine"
	"github.com/joescharf/thinkflow/internal/groups"
	"github.com/joescharf/thinkflow/internal/models"
)

// decode reads a JSON body into v. An empty body leaves v unchanged.
func decode(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.InvalidArgument("invalid JSON body: %v", err)
	}
	return nil
}

func (s *Server) discover(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.DiscoverTechniques(r.Context(), clientID(r), r.URL.Query().Get("problem"))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) createPlan(w http.ResponseWriter, r *http.Request) {
	var req engine.PlanRequest
	if err := decode(r, &req); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	plan, err := s.svc.PlanSession(r.Context(), clientID(r), req)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, plan)
}

func (s *Server) executeStep(w http.ResponseWriter, r *http.Request) {
	var req engine.StepRequest
	if err := decode(r, &req); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	req.PlanID = chi.URLParam(r, "id")
	res, err := s.svc.ExecuteStep(r.Context(), clientID(r), req)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) checkWorkflow(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Call string         `json:"call"`
		Args map[string]any `json:"args"`
	}
	if err := decode(r, &body); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	if body.Call == "" {
		s.writeAppError(w, r, apperr.InvalidArgument("call is required"))
		return
	}
	v, err := s.svc.CheckWorkflowViolation(r.Context(), clientID(r), body.Call, body.Args)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"violation": v != nil, "details": v})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.Stats(r.Context())
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, err := s.svc.ListSessions(r.Context(), engine.SessionFilter{
		Technique: models.Technique(q.Get("technique")),
		Status:    models.SessionStatus(q.Get("status")),
		GroupID:   q.Get("group_id"),
	})
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	if list == nil {
		list = []*models.Session{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req engine.CreateSessionRequest
	if err := decode(r, &req); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	sess, err := s.svc.CreateSession(r.Context(), req)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.svc.GetSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	if _, err := s.svc.DeleteSession(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) appendStep(w http.ResponseWriter, r *http.Request) {
	var rec models.StepRecord
	if err := decode(r, &rec); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	sess, err := s.svc.UpdateSession(r.Context(), chi.URLParam(r, "id"), rec)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) completeSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.svc.MarkSessionComplete(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) failSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := decode(r, &body); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	sess, err := s.svc.MarkSessionFailed(r.Context(), chi.URLParam(r, "id"), body.Reason)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) listGroups(w http.ResponseWriter, r *http.Request) {
	list, err := s.svc.ListGroups(r.Context())
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	if list == nil {
		list = []*models.ParallelSessionGroup{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) createGroup(w http.ResponseWriter, r *http.Request) {
	var req groups.CreateRequest
	if err := decode(r, &req); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	res, err := s.svc.CreateParallelGroup(r.Context(), req)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) getGroup(w http.ResponseWriter, r *http.Request) {
	g, err := s.svc.GetGroup(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) groupProgress(w http.ResponseWriter, r *http.Request) {
	p, err := s.svc.GetGroupProgress(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) groupResults(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	res, err := s.svc.GetGroupResults(r.Context(), id)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"group_id": id, "results": res})
}

func (s *Server) convergeGroup(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Method models.ConvergenceMethod `json:"method"`
	}
	if err := decode(r, &body); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	out, err := s.svc.ConvergeGroup(r.Context(), chi.URLParam(r, "id"), body.Method)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}
