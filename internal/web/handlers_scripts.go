package web

import (
	"errors"
	"net/http"
	"strings"

	"teleop-console/internal/model"
	"teleop-console/internal/script"
)

func (s *Server) scriptManager() *script.Manager {
	if s.scripts == nil {
		return nil
	}
	return s.scripts.Manager()
}

func (s *Server) handleAPIListScripts(w http.ResponseWriter, r *http.Request) {
	mgr := s.scriptManager()
	if mgr == nil {
		s.writeJSON(w, http.StatusOK, []any{})
		return
	}
	scripts, err := mgr.List()
	if err != nil {
		s.writeError(w, "list scripts", err)
		return
	}
	if scripts == nil {
		scripts = []*script.Script{}
	}
	s.writeJSON(w, http.StatusOK, scripts)
}

func (s *Server) handleAPIGetScript(w http.ResponseWriter, r *http.Request) {
	mgr := s.scriptManager()
	if mgr == nil {
		s.writeErrorMsg(w, http.StatusNotFound, "not found")
		return
	}
	sc, err := mgr.Get(r.PathValue("id"))
	if err != nil {
		s.writeErrorMsg(w, http.StatusNotFound, "script not found")
		return
	}
	s.writeJSON(w, http.StatusOK, sc)
}

type saveScriptRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	NodeID      int64  `json:"node_id"`
	LuaCode     string `json:"lua_code"`
}

// handleAPISaveScript creates a script (POST) or replaces one (PUT /{id}).
func (s *Server) handleAPISaveScript(w http.ResponseWriter, r *http.Request) {
	mgr := s.scriptManager()
	if mgr == nil {
		s.writeErrorMsg(w, http.StatusServiceUnavailable, "scripts not available")
		return
	}

	var req saveScriptRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, "save script", err)
		return
	}
	sc := &script.Script{
		ID: r.PathValue("id"),
		Meta: script.ScriptMeta{
			Name:        req.Name,
			Description: req.Description,
			NodeID:      req.NodeID,
		},
		LuaCode: req.LuaCode,
	}
	status := http.StatusCreated
	if sc.ID != "" {
		if _, err := mgr.Get(sc.ID); err != nil {
			s.writeErrorMsg(w, http.StatusNotFound, "script not found")
			return
		}
		status = http.StatusOK
	}

	saved, err := mgr.Save(sc)
	if err != nil {
		s.writeError(w, "save script", err)
		return
	}
	s.writeJSON(w, status, saved)
}

func (s *Server) handleAPIDeleteScript(w http.ResponseWriter, r *http.Request) {
	mgr := s.scriptManager()
	if mgr == nil {
		s.writeErrorMsg(w, http.StatusServiceUnavailable, "scripts not available")
		return
	}
	if err := mgr.Delete(r.PathValue("id")); err != nil {
		if errors.Is(err, script.ErrNotFound) {
			s.writeErrorMsg(w, http.StatusNotFound, "script not found")
			return
		}
		s.writeError(w, "delete script", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type runScriptRequest struct {
	ID      string `json:"id"`
	LuaCode string `json:"lua_code"`
	NodeID  int64  `json:"node_id"`
}

// handleAPIRunScript runs a saved script by id, or inline code on node_id.
func (s *Server) handleAPIRunScript(w http.ResponseWriter, r *http.Request) {
	if s.scripts == nil {
		s.writeErrorMsg(w, http.StatusServiceUnavailable, "scripts not available")
		return
	}
	var req runScriptRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, "run script", err)
		return
	}
	var res *script.RunResult
	switch {
	case req.ID != "":
		res = s.scripts.RunScript(r.Context(), req.ID)
	case strings.TrimSpace(req.LuaCode) != "":
		res = s.scripts.RunOn(r.Context(), req.LuaCode, req.NodeID)
	default:
		s.writeError(w, "run script", &model.ValidationError{Reason: "id or lua_code is required"})
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}
