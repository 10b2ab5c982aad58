package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/omayhemo/debughost/pkg/lifecycle"
	"github.com/omayhemo/debughost/pkg/logs"
	"github.com/omayhemo/debughost/pkg/registry"
)

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var opts registry.RegisterOptions
	if err := decodeBody(r, &opts); err != nil {
		writeError(s.Log, w, err)
		return
	}

	project, err := s.Registry.Register(opts)
	if err != nil {
		writeError(s.Log, w, err)
		return
	}
	writeJSON(w, http.StatusCreated, project)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	filter := registry.ListFilter{
		Status:      registry.Status(r.URL.Query().Get("status")),
		PrimaryTech: r.URL.Query().Get("tech"),
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"projects": s.Registry.List(filter),
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	project, err := s.Registry.Get(chi.URLParam(r, "projectID"))
	if err != nil {
		writeError(s.Log, w, err)
		return
	}
	writeJSON(w, http.StatusOK, project)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var patch registry.Project
	if err := decodeBody(r, &patch); err != nil {
		writeError(s.Log, w, err)
		return
	}

	project, err := s.Registry.Update(chi.URLParam(r, "projectID"), patch)
	if err != nil {
		writeError(s.Log, w, err)
		return
	}
	writeJSON(w, http.StatusOK, project)
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	if err := s.Manager.Remove(chi.URLParam(r, "projectID")); err != nil {
		writeError(s.Log, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClearInactive(w http.ResponseWriter, r *http.Request) {
	removed, err := s.Registry.ClearInactive()
	if err != nil {
		writeError(s.Log, w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var opts lifecycle.StartOptions
	if err := decodeBody(r, &opts); err != nil {
		writeError(s.Log, w, err)
		return
	}

	result, err := s.Manager.Start(r.Context(), chi.URLParam(r, "projectID"), opts)
	if err != nil {
		writeError(s.Log, w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	var opts lifecycle.StopOptions
	if err := decodeBody(r, &opts); err != nil {
		writeError(s.Log, w, err)
		return
	}

	result, err := s.Manager.Stop(r.Context(), chi.URLParam(r, "projectID"), opts)
	if err != nil {
		writeError(s.Log, w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	var opts lifecycle.StartOptions
	if err := decodeBody(r, &opts); err != nil {
		writeError(s.Log, w, err)
		return
	}

	result, err := s.Manager.Restart(r.Context(), chi.URLParam(r, "projectID"), opts)
	if err != nil {
		writeError(s.Log, w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	result, err := s.Manager.Status(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil {
		writeError(s.Log, w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	project, err := s.Registry.Get(chi.URLParam(r, "projectID"))
	if err != nil {
		writeError(s.Log, w, err)
		return
	}

	query := r.URL.Query()
	filter := logs.Filter{
		Level:  logs.Level(query.Get("level")),
		Stream: logs.Stream(query.Get("stream")),
		Search: query.Get("search"),
	}
	filter.Since, _ = strconv.ParseInt(query.Get("since"), 10, 64)
	filter.Until, _ = strconv.ParseInt(query.Get("until"), 10, 64)
	filter.Limit, _ = strconv.Atoi(query.Get("limit"))

	entries := s.Logs.Buffered(lifecycle.ContainerName(project), filter)
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}
