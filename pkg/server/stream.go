package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/omayhemo/debughost/pkg/apperr"
)

// handleEvents streams the project's log and health events as one-way
// server-sent events. The stream ends when the client disconnects or the
// project's subscriptions are torn down.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	if _, err := s.Registry.Get(projectID); err != nil {
		writeError(s.Log, w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(s.Log, w, apperr.New(apperr.ValidationError, "streaming is not supported on this connection"))
		return
	}

	sub := s.Bus.Subscribe(projectID)
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// comment lines keep idle connections from being reaped by proxies
	keepAlive := time.NewTicker(15 * time.Second)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case event, open := <-sub.C:
			if !open {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				s.Log.WithError(err).Warn("failed to encode stream event")
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		}
	}
}
