package api

import (
	"net/http"
)

// ProjectResponse is the API response for a registered project
type ProjectResponse struct {
	Name      string `json:"name"`
	Path      string `json:"path"`
	ChannelID string `json:"channel_id,omitempty"`
}

func (s *Server) listProjectsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "GET only")
			return
		}

		projects, err := s.registry.ListProjects()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		resp := make([]ProjectResponse, 0, len(projects))
		for _, p := range projects {
			resp = append(resp, ProjectResponse{Name: p.Name, Path: p.Path, ChannelID: p.ChannelID})
		}
		writeJSON(w, resp)
	}
}

func (s *Server) snapshotHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "GET only")
			return
		}

		project := r.URL.Query().Get("project")
		if project == "" {
			writeError(w, http.StatusBadRequest, "project query parameter required")
			return
		}

		snap, err := s.snapshots.Snapshot(project)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, snap)
	}
}
