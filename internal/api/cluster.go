package api

import "net/http"

// clusterResponse is the JSON response for GET /v1/cluster.
type clusterResponse struct {
	Running bool              `json:"running"`
	Tasks   map[string]string `json:"tasks"`
}

// handleClusterSnapshot serves the live task states straight from the
// cluster server, bypassing the history store.
func (s *Server) handleClusterSnapshot(w http.ResponseWriter, _ *http.Request) {
	snapshot := s.cluster.Snapshot()
	if snapshot == nil {
		s.writeJSON(w, http.StatusOK, clusterResponse{Running: false, Tasks: map[string]string{}})
		return
	}

	tasks := make(map[string]string, len(snapshot))
	for taskID, state := range snapshot {
		tasks[taskID] = state.String()
	}
	s.writeJSON(w, http.StatusOK, clusterResponse{Running: true, Tasks: tasks})
}
