package api

import "net/http"

// healthResponse is the JSON response for GET /healthz. Cluster reports
// whether the scheduler run loop is still serving snapshots; the HTTP
// surface can outlive the cluster during a drain.
type healthResponse struct {
	Status  string `json:"status"`
	Cluster string `json:"cluster"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	cluster := "running"
	if s.cluster.Snapshot() == nil {
		cluster = "stopped"
	}
	s.writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Cluster: cluster})
}
