package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/nixhive/evaljobs/pkg/sched"
)

// StatsSource produces a point-in-time view of the run.
type StatsSource interface {
	Snapshot() sched.Snapshot
}

// StatusHandler serves the scheduler snapshot.
func StatusHandler(src StatsSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(src.Snapshot())
	}
}

// VersionResponse is the body of /version.
type VersionResponse struct {
	Version string `json:"version"`
}

// VersionHandler reports the binary version.
func VersionHandler(version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(VersionResponse{Version: version})
	}
}
