package api

import (
	"encoding/json"
	"net/http"
	"runtime"
)

// BuildInfo is the build metadata stamped via -ldflags at release time,
// plus the runtime facts an operator needs when comparing two deployments.
type BuildInfo struct {
	Version   string
	GitCommit string
	BuildDate string
	// Slot is the blue/green deployment slot, empty outside of one.
	Slot string
	// Storage is the configured backend kind (postgres, sqlite, mssql).
	Storage string
}

type versionResponse struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
	Slot      string `json:"slot,omitempty"`
	Storage   string `json:"storage,omitempty"`
}

// VersionHandler serves GET /version. Missing build values are reported
// as "dev" and "unknown".
func VersionHandler(info BuildInfo) http.Handler {
	response := versionResponse{
		Version:   orDefault(info.Version, "dev"),
		GitCommit: orDefault(info.GitCommit, "unknown"),
		BuildDate: orDefault(info.BuildDate, "unknown"),
		GoVersion: runtime.Version(),
		Slot:      info.Slot,
		Storage:   info.Storage,
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(response)
	})
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
