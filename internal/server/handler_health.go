package server

import (
	"net/http"
	"runtime"
	"time"

	"github.com/me/pipeflow/internal/executor"
	"github.com/me/pipeflow/pkg/model"
)

type healthResponse struct {
	Status    string                  `json:"status"`
	Version   string                  `json:"version"`
	GoVersion string                  `json:"go_version"`
	Uptime    string                  `json:"uptime"`
	Store     string                  `json:"store"`
	Run       string                  `json:"run,omitempty"`
	Steps     map[model.StepState]int `json:"steps,omitempty"`
	Workers   *workersView            `json:"workers,omitempty"`
}

type workersView struct {
	Size    int                    `json:"size"` // 0 is unlimited
	Running []executor.RunningTask `json:"running"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	resp := healthResponse{
		Status:    "healthy",
		Version:   "0.1.0",
		GoVersion: runtime.Version(),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		Store:     "unavailable",
	}
	if s.store != nil {
		resp.Store = "sqlite"
	}
	if s.workflow != nil {
		resp.Run = s.workflow.ID()
		resp.Steps = s.workflow.StateCounts()
	}
	if s.pool != nil {
		resp.Workers = &workersView{Size: s.pool.Size(), Running: s.pool.Running()}
	}
	respondOK(w, reqID, resp)
}
