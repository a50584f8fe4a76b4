package server

import "net/http"

type endpointInfo struct {
	Path        string   `json:"path"`
	Methods     []string `json:"methods"`
	Description string   `json:"description"`
}

type discoveryResponse struct {
	Name        string         `json:"name"`
	Version     string         `json:"version"`
	Description string         `json:"description"`
	Endpoints   []endpointInfo `json:"endpoints"`
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	respondOK(w, reqID, discoveryResponse{
		Name:        "pipeflow API",
		Version:     "v1",
		Description: "Read-only progress of a pipeflow run and its history",
		Endpoints: []endpointInfo{
			{"/api/v1/health", []string{"GET"}, "Server health, step state counts and running tasks"},
			{"/api/v1/steps", []string{"GET"}, "Steps of the run in progress with their states"},
			{"/api/v1/steps/{id}", []string{"GET"}, "Single step with ports, dependencies and recorded result"},
			{"/api/v1/runs", []string{"GET"}, "Run history. Accepts limit, offset, state and workflow"},
			{"/api/v1/runs/{id}", []string{"GET"}, "Single run with step results"},
			{"/api/v1/sse/steps", []string{"GET"}, "Step state transitions as Server-Sent Events"},
		},
	})
}
