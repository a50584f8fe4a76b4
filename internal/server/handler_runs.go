package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/me/pipeflow/pkg/model"
)

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	if s.store == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("store", "history"))
		return
	}

	opts, apiErr := listOptions(r)
	if apiErr != nil {
		respondError(w, reqID, http.StatusBadRequest, apiErr)
		return
	}

	runs, total, err := s.store.ListRuns(r.Context(), opts)
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError, model.NewInternalError(err.Error()))
		return
	}

	respondList(w, reqID, runs, opts.Page(total))
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")
	if s.store == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("run", id))
		return
	}

	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError, model.NewInternalError(err.Error()))
		return
	}
	if run == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("run", id))
		return
	}
	respondOK(w, reqID, run)
}
