package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/cohenjo/changestream/pkg/models"
)

// StreamListResponse represents the response for listing streams
type StreamListResponse struct {
	Streams []models.StreamState `json:"streams"`
	Total   int                  `json:"total"`
}

// StreamsHandler serves the state of the configured change streams
type StreamsHandler struct {
	streams StreamProvider
}

func NewStreamsHandler(streams StreamProvider) *StreamsHandler {
	return &StreamsHandler{streams: streams}
}

func (h *StreamsHandler) List(w http.ResponseWriter, r *http.Request) {
	states := h.streams.StreamStates()
	if states == nil {
		states = []models.StreamState{}
	}
	writeJSON(w, http.StatusOK, StreamListResponse{Streams: states, Total: len(states)})
}

func (h *StreamsHandler) Get(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	state, ok := h.streams.StreamState(name)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("%w: %s", models.ErrStreamNotFound, name))
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (h *StreamsHandler) Stop(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	err := h.streams.StopStream(r.Context(), name)
	switch {
	case err == nil:
	case errors.Is(err, models.ErrStreamNotFound):
		writeError(w, http.StatusNotFound, err)
		return
	case errors.Is(err, models.ErrStreamNotRunning):
		writeError(w, http.StatusConflict, err)
		return
	default:
		log.Error().Err(err).Str("stream", name).Msg("Failed to stop stream")
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	state, _ := h.streams.StreamState(name)
	writeJSON(w, http.StatusOK, state)
}
