// Package httputil contains shared HTTP utilities for consistent response formatting across handlers.
package httputil

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nadmax/slawatch/internal/faults"
	"github.com/nadmax/slawatch/internal/repository"
	"github.com/rs/zerolog/log"
)

type ErrorBody struct {
	Error string      `json:"error"`
	Kind  faults.Kind `json:"kind,omitempty"`
	Key   string      `json:"key,omitempty"`
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func WriteJSONError(w http.ResponseWriter, message string, status int) {
	WriteJSON(w, status, ErrorBody{Error: message})
}

// WriteError maps err onto a status code by its fault kind and writes the kind and key
// alongside the message.
func WriteError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Msg("request failed")
	}

	WriteJSON(w, status, ErrorBody{
		Error: err.Error(),
		Kind:  faults.KindOf(err),
		Key:   faults.KeyOf(err),
	})
}

func StatusFor(err error) int {
	if errors.Is(err, repository.ErrNotFound) {
		return http.StatusNotFound
	}

	switch faults.KindOf(err) {
	case faults.MalformedRecord, faults.InvalidConfiguration, faults.UnknownCategory:
		return http.StatusBadRequest
	case faults.SchemaMismatch:
		return http.StatusConflict
	case faults.InsufficientData, faults.MissingHistory:
		return http.StatusUnprocessableEntity
	case faults.Cancelled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
