package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/nyxlight/backend/internal/apperr"
)

type errorBody struct {
	Kind       string   `json:"kind"`
	Message    string   `json:"message"`
	RetryAfter int      `json:"retry_after,omitempty"`
	Boundary   string   `json:"boundary_type,omitempty"`
	Details    []string `json:"details,omitempty"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeErr maps a domain error to the HTTP envelope. This is the only
// place error kinds become status codes.
func (s *Server) writeErr(w http.ResponseWriter, err error) {
	e := apperr.From(err)
	s.metrics.RecordError(string(e.Kind))

	if e.Kind == apperr.RateLimited && e.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(e.RetryAfter))
	}
	writeJSON(w, apperr.HTTPStatus(e.Kind), errorEnvelope{Error: errorBody{
		Kind:       string(e.Kind),
		Message:    e.Message,
		RetryAfter: e.RetryAfter,
		Boundary:   e.Boundary,
		Details:    e.Details,
	}})
}

func decodeBody(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.Newf(apperr.InvalidInput, "neispravan JSON: %v", err)
	}
	return nil
}
