package api

import (
	"encoding/json"
	"net/http"

	"github.com/mastiff-sec/mastiff/pkg/errdefs"
)

// ErrorBody is the uniform error envelope every failing endpoint returns.
type ErrorBody struct {
	Error string `json:"error"`
}

// StatusBody acknowledges operations that have no natural response object.
type StatusBody struct {
	Status string `json:"status"`
}

// respond writes payload as JSON with the given status code.
func respond(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		_ = json.NewEncoder(w).Encode(payload)
	}
}

// fail maps the error taxonomy onto HTTP status codes and writes the error
// envelope.
func fail(w http.ResponseWriter, err error) {
	respond(w, statusOf(err), ErrorBody{Error: err.Error()})
}

func statusOf(err error) int {
	switch {
	case errdefs.IsInvalidInput(err):
		return http.StatusBadRequest
	case errdefs.IsNotFound(err):
		return http.StatusNotFound
	case errdefs.IsIllegalState(err):
		return http.StatusConflict
	case errdefs.IsUnavailable(err):
		return http.StatusServiceUnavailable
	case errdefs.IsTimeout(err):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// decode reads a JSON request body into v. Bodies are capped at 1 MiB;
// everything larger than that travels as an artifact upload, not as JSON.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errdefs.InvalidInput("malformed JSON body: %v", err)
	}
	return nil
}
