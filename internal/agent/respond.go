package agent

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/atvirokodosprendimai/sitefleet/internal/spec"
)

// commandError is a failure with the HTTP status and machine code the
// worker reports for it.
type commandError struct {
	status int
	code   string
	err    error
}

func (e *commandError) Error() string { return e.err.Error() }
func (e *commandError) Unwrap() error { return e.err }

func failure(status int, code string, err error) error {
	return &commandError{status: status, code: code, err: err}
}

func badRequest(err error) error {
	return failure(http.StatusBadRequest, spec.CodeInvalidRequest, err)
}

func fsError(err error) error {
	return failure(http.StatusInternalServerError, spec.CodeFilesystemError, err)
}

// writeJSON writes JSON response with status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeSuccess(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusOK, spec.Response{Status: "success", Message: msg})
}

// writeError sends the failure body for err. Errors without a code are
// reported as filesystem errors.
func writeError(w http.ResponseWriter, err error) {
	var cerr *commandError
	if !errors.As(err, &cerr) {
		cerr = &commandError{status: http.StatusInternalServerError, code: spec.CodeFilesystemError, err: err}
	}
	writeJSON(w, cerr.status, spec.ErrorResponse{Error: cerr.code, Message: err.Error()})
}

// decode reads a JSON request body into v.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return badRequest(err)
	}
	return nil
}
