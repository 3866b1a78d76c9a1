package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/jmcleod/vpnpki/errs"
)

// maxSmallBodySize caps JSON request bodies.
const maxSmallBodySize = 64 << 10

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// mapError writes err with the status its kind maps to.
func mapError(w http.ResponseWriter, err error) {
	kind := errs.KindOf(err)
	resp := ErrorResponse{Error: err.Error()}
	if kind != errs.Unknown {
		resp.Kind = kind.String()
	}
	writeJSON(w, kind.HTTPStatus(), resp)
}

// decodeBody reads a JSON body into v. An empty body is accepted when
// optional is set; anything malformed, unknown or oversized is rejected.
func decodeBody(w http.ResponseWriter, r *http.Request, v any, optional bool) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxSmallBodySize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	err := dec.Decode(v)
	switch {
	case err == nil:
		return true
	case errors.Is(err, io.EOF) && optional:
		return true
	}
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
	} else {
		writeError(w, http.StatusBadRequest, "invalid request body")
	}
	return false
}
