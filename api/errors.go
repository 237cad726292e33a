package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/jmcleod/davkeeper/connector"
	"github.com/jmcleod/davkeeper/credstore"
	"github.com/jmcleod/davkeeper/guard"
	"github.com/jmcleod/davkeeper/options"
	"github.com/jmcleod/davkeeper/urlauth"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// mapError writes the response for err. Messages that reach the client
// are already free of credentials.
func mapError(w http.ResponseWriter, err error) {
	var te *guard.TransportError
	switch {
	case errors.Is(err, guard.ErrAuthRequired):
		writeError(w, http.StatusUnauthorized, "authentication required")
	case errors.Is(err, credstore.ErrMalformedURL),
		errors.Is(err, urlauth.ErrMalformedURL):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, options.ErrInvalidValue),
		errors.Is(err, options.ErrUnknownKey):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, connector.ErrLockingDisabled):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &te):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
