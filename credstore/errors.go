package credstore

import "errors"

var (
	// ErrMalformedURL indicates a server URL that cannot be reduced to a ServerID.
	ErrMalformedURL = errors.New("malformed server url")
)
