package api

// ErrorResponse is the body of every error response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// URLInfoResponse is returned from GET /url-info. Either Type and RootURL
// or ErrorMessage is set.
type URLInfoResponse struct {
	Type         string `json:"type,omitempty"`
	RootURL      string `json:"rootUrl,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// EditingSessionRequest is the JSON body for POST /editing-session.
type EditingSessionRequest struct {
	URL      string `json:"url"`
	UserName string `json:"userName"`
}

// LockRequest is the JSON body for POST /lock and POST /unlock.
type LockRequest struct {
	URL            string `json:"url"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// LockResponse is returned from POST /lock.
type LockResponse struct {
	Token string `json:"token"`
	Owner string `json:"owner"`
}

// TrustedHostResponse is returned from GET /trusted-host.
type TrustedHostResponse struct {
	Host    string `json:"host"`
	Trusted bool   `json:"trusted"`
}
