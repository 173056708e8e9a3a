package internal

import (
	"errors"
	"fmt"
	"net/http"
)

// statusErr is an error corresponding to an HTTP status code. Two statusErr
// are equal if their codes match, so callers can use errors.Is against the
// sentinels below.
type statusErr int

func (s statusErr) Error() string {
	return fmt.Sprintf("%d %s", int(s), http.StatusText(int(s)))
}

// status returns the HTTP status code of the error.
func (s statusErr) status() int { return int(s) }

var errNotFound = statusErr(http.StatusNotFound)

// errBadContent indicates the upstream responded with something other than
// the JSON we asked for, usually an HTML error page from a CDN.
var errBadContent = errors.New("upstream returned non-JSON content")

// Error codes surfaced to clients in the response body.
const (
	codeBadRequest  = "BAD_REQUEST"
	codeRateLimited = "RATE_LIMITED"
	codeNotFound    = "NOT_FOUND"
	codeUpstream    = "UPSTREAM_ERROR"
	codeAniList     = "ANILIST_ERROR"
	codeBadContent  = "ANILIST_BAD_CONTENT"
	codeDisabled    = "DISABLED"
)

// apiError is the JSON error body shape shared by all endpoints.
type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func newAPIError(code, message string) apiError {
	e := apiError{}
	e.Error.Code = code
	e.Error.Message = message
	return e
}

// upstreamStatus extracts the HTTP status carried by err, if any. Transport
// errors wrap statusErr values produced by errorProxyTransport.
func upstreamStatus(err error) (int, bool) {
	var se statusErr
	if errors.As(err, &se) {
		return se.status(), true
	}
	return 0, false
}
