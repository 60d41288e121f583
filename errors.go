package filterproxy

import (
	"errors"

	origin "github.com/always-cache/filterproxy/pkg/origin-client"
)

// Error bodies sent to the client. They are plain text, without status line or headers.
const (
	bodyForbidden          = "403 Forbidden.\n"
	bodyMethodNotAllowed   = "405 Method Not Allowed. Request not in correct format 'GET absoluteURI[:port] HTTP/1.1'. Note: only GET is allowed.\n"
	bodyNotFound           = "404 Not Found. Failed to resolve host.\n"
	bodyBadGateway         = "502 Bad Gateway.\n"
	bodyInternalError      = "500 Internal Server Error.\n"
	bodyServiceUnavailable = "503 Service Unavailable.\n"
)

// Request outcomes, used as metric labels and in logs.
const (
	outcomeHit                = "hit"
	outcomeFetched            = "fetched"
	outcomeNotSuccessful      = "not-successful"
	outcomeBadRequest         = "bad-request"
	outcomeForbidden          = "forbidden"
	outcomeUnresolved         = "unresolved"
	outcomeBadGateway         = "bad-gateway"
	outcomeInternalError      = "internal-error"
	outcomeServiceUnavailable = "service-unavailable"
)

var (
	errOriginRecv   = errors.New("no response from origin")
	errClientSend   = errors.New("failed to send response to client")
	errOriginBroken = errors.New("origin connection failed mid-response")
)

// fetchFailure maps an origin fetch error to the outcome and body sent to the client.
func fetchFailure(err error) (outcome, body string) {
	switch origin.StageOf(err) {
	case origin.StageResolve:
		return outcomeUnresolved, bodyNotFound
	case origin.StageConnect:
		return outcomeBadGateway, bodyBadGateway
	default:
		return outcomeInternalError, bodyInternalError
	}
}
