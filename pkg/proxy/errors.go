package proxy

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"

	log "github.com/charmbracelet/log"
	"github.com/lkarlslund/duckbridge/pkg/bridge"
	"github.com/lkarlslund/duckbridge/pkg/challenge"
	"github.com/lkarlslund/duckbridge/pkg/chatapi"
	"github.com/lkarlslund/duckbridge/pkg/duckchat"
)

const (
	errTypeInvalidRequest = "invalid_request_error"
	errTypeRateLimit      = "rate_limit_error"
	errTypeUpstream       = "upstream_error"
	errTypeInternal       = "internal_server_error"
	errTypeUnavailable    = "service_unavailable"

	internalErrorMessage = "Internal server error"
)

// apiError is an error already mapped to its HTTP representation.
type apiError struct {
	status     int
	body       chatapi.ErrorBody
	retryAfter string
}

func newErrorBody(message, typ string) chatapi.ErrorBody {
	return chatapi.ErrorBody{Message: message, Type: typ}
}

// classify maps bridge and upstream failures onto the OpenAI error envelope.
// Unknown errors become a generic 500 without detail.
func classify(err error) apiError {
	var (
		verr *bridge.ValidationError
		rerr *duckchat.RateLimitedError
		uerr *duckchat.UpstreamError
		cerr *challenge.Error
	)
	switch {
	case errors.As(err, &verr):
		return apiError{status: http.StatusBadRequest, body: newErrorBody(verr.Message, errTypeInvalidRequest)}
	case errors.As(err, &rerr):
		secs := int(math.Ceil(rerr.RetryAfter.Seconds()))
		if secs < 1 {
			secs = 1
		}
		return apiError{
			status:     http.StatusTooManyRequests,
			body:       newErrorBody(fmt.Sprintf("Upstream rate limit reached. Retry after %d seconds.", secs), errTypeRateLimit),
			retryAfter: strconv.Itoa(secs),
		}
	case errors.As(err, &cerr):
		return apiError{status: http.StatusBadGateway, body: newErrorBody("Upstream challenge could not be solved", errTypeUpstream)}
	case errors.As(err, &uerr):
		return apiError{status: http.StatusBadGateway, body: newErrorBody(fmt.Sprintf("Upstream request failed with status %d", uerr.StatusCode), errTypeUpstream)}
	case errors.Is(err, context.DeadlineExceeded):
		return apiError{status: http.StatusGatewayTimeout, body: newErrorBody("Upstream request timed out", errTypeUpstream)}
	}
	return apiError{status: http.StatusInternalServerError, body: newErrorBody(internalErrorMessage, errTypeInternal)}
}

func writeError(w http.ResponseWriter, status int, message, typ string) {
	writeJSON(w, status, chatapi.ErrorResponse{Error: newErrorBody(message, typ)})
}

// writeFailure logs err and writes its envelope. A caller that went away gets nothing.
func writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, context.Canceled) && r.Context().Err() != nil {
		log.Debug("client went away", "path", r.URL.Path)
		return
	}
	ae := classify(err)
	if ae.status >= http.StatusInternalServerError {
		log.Error("request failed", "path", r.URL.Path, "status", ae.status, "err", err)
	} else {
		log.Warn("request rejected", "path", r.URL.Path, "status", ae.status, "err", err)
	}
	if ae.retryAfter != "" {
		w.Header().Set("Retry-After", ae.retryAfter)
	}
	writeJSON(w, ae.status, chatapi.ErrorResponse{Error: ae.body})
}
