package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	gateway "github.com/switchyardio/switchyard/internal"
)

// errorStatus maps the internal error taxonomy onto HTTP status codes.
// Upstream-side failures (bad provider responses, exhausted pools, broken
// credentials) surface as gateway errors, never as the caller's fault.
func errorStatus(err error) int {
	switch gateway.KindOf(err) {
	case gateway.KindClientError, gateway.KindSwitchFailed:
		return http.StatusBadRequest
	case gateway.KindToolLoopExhausted:
		return http.StatusConflict
	case gateway.KindRateLimited:
		return http.StatusTooManyRequests
	case gateway.KindNoHealthyUpstream:
		return http.StatusServiceUnavailable
	case gateway.KindAuthError, gateway.KindServerError, gateway.KindProtocolViolation:
		return http.StatusBadGateway
	}
	switch {
	case errors.Is(err, gateway.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, gateway.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, gateway.ErrBadRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// wireErrorType maps an error onto the type vocabulary shared by the three
// client protocols.
func wireErrorType(err error) string {
	switch gateway.KindOf(err) {
	case gateway.KindRateLimited:
		return "rate_limit_error"
	case gateway.KindAuthError:
		return "authentication_error"
	case gateway.KindNoHealthyUpstream:
		return "overloaded_error"
	case gateway.KindServerError, gateway.KindProtocolViolation:
		return "api_error"
	}
	if errors.Is(err, gateway.ErrUnauthorized) {
		return "authentication_error"
	}
	return "invalid_request_error"
}

type chatError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

type anthropicError struct {
	Type  string `json:"type"` // always "error"
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// writeWireError renders err in the error shape of the client's protocol.
// A 429 carrying a retry hint also sets Retry-After.
func writeWireError(w http.ResponseWriter, proto gateway.Protocol, err error) {
	status := errorStatus(err)

	var ge *gateway.Error
	if errors.As(err, &ge) && ge.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(ge.RetryAfter.Seconds())))
	}

	switch proto {
	case gateway.ProtocolAnthropic:
		var e anthropicError
		e.Type = "error"
		e.Error.Type = wireErrorType(err)
		e.Error.Message = err.Error()
		writeJSON(w, status, e)
	default:
		// chat and responses share the {"error":{...}} envelope.
		var e chatError
		e.Error.Message = err.Error()
		e.Error.Type = wireErrorType(err)
		writeJSON(w, status, e)
	}
}

// jsonCT is a pre-allocated header value slice. Direct map assignment
// (w.Header()["Content-Type"] = jsonCT) avoids the []string{v} alloc
// that Header.Set creates on every call. Saves 1 alloc/req.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// writeRawJSON writes a pre-encoded JSON body.
func writeRawJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	w.Write(body)
}
