// Package apierror maps engine errors onto HTTP responses.
package apierror

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/voicebridge/voicebridge/pkg/core"
)

// Body is the JSON error envelope every API error uses.
type Body struct {
	Error struct {
		Code      core.Code `json:"code"`
		Message   string    `json:"message"`
		RequestID string    `json:"request_id,omitempty"`
	} `json:"error"`
}

// FromError converts an error into its envelope and HTTP status. Errors
// outside the taxonomy become an opaque 500; internals never leak.
func FromError(err error, requestID string) (Body, int) {
	var body Body
	body.Error.RequestID = requestID

	var coreErr *core.Error
	if errors.As(err, &coreErr) && coreErr != nil {
		body.Error.Code = coreErr.Code
		body.Error.Message = coreErr.Message
		return body, statusFromCode(coreErr.Code)
	}

	body.Error.Code = core.CodeUnknown
	body.Error.Message = "internal error"
	return body, http.StatusInternalServerError
}

// Write renders err as a JSON response.
func Write(w http.ResponseWriter, err error, requestID string) {
	body, status := FromError(err, requestID)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func statusFromCode(code core.Code) int {
	switch code {
	case core.CodeSessionNotFound:
		return http.StatusNotFound
	case core.CodeSignatureInvalid:
		return http.StatusForbidden
	case core.CodeUnsupportedAudioFormat:
		return http.StatusUnprocessableEntity
	case core.CodeProviderUnavailable:
		return http.StatusServiceUnavailable
	case core.CodeConnectionError:
		return http.StatusBadGateway
	case core.CodeProtocolError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
