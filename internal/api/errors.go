package api

import (
	"encoding/json"
	"net/http"

	"github.com/lakekeeper/lakekeeper-go/internal/apierr"
	"github.com/lakekeeper/lakekeeper-go/pkg/logger"
)

func errUnauthorized(msg string) error {
	return apierr.Unauthorized("%s", msg)
}

// auditAuthFailure records a rejected token at the audit level.
func auditAuthFailure(r *http.Request, err error) logger.AuditEvent {
	return logger.AuditEvent{
		Actor:    "anonymous",
		Action:   "authenticate",
		Entity:   r.URL.Path,
		Decision: "deny",
		Reason:   err.Error(),
	}
}

// icebergError is the on-wire Iceberg REST error envelope.
type icebergError struct {
	Error struct {
		Message string   `json:"message"`
		Type    string   `json:"type"`
		Code    int      `json:"code"`
		Stack   []string `json:"stack,omitempty"`
	} `json:"error"`
}

// writeJSONResponse writes a JSON response with the given status code
func writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// writeError maps a typed error to the Iceberg envelope. Internal stacks are
// logged with the error id and suppressed from 5xx bodies.
func writeError(w http.ResponseWriter, log *logger.Logger, err error) {
	apiErr := apierr.From(err)
	status := apiErr.Kind.HTTPStatus()

	var envelope icebergError
	envelope.Error.Message = apiErr.Message
	envelope.Error.Type = apiErr.Type
	envelope.Error.Code = status
	if status < 500 {
		envelope.Error.Stack = apiErr.Stack
	} else {
		log.WithFields(map[string]interface{}{
			"error_id": apiErr.ErrorID.String(),
			"stack":    apiErr.Stack,
		}).Errorf("Internal error: %s", apiErr.Message)
		envelope.Error.Message = "internal server error (id " + apiErr.ErrorID.String() + ")"
	}

	writeJSONResponse(w, status, envelope)
}
