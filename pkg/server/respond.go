package server

import (
	"encoding/json"
	"net/http"

	"github.com/omayhemo/debughost/pkg/apperr"
	"github.com/sirupsen/logrus"
)

// errorPayload is the wire shape of every failed operation.
type errorPayload struct {
	Code     string            `json:"code"`
	Message  string            `json:"message"`
	Guidance []string          `json:"guidance,omitempty"`
	Fields   map[string]string `json:"fields,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(log *logrus.Entry, w http.ResponseWriter, err error) {
	code := apperr.CodeOf(err)

	payload := errorPayload{
		Code:     string(code),
		Message:  err.Error(),
		Guidance: apperr.GuidanceOf(err),
		Fields:   apperr.FieldsOf(err),
	}
	if payload.Code == "" {
		payload.Code = string(apperr.EngineError)
	}

	status := statusFor(code)
	if status >= http.StatusInternalServerError {
		log.WithError(err).Error("request failed")
	} else {
		log.WithError(err).Debug("request rejected")
	}

	writeJSON(w, status, payload)
}

func statusFor(code apperr.Code) int {
	switch code {
	case apperr.ValidationError, apperr.InvalidWorkspace:
		return http.StatusBadRequest
	case apperr.NotFound:
		return http.StatusNotFound
	case apperr.DuplicateWorkspace, apperr.PortConflict, apperr.NetworkConflict, apperr.OperationInProgress:
		return http.StatusConflict
	case apperr.NoPortAvailable:
		return http.StatusServiceUnavailable
	case apperr.StartupTimeout, apperr.StopTimeout:
		return http.StatusGatewayTimeout
	case apperr.EngineError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(r *http.Request, v interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.Newf(apperr.ValidationError, "invalid request body: %v", err)
	}
	return nil
}
