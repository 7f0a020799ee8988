package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/followreach-backend/internal/errors"
	"github.com/unclebandit/followreach-backend/internal/service"
)

// Error kinds reported in Response.ErrorKind.
const (
	KindValidation  = "validation"
	KindConflict    = "conflict"
	KindNoSession   = "no_session"
	KindNotFound    = "not_found"
	KindIO          = "io"
	KindSession     = "session"
	KindUnavailable = "unavailable"
	KindInternal    = "internal"
)

// Response is the tagged result of every operation. Failures always carry
// Error "Internal" plus a machine readable kind.
type Response struct {
	Success      bool           `json:"success"`
	Data         any            `json:"data,omitempty"`
	Pagination   map[string]int `json:"pagination,omitempty"`
	Error        string         `json:"error,omitempty"`
	ErrorKind    string         `json:"errorKind,omitempty"`
	ErrorMessage string         `json:"errorMessage,omitempty"`
	Field        string         `json:"field,omitempty"`
}

func WriteJSON(w http.ResponseWriter, status int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

// OK writes a successful response.
func OK(w http.ResponseWriter, status int, data any) {
	WriteJSON(w, status, Response{Success: true, Data: data})
}

// Fail writes err as a failed response and logs unexpected failures.
func Fail(w http.ResponseWriter, logger *zap.Logger, err error) {
	status, resp := Classify(err)
	if status >= http.StatusInternalServerError && logger != nil {
		logger.Error("request failed", zap.String("kind", resp.ErrorKind), zap.Error(err))
	}
	WriteJSON(w, status, resp)
}

// Classify maps an error onto an HTTP status and a failure response.
func Classify(err error) (int, Response) {
	resp := Response{Success: false, Error: "Internal", ErrorMessage: err.Error()}

	var validation *appErrors.ValidationError
	var conflict *appErrors.ConflictError
	var notFound *appErrors.ErrRunNotFound
	var ioErr *appErrors.IOError

	switch {
	case errors.As(err, &validation):
		resp.ErrorKind = KindValidation
		resp.Field = validation.Field
		return http.StatusBadRequest, resp
	case errors.As(err, &conflict):
		resp.ErrorKind = KindConflict
		return http.StatusConflict, resp
	case errors.Is(err, appErrors.ErrNoSession):
		resp.ErrorKind = KindNoSession
		return http.StatusServiceUnavailable, resp
	case errors.As(err, &notFound), errors.Is(err, appErrors.ErrNoActiveCampaign):
		resp.ErrorKind = KindNotFound
		return http.StatusNotFound, resp
	case errors.As(err, &ioErr):
		resp.ErrorKind = KindIO
		return http.StatusInternalServerError, resp
	case appErrors.IsSessionError(err):
		resp.ErrorKind = KindSession
		return http.StatusBadGateway, resp
	case errors.Is(err, service.ErrCacheClosed), errors.Is(err, service.ErrRunnerClosed):
		resp.ErrorKind = KindUnavailable
		return http.StatusServiceUnavailable, resp
	}
	resp.ErrorKind = KindInternal
	return http.StatusInternalServerError, resp
}
