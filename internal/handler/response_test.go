package handler_test

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	appErrors "github.com/unclebandit/followreach-backend/internal/errors"
	"github.com/unclebandit/followreach-backend/internal/handler"
	"github.com/unclebandit/followreach-backend/internal/service"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		kind   string
		field  string
	}{
		{"validation", appErrors.NewValidation("targets", "must not be empty"), http.StatusBadRequest, handler.KindValidation, "targets"},
		{"conflict", appErrors.NewConflict("campaign", "busy"), http.StatusConflict, handler.KindConflict, ""},
		{"no session", fmt.Errorf("query: %w", appErrors.ErrNoSession), http.StatusServiceUnavailable, handler.KindNoSession, ""},
		{"run not found", appErrors.NewRunNotFound("c1"), http.StatusNotFound, handler.KindNotFound, ""},
		{"no active campaign", appErrors.ErrNoActiveCampaign, http.StatusNotFound, handler.KindNotFound, ""},
		{"io", appErrors.NewIO("commit page", errors.New("disk full")), http.StatusInternalServerError, handler.KindIO, ""},
		{"session", fmt.Errorf("fetching: %w", appErrors.ErrAuth), http.StatusBadGateway, handler.KindSession, ""},
		{"closed", service.ErrRunnerClosed, http.StatusServiceUnavailable, handler.KindUnavailable, ""},
		{"other", errors.New("boom"), http.StatusInternalServerError, handler.KindInternal, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, resp := handler.Classify(tt.err)
			assert.Equal(t, tt.status, status)
			assert.False(t, resp.Success)
			assert.Equal(t, "Internal", resp.Error)
			assert.Equal(t, tt.kind, resp.ErrorKind)
			assert.Equal(t, tt.field, resp.Field)
			assert.Equal(t, tt.err.Error(), resp.ErrorMessage)
		})
	}
}
