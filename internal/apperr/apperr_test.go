package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, http.StatusOK},
		{"validation", Validationf("need %d files", 2), http.StatusBadRequest},
		{"size limit", &SizeLimitError{Total: 10, Limit: 5}, http.StatusBadRequest},
		{"not found wrapped", fmt.Errorf("load: %w", NotFound("document", "d1")), http.StatusNotFound},
		{"invalid source", &InvalidSourceError{Path: "a.pdf", Err: errors.New("bad xref")}, http.StatusUnprocessableEntity},
		{"transport", &TransportError{Op: "append chunk", Err: errors.New("reset")}, http.StatusBadGateway},
		{"fatal", &FatalError{Step: "delete document", Err: errors.New("boom")}, http.StatusInternalServerError},
		{"plain", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.err))
		})
	}
}

func TestErrorMessages(t *testing.T) {
	err := &InvalidSourceError{Path: "temp-S1/b.pdf", Err: errors.New("no trailer")}
	assert.Contains(t, err.Error(), "temp-S1/b.pdf")

	fatal := &FatalError{Step: "delete document", Err: errors.New("deadline")}
	assert.True(t, errors.Is(fatal, fatal.Err))
	assert.Contains(t, fatal.Error(), "earlier steps")
}
