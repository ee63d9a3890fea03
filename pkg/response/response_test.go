package response

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-automation/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func serve(method string, err error) *httptest.ResponseRecorder {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Handle(method, "/", func(c *gin.Context) {
		Handle(c, map[string]string{"ok": "yes"}, err)
	})
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(method, "/", nil))
	return w
}

func TestHandle_MapsDomainErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"validation", fmt.Errorf("amount: %w", types.ErrValidation), http.StatusBadRequest, ErrCodeValidationFailed},
		{"not found", fmt.Errorf("rule RBR_1: %w", types.ErrNotFound), http.StatusNotFound, ErrCodeNotFound},
		{"record not found", gorm.ErrRecordNotFound, http.StatusNotFound, ErrCodeNotFound},
		{"lock contention", fmt.Errorf("AIR_1: %w", types.ErrLockContention), http.StatusConflict, ErrCodeConflict},
		{"invalid transition", types.ErrInvalidTransition, http.StatusConflict, ErrCodeConflict},
		{"already claimed", types.ErrAlreadyClaimed, http.StatusConflict, ErrCodeAlreadyClaimed},
		{"not authorized", types.ErrNotAuthorized, http.StatusForbidden, ErrCodeNotAuthorized},
		{"unknown", errors.New("disk on fire"), http.StatusInternalServerError, ErrCodeInternalError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(http.MethodGet, tt.err)
			assert.Equal(t, tt.status, w.Code)

			var body Response
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.False(t, body.Success)
			require.NotNil(t, body.Error)
			assert.Equal(t, tt.code, body.Error.Code)
		})
	}
}

func TestHandle_InternalErrorsAreNotLeaked(t *testing.T) {
	w := serve(http.MethodGet, errors.New("dial tcp 10.0.0.4:5432: refused"))
	assert.NotContains(t, w.Body.String(), "10.0.0.4")
}

func TestHandle_SuccessStatusFollowsMethod(t *testing.T) {
	assert.Equal(t, http.StatusOK, serve(http.MethodGet, nil).Code)
	assert.Equal(t, http.StatusCreated, serve(http.MethodPost, nil).Code)
}
