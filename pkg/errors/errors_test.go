package errors_test

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	apperrors "github.com/koopa0/system-design/14-multiplayer-relay/pkg/errors"
)

// TestAppError_Classification 測試錯誤分類輔助函數
func TestAppError_Classification(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		malformed   bool
		unavailable bool
		sendFailed  bool
	}{
		{name: "malformed", err: apperrors.ErrMalformedMessage, malformed: true},
		{name: "unknown type counts as malformed", err: apperrors.ErrUnknownMessageType, malformed: true},
		{
			name:        "wrapped store failure",
			err:         fmt.Errorf("load alice: %w", apperrors.Wrap(stderrors.New("dial tcp"), apperrors.ErrCodeStoreUnavailable, "postgres")),
			unavailable: true,
		},
		{name: "buffer full", err: apperrors.ErrSendBufferFull, sendFailed: true},
		{name: "closed", err: apperrors.ErrConnectionClosed, sendFailed: true},
		{name: "plain error", err: stderrors.New("boom")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.malformed, apperrors.IsMalformed(tt.err))
			assert.Equal(t, tt.unavailable, apperrors.IsStoreUnavailable(tt.err))
			assert.Equal(t, tt.sendFailed, apperrors.IsSendFailed(tt.err))
		})
	}
}

// TestAppError_IsAndUnwrap 測試 errors.Is 以錯誤碼比對
func TestAppError_IsAndUnwrap(t *testing.T) {
	cause := stderrors.New("connection refused")
	err := apperrors.Wrap(cause, apperrors.ErrCodeStoreUnavailable, "redis")

	assert.ErrorIs(t, err, apperrors.ErrStoreUnavailable)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, apperrors.ErrMalformedMessage)
	assert.Equal(t, "[STORE_UNAVAILABLE] redis: connection refused", err.Error())
}

// TestAppError_WithDetails 測試預定義錯誤不被修改
func TestAppError_WithDetails(t *testing.T) {
	detailed := apperrors.ErrInvalidConfig.WithDetails("port out of range")

	assert.Equal(t, "port out of range", detailed.Details)
	assert.Empty(t, apperrors.ErrInvalidConfig.Details)
	assert.ErrorIs(t, detailed, apperrors.ErrInvalidConfig)
}
