// Package errors 提供中繼服務的錯誤分類
//
// 協議本身沒有錯誤訊息種類，這裡的錯誤只用於日誌與內部判斷，
// 永遠不會序列化回客戶端。
package errors

import (
	"errors"
	"fmt"
)

// 定義錯誤碼
const (
	// ErrCodeMalformed 無法解析的訊息（非 JSON、缺少 type）
	ErrCodeMalformed = "MALFORMED_MESSAGE"
	// ErrCodeUnknownType 未知的訊息類型
	ErrCodeUnknownType = "UNKNOWN_TYPE"
	// ErrCodeStoreUnavailable 持久化後端不可用
	ErrCodeStoreUnavailable = "STORE_UNAVAILABLE"
	// ErrCodeSendFailed 寫入連接失敗
	ErrCodeSendFailed = "SEND_FAILED"
	// ErrCodeConnectionClosed 連接已關閉
	ErrCodeConnectionClosed = "CONNECTION_CLOSED"
	// ErrCodeInvalidConfig 無效配置
	ErrCodeInvalidConfig = "INVALID_CONFIG"
)

// AppError 應用程式錯誤
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Err     error  `json:"-"`
}

// Error 實現 error 介面
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 實現 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is 實現 errors.Is，以錯誤碼比對
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New 創建新的應用程式錯誤
func New(code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap 包裝錯誤
func Wrap(err error, code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithDetails 返回帶有詳細資訊的副本
//
// 預定義錯誤是共用的，所以這裡不修改接收者本身。
func (e *AppError) WithDetails(details string) *AppError {
	cp := *e
	cp.Details = details
	return &cp
}

// 預定義錯誤
var (
	// ErrMalformedMessage 訊息格式錯誤
	ErrMalformedMessage = New(ErrCodeMalformed, "malformed message")

	// ErrUnknownMessageType 未知訊息類型
	ErrUnknownMessageType = New(ErrCodeUnknownType, "unknown message type")

	// ErrStoreUnavailable 持久化後端不可用
	ErrStoreUnavailable = New(ErrCodeStoreUnavailable, "persistence store unavailable")

	// ErrUnsupportedStore 不支援的持久化 URL
	ErrUnsupportedStore = New(ErrCodeInvalidConfig, "unsupported persistence url")

	// ErrSendBufferFull 連接發送緩衝區已滿
	ErrSendBufferFull = New(ErrCodeSendFailed, "send buffer full")

	// ErrConnectionClosed 連接已關閉
	ErrConnectionClosed = New(ErrCodeConnectionClosed, "connection closed")

	// ErrInvalidConfig 配置錯誤
	ErrInvalidConfig = New(ErrCodeInvalidConfig, "invalid configuration")
)

// IsMalformed 檢查是否為訊息格式錯誤（含未知類型）
func IsMalformed(err error) bool {
	return hasCode(err, ErrCodeMalformed) || hasCode(err, ErrCodeUnknownType)
}

// IsStoreUnavailable 檢查是否為持久化不可用錯誤
func IsStoreUnavailable(err error) bool {
	return hasCode(err, ErrCodeStoreUnavailable)
}

// IsSendFailed 檢查是否為寫入失敗（緩衝區滿或連接已關閉）
func IsSendFailed(err error) bool {
	return hasCode(err, ErrCodeSendFailed) || hasCode(err, ErrCodeConnectionClosed)
}

func hasCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}
