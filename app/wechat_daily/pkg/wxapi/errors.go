package wxapi

import (
	"errors"
	"fmt"
)

// ErrorKind 错误分类，决定调用方是重试、刷新凭证还是直接失败
type ErrorKind int

const (
	KindOther ErrorKind = iota
	KindAuth
	KindRateLimit
	KindMalformed
)

func (k ErrorKind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindRateLimit:
		return "rate_limit"
	case KindMalformed:
		return "malformed"
	}
	return "other"
}

// 常见错误码
const (
	CodeSystemBusy        = -1
	CodeInvalidSecret     = 40001
	CodeInvalidMediaID    = 40007
	CodeInvalidAppID      = 40013
	CodeInvalidToken      = 40014
	CodeInvalidArg        = 40097
	CodeInvalidAppSecret  = 40125
	CodeIPNotAllowed      = 40164
	CodeMissingToken      = 41001
	CodeTokenExpired      = 42001
	CodeContentTooLong    = 45002
	CodeTitleTooLong      = 45003
	CodeDigestTooLong     = 45004
	CodeAPIQuota          = 45009
	CodeAPIFrequency      = 45011
	CodeDraftLimitReached = 53404

	// CodeBadResponse 本地构造，响应无法解析或缺少必要字段
	CodeBadResponse = -9999
)

// APIError errcode 非 0 或响应无法解析
type APIError struct {
	Code int
	Msg  string
	Kind ErrorKind
}

func (e *APIError) Error() string {
	return fmt.Sprintf("wechat api error [%d] %s (%s)", e.Code, e.Msg, e.Kind)
}

func newAPIError(code int, msg string) *APIError {
	return &APIError{Code: code, Msg: msg, Kind: classify(code)}
}

func classify(code int) ErrorKind {
	switch code {
	case CodeInvalidSecret, CodeInvalidAppID, CodeInvalidToken, CodeIPNotAllowed,
		CodeMissingToken, CodeTokenExpired, CodeInvalidAppSecret:
		return KindAuth
	case CodeAPIQuota, CodeAPIFrequency, CodeSystemBusy, CodeDraftLimitReached:
		return KindRateLimit
	case CodeInvalidMediaID, CodeContentTooLong, CodeTitleTooLong, CodeDigestTooLong, CodeInvalidArg:
		return KindMalformed
	}
	return KindOther
}

// transient 频率限制与系统繁忙可以退避重试，配额用尽则不行。
// 响应无法解析时服务端可能已经执行，不重试。
func (e *APIError) transient() bool {
	if e.Kind != KindRateLimit {
		return false
	}
	return e.Code == CodeAPIFrequency || e.Code == CodeSystemBusy
}

func badResponse(msg string) *APIError {
	return &APIError{Code: CodeBadResponse, Msg: msg, Kind: KindMalformed}
}

// IsAuth 凭证类错误
func IsAuth(err error) bool {
	var e *APIError
	return errors.As(err, &e) && e.Kind == KindAuth
}

// IsRateLimit 频率或配额类错误
func IsRateLimit(err error) bool {
	var e *APIError
	return errors.As(err, &e) && e.Kind == KindRateLimit
}

// IsMalformed 请求或响应格式错误
func IsMalformed(err error) bool {
	var e *APIError
	return errors.As(err, &e) && e.Kind == KindMalformed
}
