package model

import (
	"fmt"
	"strings"
)

// IncompleteBookingError 声明的类型缺少必填字段，记录被丢弃、邮件标记 failed
// 只有 oracle 重新提取才可能修复，重试即重新提取
type IncompleteBookingError struct {
	Kind    BookingKind
	Missing []string
}

func (e *IncompleteBookingError) Error() string {
	return fmt.Sprintf("incomplete %s booking: missing %s", e.Kind, strings.Join(e.Missing, ", "))
}

// AmbiguousIdentityError 无法构造确认号 identity key，降级为合成 key
// 只记日志，从不致命
type AmbiguousIdentityError struct {
	Kind   BookingKind
	Reason string
}

func (e *AmbiguousIdentityError) Error() string {
	return fmt.Sprintf("ambiguous identity for %s booking: %s", e.Kind, e.Reason)
}

// OracleUnavailableError oracle 暂时不可用（超时/限流/5xx），可退避重试
type OracleUnavailableError struct {
	Provider string
	Cause    error
}

func (e *OracleUnavailableError) Error() string {
	return fmt.Sprintf("oracle provider %s unavailable: %v", e.Provider, e.Cause)
}

func (e *OracleUnavailableError) Unwrap() error {
	return e.Cause
}

// OracleMalformedResponseError oracle 响应解析失败，按单封邮件失败处理
type OracleMalformedResponseError struct {
	Cause   error
	Snippet string
}

func (e *OracleMalformedResponseError) Error() string {
	if e.Snippet != "" {
		return fmt.Sprintf("malformed oracle response: %v (body: %q)", e.Cause, e.Snippet)
	}
	return fmt.Sprintf("malformed oracle response: %v", e.Cause)
}

func (e *OracleMalformedResponseError) Unwrap() error {
	return e.Cause
}
