// Package errors 提供统一的错误处理机制
//
// 设计原则：
// 1. 所有错误都应该可以通过 errors.Is() 和 errors.As() 进行类型检查
// 2. 错误码对应隧道引擎的错误分类，决定错误的传播范围
// 3. 支持错误链（error wrapping）
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorCode 错误码类型
type ErrorCode string

// 错误码定义
const (
	// 隧道引擎错误分类
	CodeConfigError       ErrorCode = "CONFIG_ERROR"       // 路由语法/配置错误，只在解析阶段出现
	CodeDNSError          ErrorCode = "DNS_ERROR"          // 所有解析器均失败
	CodeTLSError          ErrorCode = "TLS_ERROR"          // 握手或证书错误
	CodeTransportError    ErrorCode = "TRANSPORT_ERROR"    // 升级/h2 协商失败或中途重置
	CodeProtocolError     ErrorCode = "PROTOCOL_ERROR"     // 本地协议协商错误（SOCKS5、CONNECT）
	CodeRestrictionDenied ErrorCode = "RESTRICTION_DENIED" // 服务端策略拒绝
	CodePoolExhausted     ErrorCode = "POOL_EXHAUSTED"     // 在调用方耐心范围内没有可用连接

	// 通用错误
	CodeInternal     ErrorCode = "INTERNAL_ERROR"
	CodeNetworkError ErrorCode = "NETWORK_ERROR"
	CodeTimeout      ErrorCode = "TIMEOUT"
	CodeCancelled    ErrorCode = "CANCELLED"
)

// Error 统一错误类型
type Error struct {
	Code    ErrorCode         // 错误码
	Message string            // 错误消息
	Cause   error             // 原始错误
	Details map[string]string // 额外详情
}

// Error 实现 error 接口
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 支持 errors.Unwrap
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is 支持 errors.Is 进行错误码比较
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail 添加详情
func (e *Error) WithDetail(key, value string) *Error {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// Detail 获取详情
func (e *Error) Detail(key string) string {
	if e.Details == nil {
		return ""
	}
	return e.Details[key]
}

// New 创建新错误
func New(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Newf 创建格式化错误
func Newf(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap 包装错误
func Wrap(err error, code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// Wrapf 格式化包装错误
func Wrapf(err error, code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Cause:   err,
	}
}

// GetCode 从错误中提取错误码
// 未分类的错误按 context/net 错误推断，其余归为 INTERNAL_ERROR
func GetCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	switch {
	case errors.Is(err, context.Canceled):
		return CodeCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return CodeTimeout
		}
		return CodeNetworkError
	}
	return CodeInternal
}

// IsCode 检查错误是否为指定错误码
func IsCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsRetryable 判断错误是否应该在退避后重试
// 配置、协议、策略错误重试也不会成功
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch GetCode(err) {
	case CodeDNSError, CodeTLSError, CodeTransportError, CodeNetworkError, CodeTimeout, CodePoolExhausted:
		return true
	default:
		return false
	}
}

// Is 重导出 errors.Is
var Is = errors.Is

// As 重导出 errors.As
var As = errors.As
