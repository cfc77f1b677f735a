package errors

// 预定义哨兵错误（用于 errors.Is 比较）
var (
	ErrConfig            = New(CodeConfigError, "invalid configuration")
	ErrDNS               = New(CodeDNSError, "dns resolution failed")
	ErrTLS               = New(CodeTLSError, "tls failure")
	ErrTransport         = New(CodeTransportError, "transport failure")
	ErrProtocol          = New(CodeProtocolError, "protocol error")
	ErrRestrictionDenied = New(CodeRestrictionDenied, "restriction denied")
	ErrPoolExhausted     = New(CodePoolExhausted, "no connection available")

	ErrInternal  = New(CodeInternal, "internal error")
	ErrTimeout   = New(CodeTimeout, "operation timeout")
	ErrCancelled = New(CodeCancelled, "operation cancelled")
)

// IsConfig 检查是否为配置错误
func IsConfig(err error) bool {
	return IsCode(err, CodeConfigError)
}

// IsProtocol 检查是否为本地协议错误
func IsProtocol(err error) bool {
	return IsCode(err, CodeProtocolError)
}

// IsRestrictionDenied 检查是否为策略拒绝
func IsRestrictionDenied(err error) bool {
	return IsCode(err, CodeRestrictionDenied)
}
