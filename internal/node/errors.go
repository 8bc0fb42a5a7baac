package node

import (
	"errors"
	"fmt"
)

// Code 业务错误码
type Code string

const (
	CodeNodeNotFound           Code = "NODE_NOT_FOUND"
	CodeNodeIPDuplicate        Code = "NODE_IP_DUPLICATE"
	CodeNodeQuotaExceeded      Code = "NODE_QUOTA_EXCEEDED"
	CodeOrderNotFound          Code = "ORDER_NOT_FOUND"
	CodeCloudResNotAvailable   Code = "CLOUD_RES_NOT_AVAILABLE"
	CodeAgentIsInstalled       Code = "AGENT_IS_INSTALLED"
	CodeInstallAgentFailed     Code = "INSTALL_AGENT_FAILED"
	CodeRestartAgentFailed     Code = "RESTART_AGENT_FAILED"
	CodeNodeUnreachable        Code = "NODE_UNREACHABLE"
	CodeUnsupportedOS          Code = "UNSUPPORTED_OS"
	CodePurchasedNodeProtected Code = "PURCHASED_NODE_PROTECTED"
	CodeInvalidArgument        Code = "INVALID_ARGUMENT"
)

// Error 节点业务错误
//
// Detail 携带给调用方的诊断信息（如安装脚本的原始输出）。
type Error struct {
	Code    Code
	Message string
	Detail  string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is 按错误码比较，便于 errors.Is(err, ErrNodeNotFound)
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// 用于 errors.Is 判断的哨兵错误
var (
	ErrNodeNotFound           = &Error{Code: CodeNodeNotFound}
	ErrNodeIPDuplicate        = &Error{Code: CodeNodeIPDuplicate}
	ErrNodeQuotaExceeded      = &Error{Code: CodeNodeQuotaExceeded}
	ErrOrderNotFound          = &Error{Code: CodeOrderNotFound}
	ErrCloudResNotAvailable   = &Error{Code: CodeCloudResNotAvailable}
	ErrAgentIsInstalled       = &Error{Code: CodeAgentIsInstalled}
	ErrInstallAgentFailed     = &Error{Code: CodeInstallAgentFailed}
	ErrRestartAgentFailed     = &Error{Code: CodeRestartAgentFailed}
	ErrNodeUnreachable        = &Error{Code: CodeNodeUnreachable}
	ErrUnsupportedOS          = &Error{Code: CodeUnsupportedOS}
	ErrPurchasedNodeProtected = &Error{Code: CodePurchasedNodeProtected}
	ErrInvalidArgument        = &Error{Code: CodeInvalidArgument}
)

func newError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func wrapError(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf 提取错误码，非业务错误返回空串
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
