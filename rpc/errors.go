package rpc

import (
	"errors"
	"fmt"
)

// JSON-RPC error codes the monitor cares about
const (
	// CodeMethodNotFound is returned for unknown or disabled methods.
	CodeMethodNotFound = -32601

	// CodeInvalidAddressOrKey is Bitcoin Core's "No such mempool or
	// blockchain transaction" code.
	CodeInvalidAddressOrKey = -5
)

// Kind classifies a failed call
type Kind int

const (
	KindUnreachable Kind = iota + 1
	KindUnauthorized
	KindMethodUnsupported
	KindNodeError
	KindMalformed
)

func (k Kind) String() string {
	switch k {
	case KindUnreachable:
		return "unreachable"
	case KindUnauthorized:
		return "unauthorized"
	case KindMethodUnsupported:
		return "method unsupported"
	case KindNodeError:
		return "node error"
	case KindMalformed:
		return "malformed response"
	default:
		return "unknown"
	}
}

// Error is returned by every failed call
type Error struct {
	Kind   Kind
	Method string
	// Code and Message are the node's JSON-RPC error, if it sent one.
	Code    int
	Message string
	// HTTPStatus is set when the failure came with an HTTP response.
	HTTPStatus int
	Err        error
}

// Sentinels for errors.Is matching on the failure kind alone
var (
	ErrUnreachable       = &Error{Kind: KindUnreachable}
	ErrUnauthorized      = &Error{Kind: KindUnauthorized}
	ErrMethodUnsupported = &Error{Kind: KindMethodUnsupported}
	ErrNodeError         = &Error{Kind: KindNodeError}
	ErrMalformed         = &Error{Kind: KindMalformed}
)

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Method != "" {
		msg = e.Method + ": " + msg
	}
	switch {
	case e.Code != 0:
		msg = fmt.Sprintf("%s (code %d: %s)", msg, e.Code, e.Message)
	case e.HTTPStatus != 0 && e.Message != "":
		msg = fmt.Sprintf("%s (HTTP %d: %s)", msg, e.HTTPStatus, e.Message)
	case e.HTTPStatus != 0:
		msg = fmt.Sprintf("%s (HTTP %d)", msg, e.HTTPStatus)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches sentinels by kind
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Method == "" && t.Code == 0 && t.HTTPStatus == 0 && t.Err == nil && t.Kind == e.Kind
}

// KindOf extracts the failure kind of an error chain, or 0
func KindOf(err error) Kind {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr.Kind
	}
	return 0
}

// classifyNodeError maps a JSON-RPC error object to a failure kind
func classifyNodeError(method string, status int, obj *rpcError) *Error {
	kind := KindNodeError
	if obj.Code == CodeMethodNotFound {
		kind = KindMethodUnsupported
	}
	return &Error{
		Kind:       kind,
		Method:     method,
		Code:       obj.Code,
		Message:    obj.Message,
		HTTPStatus: status,
	}
}
