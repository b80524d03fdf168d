package jsonrpc

import (
	"errors"
	"fmt"
)

// ErrorCode is a JSON-RPC 2.0 error code.
type ErrorCode int

const (
	// ErrorCodeParseError indicates invalid JSON was received by the server.
	ErrorCodeParseError ErrorCode = -32700
	// ErrorCodeInvalidRequest indicates the JSON sent is not a valid Request object.
	ErrorCodeInvalidRequest ErrorCode = -32600
	// ErrorCodeMethodNotFound indicates the method does not exist / is not available.
	ErrorCodeMethodNotFound ErrorCode = -32601
	// ErrorCodeInvalidParams indicates invalid method parameters.
	ErrorCodeInvalidParams ErrorCode = -32602
	// ErrorCodeInternalError indicates an internal JSON-RPC error.
	ErrorCodeInternalError ErrorCode = -32603

	// ErrorCodeNotFound indicates a named entity (tool, resource, prompt) does not exist.
	ErrorCodeNotFound ErrorCode = -32001
	// ErrorCodeNotInitialized indicates a request arrived before the
	// initialize handshake completed.
	ErrorCodeNotInitialized ErrorCode = -32002
	// ErrorCodeUnauthorized indicates missing or invalid credentials.
	ErrorCodeUnauthorized ErrorCode = -32003
	// ErrorCodeForbidden indicates the authenticated caller lacks access.
	ErrorCodeForbidden ErrorCode = -32004
	// ErrorCodeRequestTimeout indicates a server-initiated request was not
	// answered before its deadline.
	ErrorCodeRequestTimeout ErrorCode = -32005
	// ErrorCodeNoStreamingSession indicates a server-initiated request could
	// not be routed because the session has no open stream.
	ErrorCodeNoStreamingSession ErrorCode = -32006
)

// Error is a JSON-RPC error object. It implements the error interface so
// handlers can return it directly; the dispatcher passes it to the client
// verbatim while any other error is replaced with a generic internal error.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Data    any       `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// NewError builds a domain error carrying a stable wire code.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// AsDomainError extracts a wire-safe *Error from err, reporting whether the
// error may propagate to the client with its code preserved.
func AsDomainError(err error) (*Error, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}
