package proto

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownTag is a frame whose tag is not valid in its direction. The
	// frame is rejected and the connection kept.
	ErrUnknownTag = errors.New("unknown tag")
	// ErrMalformed is a frame of a known tag that cannot be decoded.
	ErrMalformed = errors.New("malformed frame")
	// ErrOutOfRange is a page or offset outside the checkbox space.
	ErrOutOfRange = errors.New("checkbox out of range")
	// ErrRateLimited is a command refused because the session sends too fast.
	ErrRateLimited = errors.New("rate limited")
	// ErrUnavailable is a command the server could not serve right now.
	ErrUnavailable = errors.New("unavailable")
)

// Code is the numeric error code carried by an Error frame.
type Code uint32

const (
	CodeUnknown Code = iota
	CodeUnknownMethod
	CodeMalformed
	CodeOutOfRange
	CodeRateLimited
	CodeUnavailable
)

func (c Code) String() string {
	switch c {
	case CodeUnknown:
		return "unknown"
	case CodeUnknownMethod:
		return "unknown method"
	case CodeMalformed:
		return "malformed"
	case CodeOutOfRange:
		return "out of range"
	case CodeRateLimited:
		return "rate limited"
	case CodeUnavailable:
		return "unavailable"
	default:
		return fmt.Sprintf("code %d", uint32(c))
	}
}

// RPCError is a command rejected by the server.
type RPCError struct {
	Code    Code
	Message string
}

func (e *RPCError) Error() string {
	if e.Message == "" {
		return "rpc error: " + e.Code.String()
	}
	return fmt.Sprintf("rpc error: %s: %s", e.Code, e.Message)
}

// Is lets errors.Is match an RPCError against the sentinel of its code.
func (e *RPCError) Is(target error) bool {
	switch target {
	case ErrUnknownTag:
		return e.Code == CodeUnknownMethod
	case ErrMalformed:
		return e.Code == CodeMalformed
	case ErrOutOfRange:
		return e.Code == CodeOutOfRange
	case ErrRateLimited:
		return e.Code == CodeRateLimited
	case ErrUnavailable:
		return e.Code == CodeUnavailable
	}
	return false
}

// ToRPCError maps any error returned while handling a command to the error
// sent back to the client.
func ToRPCError(err error) *RPCError {
	var rpc *RPCError
	switch {
	case errors.As(err, &rpc):
		return rpc
	case errors.Is(err, ErrUnknownTag):
		return &RPCError{Code: CodeUnknownMethod, Message: err.Error()}
	case errors.Is(err, ErrMalformed):
		return &RPCError{Code: CodeMalformed, Message: err.Error()}
	case errors.Is(err, ErrOutOfRange):
		return &RPCError{Code: CodeOutOfRange, Message: err.Error()}
	case errors.Is(err, ErrRateLimited):
		return &RPCError{Code: CodeRateLimited}
	case errors.Is(err, ErrUnavailable):
		return &RPCError{Code: CodeUnavailable, Message: err.Error()}
	default:
		return &RPCError{Code: CodeUnknown, Message: err.Error()}
	}
}
