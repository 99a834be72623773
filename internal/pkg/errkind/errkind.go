// Package errkind 定义跨层共享的错误分类。
package errkind

import (
	"errors"
	"fmt"
)

type Kind string

const (
	Unknown             Kind = "unknown"
	NetworkFailure      Kind = "network-failure"
	UpstreamRejected    Kind = "upstream-rejected"
	UpstreamUnavailable Kind = "upstream-unavailable"
	MalformedResponse   Kind = "malformed-response"
	StorageUnavailable  Kind = "storage-unavailable"
	InsufficientData    Kind = "insufficient-data"
	DivisionUndefined   Kind = "division-undefined"
	InvalidArgument     Kind = "invalid-argument"
	NotFound            Kind = "not-found"
	Conflict            Kind = "conflict"
)

// Error 携带分类、操作名与可选的上游 HTTP 状态码。
type Error struct {
	Kind   Kind
	Op     string
	Status int
	Msg    string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Status > 0 {
		msg = fmt.Sprintf("status %d: %s", e.Status, msg)
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Op, msg, e.Kind)
	}
	return fmt.Sprintf("%s (%s)", msg, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is 允许 errors.Is(err, &Error{Kind: X}) 按分类匹配。
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Msg == "" && t.Err == nil
}

func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// WithStatus 用于保留上游返回的 HTTP 状态码。
func WithStatus(kind Kind, op string, status int, msg string) *Error {
	return &Error{Kind: kind, Op: op, Status: status, Msg: msg}
}

// KindOf 返回错误链上最外层的分类；非本包错误返回 Unknown。
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// StatusOf 返回链上第一个非零的上游状态码。
func StatusOf(err error) int {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return 0
		}
		if e.Status > 0 {
			return e.Status
		}
		err = e.Err
	}
	return 0
}
