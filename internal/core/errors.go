package core

import (
	"errors"
	"fmt"
)

// ErrorCode 可恢复错误的分类
type ErrorCode string

const (
	CodeRepresentation    ErrorCode = "representation"
	CodeRectification     ErrorCode = "rectification"
	CodeSolverUnavailable ErrorCode = "solver_unavailable"
	CodeSourceIO          ErrorCode = "source_io"
)

// 分类哨兵错误，配合 errors.Is 使用
var (
	ErrRepresentation    = errors.New("representation unavailable")
	ErrRectification     = errors.New("rectification failed")
	ErrSolverUnavailable = errors.New("solver unavailable")
	ErrSourceIO          = errors.New("source unreadable")
)

// Error 带分类的错误
type Error struct {
	Code ErrorCode
	Op   string
	Path string
	Err  error
}

// NewError 创建分类错误
func NewError(code ErrorCode, op, path string, err error) *Error {
	return &Error{Code: code, Op: op, Path: path, Err: err}
}

func (e *Error) Error() string {
	msg := string(e.Code)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Path != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Path)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is 按分类匹配哨兵错误
func (e *Error) Is(target error) bool {
	switch target {
	case ErrRepresentation:
		return e.Code == CodeRepresentation
	case ErrRectification:
		return e.Code == CodeRectification
	case ErrSolverUnavailable:
		return e.Code == CodeSolverUnavailable
	case ErrSourceIO:
		return e.Code == CodeSourceIO
	}
	return false
}

// CodeOf 返回错误链上的分类；未分类返回空串
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
