// Package errs defines the structured error categories shared across
// medialib components: buffer pool, pipeline stages, denoise, HDR stitcher
// and the accelerator binding layer.
package errs

import "fmt"

// Code is a high-level error category. Stage process() functions, configure
// calls and pool operations all return errors tagged with one of these so
// callers can branch on category without string matching.
type Code string

const (
	Success             Code = "success"
	InvalidArgument     Code = "invalid argument"
	Configuration       Code = "configuration error"
	BufferAllocation    Code = "buffer allocation error"
	BufferNotFound      Code = "buffer not found"
	Uninitialized       Code = "uninitialized"
	Pipeline            Code = "pipeline error"
	DMA                 Code = "dma error"
	MediaLibrary        Code = "media library error"
	Accelerator         Code = "accelerator runtime error"
)

// Error is a structured medialib error with an operation name, category and
// an optional wrapped cause.
type Error struct {
	Op    string // operation that failed, e.g. "bufpool.Acquire", "denoise.Configure"
	Code  Code
	Msg   string
	Inner error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Op != "" {
		if e.Inner != nil {
			return fmt.Sprintf("medialib: %s: %s: %v", e.Op, msg, e.Inner)
		}
		return fmt.Sprintf("medialib: %s: %s", e.Op, msg)
	}
	if e.Inner != nil {
		return fmt.Sprintf("medialib: %s: %v", msg, e.Inner)
	}
	return fmt.Sprintf("medialib: %s", msg)
}

func (e *Error) Unwrap() error { return e.Inner }

// Is supports errors.Is(err, SomeCode)-style comparisons by category.
func (e *Error) Is(target error) bool {
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// New builds a new categorized error.
func New(op string, code Code, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg}
}

// Wrap builds a new categorized error that wraps cause.
func Wrap(op string, code Code, cause error) *Error {
	return &Error{Op: op, Code: code, Inner: cause}
}

// Of returns a sentinel *Error for category comparisons, e.g.
// errors.Is(err, errs.Of(errs.BufferAllocation)).
func Of(code Code) *Error {
	return &Error{Code: code}
}
