package errs

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
)

const (
	ErrCodeUnknownError    string = "UNKNOWN_ERROR"
	ErrCodeIllegalArgument string = "ILLEGAL_ARGUMENT"
)

var (
	ErrUnknownError    *MisoErr = NewErrfCode(ErrCodeUnknownError, "Unknown Error")
	ErrIllegalArgument *MisoErr = NewErrfCode(ErrCodeIllegalArgument, "Illegal Argument")
)

// Error with code, message and the stacktrace where it's created.
//
//	Use NewErrf(...), NewErrfCode(...) or WrapErrf(...) to instantiate.
type MisoErr struct {
	code        string // error code, used by errors.Is(...)
	msg         string // error message
	internalMsg string // extra message that is only logged
	stack       string
	err         error
}

func (e *MisoErr) Code() string {
	return e.code
}

func (e *MisoErr) Msg() string {
	return e.msg
}

func (e *MisoErr) Error() string {
	tok := make([]string, 0, 3)
	if e.msg != "" {
		tok = append(tok, e.msg)
	}
	if e.internalMsg != "" {
		tok = append(tok, e.internalMsg)
	}
	if e.err != nil {
		tok = append(tok, e.err.Error())
	}
	return strings.Join(tok, ", ")
}

func (e *MisoErr) Unwrap() error {
	return e.err
}

// Implements errors.Is check.
//
// Returns true if target is also a *MisoErr with the same non-empty code, so sentinels can be
// reused with different internal messages or causes:
//
//	var ErrRpcTimeout = errs.NewErrfCode("RPC_TIMEOUT", "rpc request timeout")
//
//	err := ErrRpcTimeout.WithInternalMsg("queue: %v", queue)
//	errors.Is(err, ErrRpcTimeout) // true
func (e *MisoErr) Is(target error) bool {
	if tme, ok := target.(*MisoErr); ok && e.code != "" && e.code == tme.code {
		return true
	}
	return false
}

// Create new *MisoErr that wraps the cause.
//
// If cause is nil, nil is returned.
func (e *MisoErr) Wrap(cause error) error {
	if cause == nil {
		return nil
	}
	n := e.copyNew()
	n.err = cause
	n.withStack()
	return n
}

// Create new *MisoErr that wraps the cause with internal message.
//
// If cause is nil, nil is returned.
func (e *MisoErr) Wrapf(cause error, internalMsg string, args ...any) error {
	if cause == nil {
		return nil
	}
	n := e.copyNew()
	n.err = cause
	n.internalMsg = sprintf(internalMsg, args...)
	n.withStack()
	return n
}

// Create new *MisoErr with the same code and message.
func (e *MisoErr) WithInternalMsg(msg string, args ...any) *MisoErr {
	n := e.copyNew()
	n.internalMsg = sprintf(msg, args...)
	n.withStack()
	return n
}

// Create new *MisoErr with the same code and message, and a new stacktrace.
func (e *MisoErr) New() error {
	n := e.copyNew()
	n.withStack()
	return n
}

func (e *MisoErr) copyNew() *MisoErr {
	return &MisoErr{
		code:        e.code,
		msg:         e.msg,
		internalMsg: e.internalMsg,
		err:         e.err,
	}
}

func (e *MisoErr) withStack() {
	e.stack = stack(4)
}

// Create new *MisoErr with message.
func NewErrf(msg string, args ...any) *MisoErr {
	me := &MisoErr{msg: sprintf(msg, args...)}
	me.withStack()
	return me
}

// Create new *MisoErr with code and message.
func NewErrfCode(code string, msg string, args ...any) *MisoErr {
	me := &MisoErr{code: code, msg: sprintf(msg, args...)}
	me.withStack()
	return me
}

// Wrap an error to create new *MisoErr with message.
//
// If the wrapped err is nil, nil is returned.
func WrapErrf(err error, msg string, args ...any) error {
	if err == nil {
		return nil
	}
	me := &MisoErr{msg: sprintf(msg, args...), err: err}
	me.withStack()
	return me
}

// Find the stacktrace of the innermost *MisoErr.
func UnwrapErrStack(err error) (string, bool) {
	var stack string
	for ue := err; ue != nil; ue = errors.Unwrap(ue) {
		if me, ok := ue.(*MisoErr); ok && me != nil && me.stack != "" {
			stack = me.stack
		}
	}
	return stack, stack != ""
}

func sprintf(msg string, args ...any) string {
	if len(args) > 0 {
		return fmt.Sprintf(msg, args...)
	}
	return msg
}

var stackPool = sync.Pool{
	New: func() any {
		v := make([]uintptr, 50)
		return &v
	},
}

func stack(skip int) string {
	pcs := stackPool.Get().(*[]uintptr)
	defer func() {
		clear(*pcs)
		stackPool.Put(pcs)
	}()

	n := runtime.Callers(skip, *pcs)
	frames := runtime.CallersFrames((*pcs)[:n])
	b := strings.Builder{}
	for {
		f, more := frames.Next()
		b.WriteString(fmt.Sprintf("\n\t%v\n\t\t%v:%v", f.Function, f.File, f.Line))
		if !more {
			break
		}
	}
	return b.String()
}
