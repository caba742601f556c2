package miso

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/curtisnewbie/shopbus/util/errs"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cast"
)

const (
	XTraceId  = "X-B3-TraceId"
	XSpanId   = "X-B3-SpanId"
	XUsername = "x-username"
)

var (
	propagationKeysMu sync.RWMutex
	propagationKeys   = []string{XTraceId, XSpanId, XUsername}
)

// Add propagation key for tracing.
//
// Values of these keys are copied between Rails, and carried by outbound messages.
func AddPropagationKey(key string) {
	propagationKeysMu.Lock()
	defer propagationKeysMu.Unlock()
	for _, k := range propagationKeys {
		if k == key {
			return
		}
	}
	propagationKeys = append(propagationKeys, key)
}

// Get all existing propagation keys.
func GetPropagationKeys() []string {
	propagationKeysMu.RLock()
	defer propagationKeysMu.RUnlock()
	cp := make([]string, len(propagationKeys))
	copy(cp, propagationKeys)
	return cp
}

func UsePropagationKeys(forEach func(key string)) {
	for _, k := range GetPropagationKeys() {
		forEach(k)
	}
}

// Rail, an object that carries trace infromation along with the execution.
type Rail struct {
	ctx context.Context
}

func (r Rail) Context() context.Context {
	return r.ctx
}

func (r Rail) Done() <-chan struct{} {
	return r.ctx.Done()
}

func (r Rail) IsDone() bool {
	return r.ctx.Err() != nil
}

func (r Rail) CtxValue(key string) any {
	return r.ctx.Value(key)
}

func (r Rail) CtxValStr(key string) string {
	if s, ok := GetCtxStr(r.ctx, key); ok {
		return s
	}
	return ""
}

func (r Rail) TraceId() string {
	return r.CtxValStr(XTraceId)
}

func (r Rail) SpanId() string {
	return r.CtxValStr(XSpanId)
}

func (r Rail) WithCtxVal(key string, val any) Rail {
	ctx := context.WithValue(r.ctx, key, val) //lint:ignore SA1029 keys must be exposed for user to use
	return NewRail(ctx)
}

// Create a new Rail with a new SpanId and a new Context.
//
// Propagated values are kept, cancellation of the previous context is not.
func (r Rail) NextSpan() Rail {
	prev := r.ctx
	n := Rail{ctx: context.Background()}
	for _, k := range GetPropagationKeys() {
		if v := prev.Value(k); v != nil {
			n = n.WithCtxVal(k, v)
		}
	}
	return n.WithCtxVal(XSpanId, NewSpanId())
}

// Create new Rail with context's CancelFunc
func (r Rail) WithCancel() (Rail, context.CancelFunc) {
	cc, cancel := context.WithCancel(r.ctx)
	return NewRail(cc), cancel
}

// Create new Rail with timeout and context's CancelFunc
func (r Rail) WithTimeout(timeout time.Duration) (Rail, context.CancelFunc) {
	cc, cancel := context.WithTimeout(r.ctx, timeout)
	return NewRail(cc), cancel
}

func (r Rail) entry() *logrus.Entry {
	return logger.WithFields(logrus.Fields{
		XSpanId:     r.ctx.Value(XSpanId),
		XTraceId:    r.ctx.Value(XTraceId),
		callerField: getCallerFn(4),
	})
}

func (r Rail) Debugf(format string, args ...any) {
	if !logger.IsLevelEnabled(logrus.DebugLevel) {
		return
	}
	r.entry().Debugf(format, args...)
}

func (r Rail) Infof(format string, args ...any) {
	if !logger.IsLevelEnabled(logrus.InfoLevel) {
		return
	}
	r.entry().Infof(format, args...)
}

func (r Rail) Warnf(format string, args ...any) {
	if !logger.IsLevelEnabled(logrus.WarnLevel) {
		return
	}
	r.entry().Warn(appendErrStack(format, args...))
}

func (r Rail) Errorf(format string, args ...any) {
	if !logger.IsLevelEnabled(logrus.ErrorLevel) {
		return
	}
	r.entry().Error(appendErrStack(format, args...))
}

func (r Rail) Debug(args ...any) {
	if !logger.IsLevelEnabled(logrus.DebugLevel) {
		return
	}
	r.entry().Debug(args...)
}

func (r Rail) Info(args ...any) {
	if !logger.IsLevelEnabled(logrus.InfoLevel) {
		return
	}
	r.entry().Info(args...)
}

func (r Rail) Warn(args ...any) {
	if !logger.IsLevelEnabled(logrus.WarnLevel) {
		return
	}
	r.entry().Warn(args...)
}

func (r Rail) Error(args ...any) {
	if !logger.IsLevelEnabled(logrus.ErrorLevel) {
		return
	}
	r.entry().Error(args...)
}

// Format the message, the stacktrace of the last error in args is appended if any.
func appendErrStack(format string, args ...any) string {
	msg := format
	if len(args) > 0 {
		msg = sprintf(format, args...)
	}
	for i := len(args) - 1; i > -1; i-- {
		if err, ok := args[i].(error); ok {
			if st, ok := errs.UnwrapErrStack(err); ok {
				msg += st
			}
			break
		}
	}
	return msg
}

// Create empty Rail.
func EmptyRail() Rail {
	return NewRail(context.Background())
}

// Create new Rail from context, trace id and span id are generated if missing.
func NewRail(ctx context.Context) Rail {
	if ctx.Value(XSpanId) == nil {
		ctx = context.WithValue(ctx, XSpanId, NewSpanId()) //lint:ignore SA1029 keys must be exposed for user to use
	}
	if ctx.Value(XTraceId) == nil {
		ctx = context.WithValue(ctx, XTraceId, NewTraceId()) //lint:ignore SA1029 keys must be exposed for user to use
	}
	return Rail{ctx: ctx}
}

// Create new TraceId.
func NewTraceId() string {
	t := [8]byte{}
	binary.NativeEndian.PutUint64(t[:], rand.Uint64())
	return hex.EncodeToString(t[:])
}

// Create new SpanId.
func NewSpanId() string {
	s := [8]byte{}
	binary.NativeEndian.PutUint64(s[:], rand.Uint64())
	return hex.EncodeToString(s[:])
}

// Get value from context as a string
func GetCtxStr(ctx context.Context, key string) (string, bool) {
	v := ctx.Value(key)
	if v == nil {
		return "", false
	}
	return cast.ToString(v), true
}
