package miso

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"

	"github.com/curtisnewbie/shopbus/util/strutil"
	"github.com/natefinch/lumberjack"
	"github.com/sirupsen/logrus"
)

const (
	callerField = "caller"

	traceSpanIdWidth = 16
	fnWidth          = 30
	levelWidth       = 5
)

var (
	logger = logrus.StandardLogger()

	logBufPool = sync.Pool{
		New: func() any {
			return &bytes.Buffer{}
		},
	}
)

func init() {
	logger.SetReportCaller(false) // it's set manually using Rail
	logger.SetFormatter(CustomFormatter())
}

// Formatter that prints log in the following format:
//
//	2024-01-02 15:04:05.000 INFO  [traceId         ,spanId          ]  pkg.Func                       : message
type CTFormatter struct {
}

func (c *CTFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var fn, traceId, spanId string
	if v, ok := entry.Data[callerField].(string); ok {
		fn = v
	}
	if v, ok := entry.Data[XTraceId].(string); ok {
		traceId = v
	}
	if v, ok := entry.Data[XSpanId].(string); ok {
		spanId = v
	}

	b := logBufPool.Get().(*bytes.Buffer)
	defer putLogBuf(b)

	b.WriteString(entry.Time.Format("2006-01-02 15:04:05.000"))
	b.WriteByte(' ')
	b.WriteString(strutil.PadSpace(toLevelStr(entry.Level), levelWidth))
	b.WriteString(" [")
	b.WriteString(strutil.PadSpace(traceId, traceSpanIdWidth))
	b.WriteByte(',')
	b.WriteString(strutil.PadSpace(spanId, traceSpanIdWidth))
	b.WriteString("]  ")
	b.WriteString(strutil.PadSpace(fn, fnWidth))
	b.WriteString(" : ")
	b.WriteString(entry.Message)
	b.WriteByte('\n')

	// the buffer is reused, logrus writes the returned slice before we return it to the pool
	out := make([]byte, b.Len())
	copy(out, b.Bytes())
	return out, nil
}

func putLogBuf(b *bytes.Buffer) {
	b.Reset()
	logBufPool.Put(b)
}

// Get custom formatter logrus
func CustomFormatter() logrus.Formatter {
	return &CTFormatter{}
}

type NewRollingLogFileParam struct {
	Filename   string // filename
	MaxSize    int    // max file size in mb
	MaxAge     int    // max age in day
	MaxBackups int    // max number of files
}

// Create rolling file based logger
func BuildRollingLogFileWriter(p NewRollingLogFileParam) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   p.Filename,
		MaxSize:    p.MaxSize,    // megabytes
		MaxAge:     p.MaxAge,     // days
		MaxBackups: p.MaxBackups, // num of files
		LocalTime:  true,
		Compress:   false,
	}
}

// Configure logger using the loaded configuration.
//
// The returned io.Closer should be closed on shutdown, it's nil if rolling log file is not used.
func ConfigureLogging(rail Rail) io.Closer {
	SetLogLevel(GetPropStr(PropLoggingLevel))

	f := GetPropStr(PropLoggingRollingFile)
	if strutil.IsBlankStr(f) {
		return nil
	}

	w := BuildRollingLogFileWriter(NewRollingLogFileParam{
		Filename:   f,
		MaxSize:    GetPropInt(PropLoggingRollingFileMaxSize),
		MaxAge:     GetPropInt(PropLoggingRollingFileMaxAge),
		MaxBackups: GetPropInt(PropLoggingRollingFileMaxBackups),
	})
	if GetPropBool(PropLoggingRollingFileOnly) {
		logger.SetOutput(w)
	} else {
		logger.SetOutput(io.MultiWriter(os.Stdout, w))
	}
	rail.Infof("Writing logs to rolling file: %v", f)
	return w
}

func SetLogOutput(w io.Writer) {
	logger.SetOutput(w)
}

func toLevelStr(level logrus.Level) string {
	switch level {
	case logrus.TraceLevel:
		return "TRACE"
	case logrus.DebugLevel:
		return "DEBUG"
	case logrus.InfoLevel:
		return "INFO"
	case logrus.WarnLevel:
		return "WARN"
	case logrus.ErrorLevel:
		return "ERROR"
	case logrus.FatalLevel:
		return "FATAL"
	case logrus.PanicLevel:
		return "PANIC"
	}
	return "UNKNOWN"
}

// Parse log level
func ParseLogLevel(logLevel string) (logrus.Level, bool) {
	switch strings.ToUpper(logLevel) {
	case "INFO":
		return logrus.InfoLevel, true
	case "DEBUG":
		return logrus.DebugLevel, true
	case "WARN":
		return logrus.WarnLevel, true
	case "ERROR":
		return logrus.ErrorLevel, true
	case "TRACE":
		return logrus.TraceLevel, true
	case "FATAL":
		return logrus.FatalLevel, true
	case "PANIC":
		return logrus.PanicLevel, true
	}
	return logrus.InfoLevel, false
}

func SetLogLevel(level string) {
	ll, ok := ParseLogLevel(level)
	if !ok {
		return
	}
	logger.SetLevel(ll)
}

func IsDebugLevel() bool {
	return logger.IsLevelEnabled(logrus.DebugLevel)
}

func logEntry() *logrus.Entry {
	return logger.WithField(callerField, getCallerFn(4))
}

func Debugf(format string, args ...any) {
	if !logger.IsLevelEnabled(logrus.DebugLevel) {
		return
	}
	logEntry().Debugf(format, args...)
}

func Infof(format string, args ...any) {
	if !logger.IsLevelEnabled(logrus.InfoLevel) {
		return
	}
	logEntry().Infof(format, args...)
}

func Warnf(format string, args ...any) {
	if !logger.IsLevelEnabled(logrus.WarnLevel) {
		return
	}
	logEntry().Warn(appendErrStack(format, args...))
}

func Errorf(format string, args ...any) {
	if !logger.IsLevelEnabled(logrus.ErrorLevel) {
		return
	}
	logEntry().Error(appendErrStack(format, args...))
}

// reduce alloc, logger calls getCallerFn very frequently
var callerUintptrPool = sync.Pool{
	New: func() any {
		p := make([]uintptr, 1)
		return &p
	},
}

func getCallerFn(skip int) string {
	pcs := callerUintptrPool.Get().(*[]uintptr)
	defer callerUintptrPool.Put(pcs)

	depth := runtime.Callers(skip, *pcs)
	if depth < 1 {
		return ""
	}
	f, _ := runtime.CallersFrames((*pcs)[:depth]).Next()
	return shortFnName(f.Function)
}

func shortFnName(fn string) string {
	j := strings.LastIndexByte(fn, '/')
	if j < 0 {
		return fn
	}
	return fn[j+1:]
}

func sprintf(format string, args ...any) string {
	return fmt.Sprintf(format, args...)
}
