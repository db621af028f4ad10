// Package nlog is the service's own leveled logger: timestamped,
// severity-filtered lines written straight to one writer (stderr by
// default), with no third-party logging dependency, hand-rolled rather
// than reaching for stdlib `log` directly.
/*
 * Trimmed to a single rotation-free writer; the severity/flush shape
 * kept intact.
 */
package nlog

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

type severity int32

const (
	sevInfo severity = iota
	sevWarning
	sevError
)

func (s severity) String() string {
	switch s {
	case sevWarning:
		return "W"
	case sevError:
		return "E"
	default:
		return "I"
	}
}

var (
	mu      sync.Mutex
	out     io.Writer = os.Stderr
	minSev  atomic.Int32
	flushed atomic.Int64
)

// SetOutput redirects all subsequent log lines; passing nil restores stderr.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	if w == nil {
		out = os.Stderr
		return
	}
	out = w
}

// SetMinSeverity suppresses lines below the given level ("info", "warning", "error").
func SetMinSeverity(level string) {
	switch level {
	case "warning", "warn":
		minSev.Store(int32(sevWarning))
	case "error", "err":
		minSev.Store(int32(sevError))
	default:
		minSev.Store(int32(sevInfo))
	}
}

func write(sev severity, msg string) {
	if int32(sev) < minSev.Load() {
		return
	}
	line := fmt.Sprintf("%s %s %s\n", time.Now().Format("2006-01-02T15:04:05.000Z07:00"), sev, msg)
	mu.Lock()
	io.WriteString(out, line)
	mu.Unlock()
}

func Infof(format string, a ...any)    { write(sevInfo, fmt.Sprintf(format, a...)) }
func Warningf(format string, a ...any) { write(sevWarning, fmt.Sprintf(format, a...)) }
func Errorf(format string, a ...any)   { write(sevError, fmt.Sprintf(format, a...)) }

func Infoln(a ...any)    { write(sevInfo, fmt.Sprint(a...)) }
func Warningln(a ...any) { write(sevWarning, fmt.Sprint(a...)) }
func Errorln(a ...any)   { write(sevError, fmt.Sprint(a...)) }

// Flush is a no-op for the stderr/unbuffered writer, kept for
// call-site parity with buffered backends (e.g. a rotating file).
func Flush() { flushed.Add(1) }

// FlushCount reports how many times Flush has been invoked.
func FlushCount() int64 { return flushed.Load() }
