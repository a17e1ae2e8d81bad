/*
Package lalog implements a small structured logger used throughout this
module in place of the bare standard library "log" package. It exists so
that every component stamps its log lines with a component name and a set
of component-ID fields (peer address, session ID, ...), and so that a
noisy connection cannot flood stderr.
*/
package lalog

import (
	"bytes"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode"
)

const (
	// MaxLogMessageLen is the maximum length kept for each retained log entry.
	MaxLogMessageLen = 4096
	truncatedLabel   = "...(truncated)..."
)

// MaxLogMessagePerSec bounds how many messages any one Logger instance will
// print per second; additional messages are dropped silently.
var MaxLogMessagePerSec = runtime.NumCPU() * 300

// IDField is one key-value pair contributing to a Logger's ComponentID.
type IDField struct {
	Key   string
	Value interface{}
}

// Entry is one retained log occurrence, kept structured (rather than as a
// pre-formatted string) so a future diagnostics surface — an admin API, a
// health endpoint — can filter or re-render LatestLogs without re-parsing
// text, e.g. "show me the last 20 entries whose Component is smtp.session".
type Entry struct {
	Time      time.Time
	Component string
	Actor     string
	Err       error
	Message   string
}

// String renders an Entry the same way the logger used to print it
// directly, for callers that just want a text dump.
func (e Entry) String() string {
	var b bytes.Buffer
	b.WriteString(e.Time.Format("2006-01-02 15:04:05 "))
	b.WriteString(e.Message)
	return b.String()
}

// EntryRing stores a bounded number of recent log Entry values, overwriting
// the oldest one once full. It is tailored to hold recent log lines for
// in-process diagnostics, not as a general-purpose data structure.
type EntryRing struct {
	size    int64
	counter int64
	buf     []Entry
}

// NewEntryRing pre-allocates a ring buffer of the given size.
func NewEntryRing(size int64) *EntryRing {
	if size < 1 {
		panic("NewEntryRing: size must be greater than 0")
	}
	return &EntryRing{size: size, buf: make([]Entry, size)}
}

// Push appends a new entry, evicting the oldest one if the buffer is full.
func (r *EntryRing) Push(e Entry) {
	elemIndex := atomic.AddInt64(&r.counter, 1)
	r.buf[elemIndex%r.size] = e
}

// Iterate walks the buffer from newest to oldest, skipping unset slots,
// until fun returns false.
func (r *EntryRing) Iterate(fun func(Entry) bool) {
	currentIndex := r.counter % r.size
	for i := currentIndex; i >= 0; i-- {
		if e := r.buf[i]; e.Message != "" {
			if !fun(e) {
				return
			}
		}
	}
	for i := r.size - 1; i > currentIndex; i-- {
		if e := r.buf[i]; e.Message != "" {
			if !fun(e) {
				return
			}
		}
	}
}

// Recent returns up to limit of the most recent entries, newest first.
func (r *EntryRing) Recent(limit int) []Entry {
	if limit <= 0 {
		return nil
	}
	out := make([]Entry, 0, limit)
	r.Iterate(func(e Entry) bool {
		out = append(out, e)
		return len(out) < limit
	})
	return out
}

// LatestLogs retains a bounded number of the most recent log entries across
// all loggers, useful for inline diagnostics without a separate log sink.
var LatestLogs = NewEntryRing(1 * 1048576 / MaxLogMessageLen)

// Logger prints component-scoped, rate-limited log lines.
type Logger struct {
	ComponentName string
	ComponentID   []IDField

	initOnce  sync.Once
	rateLimit *RateLimit
}

func (logger *Logger) initialiseOnce() {
	logger.initOnce.Do(func() {
		logger.rateLimit = NewRateLimit(1, MaxLogMessagePerSec)
	})
}

func (logger *Logger) componentIDString() string {
	if len(logger.ComponentID) == 0 {
		return ""
	}
	var msg bytes.Buffer
	msg.WriteRune('[')
	for i, field := range logger.ComponentID {
		msg.WriteString(fmt.Sprintf("%s=%v", field.Key, field.Value))
		if i < len(logger.ComponentID)-1 {
			msg.WriteRune(';')
		}
	}
	msg.WriteRune(']')
	return msg.String()
}

// Format composes a log line without printing it.
func (logger *Logger) Format(funcName string, actor interface{}, err error, template string, values ...interface{}) string {
	var msg bytes.Buffer
	if logger.ComponentName != "" {
		msg.WriteString(logger.ComponentName)
	}
	msg.WriteString(logger.componentIDString())
	if funcName != "" {
		if msg.Len() > 0 {
			msg.WriteRune('.')
		}
		msg.WriteString(funcName)
	}
	if actor != nil && actor != "" {
		msg.WriteString(fmt.Sprintf("(%v)", actor))
	}
	if msg.Len() > 0 {
		msg.WriteString(": ")
	}
	if err != nil {
		msg.WriteString(fmt.Sprintf("error %q", err.Error()))
		if template != "" {
			msg.WriteString(" - ")
		}
	}
	msg.WriteString(fmt.Sprintf(template, values...))
	return LintString(TruncateString(msg.String(), MaxLogMessageLen), MaxLogMessageLen)
}

func callerName(skip int) string {
	pc, file, _, ok := runtime.Caller(skip)
	if !ok {
		return "?"
	}
	fun := runtime.FuncForPC(pc)
	var funName string
	if fun == nil {
		funName = "?"
	} else {
		funName = strings.TrimLeft(filepath.Ext(fun.Name()), ".")
	}
	return filepath.Base(file) + ":" + funName
}

func (logger *Logger) print(funcName string, actor interface{}, err error, template string, values ...interface{}) {
	if !logger.rateLimit.Add(logger.ComponentName) {
		return
	}
	msg := logger.Format(funcName, actor, err, template, values...)
	log.Print(msg)
	actorStr := ""
	if actor != nil {
		actorStr = fmt.Sprintf("%v", actor)
	}
	LatestLogs.Push(Entry{
		Time:      time.Now(),
		Component: logger.ComponentName,
		Actor:     actorStr,
		Err:       err,
		Message:   msg,
	})
}

// Info prints an informational message.
func (logger *Logger) Info(actor interface{}, err error, template string, values ...interface{}) {
	logger.initialiseOnce()
	logger.print(callerName(2), actor, err, template, values...)
}

// Warning prints a warning message. Warnings are never subject to
// de-duplication beyond the instance rate limit, because they usually carry
// distinct error text worth seeing once per occurrence.
func (logger *Logger) Warning(actor interface{}, err error, template string, values ...interface{}) {
	logger.initialiseOnce()
	logger.print(callerName(2), actor, err, template, values...)
}

// Panic prints the message and panics. Used only for programmer errors
// (misconfiguration caught at construction time), never for attacker
// controllable input.
func (logger *Logger) Panic(actor interface{}, err error, template string, values ...interface{}) {
	logger.initialiseOnce()
	log.Panic(logger.Format(callerName(2), actor, err, template, values...))
}

// MaybeMinorError logs err as an informational message unless it looks like
// an ordinary connection teardown, in which case it is swallowed entirely.
func (logger *Logger) MaybeMinorError(err error) {
	if err == nil {
		return
	}
	logger.initialiseOnce()
	msg := err.Error()
	if strings.Contains(msg, "closed") || strings.Contains(msg, "broken") || strings.Contains(msg, "reset by peer") {
		return
	}
	logger.print(callerName(2), "", err, "minor error")
}

// DefaultLogger is used where a dedicated Logger has not been injected.
var DefaultLogger = &Logger{ComponentName: "default", ComponentID: []IDField{{Key: "pid", Value: os.Getpid()}}}

// TruncateString keeps in at or below maxLength bytes, replacing the excess
// middle section with an ellipsis marker rather than truncating the tail,
// so both the start (component/actor) and a trailing fragment remain visible.
func TruncateString(in string, maxLength int) string {
	if maxLength < 0 {
		maxLength = 0
	}
	if len(in) <= maxLength {
		return in
	}
	if maxLength <= len(truncatedLabel) {
		return in[:maxLength]
	}
	firstHalfEnd := maxLength/2 - len(truncatedLabel)/2
	secondHalfBegin := len(in) - (maxLength / 2) + len(truncatedLabel)/2
	if maxLength%2 == 0 {
		secondHalfBegin++
	}
	var out bytes.Buffer
	out.WriteString(in[:firstHalfEnd])
	out.WriteString(truncatedLabel)
	out.WriteString(in[secondHalfBegin:])
	return out.String()
}

// LintString replaces with an underscore every control character except the
// whitespace ones (tab, LF, VT, FF, CR, which pass through unchanged), and
// every rune from DEL (127) upward, including printable non-ASCII text. It
// stops at the first rune that starts at or beyond byte offset maxLength of
// in. This is the sanitizer applied to anything derived from
// attacker-controlled input before it reaches a log line.
func LintString(in string, maxLength int) string {
	if maxLength < 0 {
		maxLength = 0
	}
	var out bytes.Buffer
	for i, r := range in {
		if i >= maxLength {
			break
		}
		if (r >= 0 && r <= 8) || (r >= 14 && r <= 31) || r >= 127 || (!unicode.IsPrint(r) && !unicode.IsSpace(r)) {
			out.WriteRune('_')
		} else {
			out.WriteRune(r)
		}
	}
	return out.String()
}
