// Package logging writes one JSON object per line for every deployment
// event. Each run gets its own file under the log directory.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var levelNames = map[Level]string{
	LevelDebug: "debug",
	LevelInfo:  "info",
	LevelWarn:  "warn",
	LevelError: "error",
}

// ParseLevel maps a flag value to a Level.
func ParseLevel(s string) (Level, error) {
	for lvl, name := range levelNames {
		if strings.EqualFold(s, name) {
			return lvl, nil
		}
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// Fields are merged into every entry a Logger writes.
type Fields map[string]interface{}

type sink struct {
	mu    sync.Mutex
	out   io.Writer
	level Level
	now   func() time.Time
}

// Logger writes entries with a fixed set of base fields. Loggers derived with
// With share the same output and level.
type Logger struct {
	sink *sink
	base Fields
}

// New returns a logger writing to w. A nil w discards everything.
func New(w io.Writer, lvl Level) *Logger {
	if w == nil {
		w = io.Discard
	}
	return &Logger{sink: &sink{out: w, level: lvl, now: time.Now}}
}

// Discard is a logger that writes nothing.
func Discard() *Logger {
	return New(nil, LevelError)
}

// Open creates <dir>/<runID>.log and returns a logger tagged with run_id. The
// caller closes the returned file.
func Open(dir, runID string, lvl Level) (*Logger, *os.File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("failed to create log directory: %v", err)
	}
	path := filepath.Join(dir, runID+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %v", err)
	}
	return New(f, lvl).With(Fields{"run_id": runID}), f, nil
}

// With returns a logger that adds fields to every entry.
func (l *Logger) With(fields Fields) *Logger {
	base := make(Fields, len(l.base)+len(fields))
	for k, v := range l.base {
		base[k] = v
	}
	for k, v := range fields {
		base[k] = v
	}
	return &Logger{sink: l.sink, base: base}
}

// SetLevel changes the threshold for this logger and every logger sharing
// its output.
func (l *Logger) SetLevel(lvl Level) {
	l.sink.mu.Lock()
	l.sink.level = lvl
	l.sink.mu.Unlock()
}

func (l *Logger) log(lvl Level, msg string, extra Fields) {
	s := l.sink
	s.mu.Lock()
	defer s.mu.Unlock()
	if lvl < s.level {
		return
	}
	entry := make(map[string]interface{}, 3+len(l.base)+len(extra))
	for k, v := range l.base {
		entry[k] = v
	}
	for k, v := range extra {
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		entry[k] = v
	}
	entry["ts"] = s.now().Format(time.RFC3339Nano)
	entry["lvl"] = levelNames[lvl]
	entry["msg"] = msg
	b, err := json.Marshal(entry)
	if err != nil {
		s.out.Write([]byte(s.now().Format(time.RFC3339Nano) + " " + levelNames[lvl] + " " + msg + "\n"))
		return
	}
	s.out.Write(append(b, '\n'))
}

func (l *Logger) Debug(msg string, extra Fields) { l.log(LevelDebug, msg, extra) }
func (l *Logger) Info(msg string, extra Fields)  { l.log(LevelInfo, msg, extra) }
func (l *Logger) Warn(msg string, extra Fields)  { l.log(LevelWarn, msg, extra) }
func (l *Logger) Error(msg string, extra Fields) { l.log(LevelError, msg, extra) }
