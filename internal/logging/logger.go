// Package logging provides the structured event log: one JSON object per
// line, {ts, level, event, ...fields}. Every guard trigger, state transition
// and lifecycle step emits exactly one line through an EventLogger.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Level represents log severity levels
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a string to a Level
func ParseLevel(s string) Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

// Entry is a single structured log line.
type Entry struct {
	TS        string                 `json:"ts"`
	Level     string                 `json:"level"`
	Event     string                 `json:"event"`
	Component string                 `json:"component,omitempty"`
	SessionID string                 `json:"session_id,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Config holds logger configuration
type Config struct {
	Level     string `json:"level"`
	Output    string `json:"output"` // "stdout", "stderr", or file path
	SessionID string `json:"session_id"`
}

// EventLogger writes structured event lines. Concurrency-safe; write errors
// are swallowed so a broken log sink can never block a trading decision.
type EventLogger struct {
	mu        sync.Mutex
	output    io.Writer
	level     Level
	component string
	sessionID string
	validator *SchemaValidator
}

// New creates an event logger with the given configuration.
func New(cfg *Config) *EventLogger {
	var output io.Writer = os.Stdout

	if cfg.Output == "stderr" {
		output = os.Stderr
	} else if cfg.Output != "" && cfg.Output != "stdout" {
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err == nil {
			output = file
		}
	}

	return &EventLogger{
		output:    output,
		level:     ParseLevel(cfg.Level),
		sessionID: cfg.SessionID,
	}
}

// NewWriter creates an event logger targeting an explicit writer. Used by
// tests and by components that capture their own event stream.
func NewWriter(w io.Writer, level Level) *EventLogger {
	return &EventLogger{output: w, level: level}
}

// WithComponent returns a logger tagging every line with the component name.
func (l *EventLogger) WithComponent(component string) *EventLogger {
	return &EventLogger{
		output:    l.output,
		level:     l.level,
		component: component,
		sessionID: l.sessionID,
		validator: l.validator,
	}
}

// SetValidator installs an optional per-event schema validator. Validation
// failures are logged, never blocking.
func (l *EventLogger) SetValidator(v *SchemaValidator) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.validator = v
}

// Event emits one structured line for the named event with key-value pairs.
func (l *EventLogger) Event(event string, kv ...interface{}) {
	l.emit(INFO, event, kv...)
}

// Debug emits a debug-level event line.
func (l *EventLogger) Debug(event string, kv ...interface{}) {
	l.emit(DEBUG, event, kv...)
}

// Warn emits a warn-level event line.
func (l *EventLogger) Warn(event string, kv ...interface{}) {
	l.emit(WARN, event, kv...)
}

// Error emits an error-level event line. State violations and other
// consistency bugs go through here so they stand out from guard rejections.
func (l *EventLogger) Error(event string, kv ...interface{}) {
	l.emit(ERROR, event, kv...)
}

func (l *EventLogger) emit(level Level, event string, kv ...interface{}) {
	if level < l.level {
		return
	}

	entry := Entry{
		TS:        time.Now().UTC().Format(time.RFC3339Nano),
		Level:     level.String(),
		Event:     event,
		Component: l.component,
		SessionID: l.sessionID,
	}

	if len(kv) > 0 {
		entry.Fields = make(map[string]interface{}, len(kv)/2)
		for i := 0; i+1 < len(kv); i += 2 {
			key, ok := kv[i].(string)
			if !ok {
				key = fmt.Sprintf("%v", kv[i])
			}
			// Errors marshal as opaque objects; flatten to their message.
			if err, isErr := kv[i+1].(error); isErr && err != nil {
				entry.Fields[key] = err.Error()
				continue
			}
			entry.Fields[key] = kv[i+1]
		}
	}

	l.mu.Lock()
	validator := l.validator
	l.mu.Unlock()

	if validator != nil {
		if verr := validator.Validate(event, entry.Fields); verr != nil {
			l.writeLine(Entry{
				TS:        entry.TS,
				Level:     WARN.String(),
				Event:     "log_schema_violation",
				Component: entry.Component,
				SessionID: entry.SessionID,
				Fields:    map[string]interface{}{"event": event, "error": verr.Error()},
			})
		}
	}

	l.writeLine(entry)
}

func (l *EventLogger) writeLine(entry Entry) {
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintln(l.output, string(data))
}
