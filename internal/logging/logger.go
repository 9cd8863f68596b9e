// Package logging provides structured logging with trace-ID propagation,
// adapted from the teacher's infrastructure/logging package.
package logging

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// ContextKey namespaces values carried on a context.Context.
type ContextKey string

const (
	TraceIDKey      ContextKey = "trace_id"
	PrincipalKey    ContextKey = "principal"
	InvocationIDKey ContextKey = "invocation_id"
)

// Logger wraps logrus.Logger with the component name baked in.
type Logger struct {
	*logrus.Logger
	component string
}

// New creates a Logger for the given component.
func New(component, level, format string) *Logger {
	l := logrus.New()

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)

	if format == "text" {
		l.SetFormatter(&logrus.TextFormatter{TimestampFormat: time.RFC3339, FullTimestamp: true})
	} else {
		l.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	}
	l.SetOutput(os.Stdout)

	return &Logger{Logger: l, component: component}
}

// NewFromEnv builds a Logger from LOG_LEVEL/LOG_FORMAT, defaulting to
// info/json.
func NewFromEnv(component string) *Logger {
	level := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if level == "" {
		level = "info"
	}
	format := strings.TrimSpace(os.Getenv("LOG_FORMAT"))
	if format == "" {
		format = "json"
	}
	return New(component, level, format)
}

// WithContext returns an entry carrying trace/principal/invocation fields
// pulled from ctx, if present.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithField("component", l.component)
	if v := ctx.Value(TraceIDKey); v != nil {
		entry = entry.WithField("trace_id", v)
	}
	if v := ctx.Value(PrincipalKey); v != nil {
		entry = entry.WithField("principal", v)
	}
	if v := ctx.Value(InvocationIDKey); v != nil {
		entry = entry.WithField("invocation_id", v)
	}
	return entry
}
