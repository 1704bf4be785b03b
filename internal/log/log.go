// Package log wraps logrus with request correlation ids.
package log

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Fields logrus.Fields

type Logger interface {
	WithField(key string, value interface{}) Logger
	WithFields(fields Fields) Logger
	WithError(err error) Logger

	Debugf(format string, args ...interface{})
	Info(args ...interface{})
	Infof(format string, args ...interface{})
	Warn(args ...interface{})
	Warnf(format string, args ...interface{})
	Error(args ...interface{})
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
}

type contextKey string

const correlationIDKey contextKey = "correlation_id"

type logger struct {
	entry *logrus.Entry
}

// L is the process logger. Setup replaces its output and level.
var L Logger = &logger{entry: logrus.NewEntry(logrus.StandardLogger())}

type Options struct {
	Level      string
	Production bool
	// File enables a size-rotated log file next to stdout.
	File string
}

func Setup(opts Options) (io.Closer, error) {
	base := logrus.StandardLogger()

	level, err := logrus.ParseLevel(strings.TrimSpace(opts.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	base.SetLevel(level)

	if opts.Production {
		base.SetFormatter(&logrus.JSONFormatter{})
	} else {
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, PadLevelText: true})
	}

	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		rotating := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    64,
			MaxBackups: 7,
			MaxAge:     7,
		}
		base.SetOutput(io.MultiWriter(os.Stdout, rotating))
		closer = rotating
	} else {
		base.SetOutput(os.Stdout)
	}

	L = &logger{entry: logrus.NewEntry(base)}
	return closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Discard silences logging, for tests.
func Discard() {
	quiet := logrus.New()
	quiet.SetOutput(io.Discard)
	L = &logger{entry: logrus.NewEntry(quiet)}
}

func (l *logger) WithField(key string, value interface{}) Logger {
	return &logger{entry: l.entry.WithField(key, value)}
}

func (l *logger) WithFields(fields Fields) Logger {
	return &logger{entry: l.entry.WithFields(logrus.Fields(fields))}
}

func (l *logger) WithError(err error) Logger {
	return &logger{entry: l.entry.WithError(err)}
}

func (l *logger) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }
func (l *logger) Info(args ...interface{})                  { l.entry.Info(args...) }
func (l *logger) Infof(format string, args ...interface{})  { l.entry.Infof(format, args...) }
func (l *logger) Warn(args ...interface{})                  { l.entry.Warn(args...) }
func (l *logger) Warnf(format string, args ...interface{})  { l.entry.Warnf(format, args...) }
func (l *logger) Error(args ...interface{})                 { l.entry.Error(args...) }
func (l *logger) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }
func (l *logger) Fatalf(format string, args ...interface{}) { l.entry.Fatalf(format, args...) }

// WithCorrelationID stores id in ctx, generating one when id is empty.
func WithCorrelationID(ctx context.Context, id string) (context.Context, string) {
	if strings.TrimSpace(id) == "" {
		id = uuid.NewString()
	}
	return context.WithValue(ctx, correlationIDKey, id), id
}

func CorrelationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(correlationIDKey).(string)
	return id
}

// ForContext returns L tagged with the request correlation id, if any.
func ForContext(ctx context.Context) Logger {
	if id := CorrelationID(ctx); id != "" {
		return L.WithField(string(correlationIDKey), id)
	}
	return L
}
