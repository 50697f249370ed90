// Package servicelog provides the structured logger used across camcore:
// an attribute-builder facade over zap, with rotation via lumberjack and
// an optional OS-service logger fallback so the same calls work whether
// the process runs attached to a console or as a background service.
package servicelog

import (
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/kardianos/service"
	"go.uber.org/zap"
	"gopkg.in/natefinch/lumberjack.v2"
)

type lumberjackSink struct {
	*lumberjack.Logger
}

func (lumberjackSink) Sync() error {
	return nil
}

// Attrib appends a single key/value pair to a message being built.
type Attrib func(sb *strings.Builder)

func printer(name string, val interface{}) Attrib {
	return func(sb *strings.Builder) {
		sb.WriteString(", ")
		sb.WriteString(name)
		sb.WriteString("=")
		fmt.Fprintf(sb, "%v", val)
	}
}

func String(name, value string) Attrib { return printer(name, value) }
func Error(err error) Attrib           { return printer("error", err) }
func Bool(name string, value bool) Attrib { return printer(name, value) }
func Any(name string, value interface{}) Attrib { return printer(name, value) }
func Int(name string, value int) Attrib { return printer(name, value) }
func Int32(name string, value int32) Attrib { return printer(name, value) }
func Time(name string, value time.Time) Attrib { return printer(name, value) }
func Duration(name string, value time.Duration) Attrib { return printer(name, value) }

// Logger is the facade every camcore package logs through.
type Logger interface {
	With(attrs ...Attrib) Logger
	Info(msg string, attrs ...Attrib)
	Error(msg string, attrs ...Attrib)
	Warn(msg string, attrs ...Attrib)
	Debug(msg string, attrs ...Attrib)
	Fatal(msg string, attrs ...Attrib)
}

type logger struct {
	zl    *zap.Logger
	svc   service.Logger
	debug bool
	attrs []Attrib
}

// New builds a Logger writing rotated JSON (or console, in debug mode)
// logs to logFile via lumberjack. root, when non-nil, is also fed every
// Info, Warn, Error and Fatal message (Debug messages are not passed to
// it) so the process behaves when installed as an OS service.
func New(root service.Logger, logFile string, debug bool) Logger {
	sinkName := "lumberjack-" + sanitizeScheme(logFile)
	zap.RegisterSink(sinkName, func(u *url.URL) (zap.Sink, error) {
		return lumberjackSink{
			Logger: &lumberjack.Logger{
				Filename:   u.Path,
				MaxSize:    100, // megabytes
				MaxBackups: 5,
				MaxAge:     28, // days
				Compress:   true,
			},
		}, nil
	})

	var config zap.Config
	if debug {
		config = zap.NewDevelopmentConfig()
	} else {
		config = zap.NewProductionConfig()
	}
	config.OutputPaths = []string{sinkName + "://" + logFile}
	zl, err := config.Build()
	if err != nil {
		panic(err)
	}
	return &logger{zl: zl, svc: root, debug: debug}
}

// sanitizeScheme turns a filesystem path into something usable as a
// zap sink scheme name (schemes cannot contain path separators).
func sanitizeScheme(path string) string {
	sb := strings.Builder{}
	for _, r := range path {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			sb.WriteRune(r)
		}
	}
	if sb.Len() == 0 {
		return "camcore"
	}
	return sb.String()
}

func (l *logger) String(msg string, attrs ...Attrib) string {
	var sb strings.Builder
	sb.WriteString(msg)
	for _, a := range l.attrs {
		a(&sb)
	}
	for _, a := range attrs {
		a(&sb)
	}
	return sb.String()
}

func (l *logger) Info(msg string, attrs ...Attrib) {
	message := l.String(msg, attrs...)
	if l.zl != nil {
		l.zl.Info(message)
	} else {
		log.Println(message)
	}
	if l.svc != nil {
		l.svc.Info(message)
	}
}

func (l *logger) Error(msg string, attrs ...Attrib) {
	message := l.String(msg, attrs...)
	if l.zl != nil {
		l.zl.Error(message)
	} else {
		log.Println(message)
	}
	if l.svc != nil {
		l.svc.Error(message)
	}
}

func (l *logger) Warn(msg string, attrs ...Attrib) {
	message := l.String(msg, attrs...)
	if l.zl != nil {
		l.zl.Warn(message)
	} else {
		log.Println(message)
	}
	if l.svc != nil {
		l.svc.Warning(message)
	}
}

func (l *logger) Debug(msg string, attrs ...Attrib) {
	if !l.debug {
		return
	}
	message := l.String(msg, attrs...)
	if l.zl != nil {
		l.zl.Debug(message)
	} else {
		log.Println(message)
	}
}

func (l *logger) Fatal(msg string, attrs ...Attrib) {
	message := l.String(msg, attrs...)
	if l.zl != nil {
		l.zl.Error(message)
	}
	if l.svc != nil {
		l.svc.Error(message)
	}
	panic(message)
}

func (l *logger) With(attrs ...Attrib) Logger {
	newLogger := &logger{zl: l.zl, svc: l.svc, debug: l.debug}
	newLogger.attrs = make([]Attrib, 0, len(l.attrs)+len(attrs))
	newLogger.attrs = append(newLogger.attrs, l.attrs...)
	newLogger.attrs = append(newLogger.attrs, attrs...)
	return newLogger
}
