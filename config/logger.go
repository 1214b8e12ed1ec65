// Package config implements the ambient configuration and logging surface
// the core consumes (spec.md §6.6): ServerInfo, playback settings and a
// logger capability, backed by glog the way the teacher's transport layer
// is.
package config

import (
	"github.com/golang/glog"
)

// LogLevel mirrors the five-level scheme confirmed by
// original_source/3escore/Log.h.
type LogLevel int

const (
	LogFatal LogLevel = iota
	LogError
	LogWarn
	LogInfo
	LogTrace
)

// Logger is the logging capability the core consumes; callers that embed
// this module in a larger application can substitute their own
// implementation.
type Logger interface {
	Log(level LogLevel, format string, args ...interface{})
	Fatal(format string, args ...interface{})
	Error(format string, args ...interface{})
	Warn(format string, args ...interface{})
	Info(format string, args ...interface{})
	Trace(format string, args ...interface{})
}

// glogLogger is the default Logger, backed by glog.
type glogLogger struct{}

func (glogLogger) Log(level LogLevel, format string, args ...interface{}) {
	switch level {
	case LogFatal:
		glogLogger{}.Fatal(format, args...)
	case LogError:
		glogLogger{}.Error(format, args...)
	case LogWarn:
		glogLogger{}.Warn(format, args...)
	case LogInfo:
		glogLogger{}.Info(format, args...)
	case LogTrace:
		glogLogger{}.Trace(format, args...)
	}
}

func (glogLogger) Fatal(format string, args ...interface{}) { glog.Fatalf(format, args...) }
func (glogLogger) Error(format string, args ...interface{}) { glog.Errorf(format, args...) }
func (glogLogger) Warn(format string, args ...interface{})  { glog.Warningf(format, args...) }
func (glogLogger) Info(format string, args ...interface{})  { glog.Infof(format, args...) }
func (glogLogger) Trace(format string, args ...interface{}) { glog.V(2).Infof(format, args...) }

var defaultLogger Logger = glogLogger{}

// DefaultLogger returns the process-wide default logger.
func DefaultLogger() Logger { return defaultLogger }

// SetDefaultLogger replaces the process-wide default logger. Intended to be
// called once at startup, before any other goroutine reads DefaultLogger.
func SetDefaultLogger(l Logger) { defaultLogger = l }
