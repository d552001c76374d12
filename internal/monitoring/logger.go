// Package monitoring holds the engine's diagnostic logging hooks.
package monitoring

import (
	"log"
	"sync"
)

var (
	mu   sync.RWMutex
	logf func(format string, v ...interface{}) = log.Printf
)

// Logf writes through the package-level logger. It defaults to log.Printf but
// may be replaced by SetLogger so tests or embedders can redirect or mute it.
func Logf(format string, v ...interface{}) {
	mu.RLock()
	f := logf
	mu.RUnlock()
	f(format, v...)
}

// SetLogger replaces the package logger. Passing nil installs a no-op logger.
// It returns the previous logger so callers can restore it.
func SetLogger(f func(format string, v ...interface{})) func(format string, v ...interface{}) {
	mu.Lock()
	defer mu.Unlock()
	prev := logf
	if f == nil {
		logf = func(string, ...interface{}) {}
		return prev
	}
	logf = f
	return prev
}

// Logger prefixes every line with a bracketed component name, e.g.
// "[search] WARNING: ...".
type Logger struct {
	component string
}

// New returns a Logger for the named component.
func New(component string) Logger {
	return Logger{component: component}
}

// Infof logs an informational line.
func (l Logger) Infof(format string, v ...interface{}) {
	Logf("["+l.component+"] "+format, v...)
}

// Warnf logs a line tagged WARNING.
func (l Logger) Warnf(format string, v ...interface{}) {
	Logf("["+l.component+"] WARNING: "+format, v...)
}

// Errorf logs a line tagged ERROR.
func (l Logger) Errorf(format string, v ...interface{}) {
	Logf("["+l.component+"] ERROR: "+format, v...)
}
