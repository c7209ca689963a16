// Package logger provides the gateway's "component + fields" structured
// logging call shape, backed by zerolog. The shape (InfoCF/WarnCF/ErrorCF/
// DebugCF taking a component name, a message, and a field map) mirrors the
// teacher repo's logger call sites, whose own source was not available to
// copy — only its usage was, so the signature is reconstructed here.
package logger

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	mu  sync.RWMutex
	log zerolog.Logger
)

func init() {
	Configure(os.Stderr, false)
}

// Configure sets the destination writer and whether output is pretty
// (console) or JSON. Pretty is typically used for local/dev runs.
func Configure(w io.Writer, pretty bool) {
	mu.Lock()
	defer mu.Unlock()
	if pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	log = zerolog.New(w).With().Timestamp().Logger()
}

// InfoCF logs an informational event tagged with its component and fields.
func InfoCF(component, message string, f map[string]interface{}) {
	mu.RLock()
	ev := log.Info()
	mu.RUnlock()
	ev.Str("component", component).Fields(f).Msg(message)
}

// WarnCF logs a warning tagged with its component and fields.
func WarnCF(component, message string, f map[string]interface{}) {
	mu.RLock()
	ev := log.Warn()
	mu.RUnlock()
	ev.Str("component", component).Fields(f).Msg(message)
}

// ErrorCF logs an error tagged with its component and fields. err may be nil.
func ErrorCF(component, message string, err error, f map[string]interface{}) {
	mu.RLock()
	ev := log.Error()
	mu.RUnlock()
	if err != nil {
		ev = ev.Err(err)
	}
	ev.Str("component", component).Fields(f).Msg(message)
}

// DebugCF logs a debug event tagged with its component and fields.
func DebugCF(component, message string, f map[string]interface{}) {
	mu.RLock()
	ev := log.Debug()
	mu.RUnlock()
	ev.Str("component", component).Fields(f).Msg(message)
}
