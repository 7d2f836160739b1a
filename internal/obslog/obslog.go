// Package obslog provides per-component structured loggers on top of
// zerolog, the way the corpus wires one logger instance per subsystem and
// threads context fields (tenant, task, node) through chained calls
// instead of formatting them into message strings.
package obslog

import (
	"os"
	"sync"

	"github.com/rs/zerolog"
)

var (
	once   sync.Once
	base   zerolog.Logger
	initMu sync.Mutex
)

func initBase() {
	once.Do(func() {
		base = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).
			With().
			Timestamp().
			Logger()
	})
}

// SetOutput redirects the base logger, primarily for tests that want to
// capture output or silence it.
func SetOutput(w zerolog.Logger) {
	initBase()
	initMu.Lock()
	defer initMu.Unlock()
	base = w
}

// WithComponent returns a logger tagged with component=name.
func WithComponent(name string) zerolog.Logger {
	initBase()
	return base.With().Str("component", name).Logger()
}
