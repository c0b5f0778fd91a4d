// Package logx configures the process-wide zerolog logger.
package logx

import (
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Options controls logger construction.
type Options struct {
	Production bool
	Level      string
	Output     io.Writer
}

// Init replaces the global logger according to opts.
func Init(opts Options) {
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}

	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(opts.Level)))
	if err != nil || opts.Level == "" {
		level = zerolog.InfoLevel
		if !opts.Production {
			level = zerolog.DebugLevel
		}
	}

	if opts.Production {
		log.Logger = zerolog.New(out).With().Timestamp().Logger().Level(level)
	} else {
		console := zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}
		log.Logger = zerolog.New(console).With().Timestamp().Caller().Logger().Level(level)
	}
	zerolog.DefaultContextLogger = &log.Logger
}

// Debug starts a debug-level event on the global logger.
func Debug() *zerolog.Event {
	return log.Debug()
}

// Info starts an info-level event on the global logger.
func Info() *zerolog.Event {
	return log.Info()
}

// Warn starts a warn-level event on the global logger.
func Warn() *zerolog.Event {
	return log.Warn()
}

// Error starts an error-level event on the global logger.
func Error() *zerolog.Event {
	return log.Error()
}

// Fatal starts a fatal-level event; the process exits after Msg.
func Fatal() *zerolog.Event {
	return log.Fatal()
}

// RequestLogger is chi middleware that logs one line per request, tagged
// with the request ID set by middleware.RequestID.
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			event := log.Info()
			if ww.Status() >= http.StatusInternalServerError {
				event = log.Error()
			}
			event.
				Str("request_id", chiMiddleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("remote", r.RemoteAddr).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Msg("http request")
		}()
		next.ServeHTTP(ww, r)
	})
}
