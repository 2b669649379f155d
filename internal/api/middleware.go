package api

import (
	"net"
	"net/http"

	"github.com/felixge/httpsnoop"
	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"github.com/urfave/negroni/v3"
)

// zerologRequestLogger captures response metrics for every request and
// logs them at a severity matching the status code.
func zerologRequestLogger() negroni.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, next http.HandlerFunc) {
		m := httpsnoop.CaptureMetrics(next, w, r)

		logger := zerolog.Ctx(r.Context())
		var ev *zerolog.Event
		switch {
		case m.Code >= 400 && m.Code <= 499:
			ev = logger.Warn() //nolint:zerologlint // Msg for ev is called later
		case m.Code >= 500:
			ev = logger.Error() //nolint:zerologlint // Msg for ev is called later
		default:
			ev = logger.Info() //nolint:zerologlint // Msg for ev is called later
		}

		ev.
			Int("status", m.Code).
			Int64("body_size", m.Written).
			Int64("elapsed_ms", m.Duration.Milliseconds()).
			Msg(http.StatusText(m.Code))
	}
}

// requestContextLogger attaches a per-request logger carrying a request
// id and the request details. Handlers retrieve it with zerolog.Ctx.
func requestContextLogger(base zerolog.Logger) negroni.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, next http.HandlerFunc) {
		remoteIP, _, _ := net.SplitHostPort(r.RemoteAddr)
		logger := base.With().
			Str("request_id", xid.New().String()).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("remote_addr", remoteIP).
			Logger()
		r = r.WithContext(logger.WithContext(r.Context()))

		next(w, r)
	}
}

// recovery converts handler panics into 500 responses instead of taking
// down the process.
func recovery() negroni.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, next http.HandlerFunc) {
		defer func() {
			if rec := recover(); rec != nil {
				zerolog.Ctx(r.Context()).Error().Interface("panic", rec).Msg("handler panicked")
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}
		}()
		next(w, r)
	}
}
