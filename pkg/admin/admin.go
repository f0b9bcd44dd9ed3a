// Package admin implements the tunnel daemons' admin HTTP surface:
// /metrics and /debug/pprof, bound to their own listener separate from the
// tunnel's control and user-facing ports.
package admin

import (
	"io"
	"net/http"
	"net/http/pprof"
	"strings"

	"github.com/VictoriaMetrics/metrics"
	"github.com/klauspost/compress/gzip"
	"github.com/pg9182/tunneld/pkg/cloudflare"
	"github.com/rs/zerolog"
)

// MetricsWriter is anything that can dump its metrics in Prometheus text
// exposition format, satisfied by *vmetrics.Sink and *metrics.Set alike.
type MetricsWriter interface {
	WritePrometheus(w io.Writer)
}

// Options configures the admin handler.
type Options struct {
	// Secret, if non-empty, must be supplied as the "secret" query
	// parameter to access /metrics. If empty, /metrics is open.
	Secret string

	// Sources are written, in order, to every /metrics response, alongside
	// the Go process metrics always included first.
	Sources []MetricsWriter

	// TrustCloudflare enables cloudflare.RealIP so access logs (and any
	// downstream IP-based policy) see the true client IP when this surface
	// is itself fronted by Cloudflare.
	TrustCloudflare bool

	Logger zerolog.Logger
}

// Handler returns the admin surface's http.Handler.
func Handler(opts Options) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", metricsHandler(opts))
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	var h http.Handler = mux
	if opts.TrustCloudflare {
		h = cloudflare.RealIP(func(r *http.Request, err error) {
			opts.Logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("admin: cloudflare realip")
		})(h)
	}
	return h
}

func metricsHandler(opts Options) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if opts.Secret != "" && r.URL.Query().Get("secret") != opts.Secret {
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}

		w.Header().Set("Cache-Control", "private, no-cache, no-store")
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")

		var out io.Writer = w
		if strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			w.Header().Set("Content-Encoding", "gzip")
			gw := gzip.NewWriter(w)
			defer gw.Close()
			out = gw
		}

		metrics.WriteProcessMetrics(out)
		for _, src := range opts.Sources {
			io.WriteString(out, "\n")
			src.WritePrometheus(out)
		}
	}
}
