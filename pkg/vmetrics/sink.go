// Package vmetrics implements tunnel.Metrics on top of
// github.com/VictoriaMetrics/metrics, exposing process and control-link
// metrics in Prometheus text exposition format.
package vmetrics

import (
	"io"
	"net/netip"

	"github.com/VictoriaMetrics/metrics"
	"github.com/pg9182/tunneld/pkg/geoinfo"
	"github.com/pg9182/tunneld/pkg/metricsx"
)

// Sink is a tunnel.Metrics implementation scoped to one control-link role
// ("server" or "client"), backed by its own metrics.Set so it can be
// written out independently (e.g. the server process exposing only its own
// counters on /metrics).
type Sink struct {
	set *metrics.Set

	framesSent     *metrics.Counter
	framesReceived *metrics.Counter
	bytesSent      *metrics.Counter
	bytesReceived  *metrics.Counter

	connects *metrics.Counter
	byRegion *metrics.Set // lazily-named per-region counters live here
	geohash  *metricsx.GeoCounter

	resolver *geoinfo.Resolver
}

// NewSink creates a Sink for the given role, labeling every metric name
// accordingly (e.g. tunneld_frames_sent_total{role="server"}).
func NewSink(role string, resolver *geoinfo.Resolver) *Sink {
	set := metrics.NewSet()
	s := &Sink{
		set:            set,
		framesSent:     set.NewCounter(`tunneld_frames_sent_total{role="` + role + `"}`),
		framesReceived: set.NewCounter(`tunneld_frames_received_total{role="` + role + `"}`),
		bytesSent:      set.NewCounter(`tunneld_bytes_sent_total{role="` + role + `"}`),
		bytesReceived:  set.NewCounter(`tunneld_bytes_received_total{role="` + role + `"}`),
		connects:       set.NewCounter(`tunneld_connects_total{role="` + role + `"}`),
		byRegion:       metrics.NewSet(),
		resolver:       resolver,
	}
	s.geohash = metricsx.NewGeoCounter(set, `tunneld_connects_geo{role="`+role+`"}`, 2)
	return s
}

func (s *Sink) FrameSent()             { s.framesSent.Inc() }
func (s *Sink) BytesSent(n uint64)     { s.bytesSent.Add(int(n)) }
func (s *Sink) FrameReceived()         { s.framesReceived.Inc() }
func (s *Sink) BytesReceived(n uint64) { s.bytesReceived.Add(int(n)) }

// RecordConnect tags a new user Connect with its origin IP's region and
// geohash bucket. It is metrics-only: the wire protocol and bridging logic
// never depend on its result.
func (s *Sink) RecordConnect(ip netip.Addr) {
	s.connects.Inc()

	region := s.resolver.Region(ip)
	s.byRegion.GetOrCreateCounter(`tunneld_connects_by_region_total{region="` + region + `"}`).Inc()

	if s.resolver != nil {
		if lat, lon, ok := s.resolver.LatLon(ip); ok {
			s.geohash.Inc(lat, lon)
			return
		}
	}
	s.geohash.IncUnknown()
}

// WritePrometheus writes this sink's metrics, including the per-region
// breakdown, in Prometheus text exposition format.
func (s *Sink) WritePrometheus(w io.Writer) {
	s.set.WritePrometheus(w)
	s.byRegion.WritePrometheus(w)
}
