package geoinfo

import (
	"net/netip"
	"testing"
)

func TestResolverNilIsSilentNoOp(t *testing.T) {
	var r *Resolver
	if got := r.Region(netip.MustParseAddr("8.8.8.8")); got != "Unknown" {
		t.Fatalf("Region on nil resolver for public ip = %q, want Unknown", got)
	}
	if got := r.Region(netip.MustParseAddr("192.168.1.1")); got != "Local" {
		t.Fatalf("Region on nil resolver for private ip = %q, want Local", got)
	}
	if _, _, ok := r.LatLon(netip.MustParseAddr("8.8.8.8")); ok {
		t.Fatalf("LatLon on nil resolver returned ok=true")
	}
}

func TestResolverUnloadedReturnsUnknown(t *testing.T) {
	r := NewResolver()
	if got := r.Region(netip.MustParseAddr("8.8.8.8")); got != "Unknown" {
		t.Fatalf("Region on unloaded resolver = %q, want Unknown", got)
	}
}

func TestResolverLoadMissingFile(t *testing.T) {
	r := NewResolver()
	if err := r.Load("/nonexistent/geo.bin"); err == nil {
		t.Fatalf("Load of nonexistent file succeeded")
	}
}

func TestCountryCentroidTableWellFormed(t *testing.T) {
	for code, c := range countryCentroid {
		if len(code) != 2 {
			t.Errorf("country code %q is not 2 letters", code)
		}
		if c.lat < -90 || c.lat > 90 {
			t.Errorf("%s: lat %v out of range", code, c.lat)
		}
		if c.lon < -180 || c.lon > 180 {
			t.Errorf("%s: lon %v out of range", code, c.lon)
		}
	}
}
