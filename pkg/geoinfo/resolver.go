package geoinfo

import (
	"fmt"
	"net/netip"
	"os"
	"sync"

	"github.com/pg9182/ip2x"
)

// Resolver wraps a file-backed IP2Location database, reloadable in place
// (e.g. on SIGHUP) without interrupting lookups in flight, specialized to
// resolving a region string and a lat/lon pair for Connect-frame metrics
// enrichment.
type Resolver struct {
	mu   sync.RWMutex
	file *os.File
	db   *ip2x.DB
}

// NewResolver returns an unconfigured Resolver. Until Load succeeds, Region
// returns only "Local" or "Unknown" and LatLon reports ok == false.
func NewResolver() *Resolver {
	return &Resolver{}
}

// Load replaces the currently loaded database with the one at name. If name
// is empty, the existing database (if any) is reopened from the same path,
// which is how a SIGHUP-triggered reload picks up a replaced file without
// the operator needing to pass the path again.
func (r *Resolver) Load(name string) error {
	if name == "" {
		r.mu.RLock()
		f := r.file
		r.mu.RUnlock()
		if f == nil {
			return fmt.Errorf("geoinfo: no database loaded")
		}
		name = f.Name()
	}

	f, err := os.Open(name)
	if err != nil {
		return err
	}

	db, err := ip2x.New(f)
	if err != nil {
		f.Close()
		return err
	}
	if p, _ := db.Info(); p != ip2x.IP2Location {
		f.Close()
		return fmt.Errorf("geoinfo: %s is not an ip2location database", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file != nil {
		r.file.Close()
	}
	r.file, r.db = f, db
	return nil
}

// Region resolves ip to a coarse region string, per GetRegion. If no database
// is loaded or ip is not found, it returns "Local" for private and loopback
// addresses and "Unknown" otherwise (rather than an error), so callers can
// use a zero-value *Resolver (nil included) as a silent no-op.
func (r *Resolver) Region(ip netip.Addr) string {
	rec, ok := r.lookup(ip)
	if !ok {
		if ip.IsPrivate() || ip.IsLoopback() {
			return "Local"
		}
		return "Unknown"
	}
	region, err := GetRegion(ip, rec)
	if err != nil {
		return "Unknown"
	}
	return region
}

// LatLon resolves ip to an approximate latitude/longitude, for geohash
// bucketing via pkg/metricsx.GeoCounter. The IP2Location free-tier database
// this is normally paired with carries country/region, not exact
// coordinates, so this uses the country's centroid -- coarse, but enough to
// bucket traffic by geohash for an operator dashboard. ok is false if no
// database is loaded or the country is unrecognized.
func (r *Resolver) LatLon(ip netip.Addr) (lat, lon float64, ok bool) {
	rec, found := r.lookup(ip)
	if !found {
		return 0, 0, false
	}
	country, ok := rec.GetString(ip2x.CountryCode)
	if !ok {
		return 0, 0, false
	}
	c, ok := countryCentroid[country]
	return c.lat, c.lon, ok
}

type centroid struct{ lat, lon float64 }

// countryCentroid gives a rough lat/lon per ISO 3166-1 alpha-2 country code,
// covering the countries most commonly seen in practice; unlisted countries
// fall back to the "Unknown" geohash bucket rather than a wrong guess.
var countryCentroid = map[string]centroid{
	"US": {39.8, -98.6}, "CA": {56.1, -106.3}, "MX": {23.6, -102.6},
	"BR": {-14.2, -51.9}, "AR": {-38.4, -63.6},
	"GB": {55.4, -3.4}, "IE": {53.4, -8.2}, "FR": {46.2, 2.2}, "DE": {51.2, 10.4},
	"NL": {52.1, 5.3}, "BE": {50.5, 4.5}, "ES": {40.5, -3.7}, "PT": {39.4, -8.2},
	"IT": {41.9, 12.6}, "PL": {51.9, 19.1}, "SE": {60.1, 18.6}, "NO": {60.5, 8.5},
	"FI": {61.9, 25.7}, "DK": {56.3, 9.5}, "RU": {61.5, 105.3}, "UA": {48.4, 31.2},
	"TR": {38.9, 35.2}, "ZA": {-30.6, 22.9},
	"CN": {35.9, 104.2}, "JP": {36.2, 138.3}, "KR": {35.9, 127.8}, "IN": {20.6, 79.0},
	"SG": {1.4, 103.8}, "ID": {-0.8, 113.9}, "TH": {15.9, 101.0}, "VN": {14.1, 108.3},
	"PH": {12.9, 121.8}, "MY": {4.2, 101.9},
	"AU": {-25.3, 133.8}, "NZ": {-40.9, 174.9},
}

func (r *Resolver) lookup(ip netip.Addr) (ip2x.Record, bool) {
	if r == nil {
		return ip2x.Record{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.db == nil {
		return ip2x.Record{}, false
	}
	rec, err := r.db.Lookup(ip)
	if err != nil {
		return ip2x.Record{}, false
	}
	return rec, true
}
