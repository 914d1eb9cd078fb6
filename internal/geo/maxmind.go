package geo

import (
	"context"
	"fmt"
	"net"

	"github.com/oschwald/geoip2-golang"

	"github.com/pagewatch/pagewatch/internal/visit"
)

// MaxMind resolves locations from a local GeoLite2/GeoIP2 City database.
// No network calls, so the caller's lookup timeout is effectively unused.
type MaxMind struct {
	reader *geoip2.Reader
}

// OpenMaxMind opens the .mmdb file at path.
func OpenMaxMind(path string) (*MaxMind, error) {
	r, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open geo database %s: %w", path, err)
	}
	return &MaxMind{reader: r}, nil
}

func (m *MaxMind) Lookup(_ context.Context, ip string) (*visit.Geo, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return nil, fmt.Errorf("invalid ip %q", ip)
	}
	rec, err := m.reader.City(parsed)
	if err != nil {
		return nil, fmt.Errorf("geo database lookup: %w", err)
	}
	g := &visit.Geo{
		City:    rec.City.Names["en"],
		Country: rec.Country.IsoCode,
		Lat:     rec.Location.Latitude,
		Lon:     rec.Location.Longitude,
	}
	if len(rec.Subdivisions) > 0 {
		g.Region = rec.Subdivisions[0].Names["en"]
	}
	return g, nil
}

// Close releases the database handle.
func (m *MaxMind) Close() error {
	return m.reader.Close()
}
