package visit

import (
	"net"
	"net/netip"
	"strings"
)

// AnonymizedIP replaces the real client address when anonymization is on.
const AnonymizedIP = "0.0.0.0"

// Record is the canonical model for one tracked page view.
// Records are immutable once appended to the store.
type Record struct {
	ID        string `json:"id"`
	IP        string `json:"ip"`
	UserAgent string `json:"ua"`
	Path      string `json:"path"`
	Referer   string `json:"ref"`
	Timestamp int64  `json:"ts"` // Unix seconds, non-decreasing by append order
	Geo       *Geo   `json:"geo,omitempty"`
}

// Geo is the optional approximate location attached by enrichment.
type Geo struct {
	City    string  `json:"city"`
	Region  string  `json:"region"`
	Country string  `json:"country"`
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
}

// SearchText returns the normalized lower-case concatenation of the
// record's filterable fields, used for substring matching.
func (r *Record) SearchText() string {
	parts := []string{r.IP, r.Path, r.UserAgent, r.Referer}
	if r.Geo != nil {
		parts = append(parts, r.Geo.City, r.Geo.Region, r.Geo.Country)
	}
	return strings.ToLower(strings.Join(parts, " "))
}

// ClientIP derives the client address: the first entry of the
// X-Forwarded-For header when present, otherwise the direct remote address.
func ClientIP(forwardedFor, remoteAddr string) string {
	if forwardedFor != "" {
		first := forwardedFor
		if i := strings.IndexByte(forwardedFor, ','); i >= 0 {
			first = forwardedFor[:i]
		}
		if ip := strings.TrimSpace(first); ip != "" {
			return NormalizeIP(ip)
		}
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return NormalizeIP(remoteAddr)
	}
	return NormalizeIP(host)
}

// NormalizeIP strips the IPv6-mapped-IPv4 prefix (::ffff:a.b.c.d → a.b.c.d)
// so cache keys and stored addresses are stable across transports.
func NormalizeIP(ip string) string {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return ip
	}
	if addr.Is4In6() {
		return addr.Unmap().String()
	}
	return addr.String()
}

// IsPrivate reports whether ip is loopback, link-local or RFC1918 space.
// Enrichment is never attempted for such addresses.
func IsPrivate(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return true
	}
	addr = addr.Unmap()
	return addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast() || addr.IsUnspecified()
}
