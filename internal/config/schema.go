package config

import "fmt"

// Config is the top-level YAML structure.
type Config struct {
	Listen        string `yaml:"listen"`
	AdminPassword string `yaml:"admin_password"` // env PAGEWATCH_ADMIN_PASSWORD overrides
	Anonymize     bool   `yaml:"anonymize"`

	Session   SessionConf   `yaml:"session"`
	Store     StoreConf     `yaml:"store"`
	Geo       GeoConf       `yaml:"geo"`
	RateLimit RateLimitConf `yaml:"rate_limit"`
}

// SessionConf tunes admin session lifetime.
type SessionConf struct {
	TTLHours int `yaml:"ttl_hours"`
}

// StoreConf locates the append-only visit log.
type StoreConf struct {
	Path string `yaml:"path"`
}

// GeoConf controls IP→location enrichment.
type GeoConf struct {
	Enabled  bool   `yaml:"enabled"`
	Provider string `yaml:"provider"` // "ipapi" or "maxmind"
	Database string `yaml:"database"` // .mmdb path for the maxmind provider
	Endpoint string `yaml:"endpoint"` // override for the ipapi provider
	Token    string `yaml:"token"`    // env PAGEWATCH_GEO_TOKEN overrides

	CacheTTLHours int `yaml:"cache_ttl_hours"`
	TimeoutMs     int `yaml:"timeout_ms"`
}

// RateLimitConf bounds beacon submissions per client key.
type RateLimitConf struct {
	Max       int `yaml:"max"`
	WindowSec int `yaml:"window_sec"`
}

// Validate rejects configurations the server cannot run with.
func Validate(cfg *Config) error {
	if cfg.AdminPassword == "" {
		return fmt.Errorf("admin_password is required (or set PAGEWATCH_ADMIN_PASSWORD)")
	}
	if cfg.Geo.Enabled {
		switch cfg.Geo.Provider {
		case "ipapi":
		case "maxmind":
			if cfg.Geo.Database == "" {
				return fmt.Errorf("geo.database is required for the maxmind provider")
			}
		default:
			return fmt.Errorf("unknown geo.provider %q", cfg.Geo.Provider)
		}
	}
	return nil
}
