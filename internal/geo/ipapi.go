package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/pagewatch/pagewatch/internal/visit"
)

const defaultIPAPIBase = "http://ip-api.com/json"

// IPAPI looks locations up over HTTP against an ip-api.com style endpoint.
type IPAPI struct {
	base   string
	token  string
	client *http.Client
}

// NewIPAPI creates the HTTP provider. token is optional; base overrides the
// public endpoint (used by tests and self-hosted mirrors).
func NewIPAPI(base, token string) *IPAPI {
	if base == "" {
		base = defaultIPAPIBase
	}
	return &IPAPI{base: base, token: token, client: &http.Client{}}
}

type ipapiResponse struct {
	Status     string  `json:"status"`
	Message    string  `json:"message"`
	Country    string  `json:"country"`
	RegionName string  `json:"regionName"`
	City       string  `json:"city"`
	Lat        float64 `json:"lat"`
	Lon        float64 `json:"lon"`
}

// Lookup performs one request. The caller bounds ctx; cancellation abandons
// the request.
func (p *IPAPI) Lookup(ctx context.Context, ip string) (*visit.Geo, error) {
	u := fmt.Sprintf("%s/%s?fields=status,message,country,regionName,city,lat,lon", p.base, url.PathEscape(ip))
	if p.token != "" {
		u += "&key=" + url.QueryEscape(p.token)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("geo request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("geo request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("geo request: unexpected status %d", resp.StatusCode)
	}

	var body ipapiResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("geo response: %w", err)
	}
	if body.Status != "success" {
		return nil, fmt.Errorf("geo lookup %s: %s", ip, body.Message)
	}
	return &visit.Geo{
		City:    body.City,
		Region:  body.RegionName,
		Country: body.Country,
		Lat:     body.Lat,
		Lon:     body.Lon,
	}, nil
}
