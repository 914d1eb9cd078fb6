package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	VisitsIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pagewatch_visits_ingested_total",
		Help: "Total number of visits accepted and appended to the store.",
	})

	VisitsRateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pagewatch_visits_rate_limited_total",
		Help: "Total number of beacon submissions rejected by the rate limiter.",
	})

	StoreErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pagewatch_store_errors_total",
		Help: "Total number of failed store appends.",
	})

	GeoLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pagewatch_geo_lookups_total",
		Help: "Total number of outbound geo lookups, labelled by status.",
	}, []string{"status"})

	GeoCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pagewatch_geo_cache_hits_total",
		Help: "Total number of geo lookups served from the cache.",
	})

	HubClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pagewatch_hub_clients",
		Help: "Realtime connections currently admitted to the admin group.",
	})

	HubDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pagewatch_hub_dropped_total",
		Help: "Total number of realtime events dropped on slow connections.",
	})

	AuthFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pagewatch_auth_failures_total",
		Help: "Total number of rejected logins and unauthorized API calls.",
	})
)
