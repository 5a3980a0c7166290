package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PasteCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ephem_paste_created_total",
		Help: "no. of pastes created",
	})
	PasteViewed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ephem_paste_viewed_total",
		Help: "no. of counted paste views",
	})
	PasteUnavailable = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ephem_paste_unavailable_total",
			Help: "no. of reads refused, by reason",
		},
		[]string{"reason"},
	)
	BackendFailovers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ephem_backend_failovers_total",
			Help: "no. of remote store errors that moved an operation to memory",
		},
		[]string{"op"},
	)
	RemoteActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ephem_backend_remote_active",
		Help: "1 while the remote store serves requests",
	})
	SweptRecords = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ephem_swept_records_total",
		Help: "no. of expired in-process records reclaimed",
	})
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ephem_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ephem_rate_limit_hits_total",
			Help: "no. of rate limit violations",
		},
		[]string{"endpoint"},
	)
)

const (
	ReasonMissing   = "missing"
	ReasonExhausted = "exhausted"
	ReasonPrivate   = "private"
)
