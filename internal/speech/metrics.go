package speech

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "speech_cache_lookups_total",
		Help: "Speech cache lookups by result.",
	}, []string{"result"})

	cacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "speech_cache_evictions_total",
		Help: "Audio files removed to keep the cache under its size limit.",
	})

	cacheBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "speech_cache_bytes",
		Help: "Total size of cached audio files as of the last scan.",
	})

	synthesisDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "speech_synthesis_duration_seconds",
		Help:    "Time spent synthesizing uncached audio.",
		Buckets: prometheus.DefBuckets,
	}, []string{"lang"})
)
