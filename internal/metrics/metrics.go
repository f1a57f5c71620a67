package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CursorHeight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "aptfeed_cursor_height",
		Help: "Highest block height observed on the push channel",
	})

	WindowSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "aptfeed_window_size",
		Help: "Number of entries currently held in the display window",
	}, []string{"entity"})

	SeenSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "aptfeed_seen_size",
		Help: "Number of identity keys held in the dedup set",
	}, []string{"entity"})

	Connected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "aptfeed_connected",
		Help: "1 while the push channel is open, 0 otherwise",
	})

	EnvelopesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aptfeed_envelopes_total",
		Help: "Inbound push frames by kind",
	}, []string{"kind"})

	ParseErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aptfeed_parse_errors_total",
		Help: "Inbound push frames dropped because they could not be decoded",
	})

	NovelTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aptfeed_novel_total",
		Help: "Entities merged into a window for the first time",
	}, []string{"entity"})

	DuplicatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aptfeed_duplicates_total",
		Help: "Entities dropped because their identity was already seen",
	}, []string{"entity"})

	BackfillTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aptfeed_backfill_total",
		Help: "Gap repair fetches by result",
	}, []string{"result"})

	UnrepairedHeightsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aptfeed_unrepaired_heights_total",
		Help: "Missing heights left unfetched because the gap exceeded the backfill bound",
	})

	ReconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aptfeed_reconnects_total",
		Help: "Push channel reconnect attempts",
	})

	SinkErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aptfeed_sink_errors_total",
		Help: "Archive sink write failures",
	}, []string{"entity"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aptfeed_http_requests_total",
		Help: "API requests by route and status code",
	}, []string{"route", "code"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "aptfeed_http_request_duration_seconds",
		Help:    "API request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
)

const (
	EntityBlock       = "block"
	EntityTransaction = "transaction"
)
