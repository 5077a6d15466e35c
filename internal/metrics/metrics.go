// Package metrics exposes client link and prediction metrics to Prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/isgasho/wosim/internal/session"
)

const namespace = "wosim"

// Metrics holds the collectors updated by the tick loop.
type Metrics struct {
	Corrections         prometheus.Counter
	CorrectionMagnitude prometheus.Histogram
	PredictionDepth     prometheus.Gauge
	BufferedSnapshots   prometheus.Gauge
	NotAvailable        prometheus.Counter
}

// New registers every collector on reg. source is read at scrape time for
// the link counters; it must be safe to call from any goroutine.
func New(reg prometheus.Registerer, source func() session.Stats) *Metrics {
	factory := promauto.With(reg)
	m := &Metrics{
		Corrections: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "corrections_total",
			Help:      "Reconciliations that changed the predicted state",
		}),
		CorrectionMagnitude: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "correction_magnitude_meters",
			Help:      "Largest entity displacement caused by a reconciliation",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}),
		PredictionDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "prediction_depth_ticks",
			Help:      "Unconfirmed input commands held for replay",
		}),
		BufferedSnapshots: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "buffered_snapshots",
			Help:      "Snapshots held for interpolation",
		}),
		NotAvailable: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interpolation_gaps_total",
			Help:      "Render queries older than the snapshot buffer",
		}),
	}
	if source != nil {
		reg.MustRegister(&linkCollector{source: source})
	}
	return m
}

// Observe records one reconciliation. A nil receiver records nothing.
func (m *Metrics) Observe(magnitude float64, depth, buffered int) {
	if m == nil {
		return
	}
	if magnitude > 0 {
		m.Corrections.Inc()
		m.CorrectionMagnitude.Observe(magnitude)
	}
	m.PredictionDepth.Set(float64(depth))
	m.BufferedSnapshots.Set(float64(buffered))
}

// Gap records a render query that fell outside the snapshot buffer.
func (m *Metrics) Gap() {
	if m == nil {
		return
	}
	m.NotAvailable.Inc()
}

var (
	descDatagrams    = prometheus.NewDesc(namespace+"_datagrams_total", "Datagrams by direction", []string{"direction"}, nil)
	descBytes        = prometheus.NewDesc(namespace+"_bytes_total", "Bytes by direction", []string{"direction"}, nil)
	descInboxDropped = prometheus.NewDesc(namespace+"_inbox_dropped_total", "Inbound datagrams lost to a full inbox", nil, nil)
	descRetransmits  = prometheus.NewDesc(namespace+"_retransmits_total", "Reliable retransmissions", nil, nil)
	descDuplicates   = prometheus.NewDesc(namespace+"_duplicates_total", "Reliable duplicates discarded", nil, nil)
	descStale        = prometheus.NewDesc(namespace+"_stale_total", "Unreliable messages dropped as stale", nil, nil)
	descDecodeErrors = prometheus.NewDesc(namespace+"_decode_errors_total", "Undecodable datagrams", nil, nil)
	descRTT          = prometheus.NewDesc(namespace+"_rtt_seconds", "Smoothed round trip time", nil, nil)
	descState        = prometheus.NewDesc(namespace+"_session_state", "Current session state", []string{"state"}, nil)
)

// linkCollector reads session counters at scrape time.
type linkCollector struct {
	source func() session.Stats
}

func (c *linkCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{descDatagrams, descBytes, descInboxDropped, descRetransmits,
		descDuplicates, descStale, descDecodeErrors, descRTT, descState} {
		ch <- d
	}
}

func (c *linkCollector) Collect(ch chan<- prometheus.Metric) {
	st := c.source()
	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}
	counter(descDatagrams, st.Transport.DatagramsTx, "tx")
	counter(descDatagrams, st.Transport.DatagramsRx, "rx")
	counter(descBytes, st.Transport.BytesTx, "tx")
	counter(descBytes, st.Transport.BytesRx, "rx")
	counter(descInboxDropped, st.Transport.Dropped)
	counter(descRetransmits, st.Channel.Retransmits)
	counter(descDuplicates, st.Channel.Duplicates)
	counter(descStale, st.Channel.Stale)
	counter(descDecodeErrors, st.DecodeErrors)
	ch <- prometheus.MustNewConstMetric(descRTT, prometheus.GaugeValue, st.RTT.Seconds())
	for s := session.Connecting; s <= session.Failed; s++ {
		v := 0.0
		if s == st.State {
			v = 1
		}
		ch <- prometheus.MustNewConstMetric(descState, prometheus.GaugeValue, v, s.String())
	}
}

// Serve exposes gatherer on addr at /metrics until ctx ends.
func Serve(ctx context.Context, addr string, gatherer prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
