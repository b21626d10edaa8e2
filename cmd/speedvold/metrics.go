package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// daemonMetrics exposes the controller's observable state on /metrics.
// Gauges mirror the current state after every reduction; counters advance on
// the events that cross them.
type daemonMetrics struct {
	registry *prometheus.Registry

	speedMPH      prometheus.Gauge
	volume        prometheus.Gauge
	masterEnabled prometheus.Gauge
	signalLost    prometheus.Gauge
	profileCount  prometheus.Gauge

	geoErrors    *prometheus.CounterVec
	geoSamples   prometheus.Counter
	interactions prometheus.Counter
	adsShown     prometheus.Counter

	lastAdVisible bool
}

func newDaemonMetrics() *daemonMetrics {
	m := &daemonMetrics{
		registry: prometheus.NewRegistry(),
		speedMPH: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "speedvol",
			Name:      "speed_mph",
			Help:      "Most recent normalized speed reading.",
		}),
		volume: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "speedvol",
			Name:      "volume_percent",
			Help:      "Current playback volume.",
		}),
		masterEnabled: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "speedvol",
			Name:      "master_enabled",
			Help:      "Whether speed adaptation is enabled (1) or off (0).",
		}),
		signalLost: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "speedvol",
			Name:      "signal_lost",
			Help:      "Whether the location signal is currently lost (1) or live (0).",
		}),
		profileCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "speedvol",
			Name:      "profiles",
			Help:      "Number of stored profiles.",
		}),
		geoErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "speedvol",
			Name:      "geo_errors_total",
			Help:      "Location source errors by kind.",
		}, []string{"kind"}),
		geoSamples: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "speedvol",
			Name:      "geo_samples_total",
			Help:      "Speed samples received from the location source.",
		}),
		interactions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "speedvol",
			Name:      "profile_interactions_total",
			Help:      "Profile add/update/delete interactions.",
		}),
		adsShown: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "speedvol",
			Name:      "ads_shown_total",
			Help:      "Ads surfaced by the interaction counter.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.speedMPH, m.volume, m.masterEnabled, m.signalLost, m.profileCount,
		m.geoErrors, m.geoSamples, m.interactions, m.adsShown,
	)
	return m
}

func (m *daemonMetrics) Registry() *prometheus.Registry { return m.registry }

// observeEvent advances the counters driven by inbound events. Call before
// the event is reduced.
func (m *daemonMetrics) observeEvent(ev Event) {
	if m == nil {
		return
	}
	switch e := ev.(type) {
	case GeoSample:
		m.geoSamples.Inc()
	case GeoError:
		m.geoErrors.WithLabelValues(string(e.Kind)).Inc()
	case AddProfile, UpdateProfile, DeleteProfile:
		m.interactions.Inc()
	}
}

// observeState mirrors the post-reduction state onto the gauges and detects
// the ad-shown edge.
func (m *daemonMetrics) observeState(s *DaemonState) {
	if m == nil {
		return
	}
	m.speedMPH.Set(float64(s.Geo.SpeedMPH))
	m.volume.Set(float64(s.CurrentVolume))
	m.masterEnabled.Set(boolGauge(s.MasterEnabled))
	m.signalLost.Set(boolGauge(s.Geo.SignalLost))
	m.profileCount.Set(float64(len(s.Profiles)))

	if s.Ads.AdVisible && !m.lastAdVisible {
		m.adsShown.Inc()
	}
	m.lastAdVisible = s.Ads.AdVisible
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
