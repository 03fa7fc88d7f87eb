package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector records negotiation, media and relay metrics. It
// satisfies ports.NegotiationMetrics, media.RTPObserver and
// signal.RelayMetrics.
type PrometheusCollector struct {
	// Negotiation
	negotiatorsActive  prometheus.Gauge
	offersSent         prometheus.Counter
	answersSent        prometheus.Counter
	collisionsIgnored  prometheus.Counter
	rollbacks          prometheus.Counter
	restarts           prometheus.Counter
	retriesExhausted   prometheus.Counter
	iceRestarts        prometheus.Counter
	candidatesBuffered prometheus.Counter
	candidatesApplied  *prometheus.CounterVec
	connectionStates   *prometheus.CounterVec
	signalsDropped     *prometheus.CounterVec
	remoteTracks       *prometheus.CounterVec

	// Media
	rtpBytes   *prometheus.CounterVec
	rtpPackets *prometheus.CounterVec

	// Relay
	relayConnections prometheus.Gauge
	relayRouted      *prometheus.CounterVec
	relayRejected    *prometheus.CounterVec
	relayForwarded   prometheus.Counter
}

// NewPrometheusCollector registers every metric with reg. Pass
// prometheus.DefaultRegisterer in binaries and a fresh registry in tests.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	factory := promauto.With(reg)

	return &PrometheusCollector{
		negotiatorsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "stagelink_negotiators_active",
			Help: "Number of running connection negotiators",
		}),

		offersSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "stagelink_offers_sent_total",
			Help: "Total number of local offers sent, ICE restarts included",
		}),

		answersSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "stagelink_answers_sent_total",
			Help: "Total number of local answers sent",
		}),

		collisionsIgnored: factory.NewCounter(prometheus.CounterOpts{
			Name: "stagelink_offer_collisions_ignored_total",
			Help: "Colliding remote offers ignored by the impolite side",
		}),

		rollbacks: factory.NewCounter(prometheus.CounterOpts{
			Name: "stagelink_offer_rollbacks_total",
			Help: "Local offers rolled back by the polite side",
		}),

		restarts: factory.NewCounter(prometheus.CounterOpts{
			Name: "stagelink_negotiation_restarts_total",
			Help: "Connections torn down and recreated after a negotiation failure",
		}),

		retriesExhausted: factory.NewCounter(prometheus.CounterOpts{
			Name: "stagelink_negotiation_retries_exhausted_total",
			Help: "Negotiators that reached the retry limit",
		}),

		iceRestarts: factory.NewCounter(prometheus.CounterOpts{
			Name: "stagelink_ice_restarts_total",
			Help: "ICE restarts triggered by a failed connection",
		}),

		candidatesBuffered: factory.NewCounter(prometheus.CounterOpts{
			Name: "stagelink_ice_candidates_buffered_total",
			Help: "Remote ICE candidates received",
		}),

		candidatesApplied: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stagelink_ice_candidates_applied_total",
			Help: "Remote ICE candidates applied to the transport",
		}, []string{"result"}),

		connectionStates: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stagelink_connection_state_changes_total",
			Help: "Peer connection state transitions",
		}, []string{"state"}),

		signalsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stagelink_signals_dropped_total",
			Help: "Inbound signaling messages with no negotiator to receive them",
		}, []string{"kind"}),

		remoteTracks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stagelink_remote_tracks_total",
			Help: "Remote tracks surfaced",
		}, []string{"kind"}),

		rtpBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stagelink_rtp_received_bytes_total",
			Help: "RTP bytes read from remote tracks",
		}, []string{"kind"}),

		rtpPackets: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stagelink_rtp_received_packets_total",
			Help: "RTP packets read from remote tracks",
		}, []string{"kind"}),

		relayConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "stagelink_relay_connections",
			Help: "Open signaling websocket connections",
		}),

		relayRouted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stagelink_relay_messages_routed_total",
			Help: "Signaling messages delivered to a local connection",
		}, []string{"type"}),

		relayRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stagelink_relay_messages_rejected_total",
			Help: "Signaling messages answered with an error frame",
		}, []string{"code"}),

		relayForwarded: factory.NewCounter(prometheus.CounterOpts{
			Name: "stagelink_relay_messages_forwarded_total",
			Help: "Signaling messages published to other relay instances",
		}),
	}
}

func (p *PrometheusCollector) NegotiatorStarted() { p.negotiatorsActive.Inc() }
func (p *PrometheusCollector) NegotiatorStopped() { p.negotiatorsActive.Dec() }
func (p *PrometheusCollector) OfferSent()         { p.offersSent.Inc() }
func (p *PrometheusCollector) AnswerSent()        { p.answersSent.Inc() }
func (p *PrometheusCollector) CollisionIgnored()  { p.collisionsIgnored.Inc() }
func (p *PrometheusCollector) Rollback()          { p.rollbacks.Inc() }
func (p *PrometheusCollector) Restarted()         { p.restarts.Inc() }
func (p *PrometheusCollector) RetriesExhausted()  { p.retriesExhausted.Inc() }
func (p *PrometheusCollector) ICERestarted()      { p.iceRestarts.Inc() }
func (p *PrometheusCollector) CandidateBuffered() { p.candidatesBuffered.Inc() }

func (p *PrometheusCollector) CandidateApplied(ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	p.candidatesApplied.WithLabelValues(result).Inc()
}

func (p *PrometheusCollector) ConnectionStateChanged(state string) {
	p.connectionStates.WithLabelValues(state).Inc()
}

func (p *PrometheusCollector) SignalDropped(kind string) {
	p.signalsDropped.WithLabelValues(kind).Inc()
}

func (p *PrometheusCollector) RemoteTrackAdded(kind string) {
	p.remoteTracks.WithLabelValues(kind).Inc()
}

func (p *PrometheusCollector) RTPReceived(kind string, bytes int) {
	p.rtpBytes.WithLabelValues(kind).Add(float64(bytes))
	p.rtpPackets.WithLabelValues(kind).Inc()
}

func (p *PrometheusCollector) ConnectionOpened() { p.relayConnections.Inc() }
func (p *PrometheusCollector) ConnectionClosed() { p.relayConnections.Dec() }
func (p *PrometheusCollector) MessageForwarded() { p.relayForwarded.Inc() }

func (p *PrometheusCollector) MessageRouted(msgType string) {
	p.relayRouted.WithLabelValues(msgType).Inc()
}

func (p *PrometheusCollector) MessageRejected(code string) {
	p.relayRejected.WithLabelValues(code).Inc()
}
