package obs

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles the counters and gauges shared across the mesh, DHT,
// and reward subsystems. Grounded on the teacher's metrics.Metrics
// wrapper around prometheus.Registerer.
type Metrics struct {
	Registry prometheus.Registerer

	DHTPuts        *prometheus.CounterVec
	DHTGets        *prometheus.CounterVec
	DHTChallenges  *prometheus.CounterVec
	MeshBytesSent  prometheus.Counter
	MeshBytesRecv  prometheus.Counter
	RewardsClaimed prometheus.Counter
	PeerFailures   prometheus.Counter
}

// NewMetrics constructs and registers the ZHTP metric set against reg.
// If reg is nil, a private registry is created so callers that do not
// care about metrics never need a nil check.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &Metrics{
		Registry: reg,
		DHTPuts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zhtp", Subsystem: "dht", Name: "puts_total",
			Help: "Total DHT PUT operations by outcome.",
		}, []string{"outcome"}),
		DHTGets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zhtp", Subsystem: "dht", Name: "gets_total",
			Help: "Total DHT GET operations by outcome.",
		}, []string{"outcome"}),
		DHTChallenges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zhtp", Subsystem: "dht", Name: "challenges_total",
			Help: "Proof-of-storage challenges by kind and outcome.",
		}, []string{"kind", "outcome"}),
		MeshBytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "zhtp", Subsystem: "mesh", Name: "bytes_sent_total",
			Help: "Total bytes sent across all mesh transports.",
		}),
		MeshBytesRecv: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "zhtp", Subsystem: "mesh", Name: "bytes_received_total",
			Help: "Total bytes received across all mesh transports.",
		}),
		RewardsClaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "zhtp", Subsystem: "rewards", Name: "claimed_total",
			Help: "Total reward amount submitted to the mempool.",
		}),
		PeerFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "zhtp", Subsystem: "registry", Name: "peer_failures_total",
			Help: "Total peer failure events recorded by the registry.",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.DHTPuts, m.DHTGets, m.DHTChallenges,
		m.MeshBytesSent, m.MeshBytesRecv, m.RewardsClaimed, m.PeerFailures,
	} {
		_ = reg.Register(c) // duplicate registration is a caller bug, not fatal here
	}

	return m
}
