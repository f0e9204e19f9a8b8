package kernel

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	dispatches       *prometheus.CounterVec
	guestFaults      *prometheus.CounterVec
	instancesCreated prometheus.Counter
	poolReuse        prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		dispatches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loom",
			Name:      "dispatch_total",
			Help:      "Extension point dispatches by point and kind.",
		}, []string{"point", "kind"}),
		guestFaults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loom",
			Name:      "guest_faults_total",
			Help:      "Traps caught at the sandbox boundary, by module.",
		}, []string{"module"}),
		instancesCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "loom",
			Name:      "instances_created_total",
			Help:      "Sandbox instances instantiated.",
		}),
		poolReuse: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "loom",
			Name:      "instance_pool_reuse_total",
			Help:      "Instance shells drawn from the allocation pool.",
		}),
	}
}
