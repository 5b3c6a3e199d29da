package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/core-tools/hsu-orchestrator/pkg/probe"
	"github.com/core-tools/hsu-orchestrator/pkg/scheduler"
	"github.com/core-tools/hsu-orchestrator/pkg/units"
)

const namespace = "hsu_orchestrator"

var trackedStates = []scheduler.State{
	scheduler.StatePending,
	scheduler.StateWaiting,
	scheduler.StateRunning,
	scheduler.StateSucceeded,
	scheduler.StateReady,
	scheduler.StateFailed,
}

// Collector records scheduler and supervisor activity on its own registry
type Collector struct {
	registry *prometheus.Registry

	unitTransitions *prometheus.CounterVec
	unitsByState    *prometheus.GaugeVec
	runsStarted     *prometheus.CounterVec
	runDuration     *prometheus.HistogramVec
	probeAttempts   *prometheus.CounterVec
	rebuilds        prometheus.Counter

	mutex sync.Mutex
	// unit states of runs that have not finished, keyed by run id
	live map[string]map[string]scheduler.State
}

// NewCollector creates a collector; the registry also carries the Go and process collectors
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Collector{
		registry: registry,
		unitTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "unit_transitions_total",
				Help:      "Total number of unit state transitions",
			},
			[]string{"kind", "state"},
		),
		unitsByState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "units",
				Help:      "Current number of units of unfinished runs by state",
			},
			[]string{"state"},
		),
		runsStarted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total number of runs started",
			},
			[]string{"mode"},
		),
		runDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Run duration from start to teardown in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 1800, 3600},
			},
			[]string{"mode", "phase"},
		),
		probeAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "probe_attempts_total",
				Help:      "Total number of readiness probe attempts by result",
			},
			[]string{"status"},
		),
		rebuilds: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rebuilds_total",
				Help:      "Total number of reactive rebuilds",
			},
		),
		live: make(map[string]map[string]scheduler.State),
	}
}

// Registry is what the /metrics endpoint serves
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) RunStarted(snapshot scheduler.Snapshot) {
	c.runsStarted.WithLabelValues(string(snapshot.Mode)).Inc()

	c.mutex.Lock()
	defer c.mutex.Unlock()
	states := make(map[string]scheduler.State, len(snapshot.Units))
	for _, u := range snapshot.Units {
		states[u.ID] = u.State
	}
	c.live[snapshot.RunID] = states
	c.refreshLocked()
}

func (c *Collector) UnitTransition(runID, unitID string, kind units.Kind, from, to scheduler.State) {
	c.unitTransitions.WithLabelValues(string(kind), string(to)).Inc()

	c.mutex.Lock()
	defer c.mutex.Unlock()
	if states, ok := c.live[runID]; ok {
		states[unitID] = to
		c.refreshLocked()
	}
}

func (c *Collector) ProbeAttempt(runID, unitID string, attempt int, result probe.Result) {
	c.probeAttempts.WithLabelValues(string(result.Status)).Inc()
}

func (c *Collector) RunFinished(runID string, mode scheduler.Mode, phase scheduler.Phase, duration time.Duration) {
	c.runDuration.WithLabelValues(string(mode), string(phase)).Observe(duration.Seconds())

	c.mutex.Lock()
	defer c.mutex.Unlock()
	delete(c.live, runID)
	c.refreshLocked()
}

// IncRebuilds is wired to the supervisor's rebuild callback
func (c *Collector) IncRebuilds() {
	c.rebuilds.Inc()
}

func (c *Collector) refreshLocked() {
	counts := make(map[scheduler.State]int, len(trackedStates))
	for _, states := range c.live {
		for _, s := range states {
			counts[s]++
		}
	}
	for _, s := range trackedStates {
		c.unitsByState.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}
