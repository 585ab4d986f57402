// Package progress provides thread-safe run progress counters, ETA
// projection, and Prometheus metrics for operators.
package progress

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360studio/storybench/model"
)

// emaAlpha is the smoothing factor for the throughput moving average.
const emaAlpha = 0.2

// Monitor tracks task progress for one run. All counter updates are
// atomic; Snapshot gives readers a consistent view.
type Monitor struct {
	total     atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	inFlight  atomic.Int64
	tokensIn  atomic.Int64
	tokensOut atomic.Int64

	providerMu       sync.RWMutex
	providerInFlight map[model.ProviderTag]*atomic.Int64

	emaMu          sync.Mutex
	emaThroughput  float64 // tasks per second
	lastCompletion time.Time

	startedAt time.Time

	metrics *metrics
}

type metrics struct {
	tasksTotal       prometheus.Gauge
	tasksCompleted   prometheus.Counter
	tasksFailed      prometheus.Counter
	tasksInFlight    prometheus.Gauge
	providerInFlight *prometheus.GaugeVec
	tokensIn         prometheus.Counter
	tokensOut        prometheus.Counter
}

// Option configures a Monitor.
type Option func(*Monitor) error

// WithRegisterer registers the monitor's Prometheus collectors.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(m *Monitor) error {
		collectors := []prometheus.Collector{
			m.metrics.tasksTotal,
			m.metrics.tasksCompleted,
			m.metrics.tasksFailed,
			m.metrics.tasksInFlight,
			m.metrics.providerInFlight,
			m.metrics.tokensIn,
			m.metrics.tokensOut,
		}
		for _, c := range collectors {
			if err := reg.Register(c); err != nil {
				return fmt.Errorf("register progress metric: %w", err)
			}
		}
		return nil
	}
}

// NewMonitor creates a monitor for a run with the given task total.
func NewMonitor(totalTasks int64, opts ...Option) (*Monitor, error) {
	m := &Monitor{
		providerInFlight: make(map[model.ProviderTag]*atomic.Int64),
		startedAt:        time.Now(),
		metrics: &metrics{
			tasksTotal: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "storybench_tasks_total",
				Help: "Total expected generation tasks in the run.",
			}),
			tasksCompleted: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "storybench_tasks_completed_total",
				Help: "Generation tasks completed successfully.",
			}),
			tasksFailed: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "storybench_tasks_failed_total",
				Help: "Generation tasks that failed terminally.",
			}),
			tasksInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "storybench_tasks_in_flight",
				Help: "Generation tasks currently in flight.",
			}),
			providerInFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "storybench_provider_in_flight",
				Help: "In-flight generator calls per provider.",
			}, []string{"provider"}),
			tokensIn: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "storybench_tokens_in_total",
				Help: "Prompt tokens consumed across all tasks.",
			}),
			tokensOut: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "storybench_tokens_out_total",
				Help: "Completion tokens generated across all tasks.",
			}),
		},
	}

	m.total.Store(totalTasks)
	m.metrics.tasksTotal.Set(float64(totalTasks))

	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Monitor) providerCounter(tag model.ProviderTag) *atomic.Int64 {
	m.providerMu.RLock()
	counter, ok := m.providerInFlight[tag]
	m.providerMu.RUnlock()
	if ok {
		return counter
	}

	m.providerMu.Lock()
	defer m.providerMu.Unlock()
	if counter, ok = m.providerInFlight[tag]; ok {
		return counter
	}
	counter = &atomic.Int64{}
	m.providerInFlight[tag] = counter
	return counter
}

// TaskStarted records a task entering flight.
func (m *Monitor) TaskStarted() {
	m.inFlight.Add(1)
	m.metrics.tasksInFlight.Inc()
}

// CallStarted records a provider call entering flight. Callers invoke
// it only after a governor permit is held, so the per-provider gauge
// reflects admitted calls, never tasks queued on the semaphore.
func (m *Monitor) CallStarted(tag model.ProviderTag) {
	m.providerCounter(tag).Add(1)
	m.metrics.providerInFlight.WithLabelValues(string(tag)).Inc()
}

// CallFinished records a provider call leaving flight.
func (m *Monitor) CallFinished(tag model.ProviderTag) {
	m.providerCounter(tag).Add(-1)
	m.metrics.providerInFlight.WithLabelValues(string(tag)).Dec()
}

// TaskCompleted records a successful task and its token usage.
func (m *Monitor) TaskCompleted(tokensIn, tokensOut int) {
	m.taskDone()
	m.completed.Add(1)
	m.tokensIn.Add(int64(tokensIn))
	m.tokensOut.Add(int64(tokensOut))
	m.metrics.tasksCompleted.Inc()
	m.metrics.tokensIn.Add(float64(tokensIn))
	m.metrics.tokensOut.Add(float64(tokensOut))
	m.observeCompletion()
}

// TaskResumed records a task that was already completed by an earlier
// process. It counts toward completion and token totals but does not
// feed the throughput estimate.
func (m *Monitor) TaskResumed(tokensIn, tokensOut int) {
	m.completed.Add(1)
	m.tokensIn.Add(int64(tokensIn))
	m.tokensOut.Add(int64(tokensOut))
	m.metrics.tasksCompleted.Inc()
	m.metrics.tokensIn.Add(float64(tokensIn))
	m.metrics.tokensOut.Add(float64(tokensOut))
}

// TaskFailed records a terminally failed task.
func (m *Monitor) TaskFailed() {
	m.taskDone()
	m.failed.Add(1)
	m.metrics.tasksFailed.Inc()
}

// TaskAbandoned records a task that will never run because an earlier
// prompt in its sequence failed.
func (m *Monitor) TaskAbandoned() {
	m.failed.Add(1)
	m.metrics.tasksFailed.Inc()
}

func (m *Monitor) taskDone() {
	m.inFlight.Add(-1)
	m.metrics.tasksInFlight.Dec()
}

// observeCompletion feeds the throughput EMA from inter-completion gaps.
func (m *Monitor) observeCompletion() {
	now := time.Now()

	m.emaMu.Lock()
	defer m.emaMu.Unlock()

	if m.lastCompletion.IsZero() {
		m.lastCompletion = now
		elapsed := now.Sub(m.startedAt).Seconds()
		if elapsed > 0 {
			m.emaThroughput = 1 / elapsed
		}
		return
	}

	gap := now.Sub(m.lastCompletion).Seconds()
	m.lastCompletion = now
	if gap <= 0 {
		return
	}
	rate := 1 / gap
	if m.emaThroughput == 0 {
		m.emaThroughput = rate
		return
	}
	m.emaThroughput = emaAlpha*rate + (1-emaAlpha)*m.emaThroughput
}

// Snapshot is a consistent view of run progress.
type Snapshot struct {
	Total            int64            `json:"total_tasks"`
	Completed        int64            `json:"completed_tasks"`
	Failed           int64            `json:"failed_tasks"`
	InFlight         int64            `json:"in_flight_tasks"`
	Pending          int64            `json:"pending_tasks"`
	ProviderInFlight map[string]int64 `json:"provider_in_flight"`
	TokensIn         int64            `json:"tokens_in_total"`
	TokensOut        int64            `json:"tokens_out_total"`
	ThroughputPerSec float64          `json:"throughput_per_sec"`
	ETASeconds       float64          `json:"eta_seconds"`
	CapturedAt       time.Time        `json:"captured_at"`
}

// Snapshot returns the current progress view.
func (m *Monitor) Snapshot() Snapshot {
	snap := Snapshot{
		Total:            m.total.Load(),
		Completed:        m.completed.Load(),
		Failed:           m.failed.Load(),
		InFlight:         m.inFlight.Load(),
		ProviderInFlight: make(map[string]int64),
		TokensIn:         m.tokensIn.Load(),
		TokensOut:        m.tokensOut.Load(),
		CapturedAt:       time.Now().UTC(),
	}
	snap.Pending = snap.Total - snap.Completed - snap.Failed - snap.InFlight

	m.providerMu.RLock()
	for tag, counter := range m.providerInFlight {
		snap.ProviderInFlight[string(tag)] = counter.Load()
	}
	m.providerMu.RUnlock()

	m.emaMu.Lock()
	snap.ThroughputPerSec = m.emaThroughput
	m.emaMu.Unlock()

	remaining := snap.Total - snap.Completed - snap.Failed
	if remaining > 0 && snap.ThroughputPerSec > 0 {
		eta := float64(remaining) / snap.ThroughputPerSec
		if !math.IsInf(eta, 0) && !math.IsNaN(eta) {
			snap.ETASeconds = eta
		}
	}

	return snap
}

// WriteSnapshotFile writes the advisory progress snapshot as JSON. The
// write is atomic (temp file plus rename) so watchers never observe a
// partial document. Failures are advisory, never fatal to the run.
func (m *Monitor) WriteSnapshotFile(path string) error {
	snap := m.Snapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".storybench-progress-*")
	if err != nil {
		return fmt.Errorf("create snapshot temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename snapshot: %w", err)
	}
	return nil
}

// ReadSnapshotFile loads an advisory progress snapshot.
func ReadSnapshotFile(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot file: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parse snapshot file: %w", err)
	}
	return &snap, nil
}
