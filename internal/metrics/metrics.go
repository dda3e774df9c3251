// Package metrics records the counters of a clustering run in a private
// Prometheus registry and writes them as a node-exporter textfile.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tracecluster/tracecluster/internal/evaluate"
	"github.com/tracecluster/tracecluster/internal/partition"
)

const namespace = "tracecluster"

// Phase names used for the duration gauge.
const (
	PhaseFeatures  = "features"
	PhaseIndex     = "index"
	PhasePartition = "partition"
)

// Recorder holds the collectors for one run.
type Recorder struct {
	registry *prometheus.Registry

	vms        prometheus.Gauge
	partitions *prometheus.GaugeVec
	singletons *prometheus.GaugeVec
	queries    *prometheus.GaugeVec
	edges      *prometheus.GaugeVec
	unions     *prometheus.GaugeVec
	duration   *prometheus.GaugeVec
	score      *prometheus.GaugeVec
	info       *prometheus.GaugeVec
	lastRun    prometheus.Gauge
}

// NewRecorder registers every collector on a fresh registry.
func NewRecorder() *Recorder {
	algLabels := []string{"algorithm"}
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		vms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "vms",
			Help: "VMs with at least one peer feature",
		}),
		partitions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "partitions",
			Help: "Non-singleton partitions",
		}, algLabels),
		singletons: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "singletons",
			Help: "VMs left without a partition",
		}, algLabels),
		queries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "index_queries",
			Help: "Neighbour queries issued while partitioning",
		}, algLabels),
		edges: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "neighbour_edges",
			Help: "Neighbour pairs returned by the index",
		}, algLabels),
		unions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "unions",
			Help: "Union operations that merged two sets",
		}, algLabels),
		duration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "phase_duration_seconds",
			Help: "Wall time of each run phase",
		}, []string{"phase"}),
		score: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "evaluation_score",
			Help: "External clustering scores against ground truth",
		}, []string{"metric"}),
		info: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "run_info",
			Help: "Parameters of the last run",
		}, []string{"run_id", "mode", "algorithm", "num_perm", "threshold"}),
		lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "last_run_timestamp_seconds",
			Help: "Unix time the last run finished",
		}),
	}
	r.registry.MustRegister(r.vms, r.partitions, r.singletons, r.queries, r.edges,
		r.unions, r.duration, r.score, r.info, r.lastRun)
	return r
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// ObservePhase records the wall time of a phase.
func (r *Recorder) ObservePhase(phase string, d time.Duration) {
	r.duration.WithLabelValues(phase).Set(d.Seconds())
}

// ObserveVMs records the size of the feature dict.
func (r *Recorder) ObserveVMs(n int) {
	r.vms.Set(float64(n))
}

// ObservePartition records the statistics of a partition build.
func (r *Recorder) ObservePartition(st partition.Stats) {
	alg := string(st.Algorithm)
	r.partitions.WithLabelValues(alg).Set(float64(st.Partitions))
	r.singletons.WithLabelValues(alg).Set(float64(st.Singletons))
	r.queries.WithLabelValues(alg).Set(float64(st.Queries))
	r.edges.WithLabelValues(alg).Set(float64(st.Edges))
	r.unions.WithLabelValues(alg).Set(float64(st.Unions))
	r.ObservePhase(PhasePartition, st.Duration)
}

// ObserveEvaluation records the scores of rep.
func (r *Recorder) ObserveEvaluation(rep evaluate.Report) {
	r.score.WithLabelValues("purity").Set(rep.Purity)
	r.score.WithLabelValues("ari").Set(rep.ARI)
	r.score.WithLabelValues("nmi").Set(rep.NMI)
}

// ObserveRun records the run parameters and its finish time.
func (r *Recorder) ObserveRun(runID, mode, algorithm string, numPerm int, threshold float64, at time.Time) {
	r.info.Reset()
	r.info.WithLabelValues(runID, mode, algorithm, fmt.Sprint(numPerm), fmt.Sprint(threshold)).Set(1)
	r.lastRun.Set(float64(at.Unix()))
}

// WriteTextfile writes every collected metric to path, creating its directory.
func (r *Recorder) WriteTextfile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("failed to write metrics: %w", err)
	}
	return nil
}
