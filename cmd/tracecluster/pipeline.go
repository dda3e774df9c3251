package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/tracecluster/tracecluster/internal/config"
	"github.com/tracecluster/tracecluster/internal/evaluate"
	"github.com/tracecluster/tracecluster/internal/locality"
	"github.com/tracecluster/tracecluster/internal/metrics"
	"github.com/tracecluster/tracecluster/internal/partition"
	"github.com/tracecluster/tracecluster/internal/store"
	"github.com/tracecluster/tracecluster/internal/trace"
	"github.com/tracecluster/tracecluster/internal/watch"
	"github.com/tracecluster/tracecluster/pkg/features"
	"github.com/tracecluster/tracecluster/pkg/lsh"
)

// featureKey identifies a feature extraction by its inputs, so a changed
// trace file or option misses the cache.
func featureKey(in config.InputConfig) (string, error) {
	parts := make([]string, 0, 2)
	for _, p := range []string{in.Trace, in.Metadata} {
		abs, err := filepath.Abs(p)
		if err != nil {
			return "", err
		}
		info, err := os.Stat(abs)
		if err != nil {
			return "", err
		}
		parts = append(parts, fmt.Sprintf("%s:%d:%d", abs, info.Size(), info.ModTime().UnixNano()))
	}
	raw := fmt.Sprintf("%s|%s|header=%t|external=%t", parts[0], parts[1], in.HasHeader, in.ExternalOnly)
	return fmt.Sprintf("%016x", xxhash.Sum64String(raw)), nil
}

// loadFeatures returns the cached feature dict for the configured inputs, or
// extracts and caches it.
func (a *app) loadFeatures(st *store.Store, rebuild bool) (*features.Dict, string, error) {
	in := a.cfg.Input
	if in.Trace == "" || in.Metadata == "" {
		return nil, "", errNoInput
	}
	key, err := featureKey(in)
	if err != nil {
		return nil, "", fmt.Errorf("failed to stat inputs: %w", err)
	}

	if !rebuild {
		dict, err := st.LoadFeatures(key)
		if err == nil {
			a.logger.Info("using cached features", "key", key, "vms", dict.Len())
			return dict, key, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, "", err
		}
	}

	start := time.Now()
	meta, err := trace.LoadMetadataFile(in.Metadata)
	if err != nil {
		return nil, "", err
	}
	dict := features.NewDict()
	stats, err := trace.ExtractFile(in.Trace, meta, dict, trace.Options{
		HasHeader:    in.HasHeader,
		ExternalOnly: in.ExternalOnly,
	})
	if err != nil {
		return nil, "", err
	}
	a.logger.Info("features extracted",
		"records", stats.Records,
		"matched", stats.Matched,
		"skipped", stats.Skipped,
		"vms", dict.Len(),
		"knownVMs", meta.VMs(),
		"duration", time.Since(start),
	)

	if err := st.SaveFeatures(key, dict); err != nil {
		return nil, "", err
	}
	return dict, key, nil
}

// partitionOutcome is what a partition run produced.
type partitionOutcome struct {
	Run        *store.Run
	Path       string
	Evaluation *evaluate.Report
}

// runPartition executes features, index, partition, persist and export.
func (a *app) runPartition(ctx context.Context, rebuild bool) (*partitionOutcome, error) {
	cfg := a.cfg
	st, err := a.openStore()
	if err != nil {
		return nil, err
	}
	defer st.Close()

	rec := metrics.NewRecorder()

	start := time.Now()
	dict, key, err := a.loadFeatures(st, rebuild)
	if err != nil {
		return nil, err
	}
	rec.ObservePhase(metrics.PhaseFeatures, time.Since(start))
	rec.ObserveVMs(dict.Len())

	mode, err := lsh.ParseMode(cfg.Index.Mode)
	if err != nil {
		return nil, err
	}
	search, err := locality.New(cfg.Index.NumPerm, cfg.Index.Seed, a.logger)
	if err != nil {
		return nil, err
	}
	opts := locality.Options{Mode: mode, Trees: cfg.Index.ForestTrees, Verify: cfg.Index.Verify}
	if mode == lsh.ModeThreshold {
		threshold := cfg.Index.Threshold
		opts.Threshold = &threshold
	} else {
		opts.K = cfg.Index.TopK
	}

	start = time.Now()
	if err := search.BuildSearchDB(dict, opts); err != nil {
		return nil, err
	}
	rec.ObservePhase(metrics.PhaseIndex, time.Since(start))

	alg, err := partition.ParseAlgorithm(cfg.Partition.Algorithm)
	if err != nil {
		return nil, err
	}
	res, err := partition.Build(ctx, dict, search, partition.Options{
		Algorithm: alg,
		Workers:   cfg.Partition.Workers,
		Logger:    a.logger,
	})
	if err != nil {
		return nil, err
	}
	rec.ObservePartition(res.Stats)

	run := store.NewRun(res)
	run.FeatureKey = key
	run.Mode = string(mode)
	run.NumPerm = cfg.Index.NumPerm
	run.Seed = cfg.Index.Seed
	if mode == lsh.ModeThreshold {
		run.Threshold = cfg.Index.Threshold
	} else {
		run.TopK = cfg.Index.TopK
	}
	format, err := store.ParseFormat(cfg.Storage.OutputFormat)
	if err != nil {
		return nil, err
	}
	path, digest, err := store.ExportPartitions(cfg.Storage.OutputDir, format, store.NewDocument(run))
	if err != nil {
		return nil, err
	}
	run.Output, run.OutputDigest = path, digest
	if err := st.SaveRun(run); err != nil {
		return nil, err
	}

	out := &partitionOutcome{Run: run, Path: path}
	if cfg.Evaluation.Labels != "" {
		rep, err := a.evaluateRun(run)
		if err != nil {
			return nil, err
		}
		rec.ObserveEvaluation(rep)
		out.Evaluation = &rep
	}

	rec.ObserveRun(run.ID.String(), run.Mode, run.Algorithm, run.NumPerm, run.Threshold, time.Now())
	if cfg.Metrics.Textfile != "" {
		if err := rec.WriteTextfile(cfg.Metrics.Textfile); err != nil {
			return nil, err
		}
	}

	a.logger.Info("partition run complete",
		"runID", run.ID.String(),
		"partitions", run.Partitions,
		"singletons", run.Singletons,
		"output", path,
	)
	return out, nil
}

func (a *app) evaluateRun(run *store.Run) (evaluate.Report, error) {
	labels, err := evaluate.LoadLabelsFile(a.cfg.Evaluation.Labels, a.cfg.Evaluation.LabelColumn)
	if err != nil {
		return evaluate.Report{}, err
	}
	rep, err := evaluate.Evaluate(run.Assignment(), labels)
	if err != nil {
		return evaluate.Report{}, err
	}
	a.logger.Info("evaluation",
		"runID", run.ID.String(),
		"labelled", rep.Labelled,
		"purity", rep.Purity,
		"ari", rep.ARI,
		"nmi", rep.NMI,
	)
	return rep, nil
}

// watchInputs starts a new partition run each time the inputs settle after a
// change. It returns nil when ctx is cancelled.
func (a *app) watchInputs(ctx context.Context, w io.Writer, quiet time.Duration) error {
	events := make(chan watch.Event, 16)
	watcher, err := watch.NewWatcher([]string{a.cfg.Input.Trace, a.cfg.Input.Metadata}, events)
	if err != nil {
		return err
	}
	defer watcher.Close()
	watcher.SetErrorCallback(func(err error) {
		a.logger.Warn("watch error", "error", err)
	})
	go watcher.Start(ctx)

	a.logger.Info("watching inputs", "trace", a.cfg.Input.Trace, "metadata", a.cfg.Input.Metadata)
	for batch := range watch.Coalesce(ctx, events, quiet) {
		a.logger.Info("inputs changed", "events", len(batch), "dropped", watcher.DroppedEventCount())
		out, err := a.runPartition(ctx, false)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			a.logger.Error("partition run failed", "error", err)
			continue
		}
		printOutcome(w, out)
	}
	return nil
}
