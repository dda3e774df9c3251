package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/tracecluster/tracecluster/internal/config"
	"github.com/tracecluster/tracecluster/internal/metrics"
	"github.com/tracecluster/tracecluster/internal/store"
)

func newFeaturesCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "features",
		Short: "Extract per-VM peer sets from a trace and cache them",
		Args:  cobra.NoArgs,
	}
	addInputFlags(cmd)

	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		err := a.setup(cmd, func(cfg *config.Config) error {
			o := &flagOverrides{cmd: cmd}
			applyInputFlags(o, cfg)
			return o.err
		})
		if err != nil {
			return err
		}
		rebuild, _ := cmd.Flags().GetBool("rebuild")

		st, err := a.openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		dict, key, err := a.loadFeatures(st, rebuild)
		if err != nil {
			return err
		}
		empty := 0
		for _, vm := range dict.Keys() {
			if set, _ := dict.Get(vm); set.Len() == 0 {
				empty++
			}
		}
		writeLine(cmd.OutOrStdout(), "features %s: %d vms (%d without peers)", key, dict.Len(), empty)
		return nil
	}
	return cmd
}

func newPartitionCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "partition",
		Short: "Build the similarity index and group VMs into partitions",
		Long: `Build a MinHash LSH index over the cached features and partition the VMs.

The simple algorithm gives each unassigned VM and its unassigned neighbours a new
partition; the union_set algorithm merges every neighbour pair transitively.
VMs left alone get partition -1.`,
		Args: cobra.NoArgs,
	}
	addInputFlags(cmd)
	f := cmd.Flags()
	f.Int("num-perm", 0, "MinHash permutations")
	f.Int64("seed", 0, "MinHash permutation seed")
	f.String("mode", "", "Index mode: threshold or topk")
	f.Float64("threshold", 0, "Jaccard threshold for threshold mode")
	f.Int("trees", 0, "Prefix trees for topk mode")
	f.Int("top-k", 0, "Neighbours per VM for topk mode")
	f.Bool("verify", false, "Drop threshold candidates whose estimated similarity is below the threshold")
	f.String("algorithm", "", "Partition algorithm: simple or union_set")
	f.Int("workers", 0, "Concurrent neighbour queries for union_set (0 = GOMAXPROCS)")
	f.String("output-dir", "", "Directory for partition files")
	f.String("format", "", "Partition file format: json or yaml")
	f.String("labels", "", "Ground-truth labels CSV to evaluate the run against")
	f.String("metrics-textfile", "", "Write Prometheus metrics to this textfile")
	f.Bool("watch", false, "Start a new run whenever the trace or metadata file changes")
	f.Duration("watch-quiet", 2*time.Second, "Wait for inputs to stay unchanged this long before rerunning")

	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		err := a.setup(cmd, func(cfg *config.Config) error {
			o := &flagOverrides{cmd: cmd}
			applyInputFlags(o, cfg)
			o.integer("num-perm", &cfg.Index.NumPerm)
			o.integer64("seed", &cfg.Index.Seed)
			o.str("mode", &cfg.Index.Mode)
			o.float("threshold", &cfg.Index.Threshold)
			o.integer("trees", &cfg.Index.ForestTrees)
			o.integer("top-k", &cfg.Index.TopK)
			o.boolean("verify", &cfg.Index.Verify)
			o.str("algorithm", &cfg.Partition.Algorithm)
			o.integer("workers", &cfg.Partition.Workers)
			o.str("output-dir", &cfg.Storage.OutputDir)
			o.str("format", &cfg.Storage.OutputFormat)
			o.str("labels", &cfg.Evaluation.Labels)
			o.str("metrics-textfile", &cfg.Metrics.Textfile)
			return o.err
		})
		if err != nil {
			return err
		}
		rebuild, _ := cmd.Flags().GetBool("rebuild")

		out, err := a.runPartition(cmd.Context(), rebuild)
		if err != nil {
			return err
		}
		printOutcome(cmd.OutOrStdout(), out)

		if watching, _ := cmd.Flags().GetBool("watch"); watching {
			quiet, _ := cmd.Flags().GetDuration("watch-quiet")
			return a.watchInputs(cmd.Context(), cmd.OutOrStdout(), quiet)
		}
		return nil
	}
	return cmd
}

func printOutcome(w io.Writer, out *partitionOutcome) {
	writeLine(w, "run %s: %d partitions, %d singletons -> %s",
		out.Run.ID, out.Run.Partitions, out.Run.Singletons, out.Path)
	if rep := out.Evaluation; rep != nil {
		writeLine(w, "purity=%.4f ari=%.4f nmi=%.4f (%d labelled)", rep.Purity, rep.ARI, rep.NMI, rep.Labelled)
	}
}

// lookupRun resolves --run to a stored run; empty means the latest.
func lookupRun(st *store.Store, id string) (*store.Run, error) {
	if id == "" {
		return st.LatestRun()
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("invalid run id %q: %w", id, err)
	}
	return st.GetRun(parsed)
}

func newEvaluateCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Score a stored run against ground-truth labels",
		Args:  cobra.NoArgs,
	}
	cmd.Flags().String("run", "", "Run id (default: latest)")
	cmd.Flags().String("labels", "", "Labels CSV: vm id in the first column")
	cmd.Flags().String("label-column", "", "Name of the label column")
	cmd.Flags().String("metrics-textfile", "", "Write Prometheus metrics to this textfile")

	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		err := a.setup(cmd, func(cfg *config.Config) error {
			o := &flagOverrides{cmd: cmd}
			o.str("labels", &cfg.Evaluation.Labels)
			o.str("label-column", &cfg.Evaluation.LabelColumn)
			o.str("metrics-textfile", &cfg.Metrics.Textfile)
			return o.err
		})
		if err != nil {
			return err
		}
		if a.cfg.Evaluation.Labels == "" {
			return errNoLabels
		}

		st, err := a.openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		id, _ := cmd.Flags().GetString("run")
		run, err := lookupRun(st, id)
		if err != nil {
			return err
		}
		rep, err := a.evaluateRun(run)
		if err != nil {
			return err
		}

		if path := a.cfg.Metrics.Textfile; path != "" {
			rec := metrics.NewRecorder()
			rec.ObserveEvaluation(rep)
			rec.ObserveRun(run.ID.String(), run.Mode, run.Algorithm, run.NumPerm, run.Threshold, time.Now())
			if err := rec.WriteTextfile(path); err != nil {
				return err
			}
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	}
	return cmd
}

func newShowCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the partitions of a stored run, or list runs",
		Args:  cobra.NoArgs,
	}
	cmd.Flags().String("run", "", "Run id (default: latest)")
	cmd.Flags().String("format", "", "Output format: json or yaml")
	cmd.Flags().Bool("list", false, "List stored runs instead")
	cmd.Flags().Bool("verify", false, "Check the run's exported file against its recorded digest")

	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		err := a.setup(cmd, func(cfg *config.Config) error {
			o := &flagOverrides{cmd: cmd}
			o.str("format", &cfg.Storage.OutputFormat)
			return o.err
		})
		if err != nil {
			return err
		}

		st, err := a.openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		if list, _ := cmd.Flags().GetBool("list"); list {
			runs, err := st.ListRuns()
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tCREATED\tMODE\tTHRESHOLD\tALGORITHM\tVMS\tPARTITIONS\tSINGLETONS")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%g\t%s\t%d\t%d\t%d\n",
					r.ID, r.CreatedAt.Format(time.RFC3339), r.Mode, r.Threshold, r.Algorithm,
					len(r.Assignments), r.Partitions, r.Singletons)
			}
			return tw.Flush()
		}

		id, _ := cmd.Flags().GetString("run")
		run, err := lookupRun(st, id)
		if err != nil {
			return err
		}
		if verify, _ := cmd.Flags().GetBool("verify"); verify {
			if err := store.VerifyExport(run); err != nil {
				return err
			}
			writeLine(cmd.OutOrStdout(), "%s: ok (blake2b-256 %s)", run.Output, run.OutputDigest)
			return nil
		}
		format, err := store.ParseFormat(a.cfg.Storage.OutputFormat)
		if err != nil {
			return err
		}
		data, err := store.NewDocument(run).Encode(format)
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		if _, err := w.Write(data); err != nil {
			return err
		}
		if format == store.FormatJSON {
			writeLine(w, "")
		}
		return nil
	}
	return cmd
}
