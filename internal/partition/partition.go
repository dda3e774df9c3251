// Package partition groups VMs into partitions from the similarity edges
// discovered by an LSH index.
//
// Two algorithms are available. The greedy single pass ("simple") claims a
// VM's unassigned neighbours for a new partition and never revisits them, so
// its result depends on iteration order and is not closed under transitivity:
// A~B and B~C may still leave A and C apart. Union-find ("union_set") merges
// every discovered edge and yields the connected components of the
// similarity graph regardless of visiting order.
package partition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tracecluster/tracecluster/pkg/features"
)

// Algorithm selects how partitions are built.
type Algorithm string

const (
	// AlgorithmSimple is the greedy single-pass labelling.
	AlgorithmSimple Algorithm = "simple"
	// AlgorithmUnionSet is union-find connected components.
	AlgorithmUnionSet Algorithm = "union_set"
)

// ErrConfiguration indicates invalid builder input, such as an unknown
// algorithm or a vm2id mapping that does not match the feature dict.
var ErrConfiguration = errors.New("partition: invalid configuration")

// ParseAlgorithm converts a configuration string to an Algorithm.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch Algorithm(strings.ToLower(strings.TrimSpace(s))) {
	case AlgorithmSimple:
		return AlgorithmSimple, nil
	case AlgorithmUnionSet:
		return AlgorithmUnionSet, nil
	default:
		return "", fmt.Errorf("%w: unknown algorithm %q", ErrConfiguration, s)
	}
}

// Searcher finds the indexed keys similar to an indexed key, excluding the
// key itself. Implementations must be safe for concurrent queries.
type Searcher interface {
	Neighbors(key string) ([]string, error)
}

// Options configures a partitioning run.
type Options struct {
	// Algorithm defaults to AlgorithmUnionSet.
	Algorithm Algorithm

	// VM2ID assigns each VM a dense id in [0, n). Only used by
	// AlgorithmUnionSet; nil assigns ids in discovery order.
	VM2ID map[string]int

	// Workers bounds the concurrent neighbour queries of AlgorithmUnionSet.
	// Zero uses GOMAXPROCS.
	Workers int

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Stats summarises a run.
type Stats struct {
	Algorithm  Algorithm
	VMs        int
	Queries    int
	Edges      int
	Unions     int
	Partitions int
	Singletons int
	Duration   time.Duration
}

// Result is the output of Build.
type Result struct {
	Assignment *Assignment
	Stats      Stats
}

// Build assigns every VM in dict a partition-id using the neighbours
// reported by s.
func Build(ctx context.Context, dict *features.Dict, s Searcher, opts Options) (*Result, error) {
	if opts.Algorithm == "" {
		opts.Algorithm = AlgorithmUnionSet
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	start := time.Now()
	var (
		res *Result
		err error
	)
	switch opts.Algorithm {
	case AlgorithmSimple:
		res, err = buildSimple(ctx, dict, s)
	case AlgorithmUnionSet:
		res, err = buildUnionSet(ctx, dict, s, opts)
	default:
		return nil, fmt.Errorf("%w: unknown algorithm %q", ErrConfiguration, opts.Algorithm)
	}
	if err != nil {
		return nil, err
	}

	res.Stats.Algorithm = opts.Algorithm
	res.Stats.VMs = dict.Len()
	res.Stats.Duration = time.Since(start)
	countPartitions(res)

	opts.Logger.Info("partitioning done",
		"algorithm", res.Stats.Algorithm,
		"vms", res.Stats.VMs,
		"partitions", res.Stats.Partitions,
		"singletons", res.Stats.Singletons,
		"edges", res.Stats.Edges,
		"duration", res.Stats.Duration,
	)
	return res, nil
}

func buildSimple(ctx context.Context, dict *features.Dict, s Searcher) (*Result, error) {
	res := &Result{Assignment: NewAssignment()}
	a := res.Assignment
	next := 0

	for _, vm := range dict.Keys() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if a.Has(vm) {
			continue
		}

		neighbors, err := s.Neighbors(vm)
		if err != nil {
			return nil, fmt.Errorf("query %s: %w", vm, err)
		}
		res.Stats.Queries++
		res.Stats.Edges += len(neighbors)

		var claim []string
		for _, n := range neighbors {
			if n != vm && !a.Has(n) {
				claim = append(claim, n)
			}
		}
		if len(claim) == 0 {
			a.Set(vm, Singleton)
			continue
		}
		a.Set(vm, next)
		for _, n := range claim {
			a.Set(n, next)
		}
		next++
	}
	return res, nil
}

func buildUnionSet(ctx context.Context, dict *features.Dict, s Searcher, opts Options) (*Result, error) {
	keys := dict.Keys()
	vm2id, err := resolveIDs(keys, opts.VM2ID)
	if err != nil {
		return nil, err
	}

	neighbors, err := queryAll(ctx, keys, s, opts.Workers)
	if err != nil {
		return nil, err
	}

	res := &Result{Assignment: NewAssignment()}
	res.Stats.Queries = len(keys)

	// Unions mutate shared state and are applied sequentially.
	uf := NewUnionFind(len(keys))
	for i, vm := range keys {
		id1 := vm2id[vm]
		for _, n := range neighbors[i] {
			id2, ok := vm2id[n]
			if !ok {
				return nil, fmt.Errorf("%w: neighbour %q of %q has no id", ErrConfiguration, n, vm)
			}
			res.Stats.Edges++
			if uf.Find(id1) != uf.Find(id2) {
				uf.Union(id1, id2)
				res.Stats.Unions++
			}
		}
	}

	byID := make([]string, len(keys))
	for vm, id := range vm2id {
		byID[id] = vm
	}
	for id, vm := range byID {
		root := uf.Find(id)
		if uf.Size(root) == 1 {
			res.Assignment.Set(vm, Singleton)
		} else {
			res.Assignment.Set(vm, root)
		}
	}
	return res, nil
}

// resolveIDs validates vm2id against keys, or derives one in key order.
func resolveIDs(keys []string, vm2id map[string]int) (map[string]int, error) {
	if vm2id == nil {
		ids := make(map[string]int, len(keys))
		for i, vm := range keys {
			ids[vm] = i
		}
		return ids, nil
	}

	if len(vm2id) != len(keys) {
		return nil, fmt.Errorf("%w: vm2id has %d entries, feature dict has %d", ErrConfiguration, len(vm2id), len(keys))
	}
	used := make([]bool, len(keys))
	for _, vm := range keys {
		id, ok := vm2id[vm]
		if !ok {
			return nil, fmt.Errorf("%w: vm2id is missing %q", ErrConfiguration, vm)
		}
		if id < 0 || id >= len(keys) || used[id] {
			return nil, fmt.Errorf("%w: vm2id must map to distinct ids in [0,%d), %q has %d", ErrConfiguration, len(keys), vm, id)
		}
		used[id] = true
	}
	return vm2id, nil
}

// queryAll runs one neighbour query per key. Queries only read the index, so
// they run concurrently; results are indexed by key position.
func queryAll(ctx context.Context, keys []string, s Searcher, workers int) ([][]string, error) {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	out := make([][]string, len(keys))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, vm := range keys {
		i, vm := i, vm
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			n, err := s.Neighbors(vm)
			if err != nil {
				return fmt.Errorf("query %s: %w", vm, err)
			}
			out[i] = n
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func countPartitions(res *Result) {
	seen := make(map[int]struct{})
	res.Assignment.Range(func(_ string, id int) bool {
		if id == Singleton {
			res.Stats.Singletons++
		} else {
			seen[id] = struct{}{}
		}
		return true
	})
	res.Stats.Partitions = len(seen)
}
