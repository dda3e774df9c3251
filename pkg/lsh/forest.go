package lsh

import (
	"fmt"
	"sort"
	"strings"

	"github.com/tracecluster/tracecluster/pkg/minhash"
)

// DefaultTrees is the number of prefix trees in a Forest.
const DefaultTrees = 8

// ForestConfig holds the parameters of an LSH forest.
type ForestConfig struct {
	// NumPerm is the signature length every added signature must have.
	NumPerm int
	// Trees is the number of prefix trees. Each tree covers NumPerm/Trees slots.
	Trees int
}

// Validate checks the parameters and fills in the default tree count.
func (c *ForestConfig) Validate() error {
	if c.Trees == 0 {
		c.Trees = DefaultTrees
	}
	if c.Trees < 0 {
		return fmt.Errorf("%w: trees must be positive, got %d", ErrConfiguration, c.Trees)
	}
	if c.NumPerm < c.Trees {
		return fmt.Errorf("%w: num_perm %d is smaller than trees %d", ErrConfiguration, c.NumPerm, c.Trees)
	}
	return nil
}

// Forest answers top-k queries by matching progressively shorter signature
// prefixes across several sorted hash tables. Keys added with Add become
// searchable only after Index.
type Forest struct {
	entries
	depth   int
	buckets []map[string][]string
	sorted  [][]string
	indexed bool
}

// NewForest creates an empty forest.
func NewForest(cfg ForestConfig) (*Forest, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	buckets := make([]map[string][]string, cfg.Trees)
	for i := range buckets {
		buckets[i] = make(map[string][]string)
	}
	return &Forest{
		entries: newEntries(cfg.NumPerm),
		depth:   cfg.NumPerm / cfg.Trees,
		buckets: buckets,
		sorted:  make([][]string, cfg.Trees),
	}, nil
}

// Mode implements Index.
func (f *Forest) Mode() Mode {
	return ModeTopK
}

// Settings returns the prefix depth of each tree and the number of trees.
func (f *Forest) Settings() (depth, trees int) {
	return f.depth, len(f.buckets)
}

// Add stages key for indexing. The forest must be re-indexed before the key
// is searchable.
func (f *Forest) Add(key string, sig minhash.Signature) error {
	if err := f.add(key, sig); err != nil {
		return err
	}
	for i, table := range f.buckets {
		h := f.prefix(sig, i, f.depth)
		table[h] = append(table[h], key)
	}
	f.indexed = false
	return nil
}

// Index sorts the hash tables so that prefix lookups can binary search them.
func (f *Forest) Index() {
	for i, table := range f.buckets {
		keys := make([]string, 0, len(table))
		for h := range table {
			keys = append(keys, h)
		}
		sort.Strings(keys)
		f.sorted[i] = keys
	}
	f.indexed = true
}

// Indexed reports whether every added key is searchable.
func (f *Forest) Indexed() bool {
	return f.indexed
}

func (f *Forest) prefix(sig minhash.Signature, tree, r int) string {
	start := tree * f.depth
	return bucketKey(sig[start : start+r])
}

// Query returns up to k keys ranked by estimated similarity to sig. Ties
// keep insertion order.
func (f *Forest) Query(sig minhash.Signature, k int) ([]string, error) {
	if f == nil || !f.indexed {
		return nil, ErrIndexNotBuilt
	}
	if k <= 0 {
		return nil, fmt.Errorf("%w: top-k query requires k > 0, got %d", ErrConfiguration, k)
	}
	if err := f.check(sig); err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	var candidates []string
	for r := f.depth; r > 0 && len(candidates) < k; r-- {
		for tree := range f.buckets {
			for _, key := range f.lookup(sig, tree, r) {
				if _, ok := seen[key]; ok {
					continue
				}
				seen[key] = struct{}{}
				candidates = append(candidates, key)
			}
		}
	}

	scores := make(map[string]float64, len(candidates))
	for _, key := range candidates {
		scores[key], _ = sig.Jaccard(f.sigs[key])
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if scores[a] != scores[b] {
			return scores[a] > scores[b]
		}
		return f.pos[a] < f.pos[b]
	})

	if len(candidates) > k {
		candidates = candidates[:k]
	}
	return candidates, nil
}

// lookup returns the keys of every bucket in tree whose hash starts with the
// first r slots of sig.
func (f *Forest) lookup(sig minhash.Signature, tree, r int) []string {
	p := f.prefix(sig, tree, r)
	table := f.sorted[tree]

	var out []string
	for i := sort.SearchStrings(table, p); i < len(table) && strings.HasPrefix(table[i], p); i++ {
		out = append(out, f.buckets[tree][table[i]]...)
	}
	return out
}
