// Package locality wraps signature building and LSH indexing behind a single
// search interface used by the partition builder.
package locality

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tracecluster/tracecluster/pkg/features"
	"github.com/tracecluster/tracecluster/pkg/lsh"
	"github.com/tracecluster/tracecluster/pkg/minhash"
)

// Options selects the index built by BuildSearchDB.
type Options struct {
	// Mode is the index query semantics.
	Mode lsh.Mode
	// Threshold is required when Mode is lsh.ModeThreshold.
	Threshold *float64
	// Trees is the forest size for lsh.ModeTopK. Zero uses lsh.DefaultTrees.
	Trees int
	// Verify drops threshold candidates whose estimated similarity is too low.
	Verify bool
	// K is how many neighbours Neighbors asks a top-k index for.
	K int
}

// Search builds MinHash signatures with one fixed Hasher and answers
// similarity queries against the most recently built index.
type Search struct {
	hasher *minhash.Hasher
	logger *slog.Logger

	mu    sync.RWMutex
	index lsh.Index
	k     int
}

// New creates a Search whose signatures use numPerm permutations drawn from seed.
func New(numPerm int, seed int64, logger *slog.Logger) (*Search, error) {
	h, err := minhash.New(numPerm, seed)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Search{hasher: h, logger: logger}, nil
}

// NumPerm returns the signature length.
func (s *Search) NumPerm() int {
	return s.hasher.NumPerm()
}

// BuildSearchDB signs every feature set in dict and builds a new index from
// them. A previous index is discarded, never merged.
func (s *Search) BuildSearchDB(dict *features.Dict, opts Options) error {
	start := time.Now()

	var (
		index  lsh.Index
		insert func(string, minhash.Signature) error
		finish func()
	)
	switch opts.Mode {
	case lsh.ModeThreshold:
		if opts.Threshold == nil {
			return fmt.Errorf("%w: threshold must be set when mode is %s", lsh.ErrConfiguration, lsh.ModeThreshold)
		}
		cfg := lsh.DefaultThresholdConfig(s.hasher.NumPerm(), *opts.Threshold)
		cfg.Verify = opts.Verify
		x, err := lsh.NewThresholdIndex(cfg)
		if err != nil {
			return err
		}
		index, insert, finish = x, x.Insert, func() {}
	case lsh.ModeTopK:
		f, err := lsh.NewForest(lsh.ForestConfig{NumPerm: s.hasher.NumPerm(), Trees: opts.Trees})
		if err != nil {
			return err
		}
		index, insert, finish = f, f.Add, f.Index
	default:
		return fmt.Errorf("%w: unknown index mode %q", lsh.ErrConfiguration, opts.Mode)
	}

	var buildErr error
	dict.Range(func(vm string, set features.Set) bool {
		sig, err := s.hasher.Sum(set.Items())
		if err != nil {
			buildErr = fmt.Errorf("signature for %s: %w", vm, err)
			return false
		}
		if err := insert(vm, sig); err != nil {
			buildErr = fmt.Errorf("index %s: %w", vm, err)
			return false
		}
		return true
	})
	if buildErr != nil {
		return buildErr
	}
	finish()

	s.mu.Lock()
	s.index = index
	s.k = opts.K
	s.mu.Unlock()

	attrs := []any{
		"mode", opts.Mode,
		"entries", index.Len(),
		"numPerm", s.hasher.NumPerm(),
		"duration", time.Since(start),
	}
	if x, ok := index.(*lsh.ThresholdIndex); ok {
		bands, rows := x.Params()
		attrs = append(attrs, "threshold", x.Threshold(), "bands", bands, "rows", rows)
	}
	s.logger.Info("search index built", attrs...)
	return nil
}

// Index returns the current index, or nil before BuildSearchDB.
func (s *Search) Index() lsh.Index {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index
}

func (s *Search) current() (lsh.Index, error) {
	idx := s.Index()
	if idx == nil {
		return nil, lsh.ErrIndexNotBuilt
	}
	return idx, nil
}

// QueryThreshold signs query and returns the keys of a threshold index that
// are similar to it. The result may include the key the features belong to.
func (s *Search) QueryThreshold(query []string) ([]string, error) {
	idx, err := s.current()
	if err != nil {
		return nil, err
	}
	if idx.Mode() != lsh.ModeThreshold {
		return nil, fmt.Errorf("%w: threshold query against %s index", lsh.ErrConfiguration, idx.Mode())
	}
	sig, err := s.hasher.Sum(query)
	if err != nil {
		return nil, err
	}
	return idx.Query(sig, 0)
}

// QueryTopK signs query and returns the k most similar keys of a top-k index.
func (s *Search) QueryTopK(query []string, k int) ([]string, error) {
	idx, err := s.current()
	if err != nil {
		return nil, err
	}
	if idx.Mode() != lsh.ModeTopK {
		return nil, fmt.Errorf("%w: top-k query against %s index", lsh.ErrConfiguration, idx.Mode())
	}
	sig, err := s.hasher.Sum(query)
	if err != nil {
		return nil, err
	}
	return idx.Query(sig, k)
}

// QueryKey queries with the signature already stored for an indexed key.
// k is only used by top-k indexes.
func (s *Search) QueryKey(key string, k int) ([]string, error) {
	idx, err := s.current()
	if err != nil {
		return nil, err
	}
	sig, ok := idx.Signature(key)
	if !ok {
		return nil, fmt.Errorf("key %q is not indexed", key)
	}
	return idx.Query(sig, k)
}

// Neighbors returns the keys similar to the indexed key, excluding the key
// itself. It is the query the partition builder issues per VM. A top-k index
// is asked for Options.K neighbours plus the key.
func (s *Search) Neighbors(key string) ([]string, error) {
	s.mu.RLock()
	k := s.k
	s.mu.RUnlock()
	if k > 0 {
		k++
	}
	keys, err := s.QueryKey(key, k)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k != key {
			out = append(out, k)
		}
	}
	return out, nil
}

// ComputeJaccard returns the exact Jaccard similarity of two sets, given as
// slices that may contain duplicates. The similarity of two empty sets is 0.
func ComputeJaccard[T comparable](a, b []T) float64 {
	sa := make(map[T]struct{}, len(a))
	for _, v := range a {
		sa[v] = struct{}{}
	}
	sb := make(map[T]struct{}, len(b))
	for _, v := range b {
		sb[v] = struct{}{}
	}

	inter := 0
	for v := range sa {
		if _, ok := sb[v]; ok {
			inter++
		}
	}
	union := len(sa) + len(sb) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
