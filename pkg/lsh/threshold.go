package lsh

import (
	"fmt"
	"math"
	"sort"

	"github.com/tracecluster/tracecluster/pkg/minhash"
)

// ThresholdConfig holds the parameters of a banded threshold index.
type ThresholdConfig struct {
	// NumPerm is the signature length every inserted signature must have.
	NumPerm int

	// Threshold is the Jaccard similarity in [0,1] the banding is tuned for.
	Threshold float64

	// FalsePositiveWeight and FalseNegativeWeight weigh the two error
	// probabilities when choosing bands and rows. Both zero means 0.5 each.
	FalsePositiveWeight float64
	FalseNegativeWeight float64

	// Verify drops candidates whose estimated similarity is below Threshold.
	Verify bool
}

// DefaultThresholdConfig returns a config with equal error weights.
func DefaultThresholdConfig(numPerm int, threshold float64) ThresholdConfig {
	return ThresholdConfig{
		NumPerm:             numPerm,
		Threshold:           threshold,
		FalsePositiveWeight: 0.5,
		FalseNegativeWeight: 0.5,
	}
}

// Validate checks the parameters and fills in default weights.
func (c *ThresholdConfig) Validate() error {
	if c.NumPerm < 2 {
		return fmt.Errorf("%w: num_perm must be at least 2, got %d", ErrConfiguration, c.NumPerm)
	}
	if math.IsNaN(c.Threshold) || c.Threshold < 0 || c.Threshold > 1 {
		return fmt.Errorf("%w: threshold must be in [0,1], got %v", ErrConfiguration, c.Threshold)
	}
	if c.FalsePositiveWeight == 0 && c.FalseNegativeWeight == 0 {
		c.FalsePositiveWeight, c.FalseNegativeWeight = 0.5, 0.5
	}
	if c.FalsePositiveWeight < 0 || c.FalseNegativeWeight < 0 ||
		math.Abs(c.FalsePositiveWeight+c.FalseNegativeWeight-1) > 1e-9 {
		return fmt.Errorf("%w: error weights must be non-negative and sum to 1", ErrConfiguration)
	}
	return nil
}

// ThresholdIndex buckets each signature into bands of rows; two keys are
// candidates when they agree on every row of at least one band.
type ThresholdIndex struct {
	entries
	threshold float64
	verify    bool
	bands     int
	rows      int
	tables    []map[string][]string
}

// NewThresholdIndex creates an empty index with bands and rows tuned for cfg.
func NewThresholdIndex(cfg ThresholdConfig) (*ThresholdIndex, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	bands, rows := OptimalParams(cfg.Threshold, cfg.NumPerm, cfg.FalsePositiveWeight, cfg.FalseNegativeWeight)
	tables := make([]map[string][]string, bands)
	for i := range tables {
		tables[i] = make(map[string][]string)
	}

	return &ThresholdIndex{
		entries:   newEntries(cfg.NumPerm),
		threshold: cfg.Threshold,
		verify:    cfg.Verify,
		bands:     bands,
		rows:      rows,
		tables:    tables,
	}, nil
}

// Mode implements Index.
func (x *ThresholdIndex) Mode() Mode {
	return ModeThreshold
}

// Params returns the number of bands and rows per band.
func (x *ThresholdIndex) Params() (bands, rows int) {
	return x.bands, x.rows
}

// Threshold returns the similarity threshold the index was tuned for.
func (x *ThresholdIndex) Threshold() float64 {
	return x.threshold
}

// Insert adds key with its signature. Keys are queryable immediately.
func (x *ThresholdIndex) Insert(key string, sig minhash.Signature) error {
	if err := x.add(key, sig); err != nil {
		return err
	}
	for i, table := range x.tables {
		h := x.band(sig, i)
		table[h] = append(table[h], key)
	}
	return nil
}

func (x *ThresholdIndex) band(sig minhash.Signature, i int) string {
	return bucketKey(sig[i*x.rows : (i+1)*x.rows])
}

// Query returns every key sharing a band with sig, in insertion order.
// k is ignored.
func (x *ThresholdIndex) Query(sig minhash.Signature, _ int) ([]string, error) {
	if x == nil || x.tables == nil {
		return nil, ErrIndexNotBuilt
	}
	if err := x.check(sig); err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	var out []string
	for i, table := range x.tables {
		for _, key := range table[x.band(sig, i)] {
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			if x.verify {
				if j, _ := sig.Jaccard(x.sigs[key]); j < x.threshold {
					continue
				}
			}
			out = append(out, key)
		}
	}

	sort.Slice(out, func(i, j int) bool { return x.pos[out[i]] < x.pos[out[j]] })
	return out, nil
}
