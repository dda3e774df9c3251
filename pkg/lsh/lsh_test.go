package lsh

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracecluster/tracecluster/pkg/minhash"
)

func sum(t *testing.T, h *minhash.Hasher, items ...string) minhash.Signature {
	t.Helper()
	sig, err := h.Sum(items)
	require.NoError(t, err)
	return sig
}

func peers(prefix string, from, to int) []string {
	var out []string
	for i := from; i < to; i++ {
		out = append(out, fmt.Sprintf("%s%d", prefix, i))
	}
	return out
}

// ============================================================
// Mode
// ============================================================

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"threshold", ModeThreshold, false},
		{"TopK", ModeTopK, false},
		{" topk ", ModeTopK, false},
		{"forest", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := ParseMode(tt.in)
		if tt.wantErr {
			assert.ErrorIs(t, err, ErrConfiguration, "ParseMode(%q)", tt.in)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestErrorMatching(t *testing.T) {
	err := fmt.Errorf("%w: detail", ErrConfiguration)
	assert.True(t, errors.Is(err, ErrConfiguration))
	assert.False(t, errors.Is(err, ErrIndexNotBuilt))
	assert.Equal(t, "lsh: index not built", ErrIndexNotBuilt.Error())
}

func TestBucketKeyPrefix(t *testing.T) {
	sig := minhash.Signature{1, 2, 3, 4}
	full := bucketKey(sig)
	assert.Len(t, full, 4*hashValueSize)
	assert.Equal(t, bucketKey(sig[:2]), full[:2*hashValueSize])
	assert.NotEqual(t, bucketKey(minhash.Signature{1, 2}), bucketKey(minhash.Signature{2, 1}))
}

// ============================================================
// Threshold index
// ============================================================

func TestThresholdConfigValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  ThresholdConfig
		ok   bool
	}{
		{"defaults", DefaultThresholdConfig(64, 0.5), true},
		{"zero weights", ThresholdConfig{NumPerm: 64, Threshold: 0.5}, true},
		{"threshold zero", DefaultThresholdConfig(64, 0), true},
		{"threshold one", DefaultThresholdConfig(64, 1), true},
		{"threshold above one", DefaultThresholdConfig(64, 1.5), false},
		{"negative threshold", DefaultThresholdConfig(64, -0.1), false},
		{"too few permutations", DefaultThresholdConfig(1, 0.5), false},
		{"weights not summing to one", ThresholdConfig{NumPerm: 64, Threshold: 0.5, FalsePositiveWeight: 0.7, FalseNegativeWeight: 0.7}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
				assert.InDelta(t, 1.0, cfg.FalsePositiveWeight+cfg.FalseNegativeWeight, 1e-9)
			} else {
				assert.ErrorIs(t, err, ErrConfiguration)
			}
		})
	}
}

func TestThresholdIndexParamsFitNumPerm(t *testing.T) {
	for _, threshold := range []float64{0.1, 0.5, 0.9} {
		idx, err := NewThresholdIndex(DefaultThresholdConfig(50, threshold))
		require.NoError(t, err)
		b, r := idx.Params()
		assert.Positive(t, b)
		assert.Positive(t, r)
		assert.LessOrEqual(t, b*r, 50)
		assert.Equal(t, threshold, idx.Threshold())
		assert.Equal(t, ModeThreshold, idx.Mode())
	}
}

func TestThresholdIndexQuery(t *testing.T) {
	h, err := minhash.New(64, minhash.DefaultSeed)
	require.NoError(t, err)
	idx, err := NewThresholdIndex(DefaultThresholdConfig(64, 0.5))
	require.NoError(t, err)

	a := sum(t, h, "1.1.1.1", "2.2.2.2")
	require.NoError(t, idx.Insert("A", a))
	require.NoError(t, idx.Insert("B", sum(t, h, "2.2.2.2", "1.1.1.1")))
	require.NoError(t, idx.Insert("C", sum(t, h, "9.9.9.9")))

	got, err := idx.Query(a, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, got, "query key itself is returned and order follows insertion")

	assert.Equal(t, 3, idx.Len())
	stored, ok := idx.Signature("A")
	require.True(t, ok)
	assert.True(t, stored.Equal(a))
}

func TestThresholdIndexRejectsDuplicatesAndMismatch(t *testing.T) {
	h64, _ := minhash.New(64, 1)
	h32, _ := minhash.New(32, 1)
	idx, err := NewThresholdIndex(DefaultThresholdConfig(64, 0.5))
	require.NoError(t, err)

	require.NoError(t, idx.Insert("A", sum(t, h64, "x")))
	assert.ErrorIs(t, idx.Insert("A", sum(t, h64, "y")), ErrDuplicateKey)
	assert.ErrorIs(t, idx.Insert("B", sum(t, h32, "y")), minhash.ErrNumPermMismatch)

	_, err = idx.Query(sum(t, h32, "x"), 0)
	assert.ErrorIs(t, err, minhash.ErrNumPermMismatch)
}

func TestThresholdIndexVerifyDropsDissimilar(t *testing.T) {
	h, _ := minhash.New(128, minhash.DefaultSeed)
	base := peers("p", 0, 100)
	near := append(peers("p", 0, 99), "q0")
	far := append(peers("p", 0, 20), peers("q", 0, 80)...)

	for _, verify := range []bool{false, true} {
		cfg := DefaultThresholdConfig(128, 0.8)
		cfg.Verify = verify
		idx, err := NewThresholdIndex(cfg)
		require.NoError(t, err)
		require.NoError(t, idx.Insert("near", sum(t, h, near...)))
		require.NoError(t, idx.Insert("far", sum(t, h, far...)))

		got, err := idx.Query(sum(t, h, base...), 0)
		require.NoError(t, err)
		assert.Contains(t, got, "near")
		if verify {
			assert.NotContains(t, got, "far")
		}
	}
}

func TestNilThresholdIndexNotBuilt(t *testing.T) {
	var idx *ThresholdIndex
	_, err := idx.Query(minhash.Signature{1, 2}, 0)
	assert.ErrorIs(t, err, ErrIndexNotBuilt)
}

// ============================================================
// Forest
// ============================================================

func TestForestConfigValidate(t *testing.T) {
	cfg := ForestConfig{NumPerm: 64}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultTrees, cfg.Trees)

	bad := ForestConfig{NumPerm: 4, Trees: 8}
	assert.ErrorIs(t, bad.Validate(), ErrConfiguration)

	neg := ForestConfig{NumPerm: 64, Trees: -1}
	assert.ErrorIs(t, neg.Validate(), ErrConfiguration)
}

func TestForestQueryBeforeIndex(t *testing.T) {
	h, _ := minhash.New(64, 1)
	f, err := NewForest(ForestConfig{NumPerm: 64})
	require.NoError(t, err)
	require.NoError(t, f.Add("A", sum(t, h, "x")))

	_, err = f.Query(sum(t, h, "x"), 1)
	assert.ErrorIs(t, err, ErrIndexNotBuilt)

	f.Index()
	assert.True(t, f.Indexed())
	_, err = f.Query(sum(t, h, "x"), 1)
	assert.NoError(t, err)

	require.NoError(t, f.Add("B", sum(t, h, "y")))
	assert.False(t, f.Indexed(), "adding after Index requires re-indexing")
}

func TestForestQueryRequiresK(t *testing.T) {
	h, _ := minhash.New(64, 1)
	f, _ := NewForest(ForestConfig{NumPerm: 64})
	require.NoError(t, f.Add("A", sum(t, h, "x")))
	f.Index()

	_, err := f.Query(sum(t, h, "x"), 0)
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestForestTopKRanking(t *testing.T) {
	h, _ := minhash.New(128, minhash.DefaultSeed)
	f, err := NewForest(ForestConfig{NumPerm: 128, Trees: 8})
	require.NoError(t, err)

	depth, trees := f.Settings()
	assert.Equal(t, 16, depth)
	assert.Equal(t, 8, trees)

	query := peers("p", 0, 50)
	require.NoError(t, f.Add("other", sum(t, h, peers("z", 0, 50)...)))
	require.NoError(t, f.Add("half", sum(t, h, append(peers("p", 0, 25), peers("q", 0, 25)...)...)))
	require.NoError(t, f.Add("same", sum(t, h, query...)))
	require.NoError(t, f.Add("most", sum(t, h, append(peers("p", 0, 45), peers("q", 0, 5)...)...)))
	f.Index()

	got, err := f.Query(sum(t, h, query...), 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "same", got[0])

	again, err := f.Query(sum(t, h, query...), 2)
	require.NoError(t, err)
	assert.Equal(t, got, again, "queries against a fixed index are deterministic")

	all, err := f.Query(sum(t, h, query...), 10)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(all), 2)
	assert.Equal(t, []string{"same", "most"}, all[:2])
	assert.NotContains(t, all, "other", "disjoint sets never share a prefix")
}

// ============================================================
// Parameter optimisation
// ============================================================

func TestErrorProbabilitiesClosedForm(t *testing.T) {
	// With one band of one row the match curve is s itself.
	for _, threshold := range []float64{0.2, 0.5, 0.8} {
		fp := FalsePositiveProbability(threshold, 1, 1)
		fn := FalseNegativeProbability(threshold, 1, 1)
		assert.InDelta(t, threshold*threshold/2, fp, 1e-9)
		assert.InDelta(t, (1-threshold)*(1-threshold)/2, fn, 1e-9)
	}

	assert.Equal(t, 0.0, FalsePositiveProbability(0, 4, 4))
	assert.Equal(t, 0.0, FalseNegativeProbability(1, 4, 4))
}

func TestOptimalParamsTracksThreshold(t *testing.T) {
	bLow, rLow := OptimalParams(0.1, 64, 0.5, 0.5)
	bHigh, rHigh := OptimalParams(0.9, 64, 0.5, 0.5)

	assert.LessOrEqual(t, bLow*rLow, 64)
	assert.LessOrEqual(t, bHigh*rHigh, 64)
	assert.Greater(t, float64(rHigh)/float64(bHigh), float64(rLow)/float64(bLow),
		"a higher threshold needs longer bands relative to their count")
}

func BenchmarkThresholdQuery(b *testing.B) {
	h, _ := minhash.New(64, 1)
	idx, _ := NewThresholdIndex(DefaultThresholdConfig(64, 0.5))
	for i := 0; i < 1000; i++ {
		sig, _ := h.Sum(peers(fmt.Sprintf("vm%d-", i%50), 0, 20))
		_ = idx.Insert(fmt.Sprintf("vm%d", i), sig)
	}
	q, _ := h.Sum(peers("vm7-", 0, 20))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = idx.Query(q, 0)
	}
}
