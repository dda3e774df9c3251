package minhash

import (
	"errors"
	"fmt"
	"math"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHasher(t *testing.T, numPerm int) *Hasher {
	t.Helper()
	h, err := New(numPerm, DefaultSeed)
	require.NoError(t, err)
	return h
}

func TestNewRejectsNonPositiveNumPerm(t *testing.T) {
	for _, n := range []int{0, -1} {
		_, err := New(n, DefaultSeed)
		if !errors.Is(err, ErrInvalidNumPerm) {
			t.Errorf("New(%d) error = %v, want ErrInvalidNumPerm", n, err)
		}
	}
}

func TestSumDeterministic(t *testing.T) {
	set := []string{"10.1.1.1", "10.1.1.2", "8.8.8.8"}

	sig1, err := newHasher(t, 64).Sum(set)
	require.NoError(t, err)
	sig2, err := newHasher(t, 64).Sum(set)
	require.NoError(t, err)

	assert.True(t, sig1.Equal(sig2), "same seed and set must give the same signature")
	assert.Equal(t, 64, sig1.Len())
}

func TestSumOrderIndependent(t *testing.T) {
	h := newHasher(t, 32)
	a, err := h.Sum([]string{"a", "b", "c"})
	require.NoError(t, err)
	b, err := h.Sum([]string{"c", "a", "b"})
	require.NoError(t, err)
	assert.True(t, a.Equal(b))
}

func TestDifferentSeedsDiffer(t *testing.T) {
	h1, err := New(32, 1)
	require.NoError(t, err)
	h2, err := New(32, 2)
	require.NoError(t, err)

	a, _ := h1.Sum([]string{"x", "y"})
	b, _ := h2.Sum([]string{"x", "y"})
	assert.False(t, a.Equal(b))
}

func TestIdenticalSetsEstimateOne(t *testing.T) {
	h := newHasher(t, 64)
	a, _ := h.Sum([]string{"1.1.1.1", "2.2.2.2"})
	b, _ := h.Sum([]string{"2.2.2.2", "1.1.1.1"})

	j, err := a.Jaccard(b)
	require.NoError(t, err)
	assert.Equal(t, 1.0, j)
}

func TestDisjointSetsEstimateZero(t *testing.T) {
	h := newHasher(t, 64)
	a, _ := h.Sum([]string{"1.1.1.1", "2.2.2.2"})
	b, _ := h.Sum([]string{"9.9.9.9"})

	j, err := a.Jaccard(b)
	require.NoError(t, err)
	assert.Equal(t, 0.0, j)
}

func TestEstimateConvergesToExact(t *testing.T) {
	// |A∩B| = 100, |A∪B| = 200, J = 0.5
	var a, b []string
	for i := 0; i < 150; i++ {
		a = append(a, fmt.Sprintf("peer-%d", i))
	}
	for i := 50; i < 200; i++ {
		b = append(b, fmt.Sprintf("peer-%d", i))
	}

	h := newHasher(t, 512)
	sa, _ := h.Sum(a)
	sb, _ := h.Sum(b)
	j, err := sa.Jaccard(sb)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, j, 0.1)
}

func TestEmptySet(t *testing.T) {
	h := newHasher(t, 16)
	empty, err := h.Sum(nil)
	require.NoError(t, err)

	assert.True(t, empty.IsEmpty())
	for _, v := range empty {
		assert.Equal(t, uint64(math.MaxUint64), v)
	}

	full, _ := h.Sum([]string{"a"})
	assert.False(t, full.IsEmpty())
	j, _ := empty.Jaccard(full)
	assert.Equal(t, 0.0, j)
}

func TestJaccardNumPermMismatch(t *testing.T) {
	a, _ := newHasher(t, 16).Sum([]string{"a"})
	b, _ := newHasher(t, 32).Sum([]string{"a"})

	_, err := a.Jaccard(b)
	assert.ErrorIs(t, err, ErrNumPermMismatch)
}

func TestSumRejectsInvalidUTF8(t *testing.T) {
	_, err := newHasher(t, 8).Sum([]string{"ok", string([]byte{0xff, 0xfe})})
	assert.ErrorIs(t, err, ErrTypeConversion)
}

type point struct{ x, y int }

func TestSumItems(t *testing.T) {
	h := newHasher(t, 32)

	fromStrings, err := h.Sum([]string{"10.0.0.1", "42"})
	require.NoError(t, err)

	fromItems, err := h.SumItems([]any{netip.MustParseAddr("10.0.0.1"), 42})
	require.NoError(t, err)
	assert.True(t, fromStrings.Equal(fromItems), "items must hash like their string form")

	_, err = h.SumItems([]any{point{1, 2}})
	assert.ErrorIs(t, err, ErrTypeConversion)

	_, err = h.SumItems([]any{3.14})
	assert.ErrorIs(t, err, ErrTypeConversion)
}

func TestPermuteStaysBelowPrime(t *testing.T) {
	tests := []struct {
		a, b, x uint64
	}{
		{1, 0, 0},
		{mersennePrime - 1, mersennePrime - 1, math.MaxUint64},
		{12345, 678, 1 << 63},
	}
	for _, tt := range tests {
		if got := permute(tt.a, tt.b, tt.x); got >= mersennePrime {
			t.Errorf("permute(%d, %d, %d) = %d, want < p", tt.a, tt.b, tt.x, got)
		}
	}
	assert.Equal(t, uint64(7), permute(2, 1, 3))
}

func BenchmarkSum(b *testing.B) {
	h, _ := New(DefaultNumPerm, DefaultSeed)
	set := make([]string, 64)
	for i := range set {
		set[i] = fmt.Sprintf("192.168.%d.%d", i/256, i%256)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = h.Sum(set)
	}
}
