// Package minhash builds fixed-size MinHash signatures of string sets.
// Signatures produced by the same Hasher estimate the Jaccard similarity of
// their source sets as the fraction of slots on which they agree.
package minhash

import (
	"encoding"
	"errors"
	"fmt"
	"math"
	"math/bits"
	"math/rand"
	"strconv"
	"unicode/utf8"

	"github.com/cespare/xxhash/v2"
)

// DefaultNumPerm is the number of permutations used when none is configured.
const DefaultNumPerm = 50

// DefaultSeed seeds the permutation generator when none is configured.
const DefaultSeed int64 = 1

// mersennePrime is the modulus of the universal permutations, 2^61 - 1.
const mersennePrime uint64 = (1 << 61) - 1

// EmptyValue fills every slot of the signature of an empty set.
const EmptyValue uint64 = math.MaxUint64

var (
	// ErrTypeConversion is returned when a feature cannot be encoded to bytes.
	ErrTypeConversion = errors.New("minhash: feature cannot be converted to bytes")
	// ErrNumPermMismatch is returned when comparing signatures of different lengths.
	ErrNumPermMismatch = errors.New("minhash: signatures have different num_perm")
	// ErrInvalidNumPerm is returned for a non-positive permutation count.
	ErrInvalidNumPerm = errors.New("minhash: num_perm must be positive")
)

// Signature is a MinHash sketch: one minimum per permutation.
type Signature []uint64

// Len returns the number of permutations the signature was built with.
func (s Signature) Len() int {
	return len(s)
}

// IsEmpty reports whether s is the signature of an empty set.
func (s Signature) IsEmpty() bool {
	for _, v := range s {
		if v != EmptyValue {
			return false
		}
	}
	return true
}

// Equal reports whether two signatures are identical.
func (s Signature) Equal(o Signature) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if s[i] != o[i] {
			return false
		}
	}
	return true
}

// Jaccard estimates the Jaccard similarity of the sets behind s and o.
func (s Signature) Jaccard(o Signature) (float64, error) {
	if len(s) != len(o) {
		return 0, ErrNumPermMismatch
	}
	if len(s) == 0 {
		return 0, nil
	}
	matches := 0
	for i := range s {
		if s[i] == o[i] {
			matches++
		}
	}
	return float64(matches) / float64(len(s)), nil
}

// Hasher holds one run's permutation functions h_i(x) = (a_i*x + b_i) mod p.
// A Hasher is immutable and safe for concurrent use.
type Hasher struct {
	numPerm int
	seed    int64
	a       []uint64
	b       []uint64
}

// New creates a Hasher with numPerm permutations drawn from seed.
func New(numPerm int, seed int64) (*Hasher, error) {
	if numPerm <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidNumPerm, numPerm)
	}

	rng := rand.New(rand.NewSource(seed))
	h := &Hasher{
		numPerm: numPerm,
		seed:    seed,
		a:       make([]uint64, numPerm),
		b:       make([]uint64, numPerm),
	}
	for i := 0; i < numPerm; i++ {
		h.a[i] = uint64(rng.Int63n(int64(mersennePrime-1))) + 1
		h.b[i] = uint64(rng.Int63n(int64(mersennePrime)))
	}
	return h, nil
}

// NumPerm returns the signature length.
func (h *Hasher) NumPerm() int {
	return h.numPerm
}

// Seed returns the seed the permutations were drawn from.
func (h *Hasher) Seed() int64 {
	return h.seed
}

// Empty returns the signature of the empty set.
func (h *Hasher) Empty() Signature {
	sig := make(Signature, h.numPerm)
	for i := range sig {
		sig[i] = EmptyValue
	}
	return sig
}

// Sum builds the signature of a set of string features.
// Strings must be valid UTF-8.
func (h *Hasher) Sum(features []string) (Signature, error) {
	sig := h.Empty()
	for _, f := range features {
		if !utf8.ValidString(f) {
			return nil, fmt.Errorf("%w: invalid UTF-8 in %q", ErrTypeConversion, f)
		}
		h.push(sig, xxhash.Sum64String(f))
	}
	return sig, nil
}

// SumItems builds the signature of a set of arbitrary features. Supported
// kinds are strings, byte slices, integers, encoding.TextMarshaler and
// fmt.Stringer.
func (h *Hasher) SumItems(items []any) (Signature, error) {
	sig := h.Empty()
	for _, item := range items {
		b, err := toBytes(item)
		if err != nil {
			return nil, err
		}
		h.push(sig, xxhash.Sum64(b))
	}
	return sig, nil
}

func (h *Hasher) push(sig Signature, x uint64) {
	for i := range sig {
		if v := permute(h.a[i], h.b[i], x); v < sig[i] {
			sig[i] = v
		}
	}
}

// permute computes (a*x + b) mod 2^61-1 without overflow.
func permute(a, b, x uint64) uint64 {
	hi, lo := bits.Mul64(a, x)
	lo, carry := bits.Add64(lo, b, 0)
	hi += carry
	return bits.Rem64(hi, lo, mersennePrime)
}

func toBytes(item any) ([]byte, error) {
	switch v := item.(type) {
	case string:
		if !utf8.ValidString(v) {
			return nil, fmt.Errorf("%w: invalid UTF-8 in %q", ErrTypeConversion, v)
		}
		return []byte(v), nil
	case []byte:
		return v, nil
	case int:
		return strconv.AppendInt(nil, int64(v), 10), nil
	case int32:
		return strconv.AppendInt(nil, int64(v), 10), nil
	case int64:
		return strconv.AppendInt(nil, v, 10), nil
	case uint:
		return strconv.AppendUint(nil, uint64(v), 10), nil
	case uint32:
		return strconv.AppendUint(nil, uint64(v), 10), nil
	case uint64:
		return strconv.AppendUint(nil, v, 10), nil
	case encoding.TextMarshaler:
		b, err := v.MarshalText()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTypeConversion, err)
		}
		return b, nil
	case fmt.Stringer:
		return []byte(v.String()), nil
	default:
		return nil, fmt.Errorf("%w: unsupported type %T", ErrTypeConversion, item)
	}
}
