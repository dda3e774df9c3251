// Package lsh implements MinHash Locality Sensitive Hashing indexes.
//
// Two index variants share the Index contract: a banded index answering
// threshold queries, and an LSH forest answering top-k queries. Both are
// populated in one batch and are read-only once queryable, so concurrent
// queries are safe.
package lsh

import (
	"fmt"
	"strings"

	"github.com/tracecluster/tracecluster/pkg/minhash"
)

// Error is a categorized index error usable with errors.Is.
type Error string

const (
	// ErrConfiguration indicates missing or out-of-range index parameters,
	// such as a threshold index without a threshold or a top-k query without k.
	ErrConfiguration Error = "lsh: invalid configuration"

	// ErrIndexNotBuilt indicates a query against an index that has not been
	// built or finalized.
	ErrIndexNotBuilt Error = "lsh: index not built"

	// ErrDuplicateKey indicates a key inserted twice into the same index.
	ErrDuplicateKey Error = "lsh: duplicate key"
)

// Error implements the error interface.
func (e Error) Error() string {
	return string(e)
}

// Mode selects the query semantics of an index.
type Mode string

const (
	// ModeThreshold answers "all keys at least this similar" queries.
	ModeThreshold Mode = "threshold"
	// ModeTopK answers "the k most similar keys" queries.
	ModeTopK Mode = "topk"
)

// ParseMode converts a configuration string to a Mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeThreshold:
		return ModeThreshold, nil
	case ModeTopK:
		return ModeTopK, nil
	default:
		return "", fmt.Errorf("%w: unknown index mode %q", ErrConfiguration, s)
	}
}

// Index is a searchable collection of MinHash signatures keyed by string.
type Index interface {
	// Mode reports the query semantics of the index.
	Mode() Mode

	// Query returns the keys similar to sig. Threshold indexes ignore k;
	// top-k indexes require k > 0. The query key itself is not filtered out.
	Query(sig minhash.Signature, k int) ([]string, error)

	// Signature returns the stored signature of key.
	Signature(key string) (minhash.Signature, bool)

	// Len returns the number of indexed keys.
	Len() int
}

// entries keeps signatures and their insertion order.
type entries struct {
	numPerm int
	sigs    map[string]minhash.Signature
	pos     map[string]int
	keys    []string
}

func newEntries(numPerm int) entries {
	return entries{
		numPerm: numPerm,
		sigs:    make(map[string]minhash.Signature),
		pos:     make(map[string]int),
	}
}

func (e *entries) add(key string, sig minhash.Signature) error {
	if err := e.check(sig); err != nil {
		return err
	}
	if _, ok := e.sigs[key]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateKey, key)
	}
	e.sigs[key] = sig
	e.pos[key] = len(e.keys)
	e.keys = append(e.keys, key)
	return nil
}

func (e *entries) check(sig minhash.Signature) error {
	if sig.Len() != e.numPerm {
		return fmt.Errorf("%w: got %d, index uses %d", minhash.ErrNumPermMismatch, sig.Len(), e.numPerm)
	}
	return nil
}

func (e *entries) Signature(key string) (minhash.Signature, bool) {
	sig, ok := e.sigs[key]
	return sig, ok
}

func (e *entries) Len() int {
	return len(e.keys)
}
