// Package store persists extracted features and partition runs in a bbolt
// database.
//
// Layout:
//
//	features/<cache-key>/<seq>  -> {"vm": ..., "peers": [...]}
//	runs/<uuid>                 -> Run as JSON
//	meta/latest                 -> uuid of the most recent run
package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/tracecluster/tracecluster/internal/partition"
	"github.com/tracecluster/tracecluster/pkg/features"
)

var (
	bucketFeatures = []byte("features")
	bucketRuns     = []byte("runs")
	bucketMeta     = []byte("meta")

	keyLatest = []byte("latest")
)

// ErrNotFound is returned when a run or feature cache entry does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is a handle on the run database.
type Store struct {
	db     *bolt.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the database at path.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketFeatures, bucketRuns, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Close releases the database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.db.Path()
}

type featureRecord struct {
	VM    string   `json:"vm"`
	Peers []string `json:"peers"`
}

func seqKey(i uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], i)
	return b[:]
}

// SaveFeatures replaces the cached dict stored under key. VM order is kept.
func (s *Store) SaveFeatures(key string, dict *features.Dict) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(bucketFeatures)
		if root.Bucket([]byte(key)) != nil {
			if err := root.DeleteBucket([]byte(key)); err != nil {
				return err
			}
		}
		b, err := root.CreateBucket([]byte(key))
		if err != nil {
			return err
		}

		var seq uint64
		var putErr error
		dict.Range(func(vm string, set features.Set) bool {
			data, err := json.Marshal(featureRecord{VM: vm, Peers: set.Items()})
			if err != nil {
				putErr = err
				return false
			}
			if err := b.Put(seqKey(seq), data); err != nil {
				putErr = err
				return false
			}
			seq++
			return true
		})
		return putErr
	})
	if err != nil {
		return fmt.Errorf("failed to save features %q: %w", key, err)
	}
	s.logger.Debug("features cached", "key", key, "vms", dict.Len())
	return nil
}

// LoadFeatures returns the dict cached under key, or ErrNotFound.
func (s *Store) LoadFeatures(key string) (*features.Dict, error) {
	dict := features.NewDict()
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFeatures).Bucket([]byte(key))
		if b == nil {
			return ErrNotFound
		}
		return b.ForEach(func(_, v []byte) error {
			var rec featureRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			dict.Put(rec.VM, features.NewSet(rec.Peers...))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load features %q: %w", key, err)
	}
	return dict, nil
}

// DeleteFeatures drops the cache entry under key. Missing entries are ignored.
func (s *Store) DeleteFeatures(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		err := tx.Bucket(bucketFeatures).DeleteBucket([]byte(key))
		if errors.Is(err, bolt.ErrBucketNotFound) {
			return nil
		}
		return err
	})
}

// Entry is one VM's partition-id in a stored run.
type Entry struct {
	VM string `json:"vm"`
	ID int    `json:"id"`
}

// Run is a persisted partitioning result.
type Run struct {
	ID           uuid.UUID `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	FeatureKey   string    `json:"feature_key"`
	Mode         string    `json:"mode"`
	Threshold    float64   `json:"threshold"`
	TopK         int       `json:"top_k,omitempty"`
	NumPerm      int       `json:"num_perm"`
	Seed         int64     `json:"seed"`
	Algorithm    string    `json:"algorithm"`
	Partitions   int       `json:"partitions"`
	Singletons   int       `json:"singletons"`
	DurationMS   int64     `json:"duration_ms"`
	Output       string    `json:"output,omitempty"`
	OutputDigest string    `json:"output_digest,omitempty"`
	Assignments  []Entry   `json:"assignments"`
}

// NewRun stamps a fresh run from a partition result.
func NewRun(res *partition.Result) *Run {
	run := &Run{
		ID:         uuid.New(),
		CreatedAt:  time.Now().UTC(),
		Algorithm:  string(res.Stats.Algorithm),
		Partitions: res.Stats.Partitions,
		Singletons: res.Stats.Singletons,
		DurationMS: res.Stats.Duration.Milliseconds(),
	}
	run.Assignments = make([]Entry, 0, res.Assignment.Len())
	res.Assignment.Range(func(vm string, id int) bool {
		run.Assignments = append(run.Assignments, Entry{VM: vm, ID: id})
		return true
	})
	return run
}

// Assignment rebuilds the ordered VM to partition-id mapping.
func (r *Run) Assignment() *partition.Assignment {
	a := partition.NewAssignment()
	for _, e := range r.Assignments {
		a.Set(e.VM, e.ID)
	}
	return a
}

// SaveRun stores run and marks it as the latest.
func (s *Store) SaveRun(run *Run) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to encode run: %w", err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		id := run.ID[:]
		if err := tx.Bucket(bucketRuns).Put(id, data); err != nil {
			return err
		}
		return tx.Bucket(bucketMeta).Put(keyLatest, id)
	})
	if err != nil {
		return fmt.Errorf("failed to save run %s: %w", run.ID, err)
	}
	s.logger.Info("run saved", "run_id", run.ID.String(), "vms", len(run.Assignments))
	return nil
}

// GetRun loads a run by id.
func (s *Store) GetRun(id uuid.UUID) (*Run, error) {
	var run Run
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketRuns).Get(id[:])
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &run)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get run %s: %w", id, err)
	}
	return &run, nil
}

// LatestRun loads the most recently saved run.
func (s *Store) LatestRun() (*Run, error) {
	var id uuid.UUID
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketMeta).Get(keyLatest)
		if v == nil {
			return ErrNotFound
		}
		var err error
		id, err = uuid.FromBytes(v)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get latest run: %w", err)
	}
	return s.GetRun(id)
}

// ListRuns returns every stored run, oldest first.
func (s *Store) ListRuns() ([]*Run, error) {
	var runs []*Run
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRuns).ForEach(func(_, v []byte) error {
			var run Run
			if err := json.Unmarshal(v, &run); err != nil {
				return err
			}
			runs = append(runs, &run)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	sortRuns(runs)
	return runs, nil
}
