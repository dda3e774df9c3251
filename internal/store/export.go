package store

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/crypto/blake2b"
	"gopkg.in/yaml.v3"

	"github.com/tracecluster/tracecluster/internal/partition"
)

// Format is a result file encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ParseFormat accepts "json", "yaml" or "yml".
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "json", "":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	}
	return "", fmt.Errorf("unknown output format %q", s)
}

// Group is one materialised partition.
type Group struct {
	ID  int      `json:"id" yaml:"id"`
	VMs []string `json:"vms" yaml:"vms"`
}

// Document is the on-disk shape of a partition list.
type Document struct {
	RunID      string  `json:"run_id,omitempty" yaml:"run_id,omitempty"`
	Mode       string  `json:"mode" yaml:"mode"`
	Threshold  float64 `json:"threshold" yaml:"threshold"`
	TopK       int     `json:"top_k,omitempty" yaml:"top_k,omitempty"`
	Algorithm  string  `json:"algorithm" yaml:"algorithm"`
	Partitions []Group `json:"partitions" yaml:"partitions"`
}

// NewDocument lays out the partitions of run in encounter order.
func NewDocument(run *Run) *Document {
	p := partition.Materialize(run.Assignment())
	doc := &Document{
		RunID:     run.ID.String(),
		Mode:      run.Mode,
		Threshold: run.Threshold,
		TopK:      run.TopK,
		Algorithm: run.Algorithm,
	}
	doc.Partitions = make([]Group, 0, p.Len())
	p.Range(func(id int, vms []string) bool {
		doc.Partitions = append(doc.Partitions, Group{ID: id, VMs: vms})
		return true
	})
	return doc
}

// FileName is threshold_<t>.<format>, or topk_<k>.<format> for top-k runs.
func (doc *Document) FileName(f Format) string {
	if doc.Mode == "topk" {
		return "topk_" + strconv.Itoa(doc.TopK) + "." + string(f)
	}
	return "threshold_" + strconv.FormatFloat(doc.Threshold, 'f', -1, 64) + "." + string(f)
}

// Encode serialises doc in the given format.
func (doc *Document) Encode(f Format) ([]byte, error) {
	switch f {
	case FormatYAML:
		return yaml.Marshal(doc)
	case FormatJSON:
		return json.MarshalIndent(doc, "", "  ")
	}
	return nil, fmt.Errorf("unknown output format %q", f)
}

// ErrDigestMismatch is returned when an exported file no longer matches the
// digest recorded for its run.
var ErrDigestMismatch = errors.New("store: export digest mismatch")

// Digest is the hex BLAKE2b-256 of data.
func Digest(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ExportPartitions writes doc to its result path atomically and returns the
// path and the digest of the written bytes.
func ExportPartitions(dir string, f Format, doc *Document) (path, digest string, err error) {
	data, err := doc.Encode(f)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode partitions: %w", err)
	}
	path = filepath.Join(dir, doc.FileName(f))
	if err := WriteFileAtomic(path, data, 0644); err != nil {
		return "", "", err
	}
	return path, Digest(data), nil
}

// VerifyExport checks that the run's exported file is unchanged.
func VerifyExport(run *Run) error {
	if run.Output == "" {
		return fmt.Errorf("run %s has no exported file", run.ID)
	}
	data, err := os.ReadFile(run.Output)
	if err != nil {
		return fmt.Errorf("failed to read export: %w", err)
	}
	if got := Digest(data); got != run.OutputDigest {
		return fmt.Errorf("%w: %s has %s, run recorded %s", ErrDigestMismatch, run.Output, got, run.OutputDigest)
	}
	return nil
}

// WriteFileAtomic writes data to a temp file next to path, syncs it, and
// renames it over path. Parent directories are created.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

func sortRuns(runs []*Run) {
	sort.SliceStable(runs, func(i, j int) bool {
		if !runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].CreatedAt.Before(runs[j].CreatedAt)
		}
		return runs[i].ID.String() < runs[j].ID.String()
	})
}
