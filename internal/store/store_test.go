package store

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/tracecluster/tracecluster/internal/partition"
	"github.com/tracecluster/tracecluster/pkg/features"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "sub", "runs.db"), slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testResult() *partition.Result {
	a := partition.NewAssignment()
	a.Set("vm-b", 0)
	a.Set("vm-a", 0)
	a.Set("vm-c", partition.Singleton)
	return &partition.Result{
		Assignment: a,
		Stats: partition.Stats{
			Algorithm:  partition.AlgorithmUnionSet,
			Partitions: 1,
			Singletons: 1,
			Duration:   1500 * time.Millisecond,
		},
	}
}

// ============================================================
// Feature cache
// ============================================================

func TestFeaturesRoundTrip(t *testing.T) {
	s := openTest(t)

	d := features.NewDict()
	d.Put("vm-z", features.NewSet("1.1.1.1", "2.2.2.2"))
	d.Put("vm-a", features.NewSet())
	d.Put("vm-m", features.NewSet("3.3.3.3"))
	require.NoError(t, s.SaveFeatures("k1", d))

	got, err := s.LoadFeatures("k1")
	require.NoError(t, err)
	assert.Equal(t, d.Keys(), got.Keys())
	for _, vm := range d.Keys() {
		want, _ := d.Get(vm)
		have, _ := got.Get(vm)
		assert.Equal(t, want.Items(), have.Items(), vm)
	}
}

func TestSaveFeaturesReplaces(t *testing.T) {
	s := openTest(t)

	first := features.NewDict()
	first.Put("old", features.NewSet("x"))
	require.NoError(t, s.SaveFeatures("k", first))

	second := features.NewDict()
	second.Put("new", features.NewSet("y"))
	require.NoError(t, s.SaveFeatures("k", second))

	got, err := s.LoadFeatures("k")
	require.NoError(t, err)
	assert.Equal(t, []string{"new"}, got.Keys())
}

func TestFeaturesMissingAndDelete(t *testing.T) {
	s := openTest(t)

	_, err := s.LoadFeatures("nope")
	assert.ErrorIs(t, err, ErrNotFound)

	d := features.NewDict()
	d.Add("vm", "peer")
	require.NoError(t, s.SaveFeatures("k", d))
	require.NoError(t, s.DeleteFeatures("k"))
	require.NoError(t, s.DeleteFeatures("k"))

	_, err = s.LoadFeatures("k")
	assert.ErrorIs(t, err, ErrNotFound)
}

// ============================================================
// Runs
// ============================================================

func TestRunsRoundTrip(t *testing.T) {
	s := openTest(t)

	_, err := s.LatestRun()
	assert.ErrorIs(t, err, ErrNotFound)

	run := NewRun(testResult())
	run.Threshold = 0.5
	run.NumPerm = 64
	require.NoError(t, s.SaveRun(run))
	assert.Equal(t, int64(1500), run.DurationMS)

	got, err := s.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, "union_set", got.Algorithm)
	assert.Equal(t, 0.5, got.Threshold)
	assert.Equal(t, []string{"vm-b", "vm-a", "vm-c"}, got.Assignment().Keys())
	assert.Equal(t, map[string]int{"vm-a": 0, "vm-b": 0, "vm-c": -1}, got.Assignment().Map())

	latest, err := s.LatestRun()
	require.NoError(t, err)
	assert.Equal(t, run.ID, latest.ID)

	_, err = s.GetRun(uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListRunsOldestFirst(t *testing.T) {
	s := openTest(t)

	older := NewRun(testResult())
	older.CreatedAt = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := NewRun(testResult())
	newer.CreatedAt = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.SaveRun(newer))
	require.NoError(t, s.SaveRun(older))

	runs, err := s.ListRuns()
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, older.ID, runs[0].ID)
	assert.Equal(t, newer.ID, runs[1].ID)

	latest, err := s.LatestRun()
	require.NoError(t, err)
	assert.Equal(t, older.ID, latest.ID, "latest is the last saved")
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.db")
	s, err := Open(path, nil)
	require.NoError(t, err)
	assert.Equal(t, path, s.Path())
	run := NewRun(testResult())
	require.NoError(t, s.SaveRun(run))
	require.NoError(t, s.Close())

	s, err = Open(path, nil)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.LatestRun()
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)
}

// ============================================================
// Export
// ============================================================

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{"json": FormatJSON, "": FormatJSON, "YAML": FormatYAML, "yml": FormatYAML} {
		got, err := ParseFormat(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseFormat("xml")
	assert.Error(t, err)
}

func TestDocumentFileName(t *testing.T) {
	assert.Equal(t, "threshold_0.5.json", (&Document{Mode: "threshold", Threshold: 0.5}).FileName(FormatJSON))
	assert.Equal(t, "threshold_0.85.yaml", (&Document{Mode: "threshold", Threshold: 0.85}).FileName(FormatYAML))
	assert.Equal(t, "topk_10.json", (&Document{Mode: "topk", TopK: 10}).FileName(FormatJSON))
}

func TestExportPartitions(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "results")
	run := NewRun(testResult())
	run.Mode = "threshold"
	run.Threshold = 0.5
	doc := NewDocument(run)
	assert.Equal(t, run.ID.String(), doc.RunID)

	path, digest, err := ExportPartitions(dir, FormatJSON, doc)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "threshold_0.5.json"), path)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, Digest(data), digest)
	assert.Len(t, digest, 64)

	var back Document
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, *doc, back)
	assert.Equal(t, []Group{{ID: 0, VMs: []string{"vm-b", "vm-a"}}, {ID: -1, VMs: []string{"vm-c"}}}, back.Partitions)

	path, _, err = ExportPartitions(dir, FormatYAML, doc)
	require.NoError(t, err)
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	var fromYAML Document
	require.NoError(t, yaml.Unmarshal(data, &fromYAML))
	assert.Equal(t, *doc, fromYAML)

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file must not survive")
}

func TestVerifyExport(t *testing.T) {
	run := NewRun(testResult())
	run.Mode = "threshold"
	run.Threshold = 0.7

	assert.Error(t, VerifyExport(run), "nothing exported yet")

	path, digest, err := ExportPartitions(t.TempDir(), FormatYAML, NewDocument(run))
	require.NoError(t, err)
	run.Output, run.OutputDigest = path, digest
	require.NoError(t, VerifyExport(run))

	require.NoError(t, os.WriteFile(path, []byte("partitions: []\n"), 0644))
	assert.ErrorIs(t, VerifyExport(run), ErrDigestMismatch)

	require.NoError(t, os.Remove(path))
	assert.Error(t, VerifyExport(run))
}

func TestWriteFileAtomicOverwrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.txt")
	require.NoError(t, WriteFileAtomic(path, []byte("one"), 0600))
	require.NoError(t, WriteFileAtomic(path, []byte("two"), 0600))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))
}
