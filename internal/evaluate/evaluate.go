// Package evaluate scores a partitioning against ground-truth VM labels.
package evaluate

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/stat"

	"github.com/tracecluster/tracecluster/internal/partition"
)

// DefaultLabelColumn is the column read from a labels file when none is named.
const DefaultLabelColumn = "label"

// ErrNoOverlap is returned when no assigned VM has a label.
var ErrNoOverlap = errors.New("evaluate: no labelled vm in assignment")

// Labels maps a VM id to its ground-truth class.
type Labels map[string]string

// LoadLabels reads a CSV with a header row. The first column is the VM id;
// the class comes from the column named column.
func LoadLabels(r io.Reader, column string) (Labels, error) {
	if column == "" {
		column = DefaultLabelColumn
	}
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read labels header: %w", err)
	}
	col := -1
	for i, h := range header {
		if strings.EqualFold(strings.TrimSpace(h), column) {
			col = i
			break
		}
	}
	if col <= 0 {
		return nil, fmt.Errorf("labels header has no %q column after the vm id", column)
	}

	labels := make(Labels)
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return labels, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read labels line %d: %w", line, err)
		}
		if len(rec) <= col {
			return nil, fmt.Errorf("labels line %d has %d columns", line, len(rec))
		}
		labels[strings.TrimSpace(rec[0])] = strings.TrimSpace(rec[col])
	}
}

// LoadLabelsFile is LoadLabels over the file at path.
func LoadLabelsFile(path, column string) (Labels, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open labels: %w", err)
	}
	defer f.Close()
	return LoadLabels(f, column)
}

// Report holds the scores of one partitioning.
type Report struct {
	VMs        int     `json:"vms"`
	Labelled   int     `json:"labelled"`
	Partitions int     `json:"partitions"`
	Singletons int     `json:"singletons"`
	Purity     float64 `json:"purity"`
	ARI        float64 `json:"ari"`
	NMI        float64 `json:"nmi"`
}

// Evaluate compares a against labels. Counts cover every assigned VM; the
// scores cover only labelled ones. Each singleton VM is its own cluster.
func Evaluate(a *partition.Assignment, labels Labels) (Report, error) {
	rep := Report{VMs: a.Len()}

	seen := make(map[int]struct{})
	var clusters, classes []string
	a.Range(func(vm string, id int) bool {
		if id == partition.Singleton {
			rep.Singletons++
		} else if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			rep.Partitions++
		}

		class, ok := labels[vm]
		if !ok {
			return true
		}
		if id == partition.Singleton {
			clusters = append(clusters, "vm:"+vm)
		} else {
			clusters = append(clusters, "p:"+strconv.Itoa(id))
		}
		classes = append(classes, class)
		return true
	})
	rep.Labelled = len(classes)
	if rep.Labelled == 0 {
		return rep, ErrNoOverlap
	}

	t := newContingency(clusters, classes)
	rep.Purity = t.purity()
	rep.ARI = t.adjustedRand()
	rep.NMI = t.normalizedMutualInfo()
	return rep, nil
}

// contingency counts co-occurrences of cluster i and class j.
type contingency struct {
	n         int
	cells     map[[2]int]int
	rowTotals []int
	colTotals []int
}

func newContingency(clusters, classes []string) *contingency {
	rows := make(map[string]int)
	cols := make(map[string]int)
	t := &contingency{n: len(clusters), cells: make(map[[2]int]int)}
	for i := range clusters {
		r, ok := rows[clusters[i]]
		if !ok {
			r = len(rows)
			rows[clusters[i]] = r
			t.rowTotals = append(t.rowTotals, 0)
		}
		c, ok := cols[classes[i]]
		if !ok {
			c = len(cols)
			cols[classes[i]] = c
			t.colTotals = append(t.colTotals, 0)
		}
		t.cells[[2]int{r, c}]++
		t.rowTotals[r]++
		t.colTotals[c]++
	}
	return t
}

func (t *contingency) purity() float64 {
	best := make([]int, len(t.rowTotals))
	for k, v := range t.cells {
		if v > best[k[0]] {
			best[k[0]] = v
		}
	}
	sum := 0
	for _, b := range best {
		sum += b
	}
	return float64(sum) / float64(t.n)
}

func comb2(x int) float64 {
	return float64(x) * float64(x-1) / 2
}

func (t *contingency) adjustedRand() float64 {
	var index, sumRows, sumCols float64
	for _, v := range t.cells {
		index += comb2(v)
	}
	for _, v := range t.rowTotals {
		sumRows += comb2(v)
	}
	for _, v := range t.colTotals {
		sumCols += comb2(v)
	}
	total := comb2(t.n)
	if total == 0 {
		return 1
	}
	expected := sumRows * sumCols / total
	maxIndex := (sumRows + sumCols) / 2
	if maxIndex == expected {
		return 1
	}
	return (index - expected) / (maxIndex - expected)
}

func distribution(totals []int, n int) []float64 {
	p := make([]float64, len(totals))
	for i, v := range totals {
		p[i] = float64(v) / float64(n)
	}
	return p
}

// normalizedMutualInfo uses the arithmetic mean of the two entropies.
func (t *contingency) normalizedMutualInfo() float64 {
	hu := stat.Entropy(distribution(t.rowTotals, t.n))
	hv := stat.Entropy(distribution(t.colTotals, t.n))
	if hu == 0 && hv == 0 {
		return 1
	}

	n := float64(t.n)
	var mi float64
	for k, v := range t.cells {
		nij := float64(v)
		mi += nij / n * math.Log(n*nij/(float64(t.rowTotals[k[0]])*float64(t.colTotals[k[1]])))
	}
	denom := (hu + hv) / 2
	if denom == 0 {
		return 0
	}
	return math.Max(mi/denom, 0)
}
