package tabular

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeCSV(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeCSV(t, strings.Join([]string{
		"f0,f1,label,f2",
		"1.0,2.0,1,3.0",
		"4.0,5.0,0,6.0",
		"7.5,-8.0,1,0.25",
	}, "\n"))
	ds, err := Load("train", path)
	require.NoError(t, err)

	assert.Equal(t, "train", ds.Name())
	assert.Equal(t, 3, ds.Len())
	assert.Equal(t, 3, ds.NumFeatures())

	features, label := ds.At(0)
	assert.Equal(t, []float32{1, 2, 3}, features)
	assert.Equal(t, int32(1), label)
	features, label = ds.At(2)
	assert.Equal(t, []float32{7.5, -8, 0.25}, features)
	assert.Equal(t, int32(1), label)
}

func TestLoadMissingLabelColumn(t *testing.T) {
	path := writeCSV(t, "f0,f1\n1,2\n")
	_, err := Load("train", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), LabelColumn)
}

func TestLoadRaggedRow(t *testing.T) {
	path := writeCSV(t, "f0,f1,label\n1,2,0\n1,2\n")
	_, err := Load("train", path)
	assert.Error(t, err)
}

func TestLoadMalformedQuote(t *testing.T) {
	// A bare quote is a csv parse error, not end of file: the rows after it
	// must not be silently dropped.
	path := writeCSV(t, strings.Join([]string{
		"f0,label",
		"1,0",
		"2,1",
		`"bad,1`,
		"3,0",
	}, "\n"))
	_, err := Load("train", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "row 3")
}

func TestLoadBadValue(t *testing.T) {
	path := writeCSV(t, "f0,label\nnotanumber,0\n")
	_, err := Load("train", path)
	assert.Error(t, err)
}

// testDataset builds an n-row dataset with 2 features per row, where row i
// has features (i, 2i) and label i%2.
func testDataset(t *testing.T, n int) *Dataset {
	t.Helper()
	var sb strings.Builder
	sb.WriteString("f0,f1,label\n")
	for i := 0; i < n; i++ {
		fmt.Fprintf(&sb, "%d,%d,%d\n", i, 2*i, i%2)
	}
	ds, err := Load("test", writeCSV(t, sb.String()))
	require.NoError(t, err)
	return ds
}

func TestSamplerShardsAreDisjointAndPadded(t *testing.T) {
	const n, worldSize = 10, 4
	ds := testDataset(t, n)

	samplers := make([]*Sampler, worldSize)
	for rank := range samplers {
		samplers[rank] = NewSampler(ds, SamplerConfig{
			Rank: rank, WorldSize: worldSize, BatchSize: 2, Shuffle: true, Seed: 17,
		})
	}

	// Padded total: ceil(10/4)*4 = 12, i.e. 3 rows per worker.
	assert.Equal(t, 12, samplers[0].TotalSize())

	seen := make(map[int]int)
	for rank, s := range samplers {
		assert.Lenf(t, s.shard, 3, "rank %d", rank)
		for _, row := range s.shard {
			seen[row]++
		}
	}
	// Every row is assigned, and exactly TotalSize-n rows twice (the padding).
	assert.Len(t, seen, n)
	var repeats int
	for _, count := range seen {
		repeats += count - 1
	}
	assert.Equal(t, 12-n, repeats)
}

func TestSamplerSetEpochReshuffles(t *testing.T) {
	ds := testDataset(t, 64)
	s := NewSampler(ds, SamplerConfig{Rank: 0, WorldSize: 1, BatchSize: 8, Shuffle: true, Seed: 42})

	epoch0 := append([]int(nil), s.shard...)
	s.SetEpoch(1)
	epoch1 := append([]int(nil), s.shard...)
	assert.NotEqual(t, epoch0, epoch1)

	// Same (seed, epoch) recreates the same order.
	s.SetEpoch(0)
	assert.Equal(t, epoch0, s.shard)
}

func TestSamplerYield(t *testing.T) {
	ds := testDataset(t, 10)
	s := NewSampler(ds, SamplerConfig{Rank: 0, WorldSize: 1, BatchSize: 4, DropLast: true, Seed: 1})

	var batches int
	for {
		_, inputs, labels, err := s.Yield()
		if err != nil {
			break
		}
		require.Len(t, inputs, 1)
		require.Len(t, labels, 1)
		assert.Equal(t, []int{4, 2}, inputs[0].Shape().Dimensions)
		assert.Equal(t, []int{4, 1}, labels[0].Shape().Dimensions)
		batches++
	}
	// 10 rows at batch size 4 with the tail dropped.
	assert.Equal(t, 2, batches)

	// Reset rewinds the shard.
	s.Reset()
	_, inputs, _, err := s.Yield()
	require.NoError(t, err)
	assert.Equal(t, 4, inputs[0].Shape().Dim(0))
}

func TestSamplerYieldKeepsTailWithoutDropLast(t *testing.T) {
	ds := testDataset(t, 10)
	s := NewSampler(ds, SamplerConfig{Rank: 0, WorldSize: 1, BatchSize: 4, Seed: 1})

	var rows int
	for {
		_, inputs, _, err := s.Yield()
		if err != nil {
			break
		}
		rows += inputs[0].Shape().Dim(0)
	}
	assert.Equal(t, 10, rows)
}

func TestSamplerContentMatchesSource(t *testing.T) {
	ds := testDataset(t, 6)
	// No shuffle: rank 0 of 2 takes rows 0, 2, 4.
	s := NewSampler(ds, SamplerConfig{Rank: 0, WorldSize: 2, BatchSize: 3, Seed: 1})
	_, inputs, labels, err := s.Yield()
	require.NoError(t, err)

	assert.Equal(t, []float32{0, 0, 2, 4, 4, 8}, tensors.CopyFlatData[float32](inputs[0]))
	assert.Equal(t, []int32{0, 0, 0}, tensors.CopyFlatData[int32](labels[0]))
}
