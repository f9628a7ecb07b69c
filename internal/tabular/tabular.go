// Package tabular loads delimited tabular datasets for training, and shards
// them across distributed workers.
//
// A dataset file is a CSV with a header row. The column named "label" holds
// the integer class of each row; every other column is a float32 feature.
package tabular

import (
	"encoding/csv"
	"io"
	"os"
	"strconv"

	"github.com/pkg/errors"
)

// LabelColumn is the reserved name of the label column.
const LabelColumn = "label"

// Dataset holds an in-memory tabular dataset: one fixed-width feature vector
// and one integer label per row.
type Dataset struct {
	name        string
	numFeatures int

	// features is row-major, len == numRows*numFeatures.
	features []float32
	labels   []int32
}

// Load reads the CSV file at path into a Dataset.
//
// It fails if the header has no LabelColumn, or if any row has a different
// width than the header.
func Load(name, path string) (*Dataset, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open dataset %q", name)
	}
	defer func() { _ = file.Close() }()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read header of dataset %q", name)
	}
	labelCol := -1
	for col, colName := range header {
		if colName == LabelColumn {
			labelCol = col
			break
		}
	}
	if labelCol == -1 {
		return nil, errors.Errorf("dataset %q (%s) has no %q column", name, path, LabelColumn)
	}

	ds := &Dataset{
		name:        name,
		numFeatures: len(header) - 1,
	}
	row := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			// csv.Reader enforces a constant field count per record.
			return nil, errors.Wrapf(err, "failed to read row %d of dataset %q", row, name)
		}
		for col, field := range record {
			if col == labelCol {
				label, err := strconv.ParseFloat(field, 64)
				if err != nil {
					return nil, errors.Wrapf(err, "dataset %q row %d: invalid label %q", name, row, field)
				}
				ds.labels = append(ds.labels, int32(label))
				continue
			}
			value, err := strconv.ParseFloat(field, 32)
			if err != nil {
				return nil, errors.Wrapf(err, "dataset %q row %d column %q: invalid value %q",
					name, row, header[col], field)
			}
			ds.features = append(ds.features, float32(value))
		}
		row++
	}
	return ds, nil
}

// Name of the dataset, used in logs.
func (ds *Dataset) Name() string { return ds.name }

// Len returns the number of rows.
func (ds *Dataset) Len() int { return len(ds.labels) }

// NumFeatures returns the feature vector width (number of columns minus the label).
func (ds *Dataset) NumFeatures() int { return ds.numFeatures }

// At returns the feature vector and the label of row idx.
// The returned slice aliases the dataset storage and must not be modified.
func (ds *Dataset) At(idx int) ([]float32, int32) {
	return ds.features[idx*ds.numFeatures : (idx+1)*ds.numFeatures], ds.labels[idx]
}
