// Package metrics persists per-epoch training scalars and computes the
// evaluation metrics of the driver.
//
// Only the coordinating process (rank 0) creates a Writer; the other ranks
// never touch the log directory.
package metrics

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/pkg/errors"
)

// CSVFileExt is the extension of the per-tag scalar files.
const CSVFileExt = "csv"

// Scalar is one logged value of one tag at one epoch.
type Scalar struct {
	Tag       string  `csv:"tag"`
	Epoch     int     `csv:"epoch"`
	Value     float64 `csv:"value"`
	UnixMilli int64   `csv:"unix_milli"`
}

// Writer appends training scalars under a log directory, one CSV file per
// tag. It is safe for concurrent use.
type Writer struct {
	dir string

	mu    sync.Mutex
	files map[string]*os.File
}

// NewWriter creates the log directory if needed and returns a Writer over it.
func NewWriter(dir string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "failed to create log directory %q", dir)
	}
	return &Writer{dir: dir, files: make(map[string]*os.File)}, nil
}

// Dir returns the log directory.
func (w *Writer) Dir() string { return w.dir }

// Add appends one scalar record to the tag's file.
func (w *Writer) Add(tag string, epoch int, value float64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	file, err := w.file(tag)
	if err != nil {
		return err
	}
	records := []Scalar{{Tag: tag, Epoch: epoch, Value: value, UnixMilli: time.Now().UnixMilli()}}
	if err := gocsv.MarshalWithoutHeaders(&records, file); err != nil {
		return errors.Wrapf(err, "failed to append scalar %s[%d]", tag, epoch)
	}
	return nil
}

// Read returns all records logged so far under the given tag.
func Read(dir, tag string) ([]Scalar, error) {
	file, err := os.Open(tagPath(dir, tag))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open scalars of tag %q", tag)
	}
	defer func() { _ = file.Close() }()
	var records []Scalar
	if err := gocsv.UnmarshalWithoutHeaders(file, &records); err != nil {
		return nil, errors.Wrapf(err, "failed to parse scalars of tag %q", tag)
	}
	return records, nil
}

// Close flushes and closes every tag file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	var firstErr error
	for tag, file := range w.files {
		if err := file.Close(); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "failed to close scalars of tag %q", tag)
		}
		delete(w.files, tag)
	}
	return firstErr
}

func (w *Writer) file(tag string) (*os.File, error) {
	if file, ok := w.files[tag]; ok {
		return file, nil
	}
	file, err := os.OpenFile(tagPath(w.dir, tag), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open scalars of tag %q", tag)
	}
	w.files[tag] = file
	return file, nil
}

func tagPath(dir, tag string) string {
	return filepath.Join(dir, tag+"."+CSVFileExt)
}
