// Package dedupe remembers which indicator patterns were already delivered
// so unchanged indicators are not pushed again on the next run.
//
// The filter is probabilistic: a false positive suppresses an indicator
// that was never delivered, at the configured rate. It never lets a
// delivered pattern through twice.
package dedupe

import (
	"bufio"
	"os"
	"path/filepath"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/exploopio/intelpipe/pkg/errors"
	"github.com/exploopio/intelpipe/pkg/fingerprint"
)

const (
	// DefaultCapacity is the expected number of distinct patterns.
	DefaultCapacity = 100_000

	// DefaultFalsePositiveRate is the target false positive rate.
	DefaultFalsePositiveRate = 0.001
)

// Config configures a Filter.
type Config struct {
	Capacity          uint    `yaml:"capacity" json:"capacity"`
	FalsePositiveRate float64 `yaml:"false_positive_rate" json:"false_positive_rate"`

	// StateFile persists the filter between process restarts. Empty keeps
	// it in memory only.
	StateFile string `yaml:"state_file" json:"state_file"`
}

// Filter is safe for concurrent use.
type Filter struct {
	mu    sync.Mutex
	bf    *bloom.BloomFilter
	path  string
	added int
}

// New creates an empty filter.
func New(cfg Config) *Filter {
	if cfg.Capacity == 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.FalsePositiveRate <= 0 || cfg.FalsePositiveRate >= 1 {
		cfg.FalsePositiveRate = DefaultFalsePositiveRate
	}
	return &Filter{
		bf:   bloom.NewWithEstimates(cfg.Capacity, cfg.FalsePositiveRate),
		path: cfg.StateFile,
	}
}

// Open creates a filter and loads its state file when one exists.
func Open(cfg Config) (*Filter, error) {
	f := New(cfg)
	if f.path == "" {
		return f, nil
	}

	file, err := os.Open(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return f, nil
	}
	if err != nil {
		return nil, errors.E(errors.KindInternal, "dedupe.Open", err)
	}
	defer file.Close()

	if _, err := f.bf.ReadFrom(bufio.NewReader(file)); err != nil {
		return nil, errors.E(errors.KindInternal, "dedupe.Open", "read state "+f.path, err)
	}
	return f, nil
}

// Seen reports whether pattern was probably delivered before.
func (f *Filter) Seen(pattern string) bool {
	key := fingerprint.ForPattern(pattern)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bf.TestString(key)
}

// Mark records pattern as delivered.
func (f *Filter) Mark(pattern string) {
	key := fingerprint.ForPattern(pattern)
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.bf.TestAndAddString(key) {
		f.added++
	}
}

// Added returns the number of patterns marked since the filter was created.
func (f *Filter) Added() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.added
}

// Reset forgets every pattern.
func (f *Filter) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bf.ClearAll()
	f.added = 0
}

// Save writes the filter to its state file through a temp file and rename.
// It is a no-op without a state file.
func (f *Filter) Save() error {
	if f.path == "" {
		return nil
	}
	const op = "dedupe.Save"

	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return errors.E(errors.KindInternal, op, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".dedupe-*")
	if err != nil {
		return errors.E(errors.KindInternal, op, err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	f.mu.Lock()
	_, err = f.bf.WriteTo(w)
	f.mu.Unlock()
	if err == nil {
		err = w.Flush()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return errors.E(errors.KindInternal, op, "write state", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return errors.E(errors.KindInternal, op, err)
	}
	return nil
}
