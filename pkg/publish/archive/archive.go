// Package archive writes each published bundle to a local directory as
// compressed JSON, one file per bundle.
package archive

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/exploopio/intelpipe/pkg/compress"
	"github.com/exploopio/intelpipe/pkg/errors"
	"github.com/exploopio/intelpipe/pkg/publish"
	"github.com/exploopio/intelpipe/pkg/stix"
)

// Name is the sink name used in logs and metrics.
const Name = "archive"

// Config configures the archive sink.
type Config struct {
	// Dir receives <bundle-id>.json<ext>. Empty disables the sink.
	Dir string `yaml:"dir" json:"dir"`

	// Compression is "zstd" (default), "gzip" or "none".
	Compression string `yaml:"compression" json:"compression"`

	// Keep bounds the number of archived bundles; the oldest are removed
	// first. 0 keeps everything.
	Keep int `yaml:"keep" json:"keep"`
}

// Sink is a bundle sink backed by the filesystem.
type Sink struct {
	dir   string
	codec *compress.Codec
	keep  int
}

// New creates an archive sink.
func New(cfg Config) (*Sink, error) {
	alg, err := compress.ParseAlgorithm(cfg.Compression)
	if err != nil {
		return nil, errors.E(errors.KindInvalidInput, "archive.New", err)
	}
	codec, err := compress.New(alg, compress.LevelDefault)
	if err != nil {
		return nil, errors.E(errors.KindInvalidInput, "archive.New", err)
	}
	return &Sink{dir: strings.TrimSpace(cfg.Dir), codec: codec, keep: cfg.Keep}, nil
}

// Name returns "archive".
func (s *Sink) Name() string { return Name }

// Configured reports whether a directory is set.
func (s *Sink) Configured() bool {
	return s != nil && s.dir != ""
}

// Path returns the file a bundle id is archived to.
func (s *Sink) Path(bundleID string) string {
	return filepath.Join(s.dir, bundleID+".json"+s.codec.Extension())
}

// SendBundle writes b through a temp file and rename, so readers never
// see a partial archive.
func (s *Sink) SendBundle(ctx context.Context, b *stix.Bundle) error {
	const op = "archive.SendBundle"
	if !s.Configured() {
		return errors.ErrNotConfigured
	}
	if b == nil || !stix.ValidID(stix.TypeBundle, b.ID) {
		return errors.E(errors.KindInvalidInput, op, "bundle without a valid id")
	}
	if err := ctx.Err(); err != nil {
		return errors.E(errors.KindTimeout, op, err)
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return errors.E(errors.KindPublish, op, err)
	}
	tmp, err := os.CreateTemp(s.dir, ".bundle-*")
	if err != nil {
		return errors.E(errors.KindPublish, op, err)
	}
	defer os.Remove(tmp.Name())

	if err := s.write(tmp, b); err != nil {
		_ = tmp.Close()
		return errors.E(errors.KindPublish, op, "write "+b.ID, err)
	}
	if err := tmp.Close(); err != nil {
		return errors.E(errors.KindPublish, op, err)
	}
	if err := os.Rename(tmp.Name(), s.Path(b.ID)); err != nil {
		return errors.E(errors.KindPublish, op, err)
	}
	return s.prune()
}

func (s *Sink) write(f *os.File, b *stix.Bundle) error {
	w, err := s.codec.NewWriter(f)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(w).Encode(b); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

// Load reads an archived bundle back.
func (s *Sink) Load(bundleID string) (*stix.Bundle, error) {
	const op = "archive.Load"

	f, err := os.Open(s.Path(bundleID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errors.E(errors.KindNotFound, op, bundleID, err)
		}
		return nil, errors.E(errors.KindInternal, op, err)
	}
	defer f.Close()

	r, err := s.codec.NewReader(f)
	if err != nil {
		return nil, errors.E(errors.KindInternal, op, err)
	}
	defer r.Close()

	var raw json.RawMessage
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, errors.E(errors.KindInternal, op, "decode "+bundleID, err)
	}
	return stix.ParseBundle(raw)
}

// List returns archived bundle ids, oldest first.
func (s *Sink) List() ([]string, error) {
	files, err := s.files()
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(files))
	for i, f := range files {
		ids[i] = f.id
	}
	return ids, nil
}

type archived struct {
	id   string
	path string
	mod  int64
}

func (s *Sink) files() ([]archived, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, errors.E(errors.KindInternal, "archive.List", err)
	}

	suffix := ".json" + s.codec.Extension()
	var out []archived
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, stix.TypeBundle+"--") || !strings.HasSuffix(name, suffix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, archived{
			id:   strings.TrimSuffix(name, suffix),
			path: filepath.Join(s.dir, name),
			mod:  info.ModTime().UnixNano(),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].mod != out[j].mod {
			return out[i].mod < out[j].mod
		}
		return out[i].id < out[j].id
	})
	return out, nil
}

func (s *Sink) prune() error {
	if s.keep <= 0 {
		return nil
	}
	files, err := s.files()
	if err != nil {
		return err
	}
	for len(files) > s.keep {
		if err := os.Remove(files[0].path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return errors.E(errors.KindInternal, "archive.prune", err)
		}
		files = files[1:]
	}
	return nil
}

var _ publish.BundleSink = (*Sink)(nil)
