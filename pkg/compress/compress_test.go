package compress

import (
	"bytes"
	"io"
	"strings"
	"sync"
	"testing"
)

var bundleJSON = []byte(`{"type":"bundle","id":"bundle--1","spec_version":"2.1","objects":[` +
	strings.Repeat(`{"type":"note","content":"repeated advisory text"},`, 50) +
	`{"type":"note","content":"last"}]}`)

func TestCodec_RoundTrip(t *testing.T) {
	for _, alg := range []Algorithm{AlgorithmZSTD, AlgorithmGzip, AlgorithmNone} {
		t.Run(string(alg), func(t *testing.T) {
			c := MustNew(alg, LevelDefault)

			packed, err := c.Compress(bundleJSON)
			if err != nil {
				t.Fatalf("Compress() error = %v", err)
			}
			if alg != AlgorithmNone && len(packed) >= len(bundleJSON) {
				t.Errorf("compressed %d bytes into %d", len(bundleJSON), len(packed))
			}

			unpacked, err := c.Decompress(packed)
			if err != nil {
				t.Fatalf("Decompress() error = %v", err)
			}
			if !bytes.Equal(unpacked, bundleJSON) {
				t.Error("round trip mismatch")
			}
		})
	}
}

func TestCodec_Streaming(t *testing.T) {
	c := MustNew(AlgorithmZSTD, LevelBetter)

	var buf bytes.Buffer
	w, err := c.NewWriter(&buf)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if _, err := w.Write(bundleJSON); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	r, err := c.NewReader(&buf)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3*len(bundleJSON) {
		t.Errorf("read %d bytes, want %d", len(got), 3*len(bundleJSON))
	}
}

func TestCodec_Concurrent(t *testing.T) {
	c := MustNew(AlgorithmZSTD, LevelFastest)
	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			packed, err := c.Compress(bundleJSON)
			if err != nil {
				errs <- err
				return
			}
			out, err := c.Decompress(packed)
			if err != nil {
				errs <- err
				return
			}
			if !bytes.Equal(out, bundleJSON) {
				errs <- io.ErrUnexpectedEOF
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestCodec_DecompressGarbage(t *testing.T) {
	for _, alg := range []Algorithm{AlgorithmZSTD, AlgorithmGzip} {
		if _, err := MustNew(alg, LevelDefault).Decompress([]byte("not compressed at all")); err == nil {
			t.Errorf("%s: want error for garbage input", alg)
		}
	}
}

func TestParseAlgorithm(t *testing.T) {
	tests := []struct {
		in      string
		want    Algorithm
		wantErr bool
	}{
		{"", AlgorithmZSTD, false},
		{"ZSTD", AlgorithmZSTD, false},
		{"zst", AlgorithmZSTD, false},
		{"gz", AlgorithmGzip, false},
		{"none", AlgorithmNone, false},
		{"lz4", "", true},
	}
	for _, tt := range tests {
		got, err := ParseAlgorithm(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseAlgorithm(%q) = %q, %v", tt.in, got, err)
		}
	}
	if _, err := New("lz4", LevelDefault); err == nil {
		t.Error("New should reject unknown algorithms")
	}
}

func TestExtensionAndStats(t *testing.T) {
	if MustNew(AlgorithmZSTD, 0).Extension() != ".zst" || MustNew(AlgorithmGzip, 0).Extension() != ".gz" || MustNew(AlgorithmNone, 0).Extension() != "" {
		t.Error("unexpected extensions")
	}
	_, s, err := MustNew(AlgorithmZSTD, LevelDefault).CompressWithStats(bundleJSON)
	if err != nil {
		t.Fatal(err)
	}
	if s.OriginalSize != len(bundleJSON) || s.Ratio <= 0 || s.Ratio >= 1 || s.Algorithm != "zstd" {
		t.Errorf("stats = %+v", s)
	}
}
