// Package credentials resolves sink credentials from the environment,
// secret files and pluggable stores.
//
// Configuration values may name a credential instead of holding it:
//
//	env:MISP_API_KEY          environment variable
//	file:/run/secrets/misp    file contents, trailing newline trimmed
//	secret:misp.api_key       key looked up in a Store
//
// Anything else is returned as a literal.
package credentials

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/exploopio/intelpipe/pkg/errors"
)

// ErrCredentialNotFound is returned when no store holds a key.
var ErrCredentialNotFound = &errors.Error{Kind: errors.KindNotFound, Message: "credential not found"}

// =============================================================================
// Store Interface
// =============================================================================

// Store retrieves credentials by key. Implement it for external backends
// such as Vault.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
}

// =============================================================================
// Environment Store
// =============================================================================

// EnvStore reads credentials from environment variables.
type EnvStore struct {
	// Prefix is prepended to all key lookups (e.g., "INTELPIPE_")
	Prefix string

	// Mapping overrides the key-to-variable mapping.
	Mapping map[string]string
}

// NewEnvStore creates an environment variable store.
func NewEnvStore(prefix string) *EnvStore {
	return &EnvStore{Prefix: prefix, Mapping: make(map[string]string)}
}

// envKey maps "misp.api_key" to PREFIX + "MISP_API_KEY".
func (s *EnvStore) envKey(key string) string {
	if mapped, ok := s.Mapping[key]; ok {
		return mapped
	}
	envKey := strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
	envKey = strings.ReplaceAll(envKey, "-", "_")
	return s.Prefix + envKey
}

func (s *EnvStore) Get(_ context.Context, key string) (string, error) {
	value := os.Getenv(s.envKey(key))
	if value == "" {
		return "", ErrCredentialNotFound
	}
	return value, nil
}

// =============================================================================
// Directory Store
// =============================================================================

// DirStore reads one credential per file from a directory, the layout of
// Docker and Kubernetes secret mounts.
type DirStore struct {
	Dir string
}

// NewDirStore creates a directory store. An empty dir never finds anything.
func NewDirStore(dir string) *DirStore {
	return &DirStore{Dir: dir}
}

func (s *DirStore) Get(_ context.Context, key string) (string, error) {
	if s.Dir == "" {
		return "", ErrCredentialNotFound
	}
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	value, err := readSecretFile(filepath.Join(s.Dir, key))
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrCredentialNotFound
	}
	return value, err
}

// =============================================================================
// Memory Store
// =============================================================================

// MemoryStore holds credentials in memory. Useful in tests.
type MemoryStore struct {
	mu    sync.RWMutex
	creds map[string]string
}

// NewMemoryStore creates an empty memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{creds: make(map[string]string)}
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.creds[key]
	if !ok {
		return "", ErrCredentialNotFound
	}
	return v, nil
}

// Set stores a credential.
func (s *MemoryStore) Set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[key] = value
}

// =============================================================================
// Chained Store
// =============================================================================

// ChainedStore tries multiple stores in order.
type ChainedStore struct {
	stores []Store
}

// NewChainedStore creates a store that consults stores in order. Nil
// entries are skipped.
func NewChainedStore(stores ...Store) *ChainedStore {
	return &ChainedStore{stores: stores}
}

func (s *ChainedStore) Get(ctx context.Context, key string) (string, error) {
	for _, store := range s.stores {
		if store == nil {
			continue
		}
		v, err := store.Get(ctx, key)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, ErrCredentialNotFound) {
			return "", err
		}
	}
	return "", ErrCredentialNotFound
}

// =============================================================================
// Reference resolution
// =============================================================================

// Resolve returns the credential ref names. store serves "secret:" refs
// and may be nil when none are used.
func Resolve(ctx context.Context, store Store, ref string) (string, error) {
	const op = "credentials.Resolve"

	scheme, rest, ok := strings.Cut(ref, ":")
	if !ok {
		return ref, nil
	}
	switch scheme {
	case "env":
		v, found := os.LookupEnv(rest)
		if !found || v == "" {
			return "", errors.E(errors.KindNotFound, op, "environment variable "+rest+" is not set")
		}
		return v, nil
	case "file":
		v, err := readSecretFile(rest)
		if err != nil {
			return "", errors.E(errors.KindNotFound, op, "read secret file", err)
		}
		return v, nil
	case "secret":
		if store == nil {
			return "", errors.E(errors.KindNotFound, op, "no credential store for "+rest)
		}
		v, err := store.Get(ctx, rest)
		if err != nil {
			return "", errors.E(errors.KindNotFound, op, "secret "+rest, err)
		}
		return v, nil
	default:
		// "https://..." and other literals containing a colon
		return ref, nil
	}
}

func readSecretFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(data), "\r\n"), nil
}

// ValidateKey rejects keys that could escape a DirStore directory.
func ValidateKey(key string) error {
	if key == "" || strings.ContainsAny(key, `/\`) || key == "." || key == ".." {
		return errors.E(errors.KindInvalidInput, "credentials.ValidateKey", "invalid credential key "+key)
	}
	return nil
}
