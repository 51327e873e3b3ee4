// Package credentials resolves secret references to secret material.
//
// Configuration never embeds secrets; it carries references like
// "plc_password", resolved here from the OTBRIDGE_SECRET_<NAME> environment
// at lookup time. Resolved material is tracked so Close can wipe it.
package credentials

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/otbridge/otbridge/pkg/models"
)

// EnvPrefix is prepended to the upper-cased secret reference.
const EnvPrefix = "OTBRIDGE_SECRET_"

// Secret holds sensitive bytes. String always masks.
type Secret struct {
	value []byte
}

// Value returns the secret material. Callers must not retain the slice
// past use; it is wiped on store Close.
func (s *Secret) Value() string { return string(s.value) }

// Zero overwrites the material in place.
func (s *Secret) Zero() {
	for i := range s.value {
		s.value[i] = 0
	}
	s.value = s.value[:0]
}

// String implements fmt.Stringer with a masked value so a Secret can never
// leak through logging.
func (s *Secret) String() string { return "***" }

// Store resolves and tracks secrets for wiping on shutdown.
type Store struct {
	mu       sync.Mutex
	resolved []*Secret
	closed   bool
}

// NewStore creates an empty credential store.
func NewStore() *Store {
	return &Store{}
}

// EnvName maps a secret reference to its environment variable.
func EnvName(ref string) string {
	name := strings.ToUpper(ref)
	name = strings.NewReplacer("-", "_", ".", "_", "/", "_").Replace(name)
	return EnvPrefix + name
}

// Get resolves a secret reference. A missing variable fails with kind
// auth_failed; the error names the variable, never any secret material.
func (s *Store) Get(ref string) (*Secret, error) {
	if ref == "" {
		return nil, models.NewError(models.KindAuthFailed, "empty credentials reference")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, models.NewError(models.KindInternal, "credential store closed")
	}

	env := EnvName(ref)
	val, ok := os.LookupEnv(env)
	if !ok || val == "" {
		// Bare well-known variables (CLIENT_SECRET) work without the
		// prefix so cloud-issued connection snippets paste straight in.
		val, ok = os.LookupEnv(strings.TrimPrefix(env, EnvPrefix))
	}
	if !ok || val == "" {
		return nil, models.NewError(models.KindAuthFailed,
			fmt.Sprintf("secret reference %q is not set (expected %s)", ref, env))
	}

	sec := &Secret{value: []byte(val)}
	s.resolved = append(s.resolved, sec)
	return sec, nil
}

// Close wipes every secret handed out by this store.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for _, sec := range s.resolved {
		sec.Zero()
	}
	s.resolved = nil
}
