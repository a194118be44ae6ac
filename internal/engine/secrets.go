// Package engine: secret resolution for sandboxed commands. A SandboxConfig
// may reference secrets by name (SecretRefs) rather than embedding them;
// this component resolves those refs to plaintext values just before
// Execute. Tool and ExecutionRequest carry no secret references, and
// Policy.Resolve leaves SecretRefs empty. Decryption uses the teacher's
// AES-256-GCM + PBKDF2 encryption primitive
// (internal/credential/encryption.go) — the app-facing credential CRUD
// surface around it is out of the engine's scope and was dropped, but the
// Encryptor itself is reused as-is.
package engine

import (
	"context"

	"github.com/stepflow/execengine/internal/credential"
)

// SecretStore looks up an encrypted secret value by reference name, scoped
// to a tenant so one tenant's SecretRefs can never resolve another's data.
type SecretStore interface {
	GetEncrypted(ctx context.Context, tenantID TenantId, ref string) (string, error)
}

// SecretResolver decrypts SecretRefs into the EnvVars a sandbox receives.
type SecretResolver struct {
	store     SecretStore
	encryptor *credential.Encryptor
}

// NewSecretResolver builds a resolver backed by store and encryptor.
func NewSecretResolver(store SecretStore, encryptor *credential.Encryptor) *SecretResolver {
	return &SecretResolver{store: store, encryptor: encryptor}
}

// Resolve decrypts each ref in refs and returns them as env var entries
// keyed by the ref's own name, uppercased as an env var would be.
func (r *SecretResolver) Resolve(ctx context.Context, tenantID TenantId, refs []string) (map[string]string, error) {
	out := make(map[string]string, len(refs))
	for _, ref := range refs {
		encrypted, err := r.store.GetEncrypted(ctx, tenantID, ref)
		if err != nil {
			return nil, ErrInternalError("failed to load secret "+ref, err)
		}
		plaintext, err := r.encryptor.DecryptString(encrypted)
		if err != nil {
			return nil, ErrInternalError("failed to decrypt secret "+ref, err)
		}
		out[envVarName(ref)] = plaintext
	}
	return out, nil
}

func envVarName(ref string) string {
	out := make([]byte, len(ref))
	for i := 0; i < len(ref); i++ {
		c := ref[i]
		switch {
		case c >= 'a' && c <= 'z':
			out[i] = c - ('a' - 'A')
		case c == '-' || c == '.':
			out[i] = '_'
		default:
			out[i] = c
		}
	}
	return string(out)
}

// InMemorySecretStore is a map-backed SecretStore for tests.
type InMemorySecretStore struct {
	values map[TenantId]map[string]string
}

// NewInMemorySecretStore builds an empty store.
func NewInMemorySecretStore() *InMemorySecretStore {
	return &InMemorySecretStore{values: make(map[TenantId]map[string]string)}
}

// Put seeds an encrypted value for a tenant/ref pair.
func (s *InMemorySecretStore) Put(tenantID TenantId, ref, encryptedValue string) {
	if s.values[tenantID] == nil {
		s.values[tenantID] = make(map[string]string)
	}
	s.values[tenantID][ref] = encryptedValue
}

func (s *InMemorySecretStore) GetEncrypted(ctx context.Context, tenantID TenantId, ref string) (string, error) {
	values, ok := s.values[tenantID]
	if !ok {
		return "", ErrInternalError("no secrets registered for tenant", nil)
	}
	value, ok := values[ref]
	if !ok {
		return "", ErrInternalError("secret not found: "+ref, nil)
	}
	return value, nil
}
